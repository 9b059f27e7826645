package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"circle_cycle_engine/internal/app"
	"circle_cycle_engine/internal/infra/collaborators"
	"circle_cycle_engine/internal/infra/config"
	idb "circle_cycle_engine/internal/infra/database"
	"circle_cycle_engine/internal/infra/eventbus"
	"circle_cycle_engine/internal/infra/logger"
	"circle_cycle_engine/internal/infra/memory"
	iredis "circle_cycle_engine/internal/infra/redis"
	"circle_cycle_engine/internal/infra/scheduler"
	"circle_cycle_engine/internal/infra/telegram"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const (
	tickTimeout         = 5 * time.Minute
	collaboratorTimeout = 10 * time.Second
	dispatchKeyTTL      = 90 * 24 * time.Hour
	auditBuffer         = 256
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Could not load application configuration: %v", err)
	}
	logger.Init(cfg)
	mainLogger := logger.Component("main")
	mainLogger.WithField("admin_id", cfg.AdminTelegramID).Info("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var deps app.Dependencies

	// Storage
	var db *sql.DB
	switch cfg.Store {
	case config.StorePostgres:
		db, err = idb.NewPostgresConnection(ctx, cfg.DatabaseURL)
		if err != nil {
			mainLogger.Fatalf("Could not connect to database: %v", err)
		}
		defer db.Close()
		if err := idb.EnsureSchema(ctx, db); err != nil {
			mainLogger.Fatalf("Could not prepare database schema: %v", err)
		}
		cycles := idb.NewPostgresCycleRepository(db)
		deps.Circles, deps.Cycles, deps.Defaults, deps.Events = idb.NewPostgresCircleRepository(db), cycles, cycles, cycles
	default:
		mainLogger.Warn("Using in-memory store; state is lost on restart")
		cycles := memory.NewCycleRepository()
		deps.Circles, deps.Cycles, deps.Defaults, deps.Events = memory.NewCircleRepository(), cycles, cycles, cycles
	}
	mainLogger.WithField("store", cfg.Store).Info("Repositories initialized")

	// Event stream and dispatch guard
	bus := eventbus.New(logger.Component("eventbus"))
	defer bus.Close()
	publishers := eventbus.Fanout{bus}
	deps.Guard = memory.NewDispatchGuard()

	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		rdb, err = iredis.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			mainLogger.Fatalf("Could not connect to redis: %v", err)
		}
		defer rdb.Close()
		publishers = append(publishers, iredis.NewEventPublisher(rdb, cfg.RedisEventsChannel))
		deps.Guard = iredis.NewDispatchGuard(rdb, dispatchKeyTTL)
		mainLogger.WithField("addr", cfg.RedisAddr).Info("Redis connected")
	}
	deps.Publisher = publishers
	go auditLog(bus, logger.Component("audit"))

	// Collaborators
	deps.Rail = collaborators.NewPaymentRailClient(cfg.PaymentRailURL, cfg.PayoutTimeout)
	if cfg.TrustScoreURL != "" {
		deps.Trust = collaborators.NewTrustScoreClient(cfg.TrustScoreURL, collaboratorTimeout)
	} else {
		mainLogger.Warn("TRUST_SCORE_URL not set; trust-score rotation needs explicit scores")
	}
	if cfg.CoverURL != "" {
		deps.Cover = collaborators.NewCoverClient(cfg.CoverURL, collaboratorTimeout)
	}

	// Telegram
	var bot *telebot.Bot
	if cfg.TelegramToken != "" {
		bot, err = telebot.NewBot(telebot.Settings{
			Token:  cfg.TelegramToken,
			Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
			OnError: func(err error, c telebot.Context) {
				entry := logger.Component("telebot").WithError(err)
				if c != nil && c.Sender() != nil && c.Chat() != nil {
					entry = entry.WithFields(logrus.Fields{"sender_id": c.Sender().ID, "chat_id": c.Chat().ID})
				}
				entry.Error("Bot handler error")
			},
		})
		if err != nil {
			mainLogger.Fatalf("Could not create Telegram bot: %v", err)
		}
		deps.Notifier = telegram.NewNotifier(telegram.NewTelebotAdapter(bot))
	} else {
		mainLogger.Warn("TELEGRAM_TOKEN not set; reminders and escalations are only logged")
	}

	// Engine
	engine := app.NewEngine(deps, app.Options{
		Retry:             app.RetryPolicy{MaxAttempts: cfg.PayoutMaxAttempts, Backoff: cfg.PayoutBackoff},
		PayoutTimeout:     cfg.PayoutTimeout,
		TickConcurrency:   cfg.TickConcurrency,
		AdminTelegramID:   cfg.AdminTelegramID,
		AsyncPayouts:      true,
		DispatchWorkers:   cfg.DispatchWorkers,
		DispatchQueueSize: cfg.DispatchQueueSize,
	}, logger.Log)
	engine.Start()

	tickScheduler := scheduler.NewTickScheduler(engine, logger.Component("scheduler"), cfg.CronSpecTick, tickTimeout)
	if err := tickScheduler.Start(); err != nil {
		mainLogger.Fatalf("Could not start tick scheduler: %v", err)
	}

	if rdb != nil {
		consumer := iredis.NewPaymentConsumer(rdb, cfg.RedisPaymentsChannel, engine, logger.Component("payment_intake"))
		if err := consumer.Start(ctx); err != nil {
			mainLogger.Fatalf("Could not start payment consumer: %v", err)
		}
	}

	if bot != nil {
		handlers := telegram.NewAdminHandlers(engine.Admin, engine, engine.Reports, cfg.AdminTelegramID, logger.Component("telegram"))
		handlers.Register(ctx, bot)
		telegram.RegisterBotCommands(bot, handlers, logger.Component("telegram"))
		go bot.Start()
		mainLogger.Info("Telegram bot started")
	}

	mainLogger.Info("Cycle engine running")
	<-ctx.Done()

	mainLogger.Info("Shutting down...")
	if bot != nil {
		bot.Stop()
	}
	tickScheduler.Stop()
	engine.Shutdown()
	mainLogger.Info("Cycle engine stopped")
}

// auditLog writes every cycle transition to the log until the bus closes.
func auditLog(bus *eventbus.Bus, log *logrus.Entry) {
	events, unsubscribe := bus.Subscribe(auditBuffer)
	defer unsubscribe()
	for e := range events {
		log.WithFields(logrus.Fields{
			"cycle_id":  e.CycleID,
			"circle_id": e.CircleID,
			"sequence":  e.Sequence,
			"from":      e.From,
			"to":        e.To,
			"actor":     e.Actor,
			"reason":    e.Reason,
		}).Info("Cycle transition")
	}
}

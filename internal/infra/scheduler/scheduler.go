package scheduler

import (
	"context"
	"time"

	"circle_cycle_engine/internal/app"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Ticker runs one engine sweep.
type Ticker interface {
	Tick(ctx context.Context) (app.TickReport, error)
}

// TickScheduler drives the engine's periodic sweep: deadline and grace
// transitions, reminders, due payout retries and circle advancement.
type TickScheduler struct {
	cronEngine  *cron.Cron
	ticker      Ticker
	logger      *logrus.Entry
	cronSpec    string
	tickTimeout time.Duration
}

func NewTickScheduler(ticker Ticker, logger *logrus.Entry, cronSpec string, tickTimeout time.Duration) *TickScheduler {
	return &TickScheduler{
		cronEngine: cron.New(
			cron.WithLocation(time.UTC),
			// A slow sweep must not overlap the next one.
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
		),
		ticker:      ticker,
		logger:      logger,
		cronSpec:    cronSpec,
		tickTimeout: tickTimeout,
	}
}

// Start registers the tick job and starts the cron engine.
func (s *TickScheduler) Start() error {
	if _, err := s.cronEngine.AddFunc(s.cronSpec, s.runTick); err != nil {
		return err
	}
	s.cronEngine.Start()
	s.logger.WithField("spec", s.cronSpec).Info("Tick scheduler started")
	return nil
}

func (s *TickScheduler) runTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.tickTimeout)
	defer cancel()

	started := time.Now()
	report, err := s.ticker.Tick(ctx)
	log := s.logger.WithFields(logrus.Fields{
		"evaluated":         report.Evaluated,
		"payouts_triggered": report.PayoutsTriggered,
		"circles_advanced":  report.CirclesAdvanced,
		"errors":            report.Errors,
		"duration":          time.Since(started).String(),
	})
	switch {
	case err != nil:
		log.WithError(err).Error("Tick failed")
	case report.Errors > 0:
		log.Warn("Tick finished with errors")
	default:
		log.Debug("Tick finished")
	}
}

func (s *TickScheduler) Stop() {
	s.logger.Info("Stopping tick scheduler...")
	ctx := s.cronEngine.Stop() // waits for a running tick
	<-ctx.Done()
	s.logger.Info("Tick scheduler stopped")
}

package app

import (
	"context"
	"time"

	"circle_cycle_engine/internal/domain/circle"
	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Dependencies are the stores and collaborators the engine runs on. Trust,
// Cover, Notifier and Publisher are optional.
type Dependencies struct {
	Circles   circle.Repository
	Cycles    cycle.Repository
	Defaults  cycle.DefaultRepository
	Events    cycle.EventRepository
	Rail      PaymentRail
	Guard     DispatchGuard
	Trust     TrustScoreService
	Cover     CoverService
	Notifier  Notifier
	Publisher EventPublisher
}

// Options tune the engine.
type Options struct {
	Retry         RetryPolicy
	PayoutTimeout time.Duration
	// ReconcileAfter is how long a payout_pending cycle with no live attempt
	// waits before the tick asks the rail about it. Zero means twice
	// PayoutTimeout.
	ReconcileAfter  time.Duration
	TickConcurrency int
	AdminTelegramID int64
	// AsyncPayouts hands payout attempts to a worker pool of DispatchWorkers.
	AsyncPayouts      bool
	DispatchWorkers   int
	DispatchQueueSize int
	Now               func() time.Time
}

// Engine wires the cycle progression components together.
type Engine struct {
	Ledger        *ContributionLedger
	Sequencer     *RotationSequencer
	Machine       *StateMachine
	Dispatcher    *PayoutDispatcher
	Defaults      *DefaultRecorder
	Orchestrator  *CycleOrchestrator
	Admin         *AdminService
	Reports       *ReadModel
	Notifications *NotificationService

	trigger PayoutTrigger
	worker  *PayoutWorker
	logger  *logrus.Entry
}

func NewEngine(deps Dependencies, opts Options, logger *logrus.Logger) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	entry := func(component string) *logrus.Entry {
		return logger.WithField("component", component)
	}

	notifications := NewNotificationService(deps.Circles, deps.Cycles, deps.Notifier, opts.AdminTelegramID, entry("notifications"))
	defaults := NewDefaultRecorder(deps.Cycles, deps.Defaults, deps.Trust, now, entry("defaults"))
	machine := &StateMachine{
		circles:   deps.Circles,
		cycles:    deps.Cycles,
		events:    deps.Events,
		defaults:  defaults,
		covers:    deps.Cover,
		trust:     deps.Trust,
		notifier:  notifications,
		publisher: deps.Publisher,
		locks:     newKeyedLocks(),
		now:       now,
		logger:    entry("state_machine"),
	}
	sequencer := NewRotationSequencer(deps.Trust, now, entry("rotation"))
	dispatcher := NewPayoutDispatcher(machine, deps.Rail, deps.Guard, opts.Retry, opts.PayoutTimeout, entry("dispatcher"))
	if opts.ReconcileAfter > 0 {
		dispatcher.reconcileAfter = opts.ReconcileAfter
	}
	orchestrator := NewCycleOrchestrator(deps.Circles, deps.Cycles, machine, sequencer, opts.TickConcurrency, now, entry("orchestrator"))
	orchestrator.SetReconciler(dispatcher)
	admin := NewAdminService(deps.Circles, orchestrator, machine, dispatcher, opts.AdminTelegramID, now, entry("admin"))

	e := &Engine{
		Ledger:        NewContributionLedger(machine, deps.Cycles, entry("ledger")),
		Sequencer:     sequencer,
		Machine:       machine,
		Dispatcher:    dispatcher,
		Defaults:      defaults,
		Orchestrator:  orchestrator,
		Admin:         admin,
		Reports:       NewReadModel(deps.Circles, deps.Cycles, deps.Defaults, deps.Events),
		Notifications: notifications,
		logger:        entry("engine"),
	}

	if opts.AsyncPayouts {
		e.worker = NewPayoutWorker(dispatcher, opts.DispatchWorkers, opts.DispatchQueueSize, entry("payout_worker"))
		e.trigger = e.worker
	} else {
		e.trigger = NewInlinePayouts(dispatcher, entry("payouts"))
	}
	orchestrator.SetPayoutTrigger(e.trigger)
	admin.SetPayoutTrigger(e.trigger)
	machine.onTerminal = func(ctx context.Context, c cycle.Cycle) {
		_ = orchestrator.OnCycleClosed(ctx, c)
	}
	return e
}

// Start launches background payout workers, if configured.
func (e *Engine) Start() {
	if e.worker != nil {
		e.worker.Start()
	}
}

// Shutdown drains queued payout attempts.
func (e *Engine) Shutdown() {
	if e.worker != nil {
		e.worker.Shutdown()
	}
}

// RecordPayment applies a confirmed payment and starts the payout when the
// payment completed the funding of the cycle.
func (e *Engine) RecordPayment(ctx context.Context, in PaymentInput) (*cycle.Contribution, Outcome, error) {
	contrib, out, err := e.Ledger.RecordPayment(ctx, in)
	if err != nil {
		return nil, out, err
	}
	if out.PayoutDue {
		e.trigger.TriggerPayout(ctx, out.CycleID)
	}
	return contrib, out, nil
}

// Tick runs one periodic sweep.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	return e.Orchestrator.Tick(ctx)
}

// AttemptPayout dispatches one cycle synchronously.
func (e *Engine) AttemptPayout(ctx context.Context, cycleID uuid.UUID) (PayoutResult, error) {
	return e.Dispatcher.AttemptPayout(ctx, cycleID)
}

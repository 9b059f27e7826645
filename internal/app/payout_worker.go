package app

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PayoutWorker runs payout attempts off the caller's goroutine. A full queue
// drops the request; the next tick finds the cycle still waiting and retries.
type PayoutWorker struct {
	dispatcher *PayoutDispatcher
	jobs       chan uuid.UUID
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *logrus.Entry
}

func NewPayoutWorker(d *PayoutDispatcher, workers, queueSize int, logger *logrus.Entry) *PayoutWorker {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PayoutWorker{
		dispatcher: d,
		jobs:       make(chan uuid.UUID, queueSize),
		workers:    workers,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
}

func (w *PayoutWorker) Start() {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-w.ctx.Done():
					w.drain()
					return
				case id := <-w.jobs:
					w.run(w.ctx, id)
				}
			}
		}()
	}
}

func (w *PayoutWorker) drain() {
	for {
		select {
		case id := <-w.jobs:
			w.run(context.Background(), id)
		default:
			return
		}
	}
}

// TriggerPayout queues cycleID for dispatch.
func (w *PayoutWorker) TriggerPayout(_ context.Context, cycleID uuid.UUID) {
	select {
	case w.jobs <- cycleID:
	default:
		w.logger.WithField("cycle_id", cycleID).Warn("Payout queue full, leaving cycle for the next tick")
	}
}

func (w *PayoutWorker) run(ctx context.Context, cycleID uuid.UUID) {
	runPayout(ctx, w.dispatcher, cycleID, w.logger)
}

// Shutdown stops accepting work and finishes what is queued.
func (w *PayoutWorker) Shutdown() {
	w.cancel()
	w.wg.Wait()
}

// InlinePayouts runs the attempt on the caller's goroutine.
type InlinePayouts struct {
	dispatcher *PayoutDispatcher
	logger     *logrus.Entry
}

func NewInlinePayouts(d *PayoutDispatcher, logger *logrus.Entry) *InlinePayouts {
	return &InlinePayouts{dispatcher: d, logger: logger}
}

func (p *InlinePayouts) TriggerPayout(ctx context.Context, cycleID uuid.UUID) {
	runPayout(ctx, p.dispatcher, cycleID, p.logger)
}

func runPayout(ctx context.Context, d *PayoutDispatcher, cycleID uuid.UUID, logger *logrus.Entry) {
	res, err := d.AttemptPayout(ctx, cycleID)
	log := logger.WithFields(logrus.Fields{"cycle_id": cycleID, "attempt": res.Attempt})
	var pe *PayoutError
	switch {
	case err == nil:
		log.WithField("transfer_ref", res.TransferRef).Info("Payout completed")
	case errors.As(err, &pe):
		log.WithField("status", res.Status).Warnf("Payout attempt failed: %v", err)
	case Classify(err) == ClassConflict:
		log.Debugf("Payout not attempted: %v", err)
	default:
		log.WithError(err).Error("Payout attempt errored")
	}
}

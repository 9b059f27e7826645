package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"circle_cycle_engine/internal/domain/circle"
	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PayoutTrigger starts a payout attempt for a cycle. Implementations may run
// the attempt inline or hand it to a worker.
type PayoutTrigger interface {
	TriggerPayout(ctx context.Context, cycleID uuid.UUID)
}

// PayoutReconciler settles payout_pending cycles whose attempt has no live
// owner.
type PayoutReconciler interface {
	Reconcile(ctx context.Context, cycleID uuid.UUID) (PayoutResult, error)
}

// TickReport summarizes one sweep over open cycles.
type TickReport struct {
	Evaluated         int
	PayoutsTriggered  int
	PayoutsReconciled int
	CirclesAdvanced   int
	Errors            int
}

// CycleOrchestrator drives circles from activation to completion.
type CycleOrchestrator struct {
	circles     circle.Repository
	cycles      cycle.Repository
	machine     *StateMachine
	sequencer   *RotationSequencer
	trigger     PayoutTrigger
	reconciler  PayoutReconciler
	circleLocks *keyedLocks
	concurrency int
	now         func() time.Time
	logger      *logrus.Entry
}

func NewCycleOrchestrator(cr circle.Repository, cyr cycle.Repository, m *StateMachine, seq *RotationSequencer, concurrency int, now func() time.Time, logger *logrus.Entry) *CycleOrchestrator {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &CycleOrchestrator{
		circles:     cr,
		cycles:      cyr,
		machine:     m,
		sequencer:   seq,
		circleLocks: newKeyedLocks(),
		concurrency: concurrency,
		now:         now,
		logger:      logger,
	}
}

// SetPayoutTrigger wires the payout path. Without one, ready cycles wait for
// an explicit AttemptPayout.
func (o *CycleOrchestrator) SetPayoutTrigger(t PayoutTrigger) { o.trigger = t }

// SetReconciler wires the sweep of stale payout_pending cycles.
func (o *CycleOrchestrator) SetReconciler(r PayoutReconciler) { o.reconciler = r }

// ActivateCircle freezes the roster, computes the rotation and opens cycle 1.
func (o *CycleOrchestrator) ActivateCircle(ctx context.Context, circleID uuid.UUID, in RotationInput) (*circle.RotationAssignment, *cycle.Cycle, error) {
	unlock := o.circleLocks.Lock(circleID)
	first, assignment, err := func() (*cycle.Cycle, *circle.RotationAssignment, error) {
		circ, err := o.loadCircle(ctx, circleID)
		if err != nil {
			return nil, nil, err
		}
		if circ.Status != circle.StatusForming {
			return nil, nil, fmt.Errorf("%w: circle %s is %s", ErrCircleNotForming, circleID, circ.Status)
		}
		members, err := o.circles.ListActiveMembers(ctx, circleID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list members of circle %s: %w", circleID, err)
		}
		a, err := o.sequencer.ComputeAssignment(ctx, circ, members, in)
		if err != nil {
			return nil, nil, err
		}
		if err := o.circles.SaveAssignment(ctx, a); err != nil {
			return nil, nil, fmt.Errorf("failed to save rotation of circle %s: %w", circleID, err)
		}

		now := o.now()
		circ.Status = circle.StatusActive
		circ.ActivatedAt = &now
		circ.CurrentCycleNumber = 1
		if err := o.circles.Update(ctx, circ); err != nil {
			return nil, nil, fmt.Errorf("failed to activate circle %s: %w", circleID, err)
		}
		c, err := o.createCycle(ctx, circ, a, members, 1, now)
		if err != nil {
			return nil, nil, err
		}
		o.logger.WithFields(logrus.Fields{
			"circle_id":    circleID,
			"members":      len(members),
			"total_cycles": circ.TotalCycles,
		}).Info("Circle activated")
		return c, a, nil
	}()
	unlock()
	if err != nil {
		return nil, nil, err
	}

	if _, err := o.machine.Advance(ctx, first.ID, cycle.ActorSystem); err != nil {
		return assignment, first, fmt.Errorf("failed to open cycle 1 of circle %s: %w", circleID, err)
	}
	opened, err := o.cycles.GetCycle(ctx, first.ID)
	if err != nil {
		return assignment, first, err
	}
	return assignment, opened, nil
}

func (o *CycleOrchestrator) createCycle(ctx context.Context, circ *circle.Circle, a *circle.RotationAssignment, members []*circle.Member, number int, startsAt time.Time) (*cycle.Cycle, error) {
	if err := VerifyAssignment(a, circ, members); err != nil {
		o.logger.WithError(err).WithField("circle_id", circ.ID).Error("Refusing to create cycle from inconsistent rotation")
		return nil, err
	}
	recipient, ok := a.RecipientFor(number)
	if !ok {
		return nil, fmt.Errorf("%w: no slot for cycle %d", ErrRotationIntegrity, number)
	}
	deadline := circ.Frequency.Next(startsAt)
	now := o.now()
	c := &cycle.Cycle{
		ID:              uuid.New(),
		CircleID:        circ.ID,
		Number:          number,
		RecipientID:     recipient,
		Status:          cycle.StatusScheduled,
		StartsAt:        startsAt,
		DeadlineAt:      deadline,
		GraceEndsAt:     deadline.AddDate(0, 0, circ.Policy.GracePeriodDays),
		CollectedAmount: decimal.Zero,
		CoveredAmount:   decimal.Zero,
		PayoutAmount:    decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.cycles.CreateCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create cycle %d of circle %s: %w", number, circ.ID, err)
	}
	o.logger.WithFields(logrus.Fields{
		"circle_id":    circ.ID,
		"cycle_id":     c.ID,
		"number":       number,
		"recipient_id": recipient,
		"starts_at":    startsAt.Format(time.RFC3339),
	}).Info("Cycle scheduled")
	return c, nil
}

// OnCycleClosed advances the circle once its current cycle reached a terminal
// state: the next cycle is scheduled, or the circle completes. Repeated calls
// for the same cycle are no-ops.
func (o *CycleOrchestrator) OnCycleClosed(ctx context.Context, closed cycle.Cycle) error {
	next, err := o.advanceCircle(ctx, closed.CircleID, closed.Number)
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"circle_id": closed.CircleID,
			"cycle_id":  closed.ID,
		}).Error("Failed to advance circle after cycle end")
		return err
	}
	if next != nil {
		if _, err := o.machine.Advance(ctx, next.ID, cycle.ActorSystem); err != nil {
			return err
		}
	}
	return nil
}

func (o *CycleOrchestrator) advanceCircle(ctx context.Context, circleID uuid.UUID, closedNumber int) (*cycle.Cycle, error) {
	unlock := o.circleLocks.Lock(circleID)
	defer unlock()

	circ, err := o.loadCircle(ctx, circleID)
	if err != nil {
		return nil, err
	}
	if circ.Status != circle.StatusActive || circ.CurrentCycleNumber != closedNumber {
		return nil, nil
	}
	prev, err := o.cycles.GetCycleByNumber(ctx, circleID, closedNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load cycle %d of circle %s: %w", closedNumber, circleID, err)
	}
	if !prev.Status.IsTerminal() {
		return nil, nil
	}

	now := o.now()
	if circ.IsLastCycle(closedNumber) {
		circ.Status = circle.StatusCompleted
		if err := o.circles.Update(ctx, circ); err != nil {
			return nil, fmt.Errorf("failed to complete circle %s: %w", circleID, err)
		}
		o.logger.WithField("circle_id", circleID).Info("Circle completed")
		return nil, nil
	}

	number := closedNumber + 1
	next, err := o.cycles.GetCycleByNumber(ctx, circleID, number)
	if errors.Is(err, cycle.ErrCycleNotFound) {
		a, err := o.circles.GetAssignment(ctx, circleID)
		if err != nil {
			return nil, fmt.Errorf("failed to load rotation of circle %s: %w", circleID, err)
		}
		members, err := o.circles.ListActiveMembers(ctx, circleID)
		if err != nil {
			return nil, fmt.Errorf("failed to list members of circle %s: %w", circleID, err)
		}
		startsAt := circ.Frequency.Next(prev.StartsAt)
		if startsAt.Before(now) {
			startsAt = now
		}
		if next, err = o.createCycle(ctx, circ, a, members, number, startsAt); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up cycle %d of circle %s: %w", number, circleID, err)
	}

	circ.CurrentCycleNumber = number
	if err := o.circles.Update(ctx, circ); err != nil {
		return nil, fmt.Errorf("failed to move circle %s to cycle %d: %w", circleID, number, err)
	}
	return next, nil
}

// Tick advances every open cycle, triggers due payouts and repairs circles
// whose current cycle ended without the circle moving on.
func (o *CycleOrchestrator) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	open, err := o.cycles.ListOpenCycles(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list open cycles: %w", err)
	}

	var evaluated, triggered, reconciled, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, c := range open {
		g.Go(func() error {
			out, err := o.machine.Advance(ctx, c.ID, cycle.ActorTick)
			evaluated.Add(1)
			if err != nil {
				failed.Add(1)
				o.logger.WithError(err).WithField("cycle_id", c.ID).Warn("Failed to advance cycle")
				return nil
			}
			if o.payoutWaiting(ctx, out) && o.trigger != nil {
				triggered.Add(1)
				o.trigger.TriggerPayout(ctx, c.ID)
			}
			if out.Status == cycle.StatusPayoutPending && o.reconciler != nil {
				_, err := o.reconciler.Reconcile(ctx, c.ID)
				switch {
				case err == nil:
					reconciled.Add(1)
				case Classify(err) == ClassConflict:
					// Still within its dispatch window.
				default:
					failed.Add(1)
					o.logger.WithError(err).WithField("cycle_id", c.ID).Warn("Failed to reconcile pending payout")
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Evaluated = int(evaluated.Load())
	report.PayoutsTriggered = int(triggered.Load())
	report.PayoutsReconciled = int(reconciled.Load())
	report.Errors = int(failed.Load())

	active, err := o.circles.ListByStatus(ctx, circle.StatusActive)
	if err != nil {
		return report, fmt.Errorf("failed to list active circles: %w", err)
	}
	for _, circ := range active {
		cur, err := o.cycles.GetCycleByNumber(ctx, circ.ID, circ.CurrentCycleNumber)
		if err != nil {
			report.Errors++
			o.logger.WithError(err).WithField("circle_id", circ.ID).Warn("Active circle has no current cycle")
			continue
		}
		if !cur.Status.IsTerminal() {
			continue
		}
		if err := o.OnCycleClosed(ctx, *cur); err != nil {
			report.Errors++
			continue
		}
		report.CirclesAdvanced++
	}

	o.logger.WithFields(logrus.Fields{
		"evaluated":          report.Evaluated,
		"payouts_triggered":  report.PayoutsTriggered,
		"payouts_reconciled": report.PayoutsReconciled,
		"circles_advanced":   report.CirclesAdvanced,
		"errors":             report.Errors,
	}).Debug("Tick finished")
	return report, nil
}

func (o *CycleOrchestrator) payoutWaiting(ctx context.Context, out Outcome) bool {
	switch out.Status {
	case cycle.StatusReadyPayout:
		return true
	case cycle.StatusPayoutRetry:
		c, err := o.cycles.GetCycle(ctx, out.CycleID)
		return err == nil && c.RetryDue(o.now())
	}
	return false
}

// CancelCircle stops a circle: no further cycles are created. A current cycle
// still collecting is cancelled; one already in its payout phase keeps
// dispatching and retrying until it closes or an operator acts on it.
func (o *CycleOrchestrator) CancelCircle(ctx context.Context, circleID uuid.UUID, actor, reason string) error {
	unlock := o.circleLocks.Lock(circleID)
	circ, err := o.loadCircle(ctx, circleID)
	if err == nil {
		switch circ.Status {
		case circle.StatusCancelled:
			unlock()
			return nil
		case circle.StatusCompleted:
			err = fmt.Errorf("%w: circle %s is completed", ErrCircleNotActive, circleID)
		default:
			circ.Status = circle.StatusCancelled
			if uerr := o.circles.Update(ctx, circ); uerr != nil {
				err = fmt.Errorf("failed to cancel circle %s: %w", circleID, uerr)
			}
		}
	}
	unlock()
	if err != nil {
		return err
	}
	o.logger.WithFields(logrus.Fields{"circle_id": circleID, "actor": actor}).Info("Circle cancelled")

	if circ.CurrentCycleNumber == 0 {
		return nil
	}
	cur, err := o.cycles.GetCycleByNumber(ctx, circleID, circ.CurrentCycleNumber)
	if err != nil {
		return fmt.Errorf("failed to load current cycle of circle %s: %w", circleID, err)
	}
	if cur.Status.IsTerminal() || cur.Status.IsPayoutPhase() {
		return nil
	}
	_, err = o.machine.Cancel(ctx, cur.ID, actor, reason)
	return err
}

func (o *CycleOrchestrator) loadCircle(ctx context.Context, id uuid.UUID) (*circle.Circle, error) {
	circ, err := o.circles.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, circle.ErrCircleNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCircle, id)
		}
		return nil, fmt.Errorf("failed to load circle %s: %w", id, err)
	}
	return circ, nil
}

// OverrideRotation replaces recipients from fromCycle onwards and stores the
// audit row together with the new slots.
func (o *CycleOrchestrator) OverrideRotation(ctx context.Context, circleID uuid.UUID, fromCycle int, recipients []uuid.UUID, adminID int64, reason string) (*circle.RotationOverride, error) {
	unlock := o.circleLocks.Lock(circleID)
	defer unlock()

	circ, err := o.loadCircle(ctx, circleID)
	if err != nil {
		return nil, err
	}
	if circ.Status != circle.StatusActive {
		return nil, fmt.Errorf("%w: circle %s is %s", ErrCircleNotActive, circleID, circ.Status)
	}
	a, err := o.circles.GetAssignment(ctx, circleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rotation of circle %s: %w", circleID, err)
	}
	members, err := o.circles.ListActiveMembers(ctx, circleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of circle %s: %w", circleID, err)
	}
	ov, err := o.sequencer.Override(circ, a, members, fromCycle, recipients, adminID, reason)
	if err != nil {
		return nil, err
	}
	if err := o.circles.UpdateAssignment(ctx, a, ov); err != nil {
		return nil, fmt.Errorf("failed to store rotation override: %w", err)
	}
	o.logger.WithFields(logrus.Fields{
		"circle_id":  circleID,
		"from_cycle": fromCycle,
		"admin_id":   adminID,
		"version":    a.Version,
	}).Warn("Rotation overridden")
	return ov, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds payout attempts. Backoff[i] is the wait after attempt i+1;
// the last entry is reused when attempts outnumber it.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultRetryPolicy allows three attempts, backing off 1m then 5m then 30m.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Backoff:     []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute},
}

// Delay returns the wait before the attempt following attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return time.Minute
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// PayoutResult reports one dispatch attempt.
type PayoutResult struct {
	CycleID     uuid.UUID
	Attempt     int
	Succeeded   bool
	TransferRef string
	Reason      FailureReason
	Retryable   bool
	Status      cycle.Status
}

const (
	recordAttempts = 3
	recordBackoff  = 50 * time.Millisecond
)

// errResultMismatch marks a rail result that no longer fits the cycle. Storing
// it again cannot succeed.
var errResultMismatch = fmt.Errorf("%w: payout result does not match cycle", ErrLedgerIntegrity)

// PayoutDispatcher moves ready cycles through the payment rail. At most one
// attempt per cycle is in flight, and every attempt carries a fresh
// idempotency key reserved before the rail is called.
type PayoutDispatcher struct {
	machine  *StateMachine
	rail     PaymentRail
	guard    DispatchGuard
	policy   RetryPolicy
	timeout  time.Duration
	inflight sync.Map
	logger   *logrus.Entry

	// reconcileAfter is how long a payout_pending cycle with no local attempt
	// waits before the rail is asked what became of it.
	reconcileAfter time.Duration
}

func NewPayoutDispatcher(m *StateMachine, rail PaymentRail, guard DispatchGuard, policy RetryPolicy, timeout time.Duration, logger *logrus.Entry) *PayoutDispatcher {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	reconcileAfter := 5 * time.Minute
	if timeout > 0 {
		reconcileAfter = 2 * timeout
	}
	return &PayoutDispatcher{
		machine:        m,
		rail:           rail,
		guard:          guard,
		policy:         policy,
		timeout:        timeout,
		logger:         logger,
		reconcileAfter: reconcileAfter,
	}
}

// AttemptPayout sends the payout of a ready_payout cycle, or of a
// payout_retry cycle whose retry is due, and records the rail's answer.
// The cycle lock is not held while the rail call is outstanding.
func (d *PayoutDispatcher) AttemptPayout(ctx context.Context, cycleID uuid.UUID) (PayoutResult, error) {
	res := PayoutResult{CycleID: cycleID}
	if _, busy := d.inflight.LoadOrStore(cycleID, struct{}{}); busy {
		return res, fmt.Errorf("%w: %s", ErrDispatchInProgress, cycleID)
	}
	defer d.inflight.Delete(cycleID)

	var req TransferRequest
	_, err := d.machine.withCycle(ctx, cycleID, func(tx *cycleTx) error {
		c := tx.Cycle
		switch c.Status {
		case cycle.StatusReadyPayout:
		case cycle.StatusPayoutRetry:
			if !c.RetryDue(d.machine.now()) {
				return fmt.Errorf("%w: next attempt at %s", ErrRetryNotDue, c.NextAttemptAt.Format(time.RFC3339))
			}
		case cycle.StatusPayoutPending:
			return fmt.Errorf("%w: %s", ErrDispatchInProgress, cycleID)
		default:
			return fmt.Errorf("%w: cannot dispatch cycle %s in status %s", ErrInvalidTransition, cycleID, c.Status)
		}

		c.PayoutAttempts++
		key := c.IdempotencyKey()
		acquired, err := d.guard.Acquire(tx.ctx, key)
		if err != nil {
			c.PayoutAttempts--
			return fmt.Errorf("failed to reserve idempotency key %s: %w", key, err)
		}
		if !acquired {
			c.PayoutAttempts--
			d.logger.WithFields(logrus.Fields{
				"cycle_id":        cycleID,
				"idempotency_key": key,
			}).Error("Idempotency key already used, refusing to dispatch")
			tx.escalate(fmt.Sprintf("duplicate dispatch refused for cycle %s (key %s)", cycleID, key))
			return fmt.Errorf("%w: key %s", ErrDuplicateDispatch, key)
		}

		now := d.machine.now()
		c.NextAttemptAt = nil
		c.DispatchedAt = &now
		if err := tx.transition(cycle.StatusPayoutPending, cycle.ActorDispatcher, "dispatch attempt "+strconv.Itoa(c.PayoutAttempts), map[string]string{
			"idempotency_key": key,
			"attempt":         strconv.Itoa(c.PayoutAttempts),
			"amount":          c.PayoutAmount.String(),
			"recipient_id":    c.RecipientID.String(),
		}); err != nil {
			c.PayoutAttempts--
			// Nothing was sent under key; the next attempt computes it again.
			if rerr := d.guard.Release(tx.ctx, key); rerr != nil {
				d.logger.WithError(rerr).WithField("idempotency_key", key).Error("Failed to release idempotency key")
			}
			return err
		}
		req = TransferRequest{RecipientID: c.RecipientID, Amount: c.PayoutAmount, IdempotencyKey: key}
		res.Attempt = c.PayoutAttempts
		return nil
	})
	if err != nil {
		return res, err
	}

	log := d.logger.WithFields(logrus.Fields{
		"cycle_id":        cycleID,
		"attempt":         res.Attempt,
		"idempotency_key": req.IdempotencyKey,
		"amount":          req.Amount.String(),
	})
	log.Info("Dispatching payout")

	railCtx, cancel := d.railContext(ctx)
	tr, railErr := d.rail.Transfer(railCtx, req)
	cancel()
	if railErr != nil {
		log.WithError(railErr).Warn("Payment rail call failed, treating as timeout")
		tr = TransferResult{Succeeded: false, Reason: FailureRailTimeout}
	}
	if !tr.Succeeded && tr.Reason == "" {
		tr.Reason = FailureUnknown
	}
	res.Succeeded = tr.Succeeded
	res.TransferRef = tr.TransferRef
	res.Reason = tr.Reason
	res.Retryable = !tr.Succeeded && tr.Reason.Retryable()

	res.Status, err = d.recordResult(context.WithoutCancel(ctx), cycleID, res.Attempt, tr, cycle.ActorDispatcher)
	if err != nil {
		return res, err
	}
	if !tr.Succeeded {
		return res, &PayoutError{Reason: tr.Reason, Retryable: res.Retryable, Err: railErr}
	}
	return res, nil
}

func (d *PayoutDispatcher) railContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout > 0 {
		return context.WithTimeout(ctx, d.timeout)
	}
	return context.WithCancel(ctx)
}

// recordResult stores the rail's answer for attempt, retrying store failures.
// The money may already have moved, so giving up here leaves the cycle in
// payout_pending for Reconcile.
func (d *PayoutDispatcher) recordResult(ctx context.Context, cycleID uuid.UUID, attempt int, tr TransferResult, actor string) (cycle.Status, error) {
	var status cycle.Status
	var err error
	for i := 0; i < recordAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * recordBackoff)
		}
		_, err = d.machine.withCycle(ctx, cycleID, func(tx *cycleTx) error {
			err := d.record(tx, attempt, tr, actor)
			status = tx.Cycle.Status
			return err
		})
		if err == nil || errors.Is(err, errResultMismatch) {
			return status, err
		}
		d.logger.WithError(err).WithFields(logrus.Fields{
			"cycle_id": cycleID,
			"attempt":  attempt,
			"try":      i + 1,
		}).Warn("Failed to record payout result")
	}
	d.logger.WithError(err).WithFields(logrus.Fields{
		"cycle_id":  cycleID,
		"attempt":   attempt,
		"succeeded": tr.Succeeded,
	}).Error("Payout result not recorded, leaving cycle for reconciliation")
	return status, err
}

func (d *PayoutDispatcher) record(tx *cycleTx, attempt int, tr TransferResult, actor string) error {
	c := tx.Cycle
	// A previous try stored payout_completed but failed to close.
	if tr.Succeeded && c.Status == cycle.StatusPayoutCompleted && c.PayoutAttempts == attempt {
		return d.machine.closePaidCycle(tx, actor)
	}
	if c.Status != cycle.StatusPayoutPending || c.PayoutAttempts != attempt {
		tx.escalate(fmt.Sprintf("payout result for cycle %s attempt %d arrived while cycle is %s at attempt %d", c.ID, attempt, c.Status, c.PayoutAttempts))
		return fmt.Errorf("%w: attempt %d, cycle %s is %s at attempt %d", errResultMismatch, attempt, c.ID, c.Status, c.PayoutAttempts)
	}

	if tr.Succeeded {
		c.FailureReason = ""
		if err := tx.transition(cycle.StatusPayoutCompleted, actor, "transfer confirmed", map[string]string{
			"transfer_ref": tr.TransferRef,
			"attempt":      strconv.Itoa(attempt),
		}); err != nil {
			return err
		}
		return d.machine.closePaidCycle(tx, actor)
	}

	c.FailureReason = string(tr.Reason)
	retryable := tr.Reason.Retryable()
	if err := tx.transition(cycle.StatusPayoutFailed, actor, "transfer failed: "+string(tr.Reason), map[string]string{
		"failure_reason": string(tr.Reason),
		"retryable":      strconv.FormatBool(retryable),
		"attempt":        strconv.Itoa(attempt),
	}); err != nil {
		return err
	}

	switch {
	case c.CancelRequested:
		return tx.transition(cycle.StatusCancelled, actor, "cancellation requested during dispatch", nil)
	case c.SkipRequested:
		return tx.transition(cycle.StatusSkipped, actor, "skip requested during dispatch", nil)
	}

	if retryable && attempt < d.policy.MaxAttempts {
		next := d.machine.now().Add(d.policy.Delay(attempt))
		c.NextAttemptAt = &next
		return tx.transition(cycle.StatusPayoutRetry, actor, "retry scheduled", map[string]string{
			"next_attempt_at": next.UTC().Format(time.RFC3339),
		})
	}

	d.logger.WithFields(logrus.Fields{
		"cycle_id":       c.ID,
		"attempts":       attempt,
		"failure_reason": tr.Reason,
	}).Error("Payout failed permanently, operator action required")
	tx.escalate(fmt.Sprintf("payout of cycle %d (%s) failed after %d attempt(s): %s", c.Number, c.ID, attempt, tr.Reason))
	return nil
}

// Reconcile settles a payout_pending cycle whose attempt has no local owner,
// after a crash or a result that could not be stored. The rail is asked for
// the transfer under the attempt's idempotency key: a known transfer is
// recorded as the rail reports it, an unknown one as a retryable failure.
// Cycles dispatched less than reconcileAfter ago are left alone.
func (d *PayoutDispatcher) Reconcile(ctx context.Context, cycleID uuid.UUID) (PayoutResult, error) {
	res := PayoutResult{CycleID: cycleID}
	if _, busy := d.inflight.LoadOrStore(cycleID, struct{}{}); busy {
		return res, fmt.Errorf("%w: %s", ErrDispatchInProgress, cycleID)
	}
	defer d.inflight.Delete(cycleID)

	var key string
	_, err := d.machine.withCycle(ctx, cycleID, func(tx *cycleTx) error {
		c := tx.Cycle
		res.Status = c.Status
		if c.Status != cycle.StatusPayoutPending {
			return fmt.Errorf("%w: reconcile needs payout_pending, cycle %s is %s", ErrInvalidTransition, cycleID, c.Status)
		}
		if c.DispatchedAt != nil && d.machine.now().Sub(*c.DispatchedAt) < d.reconcileAfter {
			return fmt.Errorf("%w: %s", ErrDispatchInProgress, cycleID)
		}
		key = c.IdempotencyKey()
		res.Attempt = c.PayoutAttempts
		return nil
	})
	if err != nil {
		return res, err
	}

	log := d.logger.WithFields(logrus.Fields{
		"cycle_id":        cycleID,
		"attempt":         res.Attempt,
		"idempotency_key": key,
	})
	railCtx, cancel := d.railContext(ctx)
	tr, found, err := d.rail.Lookup(railCtx, key)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Transfer lookup failed, cycle stays pending")
		return res, fmt.Errorf("failed to look up transfer %s: %w", key, err)
	}
	if !found {
		tr = TransferResult{Succeeded: false, Reason: FailureUnknown}
	} else if !tr.Succeeded && tr.Reason == "" {
		tr.Reason = FailureUnknown
	}
	log.WithFields(logrus.Fields{"found": found, "succeeded": tr.Succeeded}).Warn("Reconciling stale payout")

	res.Succeeded = tr.Succeeded
	res.TransferRef = tr.TransferRef
	res.Reason = tr.Reason
	res.Retryable = !tr.Succeeded && tr.Reason.Retryable()
	res.Status, err = d.recordResult(context.WithoutCancel(ctx), cycleID, res.Attempt, tr, cycle.ActorReconciler)
	return res, err
}

// Resolve records an operator's account of a payout stuck in payout_pending,
// or closes a cycle left in payout_completed. paid=false records the attempt
// as failed, which schedules the next attempt under a new key.
func (d *PayoutDispatcher) Resolve(ctx context.Context, cycleID uuid.UUID, actor string, paid bool, transferRef, reason string) (cycle.Status, error) {
	if _, busy := d.inflight.LoadOrStore(cycleID, struct{}{}); busy {
		return "", fmt.Errorf("%w: %s", ErrDispatchInProgress, cycleID)
	}
	defer d.inflight.Delete(cycleID)

	var status cycle.Status
	_, err := d.machine.withCycle(ctx, cycleID, func(tx *cycleTx) error {
		c := tx.Cycle
		defer func() { status = c.Status }()
		switch c.Status {
		case cycle.StatusPayoutCompleted:
			if !paid {
				return fmt.Errorf("%w: payout of cycle %s is already completed", ErrInvalidTransition, cycleID)
			}
			return d.machine.closePaidCycle(tx, actor)
		case cycle.StatusPayoutPending:
			d.logger.WithFields(logrus.Fields{
				"cycle_id": cycleID,
				"actor":    actor,
				"paid":     paid,
				"reason":   reason,
			}).Warn("Resolving pending payout by hand")
			tr := TransferResult{Succeeded: paid, TransferRef: transferRef}
			if !paid {
				tr.Reason = FailureUnknown
			}
			return d.record(tx, c.PayoutAttempts, tr, actor)
		}
		return fmt.Errorf("%w: resolve needs payout_pending or payout_completed, cycle %s is %s", ErrInvalidTransition, cycleID, c.Status)
	})
	return status, err
}

// closePaidCycle closes a payout_completed cycle and queues the completion
// effects: trust events for every member and the recipient's notice.
func (m *StateMachine) closePaidCycle(tx *cycleTx, actor string) error {
	if err := tx.transition(cycle.StatusClosed, actor, "payout completed", nil); err != nil {
		return err
	}
	tx.fx.scores = append(tx.fx.scores, scoreAdjustment{memberID: tx.Cycle.RecipientID, event: ScorePayoutReceived, ref: tx.Cycle.ID})
	tx.notifyMember(NotifyPayoutSent, tx.Cycle.RecipientID)
	return nil
}

// OverridePayout records an out-of-band payout of a payout_failed cycle.
func (m *StateMachine) OverridePayout(ctx context.Context, cycleID uuid.UUID, actor, transferRef, reason string) error {
	_, err := m.withCycle(ctx, cycleID, func(tx *cycleTx) error {
		if tx.Cycle.Status != cycle.StatusPayoutFailed {
			return fmt.Errorf("%w: override needs payout_failed, cycle %s is %s", ErrInvalidTransition, cycleID, tx.Cycle.Status)
		}
		if err := tx.transition(cycle.StatusPayoutCompleted, actor, "manual override: "+reason, map[string]string{
			"transfer_ref": transferRef,
			"override":     "true",
		}); err != nil {
			return err
		}
		return m.closePaidCycle(tx, actor)
	})
	return err
}

// ScheduleRetry re-arms an escalated payout_failed cycle for an immediate
// attempt. Attempts keep counting so the idempotency key stays unique.
func (m *StateMachine) ScheduleRetry(ctx context.Context, cycleID uuid.UUID, actor string) error {
	_, err := m.withCycle(ctx, cycleID, func(tx *cycleTx) error {
		if tx.Cycle.Status != cycle.StatusPayoutFailed {
			return fmt.Errorf("%w: manual retry needs payout_failed, cycle %s is %s", ErrInvalidTransition, cycleID, tx.Cycle.Status)
		}
		now := m.now()
		tx.Cycle.NextAttemptAt = &now
		return tx.transition(cycle.StatusPayoutRetry, actor, "manual retry", nil)
	})
	return err
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PaymentInput is a confirmed payment from the payment-rail adapter.
type PaymentInput struct {
	CycleID    uuid.UUID
	MemberID   uuid.UUID
	Amount     decimal.Decimal
	PaymentRef string
	PaidAt     time.Time
}

// ContributionLedger applies payments to contributions.
type ContributionLedger struct {
	machine *StateMachine
	cycles  cycle.Repository
	logger  *logrus.Entry
}

func NewContributionLedger(m *StateMachine, cr cycle.Repository, logger *logrus.Entry) *ContributionLedger {
	return &ContributionLedger{machine: m, cycles: cr, logger: logger}
}

// RecordPayment applies a confirmed payment. Replaying the same
// (cycle, member, paymentRef) returns the contribution unchanged.
func (l *ContributionLedger) RecordPayment(ctx context.Context, in PaymentInput) (*cycle.Contribution, Outcome, error) {
	var out Outcome
	if !in.Amount.IsPositive() {
		return nil, out, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, in.Amount)
	}
	in.PaymentRef = strings.TrimSpace(in.PaymentRef)
	if in.PaymentRef == "" {
		return nil, out, ErrMissingPaymentRef
	}
	if in.PaidAt.IsZero() {
		in.PaidAt = l.machine.now()
	}

	var result *cycle.Contribution
	fx, err := l.machine.withCycle(ctx, in.CycleID, func(tx *cycleTx) error {
		// Time-driven transitions first, so a payment after the deadline lands in
		// the phase it belongs to.
		if err := l.machine.evaluate(tx, cycle.ActorSystem); err != nil {
			return err
		}
		out = Outcome{CycleID: tx.Cycle.ID, Status: tx.Cycle.Status}

		ct, err := l.cycles.GetContribution(tx.ctx, in.CycleID, in.MemberID)
		if err != nil {
			if errors.Is(err, cycle.ErrContributionNotFound) {
				return fmt.Errorf("%w: %s has no contribution in cycle %s", ErrUnknownMember, in.MemberID, in.CycleID)
			}
			return fmt.Errorf("failed to load contribution: %w", err)
		}

		if _, err := l.cycles.GetPayment(tx.ctx, in.CycleID, in.MemberID, in.PaymentRef); err == nil {
			l.logger.WithFields(logrus.Fields{
				"cycle_id":    in.CycleID,
				"member_id":   in.MemberID,
				"payment_ref": in.PaymentRef,
			}).Info("Payment replay ignored")
			result = ct
			return nil
		} else if !errors.Is(err, cycle.ErrPaymentNotFound) {
			return fmt.Errorf("failed to look up payment %s: %w", in.PaymentRef, err)
		}

		if !tx.Cycle.Status.AcceptsContributions() {
			return fmt.Errorf("%w: cycle %s is %s", ErrCycleClosed, in.CycleID, tx.Cycle.Status)
		}
		if ct.Settled() || ct.Status == cycle.ContributionMissed {
			return fmt.Errorf("%w: contribution of %s is already %s", ErrContributionSettled, in.MemberID, ct.Status)
		}
		if in.Amount.GreaterThan(ct.Outstanding()) {
			return fmt.Errorf("%w: %s exceeds outstanding %s", ErrInvalidAmount, in.Amount, ct.Outstanding())
		}

		applyPayment(ct, in, tx.Cycle.DeadlineAt)
		err = l.cycles.ApplyPayment(tx.ctx, &cycle.Payment{
			ID:         uuid.New(),
			CycleID:    in.CycleID,
			MemberID:   in.MemberID,
			Ref:        in.PaymentRef,
			Amount:     in.Amount,
			PaidAt:     in.PaidAt,
			RecordedAt: l.machine.now(),
		}, ct)
		if errors.Is(err, cycle.ErrDuplicatePayment) {
			// Lost a race with the same delivery; report what is stored.
			stored, gerr := l.cycles.GetContribution(tx.ctx, in.CycleID, in.MemberID)
			if gerr != nil {
				return fmt.Errorf("failed to reload contribution: %w", gerr)
			}
			result = stored
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to record payment %s: %w", in.PaymentRef, err)
		}

		contribs, err := tx.contributions()
		if err != nil {
			return err
		}
		tx.Cycle.CollectedAmount, _ = cycle.Totals(contribs)
		if err := tx.save(); err != nil {
			return err
		}

		l.logger.WithFields(logrus.Fields{
			"cycle_id":    in.CycleID,
			"member_id":   in.MemberID,
			"amount":      in.Amount.String(),
			"status":      ct.Status,
			"payment_ref": in.PaymentRef,
		}).Info("Payment recorded")

		switch ct.Status {
		case cycle.ContributionCompleted:
			tx.fx.scores = append(tx.fx.scores, scoreAdjustment{memberID: ct.MemberID, event: ScoreOnTimeContribution, ref: tx.Cycle.ID})
		case cycle.ContributionLate:
			tx.fx.scores = append(tx.fx.scores, scoreAdjustment{memberID: ct.MemberID, event: ScoreLateContribution, ref: tx.Cycle.ID})
		}
		result = ct

		if err := l.machine.evaluate(tx, cycle.MemberActor(in.MemberID)); err != nil {
			return err
		}
		out.Status = tx.Cycle.Status
		return nil
	})
	if err != nil {
		return nil, out, err
	}
	out.PayoutDue = fx.enteredReady()
	return result, out, nil
}

func applyPayment(ct *cycle.Contribution, in PaymentInput, deadline time.Time) {
	ct.ContributedAmount = ct.ContributedAmount.Add(in.Amount)
	if ct.ContributedAmount.LessThan(ct.ExpectedAmount) {
		ct.Status = cycle.ContributionPartial
		return
	}
	paidAt := in.PaidAt
	ct.PaidAt = &paidAt
	ct.WasOnTime = !paidAt.After(deadline)
	if ct.WasOnTime {
		ct.Status = cycle.ContributionCompleted
	} else {
		ct.Status = cycle.ContributionLate
	}
}

// GetContributionStatus returns the member's contribution for a cycle.
func (l *ContributionLedger) GetContributionStatus(ctx context.Context, cycleID, memberID uuid.UUID) (*cycle.Contribution, error) {
	ct, err := l.cycles.GetContribution(ctx, cycleID, memberID)
	if err != nil {
		if errors.Is(err, cycle.ErrContributionNotFound) {
			if _, cerr := l.cycles.GetCycle(ctx, cycleID); errors.Is(cerr, cycle.ErrCycleNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownCycle, cycleID)
			}
			return nil, fmt.Errorf("%w: %s in cycle %s", ErrUnknownMember, memberID, cycleID)
		}
		return nil, fmt.Errorf("failed to load contribution: %w", err)
	}
	return ct, nil
}

// IsCycleFullyFunded reports whether every non-excused member has paid in full
// or been covered.
func (l *ContributionLedger) IsCycleFullyFunded(ctx context.Context, cycleID uuid.UUID) (bool, error) {
	if _, err := l.cycles.GetCycle(ctx, cycleID); err != nil {
		if errors.Is(err, cycle.ErrCycleNotFound) {
			return false, fmt.Errorf("%w: %s", ErrUnknownCycle, cycleID)
		}
		return false, err
	}
	contribs, err := l.cycles.ListContributions(ctx, cycleID)
	if err != nil {
		return false, fmt.Errorf("failed to list contributions of cycle %s: %w", cycleID, err)
	}
	return cycle.FullyFunded(contribs), nil
}

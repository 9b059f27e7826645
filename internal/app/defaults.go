package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circle_cycle_engine/internal/domain/circle"
	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultRecorder keeps one MemberDefault per (member, cycle) and reports new
// defaults to the trust-score service.
type DefaultRecorder struct {
	cycles   cycle.Repository
	defaults cycle.DefaultRepository
	trust    TrustScoreService
	now      func() time.Time
	logger   *logrus.Entry
}

func NewDefaultRecorder(cr cycle.Repository, dr cycle.DefaultRepository, trust TrustScoreService, now func() time.Time, logger *logrus.Entry) *DefaultRecorder {
	return &DefaultRecorder{cycles: cr, defaults: dr, trust: trust, now: now, logger: logger}
}

// RecordDefault records that memberID still owes amountOwed for cycleID.
// Calling it again for the same member and cycle updates the amount instead of
// creating a second record.
func (r *DefaultRecorder) RecordDefault(ctx context.Context, cycleID, memberID uuid.UUID, amountOwed decimal.Decimal) (*cycle.MemberDefault, error) {
	if amountOwed.IsNegative() {
		return nil, fmt.Errorf("%w: amount owed %s", ErrInvalidAmount, amountOwed)
	}
	c, err := r.cycles.GetCycle(ctx, cycleID)
	if err != nil {
		if errors.Is(err, cycle.ErrCycleNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCycle, cycleID)
		}
		return nil, fmt.Errorf("failed to load cycle %s: %w", cycleID, err)
	}
	if err := r.persist(ctx, c, memberID, amountOwed); err != nil {
		return nil, err
	}
	if r.trust != nil {
		if err := r.trust.AdjustScore(ctx, memberID, ScoreDefaulted, cycleID); err != nil {
			r.logger.WithError(err).WithField("member_id", memberID).Warn("Failed to report default to trust-score service")
		}
	}
	return r.defaults.GetDefault(ctx, cycleID, memberID)
}

func (r *DefaultRecorder) persist(ctx context.Context, c *cycle.Cycle, memberID uuid.UUID, amountOwed decimal.Decimal) error {
	now := r.now()
	d := &cycle.MemberDefault{
		ID:         uuid.New(),
		MemberID:   memberID,
		CircleID:   c.CircleID,
		CycleID:    c.ID,
		AmountOwed: amountOwed,
		Status:     cycle.DefaultUnresolved,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.defaults.UpsertDefault(ctx, d); err != nil {
		return fmt.Errorf("failed to record default of member %s in cycle %s: %w", memberID, c.ID, err)
	}
	r.logger.WithFields(logrus.Fields{
		"member_id":   memberID,
		"cycle_id":    c.ID,
		"circle_id":   c.CircleID,
		"amount_owed": amountOwed.String(),
	}).Warn("Member default recorded")
	return nil
}

// ListDefaults returns every default recorded in a circle.
func (r *DefaultRecorder) ListDefaults(ctx context.Context, circleID uuid.UUID) ([]*cycle.MemberDefault, error) {
	ds, err := r.defaults.ListDefaultsByCircle(ctx, circleID)
	if err != nil {
		if errors.Is(err, circle.ErrCircleNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCircle, circleID)
		}
		return nil, err
	}
	return ds, nil
}

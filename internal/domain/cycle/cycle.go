// internal/domain/cycle/cycle.go
package cycle

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Cycle is one rotation of a circle: a collection window ending in one payout.
type Cycle struct {
	ID              uuid.UUID
	CircleID        uuid.UUID
	Number          int
	RecipientID     uuid.UUID
	Status          Status
	StartsAt        time.Time
	DeadlineAt      time.Time
	GraceEndsAt     time.Time
	CollectedAmount decimal.Decimal
	CoveredAmount   decimal.Decimal
	PayoutAmount    decimal.Decimal
	PayoutAttempts  int
	NextAttemptAt   *time.Time
	FailureReason   string
	// CancelRequested is set when a cancellation arrives while a payout is in
	// flight; it is applied once the in-flight result is recorded.
	CancelRequested bool
	// SkipRequested is the skip counterpart of CancelRequested.
	SkipRequested bool
	// DispatchedAt is when the current payout attempt was handed to the rail.
	DispatchedAt   *time.Time
	ReminderSentAt *time.Time
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
}

// IdempotencyKey identifies one dispatch attempt towards the payment rail.
func (c *Cycle) IdempotencyKey() string {
	return c.ID.String() + ":" + strconv.Itoa(c.PayoutAttempts)
}

// RetryDue reports whether a payout_retry cycle may be dispatched at now.
func (c *Cycle) RetryDue(now time.Time) bool {
	return c.Status == StatusPayoutRetry && (c.NextAttemptAt == nil || !now.Before(*c.NextAttemptAt))
}

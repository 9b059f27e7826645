package app

import (
	"context"

	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ScoreEvent names what happened to a member, for the trust-score service.
type ScoreEvent string

const (
	ScoreOnTimeContribution ScoreEvent = "on_time_contribution"
	ScoreLateContribution   ScoreEvent = "late_contribution"
	ScoreDefaulted          ScoreEvent = "contribution_defaulted"
	ScorePayoutReceived     ScoreEvent = "payout_received"
)

// TrustScoreService is the external reliability score ("XnScore").
type TrustScoreService interface {
	GetScore(ctx context.Context, memberID uuid.UUID) (float64, error)
	AdjustScore(ctx context.Context, memberID uuid.UUID, event ScoreEvent, ref uuid.UUID) error
}

// FailureReason classifies a failed transfer.
type FailureReason string

const (
	FailureRailTimeout         FailureReason = "rail_timeout"
	FailureTemporaryHold       FailureReason = "temporary_hold"
	FailureInsufficientBalance FailureReason = "insufficient_balance"
	FailureInvalidRecipient    FailureReason = "invalid_recipient"
	FailureSanctionsHold       FailureReason = "sanctions_hold"
	FailureUnknown             FailureReason = "unknown"
)

// Retryable reports whether the dispatcher may spend another attempt on r.
func (r FailureReason) Retryable() bool {
	switch r {
	case FailureRailTimeout, FailureTemporaryHold, FailureInsufficientBalance, FailureUnknown:
		return true
	}
	return false
}

// TransferRequest is sent to the payment rail.
type TransferRequest struct {
	RecipientID    uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
}

// TransferResult is the rail's answer. A non-nil error from Transfer is
// treated as a rail timeout.
type TransferResult struct {
	Succeeded   bool
	TransferRef string
	Reason      FailureReason
}

// PaymentRail moves money to a recipient. Lookup reports what the rail did
// with the transfer sent under idempotencyKey; found is false when the rail
// never received it.
type PaymentRail interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	Lookup(ctx context.Context, idempotencyKey string) (res TransferResult, found bool, err error)
}

// CoverService is the vouching/guarantor service. It returns the amount a
// guarantor supplies for the member's shortfall, zero when none.
type CoverService interface {
	RequestCover(ctx context.Context, circleID, cycleID, memberID uuid.UUID, shortfall decimal.Decimal) (decimal.Decimal, error)
}

// NotificationKind names a reminder or notice.
type NotificationKind string

const (
	NotifyDeadlineApproaching NotificationKind = "deadline_approaching"
	NotifyContributionMissing NotificationKind = "contribution_missing"
	NotifyPayoutSent          NotificationKind = "payout_sent"
	NotifyOperatorEscalation  NotificationKind = "operator_escalation"
)

// Notification is a reminder request. Delivery is the notifier's concern.
type Notification struct {
	Kind     NotificationKind
	CircleID uuid.UUID
	CycleID  uuid.UUID
	MemberID uuid.UUID // uuid.Nil for operator notices
	ChatID   int64     // 0 when the member has no linked chat
	Text     string
}

// Notifier delivers reminders and notices.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// EventPublisher receives every appended CycleEvent.
type EventPublisher interface {
	Publish(ctx context.Context, e cycle.Event) error
}

// DispatchGuard reserves idempotency keys. Acquire returns false when the key
// was already reserved, which means the same attempt would be sent twice.
// Release frees a key whose attempt was never handed to the rail.
type DispatchGuard interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

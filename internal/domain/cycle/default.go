package cycle

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultStatus is the resolution state of a MemberDefault.
type DefaultStatus string

const (
	DefaultUnresolved DefaultStatus = "unresolved"
	DefaultResolved   DefaultStatus = "resolved"
)

// MemberDefault records a missed obligation. The engine only creates and
// updates unresolved rows; resolution is done by other services.
type MemberDefault struct {
	ID         uuid.UUID
	MemberID   uuid.UUID
	CircleID   uuid.UUID
	CycleID    uuid.UUID
	AmountOwed decimal.Decimal
	Status     DefaultStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

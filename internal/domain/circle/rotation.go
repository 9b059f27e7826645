package circle

import (
	"time"

	"github.com/google/uuid"
)

// RotationAssignment maps cycle numbers to payout recipients.
// Slots[i] is the recipient of cycle i+1. Order holds one full rotation as
// computed at activation; Slots repeats it until TotalCycles is covered.
type RotationAssignment struct {
	CircleID   uuid.UUID
	Method     RotationMethod
	Seed       *int64 // set only for RotationRandom
	Order      []uuid.UUID
	Slots      []uuid.UUID
	Version    int
	ComputedAt time.Time
	UpdatedAt  time.Time
}

// RecipientFor returns the recipient of cycle n (1-based).
func (a *RotationAssignment) RecipientFor(n int) (uuid.UUID, bool) {
	if n < 1 || n > len(a.Slots) {
		return uuid.Nil, false
	}
	return a.Slots[n-1], true
}

// RotationOverride is the audit row of an admin re-assignment of unclaimed slots.
type RotationOverride struct {
	ID        uuid.UUID
	CircleID  uuid.UUID
	FromCycle int
	Previous  []uuid.UUID
	Next      []uuid.UUID
	AdminID   int64
	Reason    string
	CreatedAt time.Time
}

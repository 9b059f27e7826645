package cycle

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ContributionStatus tracks one member's obligation within a cycle.
type ContributionStatus string

const (
	ContributionPending   ContributionStatus = "pending"
	ContributionPartial   ContributionStatus = "partial"
	ContributionCompleted ContributionStatus = "completed"
	// ContributionLate is a fully paid obligation that reached the expected
	// amount after the deadline.
	ContributionLate    ContributionStatus = "late"
	ContributionMissed  ContributionStatus = "missed"
	ContributionExcused ContributionStatus = "excused"
	ContributionCovered ContributionStatus = "covered"
)

// Contribution is one member's obligation for one cycle.
type Contribution struct {
	ID                uuid.UUID
	CycleID           uuid.UUID
	MemberID          uuid.UUID
	ExpectedAmount    decimal.Decimal
	ContributedAmount decimal.Decimal
	// CoveredAmount is what a guarantor supplied on the member's behalf.
	CoveredAmount decimal.Decimal
	Status        ContributionStatus
	WasOnTime     bool
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Settled reports whether the obligation no longer blocks payout.
func (c *Contribution) Settled() bool {
	switch c.Status {
	case ContributionCompleted, ContributionLate, ContributionCovered, ContributionExcused:
		return true
	}
	return false
}

// Outstanding is what the member still owes.
func (c *Contribution) Outstanding() decimal.Decimal {
	rest := c.ExpectedAmount.Sub(c.ContributedAmount)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// FullyFunded reports whether every non-excused contribution is paid in full
// or covered.
func FullyFunded(contribs []*Contribution) bool {
	if len(contribs) == 0 {
		return false
	}
	for _, c := range contribs {
		if !c.Settled() {
			return false
		}
	}
	return true
}

// Totals sums contributed and covered amounts over non-excused contributions.
func Totals(contribs []*Contribution) (collected, covered decimal.Decimal) {
	collected, covered = decimal.Zero, decimal.Zero
	for _, c := range contribs {
		if c.Status == ContributionExcused {
			continue
		}
		collected = collected.Add(c.ContributedAmount)
		covered = covered.Add(c.CoveredAmount)
	}
	return collected, covered
}

// Payment is one confirmed money movement towards a contribution. Ref is the
// external payment reference and is unique per (cycle, member).
type Payment struct {
	ID         uuid.UUID
	CycleID    uuid.UUID
	MemberID   uuid.UUID
	Ref        string
	Amount     decimal.Decimal
	PaidAt     time.Time
	RecordedAt time.Time
}

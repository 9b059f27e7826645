// internal/domain/circle/circle.go
package circle

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Frequency is how often members contribute.
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Next returns the start of the period following t.
func (f Frequency) Next(t time.Time) time.Time {
	switch f {
	case FrequencyDaily:
		return t.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case FrequencyBiweekly:
		return t.AddDate(0, 0, 14)
	default:
		return t.AddDate(0, 1, 0)
	}
}

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	}
	return false
}

// RotationMethod decides the payout order among members.
type RotationMethod string

const (
	RotationTrustScore RotationMethod = "trust_score"
	RotationRandom     RotationMethod = "random"
	RotationManual     RotationMethod = "manual"
)

// Status is the overall lifecycle of a circle.
type Status string

const (
	StatusForming   Status = "forming"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ShortfallPolicy says what happens to a cycle's payout when a member defaults
// and no cover supplies the missing amount.
type ShortfallPolicy string

const (
	// ShortfallSkipCycle withholds the payout and marks the cycle skipped.
	ShortfallSkipCycle ShortfallPolicy = "skip_cycle"
	// ShortfallReducedPayout pays out whatever was actually collected.
	ShortfallReducedPayout ShortfallPolicy = "reduced_payout"
)

// PolicyVersion is bumped whenever Policy gains a field that changes engine behaviour.
const PolicyVersion = 1

// Policy is fixed when the circle is created and read by the state machine
// at transition time.
type Policy struct {
	Version          int             `json:"version"`
	GracePeriodDays  int             `json:"grace_period_days"`
	ShortfallPolicy  ShortfallPolicy `json:"shortfall_policy"`
	AllowCover       bool            `json:"allow_cover"`
	ReminderLeadDays int             `json:"reminder_lead_days"`
}

// Circle is a rotating savings group.
type Circle struct {
	ID                 uuid.UUID
	Name               string
	ContributionAmount decimal.Decimal
	Frequency          Frequency
	TotalCycles        int
	MaxMembers         int
	RotationMethod     RotationMethod
	Policy             Policy
	CurrentCycleNumber int
	Status             Status
	CreatedAt          time.Time
	ActivatedAt        *time.Time
	UpdatedAt          time.Time
}

// IsLastCycle reports whether n is the final cycle of the circle.
func (c *Circle) IsLastCycle(n int) bool {
	return n >= c.TotalCycles
}

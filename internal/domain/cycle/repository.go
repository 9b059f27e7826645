// internal/domain/cycle/repository.go
package cycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Errors returned by repository implementations.
var ErrCycleNotFound = fmt.Errorf("circle cycle not found")
var ErrContributionNotFound = fmt.Errorf("cycle contribution not found")
var ErrDefaultNotFound = fmt.Errorf("member default not found")
var ErrDuplicateCycle = fmt.Errorf("duplicate circle cycle (circle_id, number)")
var ErrDuplicatePayment = fmt.Errorf("duplicate payment reference")
var ErrPaymentNotFound = fmt.Errorf("payment not found")

// ErrVersionConflict is returned by UpdateCycle when the stored version does
// not match the version the caller loaded.
var ErrVersionConflict = fmt.Errorf("circle cycle was modified concurrently")

// Repository defines operations for cycles, contributions and payments.
type Repository interface {
	// Cycle methods
	CreateCycle(ctx context.Context, c *Cycle) error
	GetCycle(ctx context.Context, id uuid.UUID) (*Cycle, error)
	GetCycleByNumber(ctx context.Context, circleID uuid.UUID, number int) (*Cycle, error)
	// UpdateCycle writes c if its stored version equals c.Version and bumps it.
	UpdateCycle(ctx context.Context, c *Cycle) error
	ListOpenCycles(ctx context.Context) ([]*Cycle, error)
	ListCyclesByCircle(ctx context.Context, circleID uuid.UUID) ([]*Cycle, error)

	// Contribution methods
	BulkCreateContributions(ctx context.Context, contribs []*Contribution) error
	GetContribution(ctx context.Context, cycleID, memberID uuid.UUID) (*Contribution, error)
	UpdateContribution(ctx context.Context, c *Contribution) error
	ListContributions(ctx context.Context, cycleID uuid.UUID) ([]*Contribution, error)

	// Payment methods
	// ApplyPayment stores p and the contribution it updates as one write. It
	// returns ErrDuplicatePayment, and changes nothing, when the
	// (cycle, member, ref) triple already exists.
	ApplyPayment(ctx context.Context, p *Payment, c *Contribution) error
	GetPayment(ctx context.Context, cycleID, memberID uuid.UUID, ref string) (*Payment, error)
}

// DefaultRepository persists member defaults.
type DefaultRepository interface {
	// UpsertDefault creates or updates the default keyed by (cycle, member).
	UpsertDefault(ctx context.Context, d *MemberDefault) error
	GetDefault(ctx context.Context, cycleID, memberID uuid.UUID) (*MemberDefault, error)
	ListDefaultsByCircle(ctx context.Context, circleID uuid.UUID) ([]*MemberDefault, error)
}

// EventRepository is the append-only transition log.
type EventRepository interface {
	// AppendEvent assigns e.Sequence and persists e.
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, cycleID uuid.UUID) ([]*Event, error)
}

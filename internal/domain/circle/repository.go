// internal/domain/circle/repository.go
package circle

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines operations for circles, their members and rotation.
type Repository interface {
	// Circle methods
	Create(ctx context.Context, c *Circle) error
	GetByID(ctx context.Context, id uuid.UUID) (*Circle, error)
	Update(ctx context.Context, c *Circle) error
	ListByStatus(ctx context.Context, status Status) ([]*Circle, error)

	// Member methods
	AddMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, circleID, memberID uuid.UUID) (*Member, error)
	ListActiveMembers(ctx context.Context, circleID uuid.UUID) ([]*Member, error)

	// Rotation methods
	SaveAssignment(ctx context.Context, a *RotationAssignment) error
	GetAssignment(ctx context.Context, circleID uuid.UUID) (*RotationAssignment, error)
	// UpdateAssignment persists new slots together with the override audit row.
	UpdateAssignment(ctx context.Context, a *RotationAssignment, override *RotationOverride) error
	ListOverrides(ctx context.Context, circleID uuid.UUID) ([]*RotationOverride, error)
}

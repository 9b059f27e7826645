// Package memory holds map-backed repositories used in development mode and tests.
// Every read returns a copy so callers never share records with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"circle_cycle_engine/internal/domain/circle"

	"github.com/google/uuid"
)

type CircleRepository struct {
	mu          sync.RWMutex
	circles     map[uuid.UUID]circle.Circle
	members     map[uuid.UUID]map[uuid.UUID]circle.Member
	assignments map[uuid.UUID]circle.RotationAssignment
	overrides   map[uuid.UUID][]circle.RotationOverride
}

func NewCircleRepository() *CircleRepository {
	return &CircleRepository{
		circles:     make(map[uuid.UUID]circle.Circle),
		members:     make(map[uuid.UUID]map[uuid.UUID]circle.Member),
		assignments: make(map[uuid.UUID]circle.RotationAssignment),
		overrides:   make(map[uuid.UUID][]circle.RotationOverride),
	}
}

func (r *CircleRepository) Create(_ context.Context, c *circle.Circle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	r.circles[c.ID] = *c
	return nil
}

func (r *CircleRepository) GetByID(_ context.Context, id uuid.UUID) (*circle.Circle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.circles[id]
	if !ok {
		return nil, circle.ErrCircleNotFound
	}
	return &c, nil
}

func (r *CircleRepository) Update(_ context.Context, c *circle.Circle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.circles[c.ID]; !ok {
		return circle.ErrCircleNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	r.circles[c.ID] = *c
	return nil
}

func (r *CircleRepository) ListByStatus(_ context.Context, status circle.Status) ([]*circle.Circle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*circle.Circle, 0)
	for _, c := range r.circles {
		if c.Status == status {
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *CircleRepository) AddMember(_ context.Context, m *circle.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.circles[m.CircleID]; !ok {
		return circle.ErrCircleNotFound
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	byID, ok := r.members[m.CircleID]
	if !ok {
		byID = make(map[uuid.UUID]circle.Member)
		r.members[m.CircleID] = byID
	}
	if _, exists := byID[m.ID]; exists {
		return circle.ErrDuplicateMember
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	byID[m.ID] = *m
	return nil
}

func (r *CircleRepository) GetMember(_ context.Context, circleID, memberID uuid.UUID) (*circle.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[circleID][memberID]
	if !ok {
		return nil, circle.ErrMemberNotFound
	}
	return &m, nil
}

func (r *CircleRepository) ListActiveMembers(_ context.Context, circleID uuid.UUID) ([]*circle.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*circle.Member, 0, len(r.members[circleID]))
	for _, m := range r.members[circleID] {
		if m.IsActive {
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *CircleRepository) SaveAssignment(_ context.Context, a *circle.RotationAssignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[a.CircleID] = copyAssignment(*a)
	return nil
}

func (r *CircleRepository) GetAssignment(_ context.Context, circleID uuid.UUID) (*circle.RotationAssignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assignments[circleID]
	if !ok {
		return nil, circle.ErrAssignmentNotFound
	}
	out := copyAssignment(a)
	return &out, nil
}

func (r *CircleRepository) UpdateAssignment(_ context.Context, a *circle.RotationAssignment, override *circle.RotationOverride) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assignments[a.CircleID]; !ok {
		return circle.ErrAssignmentNotFound
	}
	r.assignments[a.CircleID] = copyAssignment(*a)
	if override != nil {
		o := *override
		o.Previous = append([]uuid.UUID(nil), override.Previous...)
		o.Next = append([]uuid.UUID(nil), override.Next...)
		r.overrides[a.CircleID] = append(r.overrides[a.CircleID], o)
	}
	return nil
}

func (r *CircleRepository) ListOverrides(_ context.Context, circleID uuid.UUID) ([]*circle.RotationOverride, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*circle.RotationOverride, 0, len(r.overrides[circleID]))
	for _, o := range r.overrides[circleID] {
		out = append(out, &o)
	}
	return out, nil
}

func copyAssignment(a circle.RotationAssignment) circle.RotationAssignment {
	a.Order = append([]uuid.UUID(nil), a.Order...)
	a.Slots = append([]uuid.UUID(nil), a.Slots...)
	if a.Seed != nil {
		seed := *a.Seed
		a.Seed = &seed
	}
	return a
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
)

type numberKey struct {
	circleID uuid.UUID
	number   int
}

type memberKey struct {
	cycleID  uuid.UUID
	memberID uuid.UUID
}

type paymentKey struct {
	cycleID  uuid.UUID
	memberID uuid.UUID
	ref      string
}

// CycleRepository implements cycle.Repository, cycle.DefaultRepository and
// cycle.EventRepository.
type CycleRepository struct {
	mu            sync.RWMutex
	cycles        map[uuid.UUID]cycle.Cycle
	byNumber      map[numberKey]uuid.UUID
	contributions map[memberKey]cycle.Contribution
	payments      map[paymentKey]cycle.Payment
	defaults      map[memberKey]cycle.MemberDefault
	events        map[uuid.UUID][]cycle.Event
}

func NewCycleRepository() *CycleRepository {
	return &CycleRepository{
		cycles:        make(map[uuid.UUID]cycle.Cycle),
		byNumber:      make(map[numberKey]uuid.UUID),
		contributions: make(map[memberKey]cycle.Contribution),
		payments:      make(map[paymentKey]cycle.Payment),
		defaults:      make(map[memberKey]cycle.MemberDefault),
		events:        make(map[uuid.UUID][]cycle.Event),
	}
}

// --- Cycle Methods ---

func (r *CycleRepository) CreateCycle(_ context.Context, c *cycle.Cycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := numberKey{c.CircleID, c.Number}
	if _, exists := r.byNumber[key]; exists {
		return cycle.ErrDuplicateCycle
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Version = 1
	r.cycles[c.ID] = *c
	r.byNumber[key] = c.ID
	return nil
}

func (r *CycleRepository) GetCycle(_ context.Context, id uuid.UUID) (*cycle.Cycle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cycles[id]
	if !ok {
		return nil, cycle.ErrCycleNotFound
	}
	return &c, nil
}

func (r *CycleRepository) GetCycleByNumber(_ context.Context, circleID uuid.UUID, number int) (*cycle.Cycle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byNumber[numberKey{circleID, number}]
	if !ok {
		return nil, cycle.ErrCycleNotFound
	}
	c := r.cycles[id]
	return &c, nil
}

func (r *CycleRepository) UpdateCycle(_ context.Context, c *cycle.Cycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.cycles[c.ID]
	if !ok {
		return cycle.ErrCycleNotFound
	}
	if stored.Version != c.Version {
		return cycle.ErrVersionConflict
	}
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	r.cycles[c.ID] = *c
	return nil
}

func (r *CycleRepository) ListOpenCycles(_ context.Context) ([]*cycle.Cycle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*cycle.Cycle, 0)
	for _, c := range r.cycles {
		if !c.Status.IsTerminal() {
			out = append(out, &c)
		}
	}
	sortCycles(out)
	return out, nil
}

func (r *CycleRepository) ListCyclesByCircle(_ context.Context, circleID uuid.UUID) ([]*cycle.Cycle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*cycle.Cycle, 0)
	for _, c := range r.cycles {
		if c.CircleID == circleID {
			out = append(out, &c)
		}
	}
	sortCycles(out)
	return out, nil
}

func sortCycles(cs []*cycle.Cycle) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CircleID != cs[j].CircleID {
			return cs[i].CircleID.String() < cs[j].CircleID.String()
		}
		return cs[i].Number < cs[j].Number
	})
}

// --- Contribution Methods ---

func (r *CycleRepository) BulkCreateContributions(_ context.Context, contribs []*cycle.Contribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range contribs {
		if _, exists := r.contributions[memberKey{c.CycleID, c.MemberID}]; exists {
			continue
		}
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		now := time.Now().UTC()
		c.CreatedAt, c.UpdatedAt = now, now
		r.contributions[memberKey{c.CycleID, c.MemberID}] = *c
	}
	return nil
}

func (r *CycleRepository) GetContribution(_ context.Context, cycleID, memberID uuid.UUID) (*cycle.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contributions[memberKey{cycleID, memberID}]
	if !ok {
		return nil, cycle.ErrContributionNotFound
	}
	return &c, nil
}

func (r *CycleRepository) UpdateContribution(_ context.Context, c *cycle.Contribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memberKey{c.CycleID, c.MemberID}
	if _, ok := r.contributions[key]; !ok {
		return cycle.ErrContributionNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	r.contributions[key] = *c
	return nil
}

func (r *CycleRepository) ListContributions(_ context.Context, cycleID uuid.UUID) ([]*cycle.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*cycle.Contribution, 0)
	for k, c := range r.contributions {
		if k.cycleID == cycleID {
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID.String() < out[j].MemberID.String() })
	return out, nil
}

// --- Payment Methods ---

func (r *CycleRepository) ApplyPayment(_ context.Context, p *cycle.Payment, c *cycle.Contribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := paymentKey{p.CycleID, p.MemberID, p.Ref}
	if _, exists := r.payments[key]; exists {
		return cycle.ErrDuplicatePayment
	}
	ckey := memberKey{c.CycleID, c.MemberID}
	if _, ok := r.contributions[ckey]; !ok {
		return cycle.ErrContributionNotFound
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.RecordedAt = now
	c.UpdatedAt = now
	r.payments[key] = *p
	r.contributions[ckey] = *c
	return nil
}

func (r *CycleRepository) GetPayment(_ context.Context, cycleID, memberID uuid.UUID, ref string) (*cycle.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[paymentKey{cycleID, memberID, ref}]
	if !ok {
		return nil, cycle.ErrPaymentNotFound
	}
	return &p, nil
}

// --- Default Methods ---

func (r *CycleRepository) UpsertDefault(_ context.Context, d *cycle.MemberDefault) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memberKey{d.CycleID, d.MemberID}
	now := time.Now().UTC()
	if existing, ok := r.defaults[key]; ok {
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
	} else {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	r.defaults[key] = *d
	return nil
}

func (r *CycleRepository) GetDefault(_ context.Context, cycleID, memberID uuid.UUID) (*cycle.MemberDefault, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defaults[memberKey{cycleID, memberID}]
	if !ok {
		return nil, cycle.ErrDefaultNotFound
	}
	return &d, nil
}

func (r *CycleRepository) ListDefaultsByCircle(_ context.Context, circleID uuid.UUID) ([]*cycle.MemberDefault, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*cycle.MemberDefault, 0)
	for _, d := range r.defaults {
		if d.CircleID == circleID {
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Event Methods ---

func (r *CycleRepository) AppendEvent(_ context.Context, e *cycle.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Sequence = int64(len(r.events[e.CycleID]) + 1)
	stored := *e
	stored.Metadata = copyMetadata(e.Metadata)
	r.events[e.CycleID] = append(r.events[e.CycleID], stored)
	return nil
}

func (r *CycleRepository) ListEvents(_ context.Context, cycleID uuid.UUID) ([]*cycle.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*cycle.Event, 0, len(r.events[cycleID]))
	for _, e := range r.events[cycleID] {
		e.Metadata = copyMetadata(e.Metadata)
		out = append(out, &e)
	}
	return out, nil
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

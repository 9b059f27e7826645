package app

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"circle_cycle_engine/internal/domain/circle"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RotationInput carries the method-specific inputs of an assignment.
type RotationInput struct {
	// TrustScores overrides lookups against the trust-score service.
	TrustScores map[uuid.UUID]float64
	// Seed fixes the shuffle of a random rotation. A fresh seed is drawn and
	// persisted when nil.
	Seed *int64
	// AdminOrder is the manual order; it must be a permutation of the members.
	AdminOrder []uuid.UUID
}

// RotationSequencer decides who receives each cycle's payout.
type RotationSequencer struct {
	trust  TrustScoreService
	now    func() time.Time
	logger *logrus.Entry
}

func NewRotationSequencer(trust TrustScoreService, now func() time.Time, logger *logrus.Entry) *RotationSequencer {
	return &RotationSequencer{trust: trust, now: now, logger: logger}
}

// ComputeAssignment builds the full payout rotation of circ. The result is a
// pure function of the members and the method input, so replaying it with the
// stored seed or scores reproduces the same order.
func (s *RotationSequencer) ComputeAssignment(ctx context.Context, circ *circle.Circle, members []*circle.Member, in RotationInput) (*circle.RotationAssignment, error) {
	if len(members) == 0 || len(members) < circ.MaxMembers {
		return nil, fmt.Errorf("%w: %d of %d members", ErrIncompleteRoster, len(members), circ.MaxMembers)
	}

	a := &circle.RotationAssignment{
		CircleID:   circ.ID,
		Method:     circ.RotationMethod,
		Version:    1,
		ComputedAt: s.now(),
	}
	a.UpdatedAt = a.ComputedAt

	var err error
	switch circ.RotationMethod {
	case circle.RotationTrustScore:
		a.Order, err = s.trustOrder(ctx, members, in.TrustScores)
	case circle.RotationRandom:
		seed := int64(0)
		if in.Seed != nil {
			seed = *in.Seed
		} else if seed, err = newSeed(); err != nil {
			return nil, err
		}
		a.Seed = &seed
		a.Order = randomOrder(members, seed)
	case circle.RotationManual:
		a.Order, err = manualOrder(members, in.AdminOrder)
	default:
		err = fmt.Errorf("%w: unknown rotation method %q", ErrInvalidPolicy, circ.RotationMethod)
	}
	if err != nil {
		return nil, err
	}

	a.Slots = make([]uuid.UUID, circ.TotalCycles)
	for i := range a.Slots {
		a.Slots[i] = a.Order[i%len(a.Order)]
	}

	s.logger.WithFields(logrus.Fields{
		"circle_id": circ.ID,
		"method":    circ.RotationMethod,
		"members":   len(a.Order),
		"cycles":    len(a.Slots),
	}).Info("Rotation assignment computed")
	return a, nil
}

// trustOrder ranks by descending score; ties go to the older account, then to
// the lower member id.
func (s *RotationSequencer) trustOrder(ctx context.Context, members []*circle.Member, scores map[uuid.UUID]float64) ([]uuid.UUID, error) {
	resolved := make(map[uuid.UUID]float64, len(members))
	for _, m := range members {
		if score, ok := scores[m.ID]; ok {
			resolved[m.ID] = score
			continue
		}
		if s.trust == nil {
			return nil, fmt.Errorf("no trust score for member %s and no trust-score service configured", m.ID)
		}
		score, err := s.trust.GetScore(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch trust score of member %s: %w", m.ID, err)
		}
		resolved[m.ID] = score
	}

	ranked := append([]*circle.Member(nil), members...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := resolved[ranked[i].ID], resolved[ranked[j].ID]
		if si != sj {
			return si > sj
		}
		if !ranked[i].AccountCreatedAt.Equal(ranked[j].AccountCreatedAt) {
			return ranked[i].AccountCreatedAt.Before(ranked[j].AccountCreatedAt)
		}
		return ranked[i].ID.String() < ranked[j].ID.String()
	})
	return memberIDs(ranked), nil
}

// randomOrder shuffles the members, sorted by id first so the result only
// depends on the seed and the member set.
func randomOrder(members []*circle.Member, seed int64) []uuid.UUID {
	ids := memberIDs(members)
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids
}

func manualOrder(members []*circle.Member, order []uuid.UUID) ([]uuid.UUID, error) {
	if err := checkPermutation(memberIDs(members), order); err != nil {
		return nil, err
	}
	return append([]uuid.UUID(nil), order...), nil
}

func checkPermutation(members, order []uuid.UUID) error {
	if len(order) != len(members) {
		return fmt.Errorf("%w: %d entries for %d members", ErrInvalidManualOrder, len(order), len(members))
	}
	want := make(map[uuid.UUID]bool, len(members))
	for _, id := range members {
		want[id] = true
	}
	seen := make(map[uuid.UUID]bool, len(order))
	for _, id := range order {
		if !want[id] {
			return fmt.Errorf("%w: %s is not a member", ErrInvalidManualOrder, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: %s appears twice", ErrInvalidManualOrder, id)
		}
		seen[id] = true
	}
	return nil
}

// VerifyAssignment checks a stored assignment before a cycle is created from it.
func VerifyAssignment(a *circle.RotationAssignment, circ *circle.Circle, members []*circle.Member) error {
	if len(a.Slots) != circ.TotalCycles {
		return fmt.Errorf("%w: %d slots for %d cycles", ErrRotationIntegrity, len(a.Slots), circ.TotalCycles)
	}
	if err := checkPermutation(memberIDs(members), a.Order); err != nil {
		return fmt.Errorf("%w: %v", ErrRotationIntegrity, err)
	}
	active := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		active[m.ID] = true
	}
	for i, id := range a.Slots {
		if !active[id] {
			return fmt.Errorf("%w: slot %d recipient %s is not an active member", ErrRotationIntegrity, i+1, id)
		}
	}
	return nil
}

// Override replaces the recipients of cycles fromCycle onwards. Cycles up to
// the circle's current one are never touched.
func (s *RotationSequencer) Override(circ *circle.Circle, a *circle.RotationAssignment, members []*circle.Member, fromCycle int, recipients []uuid.UUID, adminID int64, reason string) (*circle.RotationOverride, error) {
	if fromCycle <= circ.CurrentCycleNumber {
		return nil, fmt.Errorf("%w: cycle %d is already under way", ErrInvalidManualOrder, fromCycle)
	}
	if len(recipients) == 0 || fromCycle+len(recipients)-1 > circ.TotalCycles {
		return nil, fmt.Errorf("%w: %d recipients from cycle %d exceed %d cycles", ErrInvalidManualOrder, len(recipients), fromCycle, circ.TotalCycles)
	}
	active := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		active[m.ID] = true
	}
	for _, id := range recipients {
		if !active[id] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMember, id)
		}
	}

	now := s.now()
	start := fromCycle - 1
	ov := &circle.RotationOverride{
		ID:        uuid.New(),
		CircleID:  circ.ID,
		FromCycle: fromCycle,
		Previous:  append([]uuid.UUID(nil), a.Slots[start:start+len(recipients)]...),
		Next:      append([]uuid.UUID(nil), recipients...),
		AdminID:   adminID,
		Reason:    reason,
		CreatedAt: now,
	}
	copy(a.Slots[start:], recipients)
	a.Version++
	a.UpdatedAt = now
	return ov, nil
}

func memberIDs(members []*circle.Member) []uuid.UUID {
	ids := make([]uuid.UUID, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}

func newSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to draw rotation seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

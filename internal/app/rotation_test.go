package app

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"circle_cycle_engine/internal/domain/circle"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func newTestSequencer() *RotationSequencer {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewRotationSequencer(nil, newFakeClock().Now, logrus.NewEntry(logger))
}

func testMembers(n int) []*circle.Member {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*circle.Member, n)
	for i := range out {
		out[i] = &circle.Member{ID: uuid.New(), AccountCreatedAt: base.AddDate(0, i, 0), IsActive: true}
	}
	return out
}

func testCircle(method circle.RotationMethod, members, cycles int) *circle.Circle {
	return &circle.Circle{ID: uuid.New(), RotationMethod: method, MaxMembers: members, TotalCycles: cycles}
}

func TestTrustScoreOrderBreaksTiesByAccountAge(t *testing.T) {
	s := newTestSequencer()
	ms := testMembers(4)
	scores := map[uuid.UUID]float64{
		ms[0].ID: 50,
		ms[1].ID: 80,
		ms[2].ID: 80,
		ms[3].ID: 90,
	}
	// ms[2] has an older account than ms[1] after this.
	ms[2].AccountCreatedAt = ms[1].AccountCreatedAt.AddDate(-1, 0, 0)

	a, err := s.ComputeAssignment(context.Background(), testCircle(circle.RotationTrustScore, 4, 4), ms, RotationInput{TrustScores: scores})
	if err != nil {
		t.Fatalf("ComputeAssignment() error = %v", err)
	}
	want := []uuid.UUID{ms[3].ID, ms[2].ID, ms[1].ID, ms[0].ID}
	for i := range want {
		if a.Order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, a.Order[i], want[i])
		}
	}
}

func TestRandomOrderIsReproducibleFromSeed(t *testing.T) {
	s := newTestSequencer()
	ms := testMembers(7)
	circ := testCircle(circle.RotationRandom, 7, 14)
	seed := int64(20250301)

	a1, err := s.ComputeAssignment(context.Background(), circ, ms, RotationInput{Seed: &seed})
	if err != nil {
		t.Fatalf("ComputeAssignment() error = %v", err)
	}
	reversed := make([]*circle.Member, len(ms))
	for i, m := range ms {
		reversed[len(ms)-1-i] = m
	}
	a2, err := s.ComputeAssignment(context.Background(), circ, reversed, RotationInput{Seed: &seed})
	if err != nil {
		t.Fatalf("ComputeAssignment() error = %v", err)
	}
	for i := range a1.Slots {
		if a1.Slots[i] != a2.Slots[i] {
			t.Fatalf("slot %d differs between runs with the same seed", i+1)
		}
	}
	if a1.Seed == nil || *a1.Seed != seed {
		t.Fatalf("seed not persisted on the assignment")
	}
	if err := VerifyAssignment(a1, circ, ms); err != nil {
		t.Fatalf("VerifyAssignment() error = %v", err)
	}
	for i := range a1.Slots {
		if a1.Slots[i] != a1.Order[i%len(a1.Order)] {
			t.Fatalf("slot %d does not follow the repeated order", i+1)
		}
	}
}

func TestRandomOrderDrawsSeedWhenMissing(t *testing.T) {
	s := newTestSequencer()
	ms := testMembers(3)
	a, err := s.ComputeAssignment(context.Background(), testCircle(circle.RotationRandom, 3, 3), ms, RotationInput{})
	if err != nil {
		t.Fatalf("ComputeAssignment() error = %v", err)
	}
	if a.Seed == nil {
		t.Fatalf("random assignment without a stored seed")
	}
	replay := randomOrder(ms, *a.Seed)
	for i := range replay {
		if replay[i] != a.Order[i] {
			t.Fatalf("stored seed does not reproduce the order")
		}
	}
}

func TestManualOrderMustBePermutation(t *testing.T) {
	s := newTestSequencer()
	ms := testMembers(3)
	circ := testCircle(circle.RotationManual, 3, 3)

	tests := []struct {
		name  string
		order []uuid.UUID
	}{
		{"too short", []uuid.UUID{ms[0].ID, ms[1].ID}},
		{"duplicate", []uuid.UUID{ms[0].ID, ms[0].ID, ms[1].ID}},
		{"stranger", []uuid.UUID{ms[0].ID, ms[1].ID, uuid.New()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ComputeAssignment(context.Background(), circ, ms, RotationInput{AdminOrder: tt.order})
			if !errors.Is(err, ErrInvalidManualOrder) {
				t.Fatalf("error = %v, want ErrInvalidManualOrder", err)
			}
		})
	}

	order := []uuid.UUID{ms[2].ID, ms[0].ID, ms[1].ID}
	a, err := s.ComputeAssignment(context.Background(), circ, ms, RotationInput{AdminOrder: order})
	if err != nil {
		t.Fatalf("ComputeAssignment() error = %v", err)
	}
	if r, _ := a.RecipientFor(1); r != ms[2].ID {
		t.Fatalf("cycle 1 recipient = %s, want %s", r, ms[2].ID)
	}
}

func TestVerifyAssignmentRejectsInactiveRecipient(t *testing.T) {
	s := newTestSequencer()
	ms := testMembers(3)
	circ := testCircle(circle.RotationManual, 3, 3)
	a, err := s.ComputeAssignment(context.Background(), circ, ms, RotationInput{AdminOrder: memberIDs(ms)})
	if err != nil {
		t.Fatalf("ComputeAssignment() error = %v", err)
	}
	if err := VerifyAssignment(a, circ, ms[:2]); !errors.Is(err, ErrRotationIntegrity) {
		t.Fatalf("error = %v, want ErrRotationIntegrity", err)
	}
}

package app

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
)

func TestConcurrentPaymentsDispatchExactlyOnce(t *testing.T) {
	h := newHarness(t)
	circ, members := h.formCircle(6, nil)
	c := h.activate(circ.ID, RotationInput{})

	var wg sync.WaitGroup
	errs := make(chan error, len(members)*2)
	for _, m := range members {
		for part := 0; part < 2; part++ {
			wg.Add(1)
			go func(memberID uuid.UUID, part int) {
				defer wg.Done()
				_, _, err := h.pay(c.ID, memberID, "50", fmt.Sprintf("%s-%d", memberID, part))
				errs <- err
			}(m.ID, part)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("RecordPayment() error = %v", err)
		}
	}

	if n := len(h.rail.Calls()); n != 1 {
		t.Fatalf("rail calls = %d, want exactly 1", n)
	}
	got := h.cycle(c.ID)
	if got.Status != cycle.StatusClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	if !got.CollectedAmount.Equal(dec("600")) {
		t.Fatalf("collected = %s, want 600", got.CollectedAmount)
	}
}

func TestPaymentReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	circ, members := h.formCircle(3, nil)
	c := h.activate(circ.ID, RotationInput{})

	first := h.mustPay(c.ID, members[0].ID, "60", "bank-1")
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := h.pay(c.ID, members[0].ID, "60", "bank-1"); err != nil {
				t.Errorf("replay error = %v", err)
			}
		}()
	}
	wg.Wait()

	ct, err := h.engine.Ledger.GetContributionStatus(h.ctx, c.ID, members[0].ID)
	if err != nil {
		t.Fatalf("GetContributionStatus() error = %v", err)
	}
	if !ct.ContributedAmount.Equal(first.ContributedAmount) || ct.Status != cycle.ContributionPartial {
		t.Fatalf("after replays: %s %s, want 60 partial", ct.ContributedAmount, ct.Status)
	}

	second := h.mustPay(c.ID, members[0].ID, "40", "bank-2")
	if second.Status != cycle.ContributionCompleted || !second.ContributedAmount.Equal(dec("100")) {
		t.Fatalf("after top-up: %s %s, want 100 completed", second.ContributedAmount, second.Status)
	}
	if got := h.cycle(c.ID).CollectedAmount; !got.Equal(dec("100")) {
		t.Fatalf("cycle collected = %s, want 100", got)
	}
}

func TestReplayAfterCloseReturnsUnchanged(t *testing.T) {
	h := newHarness(t)
	circ, members := h.formCircle(2, nil)
	c := h.activate(circ.ID, RotationInput{})
	h.mustPay(c.ID, members[0].ID, "100", "a")
	h.mustPay(c.ID, members[1].ID, "100", "b")

	ct, _, err := h.pay(c.ID, members[1].ID, "100", "b")
	if err != nil {
		t.Fatalf("replay after close error = %v", err)
	}
	if ct.Status != cycle.ContributionCompleted {
		t.Fatalf("replayed contribution = %s", ct.Status)
	}
	if n := len(h.rail.Calls()); n != 1 {
		t.Fatalf("rail calls = %d, want 1", n)
	}
}

func TestRecordPaymentValidation(t *testing.T) {
	h := newHarness(t)
	circ, members := h.formCircle(2, nil)
	c := h.activate(circ.ID, RotationInput{})

	tests := []struct {
		name    string
		cycleID uuid.UUID
		member  uuid.UUID
		amount  string
		ref     string
		want    error
	}{
		{"zero amount", c.ID, members[0].ID, "0", "r1", ErrInvalidAmount},
		{"negative amount", c.ID, members[0].ID, "-5", "r2", ErrInvalidAmount},
		{"over outstanding", c.ID, members[0].ID, "100.01", "r3", ErrInvalidAmount},
		{"missing ref", c.ID, members[0].ID, "10", "  ", ErrMissingPaymentRef},
		{"unknown member", c.ID, uuid.New(), "10", "r4", ErrUnknownMember},
		{"unknown cycle", uuid.New(), members[0].ID, "10", "r5", ErrUnknownCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.pay(tt.cycleID, tt.member, tt.amount, tt.ref)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if Classify(err) != ClassValidation {
				t.Fatalf("Classify() = %s, want validation", Classify(err))
			}
		})
	}

	ct, _ := h.engine.Ledger.GetContributionStatus(h.ctx, c.ID, members[0].ID)
	if !ct.ContributedAmount.IsZero() || ct.Status != cycle.ContributionPending {
		t.Fatalf("rejected payments changed the ledger: %s %s", ct.ContributedAmount, ct.Status)
	}
	funded, err := h.engine.Ledger.IsCycleFullyFunded(h.ctx, c.ID)
	if err != nil || funded {
		t.Fatalf("IsCycleFullyFunded() = %v, %v", funded, err)
	}
}

func TestCollectedMatchesContributionsAtReady(t *testing.T) {
	h := newHarness(t)
	h.rail.hold = true
	circ, members := h.formCircle(3, nil)
	c := h.activate(circ.ID, RotationInput{})
	h.mustPay(c.ID, members[0].ID, "33.33", "a1")
	h.mustPay(c.ID, members[0].ID, "66.67", "a2")
	h.mustPay(c.ID, members[1].ID, "100", "b")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pay(c.ID, members[2].ID, "100", "c")
	}()
	<-h.rail.started

	got := h.cycle(c.ID)
	contribs, _ := h.cycles.ListContributions(h.ctx, c.ID)
	collected, _ := cycle.Totals(contribs)
	if !got.CollectedAmount.Equal(collected) || !collected.Equal(dec("300")) {
		t.Fatalf("cycle collected = %s, contributions sum = %s", got.CollectedAmount, collected)
	}
	h.rail.release <- TransferResult{Succeeded: true, TransferRef: "x"}
	<-done
}

func TestRecordDefaultUpdatesInsteadOfDuplicating(t *testing.T) {
	h := newHarness(t)
	circ, members := h.formCircle(2, nil)
	c := h.activate(circ.ID, RotationInput{})

	first, err := h.engine.Defaults.RecordDefault(h.ctx, c.ID, members[1].ID, dec("100"))
	if err != nil {
		t.Fatalf("RecordDefault() error = %v", err)
	}
	second, err := h.engine.Defaults.RecordDefault(h.ctx, c.ID, members[1].ID, dec("40"))
	if err != nil {
		t.Fatalf("RecordDefault() again error = %v", err)
	}
	if first.ID != second.ID || !second.AmountOwed.Equal(dec("40")) || second.Status != cycle.DefaultUnresolved {
		t.Fatalf("second default = %+v, want same id with amount 40", second)
	}
	ds, err := h.engine.Defaults.ListDefaults(h.ctx, circ.ID)
	if err != nil || len(ds) != 1 {
		t.Fatalf("ListDefaults() = %d, %v, want 1", len(ds), err)
	}
	if n := h.trust.Count(members[1].ID, ScoreDefaulted); n != 2 {
		t.Fatalf("trust events = %d, want one per call", n)
	}

	if _, err := h.engine.Defaults.RecordDefault(h.ctx, uuid.New(), members[1].ID, dec("1")); !errors.Is(err, ErrUnknownCycle) {
		t.Fatalf("unknown cycle error = %v", err)
	}
	if _, err := h.engine.Defaults.RecordDefault(h.ctx, c.ID, members[1].ID, dec("-1")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount error = %v", err)
	}
}

func TestPaymentToSettledContributionConflicts(t *testing.T) {
	h := newHarness(t)
	circ, members := h.formCircle(3, nil)
	c := h.activate(circ.ID, RotationInput{})
	h.mustPay(c.ID, members[0].ID, "100", "full")
	if _, err := h.engine.Admin.ExcuseContribution(h.ctx, testAdminID, c.ID, members[1].ID, "travel"); err != nil {
		t.Fatalf("ExcuseContribution() error = %v", err)
	}

	for _, member := range []uuid.UUID{members[0].ID, members[1].ID} {
		_, _, err := h.pay(c.ID, member, "10", "extra-"+member.String())
		if !errors.Is(err, ErrContributionSettled) {
			t.Fatalf("error = %v, want ErrContributionSettled", err)
		}
		if Classify(err) != ClassConflict {
			t.Fatalf("Classify() = %s, want conflict", Classify(err))
		}
	}
	ct, _ := h.engine.Ledger.GetContributionStatus(h.ctx, c.ID, members[0].ID)
	if !ct.ContributedAmount.Equal(dec("100")) {
		t.Fatalf("contributed = %s, want 100", ct.ContributedAmount)
	}
}

func TestFailedPaymentWriteIsCountedOnRedelivery(t *testing.T) {
	h := newHarness(t)
	circ, members := h.formCircle(3, nil)
	c := h.activate(circ.ID, RotationInput{})

	h.faults.failApplies = 1
	if _, _, err := h.pay(c.ID, members[0].ID, "40", "bank-1"); !errors.Is(err, errStoreDown) {
		t.Fatalf("first delivery error = %v, want store failure", err)
	}
	if _, err := h.cycles.GetPayment(h.ctx, c.ID, members[0].ID, "bank-1"); !errors.Is(err, cycle.ErrPaymentNotFound) {
		t.Fatalf("payment stored after failed write: %v", err)
	}
	ct, _ := h.engine.Ledger.GetContributionStatus(h.ctx, c.ID, members[0].ID)
	if !ct.ContributedAmount.IsZero() {
		t.Fatalf("contributed after failed write = %s, want 0", ct.ContributedAmount)
	}

	ct = h.mustPay(c.ID, members[0].ID, "40", "bank-1")
	if !ct.ContributedAmount.Equal(dec("40")) || ct.Status != cycle.ContributionPartial {
		t.Fatalf("redelivery = %s %s, want partial 40", ct.ContributedAmount, ct.Status)
	}
	if got := h.cycle(c.ID); !got.CollectedAmount.Equal(dec("40")) {
		t.Fatalf("collected = %s, want 40", got.CollectedAmount)
	}
}

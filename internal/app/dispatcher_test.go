package app

import (
	"errors"
	"strings"
	"testing"
	"time"

	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
)

// fundCycle opens cycle 1 of an n-member circle and pays every member in full.
func (h *harness) fundCycle(n int) (circleID uuid.UUID, c *cycle.Cycle) {
	h.t.Helper()
	circ, members := h.formCircle(n, nil)
	c = h.activate(circ.ID, RotationInput{})
	for _, m := range members {
		h.mustPay(c.ID, m.ID, "100", "p-"+m.ID.String())
	}
	return circ.ID, c
}

func TestTransientFailuresThenSuccessCloses(t *testing.T) {
	h := newHarness(t)
	h.rail.results = []TransferResult{
		{Reason: FailureTemporaryHold},
		{Reason: FailureRailTimeout},
	}
	circleID, c := h.fundCycle(4)

	h.clock.Advance(time.Minute)
	h.tick()
	h.clock.Advance(5 * time.Minute)
	h.tick()

	got := h.cycle(c.ID)
	if got.Status != cycle.StatusClosed || got.PayoutAttempts != 3 {
		t.Fatalf("status = %s attempts = %d, want closed after 3", got.Status, got.PayoutAttempts)
	}
	want := []cycle.Status{
		cycle.StatusCollecting,
		cycle.StatusReadyPayout,
		cycle.StatusPayoutPending,
		cycle.StatusPayoutFailed,
		cycle.StatusPayoutRetry,
		cycle.StatusPayoutPending,
		cycle.StatusPayoutFailed,
		cycle.StatusPayoutRetry,
		cycle.StatusPayoutPending,
		cycle.StatusPayoutCompleted,
		cycle.StatusClosed,
	}
	if path := eventPath(t, h, c.ID); !samePath(path, want) {
		t.Fatalf("event path = %v, want %v", path, want)
	}

	events, _ := h.cycles.ListEvents(h.ctx, c.ID)
	dispatchKeys := map[string]bool{}
	for _, e := range events {
		if e.To == cycle.StatusPayoutPending {
			dispatchKeys[e.Metadata["idempotency_key"]] = true
		}
	}
	calls := h.rail.Calls()
	if len(calls) != 3 || len(dispatchKeys) != 3 {
		t.Fatalf("rail calls = %d, distinct dispatch keys = %d, want 3 and 3", len(calls), len(dispatchKeys))
	}
	for i, call := range calls {
		if !dispatchKeys[call.IdempotencyKey] {
			t.Fatalf("call %d key %q has no dispatch event", i, call.IdempotencyKey)
		}
		if !strings.HasSuffix(call.IdempotencyKey, ":"+string(rune('1'+i))) {
			t.Fatalf("call %d key = %q", i, call.IdempotencyKey)
		}
	}
	if h.notifier.Count(NotifyOperatorEscalation) != 0 {
		t.Fatalf("recovered payout escalated")
	}
	if n := h.circle(circleID).CurrentCycleNumber; n != 2 {
		t.Fatalf("current cycle number = %d, want 2", n)
	}
}

func TestHappyPathWithoutGracePeriod(t *testing.T) {
	h := newHarness(t)
	circ, members := h.formCircle(4, func(in *NewCircle) { in.Policy.GracePeriodDays = 0 })
	c := h.activate(circ.ID, RotationInput{})
	for _, m := range members {
		ct := h.mustPay(c.ID, m.ID, "100", "ontime-"+m.ID.String())
		if !ct.WasOnTime {
			t.Fatalf("payment before deadline marked late")
		}
	}

	want := []cycle.Status{
		cycle.StatusCollecting,
		cycle.StatusReadyPayout,
		cycle.StatusPayoutPending,
		cycle.StatusPayoutCompleted,
		cycle.StatusClosed,
	}
	if path := eventPath(t, h, c.ID); !samePath(path, want) {
		t.Fatalf("event path = %v, want %v", path, want)
	}
	if n := h.circle(circ.ID).CurrentCycleNumber; n != 2 {
		t.Fatalf("current cycle number = %d, want 2", n)
	}
	if !c.GraceEndsAt.Equal(c.DeadlineAt) {
		t.Fatalf("grace ends %s, deadline %s", c.GraceEndsAt, c.DeadlineAt)
	}
}

func TestPayoutRecordRetriedAfterStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.faults.failUpdatesTo(cycle.StatusPayoutCompleted, 1)
	circleID, c := h.fundCycle(2)

	if got := h.cycle(c.ID).Status; got != cycle.StatusClosed {
		t.Fatalf("status = %s, want closed once the record retry lands", got)
	}
	if n := len(h.rail.Calls()); n != 1 {
		t.Fatalf("rail calls = %d, want 1", n)
	}
	if n := h.circle(circleID).CurrentCycleNumber; n != 2 {
		t.Fatalf("current cycle number = %d, want 2", n)
	}
}

func TestStalePendingPayoutReconciledFromRail(t *testing.T) {
	h := newHarness(t)
	h.faults.failUpdatesTo(cycle.StatusPayoutCompleted, recordAttempts)
	circleID, c := h.fundCycle(2)

	if got := h.cycle(c.ID).Status; got != cycle.StatusPayoutPending {
		t.Fatalf("status = %s, want payout_pending while the result is unrecorded", got)
	}
	if _, err := h.engine.AttemptPayout(h.ctx, c.ID); !errors.Is(err, ErrDispatchInProgress) {
		t.Fatalf("AttemptPayout() error = %v, want ErrDispatchInProgress", err)
	}

	// Inside the dispatch window the tick leaves the cycle alone.
	h.tick()
	if got := h.cycle(c.ID).Status; got != cycle.StatusPayoutPending {
		t.Fatalf("status = %s, want payout_pending before the window passes", got)
	}

	h.clock.Advance(time.Minute)
	rep := h.tick()
	if rep.PayoutsReconciled != 1 {
		t.Fatalf("reconciled = %d, want 1", rep.PayoutsReconciled)
	}
	got := h.cycle(c.ID)
	if got.Status != cycle.StatusClosed || got.PayoutAttempts != 1 {
		t.Fatalf("status = %s attempts = %d, want closed after 1", got.Status, got.PayoutAttempts)
	}
	if n := len(h.rail.Calls()); n != 1 {
		t.Fatalf("rail calls = %d, want 1 (no second transfer)", n)
	}
	events, _ := h.cycles.ListEvents(h.ctx, c.ID)
	completed := events[len(events)-2]
	if completed.To != cycle.StatusPayoutCompleted || completed.Actor != cycle.ActorReconciler {
		t.Fatalf("completion event = %s by %s", completed.To, completed.Actor)
	}
	if n := h.circle(circleID).CurrentCycleNumber; n != 2 {
		t.Fatalf("current cycle number = %d, want 2", n)
	}
	if n := h.notifier.Count(NotifyPayoutSent); n != 1 {
		t.Fatalf("payout notices = %d, want 1", n)
	}
}

func TestPendingPayoutUnknownToRailIsRetried(t *testing.T) {
	h := newHarness(t)
	// The pending state is stored but its event is not, and the rail is never
	// called: what a crash right after the transition leaves behind.
	h.faults.failAppendsTo(cycle.StatusPayoutPending, 1)
	_, c := h.fundCycle(2)

	got := h.cycle(c.ID)
	if got.Status != cycle.StatusPayoutPending || len(h.rail.Calls()) != 0 {
		t.Fatalf("status = %s rail calls = %d, want stranded payout_pending", got.Status, len(h.rail.Calls()))
	}

	h.clock.Advance(time.Minute)
	h.tick()
	got = h.cycle(c.ID)
	if got.Status != cycle.StatusPayoutRetry || got.FailureReason != string(FailureUnknown) {
		t.Fatalf("status = %s reason = %q, want payout_retry after unknown transfer", got.Status, got.FailureReason)
	}

	h.clock.Advance(time.Minute)
	h.tick()
	if got := h.cycle(c.ID).Status; got != cycle.StatusClosed {
		t.Fatalf("status = %s, want closed", got)
	}
	calls := h.rail.Calls()
	if len(calls) != 1 || calls[0].IdempotencyKey != c.ID.String()+":2" {
		t.Fatalf("rail calls = %+v, want one transfer under attempt 2", calls)
	}
}

func TestFailedPendingTransitionReleasesKey(t *testing.T) {
	h := newHarness(t)
	h.faults.failUpdatesTo(cycle.StatusPayoutPending, 1)
	_, c := h.fundCycle(2)

	got := h.cycle(c.ID)
	if got.Status != cycle.StatusReadyPayout || got.PayoutAttempts != 0 {
		t.Fatalf("status = %s attempts = %d, want ready_payout with no attempt", got.Status, got.PayoutAttempts)
	}

	h.tick()
	if got := h.cycle(c.ID).Status; got != cycle.StatusClosed {
		t.Fatalf("status = %s, want closed", got)
	}
	calls := h.rail.Calls()
	if len(calls) != 1 || calls[0].IdempotencyKey != c.ID.String()+":1" {
		t.Fatalf("rail calls = %+v, want one transfer under attempt 1", calls)
	}
	if n := h.notifier.Count(NotifyOperatorEscalation); n != 0 {
		t.Fatalf("escalations = %d, want 0", n)
	}
}

func TestRailLookupErrorKeepsCyclePending(t *testing.T) {
	h := newHarness(t)
	h.faults.failUpdatesTo(cycle.StatusPayoutCompleted, recordAttempts)
	_, c := h.fundCycle(2)
	h.rail.lookupErr = errors.New("rail down")

	h.clock.Advance(time.Minute)
	rep := h.tick()
	if rep.Errors != 1 || rep.PayoutsReconciled != 0 {
		t.Fatalf("report = %+v, want one error", rep)
	}
	if got := h.cycle(c.ID).Status; got != cycle.StatusPayoutPending {
		t.Fatalf("status = %s, want payout_pending", got)
	}

	h.rail.lookupErr = nil
	h.tick()
	if got := h.cycle(c.ID).Status; got != cycle.StatusClosed {
		t.Fatalf("status = %s, want closed once the rail answers", got)
	}
}

func TestAdminResolvesStuckPayout(t *testing.T) {
	h := newHarness(t)
	h.faults.failUpdatesTo(cycle.StatusPayoutCompleted, recordAttempts)
	circleID, c := h.fundCycle(2)

	if _, err := h.engine.Admin.ResolvePayout(h.ctx, 1, c.ID, true, "wire-9", "checked"); !errors.Is(err, ErrAdminNotAuthorized) {
		t.Fatalf("ResolvePayout() by stranger error = %v", err)
	}
	status, err := h.engine.Admin.ResolvePayout(h.ctx, testAdminID, c.ID, true, "wire-9", "checked rail dashboard")
	if err != nil || status != cycle.StatusClosed {
		t.Fatalf("ResolvePayout() = %s, %v, want closed", status, err)
	}
	if n := h.circle(circleID).CurrentCycleNumber; n != 2 {
		t.Fatalf("current cycle number = %d, want 2", n)
	}
	if _, err := h.engine.Admin.ResolvePayout(h.ctx, testAdminID, c.ID, true, "wire-9", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ResolvePayout() on closed cycle error = %v", err)
	}
}

func TestAdminResolvesPayoutAsFailed(t *testing.T) {
	h := newHarness(t)
	h.faults.failUpdatesTo(cycle.StatusPayoutCompleted, recordAttempts)
	_, c := h.fundCycle(2)

	status, err := h.engine.Admin.ResolvePayout(h.ctx, testAdminID, c.ID, false, "", "rail has no record")
	if err != nil || status != cycle.StatusPayoutRetry {
		t.Fatalf("ResolvePayout(failed) = %s, %v, want payout_retry", status, err)
	}
}

func TestCompletedPayoutClosedByTick(t *testing.T) {
	h := newHarness(t)
	h.faults.failUpdatesTo(cycle.StatusClosed, recordAttempts)
	circleID, c := h.fundCycle(2)

	if got := h.cycle(c.ID).Status; got != cycle.StatusPayoutCompleted {
		t.Fatalf("status = %s, want payout_completed", got)
	}
	h.tick()
	if got := h.cycle(c.ID).Status; got != cycle.StatusClosed {
		t.Fatalf("status = %s, want closed", got)
	}
	if n := h.trust.Count(h.cycle(c.ID).RecipientID, ScorePayoutReceived); n != 1 {
		t.Fatalf("payout_received events = %d, want 1", n)
	}
	if n := h.circle(circleID).CurrentCycleNumber; n != 2 {
		t.Fatalf("current cycle number = %d, want 2", n)
	}
}

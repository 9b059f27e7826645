package cycle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusCollecting, true},
		{StatusCollecting, StatusReadyPayout, true},
		{StatusCollecting, StatusPayoutPending, false},
		{StatusDeadlineReached, StatusGracePeriod, true},
		{StatusGracePeriod, StatusDeadlineReached, false},
		{StatusPayoutPending, StatusCancelled, false},
		{StatusPayoutPending, StatusSkipped, false},
		{StatusPayoutFailed, StatusPayoutRetry, true},
		{StatusPayoutRetry, StatusPayoutPending, true},
		{StatusPayoutCompleted, StatusClosed, true},
		{StatusClosed, StatusCollecting, false},
		{StatusSkipped, StatusCancelled, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []Status{
		StatusScheduled, StatusCollecting, StatusDeadlineReached, StatusGracePeriod,
		StatusReadyPayout, StatusPayoutPending, StatusPayoutCompleted, StatusPayoutFailed,
		StatusPayoutRetry, StatusClosed, StatusSkipped, StatusCancelled,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s has exit to %s", from, to)
			}
		}
	}
	if !StatusGracePeriod.AcceptsContributions() || StatusDeadlineReached.AcceptsContributions() {
		t.Fatalf("unexpected AcceptsContributions")
	}
}

func TestContributionHelpers(t *testing.T) {
	hundred := decimal.NewFromInt(100)
	contribs := []*Contribution{
		{ExpectedAmount: hundred, ContributedAmount: hundred, Status: ContributionCompleted},
		{ExpectedAmount: hundred, ContributedAmount: hundred, Status: ContributionLate},
		{ExpectedAmount: hundred, ContributedAmount: decimal.NewFromInt(30), Status: ContributionExcused},
		{ExpectedAmount: hundred, ContributedAmount: decimal.NewFromInt(20), CoveredAmount: decimal.NewFromInt(80), Status: ContributionCovered},
	}
	if !FullyFunded(contribs) {
		t.Fatalf("FullyFunded() = false")
	}
	collected, covered := Totals(contribs)
	if !collected.Equal(decimal.NewFromInt(220)) || !covered.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("Totals() = %s, %s", collected, covered)
	}
	if got := contribs[3].Outstanding(); !got.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("Outstanding() = %s", got)
	}
	if FullyFunded(nil) {
		t.Fatalf("FullyFunded(nil) = true")
	}
	contribs = append(contribs, &Contribution{ExpectedAmount: hundred, ContributedAmount: decimal.NewFromInt(10), Status: ContributionPartial})
	if FullyFunded(contribs) {
		t.Fatalf("partial contribution counted as funded")
	}
}

func TestRetryDue(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	next := now.Add(time.Minute)
	c := &Cycle{Status: StatusPayoutRetry, NextAttemptAt: &next}
	if c.RetryDue(now) {
		t.Fatalf("retry due before NextAttemptAt")
	}
	if !c.RetryDue(next) {
		t.Fatalf("retry not due at NextAttemptAt")
	}
	c.PayoutAttempts = 2
	if c.IdempotencyKey() != c.ID.String()+":2" {
		t.Fatalf("IdempotencyKey() = %q", c.IdempotencyKey())
	}
}

// internal/domain/cycle/status.go
package cycle

// Status is the lifecycle state of a single cycle.
type Status string

const (
	StatusScheduled       Status = "scheduled"
	StatusCollecting      Status = "collecting"
	StatusDeadlineReached Status = "deadline_reached"
	StatusGracePeriod     Status = "grace_period"
	StatusReadyPayout     Status = "ready_payout"
	StatusPayoutPending   Status = "payout_pending"
	StatusPayoutCompleted Status = "payout_completed"
	StatusPayoutFailed    Status = "payout_failed"
	StatusPayoutRetry     Status = "payout_retry"
	StatusClosed          Status = "closed"
	StatusSkipped         Status = "skipped"
	StatusCancelled       Status = "cancelled"
)

// transitions lists every forward-valid edge. Anything not listed is rejected.
var transitions = map[Status][]Status{
	StatusScheduled:       {StatusCollecting, StatusSkipped, StatusCancelled},
	StatusCollecting:      {StatusReadyPayout, StatusDeadlineReached, StatusSkipped, StatusCancelled},
	StatusDeadlineReached: {StatusGracePeriod, StatusReadyPayout, StatusSkipped, StatusCancelled},
	StatusGracePeriod:     {StatusReadyPayout, StatusSkipped, StatusCancelled},
	StatusReadyPayout:     {StatusPayoutPending, StatusSkipped, StatusCancelled},
	// An in-flight payout is never cancelled or skipped directly; its result is
	// recorded first.
	StatusPayoutPending: {StatusPayoutCompleted, StatusPayoutFailed},
	// payout_failed -> payout_completed is only reachable through an explicit
	// admin override.
	StatusPayoutFailed:    {StatusPayoutRetry, StatusPayoutCompleted, StatusSkipped, StatusCancelled},
	StatusPayoutRetry:     {StatusPayoutPending, StatusSkipped, StatusCancelled},
	StatusPayoutCompleted: {StatusClosed},
}

// CanTransition reports whether from -> to is a valid edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// AcceptsContributions reports whether payments may be recorded in s.
func (s Status) AcceptsContributions() bool {
	return s == StatusCollecting || s == StatusGracePeriod
}

// IsPayoutPhase reports whether s is at or after ready_payout.
func (s Status) IsPayoutPhase() bool {
	switch s {
	case StatusReadyPayout, StatusPayoutPending, StatusPayoutCompleted, StatusPayoutFailed, StatusPayoutRetry:
		return true
	}
	return false
}

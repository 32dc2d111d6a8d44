package breaker

import "time"

// SchemaVersion guards forward compatibility of the persisted state file.
const SchemaVersion = 1

// StateKind names the three positions of the breaker state machine.
type StateKind string

const (
	StateClosed   StateKind = "closed"
	StateOpen     StateKind = "open"
	StateHalfOpen StateKind = "half_open"
)

// State is the durable circuit-breaker state. IsOpen and IsHalfOpen are never
// both true.
type State struct {
	Version             int       `json:"version"`
	IsOpen              bool      `json:"is_open"`
	IsHalfOpen          bool      `json:"is_half_open"`
	FailureCount        int       `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	DailyLoss           float64   `json:"daily_loss"`
	DailyTrades         int       `json:"daily_trades"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	LastSuccessTime     time.Time `json:"last_success_time"`
	NextAttemptTime     time.Time `json:"next_attempt_time"`
	LastResetTime       time.Time `json:"last_reset_time"`
	LastOpenReason      string    `json:"last_open_reason,omitempty"`
}

// Kind reduces the two booleans to a StateKind.
func (s State) Kind() StateKind {
	switch {
	case s.IsOpen:
		return StateOpen
	case s.IsHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// StateChange describes one transition for notification sinks.
type StateChange struct {
	From   StateKind
	To     StateKind
	Reason string
	At     time.Time
}

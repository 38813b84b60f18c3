// Package nav drives the robot base to a tour stop. A [Provider] runs
// one move to completion and reports the outcome as data: transport
// failures, cancellation and deadlines all come back as a terminal
// [Result], never as an error. Providers never retry; that is the
// caller's decision.
//
// Every move follows requested → polling → terminal, where terminal is
// one of arrived, failed, cancelled, estop or timeout.
package nav

import (
	"context"
	"strings"
	"time"
)

// State is a move state reported by a provider.
type State string

// Terminal states.
const (
	StateArrived   State = "arrived"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateEstop     State = "estop"
	StateTimeout   State = "timeout"
)

// Terminal reports whether s ends a move.
func (s State) Terminal() bool {
	switch s {
	case StateArrived, StateFailed, StateCancelled, StateEstop, StateTimeout:
		return true
	}
	return false
}

// DefaultTimeout applies when a MoveRequest carries no timeout.
const DefaultTimeout = 120 * time.Second

// Result is the final outcome of a move.
type Result struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Canceller is the cooperative cancellation latch a move polls.
// *registry.Token satisfies it.
type Canceller interface {
	Cancelled() bool
}

// MoveRequest describes one move.
type MoveRequest struct {
	ClientID  string
	RequestID string
	StopID    int
	StopName  string
	Timeout   time.Duration
}

func (r MoveRequest) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// Provider executes moves. RunMove blocks until a terminal state, the
// timeout, or cancellation through either the latch or ctx.
type Provider interface {
	RunMove(ctx context.Context, req MoveRequest, cancel Canceller) Result
}

func isCancelled(ctx context.Context, c Canceller) bool {
	return ctx.Err() != nil || (c != nil && c.Cancelled())
}

// cancelledResult carries the latch reason when the latch exposes one.
func cancelledResult(ctx context.Context, c Canceller) Result {
	if r, ok := c.(interface{ Reason() string }); ok && r.Reason() != "" {
		return Result{State: StateCancelled, Reason: r.Reason()}
	}
	if ctx.Err() != nil {
		return Result{State: StateCancelled, Reason: "context_done"}
	}
	return Result{State: StateCancelled, Reason: "cancelled"}
}

// parseState maps controller vocabularies onto terminal states. ok is
// false for in-progress or unknown states.
func parseState(s string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arrived", "succeeded", "success", "done", "reached":
		return StateArrived, true
	case "failed", "failure", "error", "aborted":
		return StateFailed, true
	case "cancelled", "canceled":
		return StateCancelled, true
	case "estop", "e-stop", "emergency_stop":
		return StateEstop, true
	case "timeout", "timed_out":
		return StateTimeout, true
	}
	return "", false
}

// stateReport is the JSON state body shared by the HTTP and MQTT
// controllers.
type stateReport struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
	Reason    string `json:"reason"`
	Error     string `json:"error"`
}

func (s stateReport) result() (Result, bool) {
	st, ok := parseState(s.State)
	if !ok {
		return Result{}, false
	}
	reason := s.Reason
	if reason == "" {
		reason = s.Error
	}
	return Result{State: st, Reason: reason}, true
}

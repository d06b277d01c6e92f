package route

import "fmt"

// DeliveryState is the per-message lifecycle state.
type DeliveryState string

const (
	StateSubmitted  DeliveryState = "submitted"
	StateQueued     DeliveryState = "queued"
	StateScored     DeliveryState = "scored"
	StateSelected   DeliveryState = "selected"
	StateDispatched DeliveryState = "dispatched"
	StateAcked      DeliveryState = "acked"
	StateFailed     DeliveryState = "failed"
	StateTimedOut   DeliveryState = "timedOut"
	StateCancelled  DeliveryState = "cancelled"
)

// transitions is the allowed edge set. A retryable failure re-enters scoring
// (failed -> scored) until the retry policy is exhausted; the deadline can
// expire while a selected attempt waits for a delivery worker or while a
// failed one waits for its retry, so both states admit timedOut.
var transitions = map[DeliveryState][]DeliveryState{
	StateSubmitted:  {StateQueued, StateFailed, StateCancelled},
	StateQueued:     {StateScored, StateFailed, StateTimedOut, StateCancelled},
	StateScored:     {StateSelected, StateFailed, StateCancelled},
	StateSelected:   {StateDispatched, StateFailed, StateTimedOut, StateCancelled},
	StateDispatched: {StateAcked, StateFailed, StateTimedOut, StateCancelled},
	StateFailed:     {StateScored, StateTimedOut},
}

// Terminal reports whether no further transition is allowed from s (failed is
// terminal only once retries are exhausted, which the caller decides).
func (s DeliveryState) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to DeliveryState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new state.
func Transition(from, to DeliveryState) (DeliveryState, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal delivery transition %s -> %s", from, to)
	}
	return to, nil
}

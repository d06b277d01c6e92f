// Package comm defines the shared error taxonomy of the communication core.
// Callers branch on these sentinels with errors.Is; subsystems wrap them with
// context via fmt.Errorf("%w: ...").
package comm

import "errors"

var (
	// ErrValidation indicates a malformed or incomplete message/request.
	ErrValidation = errors.New("validation failed")
	// ErrFull indicates an ingress queue at its high watermark.
	ErrFull = errors.New("queue full")
	// ErrDeadlineExceeded indicates a message whose deadline already passed.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrNoRoute indicates no candidate route or eligible target exists.
	ErrNoRoute = errors.New("no route available")
	// ErrAllOpen indicates every candidate failed its circuit-breaker check.
	ErrAllOpen = errors.New("all circuits open")
	// ErrAcquireTimeout indicates a pool acquire wait expired.
	ErrAcquireTimeout = errors.New("connection acquire timeout")
	// ErrCircuitOpen indicates a single endpoint's breaker rejected the call.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrTransport indicates a transport-level I/O failure.
	ErrTransport = errors.New("transport failure")
	// ErrRemoteTimeout indicates the remote side did not answer in time.
	ErrRemoteTimeout = errors.New("remote timeout")
	// ErrRemoteRejected indicates the remote side refused the message.
	ErrRemoteRejected = errors.New("remote rejected")
	// ErrUnhealthy indicates the target or agent is in a non-serving state.
	ErrUnhealthy = errors.New("unhealthy")
	// ErrCancelled indicates the caller cancelled the operation.
	ErrCancelled = errors.New("cancelled")
	// ErrPrereqFailed indicates a recovery prerequisite was not met.
	ErrPrereqFailed = errors.New("prerequisite failed")
	// ErrRecoveryFailed indicates a recovery execution ended in failure.
	ErrRecoveryFailed = errors.New("recovery failed")
)

// Retryable reports whether an error classified under the taxonomy is worth
// retrying on an alternative route or connection.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrTransport),
		errors.Is(err, ErrRemoteTimeout),
		errors.Is(err, ErrAcquireTimeout),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrUnhealthy):
		return true
	}
	return false
}

// Package message defines the message envelope, priorities, and validation
// shared by every subsystem of the communication core.
package message

import (
	"fmt"
	"time"

	"github.com/axismesh/axis/internal/comm"
)

// Priority is one of the five dispatch bands. Lower value = more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground

	// NumPriorities is the number of bands; band slices are indexed by Priority.
	NumPriorities = 5
)

var priorityNames = [NumPriorities]string{"critical", "high", "normal", "low", "background"}

func (p Priority) String() string {
	if p < 0 || p >= NumPriorities {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority maps a priority name to its band. Unknown names map to
// PriorityNormal with ok=false.
func ParsePriority(s string) (Priority, bool) {
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), true
		}
	}
	return PriorityNormal, false
}

// Valid reports whether p is one of the five defined bands.
func (p Priority) Valid() bool {
	return p >= 0 && p < NumPriorities
}

// BackoffStrategy names a retry backoff curve.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffCustom      BackoffStrategy = "custom"
)

// RetryPolicy bounds the redelivery attempts for a message or protocol.
type RetryPolicy struct {
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      BackoffStrategy `json:"backoff"`
	InitialDelay time.Duration   `json:"initial_delay"`
	MaxDelay     time.Duration   `json:"max_delay"`
	Jitter       float64         `json:"jitter"`
}

// DefaultRetryPolicy is applied when a message carries no policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		Backoff:      BackoffExponential,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Jitter:       0.2,
	}
}

// Delay returns the base wait before the given attempt (1-based). Attempt 1
// has no wait. The dispatcher adds up to Jitter*delay of random slack on top
// when it actually sleeps.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.InitialDelay <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.InitialDelay * time.Duration(attempt-1)
	case BackoffExponential, BackoffCustom, "":
		d = p.InitialDelay << (attempt - 2)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// GovernanceRequirements carries per-message governance constraints.
// TrustScoreMinimum is a pointer: nil means the trust term is omitted from
// route scoring and the remaining weights renormalize.
type GovernanceRequirements struct {
	TrustScoreMinimum      *float64 `json:"trust_score_minimum,omitempty"`
	AuditRequired          bool     `json:"audit_required"`
	ConsensusRequired      bool     `json:"consensus_required"`
	AccountabilityRequired bool     `json:"accountability_required"`
}

// Envelope is the opaque payload wrapper: subscribers decode lazily via the
// codec registry keyed by Type.
type Envelope struct {
	Type       string `json:"type"`
	SchemaHint string `json:"schema_hint,omitempty"`
	Bytes      []byte `json:"bytes"`
}

// Message is the unit of traffic through the bus. Immutable after submission.
type Message struct {
	ID            string
	Type          string
	Priority      Priority
	Source        string
	Destinations  []string // empty: resolved from Type by the router's resolver
	Payload       Envelope
	Hints         map[string]string
	CorrelationID string
	Deadline      time.Time
	Retry         RetryPolicy
	Governance    *GovernanceRequirements

	// SubmittedAt is stamped by the bus at Send time.
	SubmittedAt time.Time
}

// Validate checks the submission contract: non-empty id/type/source/payload,
// a future deadline, and a payload within maxPayloadBytes.
func (m *Message) Validate(now time.Time, maxPayloadBytes int) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", comm.ErrValidation)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: empty message id", comm.ErrValidation)
	}
	if m.Type == "" {
		return fmt.Errorf("%w: empty message type", comm.ErrValidation)
	}
	if m.Source == "" {
		return fmt.Errorf("%w: empty message source", comm.ErrValidation)
	}
	if len(m.Payload.Bytes) == 0 {
		return fmt.Errorf("%w: empty payload", comm.ErrValidation)
	}
	if maxPayloadBytes > 0 && len(m.Payload.Bytes) > maxPayloadBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds buffer %d", comm.ErrValidation, len(m.Payload.Bytes), maxPayloadBytes)
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %d", comm.ErrValidation, int(m.Priority))
	}
	if !m.Deadline.IsZero() && m.Deadline.Before(now) {
		return fmt.Errorf("%w: deadline %s already past", comm.ErrDeadlineExceeded, m.Deadline.Format(time.RFC3339))
	}
	return nil
}

// ResponseRequired reports whether the sender expects a reply, per hints.
func (m *Message) ResponseRequired() bool {
	return m.Hints["response_required"] == "true"
}

// StreamingRequired reports whether the payload should travel on a streaming
// transport, per hints.
func (m *Message) StreamingRequired() bool {
	return m.Hints["streaming"] == "true"
}

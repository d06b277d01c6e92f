// Package alert implements the alert lifecycle: creation with duplicate
// suppression, acknowledgment, escalation ladders, and terminal resolution.
package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axismesh/axis/internal/model"
)

var (
	// ErrNotFound indicates an unknown alert id.
	ErrNotFound = errors.New("alert not found")
	// ErrTerminal indicates a mutation attempt on a resolved or suppressed
	// alert. Terminal states are sticky.
	ErrTerminal = errors.New("alert in terminal state")
)

// Severity orders alerts by urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// severityRank maps severities to a comparable order.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Status is the alert lifecycle state. Resolved and suppressed are terminal.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusEscalated    Status = "escalated"
	StatusResolved     Status = "resolved"
	StatusSuppressed   Status = "suppressed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusSuppressed
}

// Acknowledgment is one ack entry. The list is append-only.
type Acknowledgment struct {
	By      string    `json:"by"`
	Comment string    `json:"comment,omitempty"`
	At      time.Time `json:"at"`
}

// Alert is one tracked alert. Mutations go through the Manager.
type Alert struct {
	ID       string   `json:"id"`
	AgentID  string   `json:"agent_id"`
	Type     string   `json:"type"`
	Metric   string   `json:"metric,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Observed float64  `json:"observed,omitempty"`
	Expected float64  `json:"expected,omitempty"`

	Status          Status           `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	LastSeen        time.Time        `json:"last_seen"`
	OccurrenceCount int              `json:"occurrence_count"`
	Acks            []Acknowledgment `json:"acks,omitempty"`

	EscalationLevel int       `json:"escalation_level"`
	LastEscalated   time.Time `json:"last_escalated,omitzero"`

	ResolvedAt time.Time `json:"resolved_at,omitzero"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
}

func (a *Alert) clone() *Alert {
	cp := *a
	cp.Acks = append([]Acknowledgment(nil), a.Acks...)
	return &cp
}

// record renders the alert as its persisted form.
func (a *Alert) record() *model.AlertRecord {
	payload, err := json.Marshal(a)
	if err != nil {
		// Alert fields are all marshalable; this cannot fire.
		payload = []byte("{}")
	}
	return &model.AlertRecord{
		AlertID:     a.ID,
		AgentID:     a.AgentID,
		Status:      string(a.Status),
		TimestampNs: a.CreatedAt.UnixNano(),
		PayloadJSON: string(payload),
	}
}

// CreateRequest describes a new alert.
type CreateRequest struct {
	AgentID  string
	Type     string
	Metric   string
	Severity Severity
	Message  string
	Observed float64
	Expected float64
}

func (r CreateRequest) dedupKey() string {
	return fmt.Sprintf("%s|%s|%s", r.AgentID, r.Type, r.Metric)
}

// NewAlert builds an active alert from a request.
func newAlert(req CreateRequest, now time.Time) *Alert {
	return &Alert{
		ID:              uuid.NewString(),
		AgentID:         req.AgentID,
		Type:            req.Type,
		Metric:          req.Metric,
		Severity:        req.Severity,
		Message:         req.Message,
		Observed:        req.Observed,
		Expected:        req.Expected,
		Status:          StatusActive,
		CreatedAt:       now,
		LastSeen:        now,
		OccurrenceCount: 1,
	}
}

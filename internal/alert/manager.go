package alert

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/axismesh/axis/internal/anomaly"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/health"
	"github.com/axismesh/axis/internal/model"
)

// Notifier delivers an alert to one channel. Implementations are opaque to
// the manager; failures are logged and never block the lifecycle.
type Notifier interface {
	Name() string
	Notify(alert Alert, escalationLevel int) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc struct {
	ChannelName string
	Fn          func(alert Alert, escalationLevel int) error
}

func (n NotifierFunc) Name() string { return n.ChannelName }

func (n NotifierFunc) Notify(a Alert, level int) error { return n.Fn(a, level) }

// Manager owns all tracked alerts.
type Manager struct {
	cfg config.AlertingConfig

	mu     sync.RWMutex
	alerts map[string]*Alert
	dedup  map[string]string // (agentId|type|metric) -> alert id, non-terminal only

	notifiers []Notifier

	// mark flags an alert dirty for the write-behind flush,
	// typically store Engine.MarkAlert.
	mark func(alertID string)
	now  func() time.Time
}

// NewManager creates an alert manager. mark may be nil when persistence is
// disabled.
func NewManager(cfg config.AlertingConfig, notifiers []Notifier, mark func(alertID string)) *Manager {
	if mark == nil {
		mark = func(string) {}
	}
	return &Manager{
		cfg:       cfg,
		alerts:    make(map[string]*Alert),
		dedup:     make(map[string]string),
		notifiers: notifiers,
		mark:      mark,
		now:       time.Now,
	}
}

// Create opens a new alert, or folds a duplicate into the existing one when
// an alert with the same (agentId, type, metric) is still open within the
// suppression window. Returns the alert and whether it was newly created.
func (m *Manager) Create(req CreateRequest) (*Alert, bool) {
	now := m.now()
	key := req.dedupKey()

	m.mu.Lock()
	if id, ok := m.dedup[key]; ok {
		if existing, ok := m.alerts[id]; ok && !existing.Status.Terminal() &&
			now.Sub(existing.LastSeen) < m.cfg.SuppressionWindow.Std() {
			existing.OccurrenceCount++
			existing.LastSeen = now
			if req.Severity.AtLeast(existing.Severity) {
				existing.Severity = req.Severity
				existing.Observed = req.Observed
			}
			snap := existing.clone()
			m.mu.Unlock()
			m.mark(snap.ID)
			return snap, false
		}
	}
	a := newAlert(req, now)
	m.alerts[a.ID] = a
	m.dedup[key] = a.ID
	snap := a.clone()
	m.mu.Unlock()

	m.mark(snap.ID)
	m.notify(*snap, 0)
	return snap, true
}

// Acknowledge records an ack and halts escalation. Acks are append-only;
// acknowledging an already-acknowledged alert adds another entry.
func (m *Manager) Acknowledge(alertID, by, comment string) error {
	m.mu.Lock()
	a, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, alertID)
	}
	if a.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, alertID, a.Status)
	}
	a.Acks = append(a.Acks, Acknowledgment{By: by, Comment: comment, At: m.now()})
	a.Status = StatusAcknowledged
	m.mu.Unlock()

	m.mark(alertID)
	return nil
}

// Resolve closes the alert. Resolution is terminal.
func (m *Manager) Resolve(alertID, by, resolution string) error {
	return m.finish(alertID, StatusResolved, by, resolution)
}

// Suppress silences the alert without resolving the underlying condition.
// Suppression is terminal; a recurrence opens a fresh alert.
func (m *Manager) Suppress(alertID, by, reason string) error {
	return m.finish(alertID, StatusSuppressed, by, reason)
}

func (m *Manager) finish(alertID string, status Status, by, note string) error {
	m.mu.Lock()
	a, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, alertID)
	}
	if a.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, alertID, a.Status)
	}
	a.Status = status
	a.ResolvedAt = m.now()
	a.ResolvedBy = by
	a.Resolution = note
	key := CreateRequest{AgentID: a.AgentID, Type: a.Type, Metric: a.Metric}.dedupKey()
	if m.dedup[key] == alertID {
		delete(m.dedup, key)
	}
	m.mu.Unlock()

	m.mark(alertID)
	return nil
}

// CheckEscalations advances the escalation ladder for unacknowledged alerts,
// moving them to the escalated status. The first step fires
// acknowledgmentTimeout after creation, later steps every escalationInterval,
// capped at maxEscalationLevel. Driven by the scheduler's scan loop.
func (m *Manager) CheckEscalations() {
	now := m.now()
	type pending struct {
		alert Alert
		level int
	}
	var due []pending

	m.mu.Lock()
	for _, a := range m.alerts {
		if (a.Status != StatusActive && a.Status != StatusEscalated) ||
			a.EscalationLevel >= m.cfg.MaxEscalationLevel {
			continue
		}
		var at time.Time
		if a.EscalationLevel == 0 {
			at = a.CreatedAt.Add(m.cfg.AcknowledgmentTimeout.Std())
		} else {
			at = a.LastEscalated.Add(m.cfg.EscalationInterval.Std())
		}
		if now.Before(at) {
			continue
		}
		a.Status = StatusEscalated
		a.EscalationLevel++
		a.LastEscalated = now
		due = append(due, pending{alert: *a.clone(), level: a.EscalationLevel})
	}
	m.mu.Unlock()

	for _, p := range due {
		m.mark(p.alert.ID)
		m.notify(p.alert, p.level)
		log.Printf("[alert] %s escalated to level %d (agent=%s, type=%s)",
			p.alert.ID, p.level, p.alert.AgentID, p.alert.Type)
	}
}

func (m *Manager) notify(a Alert, level int) {
	for _, n := range m.notifiers {
		if err := n.Notify(a, level); err != nil {
			log.Printf("[alert] notifier %s failed for %s: %v", n.Name(), a.ID, err)
		}
	}
}

// Get returns a snapshot of one alert.
func (m *Manager) Get(alertID string) (*Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// ActiveFor returns the ids of the agent's non-terminal alerts. Plugs into
// the health monitor's snapshot as its AlertsFor callback.
func (m *Manager) ActiveFor(agentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, a := range m.alerts {
		if a.AgentID == agentID && !a.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// Record renders an alert for persistence. Plugs into the store engine's
// Readers.ReadAlert; nil for unknown ids.
func (m *Manager) Record(alertID string) *model.AlertRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return nil
	}
	return a.record()
}

// OnDetection converts an anomaly detection into an alert. Plugs into the
// anomaly engine's OnDetection callback.
func (m *Manager) OnDetection(det anomaly.Detection) {
	m.Create(CreateRequest{
		AgentID:  det.AgentID,
		Type:     "anomaly",
		Metric:   det.Metric,
		Severity: severityForScore(det.Score),
		Message: fmt.Sprintf("anomalous %s: observed %.4g, expected %.4g (%s)",
			det.Metric, det.Observed, det.Expected, det.Explanation),
		Observed: det.Observed,
		Expected: det.Expected,
	})
}

// OnHealthChanged converts committed health transitions into alerts and
// resolves the open degradation alert when the agent returns to healthy.
// Plugs into the health monitor's OnHealthChanged callback.
func (m *Manager) OnHealthChanged(agentID string, from, to health.Level) {
	if to == health.Healthy || to == health.Unknown {
		for _, id := range m.ActiveFor(agentID) {
			if a, ok := m.Get(id); ok && a.Type == "health" {
				if err := m.Resolve(id, "health-monitor", "agent returned to healthy"); err != nil {
					log.Printf("[alert] auto-resolve %s: %v", id, err)
				}
			}
		}
		return
	}
	m.Create(CreateRequest{
		AgentID:  agentID,
		Type:     "health",
		Metric:   "overall",
		Severity: severityForLevel(to),
		Message:  fmt.Sprintf("agent health changed %s -> %s", from, to),
	})
}

func severityForScore(score float64) Severity {
	switch {
	case score >= 0.999:
		return SeverityCritical
	case score >= 0.99:
		return SeverityError
	default:
		return SeverityWarning
	}
}

func severityForLevel(l health.Level) Severity {
	switch l {
	case health.Critical:
		return SeverityCritical
	case health.Unhealthy:
		return SeverityError
	default:
		return SeverityWarning
	}
}

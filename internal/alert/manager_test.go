package alert

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/axismesh/axis/internal/anomaly"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/health"
)

func testManager(t *testing.T, notifiers ...Notifier) (*Manager, *time.Time) {
	t.Helper()
	cfg := config.NewDefaultRuntimeConfig().Alerting
	m := NewManager(cfg, notifiers, nil)
	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func cpuAlert() CreateRequest {
	return CreateRequest{
		AgentID:  "agent-1",
		Type:     "anomaly",
		Metric:   "cpu_usage",
		Severity: SeverityWarning,
		Message:  "cpu spike",
		Observed: 97,
		Expected: 32,
	}
}

func TestCreateAndDedup(t *testing.T) {
	m, clock := testManager(t)

	a, created := m.Create(cpuAlert())
	if !created {
		t.Fatal("first create not reported as new")
	}
	if a.Status != StatusActive || a.OccurrenceCount != 1 {
		t.Fatalf("alert = %+v", a)
	}

	// Duplicate within the suppression window folds in.
	*clock = clock.Add(time.Minute)
	dup, created := m.Create(cpuAlert())
	if created {
		t.Fatal("duplicate created a second alert")
	}
	if dup.ID != a.ID || dup.OccurrenceCount != 2 {
		t.Fatalf("dup = %+v", dup)
	}

	// A different metric is not a duplicate.
	other := cpuAlert()
	other.Metric = "mem_usage"
	if _, created := m.Create(other); !created {
		t.Fatal("different metric treated as duplicate")
	}

	// Outside the suppression window a fresh alert opens.
	*clock = clock.Add(m.cfg.SuppressionWindow.Std() + time.Second)
	fresh, created := m.Create(cpuAlert())
	if !created || fresh.ID == a.ID {
		t.Fatalf("expired window did not open a fresh alert: created=%v", created)
	}
}

func TestDedupSeverityUpgrades(t *testing.T) {
	m, _ := testManager(t)
	a, _ := m.Create(cpuAlert())

	worse := cpuAlert()
	worse.Severity = SeverityCritical
	worse.Observed = 99
	dup, _ := m.Create(worse)
	if dup.ID != a.ID || dup.Severity != SeverityCritical || dup.Observed != 99 {
		t.Fatalf("dup = %+v", dup)
	}
}

func TestAcknowledgeAppendsAndHaltsEscalation(t *testing.T) {
	m, clock := testManager(t)
	a, _ := m.Create(cpuAlert())

	if err := m.Acknowledge(a.ID, "operator", "looking"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := m.Acknowledge(a.ID, "second", ""); err != nil {
		t.Fatalf("second Acknowledge: %v", err)
	}
	got, _ := m.Get(a.ID)
	if got.Status != StatusAcknowledged || len(got.Acks) != 2 {
		t.Fatalf("alert = %+v", got)
	}

	// Acknowledged alerts never escalate.
	*clock = clock.Add(time.Hour)
	m.CheckEscalations()
	got, _ = m.Get(a.ID)
	if got.EscalationLevel != 0 {
		t.Errorf("escalation level = %d after ack", got.EscalationLevel)
	}
}

func TestEscalationLadder(t *testing.T) {
	var mu sync.Mutex
	levels := []int{}
	m, clock := testManager(t, NotifierFunc{
		ChannelName: "capture",
		Fn: func(a Alert, level int) error {
			mu.Lock()
			levels = append(levels, level)
			mu.Unlock()
			return nil
		},
	})
	a, _ := m.Create(cpuAlert())

	// Before the ack timeout nothing escalates.
	m.CheckEscalations()
	got, _ := m.Get(a.ID)
	if got.EscalationLevel != 0 {
		t.Fatalf("escalated before ack timeout")
	}

	// After the ack timeout the first level fires.
	*clock = clock.Add(m.cfg.AcknowledgmentTimeout.Std())
	m.CheckEscalations()
	got, _ = m.Get(a.ID)
	if got.EscalationLevel != 1 {
		t.Fatalf("level = %d, want 1", got.EscalationLevel)
	}

	// Each interval advances one level, capped at the maximum.
	for i := 0; i < m.cfg.MaxEscalationLevel+2; i++ {
		*clock = clock.Add(m.cfg.EscalationInterval.Std())
		m.CheckEscalations()
	}
	got, _ = m.Get(a.ID)
	if got.EscalationLevel != m.cfg.MaxEscalationLevel {
		t.Errorf("level = %d, want capped at %d", got.EscalationLevel, m.cfg.MaxEscalationLevel)
	}

	mu.Lock()
	defer mu.Unlock()
	// Creation notifies level 0, then one notification per escalation.
	want := 1 + m.cfg.MaxEscalationLevel
	if len(levels) != want {
		t.Errorf("notifications = %v, want %d entries", levels, want)
	}
}

func TestEscalationMovesStatus(t *testing.T) {
	m, clock := testManager(t)
	a, _ := m.Create(cpuAlert())

	*clock = clock.Add(m.cfg.AcknowledgmentTimeout.Std())
	m.CheckEscalations()
	got, _ := m.Get(a.ID)
	if got.Status != StatusEscalated || got.EscalationLevel != 1 {
		t.Fatalf("alert = %+v, want escalated at level 1", got)
	}

	// Escalated alerts keep climbing the ladder.
	*clock = clock.Add(m.cfg.EscalationInterval.Std())
	m.CheckEscalations()
	got, _ = m.Get(a.ID)
	if got.Status != StatusEscalated || got.EscalationLevel != 2 {
		t.Fatalf("alert = %+v, want escalated at level 2", got)
	}

	// An ack takes the alert off the ladder.
	if err := m.Acknowledge(a.ID, "operator", ""); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	*clock = clock.Add(time.Hour)
	m.CheckEscalations()
	got, _ = m.Get(a.ID)
	if got.Status != StatusAcknowledged || got.EscalationLevel != 2 {
		t.Errorf("alert = %+v, want acknowledged at level 2", got)
	}
}

func TestTerminalStatesSticky(t *testing.T) {
	m, _ := testManager(t)
	a, _ := m.Create(cpuAlert())

	if err := m.Resolve(a.ID, "operator", "restarted agent"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Acknowledge(a.ID, "late", ""); !errors.Is(err, ErrTerminal) {
		t.Errorf("ack after resolve: %v, want ErrTerminal", err)
	}
	if err := m.Resolve(a.ID, "again", ""); !errors.Is(err, ErrTerminal) {
		t.Errorf("double resolve: %v, want ErrTerminal", err)
	}
	if err := m.Suppress(a.ID, "x", ""); !errors.Is(err, ErrTerminal) {
		t.Errorf("suppress after resolve: %v, want ErrTerminal", err)
	}

	// Recurrence after resolution opens a fresh alert.
	fresh, created := m.Create(cpuAlert())
	if !created || fresh.ID == a.ID {
		t.Fatal("recurrence after resolve did not open a fresh alert")
	}
}

func TestUnknownAlertErrors(t *testing.T) {
	m, _ := testManager(t)
	if err := m.Acknowledge("missing", "x", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("ack: %v, want ErrNotFound", err)
	}
	if err := m.Resolve("missing", "x", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolve: %v, want ErrNotFound", err)
	}
}

func TestActiveForAndRecord(t *testing.T) {
	m, _ := testManager(t)
	a, _ := m.Create(cpuAlert())
	other := cpuAlert()
	other.AgentID = "agent-2"
	m.Create(other)

	ids := m.ActiveFor("agent-1")
	if len(ids) != 1 || ids[0] != a.ID {
		t.Fatalf("ActiveFor = %v", ids)
	}
	m.Resolve(a.ID, "op", "done")
	if ids := m.ActiveFor("agent-1"); len(ids) != 0 {
		t.Errorf("resolved alert still active: %v", ids)
	}

	rec := m.Record(a.ID)
	if rec == nil || rec.Status != string(StatusResolved) || rec.AgentID != "agent-1" {
		t.Errorf("record = %+v", rec)
	}
	if m.Record("missing") != nil {
		t.Error("record for unknown id not nil")
	}
}

func TestOnDetectionCreatesAnomalyAlert(t *testing.T) {
	m, _ := testManager(t)
	m.OnDetection(anomaly.Detection{
		AgentID:  "agent-1",
		Metric:   "cpu_usage",
		Observed: 97,
		Expected: 32,
		Score:    0.97,
	})
	ids := m.ActiveFor("agent-1")
	if len(ids) != 1 {
		t.Fatalf("alerts = %v", ids)
	}
	a, _ := m.Get(ids[0])
	if a.Type != "anomaly" || a.Metric != "cpu_usage" || !a.Severity.AtLeast(SeverityWarning) {
		t.Errorf("alert = %+v", a)
	}
	if a.Observed != 97 || a.Expected != 32 {
		t.Errorf("observed/expected = %v/%v", a.Observed, a.Expected)
	}
}

func TestOnHealthChangedLifecycle(t *testing.T) {
	m, _ := testManager(t)
	m.OnHealthChanged("agent-1", health.Healthy, health.Critical)
	ids := m.ActiveFor("agent-1")
	if len(ids) != 1 {
		t.Fatalf("alerts = %v", ids)
	}
	a, _ := m.Get(ids[0])
	if a.Type != "health" || a.Severity != SeverityCritical {
		t.Fatalf("alert = %+v", a)
	}

	// Returning to healthy auto-resolves the health alert.
	m.OnHealthChanged("agent-1", health.Critical, health.Healthy)
	if ids := m.ActiveFor("agent-1"); len(ids) != 0 {
		t.Errorf("health alert not resolved: %v", ids)
	}
}

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/model"
)

func TestWorseOrdering(t *testing.T) {
	cases := []struct {
		a, b, want Level
	}{
		{Healthy, Degraded, Degraded},
		{Degraded, Unhealthy, Unhealthy},
		{Unhealthy, Critical, Critical},
		{Healthy, Healthy, Healthy},
		{Unknown, Degraded, Degraded},
		{Critical, Unknown, Critical},
		{Unknown, Unknown, Unknown},
	}
	for _, c := range cases {
		if got := Worse(c.a, c.b); got != c.want {
			t.Errorf("Worse(%s, %s) = %s, want %s", c.a, c.b, got, c.want)
		}
		if got := Worse(c.b, c.a); got != c.want {
			t.Errorf("Worse(%s, %s) = %s, want %s", c.b, c.a, got, c.want)
		}
	}
}

func TestDeriveOverallCriticality(t *testing.T) {
	// A critical component at full criticality dominates.
	got := deriveOverall([]ComponentHealth{
		{Name: "performance", Level: Healthy, Criticality: 1},
		{Name: "system", Level: Critical, Criticality: 1},
	})
	if got != Critical {
		t.Errorf("overall = %s, want critical", got)
	}

	// Low-criticality components are softened one step.
	got = deriveOverall([]ComponentHealth{
		{Name: "performance", Level: Healthy, Criticality: 1},
		{Name: "custom", Level: Unhealthy, Criticality: 0.3},
	})
	if got != Degraded {
		t.Errorf("overall = %s, want degraded (softened)", got)
	}

	// All unknown stays unknown.
	got = deriveOverall([]ComponentHealth{
		{Name: "performance", Level: Unknown, Criticality: 1},
	})
	if got != Unknown {
		t.Errorf("overall = %s, want unknown", got)
	}
}

func TestClassifyTrend(t *testing.T) {
	now := time.Now()
	mv := &MetricValue{}
	for _, v := range []float64{10, 20, 30, 40, 50} {
		mv.Observe(v, now)
	}
	if mv.Trend != TrendUp && mv.Trend != TrendVolatile {
		t.Errorf("rising series trend = %s", mv.Trend)
	}

	flat := &MetricValue{}
	for _, v := range []float64{100, 100.5, 99.8, 100.2, 100} {
		flat.Observe(v, now)
	}
	if flat.Trend != TrendStable {
		t.Errorf("flat series trend = %s, want stable", flat.Trend)
	}

	spiky := &MetricValue{}
	for _, v := range []float64{10, 90, 5, 95, 12, 88} {
		spiky.Observe(v, now)
	}
	if spiky.Trend != TrendVolatile {
		t.Errorf("spiky series trend = %s, want volatile", spiky.Trend)
	}
}

func TestMetricValueStats(t *testing.T) {
	now := time.Now()
	mv := &MetricValue{}
	for _, v := range []float64{10, 30, 20} {
		mv.Observe(v, now)
	}
	if mv.Current != 20 || mv.Min != 10 || mv.Max != 30 || mv.Average != 20 {
		t.Errorf("stats = cur=%v min=%v max=%v avg=%v", mv.Current, mv.Min, mv.Max, mv.Average)
	}
}

func TestThresholdEvaluator(t *testing.T) {
	eval := ThresholdEvaluator("cpu_usage", 0.7, 0.85, 0.95)
	cases := []struct {
		v    float64
		want Level
	}{
		{0.5, Healthy},
		{0.7, Degraded},
		{0.9, Unhealthy},
		{0.99, Critical},
	}
	for _, c := range cases {
		got := eval(map[string]float64{"cpu_usage": c.v})
		if got != c.want {
			t.Errorf("eval(%v) = %s, want %s", c.v, got, c.want)
		}
	}
	if got := eval(map[string]float64{"other": 1}); got != Unknown {
		t.Errorf("eval(missing metric) = %s, want unknown", got)
	}
}

func TestLevelTrackerDamping(t *testing.T) {
	tr := &levelTracker{committed: Healthy, candidate: Healthy}
	base := time.Now()
	minDur := 30 * time.Second
	minCount := 3

	// Single bad sample does not commit.
	if lvl, changed := tr.observe(Critical, base, minDur, minCount); lvl != Healthy || changed {
		t.Fatalf("after 1 bad sample: level=%s changed=%v", lvl, changed)
	}
	// Flapping back resets the candidate.
	tr.observe(Healthy, base.Add(5*time.Second), minDur, minCount)
	if lvl, _ := tr.observe(Critical, base.Add(10*time.Second), minDur, minCount); lvl != Healthy {
		t.Fatalf("flap committed early: %s", lvl)
	}

	// Sustained degradation commits once both duration and count are met.
	tr = &levelTracker{committed: Healthy, candidate: Healthy}
	ts := base
	var committed Level
	var changed, everChanged bool
	for i := 0; i < 4; i++ {
		committed, changed = tr.observe(Unhealthy, ts, minDur, minCount)
		everChanged = everChanged || changed
		ts = ts.Add(15 * time.Second)
	}
	if committed != Unhealthy || !everChanged {
		t.Fatalf("sustained degradation not committed: level=%s changed=%v", committed, everChanged)
	}

	// Recovery is damped the same way.
	committed, changed = tr.observe(Healthy, ts, minDur, minCount)
	if committed != Unhealthy || changed {
		t.Fatalf("recovery committed on first good sample")
	}
	for i := 0; i < 3; i++ {
		ts = ts.Add(20 * time.Second)
		committed, changed = tr.observe(Healthy, ts, minDur, minCount)
	}
	if committed != Healthy {
		t.Fatalf("sustained recovery not committed: %s", committed)
	}
}

func damperlessConfig() config.HealthConfig {
	cfg := config.NewDefaultRuntimeConfig().Health
	cfg.DegradeDuration = 0
	cfg.ConsecutiveCount = 1
	return cfg
}

func staticCollector(name string, values map[string]float64) Collector {
	return CollectorFunc{
		CollectorName: name,
		Fn: func(ctx context.Context, agentID string) (map[string]float64, error) {
			return values, nil
		},
	}
}

func TestMonitorCollectAndSnapshot(t *testing.T) {
	m := NewMonitor(MonitorOptions{Config: damperlessConfig()})
	defer m.Stop()

	m.RegisterAgent("agent-1", AgentConfig{
		Interval: time.Hour, // loop idle, drive collection manually
		Components: []ComponentSpec{{
			Collector:   staticCollector("performance", map[string]float64{"response_time_ms": 42}),
			Evaluate:    ThresholdEvaluator("response_time_ms", 100, 500, 1000),
			Criticality: 1,
		}},
	})
	m.CollectOnce(context.Background(), "agent-1")

	snap, ok := m.GetAgentHealth("agent-1")
	if !ok {
		t.Fatal("agent not found")
	}
	if snap.Overall != Healthy {
		t.Errorf("overall = %s, want healthy", snap.Overall)
	}
	mv, ok := snap.Metrics["response_time_ms"]
	if !ok || mv.Current != 42 {
		t.Errorf("metric snapshot = %+v", mv)
	}
	if snap.Uptime < 0 {
		t.Errorf("uptime = %s", snap.Uptime)
	}
}

func TestMonitorHealthChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []Level

	m := NewMonitor(MonitorOptions{
		Config: damperlessConfig(),
		OnHealthChanged: func(agentID string, from, to Level) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})
	defer m.Stop()

	load := 0.5
	m.RegisterAgent("agent-1", AgentConfig{
		Interval: time.Hour,
		Components: []ComponentSpec{{
			Collector: CollectorFunc{
				CollectorName: "system",
				Fn: func(ctx context.Context, agentID string) (map[string]float64, error) {
					return map[string]float64{"cpu_usage": load}, nil
				},
			},
			Evaluate:    ThresholdEvaluator("cpu_usage", 0.7, 0.85, 0.95),
			Criticality: 1,
		}},
	})

	m.CollectOnce(context.Background(), "agent-1")
	m.CollectOnce(context.Background(), "agent-1") // no change, no callback
	load = 0.99
	m.CollectOnce(context.Background(), "agent-1")

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 {
		t.Fatalf("transitions = %v, want [healthy critical]", transitions)
	}
	if transitions[0] != Healthy || transitions[1] != Critical {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestMonitorBatchFlushOnSize(t *testing.T) {
	var mu sync.Mutex
	var flushed []model.MetricRecord

	cfg := damperlessConfig()
	cfg.BatchSize = 2
	m := NewMonitor(MonitorOptions{
		Config: cfg,
		Sink: func(records []model.MetricRecord) error {
			mu.Lock()
			flushed = append(flushed, records...)
			mu.Unlock()
			return nil
		},
	})
	defer m.Stop()

	m.RegisterAgent("agent-1", AgentConfig{
		Interval: time.Hour,
		Components: []ComponentSpec{{
			Collector: staticCollector("performance", map[string]float64{"throughput": 100}),
		}},
	})
	m.CollectOnce(context.Background(), "agent-1")
	mu.Lock()
	n := len(flushed)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("flushed before batch full: %d", n)
	}
	m.CollectOnce(context.Background(), "agent-1")
	mu.Lock()
	n = len(flushed)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("flushed = %d records, want 2", n)
	}
}

func TestMonitorBatchRequeueOnSinkFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	var got []model.MetricRecord

	cfg := damperlessConfig()
	cfg.BatchSize = 1
	m := NewMonitor(MonitorOptions{
		Config: cfg,
		Sink: func(records []model.MetricRecord) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("store unavailable")
			}
			got = append(got, records...)
			return nil
		},
	})
	defer m.Stop()

	m.RegisterAgent("agent-1", AgentConfig{
		Interval: time.Hour,
		Components: []ComponentSpec{{
			Collector: staticCollector("resource", map[string]float64{"mem_usage": 0.4}),
		}},
	})
	m.CollectOnce(context.Background(), "agent-1") // flush fails, record requeued
	m.FlushBatch()                                 // retry succeeds

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("records delivered = %d, want 1 after retry", len(got))
	}
	if got[0].AgentID != "agent-1" {
		t.Errorf("agent id = %s", got[0].AgentID)
	}
}

func TestMonitorSampleOrderAndCallback(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time

	m := NewMonitor(MonitorOptions{
		Config: damperlessConfig(),
		OnSample: func(agentID, metric string, value float64, ts time.Time) {
			mu.Lock()
			stamps = append(stamps, ts)
			mu.Unlock()
		},
	})
	defer m.Stop()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	m.RegisterAgent("agent-1", AgentConfig{
		Interval: time.Hour,
		Components: []ComponentSpec{{
			Collector: staticCollector("performance", map[string]float64{"latency": 5}),
		}},
	})
	for i := 0; i < 3; i++ {
		m.CollectOnce(context.Background(), "agent-1")
		clock = clock.Add(15 * time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 3 {
		t.Fatalf("samples = %d, want 3", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		if !stamps[i].After(stamps[i-1]) {
			t.Errorf("samples out of order: %v", stamps)
		}
	}
}

func TestMonitorDeregister(t *testing.T) {
	m := NewMonitor(MonitorOptions{Config: damperlessConfig()})
	defer m.Stop()

	m.RegisterAgent("agent-1", AgentConfig{Interval: time.Hour})
	if _, ok := m.GetAgentHealth("agent-1"); !ok {
		t.Fatal("agent missing after register")
	}
	m.DeregisterAgent("agent-1")
	if _, ok := m.GetAgentHealth("agent-1"); ok {
		t.Fatal("agent still present after deregister")
	}
	// Collecting for a gone agent is a no-op.
	m.CollectOnce(context.Background(), "agent-1")
}

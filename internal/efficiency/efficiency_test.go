package efficiency

import (
	"testing"
	"time"

	"github.com/axismesh/axis/internal/config"
)

func testMonitor(onAdaptation func(AdaptationEvent)) (*Monitor, *time.Time) {
	cfg := config.NewDefaultRuntimeConfig().Efficiency
	m := NewMonitor(cfg, onAdaptation)
	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	m.lastSnap = clock
	return m, &clock
}

func TestSnapshotPercentilesAndThroughput(t *testing.T) {
	m, clock := testMonitor(nil)
	for i := 1; i <= 100; i++ {
		m.RecordRequest(time.Duration(i)*time.Millisecond, true)
	}
	*clock = clock.Add(10 * time.Second)

	snap := m.TakeSnapshot()
	if snap.Latency.P50 < 45*time.Millisecond || snap.Latency.P50 > 55*time.Millisecond {
		t.Errorf("p50 = %s", snap.Latency.P50)
	}
	if snap.Latency.P99 < 95*time.Millisecond {
		t.Errorf("p99 = %s", snap.Latency.P99)
	}
	if snap.Latency.P50 > snap.Latency.P90 || snap.Latency.P90 > snap.Latency.P95 || snap.Latency.P95 > snap.Latency.P99 {
		t.Errorf("percentiles not monotone: %+v", snap.Latency)
	}
	if snap.ThroughputRPS != 10 {
		t.Errorf("throughput = %v rps, want 10", snap.ThroughputRPS)
	}
	if snap.Reliability < 0.99 {
		t.Errorf("reliability = %v", snap.Reliability)
	}

	// The window resets after a snapshot.
	*clock = clock.Add(10 * time.Second)
	empty := m.TakeSnapshot()
	if empty.ThroughputRPS != 0 || empty.Latency.P95 != 0 {
		t.Errorf("window not reset: %+v", empty)
	}
}

func TestReliabilityTracksFailures(t *testing.T) {
	m, _ := testMonitor(nil)
	for i := 0; i < 50; i++ {
		m.RecordRequest(10*time.Millisecond, false)
	}
	snap := m.TakeSnapshot()
	if snap.Reliability > 0.05 {
		t.Errorf("reliability = %v after all failures", snap.Reliability)
	}
	if snap.Overall >= 0.9 {
		t.Errorf("overall = %v, should reflect failures", snap.Overall)
	}
}

func TestEMABounds(t *testing.T) {
	m, _ := testMonitor(nil)
	for i := 0; i < 200; i++ {
		m.RecordUtilization(0.5)
		m.RecordGovernanceOverhead(0.1)
		m.RecordProtocolEfficiency("stream", 0.9)
		m.RecordComponentScore("router", 0.8)
	}
	snap := m.TakeSnapshot()
	if snap.Utilization < 0.49 || snap.Utilization > 0.51 {
		t.Errorf("utilization ema = %v", snap.Utilization)
	}
	if snap.Protocols["stream"] < 0.89 || snap.Protocols["stream"] > 0.91 {
		t.Errorf("protocol ema = %v", snap.Protocols["stream"])
	}
	if snap.Components["router"] < 0.79 || snap.Components["router"] > 0.81 {
		t.Errorf("component ema = %v", snap.Components["router"])
	}
	if snap.Overall < 0 || snap.Overall > 1 {
		t.Errorf("overall = %v out of range", snap.Overall)
	}
}

func TestAdaptationEventOnDegradation(t *testing.T) {
	var events []AdaptationEvent
	m, clock := testMonitor(func(e AdaptationEvent) { events = append(events, e) })

	// Establish a healthy baseline.
	for i := 0; i < 3; i++ {
		for j := 0; j < 20; j++ {
			m.RecordRequest(5*time.Millisecond, true)
		}
		*clock = clock.Add(30 * time.Second)
		m.TakeSnapshot()
	}
	if len(events) != 0 {
		t.Fatalf("events during stable traffic: %+v", events)
	}

	// Collapse reliability; the overall score drops past the threshold.
	for i := 0; i < 200; i++ {
		m.RecordRequest(2*time.Second, false)
	}
	*clock = clock.Add(30 * time.Second)
	m.TakeSnapshot()

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if !events[0].Degraded || events[0].Deviation >= 0 {
		t.Errorf("event = %+v", events[0])
	}
	if events[0].Observed >= events[0].Baseline {
		t.Errorf("observed %v not below baseline %v", events[0].Observed, events[0].Baseline)
	}
}

func TestRecentRingOrder(t *testing.T) {
	m, clock := testMonitor(nil)
	for i := 0; i < 5; i++ {
		m.RecordUtilization(float64(i) / 10)
		*clock = clock.Add(30 * time.Second)
		m.TakeSnapshot()
	}
	recent := m.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("recent = %d snapshots", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if !recent[i].TakenAt.After(recent[i-1].TakenAt) {
			t.Errorf("snapshots out of order: %v then %v", recent[i-1].TakenAt, recent[i].TakenAt)
		}
	}
	if got := m.Recent(100); len(got) != 5 {
		t.Errorf("Recent(100) = %d, want all 5", len(got))
	}
}

func TestRingWraps(t *testing.T) {
	cfg := config.NewDefaultRuntimeConfig().Efficiency
	cfg.RealtimeCapacity = 4
	m := NewMonitor(cfg, nil)
	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	m.lastSnap = clock

	for i := 0; i < 10; i++ {
		clock = clock.Add(30 * time.Second)
		m.TakeSnapshot()
	}
	recent := m.Recent(10)
	if len(recent) != 4 {
		t.Fatalf("recent = %d, want ring capacity 4", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if !recent[i].TakenAt.After(recent[i-1].TakenAt) {
			t.Errorf("wrapped ring out of order")
		}
	}
}

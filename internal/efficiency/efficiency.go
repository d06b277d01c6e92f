// Package efficiency aggregates cross-cutting performance signals: latency
// percentiles, throughput, reliability, utilization, protocol and component
// efficiency, and governance overhead. It publishes periodic snapshots and
// emits adaptation events on deviation; it never mutates other components.
package efficiency

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/axismesh/axis/internal/config"
)

// latencyRingCapacity bounds the per-window latency reservoir.
const latencyRingCapacity = 512

// Percentiles summarizes the latency distribution of the current window.
type Percentiles struct {
	P50  time.Duration `json:"p50"`
	P90  time.Duration `json:"p90"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`
	Mean time.Duration `json:"mean"`
}

// Snapshot is one published efficiency observation.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at"`

	Latency       Percentiles        `json:"latency"`
	ThroughputRPS float64            `json:"throughput_rps"`
	Reliability   float64            `json:"reliability"`
	Utilization   float64            `json:"utilization"`
	Protocols     map[string]float64 `json:"protocols,omitempty"`
	Components    map[string]float64 `json:"components,omitempty"`
	GovOverhead   float64            `json:"governance_overhead"`

	// Overall is the combined efficiency score in [0,1].
	Overall float64 `json:"overall"`
}

// AdaptationEvent signals that overall efficiency drifted beyond the
// configured threshold relative to the running baseline.
type AdaptationEvent struct {
	At        time.Time `json:"at"`
	Baseline  float64   `json:"baseline"`
	Observed  float64   `json:"observed"`
	Deviation float64   `json:"deviation"`
	Degraded  bool      `json:"degraded"`
}

// baselineAlpha is the slow EMA folding snapshots into the baseline.
const baselineAlpha = 0.05

// Monitor collects the signals and runs the snapshot loop.
type Monitor struct {
	cfg config.EfficiencyConfig

	mu        sync.Mutex
	latencies []time.Duration // window reservoir, reset per snapshot
	requests  int64           // window counter
	lastSnap  time.Time

	reliabilityEma float64
	utilizationEma float64
	govOverheadEma float64
	haveReq        bool
	haveUtil       bool
	haveGov        bool

	protocols  map[string]float64
	components map[string]float64

	baseline     float64
	haveBaseline bool

	ring     []Snapshot // realtime window, fixed capacity
	ringNext int
	ringFull bool

	onAdaptation func(AdaptationEvent)

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewMonitor creates an efficiency monitor. onAdaptation may be nil.
func NewMonitor(cfg config.EfficiencyConfig, onAdaptation func(AdaptationEvent)) *Monitor {
	m := &Monitor{
		cfg:          cfg,
		protocols:    make(map[string]float64),
		components:   make(map[string]float64),
		ring:         make([]Snapshot, cfg.RealtimeCapacity),
		onAdaptation: onAdaptation,
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
	m.lastSnap = m.now()
	return m
}

// Start launches the snapshot loop at the analysis interval.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.AnalysisInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.TakeSnapshot()
			}
		}
	}()
}

// Stop terminates the snapshot loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// RecordRequest folds one completed request into the window.
func (m *Monitor) RecordRequest(latency time.Duration, success bool) {
	outcome := 0.0
	if success {
		outcome = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if len(m.latencies) < latencyRingCapacity {
		m.latencies = append(m.latencies, latency)
	} else {
		// Reservoir is full; overwrite round-robin so the window still
		// reflects recent traffic.
		m.latencies[int(m.requests)%latencyRingCapacity] = latency
	}
	if !m.haveReq {
		m.reliabilityEma = outcome
		m.haveReq = true
		return
	}
	m.reliabilityEma = m.fold(m.reliabilityEma, outcome)
}

// RecordUtilization folds a resource utilization sample [0,1].
func (m *Monitor) RecordUtilization(u float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveUtil {
		m.utilizationEma = u
		m.haveUtil = true
		return
	}
	m.utilizationEma = m.fold(m.utilizationEma, u)
}

// RecordProtocolEfficiency folds a payload-to-wire ratio for one protocol
// profile, [0,1].
func (m *Monitor) RecordProtocolEfficiency(profileID string, ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.protocols[profileID]; ok {
		m.protocols[profileID] = m.fold(prev, ratio)
	} else {
		m.protocols[profileID] = ratio
	}
}

// RecordComponentScore folds an efficiency score [0,1] for one component.
func (m *Monitor) RecordComponentScore(component string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.components[component]; ok {
		m.components[component] = m.fold(prev, score)
	} else {
		m.components[component] = score
	}
}

// RecordGovernanceOverhead folds the share of request time spent on
// governance checks, [0,1].
func (m *Monitor) RecordGovernanceOverhead(share float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveGov {
		m.govOverheadEma = share
		m.haveGov = true
		return
	}
	m.govOverheadEma = m.fold(m.govOverheadEma, share)
}

func (m *Monitor) fold(prev, v float64) float64 {
	a := m.cfg.EMAAlpha
	return prev*(1-a) + v*a
}

// TakeSnapshot publishes the current window, appends it to the realtime
// ring, and checks the adaptation threshold.
func (m *Monitor) TakeSnapshot() Snapshot {
	now := m.now()

	m.mu.Lock()
	elapsed := now.Sub(m.lastSnap).Seconds()
	snap := Snapshot{
		TakenAt:     now,
		Latency:     percentiles(m.latencies),
		Reliability: m.reliabilityEma,
		Utilization: m.utilizationEma,
		GovOverhead: m.govOverheadEma,
		Protocols:   copyMap(m.protocols),
		Components:  copyMap(m.components),
	}
	if elapsed > 0 {
		snap.ThroughputRPS = float64(m.requests) / elapsed
	}
	snap.Overall = m.overallLocked(snap)

	m.latencies = m.latencies[:0]
	m.requests = 0
	m.lastSnap = now

	m.ring[m.ringNext] = snap
	m.ringNext = (m.ringNext + 1) % len(m.ring)
	if m.ringNext == 0 {
		m.ringFull = true
	}

	var event *AdaptationEvent
	if !m.haveBaseline {
		m.baseline = snap.Overall
		m.haveBaseline = true
	} else {
		deviation := snap.Overall - m.baseline
		if m.baseline > 0 && math.Abs(deviation)/m.baseline > m.cfg.AdaptationThreshold {
			event = &AdaptationEvent{
				At:        now,
				Baseline:  m.baseline,
				Observed:  snap.Overall,
				Deviation: deviation,
				Degraded:  deviation < 0,
			}
		}
		m.baseline = m.baseline*(1-baselineAlpha) + snap.Overall*baselineAlpha
	}
	m.mu.Unlock()

	if event != nil {
		log.Printf("[efficiency] adaptation signal: overall %.3f vs baseline %.3f (deviation %+.3f)",
			event.Observed, event.Baseline, event.Deviation)
		if m.onAdaptation != nil {
			m.onAdaptation(*event)
		}
	}
	return snap
}

// overallLocked combines the window's signals into one [0,1] score. Signals
// with no samples yet contribute their neutral value.
func (m *Monitor) overallLocked(s Snapshot) float64 {
	latencyScore := 1.0
	if s.Latency.P95 > 0 {
		latencyScore = 1 / (1 + s.Latency.P95.Seconds())
	}
	reliability := 1.0
	if m.haveReq {
		reliability = s.Reliability
	}
	headroom := 1.0
	if m.haveUtil {
		headroom = 1 - s.Utilization
	}
	govScore := 1.0
	if m.haveGov {
		govScore = 1 - s.GovOverhead
	}

	score := 0.35*reliability + 0.25*latencyScore + 0.15*headroom + 0.1*govScore
	weight := 0.85

	if avg, ok := meanMap(s.Protocols); ok {
		score += 0.1 * avg
	} else {
		score += 0.1
	}
	if avg, ok := meanMap(s.Components); ok {
		score += 0.05 * avg
	} else {
		score += 0.05
	}
	weight += 0.15
	return score / weight
}

// Recent returns up to n snapshots, newest last.
func (m *Monitor) Recent(n int) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := m.ringNext
	start := 0
	if m.ringFull {
		size = len(m.ring)
		start = m.ringNext
	}
	if n > size {
		n = size
	}
	out := make([]Snapshot, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, m.ring[(start+i)%len(m.ring)])
	}
	return out
}

// Baseline returns the current running baseline score.
func (m *Monitor) Baseline() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline, m.haveBaseline
}

func percentiles(latencies []time.Duration) Percentiles {
	if len(latencies) == 0 {
		return Percentiles{}
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	at := func(q float64) time.Duration {
		idx := int(q * float64(len(sorted)-1))
		return sorted[idx]
	}
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Percentiles{
		P50:  at(0.50),
		P90:  at(0.90),
		P95:  at(0.95),
		P99:  at(0.99),
		Mean: sum / time.Duration(len(sorted)),
	}
}

func copyMap(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func meanMap(in map[string]float64) (float64, bool) {
	if len(in) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range in {
		sum += v
	}
	return sum / float64(len(in)), true
}

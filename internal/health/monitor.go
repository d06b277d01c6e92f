package health

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/model"
)

// BatchSink receives flushed metric batches, typically store.WriteMetricBatch.
type BatchSink func(records []model.MetricRecord) error

// MonitorOptions wires the monitor's collaborators.
type MonitorOptions struct {
	Config config.HealthConfig

	// Sink receives metric batches. nil disables persistence.
	Sink BatchSink

	// OnSample is invoked for every collected metric value, in timestamp
	// order per agent. Feeds the anomaly detectors.
	OnSample func(agentID, metric string, value float64, ts time.Time)

	// OnHealthChanged fires after a damped level transition commits.
	OnHealthChanged func(agentID string, from, to Level)

	// AlertsFor supplies the agent's active alert ids for snapshots.
	AlertsFor func(agentID string) []string
}

// levelTracker damps component level transitions: a new level must persist
// for the configured duration and consecutive sample count, in both the
// degrade and recover directions.
type levelTracker struct {
	committed Level
	candidate Level
	since     time.Time
	count     int
}

func (t *levelTracker) observe(level Level, now time.Time, minDur time.Duration, minCount int) (Level, bool) {
	if level == t.committed {
		t.candidate = level
		t.count = 0
		return t.committed, false
	}
	if level != t.candidate {
		t.candidate = level
		t.since = now
		t.count = 0
	}
	t.count++
	if t.count >= minCount && now.Sub(t.since) >= minDur {
		t.committed = level
		t.count = 0
		return t.committed, true
	}
	return t.committed, false
}

// agentState is owned by the agent's collection loop (single writer);
// readers snapshot under mu.
type agentState struct {
	mu           sync.Mutex
	components   map[string]*ComponentHealth
	trackers     map[string]*levelTracker
	metrics      map[string]*MetricValue
	overall      Level
	lastBeat     time.Time
	registeredAt time.Time

	specs    []ComponentSpec
	interval time.Duration
	stopCh   chan struct{}
}

// Monitor runs the collection loops and owns every agent's health state.
type Monitor struct {
	opts   MonitorOptions
	agents *xsync.Map[string, *agentState]

	batchMu sync.Mutex
	batch   []model.MetricRecord

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewMonitor creates a monitor. Start begins the batch flush loop;
// collection loops start per RegisterAgent.
func NewMonitor(opts MonitorOptions) *Monitor {
	return &Monitor{
		opts:   opts,
		agents: xsync.NewMap[string, *agentState](),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the batch flush loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.Config.BatchFlushInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				m.FlushBatch()
				return
			case <-ticker.C:
				m.FlushBatch()
			}
		}
	}()
}

// Stop terminates every collection loop and flushes the pending batch.
func (m *Monitor) Stop() {
	m.agents.Range(func(id string, st *agentState) bool {
		close(st.stopCh)
		m.agents.Delete(id)
		return true
	})
	close(m.stopCh)
	m.wg.Wait()
}

// RegisterAgent starts monitoring an agent. Registering an existing id
// replaces its configuration and restarts its loop.
func (m *Monitor) RegisterAgent(agentID string, cfg AgentConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = m.opts.Config.DefaultCollectInterval.Std()
	}
	st := &agentState{
		components:   make(map[string]*ComponentHealth),
		trackers:     make(map[string]*levelTracker),
		metrics:      make(map[string]*MetricValue),
		overall:      Unknown,
		registeredAt: m.now(),
		specs:        cfg.Components,
		interval:     interval,
		stopCh:       make(chan struct{}),
	}
	for _, spec := range cfg.Components {
		st.components[spec.Collector.Name()] = &ComponentHealth{
			Name:        spec.Collector.Name(),
			Level:       Unknown,
			Criticality: spec.Criticality,
		}
		st.trackers[spec.Collector.Name()] = &levelTracker{committed: Unknown, candidate: Unknown}
	}

	if old, ok := m.agents.Load(agentID); ok {
		close(old.stopCh)
	}
	m.agents.Store(agentID, st)

	m.wg.Add(1)
	go m.collectLoop(agentID, st)
	log.Printf("[health] agent %s registered (interval=%s, components=%d)", agentID, interval, len(cfg.Components))
}

// DeregisterAgent stops monitoring an agent.
func (m *Monitor) DeregisterAgent(agentID string) {
	if st, ok := m.agents.LoadAndDelete(agentID); ok {
		close(st.stopCh)
	}
}

// Heartbeat merges a liveness signal for an agent.
func (m *Monitor) Heartbeat(agentID string) {
	if st, ok := m.agents.Load(agentID); ok {
		st.mu.Lock()
		st.lastBeat = m.now()
		st.mu.Unlock()
	}
}

// GetAgentHealth returns a point-in-time snapshot of an agent's health.
func (m *Monitor) GetAgentHealth(agentID string) (AgentHealth, bool) {
	st, ok := m.agents.Load(agentID)
	if !ok {
		return AgentHealth{}, false
	}
	now := m.now()

	st.mu.Lock()
	snap := AgentHealth{
		AgentID:       agentID,
		Overall:       st.overall,
		Components:    make([]ComponentHealth, 0, len(st.components)),
		Metrics:       make(map[string]MetricValue, len(st.metrics)),
		LastHeartbeat: st.lastBeat,
		Uptime:        now.Sub(st.registeredAt),
	}
	for _, c := range st.components {
		snap.Components = append(snap.Components, *c)
	}
	for name, mv := range st.metrics {
		snap.Metrics[name] = *mv
	}
	st.mu.Unlock()

	if m.opts.AlertsFor != nil {
		snap.ActiveAlerts = m.opts.AlertsFor(agentID)
	}
	return snap, true
}

// Agents returns the ids of all monitored agents.
func (m *Monitor) Agents() []string {
	out := make([]string, 0, m.agents.Size())
	m.agents.Range(func(id string, _ *agentState) bool {
		out = append(out, id)
		return true
	})
	return out
}

// CollectOnce runs a full collection cycle for one agent synchronously.
// Used by the loop and directly by tests.
func (m *Monitor) CollectOnce(ctx context.Context, agentID string) {
	st, ok := m.agents.Load(agentID)
	if !ok {
		return
	}
	now := m.now()
	all := make(map[string]float64)

	for _, spec := range st.specs {
		values, err := spec.Collector.Collect(ctx, agentID)
		if err != nil {
			log.Printf("[health] agent %s collector %s: %v", agentID, spec.Collector.Name(), err)
			continue
		}
		level := Unknown
		if spec.Evaluate != nil {
			level = spec.Evaluate(values)
		}

		st.mu.Lock()
		for name, v := range values {
			mv, ok := st.metrics[name]
			if !ok {
				mv = &MetricValue{}
				st.metrics[name] = mv
			}
			mv.Observe(v, now)
			all[name] = v
		}
		tracker := st.trackers[spec.Collector.Name()]
		committed, _ := tracker.observe(level, now, m.opts.Config.DegradeDuration.Std(), m.opts.Config.ConsecutiveCount)
		st.components[spec.Collector.Name()].Level = committed
		st.mu.Unlock()

		if m.opts.OnSample != nil {
			for name, v := range values {
				m.opts.OnSample(agentID, name, v, now)
			}
		}
	}

	st.mu.Lock()
	components := make([]ComponentHealth, 0, len(st.components))
	for _, c := range st.components {
		components = append(components, *c)
	}
	oldOverall := st.overall
	st.overall = deriveOverall(components)
	newOverall := st.overall
	st.mu.Unlock()

	if newOverall != oldOverall && m.opts.OnHealthChanged != nil {
		m.opts.OnHealthChanged(agentID, oldOverall, newOverall)
	}

	if len(all) > 0 {
		m.enqueueSample(agentID, now, all)
	}
}

func (m *Monitor) collectLoop(agentID string, st *agentState) {
	defer m.wg.Done()
	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-st.stopCh:
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CollectOnce(ctx, agentID)
		}
	}
}

// enqueueSample adds one agent sample to the batch, flushing when the batch
// size threshold is reached.
func (m *Monitor) enqueueSample(agentID string, ts time.Time, values map[string]float64) {
	payload, err := json.Marshal(values)
	if err != nil {
		log.Printf("[health] marshal sample for %s: %v", agentID, err)
		return
	}
	m.batchMu.Lock()
	m.batch = append(m.batch, model.MetricRecord{
		AgentID:     agentID,
		TimestampNs: ts.UnixNano(),
		PayloadJSON: string(payload),
	})
	full := len(m.batch) >= m.opts.Config.BatchSize
	m.batchMu.Unlock()

	if full {
		m.FlushBatch()
	}
}

// FlushBatch hands the pending batch to the sink. On sink failure the batch
// is re-queued for the next flush.
func (m *Monitor) FlushBatch() {
	if m.opts.Sink == nil {
		m.batchMu.Lock()
		m.batch = nil
		m.batchMu.Unlock()
		return
	}
	m.batchMu.Lock()
	batch := m.batch
	m.batch = nil
	m.batchMu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := m.opts.Sink(batch); err != nil {
		log.Printf("[health] batch flush failed (%d records, will retry): %v", len(batch), err)
		m.batchMu.Lock()
		m.batch = append(batch, m.batch...)
		m.batchMu.Unlock()
	}
}

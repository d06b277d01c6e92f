// Package balance implements the load balancer: the target registry, nine
// selection algorithms, the adaptive meta-selector, and per-target circuit
// breakers.
package balance

import (
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sony/gobreaker"
)

// GovernanceProfile describes a target's governance posture.
type GovernanceProfile struct {
	Trust             float64
	ComplianceLevel   float64 // [0,1]
	AuditCapable      bool
	AccountabilityOn  bool
	ConsensusCapable  bool
}

// Capacity bounds a target's concurrent work.
type Capacity struct {
	MaxConcurrent int
	CPUHeadroom   float64 // [0,1], 1 = fully idle
	MemHeadroom   float64
	NetHeadroom   float64
}

// Target is one endpoint the balancer can pick. Hot counters are atomic;
// the EMA fields are guarded by mu.
type Target struct {
	ID         string
	Endpoint   string
	Region     string
	Weight     float64 // static performance weight for weighted round-robin
	Capacity   Capacity
	Governance GovernanceProfile

	activeRequests atomic.Int64
	blacklisted    atomic.Bool
	healthy        atomic.Bool

	mu            sync.Mutex
	respTimeEma   time.Duration
	successEma    float64
	errorRateEma  float64
	throughputEma float64 // completions/sec estimate
	samples       int64
	lastCompleted time.Time

	breaker *gobreaker.TwoStepCircuitBreaker
}

// respAlpha is the EMA weight for target performance updates.
const respAlpha = 0.2

// BreakerSettings configures per-target circuit breakers.
type BreakerSettings struct {
	FailureThreshold int
	Timeout          time.Duration
}

// NewTarget creates a healthy target with its circuit breaker.
func NewTarget(id, endpoint, region string, weight float64, bs BreakerSettings) *Target {
	t := &Target{
		ID:       id,
		Endpoint: endpoint,
		Region:   region,
		Weight:   weight,
	}
	t.healthy.Store(true)
	t.successEma = 1
	t.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1, // half-open admits exactly one probe
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(bs.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[balance] breaker %s: %s -> %s", name, from, to)
		},
	})
	return t
}

// SetHealthy updates the health flag maintained by the health monitor.
func (t *Target) SetHealthy(v bool) { t.healthy.Store(v) }

// Healthy reports the health flag.
func (t *Target) Healthy() bool { return t.healthy.Load() }

// SetBlacklisted updates the blacklist flag.
func (t *Target) SetBlacklisted(v bool) { t.blacklisted.Store(v) }

// Blacklisted reports the blacklist flag.
func (t *Target) Blacklisted() bool { return t.blacklisted.Load() }

// ActiveRequests returns the in-flight request count.
func (t *Target) ActiveRequests() int64 { return t.activeRequests.Load() }

// LoadFactor is active requests over capacity, in [0,1+].
func (t *Target) LoadFactor() float64 {
	max := t.Capacity.MaxConcurrent
	if max <= 0 {
		max = 100
	}
	return float64(t.activeRequests.Load()) / float64(max)
}

// ResponseTimeEMA returns the smoothed response time.
func (t *Target) ResponseTimeEMA() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.respTimeEma
}

// SuccessRate returns the smoothed success fraction.
func (t *Target) SuccessRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.successEma
}

// ErrorRate returns the smoothed error fraction.
func (t *Target) ErrorRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorRateEma
}

// ThroughputEMA returns the smoothed completion rate, per second.
func (t *Target) ThroughputEMA() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.throughputEma
}

// ResourceScore is the composite headroom in [0,1].
func (t *Target) ResourceScore() float64 {
	c := t.Capacity
	return (c.CPUHeadroom + c.MemHeadroom + c.NetHeadroom) / 3
}

// PerformanceScore is the composite used by weighted algorithms: success
// rate damped by normalized response time.
func (t *Target) PerformanceScore() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.samples == 0 {
		return t.Weight
	}
	norm := float64(t.respTimeEma) / float64(100*time.Millisecond)
	if norm < 1 {
		norm = 1
	}
	return t.successEma / math.Sqrt(norm)
}

// begin records admission: bumps in-flight and asks the breaker for a slot.
// Returns the completion callback, or false when the circuit rejects.
func (t *Target) begin() (func(success bool), bool) {
	done, err := t.breaker.Allow()
	if err != nil {
		return nil, false
	}
	t.activeRequests.Add(1)
	return done, true
}

// BreakerAdmits reports whether the breaker would admit a request now.
func (t *Target) BreakerAdmits() bool {
	return t.breaker.State() != gobreaker.StateOpen
}

// BreakerState exposes the breaker state for snapshots.
func (t *Target) BreakerState() gobreaker.State {
	return t.breaker.State()
}

// complete folds one finished request into the EMAs.
func (t *Target) complete(success bool, latency time.Duration) {
	t.activeRequests.Add(-1)

	outcome, errOutcome := 1.0, 0.0
	if !success {
		outcome, errOutcome = 0.0, 1.0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if t.samples == 0 {
		t.respTimeEma = latency
		t.successEma = outcome
		t.errorRateEma = errOutcome
	} else {
		t.respTimeEma = time.Duration(float64(t.respTimeEma)*(1-respAlpha) + float64(latency)*respAlpha)
		t.successEma = t.successEma*(1-respAlpha) + outcome*respAlpha
		t.errorRateEma = t.errorRateEma*(1-respAlpha) + errOutcome*respAlpha
	}
	if !t.lastCompleted.IsZero() {
		if gap := now.Sub(t.lastCompleted).Seconds(); gap > 0 {
			t.throughputEma = t.throughputEma*(1-respAlpha) + (1/gap)*respAlpha
		}
	}
	t.lastCompleted = now
	t.samples++
}

// Registry holds the registered targets, keyed by id.
type Registry struct {
	targets *xsync.Map[string, *Target]
}

// NewRegistry creates an empty target registry.
func NewRegistry() *Registry {
	return &Registry{targets: xsync.NewMap[string, *Target]()}
}

// Register adds or replaces a target.
func (r *Registry) Register(t *Target) {
	r.targets.Store(t.ID, t)
}

// Deregister removes a target.
func (r *Registry) Deregister(id string) {
	r.targets.Delete(id)
}

// Get returns a target by id.
func (r *Registry) Get(id string) (*Target, bool) {
	return r.targets.Load(id)
}

// All returns a snapshot of every target.
func (r *Registry) All() []*Target {
	out := make([]*Target, 0, r.targets.Size())
	r.targets.Range(func(_ string, t *Target) bool {
		out = append(out, t)
		return true
	})
	return out
}

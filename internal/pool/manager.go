package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sony/gobreaker"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/model"
)

// ManagerOptions configures the pool manager.
type ManagerOptions struct {
	Config  config.PoolConfig
	Factory Factory

	// DefaultCaps seed every new connection's capabilities.
	DefaultCaps Capabilities

	// OnAlert receives pool remediation alerts.
	OnAlert func(poolID, reason string)

	// OnConfigChange is notified when a pool is created or removed so the
	// write-behind engine can mark the config record dirty.
	OnConfigChange func(poolID string)
}

// Manager owns one pool per (protocol, endpoint) pair plus a circuit breaker
// per endpoint. Pools are created lazily on first acquire.
type Manager struct {
	opts     ManagerOptions
	pools    *xsync.Map[string, *Pool]
	breakers *xsync.Map[string, *gobreaker.CircuitBreaker]
}

// NewManager creates an empty manager.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		opts:     opts,
		pools:    xsync.NewMap[string, *Pool](),
		breakers: xsync.NewMap[string, *gobreaker.CircuitBreaker](),
	}
}

// Acquire leases a connection from the (protocol, endpoint) pool, creating
// and starting the pool on first use.
func (m *Manager) Acquire(ctx context.Context, protocol, endpoint string, req AcquireRequest) (*Lease, error) {
	pool, err := m.poolFor(ctx, protocol, endpoint)
	if err != nil {
		return nil, err
	}
	return pool.Acquire(ctx, req)
}

// Release returns a lease to its pool. Unknown pool ids are ignored.
func (m *Manager) Release(lease *Lease, usage *Usage) {
	if lease == nil {
		return
	}
	if pool, ok := m.pools.Load(lease.PoolID); ok {
		pool.Release(lease.LeaseID, usage)
	}
}

// Get returns the pool for (protocol, endpoint), if one exists.
func (m *Manager) Get(protocol, endpoint string) (*Pool, bool) {
	return m.pools.Load(PoolID(protocol, endpoint))
}

// Allow reports whether the endpoint's circuit currently admits traffic:
// closed, or half-open with probe quota remaining.
func (m *Manager) Allow(endpoint string) bool {
	cb, ok := m.breakers.Load(endpoint)
	if !ok {
		return true
	}
	return cb.State() != gobreaker.StateOpen
}

// Do runs fn through the endpoint's circuit breaker, counting the outcome.
// An open circuit short-circuits with ErrCircuitOpen; in half-open state
// exactly one probe is admitted.
func (m *Manager) Do(endpoint string, fn func() error) error {
	cb := m.breakerFor(endpoint)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return fmt.Errorf("%w: endpoint %s", comm.ErrCircuitOpen, endpoint)
	default:
		return err
	}
}

// Sweep reclaims expired leases across all pools.
func (m *Manager) Sweep() {
	m.pools.Range(func(_ string, p *Pool) bool {
		p.Sweep()
		return true
	})
}

// EvaluateScaling runs the scaling policy across all pools.
func (m *Manager) EvaluateScaling(ctx context.Context) {
	m.pools.Range(func(_ string, p *Pool) bool {
		p.EvaluateScaling(ctx)
		return true
	})
}

// EvaluateHealth runs the health policy and remediation across all pools,
// including refilling below-minimum pools.
func (m *Manager) EvaluateHealth(ctx context.Context) {
	m.pools.Range(func(_ string, p *Pool) bool {
		p.EnsureMin(ctx)
		p.EvaluateHealth(ctx)
		return true
	})
}

// Snapshots returns per-pool statistics.
func (m *Manager) Snapshots() []Stats {
	var out []Stats
	m.pools.Range(func(_ string, p *Pool) bool {
		out = append(out, p.Snapshot())
		return true
	})
	return out
}

// ConfigRecord serializes one pool's configuration for persistence, or nil
// when the pool no longer exists.
func (m *Manager) ConfigRecord(poolID string) *model.PoolConfigRecord {
	p, ok := m.pools.Load(poolID)
	if !ok {
		return nil
	}
	blob, err := json.Marshal(p.cfg)
	if err != nil {
		log.Printf("[pool] marshal config for %s: %v", poolID, err)
		return nil
	}
	return &model.PoolConfigRecord{
		PoolID:      poolID,
		Protocol:    p.protocol,
		Endpoint:    p.endpoint,
		ConfigJSON:  string(blob),
		UpdatedAtNs: time.Now().UnixNano(),
	}
}

// Restore pre-creates pools from persisted configuration records so known
// endpoints are warm before the first acquire.
func (m *Manager) Restore(ctx context.Context, records []model.PoolConfigRecord) {
	for _, rec := range records {
		if rec.Protocol == "" || rec.Endpoint == "" {
			continue
		}
		if _, err := m.poolFor(ctx, rec.Protocol, rec.Endpoint); err != nil {
			log.Printf("[pool] restore %s: %v", rec.PoolID, err)
		}
	}
	if len(records) > 0 {
		log.Printf("[pool] restored %d pools from persisted config", len(records))
	}
}

// Close shuts down every pool.
func (m *Manager) Close() {
	m.pools.Range(func(id string, p *Pool) bool {
		p.Close()
		m.pools.Delete(id)
		return true
	})
}

func (m *Manager) poolFor(ctx context.Context, protocol, endpoint string) (*Pool, error) {
	id := PoolID(protocol, endpoint)
	pool, loaded := m.pools.LoadOrCompute(id, func() (*Pool, bool) {
		return New(Options{
			Protocol:    protocol,
			Endpoint:    endpoint,
			Config:      m.opts.Config,
			Factory:     m.opts.Factory,
			DefaultCaps: m.opts.DefaultCaps,
			OnAlert:     m.opts.OnAlert,
		}), false
	})
	if !loaded {
		if err := pool.Start(ctx); err != nil {
			log.Printf("[pool] %s started degraded: %v", id, err)
		}
		if m.opts.OnConfigChange != nil {
			m.opts.OnConfigChange(id)
		}
	}
	return pool, nil
}

// breakerFor returns (or creates) the endpoint's circuit breaker configured
// from the pool config: trips on consecutive failures, admits a single
// half-open probe, closes after the success threshold.
func (m *Manager) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	cb, _ := m.breakers.LoadOrCompute(endpoint, func() (*gobreaker.CircuitBreaker, bool) {
		cfg := m.opts.Config
		successes := uint32(cfg.BreakerSuccessThreshold)
		if successes < 1 {
			successes = 1
		}
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        endpoint,
			MaxRequests: successes,
			Timeout:     cfg.BreakerTimeout.Std(),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailureThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("[pool] breaker %s: %s -> %s", name, from, to)
			},
		}), false
	})
	return cb
}

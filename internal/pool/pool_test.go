package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/message"
)

type fakeTransport struct {
	pingErr  error
	writeErr error
	closed   atomic.Bool
}

func (f *fakeTransport) Write(_ context.Context, _ []byte) error { return f.writeErr }
func (f *fakeTransport) Ping(_ context.Context) error            { return f.pingErr }
func (f *fakeTransport) Close() error                            { f.closed.Store(true); return nil }

func okFactory(_ context.Context, _, _ string) (Transport, error) {
	return &fakeTransport{}, nil
}

func testPoolConfig() config.PoolConfig {
	cfg := config.NewDefaultRuntimeConfig().Pool
	cfg.RetryDelay = config.Duration(time.Millisecond)
	return cfg
}

func startedPool(t *testing.T, cfg config.PoolConfig, factory Factory) *Pool {
	t.Helper()
	p := New(Options{Protocol: "stream", Endpoint: "agent-a", Config: cfg, Factory: factory})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestAcquireReleaseCycle(t *testing.T) {
	p := startedPool(t, testPoolConfig(), okFactory)

	lease, err := p.Acquire(context.Background(), AcquireRequest{RequesterID: "r1", Priority: message.PriorityNormal})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := lease.Conn().Status(); got != ConnBusy {
		t.Errorf("leased connection status = %s, want busy", got)
	}

	p.Release(lease.LeaseID, &Usage{ResponseTime: 20 * time.Millisecond})
	if got := lease.Conn().Status(); got != ConnIdle {
		t.Errorf("released connection status = %s, want idle", got)
	}
	if lease.Conn().UsageCount() != 1 {
		t.Errorf("usage count = %d, want 1", lease.Conn().UsageCount())
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p := startedPool(t, testPoolConfig(), okFactory)

	lease, err := p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(lease.LeaseID, nil)
	before := p.Snapshot()
	p.Release(lease.LeaseID, nil)
	after := p.Snapshot()

	if before.Idle != after.Idle || before.Busy != after.Busy || before.Size != after.Size {
		t.Errorf("double release changed pool state: %+v vs %+v", before, after)
	}
	if lease.Conn().UsageCount() != 1 {
		t.Errorf("double release bumped usage count to %d", lease.Conn().UsageCount())
	}
}

func TestAcquireZeroTimeoutSaturated(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 1
	p := startedPool(t, cfg, okFactory)

	lease, err := p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(lease.LeaseID, nil)

	_, err = p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal, Timeout: 0})
	if !errors.Is(err, comm.ErrAcquireTimeout) {
		t.Fatalf("err = %v, want immediate ErrAcquireTimeout", err)
	}
}

func TestWaiterPriorityThenFIFO(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 1
	p := startedPool(t, cfg, okFactory)

	hold, err := p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	type result struct {
		tag   string
		lease *Lease
	}
	grants := make(chan result, 3)
	var wg sync.WaitGroup
	acquireAsync := func(tag string, prio message.Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background(), AcquireRequest{Priority: prio, Timeout: 5 * time.Second})
			if err != nil {
				t.Errorf("waiter %s: %v", tag, err)
				return
			}
			grants <- result{tag, l}
		}()
	}

	acquireAsync("low-1", message.PriorityLow)
	time.Sleep(20 * time.Millisecond)
	acquireAsync("low-2", message.PriorityLow)
	time.Sleep(20 * time.Millisecond)
	acquireAsync("critical", message.PriorityCritical)
	time.Sleep(20 * time.Millisecond)

	// Release three times; grant order must be critical, low-1, low-2.
	want := []string{"critical", "low-1", "low-2"}
	current := hold
	for _, expect := range want {
		p.Release(current.LeaseID, nil)
		got := <-grants
		if got.tag != expect {
			t.Fatalf("grant order: got %s, want %s", got.tag, expect)
		}
		current = got.lease
	}
	p.Release(current.LeaseID, nil)
	wg.Wait()
}

func TestBusyImpliesExactlyOneLease(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinSize = 2
	cfg.MaxSize = 4
	p := startedPool(t, cfg, okFactory)

	var leases []*Lease
	for i := 0; i < 4; i++ {
		l, err := p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal})
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		leases = append(leases, l)
	}

	seen := make(map[string]bool)
	for _, l := range leases {
		if seen[l.ConnectionID] {
			t.Fatalf("connection %s has two outstanding leases", l.ConnectionID)
		}
		seen[l.ConnectionID] = true
		if l.Conn().Status() != ConnBusy {
			t.Errorf("leased connection %s status = %s", l.ConnectionID, l.Conn().Status())
		}
	}
	for _, l := range leases {
		p.Release(l.LeaseID, nil)
	}
}

func TestSizeBoundsHeld(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinSize = 2
	cfg.MaxSize = 3
	p := startedPool(t, cfg, okFactory)

	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal})
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		leases = append(leases, l)
	}
	if s := p.Snapshot(); s.Size != 3 {
		t.Errorf("size = %d, want max 3", s.Size)
	}
	_, err := p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal, Timeout: 10 * time.Millisecond})
	if !errors.Is(err, comm.ErrAcquireTimeout) {
		t.Fatalf("over-max acquire err = %v, want ErrAcquireTimeout", err)
	}
	for _, l := range leases {
		p.Release(l.LeaseID, nil)
	}
	if s := p.Snapshot(); s.Size < cfg.MinSize || s.Size > cfg.MaxSize {
		t.Errorf("size %d outside [%d,%d]", s.Size, cfg.MinSize, cfg.MaxSize)
	}
}

func TestExpiredLeaseSweep(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 2
	cfg.LeaseTTL = config.Duration(time.Millisecond)
	p := startedPool(t, cfg, okFactory)

	lease, err := p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	p.Sweep()

	if got := lease.Conn().Status(); got != ConnFailed {
		t.Errorf("reclaimed connection status = %s, want failed", got)
	}
	s := p.Snapshot()
	if s.Busy != 0 {
		t.Errorf("busy = %d after sweep, want 0", s.Busy)
	}
	// Release after reclaim is a no-op.
	p.Release(lease.LeaseID, nil)

	p.EnsureMin(context.Background())
	if s := p.Snapshot(); s.Size < cfg.MinSize {
		t.Errorf("size %d below min after refill", s.Size)
	}
}

func TestValidationFailureReplacesConnection(t *testing.T) {
	bad := &fakeTransport{pingErr: errors.New("stale")}
	dialCount := 0
	factory := func(_ context.Context, _, _ string) (Transport, error) {
		dialCount++
		if dialCount == 1 {
			return bad, nil
		}
		return &fakeTransport{}, nil
	}
	cfg := testPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 2
	cfg.ValidationEnabled = true
	p := startedPool(t, cfg, factory)

	lease, err := p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Conn().Transport() == Transport(bad) {
		t.Error("validation handed out the failing connection")
	}
	if !bad.closed.Load() {
		t.Error("failing connection not closed")
	}
	p.Release(lease.LeaseID, nil)
}

func TestReactiveScaling(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinSize = 2
	cfg.MaxSize = 10
	cfg.TriggerDuration = config.Duration(0)
	cfg.ScalingCooldown = config.Duration(0)
	cfg.ScaleUpIncrement = 2
	cfg.MaxScaleUpRate = 4
	p := startedPool(t, cfg, okFactory)

	// Drive utilization to 1.0.
	var leases []*Lease
	for i := 0; i < 2; i++ {
		l, err := p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal})
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		leases = append(leases, l)
	}
	p.EvaluateScaling(context.Background())
	if s := p.Snapshot(); s.Size != 4 {
		t.Fatalf("size after scale-up = %d, want 4", s.Size)
	}

	// Utilization low: shrink back toward min, never below.
	for _, l := range leases {
		p.Release(l.LeaseID, nil)
	}
	for i := 0; i < 5; i++ {
		p.EvaluateScaling(context.Background())
	}
	if s := p.Snapshot(); s.Size < cfg.MinSize {
		t.Errorf("size %d shrank below min %d", s.Size, cfg.MinSize)
	}
}

func TestCreateFailureDegradesThenFails(t *testing.T) {
	factory := func(_ context.Context, _, _ string) (Transport, error) {
		return nil, errors.New("refused")
	}
	cfg := testPoolConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 2
	cfg.RetryAttempts = 1
	p := New(Options{Protocol: "stream", Endpoint: "agent-x", Config: cfg, Factory: factory})
	t.Cleanup(p.Close)

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with failing factory")
	}
	if s := p.Snapshot(); s.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", s.Status)
	}

	// Keep failing: pool transitions to failed and rejects all.
	for i := 0; i < 5; i++ {
		p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal, Timeout: 0})
	}
	if s := p.Snapshot(); s.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
	_, err := p.Acquire(context.Background(), AcquireRequest{Priority: message.PriorityNormal, Timeout: time.Second})
	if !errors.Is(err, comm.ErrUnhealthy) {
		t.Fatalf("failed pool acquire err = %v, want ErrUnhealthy", err)
	}
}

func TestRequirementsMatching(t *testing.T) {
	caps := Capabilities{Encrypted: true, Trust: 0.9, BandwidthMbps: 100, Latency: 20 * time.Millisecond}
	cases := []struct {
		name string
		req  Requirements
		want bool
	}{
		{"empty", Requirements{}, true},
		{"encryption ok", Requirements{Encryption: true}, true},
		{"auth missing", Requirements{Auth: true}, false},
		{"trust ok", Requirements{MinTrust: 0.8}, true},
		{"trust too high", Requirements{MinTrust: 0.95}, false},
		{"bandwidth", Requirements{MinBandwidth: 200}, false},
		{"latency", Requirements{MaxLatency: 10 * time.Millisecond}, false},
	}
	for _, tc := range cases {
		if got := tc.req.Satisfies(caps); got != tc.want {
			t.Errorf("%s: Satisfies = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestManagerBreakerLifecycle(t *testing.T) {
	cfg := testPoolConfig()
	cfg.BreakerFailureThreshold = 3
	cfg.BreakerTimeout = config.Duration(50 * time.Millisecond)
	cfg.BreakerSuccessThreshold = 1
	m := NewManager(ManagerOptions{Config: cfg, Factory: okFactory})
	t.Cleanup(m.Close)

	endpoint := "agent-t"
	boom := errors.New("transport down")
	for i := 0; i < 3; i++ {
		if err := m.Do(endpoint, func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	if m.Allow(endpoint) {
		t.Fatal("breaker still allows after threshold failures")
	}
	if err := m.Do(endpoint, func() error { return nil }); !errors.Is(err, comm.ErrCircuitOpen) {
		t.Fatalf("open breaker err = %v, want ErrCircuitOpen", err)
	}

	// After the timeout one half-open probe is admitted; success closes.
	time.Sleep(60 * time.Millisecond)
	if !m.Allow(endpoint) {
		t.Fatal("half-open breaker does not admit probe")
	}
	if err := m.Do(endpoint, func() error { return nil }); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if err := m.Do(endpoint, func() error { return nil }); err != nil {
		t.Fatalf("closed breaker: %v", err)
	}
}

func TestManagerAcquirePerEndpointPools(t *testing.T) {
	m := NewManager(ManagerOptions{Config: testPoolConfig(), Factory: okFactory})
	t.Cleanup(m.Close)

	ctx := context.Background()
	l1, err := m.Acquire(ctx, "stream", "agent-a", AcquireRequest{Priority: message.PriorityNormal})
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	l2, err := m.Acquire(ctx, "stream", "agent-b", AcquireRequest{Priority: message.PriorityNormal})
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	if l1.PoolID == l2.PoolID {
		t.Error("distinct endpoints share a pool")
	}
	m.Release(l1, nil)
	m.Release(l2, nil)

	if rec := m.ConfigRecord(l1.PoolID); rec == nil || rec.Endpoint != "agent-a" {
		t.Errorf("ConfigRecord = %+v", rec)
	}
	if len(m.Snapshots()) != 2 {
		t.Errorf("snapshots = %d, want 2", len(m.Snapshots()))
	}
}

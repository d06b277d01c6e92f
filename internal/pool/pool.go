package pool

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/message"
)

// Status is the pool lifecycle state. Transitions are monotonic through
// initializing -> active; degraded and failed are entered from active on
// persistent creation failures.
type Status int32

const (
	StatusInitializing Status = iota
	StatusActive
	StatusScaling
	StatusDegraded
	StatusFailed
	StatusMaintenance
)

var statusNames = [...]string{"initializing", "active", "scaling", "degraded", "failed", "maintenance"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// AcquireRequest asks for a connection lease.
type AcquireRequest struct {
	RequesterID  string
	Priority     message.Priority
	Timeout      time.Duration // 0 = fail immediately when nothing is idle
	Requirements Requirements
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	PoolID      string
	Protocol    string
	Endpoint    string
	Status      Status
	Size        int
	Idle        int
	Busy        int
	Waiters     int
	Utilization float64
	Acquires    int64
	Timeouts    int64
	Failures    int64
}

// Options configures a single pool.
type Options struct {
	Protocol string
	Endpoint string
	Config   config.PoolConfig
	Factory  Factory

	// DefaultCaps are assigned to newly created connections. A production
	// factory would derive these from the handshake.
	DefaultCaps Capabilities

	// OnAlert is invoked when remediation wants operator attention.
	OnAlert func(poolID, reason string)
}

// Pool manages the connections for one (protocol, endpoint) pair. One mutex
// guards the connections map, idle list, waiters, and status; per-connection
// counters are atomic.
type Pool struct {
	id       string
	protocol string
	endpoint string
	cfg      config.PoolConfig
	factory  Factory
	caps     Capabilities
	onAlert  func(poolID, reason string)

	validateSem *semaphore.Weighted

	mu        sync.Mutex
	status    Status
	conns     map[string]*Conn
	idle      []*Conn
	leases    map[string]*Lease
	waiters   waiterQueue
	waiterSeq uint64
	creating  int

	// Reactive scaling state.
	highSince  time.Time
	lowSince   time.Time
	lastScaled time.Time

	consecCreateFails int

	acquires int64
	timeouts int64
	failures int64

	now func() time.Time
}

// PoolID builds the canonical id for a (protocol, endpoint) pair.
func PoolID(protocol, endpoint string) string {
	return protocol + "|" + endpoint
}

// New creates a pool. Connections are not established until Start.
func New(opts Options) *Pool {
	cfg := opts.Config
	if cfg.ScalingAlgorithm != "" && cfg.ScalingAlgorithm != "reactive" {
		log.Printf("[pool] scaling algorithm %q not implemented, falling back to reactive", cfg.ScalingAlgorithm)
		cfg.ScalingAlgorithm = "reactive"
	}
	concurrency := cfg.ValidationConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		id:          PoolID(opts.Protocol, opts.Endpoint),
		protocol:    opts.Protocol,
		endpoint:    opts.Endpoint,
		cfg:         cfg,
		factory:     opts.Factory,
		caps:        opts.DefaultCaps,
		onAlert:     opts.OnAlert,
		validateSem: semaphore.NewWeighted(int64(concurrency)),
		status:      StatusInitializing,
		conns:       make(map[string]*Conn),
		leases:      make(map[string]*Lease),
		now:         time.Now,
	}
}

// ID returns the pool id.
func (p *Pool) ID() string { return p.id }

// Protocol returns the pool's transport protocol.
func (p *Pool) Protocol() string { return p.protocol }

// Endpoint returns the pool's endpoint.
func (p *Pool) Endpoint() string { return p.endpoint }

// Start establishes the minimum connection count and activates the pool.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.MinSize; i++ {
		conn, err := p.create(ctx)
		if err != nil {
			p.mu.Lock()
			p.status = StatusDegraded
			p.mu.Unlock()
			return fmt.Errorf("pool %s: initial fill: %w", p.id, err)
		}
		p.mu.Lock()
		p.conns[conn.ID] = conn
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	p.mu.Lock()
	p.status = StatusActive
	p.mu.Unlock()
	log.Printf("[pool] %s active with %d connections", p.id, p.cfg.MinSize)
	return nil
}

// Close releases every connection and fails outstanding waiters.
func (p *Pool) Close() {
	p.mu.Lock()
	p.status = StatusMaintenance
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	p.idle = nil
	p.leases = make(map[string]*Lease)
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	p.mu.Unlock()

	for _, c := range conns {
		c.setStatus(ConnClosed)
		c.transport.Close()
	}
}

// Acquire leases a connection satisfying the request's requirements. Waits
// up to req.Timeout respecting priority-then-FIFO order among waiters;
// Timeout 0 fails immediately with ErrAcquireTimeout when nothing is idle.
func (p *Pool) Acquire(ctx context.Context, req AcquireRequest) (*Lease, error) {
	p.mu.Lock()
	if p.status == StatusFailed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pool %s is failed", comm.ErrUnhealthy, p.id)
	}
	p.acquires++

	// Fast path: an idle connection that satisfies the requirements.
	if conn := p.takeIdleLocked(req.Requirements); conn != nil {
		lease := p.leaseLocked(conn, req.RequesterID)
		p.mu.Unlock()
		return p.validated(ctx, req, lease)
	}

	// Room to grow: create a connection for this request.
	if len(p.conns)+p.creating < p.cfg.MaxSize {
		p.creating++
		p.mu.Unlock()
		conn, err := p.create(ctx)
		p.mu.Lock()
		p.creating--
		if err == nil {
			p.conns[conn.ID] = conn
			conn.setStatus(ConnBusy)
			lease := p.leaseLocked(conn, req.RequesterID)
			p.mu.Unlock()
			return lease, nil
		}
		p.failures++
		p.noteCreateFailureLocked(err)
		// Fall through to waiting.
	}

	if req.Timeout <= 0 {
		p.timeouts++
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pool %s saturated and timeout is zero", comm.ErrAcquireTimeout, p.id)
	}

	w := &waiter{
		priority: req.Priority,
		seq:      p.waiterSeq,
		req:      req.Requirements,
		ch:       make(chan *Lease, 1),
		done:     make(chan struct{}),
	}
	p.waiterSeq++
	heap.Push(&p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()
	select {
	case lease, ok := <-w.ch:
		if !ok || lease == nil {
			return nil, fmt.Errorf("%w: pool %s closed while waiting", comm.ErrUnhealthy, p.id)
		}
		return p.validated(ctx, req, lease)
	case <-timer.C:
		p.abandonWaiter(w)
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pool %s after %s", comm.ErrAcquireTimeout, p.id, req.Timeout)
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, fmt.Errorf("%w: %v", comm.ErrCancelled, context.Cause(ctx))
	}
}

// Release returns a leased connection to idle and folds the usage into its
// metrics. Idempotent: releasing an unknown or already-released lease is a
// no-op.
func (p *Pool) Release(leaseID string, usage *Usage) {
	p.mu.Lock()
	lease, ok := p.leases[leaseID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leases, leaseID)
	conn := lease.conn

	now := p.now()
	if usage != nil {
		conn.recordUsage(now, usage.ResponseTime, usage.Errors)
	} else {
		conn.recordUsage(now, 0, 0)
	}

	if int(conn.consecutiveErrs.Load()) >= p.cfg.HealthErrorThreshold {
		p.removeConnLocked(conn)
		p.mu.Unlock()
		conn.transport.Close()
		return
	}

	conn.setStatus(ConnIdle)
	p.grantOrParkLocked(conn)
	p.mu.Unlock()
}

// Sweep reclaims expired leases: the connection is marked failed, closed,
// and removed; the pool is refilled to min on the next maintenance pass.
func (p *Pool) Sweep() {
	now := p.now()
	var reclaimed []*Conn

	p.mu.Lock()
	for id, lease := range p.leases {
		if now.After(lease.ExpiresAt) {
			delete(p.leases, id)
			p.removeConnLocked(lease.conn)
			reclaimed = append(reclaimed, lease.conn)
		}
	}
	p.mu.Unlock()

	for _, c := range reclaimed {
		c.transport.Close()
		log.Printf("[pool] %s reclaimed expired lease on connection %s", p.id, c.ID)
	}
}

// EnsureMin refills the pool to its minimum size. Called from maintenance.
func (p *Pool) EnsureMin(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.status == StatusFailed || len(p.conns)+p.creating >= p.cfg.MinSize {
			p.mu.Unlock()
			return
		}
		p.creating++
		p.mu.Unlock()

		conn, err := p.create(ctx)
		p.mu.Lock()
		p.creating--
		if err != nil {
			p.failures++
			p.noteCreateFailureLocked(err)
			p.mu.Unlock()
			return
		}
		p.conns[conn.ID] = conn
		p.grantOrParkLocked(conn)
		p.mu.Unlock()
	}
}

// EvaluateScaling applies the reactive policy: sustained utilization above
// the high threshold grows the pool, sustained low utilization shrinks it,
// with a cooldown between actions.
func (p *Pool) EvaluateScaling(ctx context.Context) {
	now := p.now()

	p.mu.Lock()
	if p.status != StatusActive && p.status != StatusScaling && p.status != StatusDegraded {
		p.mu.Unlock()
		return
	}
	util := p.utilizationLocked()

	if util > p.cfg.HighUtilization {
		if p.highSince.IsZero() {
			p.highSince = now
		}
		p.lowSince = time.Time{}
	} else if util < p.cfg.LowUtilization {
		if p.lowSince.IsZero() {
			p.lowSince = now
		}
		p.highSince = time.Time{}
	} else {
		p.highSince, p.lowSince = time.Time{}, time.Time{}
	}

	inCooldown := !p.lastScaled.IsZero() && now.Sub(p.lastScaled) < p.cfg.ScalingCooldown.Std()
	triggerDur := p.cfg.TriggerDuration.Std()

	var grow, shrink int
	switch {
	case inCooldown:
	case !p.highSince.IsZero() && now.Sub(p.highSince) >= triggerDur:
		grow = p.cfg.ScaleUpIncrement
		if grow > p.cfg.MaxScaleUpRate {
			grow = p.cfg.MaxScaleUpRate
		}
		if headroom := p.cfg.MaxSize - len(p.conns) - p.creating; grow > headroom {
			grow = headroom
		}
		if grow > 0 {
			p.status = StatusScaling
			p.creating += grow
			p.lastScaled = now
			p.highSince = time.Time{}
		}
	case !p.lowSince.IsZero() && now.Sub(p.lowSince) >= triggerDur:
		shrink = p.cfg.ScaleDownIncrement
		if floor := len(p.conns) - p.cfg.MinSize; shrink > floor {
			shrink = floor
		}
		if shrink > len(p.idle) {
			shrink = len(p.idle)
		}
		if shrink > 0 {
			p.lastScaled = now
			p.lowSince = time.Time{}
		}
	}

	var victims []*Conn
	for i := 0; i < shrink; i++ {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		delete(p.conns, conn.ID)
		conn.setStatus(ConnClosing)
		victims = append(victims, conn)
	}
	p.mu.Unlock()

	for _, c := range victims {
		c.setStatus(ConnClosed)
		c.transport.Close()
	}
	if shrink > 0 {
		log.Printf("[pool] %s scaled down by %d (utilization=%.2f)", p.id, shrink, util)
	}

	for i := 0; i < grow; i++ {
		conn, err := p.create(ctx)
		p.mu.Lock()
		p.creating--
		if err != nil {
			p.failures++
			p.noteCreateFailureLocked(err)
		} else {
			p.conns[conn.ID] = conn
			p.grantOrParkLocked(conn)
		}
		p.mu.Unlock()
	}
	if grow > 0 {
		log.Printf("[pool] %s scaled up by %d (utilization=%.2f)", p.id, grow, util)
		p.mu.Lock()
		if p.status == StatusScaling {
			p.status = StatusActive
		}
		p.mu.Unlock()
	}
}

// EvaluateHealth checks the pool health policy and runs remediation when
// enabled: failed connections are replaced and persistent trouble raises an
// operator alert.
func (p *Pool) EvaluateHealth(ctx context.Context) {
	p.mu.Lock()
	util := p.utilizationLocked()
	var failureRate float64
	if p.acquires > 0 {
		failureRate = float64(p.failures) / float64(p.acquires)
	}
	var worstResp time.Duration
	for _, c := range p.conns {
		if ema := c.ResponseTimeEMA(); ema > worstResp {
			worstResp = ema
		}
	}
	healthy := failureRate < p.cfg.FailureRateThreshold &&
		worstResp < p.cfg.P95ResponseThreshold.Std() &&
		util >= p.cfg.LowUtilization && util <= p.cfg.HighUtilization
	degraded := p.status == StatusDegraded
	remediate := p.cfg.RemediationEnabled
	p.mu.Unlock()

	if healthy || !remediate {
		return
	}
	p.EnsureMin(ctx)
	if degraded && p.onAlert != nil {
		p.onAlert(p.id, fmt.Sprintf("degraded: failure_rate=%.2f worst_resp=%s utilization=%.2f",
			failureRate, worstResp, util))
	}
}

// Snapshot returns current pool statistics.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	busy := len(p.leases)
	return Stats{
		PoolID:      p.id,
		Protocol:    p.protocol,
		Endpoint:    p.endpoint,
		Status:      p.status,
		Size:        len(p.conns),
		Idle:        len(p.idle),
		Busy:        busy,
		Waiters:     len(p.waiters),
		Utilization: p.utilizationLocked(),
		Acquires:    p.acquires,
		Timeouts:    p.timeouts,
		Failures:    p.failures,
	}
}

// --- internals ---

// create dials with the configured retry budget.
func (p *Pool) create(ctx context.Context) (*Conn, error) {
	attempts := p.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		transport, err := p.factory(ctx, p.protocol, p.endpoint)
		if err == nil {
			p.mu.Lock()
			p.consecCreateFails = 0
			if p.status == StatusDegraded {
				p.status = StatusActive
			}
			p.mu.Unlock()
			return newConn(uuid.NewString(), p.id, transport, p.caps, p.now()), nil
		}
		lastErr = err
		if attempt < attempts {
			select {
			case <-time.After(p.cfg.RetryDelay.Std()):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", comm.ErrCancelled, context.Cause(ctx))
			}
		}
	}
	return nil, fmt.Errorf("%w: dial %s: %v", comm.ErrTransport, p.endpoint, lastErr)
}

// noteCreateFailureLocked tracks consecutive creation failures and drives
// the pool to degraded, then failed. Caller holds p.mu.
func (p *Pool) noteCreateFailureLocked(err error) {
	p.consecCreateFails++
	switch {
	case p.consecCreateFails >= 3*p.cfg.RetryAttempts && p.status != StatusFailed:
		p.status = StatusFailed
		log.Printf("[pool] %s failed after %d consecutive creation failures: %v", p.id, p.consecCreateFails, err)
	case p.consecCreateFails >= p.cfg.RetryAttempts && p.status == StatusActive:
		p.status = StatusDegraded
		log.Printf("[pool] %s degraded: %v", p.id, err)
	}
}

// takeIdleLocked pops the most recently used idle connection that satisfies
// the requirements. Caller holds p.mu.
func (p *Pool) takeIdleLocked(req Requirements) *Conn {
	for i := len(p.idle) - 1; i >= 0; i-- {
		conn := p.idle[i]
		if !req.Satisfies(conn.Caps) {
			continue
		}
		p.idle = append(p.idle[:i], p.idle[i+1:]...)
		conn.setStatus(ConnBusy)
		return conn
	}
	return nil
}

// leaseLocked issues a lease for a busy connection. Caller holds p.mu.
func (p *Pool) leaseLocked(conn *Conn, requester string) *Lease {
	now := p.now()
	lease := &Lease{
		LeaseID:      uuid.NewString(),
		ConnectionID: conn.ID,
		PoolID:       p.id,
		RequesterID:  requester,
		IssuedAt:     now,
		ExpiresAt:    now.Add(p.cfg.LeaseTTL.Std()),
		conn:         conn,
	}
	p.leases[lease.LeaseID] = lease
	return lease
}

// grantOrParkLocked hands an idle connection to the best-matching waiter, or
// parks it on the idle list. Waiters are served priority-then-FIFO; a waiter
// whose requirements the connection cannot satisfy is skipped without losing
// its place. Caller holds p.mu.
func (p *Pool) grantOrParkLocked(conn *Conn) {
	var skipped []*waiter
	for p.waiters.Len() > 0 {
		w := heap.Pop(&p.waiters).(*waiter)
		select {
		case <-w.done:
			continue // abandoned
		default:
		}
		if !w.req.Satisfies(conn.Caps) {
			skipped = append(skipped, w)
			continue
		}
		for _, s := range skipped {
			heap.Push(&p.waiters, s)
		}
		conn.setStatus(ConnBusy)
		lease := p.leaseLocked(conn, "")
		w.ch <- lease
		return
	}
	for _, s := range skipped {
		heap.Push(&p.waiters, s)
	}
	conn.setStatus(ConnIdle)
	p.idle = append(p.idle, conn)
}

// abandonWaiter marks a waiter done and removes it; a lease granted in the
// race window is returned to the pool.
func (p *Pool) abandonWaiter(w *waiter) {
	close(w.done)
	p.mu.Lock()
	p.waiters.remove(w)
	p.mu.Unlock()
	select {
	case lease := <-w.ch:
		if lease != nil {
			p.Release(lease.LeaseID, nil)
		}
	default:
	}
}

// removeConnLocked marks a connection failed and drops it from the pool.
// Caller holds p.mu.
func (p *Pool) removeConnLocked(conn *Conn) {
	conn.setStatus(ConnFailed)
	delete(p.conns, conn.ID)
	for i, c := range p.idle {
		if c == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
}

// utilizationLocked is busy / total. Caller holds p.mu.
func (p *Pool) utilizationLocked() float64 {
	total := len(p.conns)
	if total == 0 {
		return 0
	}
	return float64(len(p.leases)) / float64(total)
}

// validated runs the optional pre-use probe. A failed probe fails the
// connection and retries the acquire with the remaining budget exhausted to
// a single fast retry.
func (p *Pool) validated(ctx context.Context, req AcquireRequest, lease *Lease) (*Lease, error) {
	if !p.cfg.ValidationEnabled {
		return lease, nil
	}
	conn := lease.conn
	if !conn.casStatus(ConnBusy, ConnValidating) {
		return lease, nil
	}
	if err := p.validateSem.Acquire(ctx, 1); err != nil {
		conn.casStatus(ConnValidating, ConnBusy)
		return lease, nil
	}
	err := conn.transport.Ping(ctx)
	p.validateSem.Release(1)
	if err == nil {
		conn.casStatus(ConnValidating, ConnBusy)
		return lease, nil
	}

	conn.errorCount.Add(1)
	p.mu.Lock()
	delete(p.leases, lease.LeaseID)
	p.removeConnLocked(conn)
	p.mu.Unlock()
	conn.transport.Close()
	log.Printf("[pool] %s validation failed for connection %s: %v", p.id, conn.ID, err)

	retry := req
	retry.Timeout = 0
	lease, rerr := p.Acquire(ctx, retry)
	if rerr != nil {
		return nil, fmt.Errorf("%w: validation failed and no replacement: %v", comm.ErrTransport, err)
	}
	return lease, nil
}

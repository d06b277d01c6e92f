// Package pool implements the connection pool manager: per-endpoint pools
// with leasing, validation, reactive scaling, health remediation, and
// per-endpoint circuit breakers.
package pool

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// Transport is the minimal surface the pool needs from an established
// connection. Implementations are protocol-specific and supplied by the
// connection factory.
type Transport interface {
	// Write sends one frame. Honors ctx cancellation.
	Write(ctx context.Context, frame []byte) error
	// Ping probes liveness. Used by pre-acquire validation.
	Ping(ctx context.Context) error
	Close() error
}

// Factory establishes a new transport to an endpoint.
type Factory func(ctx context.Context, protocol, endpoint string) (Transport, error)

// ConnStatus is the lifecycle state of one pooled connection.
type ConnStatus int32

const (
	ConnCreating ConnStatus = iota
	ConnIdle
	ConnBusy
	ConnValidating
	ConnFailed
	ConnClosing
	ConnClosed
)

var connStatusNames = [...]string{"creating", "idle", "busy", "validating", "failed", "closing", "closed"}

func (s ConnStatus) String() string {
	if int(s) < len(connStatusNames) {
		return connStatusNames[s]
	}
	return "unknown"
}

// Capabilities describes what a connection offers, matched against
// Requirements at acquire time.
type Capabilities struct {
	Encrypted     bool
	Authenticated bool
	Trust         float64
	BandwidthMbps float64
	Latency       time.Duration
}

// Requirements constrains which connections satisfy an acquire request.
// Zero values impose no constraint.
type Requirements struct {
	Encryption    bool
	Auth          bool
	MinTrust      float64
	MinBandwidth  float64
	MaxLatency    time.Duration
	AuditRequired bool
}

// Satisfies reports whether caps meet the requirements.
func (r Requirements) Satisfies(caps Capabilities) bool {
	if r.Encryption && !caps.Encrypted {
		return false
	}
	if r.Auth && !caps.Authenticated {
		return false
	}
	if r.MinTrust > 0 && caps.Trust < r.MinTrust {
		return false
	}
	if r.MinBandwidth > 0 && caps.BandwidthMbps < r.MinBandwidth {
		return false
	}
	if r.MaxLatency > 0 && caps.Latency > r.MaxLatency {
		return false
	}
	return true
}

// respTimeAlpha is the EMA weight for per-connection response times.
const respTimeAlpha = 0.2

// Conn is one pooled connection. Status and counters use atomics so hot-path
// updates avoid the pool lock; structural changes (maps, idle list) are
// guarded by the owning pool's mutex.
type Conn struct {
	ID       string
	PoolID   string
	Caps     Capabilities
	Metadata map[string]string

	transport Transport
	createdAt time.Time

	status     atomic.Int32
	lastUsedNs atomic.Int64
	usageCount atomic.Int64
	errorCount atomic.Int64

	// consecutiveErrs drives the failed transition at the health threshold.
	consecutiveErrs atomic.Int32

	// respTimeEmaNs is the EMA of observed response times, updated lock-free.
	respTimeEmaNs atomic.Int64
}

func newConn(id, poolID string, t Transport, caps Capabilities, now time.Time) *Conn {
	c := &Conn{
		ID:        id,
		PoolID:    poolID,
		Caps:      caps,
		transport: t,
		createdAt: now,
	}
	c.status.Store(int32(ConnIdle))
	c.lastUsedNs.Store(now.UnixNano())
	return c
}

// Status returns the current lifecycle state.
func (c *Conn) Status() ConnStatus {
	return ConnStatus(c.status.Load())
}

func (c *Conn) setStatus(s ConnStatus) {
	c.status.Store(int32(s))
}

// casStatus transitions from one specific state to another, atomically.
func (c *Conn) casStatus(from, to ConnStatus) bool {
	return c.status.CompareAndSwap(int32(from), int32(to))
}

// Transport returns the underlying transport.
func (c *Conn) Transport() Transport {
	return c.transport
}

// CreatedAt returns the establishment time.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// LastUsed returns the time of the most recent lease activity.
func (c *Conn) LastUsed() time.Time {
	return time.Unix(0, c.lastUsedNs.Load())
}

// UsageCount returns how many leases this connection has served.
func (c *Conn) UsageCount() int64 {
	return c.usageCount.Load()
}

// ErrorCount returns the total errors observed on this connection.
func (c *Conn) ErrorCount() int64 {
	return c.errorCount.Load()
}

// ResponseTimeEMA returns the smoothed response time.
func (c *Conn) ResponseTimeEMA() time.Duration {
	return time.Duration(c.respTimeEmaNs.Load())
}

// recordUsage folds one completed lease into the connection's counters.
// Usage and error counters only ever grow.
func (c *Conn) recordUsage(now time.Time, respTime time.Duration, errs int) {
	c.lastUsedNs.Store(now.UnixNano())
	c.usageCount.Add(1)
	if errs > 0 {
		c.errorCount.Add(int64(errs))
		c.consecutiveErrs.Add(int32(errs))
	} else {
		c.consecutiveErrs.Store(0)
	}
	if respTime > 0 {
		for {
			old := c.respTimeEmaNs.Load()
			var next int64
			if old == 0 {
				next = int64(respTime)
			} else {
				next = int64(math.Round(float64(old)*(1-respTimeAlpha) + float64(respTime)*respTimeAlpha))
			}
			if c.respTimeEmaNs.CompareAndSwap(old, next) {
				break
			}
		}
	}
}

package protocol

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/maypok86/otter"
)

// bucketLatencyWindow is the sample count used for the P95 estimate.
const bucketLatencyWindow = 64

// BucketStats holds the measured performance for one (profile, message-type)
// bucket: TD-EWMA success rate and latency plus a bounded latency window for
// percentile estimates.
type BucketStats struct {
	SuccessEwma time.Duration // stored as duration-scaled fraction, see below
	LatencyEwma time.Duration
	LastUpdated time.Time

	// Baselines captured at the last adaptation; deviation from these fires
	// the next adaptation trigger.
	BaselineSuccess float64
	BaselineP95     time.Duration

	successRate float64
	samples     int
	latencies   []time.Duration // ring, newest overwrite oldest
	latNext     int
	latFilled   bool
}

// SuccessRate returns the EWMA success fraction in [0,1].
func (b *BucketStats) SuccessRate() float64 { return b.successRate }

// Samples returns the number of observations recorded.
func (b *BucketStats) Samples() int { return b.samples }

// P95 estimates the 95th-percentile latency over the retained window.
func (b *BucketStats) P95() time.Duration {
	n := b.latNext
	if b.latFilled {
		n = len(b.latencies)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, b.latencies[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (n*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

// BucketKey identifies one performance bucket.
type BucketKey struct {
	ProfileID   string
	MessageType string
}

// PerfTable is a bounded, thread-safe performance table keyed by
// (profile, message-type), backed by an otter cache with LRU eviction.
type PerfTable struct {
	mu          sync.Mutex
	cache       otter.Cache[BucketKey, *BucketStats]
	decayWindow time.Duration
	now         func() time.Time
}

// NewPerfTable creates a table bounded to maxEntries buckets with the given
// TD-EWMA decay window.
func NewPerfTable(maxEntries int, decayWindow time.Duration) *PerfTable {
	cache, err := otter.MustBuilder[BucketKey, *BucketStats](maxEntries).
		Cost(func(_ BucketKey, _ *BucketStats) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("protocol: failed to create perf table: " + err.Error())
	}
	return &PerfTable{cache: cache, decayWindow: decayWindow, now: time.Now}
}

// Record folds one delivery outcome into the bucket's EWMAs.
//
// TD-EWMA weight = exp(-Δt / decayWindow); the first observation seeds the
// averages with the raw sample.
func (t *PerfTable) Record(key BucketKey, success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	stats, found := t.cache.Get(key)
	if !found {
		stats = &BucketStats{
			LatencyEwma: latency,
			LastUpdated: now,
			successRate: outcome,
			samples:     1,
			latencies:   make([]time.Duration, bucketLatencyWindow),
		}
		stats.latencies[0] = latency
		stats.latNext = 1
		t.cache.Set(key, stats)
		return
	}

	dt := now.Sub(stats.LastUpdated).Seconds()
	decay := t.decayWindow.Seconds()
	if decay <= 0 {
		decay = 1
	}
	weight := math.Exp(-dt / decay)

	stats.LatencyEwma = time.Duration(float64(stats.LatencyEwma)*weight + float64(latency)*(1-weight))
	stats.successRate = stats.successRate*weight + outcome*(1-weight)
	stats.LastUpdated = now
	stats.samples++
	stats.latencies[stats.latNext] = latency
	stats.latNext = (stats.latNext + 1) % len(stats.latencies)
	if stats.latNext == 0 {
		stats.latFilled = true
	}
	t.cache.Set(key, stats)
}

// Get returns the stats for a bucket, if present. Callers must treat the
// returned value as read-only.
func (t *PerfTable) Get(key BucketKey) (*BucketStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Get(key)
}

// SetBaseline records the current success rate and P95 as the bucket's
// adaptation baseline.
func (t *PerfTable) SetBaseline(key BucketKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stats, found := t.cache.Get(key); found {
		stats.BaselineSuccess = stats.successRate
		stats.BaselineP95 = stats.P95()
		t.cache.Set(key, stats)
	}
}

// Close releases the underlying cache.
func (t *PerfTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Close()
}

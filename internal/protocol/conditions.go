package protocol

import (
	"log"
	"sync"
	"time"
)

// NetworkConditions is one sample of the observed network state. Quality,
// stability, packet loss, and congestion are normalized to [0,1].
type NetworkConditions struct {
	Timestamp     time.Time
	BandwidthMbps float64
	LatencyMs     float64
	PacketLoss    float64
	JitterMs      float64
	Stability     float64
	Congestion    float64
	Quality       float64
}

// CongestionHigh is the threshold above which congestion is treated as an
// adaptation trigger.
const CongestionHigh = 0.8

// SampleFunc produces one network-condition measurement.
type SampleFunc func() NetworkConditions

// Sampler keeps the most recent sample plus a bounded ring of history.
type Sampler struct {
	mu      sync.RWMutex
	current NetworkConditions
	history []NetworkConditions // ring, capacity fixed at construction
	next    int                 // ring write cursor
	filled  bool

	sample   SampleFunc
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSampler creates a sampler with the given measurement function, cadence,
// and history capacity. The initial current sample is a neutral baseline so
// selection works before the first real measurement.
func NewSampler(sample SampleFunc, interval time.Duration, historySize int) *Sampler {
	if historySize < 1 {
		historySize = 1
	}
	return &Sampler{
		current: NetworkConditions{
			Timestamp: time.Now(),
			Stability: 1,
			Quality:   1,
		},
		history:  make([]NetworkConditions, historySize),
		sample:   sample,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic sampling loop.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Observe(s.sample())
			}
		}
	}()
	log.Printf("[protocol] network sampler started (interval=%s, history=%d)", s.interval, len(s.history))
}

// Stop terminates the sampling loop.
func (s *Sampler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Observe records a sample as the current state and appends it to history.
// Exposed so tests and external probes can inject measurements.
func (s *Sampler) Observe(c NetworkConditions) {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.current = c
	s.history[s.next] = c
	s.next = (s.next + 1) % len(s.history)
	if s.next == 0 {
		s.filled = true
	}
	s.mu.Unlock()
}

// Current returns the most recent sample.
func (s *Sampler) Current() NetworkConditions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// History returns the retained samples, oldest first.
func (s *Sampler) History() []NetworkConditions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.filled {
		out := make([]NetworkConditions, s.next)
		copy(out, s.history[:s.next])
		return out
	}
	out := make([]NetworkConditions, 0, len(s.history))
	out = append(out, s.history[s.next:]...)
	out = append(out, s.history[:s.next]...)
	return out
}

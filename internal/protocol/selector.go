package protocol

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/message"
)

// Trigger names an observed condition that caused (or would cause) a profile
// re-evaluation for a bucket.
type Trigger string

const (
	TriggerLatencyDegraded Trigger = "latency_degraded"
	TriggerSuccessDegraded Trigger = "success_degraded"
	TriggerCongestionHigh  Trigger = "congestion_high"
	TriggerOperatorForced  Trigger = "operator_forced"
)

// latencyDegradedRatio is the P95/baseline ratio that fires
// TriggerLatencyDegraded.
const latencyDegradedRatio = 1.5

// Expected carries the selector's delivery estimates for deadline planning.
type Expected struct {
	Latency        time.Duration
	ThroughputMbps float64
	Reliability    float64
}

// bucketState tracks the active profile for one message-type bucket.
// Adaptation switches affect new picks only; in-flight messages keep the
// profile they were picked with.
type bucketState struct {
	mu          sync.Mutex
	activeID    string
	lastAdapted time.Time
	forced      bool
}

// Selector picks a transport profile per message given current network
// conditions, message characteristics, and measured history.
type Selector struct {
	cfg      config.ProtocolConfig
	registry *Registry
	perf     *PerfTable
	buckets  *xsync.Map[string, *bucketState]
	now      func() time.Time
}

// NewSelector creates a selector over the given registry.
func NewSelector(cfg config.ProtocolConfig, registry *Registry) *Selector {
	return &Selector{
		cfg:      cfg,
		registry: registry,
		perf:     NewPerfTable(4096, cfg.PerfDecayWindow.Std()),
		buckets:  xsync.NewMap[string, *bucketState](),
		now:      time.Now,
	}
}

// Pick returns the profile id to use for msg under the given conditions,
// any adaptation triggers observed for the message-type bucket, and the
// expected delivery characteristics.
func (s *Selector) Pick(msg *message.Message, cond NetworkConditions) (string, []Trigger, Expected) {
	state, _ := s.buckets.LoadOrCompute(msg.Type, func() (*bucketState, bool) {
		return &bucketState{}, false
	})

	state.mu.Lock()
	defer state.mu.Unlock()

	now := s.now()
	triggers := s.evaluateTriggers(state, msg.Type, cond)

	switch {
	case state.activeID == "":
		// First pick for the bucket.
		state.activeID = s.best(msg, cond)
		state.lastAdapted = now
		s.perf.SetBaseline(BucketKey{ProfileID: state.activeID, MessageType: msg.Type})
	case len(triggers) > 0 && (state.forced || now.Sub(state.lastAdapted) >= s.cfg.AdaptationCooldown.Std()):
		winner := s.best(msg, cond)
		if winner != state.activeID {
			log.Printf("[protocol] bucket %q adapting %s -> %s (triggers=%v)",
				msg.Type, state.activeID, winner, triggers)
			state.activeID = winner
		}
		state.lastAdapted = now
		state.forced = false
		s.perf.SetBaseline(BucketKey{ProfileID: state.activeID, MessageType: msg.Type})
	}

	return state.activeID, triggers, s.expected(state.activeID, msg.Type, cond)
}

// ForceAdapt marks a bucket for operator-forced re-evaluation on the next
// pick, bypassing the cooldown.
func (s *Selector) ForceAdapt(messageType string) {
	state, _ := s.buckets.LoadOrCompute(messageType, func() (*bucketState, bool) {
		return &bucketState{}, false
	})
	state.mu.Lock()
	state.forced = true
	state.mu.Unlock()
}

// Record feeds one delivery outcome into the performance table.
func (s *Selector) Record(profileID, messageType string, success bool, latency time.Duration) {
	s.perf.Record(BucketKey{ProfileID: profileID, MessageType: messageType}, success, latency)
}

// Active returns the currently active profile for a bucket, if any.
func (s *Selector) Active(messageType string) (string, bool) {
	state, ok := s.buckets.Load(messageType)
	if !ok {
		return "", false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.activeID, state.activeID != ""
}

// Close releases the performance table.
func (s *Selector) Close() {
	s.perf.Close()
}

// evaluateTriggers checks the active bucket's stats against its baselines
// and the current network state. Caller holds state.mu.
func (s *Selector) evaluateTriggers(state *bucketState, messageType string, cond NetworkConditions) []Trigger {
	var triggers []Trigger
	if state.forced {
		triggers = append(triggers, TriggerOperatorForced)
	}
	if cond.Congestion >= CongestionHigh {
		triggers = append(triggers, TriggerCongestionHigh)
	}
	if state.activeID == "" {
		return triggers
	}
	stats, found := s.perf.Get(BucketKey{ProfileID: state.activeID, MessageType: messageType})
	if !found || stats.Samples() == 0 {
		return triggers
	}
	if stats.BaselineP95 > 0 {
		if float64(stats.P95())/float64(stats.BaselineP95) > latencyDegradedRatio {
			triggers = append(triggers, TriggerLatencyDegraded)
		}
	}
	if stats.BaselineSuccess > 0 && stats.SuccessRate() < stats.BaselineSuccess-s.cfg.AdaptationThreshold {
		triggers = append(triggers, TriggerSuccessDegraded)
	}
	return triggers
}

// best scores every registered profile and returns the highest-suitability
// id, with lexicographic id as the deterministic tie-break.
func (s *Selector) best(msg *message.Message, cond NetworkConditions) string {
	profiles := s.registry.All()
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })

	bestID, bestScore := "", -1.0
	for _, p := range profiles {
		score := s.suitability(p, msg, cond)
		if score > bestScore {
			bestID, bestScore = p.ID, score
		}
	}
	return bestID
}

// suitability is the weighted sum of network fit, message fit, and measured
// history for one profile.
func (s *Selector) suitability(p Profile, msg *message.Message, cond NetworkConditions) float64 {
	return s.cfg.NetworkWeight*networkFit(p, cond) +
		s.cfg.MessageWeight*messageFit(p, msg) +
		s.cfg.HistoryWeight*s.historyFit(p.ID, msg.Type)
}

// networkFit scores how well current conditions suit the profile, in [0,1].
func networkFit(p Profile, cond NetworkConditions) float64 {
	fit := cond.Quality*cond.Stability - 0.5*cond.Congestion
	if !p.ConnectionOriented {
		// Datagram transports degrade directly with loss.
		fit -= cond.PacketLoss
	}
	if cond.BandwidthMbps > 0 && cond.BandwidthMbps < p.MinBandwidthMbps {
		fit *= 0.5
	}
	return clamp01(fit)
}

// messageFit scores the profile against message characteristics, in [0,1].
func messageFit(p Profile, msg *message.Message) float64 {
	fit := 0.4 * p.PayloadFit(len(msg.Payload.Bytes))
	if !msg.ResponseRequired() || p.Duplex {
		fit += 0.2
	}
	if !msg.StreamingRequired() || p.Streaming {
		fit += 0.2
	}
	if msg.Hints["encryption_required"] != "true" || p.NativeEncryption {
		fit += 0.2
	}
	return fit
}

// historyFit scores the measured EMA of success × inverse latency for the
// (profile, message-type) bucket. Buckets without data score neutral.
func (s *Selector) historyFit(profileID, messageType string) float64 {
	stats, found := s.perf.Get(BucketKey{ProfileID: profileID, MessageType: messageType})
	if !found || stats.Samples() == 0 {
		return 0.5
	}
	normLatency := float64(stats.LatencyEwma) / float64(100*time.Millisecond)
	if normLatency < 1 {
		normLatency = 1
	}
	return clamp01(stats.SuccessRate() / normLatency)
}

// expected builds the delivery estimate for the chosen profile.
func (s *Selector) expected(profileID, messageType string, cond NetworkConditions) Expected {
	exp := Expected{Reliability: 0.99}
	p, ok := s.registry.Get(profileID)
	if ok {
		exp.Latency = p.SetupTime + time.Duration(cond.LatencyMs*float64(time.Millisecond))
		exp.ThroughputMbps = cond.BandwidthMbps
		if exp.ThroughputMbps == 0 || (p.MinBandwidthMbps > 0 && exp.ThroughputMbps > 0 && p.MinBandwidthMbps > exp.ThroughputMbps) {
			exp.ThroughputMbps = p.MinBandwidthMbps
		}
	}
	if stats, found := s.perf.Get(BucketKey{ProfileID: profileID, MessageType: messageType}); found && stats.Samples() > 0 {
		exp.Latency = stats.LatencyEwma
		exp.Reliability = stats.SuccessRate()
	}
	return exp
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package route

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/message"
)

// Algorithm picks one route among scored candidates. Implementations must
// not mutate the candidate slice.
type Algorithm interface {
	Name() string
	ChooseRoute(msg *message.Message, candidates []Route) (Route, error)
}

// AlgorithmRegistry maps algorithm ids to implementations.
type AlgorithmRegistry struct {
	mu   sync.RWMutex
	algs map[string]Algorithm
}

// NewAlgorithmRegistry returns a registry seeded with the built-in
// algorithms.
func NewAlgorithmRegistry() *AlgorithmRegistry {
	r := &AlgorithmRegistry{algs: make(map[string]Algorithm)}
	adaptive := NewAdaptiveAlgorithm()
	for _, a := range []Algorithm{
		shortestPath{},
		loadAware{latencyBound: 2 * time.Second},
		trustBased{},
		latencyOptimized{},
		bandwidthOptimized{},
		adaptive,
	} {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an algorithm.
func (r *AlgorithmRegistry) Register(a Algorithm) {
	r.mu.Lock()
	r.algs[a.Name()] = a
	r.mu.Unlock()
}

// Get returns an algorithm by name.
func (r *AlgorithmRegistry) Get(name string) (Algorithm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.algs[name]
	return a, ok
}

// Adaptive returns the registered adaptive algorithm, if present, so reward
// signals can be fed back.
func (r *AlgorithmRegistry) Adaptive() (*AdaptiveAlgorithm, bool) {
	a, ok := r.Get("adaptive")
	if !ok {
		return nil, false
	}
	adaptive, ok := a.(*AdaptiveAlgorithm)
	return adaptive, ok
}

func noCandidates(name string) error {
	return fmt.Errorf("%w: %s has no candidates", comm.ErrNoRoute, name)
}

// shortestPath minimizes graph hop count; cost order breaks ties.
type shortestPath struct{}

func (shortestPath) Name() string { return "shortest_path" }

func (shortestPath) ChooseRoute(_ *message.Message, candidates []Route) (Route, error) {
	if len(candidates) == 0 {
		return Route{}, noCandidates("shortest_path")
	}
	best := candidates[0]
	for _, r := range candidates[1:] {
		if len(r.Hops) < len(best.Hops) ||
			(len(r.Hops) == len(best.Hops) && r.CostScore < best.CostScore) {
			best = r
		}
	}
	return best, nil
}

// loadAware minimizes load factor among routes within the latency bound.
// When nothing fits the bound, the lowest-latency route is used.
type loadAware struct {
	latencyBound time.Duration
}

func (loadAware) Name() string { return "load_aware" }

func (a loadAware) ChooseRoute(_ *message.Message, candidates []Route) (Route, error) {
	if len(candidates) == 0 {
		return Route{}, noCandidates("load_aware")
	}
	var best *Route
	for i := range candidates {
		r := &candidates[i]
		if r.EstLatency > a.latencyBound {
			continue
		}
		if best == nil || r.LoadFactor < best.LoadFactor {
			best = r
		}
	}
	if best == nil {
		return latencyOptimized{}.ChooseRoute(nil, candidates)
	}
	return *best, nil
}

// trustBased maximizes trust at or above the message's minimum, then
// minimizes cost. Routes without a trust value score zero trust.
type trustBased struct{}

func (trustBased) Name() string { return "trust_based" }

func (trustBased) ChooseRoute(msg *message.Message, candidates []Route) (Route, error) {
	if len(candidates) == 0 {
		return Route{}, noCandidates("trust_based")
	}
	minTrust := 0.0
	if msg != nil && msg.Governance != nil && msg.Governance.TrustScoreMinimum != nil {
		minTrust = *msg.Governance.TrustScoreMinimum
	}
	trustOf := func(r Route) float64 {
		if r.Trust == nil {
			return 0
		}
		return *r.Trust
	}

	var best *Route
	for i := range candidates {
		r := &candidates[i]
		if trustOf(*r) < minTrust {
			continue
		}
		if best == nil ||
			trustOf(*r) > trustOf(*best) ||
			(trustOf(*r) == trustOf(*best) && r.CostScore < best.CostScore) {
			best = r
		}
	}
	if best == nil {
		return Route{}, fmt.Errorf("%w: no candidate meets trust minimum %.2f", comm.ErrNoRoute, minTrust)
	}
	return *best, nil
}

// latencyOptimized minimizes estimated latency.
type latencyOptimized struct{}

func (latencyOptimized) Name() string { return "latency_optimized" }

func (latencyOptimized) ChooseRoute(_ *message.Message, candidates []Route) (Route, error) {
	if len(candidates) == 0 {
		return Route{}, noCandidates("latency_optimized")
	}
	best := candidates[0]
	for _, r := range candidates[1:] {
		if r.EstLatency < best.EstLatency ||
			(r.EstLatency == best.EstLatency && r.CostScore < best.CostScore) {
			best = r
		}
	}
	return best, nil
}

// bandwidthOptimized maximizes sustainable throughput for large payloads.
type bandwidthOptimized struct{}

func (bandwidthOptimized) Name() string { return "bandwidth_optimized" }

func (bandwidthOptimized) ChooseRoute(_ *message.Message, candidates []Route) (Route, error) {
	if len(candidates) == 0 {
		return Route{}, noCandidates("bandwidth_optimized")
	}
	best := candidates[0]
	for _, r := range candidates[1:] {
		if r.EstBandwidth > best.EstBandwidth ||
			(r.EstBandwidth == best.EstBandwidth && r.CostScore < best.CostScore) {
			best = r
		}
	}
	return best, nil
}

// rewardAlpha is the EWMA weight for adaptive reward updates.
const rewardAlpha = 0.2

// AdaptiveAlgorithm delegates to the other algorithms, keeping a per
// message-type reward EWMA for each delegate and picking the best-rewarded
// one. Unexplored delegates score a neutral reward so they still get tried.
type AdaptiveAlgorithm struct {
	delegates []Algorithm
	rewards   *xsync.Map[string, float64] // key: messageType + "|" + algorithm
}

// NewAdaptiveAlgorithm creates the adaptive meta-algorithm with the standard
// delegate set.
func NewAdaptiveAlgorithm() *AdaptiveAlgorithm {
	return &AdaptiveAlgorithm{
		delegates: []Algorithm{
			shortestPath{},
			loadAware{latencyBound: 2 * time.Second},
			trustBased{},
			latencyOptimized{},
			bandwidthOptimized{},
		},
		rewards: xsync.NewMap[string, float64](),
	}
}

func (*AdaptiveAlgorithm) Name() string { return "adaptive" }

func rewardKey(messageType, algorithm string) string {
	return messageType + "|" + algorithm
}

// ChooseRoute picks the delegate with the highest recent reward for the
// message type, then delegates.
func (a *AdaptiveAlgorithm) ChooseRoute(msg *message.Message, candidates []Route) (Route, error) {
	if len(candidates) == 0 {
		return Route{}, noCandidates("adaptive")
	}
	messageType := ""
	if msg != nil {
		messageType = msg.Type
	}

	best := a.delegates[0]
	bestReward := a.reward(messageType, best.Name())
	for _, d := range a.delegates[1:] {
		if r := a.reward(messageType, d.Name()); r > bestReward {
			best, bestReward = d, r
		}
	}
	r, err := best.ChooseRoute(msg, candidates)
	if err != nil {
		// The delegate may be over-constrained (e.g. trust); fall back to
		// pure cost order.
		sorted := make([]Route, len(candidates))
		copy(sorted, candidates)
		SortByCost(sorted)
		return sorted[0], nil
	}
	return r, nil
}

// Reward folds an observed outcome in [0,1] into the (messageType,
// algorithm) bucket.
func (a *AdaptiveAlgorithm) Reward(messageType, algorithm string, reward float64) {
	key := rewardKey(messageType, algorithm)
	a.rewards.Compute(key, func(old float64, loaded bool) (float64, xsync.ComputeOp) {
		if !loaded {
			return reward, xsync.UpdateOp
		}
		return old*(1-rewardAlpha) + reward*rewardAlpha, xsync.UpdateOp
	})
}

// reward returns the bucket's EWMA, or a neutral 0.5 when unexplored.
func (a *AdaptiveAlgorithm) reward(messageType, algorithm string) float64 {
	if r, ok := a.rewards.Load(rewardKey(messageType, algorithm)); ok {
		return r
	}
	return 0.5
}

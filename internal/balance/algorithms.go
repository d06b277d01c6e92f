package balance

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/axismesh/axis/internal/message"
)

// Request carries the properties the balancer and its algorithms consider.
type Request struct {
	RequestID        string
	MessageType      string
	Priority         message.Priority
	Region           string // preferred region, "" = any
	Governance       *message.GovernanceRequirements
	MaxResponseTime  time.Duration
	MinThroughput    float64
	MinSuccessRate   float64
	MaxErrorRate     float64
	ExpectedDuration time.Duration
	LatencySensitive bool

	// Exclude lists target endpoints already tried for this request.
	Exclude map[string]struct{}
}

// Algorithm picks one target from a non-empty eligible set.
type Algorithm interface {
	Name() string
	Select(req *Request, eligible []*Target) *Target
}

// pickBest returns the target maximizing score, ties broken by lexicographic
// id for determinism.
func pickBest(eligible []*Target, score func(*Target) float64) *Target {
	best := eligible[0]
	bestScore := score(best)
	for _, t := range eligible[1:] {
		s := score(t)
		if s > bestScore || (s == bestScore && t.ID < best.ID) {
			best, bestScore = t, s
		}
	}
	return best
}

// roundRobin cycles through the eligible set in id order.
type roundRobin struct {
	counter atomic.Uint64
}

func (*roundRobin) Name() string { return "round_robin" }

func (a *roundRobin) Select(_ *Request, eligible []*Target) *Target {
	n := a.counter.Add(1) - 1
	sorted := sortedByID(eligible)
	return sorted[n%uint64(len(sorted))]
}

// weightedRoundRobin implements smooth weighted round-robin with the
// performance score as weight.
type weightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]float64
}

func (*weightedRoundRobin) Name() string { return "weighted_round_robin" }

func (a *weightedRoundRobin) Select(_ *Request, eligible []*Target) *Target {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		a.current = make(map[string]float64)
	}
	total := 0.0
	var best *Target
	for _, t := range sortedByID(eligible) {
		w := t.PerformanceScore()
		if w <= 0 {
			w = 0.01
		}
		total += w
		a.current[t.ID] += w
		if best == nil || a.current[t.ID] > a.current[best.ID] {
			best = t
		}
	}
	a.current[best.ID] -= total
	return best
}

// leastConnections picks the target with the fewest in-flight requests.
type leastConnections struct{}

func (leastConnections) Name() string { return "least_connections" }

func (leastConnections) Select(_ *Request, eligible []*Target) *Target {
	return pickBest(eligible, func(t *Target) float64 {
		return -float64(t.ActiveRequests())
	})
}

// leastResponseTime picks the lowest response-time EMA. Targets with no
// samples count as instant, so new targets get traffic.
type leastResponseTime struct{}

func (leastResponseTime) Name() string { return "least_response_time" }

func (leastResponseTime) Select(_ *Request, eligible []*Target) *Target {
	return pickBest(eligible, func(t *Target) float64 {
		return -float64(t.ResponseTimeEMA())
	})
}

// resourceBased picks the largest composite CPU/mem/net headroom.
type resourceBased struct{}

func (resourceBased) Name() string { return "resource_based" }

func (resourceBased) Select(_ *Request, eligible []*Target) *Target {
	return pickBest(eligible, func(t *Target) float64 {
		return t.ResourceScore()
	})
}

// trustBased maximizes trust, then penalizes response time.
type trustBased struct{}

func (trustBased) Name() string { return "trust_based" }

func (trustBased) Select(_ *Request, eligible []*Target) *Target {
	return pickBest(eligible, func(t *Target) float64 {
		return t.Governance.Trust*1000 - float64(t.ResponseTimeEMA().Milliseconds())
	})
}

// governanceOptimized combines trust, compliance level, and audit
// capability.
type governanceOptimized struct{}

func (governanceOptimized) Name() string { return "governance_optimized" }

func (governanceOptimized) Select(_ *Request, eligible []*Target) *Target {
	return pickBest(eligible, func(t *Target) float64 {
		score := t.Governance.Trust + t.Governance.ComplianceLevel
		if t.Governance.AuditCapable {
			score += 0.5
		}
		if t.Governance.AccountabilityOn {
			score += 0.25
		}
		return score
	})
}

// predictive projects each target's load over the request's expected
// duration and picks the lowest projection.
type predictive struct{}

func (predictive) Name() string { return "predictive" }

func (predictive) Select(req *Request, eligible []*Target) *Target {
	expected := req.ExpectedDuration
	if expected <= 0 {
		expected = 100 * time.Millisecond
	}
	return pickBest(eligible, func(t *Target) float64 {
		resp := t.ResponseTimeEMA()
		if resp <= 0 {
			resp = 50 * time.Millisecond
		}
		// Requests expected to still be in flight when this one lands.
		projected := float64(t.ActiveRequests()) * float64(expected) / float64(resp)
		return -(t.LoadFactor() + projected/100)
	})
}

// banditEpsilon is the exploration rate of the adaptive-ML bandit.
const banditEpsilon = 0.1

// adaptiveML is an epsilon-greedy bandit over the other algorithms, keyed by
// message type. Rewards arrive via Reward from ReportCompletion.
type adaptiveML struct {
	delegates []Algorithm
	rewards   *xsync.Map[string, float64]
	plays     atomic.Uint64
}

func newAdaptiveML(delegates []Algorithm) *adaptiveML {
	return &adaptiveML{
		delegates: delegates,
		rewards:   xsync.NewMap[string, float64](),
	}
}

func (*adaptiveML) Name() string { return "adaptive_ml" }

func (a *adaptiveML) Select(req *Request, eligible []*Target) *Target {
	msgType := ""
	if req != nil {
		msgType = req.MessageType
	}
	n := a.plays.Add(1)

	var chosen Algorithm
	if n%uint64(1/banditEpsilon) == 0 {
		// Exploration round: rotate through delegates.
		chosen = a.delegates[int(n)%len(a.delegates)]
	} else {
		chosen = a.delegates[0]
		bestReward := a.reward(msgType, chosen.Name())
		for _, d := range a.delegates[1:] {
			if r := a.reward(msgType, d.Name()); r > bestReward {
				chosen, bestReward = d, r
			}
		}
	}
	return chosen.Select(req, eligible)
}

// Reward folds an observed outcome in [0,1] into the (messageType,
// delegate) bucket.
func (a *adaptiveML) Reward(messageType, delegate string, reward float64) {
	key := messageType + "|" + delegate
	a.rewards.Compute(key, func(old float64, loaded bool) (float64, xsync.ComputeOp) {
		if !loaded {
			return reward, xsync.UpdateOp
		}
		return old*0.8 + reward*0.2, xsync.UpdateOp
	})
}

func (a *adaptiveML) reward(messageType, delegate string) float64 {
	if r, ok := a.rewards.Load(messageType + "|" + delegate); ok {
		return r
	}
	return 0.5
}

func sortedByID(targets []*Target) []*Target {
	out := make([]*Target, len(targets))
	copy(out, targets)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

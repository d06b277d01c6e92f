package balance

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/message"
)

// RegionResolver maps an endpoint to a region code, "" when unknown.
type RegionResolver func(endpoint string) string

// Selection is the balancer's answer: the chosen target plus an ordered
// failover plan of up to three alternatives by quality score.
type Selection struct {
	RequestID    string
	Target       *Target
	Alternatives []*Target
	Algorithm    string
	SelectedAt   time.Time
}

// algoProfile records how an algorithm has been performing, for the
// meta-selector. Updated lock-free tolerating slight skew.
type algoProfile struct {
	mu        sync.Mutex
	scoreEma  float64
	stability float64 // 1 - variance proxy
	usage     int64
}

func (p *algoProfile) record(reward float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.usage == 0 {
		p.scoreEma = reward
		p.stability = 1
	} else {
		dev := reward - p.scoreEma
		if dev < 0 {
			dev = -dev
		}
		p.scoreEma = p.scoreEma*0.8 + reward*0.2
		p.stability = p.stability*0.9 + (1-dev)*0.1
	}
	p.usage++
}

func (p *algoProfile) snapshot() (score, stability float64, usage int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scoreEma, p.stability, p.usage
}

// pendingRequest tracks an issued selection until completion is reported.
type pendingRequest struct {
	target    *Target
	algorithm string
	done      func(success bool)
	issuedAt  time.Time
}

// Balancer picks among equivalent targets using pluggable algorithms and an
// optional per-request meta-selector.
type Balancer struct {
	cfg      config.BalancerConfig
	registry *Registry
	region   RegionResolver

	algorithms map[string]Algorithm
	adaptive   *adaptiveML
	profiles   *xsync.Map[string, *algoProfile]
	pending    *xsync.Map[string, *pendingRequest]

	breakerSettings BreakerSettings
}

// NewBalancer creates a balancer with the built-in algorithm set.
func NewBalancer(cfg config.BalancerConfig, registry *Registry, region RegionResolver, bs BreakerSettings) *Balancer {
	base := []Algorithm{
		&roundRobin{},
		&weightedRoundRobin{},
		leastConnections{},
		leastResponseTime{},
		resourceBased{},
		trustBased{},
		governanceOptimized{},
		predictive{},
	}
	adaptive := newAdaptiveML(base)

	algorithms := make(map[string]Algorithm, len(base)+1)
	for _, a := range base {
		algorithms[a.Name()] = a
	}
	algorithms[adaptive.Name()] = adaptive

	return &Balancer{
		cfg:             cfg,
		registry:        registry,
		region:          region,
		algorithms:      algorithms,
		adaptive:        adaptive,
		profiles:        xsync.NewMap[string, *algoProfile](),
		pending:         xsync.NewMap[string, *pendingRequest](),
		breakerSettings: bs,
	}
}

// Registry returns the target registry.
func (b *Balancer) Registry() *Registry {
	return b.registry
}

// NewTarget creates a target wired with this balancer's breaker settings.
func (b *Balancer) NewTarget(id, endpoint, region string, weight float64) *Target {
	return NewTarget(id, endpoint, region, weight, b.breakerSettings)
}

// Select picks one target for the request. Returns ErrNoRoute when no target
// passes eligibility and ErrAllOpen when only circuit-blocked targets remain.
func (b *Balancer) Select(req *Request) (*Selection, error) {
	eligible, blocked := b.eligible(req)
	if len(eligible) == 0 {
		if blocked > 0 {
			return nil, fmt.Errorf("%w: %d eligible targets all circuit-blocked", comm.ErrAllOpen, blocked)
		}
		return nil, fmt.Errorf("%w: no eligible targets", comm.ErrNoRoute)
	}

	algorithm := b.chooseAlgorithm(req)
	target := algorithm.Select(req, eligible)

	done, ok := target.begin()
	if !ok {
		// Race: the breaker closed its half-open slot between eligibility
		// and admission. Retry once on the remainder.
		rest := without(eligible, target)
		if len(rest) == 0 {
			return nil, fmt.Errorf("%w: target %s rejected the probe slot", comm.ErrAllOpen, target.ID)
		}
		target = algorithm.Select(req, rest)
		if done, ok = target.begin(); !ok {
			return nil, fmt.Errorf("%w: target %s rejected the probe slot", comm.ErrAllOpen, target.ID)
		}
	}

	sel := &Selection{
		RequestID:    req.RequestID,
		Target:       target,
		Alternatives: b.alternatives(eligible, target),
		Algorithm:    algorithm.Name(),
		SelectedAt:   time.Now(),
	}
	b.pending.Store(req.RequestID, &pendingRequest{
		target:    target,
		algorithm: algorithm.Name(),
		done:      done,
		issuedAt:  sel.SelectedAt,
	})
	return sel, nil
}

// ReportCompletion feeds the outcome of a selected request back into the
// target's performance record, its circuit breaker, and the algorithm
// profile. Unknown request ids are ignored.
func (b *Balancer) ReportCompletion(requestID string, success bool, latency time.Duration, err error) {
	p, ok := b.pending.LoadAndDelete(requestID)
	if !ok {
		return
	}
	p.done(success)
	p.target.complete(success, latency)

	reward := 0.0
	if success {
		reward = 1 - float64(latency)/float64(time.Second)
		if reward < 0.1 {
			reward = 0.1
		}
	}
	profile, _ := b.profiles.LoadOrCompute(p.algorithm, func() (*algoProfile, bool) {
		return &algoProfile{}, false
	})
	profile.record(reward)
	b.adaptive.Reward("", p.algorithm, reward)

	if err != nil {
		log.Printf("[balance] request %s on %s failed after %s: %v", requestID, p.target.ID, latency, err)
	}
}

// eligible applies the filter chain: healthy (unless fallback override), not
// overloaded, governance and performance requirements met, not blacklisted,
// region preference, and circuit admission. Returns the eligible set and how
// many candidates were removed only by their breaker.
func (b *Balancer) eligible(req *Request) ([]*Target, int) {
	all := b.registry.All()
	blocked := 0

	var out []*Target
	for _, t := range all {
		if _, skip := req.Exclude[t.Endpoint]; skip {
			continue
		}
		if t.Blacklisted() {
			continue
		}
		if !t.Healthy() && !b.cfg.AllowUnhealthyFallback {
			continue
		}
		if t.LoadFactor() >= b.cfg.RedistributionThreshold {
			continue
		}
		if !governanceOK(req.Governance, t.Governance) {
			continue
		}
		if !performanceOK(req, t) {
			continue
		}
		if !t.BreakerAdmits() {
			blocked++
			continue
		}
		out = append(out, t)
	}

	if req.Region != "" {
		regional := filterRegion(out, req.Region, b.region)
		if len(regional) > 0 {
			out = regional
		}
	}
	return out, blocked
}

func governanceOK(req *message.GovernanceRequirements, prof GovernanceProfile) bool {
	if req == nil {
		return true
	}
	if req.TrustScoreMinimum != nil && prof.Trust < *req.TrustScoreMinimum {
		return false
	}
	if req.AuditRequired && !prof.AuditCapable {
		return false
	}
	if req.AccountabilityRequired && !prof.AccountabilityOn {
		return false
	}
	if req.ConsensusRequired && !prof.ConsensusCapable {
		return false
	}
	return true
}

func performanceOK(req *Request, t *Target) bool {
	if req.MaxResponseTime > 0 && t.ResponseTimeEMA() > req.MaxResponseTime {
		return false
	}
	if req.MinThroughput > 0 && t.ThroughputEMA() > 0 && t.ThroughputEMA() < req.MinThroughput {
		return false
	}
	if req.MinSuccessRate > 0 && t.SuccessRate() < req.MinSuccessRate {
		return false
	}
	if req.MaxErrorRate > 0 && t.ErrorRate() > req.MaxErrorRate {
		return false
	}
	return true
}

func filterRegion(targets []*Target, region string, resolve RegionResolver) []*Target {
	var out []*Target
	for _, t := range targets {
		r := t.Region
		if r == "" && resolve != nil {
			r = resolve(t.Endpoint)
		}
		if r == region {
			out = append(out, t)
		}
	}
	return out
}

// chooseAlgorithm is the meta-selector: with adaptive algorithms disabled it
// always returns the configured default; otherwise it scores each
// algorithm's recorded profile against the request's properties.
func (b *Balancer) chooseAlgorithm(req *Request) Algorithm {
	if !b.cfg.AdaptiveAlgorithms {
		if a, ok := b.algorithms[b.cfg.DefaultAlgorithm]; ok {
			return a
		}
		return b.algorithms["round_robin"]
	}

	names := make([]string, 0, len(b.algorithms))
	for name := range b.algorithms {
		names = append(names, name)
	}
	sort.Strings(names)

	var best Algorithm
	bestScore := -1.0
	for _, name := range names {
		a := b.algorithms[name]
		score := b.metaScore(name, req)
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// metaScore combines an algorithm's recorded performance with request
// affinity bonuses.
func (b *Balancer) metaScore(name string, req *Request) float64 {
	score := 0.5
	stability := 0.5
	if p, ok := b.profiles.Load(name); ok {
		var usage int64
		score, stability, usage = p.snapshot()
		if usage == 0 {
			score, stability = 0.5, 0.5
		}
	}

	affinity := 0.0
	switch {
	case req.LatencySensitive && name == "least_response_time":
		affinity = 0.3
	case req.Governance != nil && (name == "governance_optimized" || name == "trust_based"):
		affinity = 0.3
	case req.ExpectedDuration > time.Second && name == "predictive":
		affinity = 0.2
	case name == "adaptive_ml":
		affinity = 0.1
	}

	// Critical traffic favors stable algorithms over well-scoring ones.
	if req.Priority == message.PriorityCritical {
		return 0.4*score + 0.4*stability + affinity
	}
	return 0.7*score + 0.1*stability + affinity
}

// alternatives returns up to three failover targets ordered by quality
// score, excluding the primary.
func (b *Balancer) alternatives(eligible []*Target, primary *Target) []*Target {
	rest := without(eligible, primary)
	sort.Slice(rest, func(i, j int) bool {
		qi, qj := rest[i].PerformanceScore(), rest[j].PerformanceScore()
		if qi != qj {
			return qi > qj
		}
		return rest[i].ID < rest[j].ID
	})
	if len(rest) > 3 {
		rest = rest[:3]
	}
	return rest
}

func without(targets []*Target, skip *Target) []*Target {
	out := make([]*Target, 0, len(targets))
	for _, t := range targets {
		if t != skip {
			out = append(out, t)
		}
	}
	return out
}

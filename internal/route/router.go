package route

import (
	"fmt"
	"log"
	"time"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/message"
)

// CandidateSource discovers candidate routes from source to destination.
// Returned routes need not be scored; the router computes CostScore.
type CandidateSource func(source, destination string) []Route

// TypeResolver infers destinations for a message that carries none, from its
// type.
type TypeResolver func(messageType string) []string

// BreakerCheck reports whether sends toward a destination are currently
// admitted (circuit closed, or half-open probe available).
type BreakerCheck func(destination string) bool

// RouterConfig wires the router's collaborators. Collaborators are injected
// as closures so tests can construct isolated routers.
type RouterConfig struct {
	Runtime    config.RouterConfig
	Candidates CandidateSource
	Resolver   TypeResolver // optional
	Breaker    BreakerCheck // optional

	// OnDecision receives every decision when auditing is enabled.
	OnDecision func(Decision)
}

// Router picks one route per message and exposes alternatives for failover.
type Router struct {
	cfg        config.RouterConfig
	cache      *Cache
	algorithms *AlgorithmRegistry
	candidates CandidateSource
	resolver   TypeResolver
	breaker    BreakerCheck
	onDecision func(Decision)
	now        func() time.Time
}

// NewRouter creates a router with the built-in algorithm registry.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Candidates == nil {
		panic("route: RouterConfig.Candidates is required")
	}
	return &Router{
		cfg:        cfg.Runtime,
		cache:      NewCache(cfg.Runtime.RouteCacheSize, cfg.Runtime.RouteCacheTTL.Std()),
		algorithms: NewAlgorithmRegistry(),
		candidates: cfg.Candidates,
		resolver:   cfg.Resolver,
		breaker:    cfg.Breaker,
		onDecision: cfg.OnDecision,
		now:        time.Now,
	}
}

// Cache exposes the route cache for snapshot persistence.
func (r *Router) Cache() *Cache {
	return r.cache
}

// Algorithms exposes the algorithm registry.
func (r *Router) Algorithms() *AlgorithmRegistry {
	return r.algorithms
}

// Close releases the route cache.
func (r *Router) Close() {
	r.cache.Close()
}

// Route scores candidates for msg and picks one, excluding the given
// destinations (failed earlier attempts). Returns ErrNoRoute when no
// candidate exists and ErrAllOpen when every candidate is blocked by a
// circuit breaker.
func (r *Router) Route(msg *message.Message, exclude map[string]struct{}) (Decision, error) {
	destinations := msg.Destinations
	if len(destinations) == 0 && r.resolver != nil {
		destinations = r.resolver(msg.Type)
	}
	var reqTrust *float64
	if msg.Governance != nil {
		reqTrust = msg.Governance.TrustScoreMinimum
	}

	var all []Route
	for _, dest := range destinations {
		if _, skip := exclude[dest]; skip {
			continue
		}
		all = append(all, r.routesFor(msg.Source, dest, reqTrust)...)
	}
	if len(all) == 0 {
		return Decision{}, fmt.Errorf("%w: message %s has no candidate routes", comm.ErrNoRoute, msg.ID)
	}

	eligible := all
	if r.breaker != nil {
		eligible = eligible[:0:0]
		for _, rt := range all {
			if r.breaker(rt.Destination) {
				eligible = append(eligible, rt)
			}
		}
		if len(eligible) == 0 {
			return Decision{}, fmt.Errorf("%w: all %d candidates for message %s are circuit-blocked",
				comm.ErrAllOpen, len(all), msg.ID)
		}
	}

	algName := r.cfg.DefaultAlgorithm
	alg, ok := r.algorithms.Get(algName)
	if !ok {
		log.Printf("[route] unknown algorithm %q, falling back to adaptive", algName)
		algName = "adaptive"
		alg, _ = r.algorithms.Get(algName)
	}
	selected, err := alg.ChooseRoute(msg, eligible)
	if err != nil {
		return Decision{}, err
	}

	decision := r.buildDecision(msg, selected, eligible, reqTrust, algName)
	if r.cfg.AuditDecisions && r.onDecision != nil {
		r.onDecision(decision)
	}
	return decision, nil
}

// ReportOutcome feeds a delivery result back into the adaptive algorithm's
// reward table. Success reward decays with latency; failure scores zero.
func (r *Router) ReportOutcome(messageType, algorithm string, success bool, latency time.Duration) {
	adaptive, ok := r.algorithms.Adaptive()
	if !ok {
		return
	}
	reward := 0.0
	if success {
		reward = 1 - float64(latency)/float64(time.Second)
		if reward < 0.1 {
			reward = 0.1
		}
	}
	adaptive.Reward(messageType, algorithm, reward)
}

// routesFor returns scored routes for one destination, consulting the cache
// first. A miss (or expired entry) rediscovers and refills the cache with
// the best candidate.
func (r *Router) routesFor(source, dest string, reqTrust *float64) []Route {
	if cached, ok := r.cache.Get(source, dest); ok {
		return []Route{cached}
	}
	candidates := r.candidates(source, dest)
	if len(candidates) == 0 {
		return nil
	}
	scored := make([]Route, len(candidates))
	copy(scored, candidates)
	for i := range scored {
		scored[i].CostScore, _ = Cost(scored[i], reqTrust)
	}
	SortByCost(scored)
	r.cache.Put(source, dest, scored[0])
	return scored
}

// buildDecision assembles the decision record: selected route, up to three
// cost-ordered alternatives, factor breakdown, and a confidence derived from
// the cost margin to the runner-up.
func (r *Router) buildDecision(msg *message.Message, selected Route, eligible []Route, reqTrust *float64, algorithm string) Decision {
	_, factors := Cost(selected, reqTrust)

	rest := make([]Route, 0, len(eligible))
	for _, rt := range eligible {
		if rt.RouteID != selected.RouteID {
			rest = append(rest, rt)
		}
	}
	SortByCost(rest)
	if len(rest) > 3 {
		rest = rest[:3]
	}

	confidence := 1.0
	if len(rest) > 0 && rest[0].CostScore > 0 {
		margin := (rest[0].CostScore - selected.CostScore) / rest[0].CostScore
		confidence = 0.5 + 0.5*clampUnit(margin)
	}

	return Decision{
		MessageID:     msg.ID,
		Selected:      selected,
		Alternatives:  rest,
		Factors:       factors,
		Confidence:    confidence,
		DecidedAt:     r.now(),
		EstDeliveryMs: float64(selected.EstLatency.Milliseconds()),
		Algorithm:     algorithm,
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

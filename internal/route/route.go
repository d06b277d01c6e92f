// Package route implements the message router: route scoring, the TTL route
// cache, the routing algorithm registry, and the per-message delivery state
// machine.
package route

import (
	"sort"
	"time"
)

// Route is a derived path to one destination. Cached per
// (source, destination) with TTL.
type Route struct {
	RouteID      string
	Destination  string
	ProtocolID   string
	EstLatency   time.Duration
	EstBandwidth float64 // Mbps
	Reliability  float64 // [0,1]
	LoadFactor   float64 // [0,1]
	Trust        *float64
	CostScore    float64
	Hops         []string
}

// Factor is one weighted component of a routing decision's cost.
type Factor struct {
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	Score        float64 `json:"score"`
	Contribution float64 `json:"contribution"`
}

// Decision records one routing choice for a send attempt.
type Decision struct {
	MessageID     string
	Selected      Route
	Alternatives  []Route // at most 3, best first
	Factors       []Factor
	Confidence    float64
	DecidedAt     time.Time
	EstDeliveryMs float64
	Algorithm     string
}

// Default weights of the cost profile.
const (
	weightLatency     = 0.4
	weightLoad        = 0.3
	weightReliability = 0.2
	weightTrust       = 0.1
)

// Documented defaults applied to missing route fields during scoring.
const (
	defaultReliability = 0.5
	defaultLatency     = time.Second
)

// Cost computes the weighted cost of a route, lower is better. When reqTrust
// is nil the trust term is omitted and the remaining weights renormalize.
func Cost(r Route, reqTrust *float64) (float64, []Factor) {
	latency := r.EstLatency
	if latency <= 0 {
		latency = defaultLatency
	}
	reliability := r.Reliability
	if reliability <= 0 {
		reliability = defaultReliability
	}

	latencyScore := float64(latency.Milliseconds()) / 1000.0
	factors := []Factor{
		{Name: "latency", Weight: weightLatency, Score: latencyScore},
		{Name: "load", Weight: weightLoad, Score: r.LoadFactor},
		{Name: "reliability", Weight: weightReliability, Score: 1 - reliability},
	}

	norm := 1.0
	if reqTrust != nil {
		trust := 0.0
		if r.Trust != nil {
			trust = *r.Trust
		}
		gap := *reqTrust - trust
		if gap < 0 {
			gap = 0
		}
		factors = append(factors, Factor{Name: "trust", Weight: weightTrust, Score: gap})
	} else {
		norm = weightLatency + weightLoad + weightReliability
	}

	cost := 0.0
	for i := range factors {
		factors[i].Weight /= norm
		factors[i].Contribution = factors[i].Weight * factors[i].Score
		cost += factors[i].Contribution
	}
	return cost, factors
}

// SortByCost orders routes by CostScore ascending, with ties broken by higher
// reliability, then lower load factor, then lexicographic route id.
func SortByCost(routes []Route) {
	sort.Slice(routes, func(i, j int) bool {
		a, b := routes[i], routes[j]
		if a.CostScore != b.CostScore {
			return a.CostScore < b.CostScore
		}
		if a.Reliability != b.Reliability {
			return a.Reliability > b.Reliability
		}
		if a.LoadFactor != b.LoadFactor {
			return a.LoadFactor < b.LoadFactor
		}
		return a.RouteID < b.RouteID
	})
}

// Package health implements the per-agent health monitor: metric collection
// loops, batching to the store, health derivation with flap damping, and
// read snapshots for the rest of the core.
package health

import (
	"math"
	"time"
)

// Level is the derived health of a component or agent. The ordering is
// healthy < degraded < unhealthy < critical; unknown sits outside the
// ordering and never dominates a known level.
type Level int

const (
	Healthy Level = iota
	Degraded
	Unhealthy
	Critical
	Unknown
)

var levelNames = [...]string{"healthy", "degraded", "unhealthy", "critical", "unknown"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// Worse returns the more severe of two levels, treating unknown as neutral.
func Worse(a, b Level) Level {
	if a == Unknown {
		return b
	}
	if b == Unknown {
		return a
	}
	if a > b {
		return a
	}
	return b
}

// Trend classifies a metric's recent direction.
type Trend string

const (
	TrendUp       Trend = "up"
	TrendDown     Trend = "down"
	TrendStable   Trend = "stable"
	TrendVolatile Trend = "volatile"
)

// MetricValue is one tracked metric with its running statistics.
type MetricValue struct {
	Current   float64   `json:"current"`
	Average   float64   `json:"average"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Trend     Trend     `json:"trend"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`

	count  int64
	sum    float64
	window []float64 // recent values for trend classification
}

// trendWindow is how many recent samples feed trend classification.
const trendWindow = 8

// Observe folds a sample into the metric.
func (m *MetricValue) Observe(v float64, ts time.Time) {
	if m.count == 0 {
		m.Min, m.Max = v, v
	} else {
		if v < m.Min {
			m.Min = v
		}
		if v > m.Max {
			m.Max = v
		}
	}
	m.Current = v
	m.count++
	m.sum += v
	m.Average = m.sum / float64(m.count)
	m.Timestamp = ts

	m.window = append(m.window, v)
	if len(m.window) > trendWindow {
		m.window = m.window[1:]
	}
	m.Trend = classifyTrend(m.window)
}

// classifyTrend looks at the recent window: a consistent direction is
// up/down, small movement is stable, large mixed movement is volatile.
func classifyTrend(window []float64) Trend {
	if len(window) < 3 {
		return TrendStable
	}
	first, last := window[0], window[len(window)-1]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))

	variance := 0.0
	for _, v := range window {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(window))
	stddev := math.Sqrt(variance)

	span := math.Abs(last - first)
	scale := math.Abs(mean)
	if scale < 1 {
		scale = 1
	}
	switch {
	case stddev > 0.25*scale:
		return TrendVolatile
	case span < 0.05*scale:
		return TrendStable
	case last > first:
		return TrendUp
	default:
		return TrendDown
	}
}

// ComponentHealth is the derived state of one monitored component.
type ComponentHealth struct {
	Name        string  `json:"name"`
	Level       Level   `json:"level"`
	Criticality float64 `json:"criticality"` // [0,1], weights the overall derivation
}

// AgentHealth is the read snapshot handed to callers. Overall is derived on
// snapshot, never stored independently.
type AgentHealth struct {
	AgentID       string                 `json:"agent_id"`
	Overall       Level                  `json:"overall"`
	Components    []ComponentHealth      `json:"components"`
	Metrics       map[string]MetricValue `json:"metrics"`
	ActiveAlerts  []string               `json:"active_alerts"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Uptime        time.Duration          `json:"uptime"`
}

// deriveOverall computes the agent level as the criticality-weighted worst
// component: a component's level counts fully at criticality 1 and is
// softened one step when criticality is below 0.5.
func deriveOverall(components []ComponentHealth) Level {
	overall := Unknown
	for _, c := range components {
		level := c.Level
		if level == Unknown {
			continue
		}
		if c.Criticality < 0.5 && level > Healthy {
			level--
		}
		overall = Worse(overall, level)
	}
	return overall
}

package health

import (
	"context"
	"time"
)

// Collector gathers one category of metrics for an agent. The built-in
// categories are performance, resource, governance, and system; agents may
// declare additional custom collectors.
type Collector interface {
	Name() string
	// Collect returns metric name -> value. Metric names are flat keys such
	// as "cpu_usage" or "response_time_ms".
	Collect(ctx context.Context, agentID string) (map[string]float64, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc struct {
	CollectorName string
	Fn            func(ctx context.Context, agentID string) (map[string]float64, error)
}

func (c CollectorFunc) Name() string { return c.CollectorName }

func (c CollectorFunc) Collect(ctx context.Context, agentID string) (map[string]float64, error) {
	return c.Fn(ctx, agentID)
}

// Evaluator derives a component level from that component's latest metrics.
type Evaluator func(metrics map[string]float64) Level

// ComponentSpec binds a collector to its evaluator and criticality weight.
type ComponentSpec struct {
	Collector   Collector
	Evaluate    Evaluator
	Criticality float64
}

// AgentConfig declares how one agent is monitored.
type AgentConfig struct {
	// Interval overrides the monitor default when positive.
	Interval time.Duration

	// Components are the monitored categories. Empty components get the
	// standard set from the monitor's defaults.
	Components []ComponentSpec
}

// ThresholdEvaluator builds an evaluator that grades a single metric
// against ascending degraded/unhealthy/critical bounds.
func ThresholdEvaluator(metric string, degraded, unhealthy, critical float64) Evaluator {
	return func(metrics map[string]float64) Level {
		v, ok := metrics[metric]
		if !ok {
			return Unknown
		}
		switch {
		case v >= critical:
			return Critical
		case v >= unhealthy:
			return Unhealthy
		case v >= degraded:
			return Degraded
		default:
			return Healthy
		}
	}
}

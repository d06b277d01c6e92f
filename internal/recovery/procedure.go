// Package recovery implements the recovery orchestrator: procedure
// selection, approval, stepwise execution with rollback, and cross-agent
// dependency plans.
package recovery

import (
	"context"
	"time"

	"github.com/axismesh/axis/internal/health"
	"github.com/axismesh/axis/internal/message"
)

// Risk grades a procedure's blast radius.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// StepFunc is one recovery action. It must honor ctx cancellation at its
// next suspension point.
type StepFunc func(ctx context.Context) error

// Step is one ordered action inside a procedure.
type Step struct {
	Name string

	// Order positions the step within the procedure. Adjacent steps that
	// share a non-zero Order form a parallel group; zero runs the step on
	// its own.
	Order int

	Action StepFunc

	// Timeout bounds one attempt; zero falls back to the configured
	// step timeout.
	Timeout time.Duration

	// Retry bounds attempts of this step. Zero MaxAttempts means one try.
	Retry message.RetryPolicy

	// Rollback undoes the step's effect. nil steps are skipped during
	// rollback.
	Rollback StepFunc

	// ContinueOnFailure lets the procedure proceed past this step's
	// failure instead of aborting.
	ContinueOnFailure bool
}

// Prerequisite is a precondition checked before approval.
type Prerequisite struct {
	Name  string
	Check func(ctx context.Context) error
}

// Procedure is a registered recovery playbook.
type Procedure struct {
	ID          string
	Name        string
	Description string
	Risk        Risk

	// BaseSuccessRate seeds decision scoring, [0,1].
	BaseSuccessRate float64

	EstimatedDuration time.Duration

	// AppliesTo filters procedures during decision building. nil means
	// always applicable.
	AppliesTo func(level health.Level, alertType string) bool

	Prerequisites []Prerequisite
	Steps         []Step

	// AutoApprove skips the external approval gate. Low-risk procedures
	// default to auto approval regardless of this flag.
	AutoApprove bool
}

func (p *Procedure) autoApprovable() bool {
	return p.AutoApprove || p.Risk == RiskLow
}

// Decision is the orchestrator's recommendation for an agent.
type Decision struct {
	ProcedureID       string        `json:"procedure_id"`
	Confidence        float64       `json:"confidence"`
	Risk              Risk          `json:"risk"`
	Prerequisites     []string      `json:"prerequisites,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// severityFactor biases scoring toward reliable procedures as the agent's
// condition worsens.
func severityFactor(level health.Level) float64 {
	switch level {
	case health.Critical:
		return 1.0
	case health.Unhealthy:
		return 0.7
	case health.Degraded:
		return 0.4
	default:
		return 0.2
	}
}

// score ranks a procedure for the given situation. Factors: base success
// rate, severity of the agent's condition, current system load (loaded
// systems prefer fast procedures), and recent failures of this procedure.
func score(p *Procedure, level health.Level, systemLoad float64, recentFailures int) float64 {
	s := p.BaseSuccessRate * (0.5 + 0.5*severityFactor(level))

	durNorm := float64(p.EstimatedDuration) / float64(5*time.Minute)
	if durNorm > 1 {
		durNorm = 1
	}
	s -= systemLoad * 0.3 * durNorm

	s -= 0.1 * float64(recentFailures)
	if s < 0 {
		s = 0
	}
	return s
}

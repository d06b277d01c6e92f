package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/health"
	"github.com/axismesh/axis/internal/model"
)

var (
	// ErrProcedureNotFound indicates an unknown procedure id.
	ErrProcedureNotFound = errors.New("procedure not found")
	// ErrExecutionNotFound indicates an unknown execution id.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrExecutionActive indicates the agent already has a live execution.
	ErrExecutionActive = errors.New("execution already active for agent")
	// ErrNoProcedure indicates no registered procedure applies.
	ErrNoProcedure = errors.New("no applicable procedure")
	// ErrEmergencyRateLimited indicates the emergency bypass budget is spent.
	ErrEmergencyRateLimited = errors.New("emergency rate limit exceeded")
	// ErrDependencyCycle indicates a cyclic cross-agent dependency plan.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrInvalidState indicates an operation illegal in the execution's
	// current state.
	ErrInvalidState = errors.New("invalid execution state")
)

// ExecState is the execution lifecycle state.
type ExecState string

const (
	StatePending     ExecState = "pending"
	StateEvaluating  ExecState = "evaluating"
	StateApproved    ExecState = "approved"
	StateRejected    ExecState = "rejected"
	StateExecuting   ExecState = "executing"
	StateSucceeded   ExecState = "succeeded"
	StateFailed      ExecState = "failed"
	StateCancelled   ExecState = "cancelled"
	StateRollingBack ExecState = "rollingBack"
	StateRolledBack  ExecState = "rolledBack"
)

// Terminal reports whether the execution can make no further progress.
func (s ExecState) Terminal() bool {
	switch s {
	case StateRejected, StateSucceeded, StateFailed, StateCancelled, StateRolledBack:
		return true
	}
	return false
}

// StepResult records one step's outcome.
type StepResult struct {
	Name       string        `json:"name"`
	Order      int           `json:"order"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	RolledBack bool          `json:"rolled_back,omitempty"`
}

// Execution is one run of a procedure against an agent.
type Execution struct {
	ID          string       `json:"id"`
	AgentID     string       `json:"agent_id"`
	ProcedureID string       `json:"procedure_id"`
	RequestedBy string       `json:"requested_by"`
	Emergency   bool         `json:"emergency,omitempty"`
	State       ExecState    `json:"state"`
	Decision    Decision     `json:"decision"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   time.Time    `json:"started_at,omitzero"`
	EndedAt     time.Time    `json:"ended_at,omitzero"`
	Steps       []StepResult `json:"steps,omitempty"`
	Failure     string       `json:"failure,omitempty"`

	cancel context.CancelFunc
}

func (e *Execution) clone() *Execution {
	cp := *e
	cp.Steps = append([]StepResult(nil), e.Steps...)
	cp.cancel = nil
	return &cp
}

// failureWindow bounds how far back "recent failures" reach in scoring.
const failureWindow = 30 * time.Minute

// Options wires the orchestrator's collaborators.
type Options struct {
	Config config.RecoveryConfig

	// HealthOf reports an agent's current committed level. Required for
	// dependency plans; nil treats every agent as healthy.
	HealthOf func(agentID string) health.Level

	// SystemLoad reports current load [0,1] for decision scoring.
	SystemLoad func() float64

	// Mark flags an execution dirty for the write-behind flush,
	// typically store Engine.MarkRecovery.
	Mark func(execID string)

	// PollInterval is the dependency health re-check cadence.
	PollInterval time.Duration
}

// Orchestrator owns procedures and their executions.
type Orchestrator struct {
	opts Options

	mu         sync.Mutex
	procedures map[string]*Procedure
	executions map[string]*Execution
	active     map[string]string // agentID -> execID
	failures   map[string][]time.Time
	emergency  []time.Time

	now func() time.Time
}

// NewOrchestrator creates an orchestrator with no procedures registered.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Mark == nil {
		opts.Mark = func(string) {}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Orchestrator{
		opts:       opts,
		procedures: make(map[string]*Procedure),
		executions: make(map[string]*Execution),
		active:     make(map[string]string),
		failures:   make(map[string][]time.Time),
		now:        time.Now,
	}
}

// RegisterProcedure adds or replaces a procedure.
func (o *Orchestrator) RegisterProcedure(p *Procedure) {
	o.mu.Lock()
	o.procedures[p.ID] = p
	o.mu.Unlock()
}

// Decide recommends the best-scoring applicable procedure for the agent's
// condition.
func (o *Orchestrator) Decide(agentID string, level health.Level, alertType string) (Decision, error) {
	load := 0.0
	if o.opts.SystemLoad != nil {
		load = o.opts.SystemLoad()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.procedures))
	for id := range o.procedures {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best *Procedure
	bestScore := -1.0
	for _, id := range ids {
		p := o.procedures[id]
		if p.AppliesTo != nil && !p.AppliesTo(level, alertType) {
			continue
		}
		s := score(p, level, load, o.recentFailuresLocked(p.ID))
		if s > bestScore {
			best, bestScore = p, s
		}
	}
	if best == nil {
		return Decision{}, fmt.Errorf("%w: agent %s at %s", ErrNoProcedure, agentID, level)
	}

	prereqs := make([]string, 0, len(best.Prerequisites))
	for _, pr := range best.Prerequisites {
		prereqs = append(prereqs, pr.Name)
	}
	confidence := bestScore
	if confidence > 1 {
		confidence = 1
	}
	return Decision{
		ProcedureID:       best.ID,
		Confidence:        confidence,
		Risk:              best.Risk,
		Prerequisites:     prereqs,
		EstimatedDuration: best.EstimatedDuration,
	}, nil
}

// Trigger starts a recovery. Auto-approvable procedures run to completion
// before returning; others are left in evaluating, waiting for Approve.
// At most one execution may be live per agent.
func (o *Orchestrator) Trigger(ctx context.Context, agentID, procedureID, by string) (*Execution, error) {
	return o.trigger(ctx, agentID, procedureID, by, false)
}

// TriggerEmergency bypasses the approval gate. Invocations are rate-limited
// and audited.
func (o *Orchestrator) TriggerEmergency(ctx context.Context, agentID, procedureID, by string) (*Execution, error) {
	return o.trigger(ctx, agentID, procedureID, by, true)
}

func (o *Orchestrator) trigger(ctx context.Context, agentID, procedureID, by string, emergency bool) (*Execution, error) {
	now := o.now()

	o.mu.Lock()
	proc, ok := o.procedures[procedureID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProcedureNotFound, procedureID)
	}
	if execID, busy := o.active[agentID]; busy {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: agent %s (execution %s)", ErrExecutionActive, agentID, execID)
	}
	if emergency && !o.allowEmergencyLocked(now) {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %d per %s", ErrEmergencyRateLimited,
			o.opts.Config.EmergencyRateLimit, o.opts.Config.EmergencyRateWindow.Std())
	}

	exec := &Execution{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		ProcedureID: procedureID,
		RequestedBy: by,
		Emergency:   emergency,
		State:       StatePending,
		CreatedAt:   now,
	}
	o.executions[exec.ID] = exec
	o.active[agentID] = exec.ID
	o.mu.Unlock()
	o.opts.Mark(exec.ID)

	if emergency {
		log.Printf("[recovery] AUDIT emergency bypass: execution %s procedure %s agent %s by %s",
			exec.ID, procedureID, agentID, by)
	}

	// Prerequisites run in evaluating.
	o.transition(exec, StateEvaluating)
	for _, pr := range proc.Prerequisites {
		if err := pr.Check(ctx); err != nil {
			o.fail(exec, StateRejected, fmt.Sprintf("prerequisite %s: %v", pr.Name, err))
			return o.snapshot(exec), fmt.Errorf("%w: %s: %v", comm.ErrPrereqFailed, pr.Name, err)
		}
	}

	if !emergency && !proc.autoApprovable() {
		// Awaiting external approval; CheckApprovals rejects it after the
		// approval timeout.
		return o.snapshot(exec), nil
	}

	o.transition(exec, StateApproved)
	err := o.execute(ctx, exec, proc)
	return o.snapshot(exec), err
}

// Approve releases an execution awaiting external approval and runs it.
func (o *Orchestrator) Approve(ctx context.Context, execID, by string) error {
	o.mu.Lock()
	exec, ok := o.executions[execID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, execID)
	}
	if exec.State != StateEvaluating {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, want evaluating", ErrInvalidState, execID, exec.State)
	}
	proc := o.procedures[exec.ProcedureID]
	o.mu.Unlock()

	log.Printf("[recovery] execution %s approved by %s", execID, by)
	o.transition(exec, StateApproved)
	return o.execute(ctx, exec, proc)
}

// Reject declines an execution awaiting approval.
func (o *Orchestrator) Reject(execID, by, reason string) error {
	o.mu.Lock()
	exec, ok := o.executions[execID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, execID)
	}
	if exec.State != StateEvaluating {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, want evaluating", ErrInvalidState, execID, exec.State)
	}
	o.mu.Unlock()

	o.fail(exec, StateRejected, fmt.Sprintf("rejected by %s: %s", by, reason))
	return nil
}

// Cancel stops an execution. Executing runs are cancelled cooperatively at
// the next step boundary; runs awaiting approval are rejected.
func (o *Orchestrator) Cancel(execID, by string) error {
	o.mu.Lock()
	exec, ok := o.executions[execID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, execID)
	}
	switch exec.State {
	case StateEvaluating:
		o.mu.Unlock()
		o.fail(exec, StateRejected, fmt.Sprintf("cancelled by %s before approval", by))
		return nil
	case StateExecuting:
		cancel := exec.cancel
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		state := exec.State
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, execID, state)
	}
}

// CheckApprovals rejects executions that have waited for approval longer
// than the configured timeout. Driven by the scheduler's scan loop.
func (o *Orchestrator) CheckApprovals() {
	now := o.now()
	timeout := o.opts.Config.ApprovalTimeout.Std()

	o.mu.Lock()
	var expired []*Execution
	for _, exec := range o.executions {
		if exec.State == StateEvaluating && now.Sub(exec.CreatedAt) >= timeout {
			expired = append(expired, exec)
		}
	}
	o.mu.Unlock()

	for _, exec := range expired {
		o.fail(exec, StateRejected, "approval timeout")
	}
}

// execute runs the procedure's steps group by group. Steps sharing a
// non-zero Order run concurrently; a group only starts once the previous
// one finished. Returns nil on success and an error wrapping
// ErrRecoveryFailed or ErrCancelled otherwise.
func (o *Orchestrator) execute(ctx context.Context, exec *Execution, proc *Procedure) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	exec.State = StateExecuting
	exec.StartedAt = o.now()
	exec.cancel = cancel
	o.mu.Unlock()
	o.opts.Mark(exec.ID)

	var completed []Step
	for _, group := range stepGroups(proc.Steps) {
		results, errs := o.runGroup(ctx, group)
		o.mu.Lock()
		exec.Steps = append(exec.Steps, results...)
		o.mu.Unlock()
		o.opts.Mark(exec.ID)

		var failed *Step
		var failErr error
		for i := range group {
			if errs[i] == nil {
				completed = append(completed, group[i])
				continue
			}
			if group[i].ContinueOnFailure {
				log.Printf("[recovery] execution %s step %s failed, continuing: %v", exec.ID, group[i].Name, errs[i])
				continue
			}
			if failed == nil {
				failed = &group[i]
				failErr = errs[i]
			}
		}
		if failed == nil {
			continue
		}
		if ctx.Err() != nil {
			o.fail(exec, StateCancelled, fmt.Sprintf("cancelled during step %s", failed.Name))
			return fmt.Errorf("%w: execution %s", comm.ErrCancelled, exec.ID)
		}

		o.recordFailure(proc.ID)
		reason := fmt.Sprintf("step %s: %v", failed.Name, failErr)
		if o.opts.Config.RollbackEnabled && hasRollback(completed) {
			o.mu.Lock()
			exec.State = StateFailed
			exec.Failure = reason
			o.mu.Unlock()
			o.opts.Mark(exec.ID)
			o.rollback(exec, completed, reason)
		} else {
			o.fail(exec, StateFailed, reason)
		}
		return fmt.Errorf("%w: %s", comm.ErrRecoveryFailed, reason)
	}

	o.mu.Lock()
	exec.State = StateSucceeded
	exec.EndedAt = o.now()
	o.mu.Unlock()
	o.release(exec)
	o.opts.Mark(exec.ID)
	return nil
}

// stepGroups splits the step list into execution groups. Adjacent steps
// sharing a non-zero Order form one parallel group; every other step is a
// group of one.
func stepGroups(steps []Step) [][]Step {
	var groups [][]Step
	for _, s := range steps {
		if n := len(groups); n > 0 && s.Order != 0 && s.Order == groups[n-1][0].Order {
			groups[n-1] = append(groups[n-1], s)
			continue
		}
		groups = append(groups, []Step{s})
	}
	return groups
}

// runGroup executes one group, concurrently when it holds more than one
// step. A failure of a step without ContinueOnFailure cancels its siblings.
// Results and errors are positionally aligned with the group.
func (o *Orchestrator) runGroup(ctx context.Context, group []Step) ([]StepResult, []error) {
	if len(group) == 1 {
		res, err := o.runStep(ctx, group[0])
		return []StepResult{res}, []error{err}
	}

	results := make([]StepResult, len(group))
	errs := make([]error, len(group))
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range group {
		g.Go(func() error {
			res, err := o.runStep(gctx, step)
			results[i], errs[i] = res, err
			if err != nil && !step.ContinueOnFailure {
				return err
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // per-step errors are inspected by the caller
	return results, errs
}

// runStep executes one step with its timeout and retry policy.
func (o *Orchestrator) runStep(ctx context.Context, step Step) (StepResult, error) {
	attempts := step.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.opts.Config.StepTimeout.Std()
	}

	start := o.now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay := step.Retry.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return StepResult{Name: step.Name, Order: step.Order, Attempts: attempt - 1, Duration: o.now().Sub(start), Error: ctx.Err().Error()}, ctx.Err()
			case <-timer.C:
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = step.Action(stepCtx)
		cancel()
		if lastErr == nil {
			return StepResult{Name: step.Name, Order: step.Order, Attempts: attempt, Duration: o.now().Sub(start)}, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return StepResult{
		Name:     step.Name,
		Order:    step.Order,
		Attempts: attempts,
		Duration: o.now().Sub(start),
		Error:    lastErr.Error(),
	}, lastErr
}

// rollback undoes completed steps in reverse order. Rollback errors are
// logged; the pass always runs to the first step.
func (o *Orchestrator) rollback(exec *Execution, completed []Step, reason string) {
	o.transition(exec, StateRollingBack)
	ctx := context.Background()
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Rollback == nil {
			continue
		}
		if err := step.Rollback(ctx); err != nil {
			log.Printf("[recovery] execution %s rollback of %s failed: %v", exec.ID, step.Name, err)
			continue
		}
		o.mu.Lock()
		for j := range exec.Steps {
			if exec.Steps[j].Name == step.Name {
				exec.Steps[j].RolledBack = true
			}
		}
		o.mu.Unlock()
	}
	o.fail(exec, StateRolledBack, reason)
}

func hasRollback(steps []Step) bool {
	for _, s := range steps {
		if s.Rollback != nil {
			return true
		}
	}
	return false
}

// PlanOrder topologically sorts agents so dependencies recover before their
// dependents. deps maps an agent to the agents it depends on.
func PlanOrder(deps map[string][]string) ([]string, error) {
	indegree := make(map[string]int)
	dependents := make(map[string][]string)
	for agent, ds := range deps {
		if _, ok := indegree[agent]; !ok {
			indegree[agent] = 0
		}
		for _, d := range ds {
			if _, ok := indegree[d]; !ok {
				indegree[d] = 0
			}
			indegree[agent]++
			dependents[d] = append(dependents[d], agent)
		}
	}

	var ready []string
	for agent, n := range indegree {
		if n == 0 {
			ready = append(ready, agent)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		agent := ready[0]
		ready = ready[1:]
		order = append(order, agent)

		next := append([]string(nil), dependents[agent]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(indegree) {
		return nil, fmt.Errorf("%w: %d of %d agents unreachable", ErrDependencyCycle, len(indegree)-len(order), len(indegree))
	}
	return order, nil
}

// ExecutePlan recovers a group of agents in dependency order. Each agent
// waits for its dependencies to report healthy before its own procedure
// starts. Procedures in a plan must be auto-approvable.
func (o *Orchestrator) ExecutePlan(ctx context.Context, deps map[string][]string, procedureFor func(agentID string) string, by string) error {
	order, err := PlanOrder(deps)
	if err != nil {
		return err
	}
	for _, agentID := range order {
		for _, dep := range deps[agentID] {
			if err := o.awaitHealthy(ctx, dep); err != nil {
				return fmt.Errorf("waiting for dependency %s of %s: %w", dep, agentID, err)
			}
		}
		exec, err := o.Trigger(ctx, agentID, procedureFor(agentID), by)
		if err != nil {
			return fmt.Errorf("agent %s: %w", agentID, err)
		}
		if !exec.State.Terminal() {
			o.fail(o.mustGet(exec.ID), StateRejected, "plan requires auto-approvable procedure")
			return fmt.Errorf("%w: procedure %s for %s needs approval inside a plan", ErrInvalidState, exec.ProcedureID, agentID)
		}
	}
	return nil
}

// awaitHealthy polls the agent's health until it reports healthy.
func (o *Orchestrator) awaitHealthy(ctx context.Context, agentID string) error {
	if o.opts.HealthOf == nil {
		return nil
	}
	for {
		if o.opts.HealthOf(agentID) == health.Healthy {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", comm.ErrCancelled, ctx.Err())
		case <-time.After(o.opts.PollInterval):
		}
	}
}

// Get returns a snapshot of one execution.
func (o *Orchestrator) Get(execID string) (*Execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.executions[execID]
	if !ok {
		return nil, false
	}
	return exec.clone(), true
}

// ActiveFor returns the live execution id for an agent, if any.
func (o *Orchestrator) ActiveFor(agentID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.active[agentID]
	return id, ok
}

// Record renders an execution for persistence. Plugs into the store
// engine's Readers.ReadRecovery; nil for unknown ids.
func (o *Orchestrator) Record(execID string) *model.RecoveryRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.executions[execID]
	if !ok {
		return nil
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		payload = []byte("{}")
	}
	return &model.RecoveryRecord{
		ExecID:      exec.ID,
		AgentID:     exec.AgentID,
		State:       string(exec.State),
		StartedAtNs: exec.StartedAt.UnixNano(),
		EndedAtNs:   exec.EndedAt.UnixNano(),
		PayloadJSON: string(payload),
	}
}

func (o *Orchestrator) transition(exec *Execution, state ExecState) {
	o.mu.Lock()
	exec.State = state
	o.mu.Unlock()
	o.opts.Mark(exec.ID)
}

// fail moves the execution to a terminal state and releases the agent slot.
func (o *Orchestrator) fail(exec *Execution, state ExecState, reason string) {
	o.mu.Lock()
	exec.State = state
	exec.Failure = reason
	exec.EndedAt = o.now()
	o.mu.Unlock()
	o.release(exec)
	o.opts.Mark(exec.ID)
}

func (o *Orchestrator) release(exec *Execution) {
	o.mu.Lock()
	if o.active[exec.AgentID] == exec.ID {
		delete(o.active, exec.AgentID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) snapshot(exec *Execution) *Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return exec.clone()
}

func (o *Orchestrator) mustGet(execID string) *Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executions[execID]
}

func (o *Orchestrator) recordFailure(procedureID string) {
	now := o.now()
	o.mu.Lock()
	o.failures[procedureID] = append(o.pruneFailuresLocked(procedureID, now), now)
	o.mu.Unlock()
}

func (o *Orchestrator) recentFailuresLocked(procedureID string) int {
	return len(o.pruneFailuresLocked(procedureID, o.now()))
}

func (o *Orchestrator) pruneFailuresLocked(procedureID string, now time.Time) []time.Time {
	cutoff := now.Add(-failureWindow)
	kept := o.failures[procedureID][:0]
	for _, t := range o.failures[procedureID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	o.failures[procedureID] = kept
	return kept
}

func (o *Orchestrator) allowEmergencyLocked(now time.Time) bool {
	cutoff := now.Add(-o.opts.Config.EmergencyRateWindow.Std())
	kept := o.emergency[:0]
	for _, t := range o.emergency {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	o.emergency = kept
	if len(o.emergency) >= o.opts.Config.EmergencyRateLimit {
		return false
	}
	o.emergency = append(o.emergency, now)
	return true
}

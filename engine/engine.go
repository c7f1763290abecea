// Package engine executes validated workflows: it schedules steps along the
// dependency order, runs independent steps concurrently, retries transient
// failures and persists every state transition so runs survive restarts.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"golang.org/x/sync/errgroup"

	"github.com/flowforge/flowforge/graph"
	"github.com/flowforge/flowforge/provider"
	"github.com/flowforge/flowforge/registry"
	"github.com/flowforge/flowforge/secrets"
	"github.com/flowforge/flowforge/store"
)

// Config tunes execution behavior. Zero values get defaults.
type Config struct {
	MaxConcurrency int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
	return c
}

// Engine drives workflow runs to a terminal state.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	invoker  provider.Invoker
	secrets  *secrets.Resolver
	metrics  *Metrics
	logger   *slog.Logger
	cfg      Config

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// New creates an engine. Metrics may be nil to disable reporting.
func New(st store.Store, reg *registry.Registry, inv provider.Invoker, sec *secrets.Resolver, metrics *Metrics, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: reg,
		invoker:  inv,
		secrets:  sec,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		sleep:    time.Sleep,
	}
}

// Start creates a pending run with a waiting step execution per step. The
// workflow must have passed validation.
func (e *Engine) Start(ctx context.Context, wf *graph.Workflow) (*store.Run, error) {
	if wf.Status != graph.WorkflowStatusValidated {
		return nil, ErrWorkflowNotValidated
	}

	run := &store.Run{
		ID:         uuid.New(),
		WorkflowID: wf.ID,
		State:      store.RunPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("engine: create run: %w", err)
	}

	execs := make([]*store.StepExecution, len(wf.Steps))
	for i, s := range wf.Steps {
		execs[i] = &store.StepExecution{
			ID:        uuid.New(),
			RunID:     run.ID,
			StepID:    s.ID,
			State:     store.StepWaiting,
			UpdatedAt: time.Now().UTC(),
		}
	}
	if err := e.store.CreateStepExecutions(ctx, execs); err != nil {
		return nil, fmt.Errorf("engine: create step executions: %w", err)
	}
	return run, nil
}

// Execute drives the run until it reaches a terminal state or is paused.
// Trigger steps emit the given input as their output. Execute is safe to
// re-enter on a running run after a crash: completed work is read back from
// the store.
func (e *Engine) Execute(ctx context.Context, wf *graph.Workflow, runID uuid.UUID, input map[string]any) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.State {
	case store.RunPending:
		now := time.Now().UTC()
		run.State = store.RunRunning
		run.StartedAt = &now
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return err
		}
	case store.RunRunning:
	default:
		return &InvalidStateTransitionError{From: run.State, Command: "execute"}
	}

	// The gauge counts Execute loops in flight, so pause/resume and cancel
	// need no bookkeeping of their own.
	e.metrics.runStarted()
	defer e.metrics.runStopped()

	e.logger.Info("run executing", "run_id", run.ID, "workflow_id", wf.ID)

	for {
		// Pause and cancel take effect between frontiers.
		run, err = e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.State == store.RunPaused {
			e.logger.Info("run paused", "run_id", run.ID)
			return nil
		}
		if run.State.Terminal() {
			return nil
		}

		execs, err := e.store.ListStepExecutions(ctx, runID)
		if err != nil {
			return err
		}
		byStep := make(map[uuid.UUID]*store.StepExecution, len(execs))
		outputs := make(map[uuid.UUID]map[string]any)
		for _, ex := range execs {
			byStep[ex.StepID] = ex
			if ex.State == store.StepSucceeded {
				outputs[ex.StepID] = ex.OutputSnapshot
			}
		}

		if err := e.propagateSkips(ctx, wf, byStep, outputs); err != nil {
			return err
		}

		for _, ex := range byStep {
			if ex.State == store.StepFailed {
				return e.finalize(ctx, run, byStep, store.RunFailed, ex.Error)
			}
		}

		frontier := e.frontier(wf, byStep)
		if len(frontier) == 0 {
			for _, ex := range byStep {
				if !ex.State.Terminal() {
					return fmt.Errorf("engine: run %s deadlocked: step %s is %s with no eligible frontier", runID, ex.StepID, ex.State)
				}
			}
			return e.finalize(ctx, run, byStep, store.RunCompleted, "")
		}

		// outputs is read-only while the frontier runs; the next round
		// rebuilds it from the persisted snapshots.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.MaxConcurrency)
		for _, step := range frontier {
			step := step
			exec := byStep[step.ID]
			g.Go(func() error {
				return e.runStep(gctx, wf, run, step, exec, outputs, input)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// frontier returns waiting steps whose dependencies have all succeeded.
func (e *Engine) frontier(wf *graph.Workflow, byStep map[uuid.UUID]*store.StepExecution) []*graph.Step {
	var ready []*graph.Step
	for _, s := range wf.Steps {
		ex, ok := byStep[s.ID]
		if !ok || ex.State != store.StepWaiting {
			continue
		}
		eligible := true
		for _, dep := range s.DependsOn {
			depEx, ok := byStep[dep]
			if !ok || depEx.State != store.StepSucceeded {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, s)
		}
	}
	return ready
}

// propagateSkips marks the not-selected branch of decided conditions and any
// step downstream of a skipped step, repeating until no new skips appear.
func (e *Engine) propagateSkips(ctx context.Context, wf *graph.Workflow, byStep map[uuid.UUID]*store.StepExecution, outputs map[uuid.UUID]map[string]any) error {
	for {
		changed := false

		for _, s := range wf.Steps {
			if s.Kind != graph.StepKindCondition {
				continue
			}
			out, decided := outputs[s.ID]
			if !decided {
				continue
			}
			result, _ := out["result"].(bool)
			unselected := s.Then
			if !result {
				unselected = s.Else
			}
			for _, id := range unselected {
				ex := byStep[id]
				if ex != nil && ex.State == store.StepWaiting {
					if err := e.skip(ctx, ex, "branch not selected"); err != nil {
						return err
					}
					changed = true
				}
			}
		}

		for _, s := range wf.Steps {
			ex := byStep[s.ID]
			if ex == nil || ex.State != store.StepWaiting {
				continue
			}
			for _, dep := range s.DependsOn {
				if depEx := byStep[dep]; depEx != nil && depEx.State == store.StepSkipped {
					if err := e.skip(ctx, ex, "upstream step skipped"); err != nil {
						return err
					}
					changed = true
					break
				}
			}
		}

		if !changed {
			return nil
		}
	}
}

func (e *Engine) skip(ctx context.Context, ex *store.StepExecution, reason string) error {
	now := time.Now().UTC()
	ex.State = store.StepSkipped
	ex.Error = reason
	ex.CompletedAt = &now
	ex.UpdatedAt = now
	return e.store.UpdateStepExecution(ctx, ex)
}

// finalize marks remaining non-terminal step executions skipped and moves the
// run to the given terminal state.
func (e *Engine) finalize(ctx context.Context, run *store.Run, byStep map[uuid.UUID]*store.StepExecution, state store.RunState, errMsg string) error {
	for _, ex := range byStep {
		if !ex.State.Terminal() {
			if err := e.skip(ctx, ex, "run "+string(state)); err != nil {
				return err
			}
		}
	}

	now := time.Now().UTC()
	run.State = state
	run.Error = errMsg
	run.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.metrics.runFinished(string(state))
	e.logger.Info("run finished", "run_id", run.ID, "state", state, "error", errMsg)
	return nil
}

// runStep executes one step with transient-failure retries, persisting every
// transition.
func (e *Engine) runStep(ctx context.Context, wf *graph.Workflow, run *store.Run, step *graph.Step, exec *store.StepExecution, outputs map[uuid.UUID]map[string]any, input map[string]any) error {
	start := time.Now()
	now := start.UTC()
	exec.State = store.StepRunning
	exec.StartedAt = &now
	exec.UpdatedAt = now
	if err := e.store.UpdateStepExecution(ctx, exec); err != nil {
		return err
	}

	params, err := e.resolveBindings(wf, step, outputs)
	if err != nil {
		return e.failStep(ctx, step, exec, start, err)
	}
	exec.InputSnapshot = params

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		exec.Attempt = attempt
		exec.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateStepExecution(ctx, exec); err != nil {
			return err
		}

		output, err := e.invokeStep(ctx, run, step, params, input)
		if err == nil {
			done := time.Now().UTC()
			exec.State = store.StepSucceeded
			exec.OutputSnapshot = output
			exec.Error = ""
			exec.CompletedAt = &done
			exec.UpdatedAt = done
			if err := e.store.UpdateStepExecution(ctx, exec); err != nil {
				return err
			}
			e.metrics.observeStep(string(step.Kind), "succeeded", start)
			return nil
		}

		if !provider.IsTransient(err) || attempt == e.cfg.MaxAttempts {
			return e.failStep(ctx, step, exec, start, err)
		}

		backoff := e.cfg.BackoffBase << (attempt - 1)
		if backoff > e.cfg.BackoffCap {
			backoff = e.cfg.BackoffCap
		}
		e.logger.Warn("step attempt failed, retrying",
			"run_id", run.ID, "step", step.Name, "attempt", attempt, "backoff", backoff, "error", err)
		e.metrics.observeStep(string(step.Kind), "retried", start)
		e.sleep(backoff)
	}
	return nil
}

func (e *Engine) failStep(ctx context.Context, step *graph.Step, exec *store.StepExecution, start time.Time, cause error) error {
	now := time.Now().UTC()
	exec.State = store.StepFailed
	exec.Error = cause.Error()
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	e.metrics.observeStep(string(step.Kind), "failed", start)
	return e.store.UpdateStepExecution(ctx, exec)
}

// invokeStep performs the step's actual work. Condition and transform steps
// run locally; trigger and api_call steps touch the outside world.
func (e *Engine) invokeStep(ctx context.Context, run *store.Run, step *graph.Step, params map[string]any, input map[string]any) (map[string]any, error) {
	switch step.Kind {
	case graph.StepKindTrigger:
		// The triggering event's payload is the step's output.
		out := make(map[string]any, len(params)+len(input))
		for k, v := range params {
			out[k] = v
		}
		for k, v := range input {
			out[k] = v
		}
		return out, nil

	case graph.StepKindCondition:
		return evalCondition(step.Condition, params)

	case graph.StepKindTransform:
		return evalTransform(params)

	case graph.StepKindAPICall:
		purpose := fmt.Sprintf("run %s step %s", run.ID, step.Name)
		resolved := params
		if e.secrets != nil {
			var err error
			resolved, err = e.secrets.ResolveParams(ctx, params, purpose)
			if err != nil {
				return nil, err
			}
		}
		op, err := e.registry.Lookup(step.Operation)
		if err != nil {
			return nil, err
		}
		resp, err := e.invoker.Invoke(ctx, op, resolved)
		if err != nil {
			return nil, err
		}
		return resp.Output, nil

	default:
		return nil, fmt.Errorf("engine: unsupported step kind %q", step.Kind)
	}
}

// evalCondition evaluates the predicate over the step's bound inputs. The
// output is the boolean "result" field downstream steps may bind.
func evalCondition(src string, params map[string]any) (map[string]any, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("engine: compile condition: %w", err)
	}
	out, err := expr.Run(program, params)
	if err != nil {
		return nil, fmt.Errorf("engine: evaluate condition: %w", err)
	}
	result, ok := out.(bool)
	if !ok {
		return nil, fmt.Errorf("engine: condition produced %T, want bool", out)
	}
	return map[string]any{"result": result}, nil
}

// evalTransform runs the step's jq expression over its "input" parameter and
// returns the first produced value as "result".
func evalTransform(params map[string]any) (map[string]any, error) {
	src, _ := params["expression"].(string)
	if src == "" {
		return nil, fmt.Errorf("engine: transform step has no expression")
	}
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("engine: parse transform expression: %w", err)
	}

	iter := query.Run(params["input"])
	v, ok := iter.Next()
	if !ok {
		return map[string]any{"result": nil}, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("engine: transform failed: %w", err)
	}
	return map[string]any{"result": v}, nil
}

// resolveBindings materializes the step's parameters: typed references pull
// from upstream output snapshots, literal strings get their template
// placeholders substituted.
func (e *Engine) resolveBindings(wf *graph.Workflow, step *graph.Step, outputs map[uuid.UUID]map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(step.Parameters))
	for name, bv := range step.Parameters {
		switch {
		case bv.Ref != nil:
			out, ok := outputs[bv.Ref.StepID]
			if !ok {
				return nil, fmt.Errorf("engine: %s.%s references step %s which has no output", step.Name, name, bv.Ref.StepID)
			}
			params[name] = out[bv.Ref.Field]
		default:
			if s, ok := bv.Literal.(string); ok {
				resolved, err := e.substitute(wf, step, s, outputs)
				if err != nil {
					return nil, fmt.Errorf("engine: %s.%s: %w", step.Name, name, err)
				}
				params[name] = resolved
				continue
			}
			params[name] = bv.Literal
		}
	}
	return params, nil
}

// substitute replaces template placeholders inside a literal string with
// upstream output values.
func (e *Engine) substitute(wf *graph.Workflow, step *graph.Step, s string, outputs map[uuid.UUID]map[string]any) (any, error) {
	refs := graph.ParseTemplateRefs(s)
	if len(refs) == 0 {
		return s, nil
	}

	result := s
	for _, ref := range refs {
		var value any
		found := false

		if ref.Field != "" {
			producer, ok := wf.StepByName(ref.First)
			if !ok {
				return nil, fmt.Errorf("unknown step %q in template", ref.First)
			}
			if out, ok := outputs[producer.ID]; ok {
				value, found = out[ref.Field], true
			}
		} else {
			// Bare field: the first dependency exposing it wins, matching how
			// the builder resolves ambiguous bindings.
			for _, dep := range step.DependsOn {
				if out, ok := outputs[dep]; ok {
					if v, has := out[ref.First]; has {
						value, found = v, true
						break
					}
				}
			}
		}
		if !found {
			return nil, fmt.Errorf("template %s has no resolved source", ref.Raw)
		}
		result = strings.Replace(result, ref.Raw, fmt.Sprint(value), 1)
	}
	return result, nil
}

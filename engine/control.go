package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/store"
)

// Pause stops the run from launching new steps. In-flight steps finish; the
// pause takes effect before the next frontier.
func (e *Engine) Pause(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != store.RunRunning {
		return nil, &InvalidStateTransitionError{From: run.State, Command: "pause"}
	}
	run.State = store.RunPaused
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	e.logger.Info("run pause requested", "run_id", runID)
	return run, nil
}

// Resume moves a paused run back to running. The caller re-enters Execute to
// continue scheduling.
func (e *Engine) Resume(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != store.RunPaused {
		return nil, &InvalidStateTransitionError{From: run.State, Command: "resume"}
	}
	run.State = store.RunRunning
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	e.logger.Info("run resumed", "run_id", runID)
	return run, nil
}

// Cancel terminates a running or paused run: non-terminal step executions
// are marked skipped and the run becomes cancelled.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != store.RunRunning && run.State != store.RunPaused {
		return nil, &InvalidStateTransitionError{From: run.State, Command: "cancel"}
	}

	execs, err := e.store.ListStepExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, ex := range execs {
		if !ex.State.Terminal() {
			if err := e.skip(ctx, ex, "run cancelled"); err != nil {
				return nil, err
			}
		}
	}

	now := time.Now().UTC()
	run.State = store.RunCancelled
	run.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	e.metrics.runFinished(string(store.RunCancelled))
	e.logger.Info("run cancelled", "run_id", runID)
	return run, nil
}

// Package store provides durable storage for workflow definitions, execution
// runs and step execution records. Implementations guarantee read-your-writes
// consistency for the run that owns the records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/graph"
)

// Common errors.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrVersionConflict = errors.New("store: workflow version conflict")
)

// RunState is the lifecycle state of an execution run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the run state is final.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepState is the lifecycle state of one step execution.
type StepState string

const (
	StepWaiting   StepState = "waiting"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// Terminal reports whether the step state is final.
func (s StepState) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// Run is one attempt at executing a workflow. Runs are append-only once
// created; only state transitions and child step executions mutate.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	WorkflowID  uuid.UUID  `json:"workflow_id"`
	State       RunState   `json:"state"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepExecution records one step's progress within a run. Created when the
// step becomes part of the run, mutated only by the execution engine.
type StepExecution struct {
	ID             uuid.UUID      `json:"id"`
	RunID          uuid.UUID      `json:"run_id"`
	StepID         uuid.UUID      `json:"step_id"`
	State          StepState      `json:"state"`
	Attempt        int            `json:"attempt"`
	InputSnapshot  map[string]any `json:"input_snapshot,omitempty"`
	OutputSnapshot map[string]any `json:"output_snapshot,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// WorkflowStore persists workflow definitions. Definitions are soft-deleted:
// deleted workflows behave as absent on read.
type WorkflowStore interface {
	// CreateWorkflow stores a new workflow definition.
	CreateWorkflow(ctx context.Context, wf *graph.Workflow) error
	// GetWorkflow returns a workflow by id, or ErrNotFound.
	GetWorkflow(ctx context.Context, id uuid.UUID) (*graph.Workflow, error)
	// SaveWorkflow replaces the stored definition, bumping Version. It fails
	// with ErrVersionConflict if the caller's copy is stale.
	SaveWorkflow(ctx context.Context, wf *graph.Workflow) error
	// DeleteWorkflow soft-deletes a workflow.
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error
}

// RunStore persists execution runs and their step executions.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	// UpdateRun persists the run's current state, error and timestamps.
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, workflowID uuid.UUID) ([]*Run, error)

	// CreateStepExecutions inserts the initial step execution records.
	CreateStepExecutions(ctx context.Context, execs []*StepExecution) error
	// UpdateStepExecution persists one step execution transition.
	UpdateStepExecution(ctx context.Context, exec *StepExecution) error
	ListStepExecutions(ctx context.Context, runID uuid.UUID) ([]*StepExecution, error)
	// StepExecutionsSince returns executions updated after the given instant,
	// for progress streaming.
	StepExecutionsSince(ctx context.Context, runID uuid.UUID, since time.Time) ([]*StepExecution, error)
}

// Store combines all persistence interfaces.
type Store interface {
	WorkflowStore
	RunStore
	Close() error
}

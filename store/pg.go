package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowforge/flowforge/graph"
)

// pgSchema creates the tables on first connect. Production deployments run a
// proper migration tool; this keeps the store self-contained.
const pgSchema = `
CREATE TABLE IF NOT EXISTS workflows (
    id            UUID PRIMARY KEY,
    name          TEXT NOT NULL,
    definition    JSONB NOT NULL,
    status        TEXT NOT NULL,
    version       INTEGER NOT NULL,
    owner_id      TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at    TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS runs (
    id            UUID PRIMARY KEY,
    workflow_id   UUID NOT NULL REFERENCES workflows(id),
    state         TEXT NOT NULL,
    error         TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS step_executions (
    id               UUID PRIMARY KEY,
    run_id           UUID NOT NULL REFERENCES runs(id),
    step_id          UUID NOT NULL,
    state            TEXT NOT NULL,
    attempt          INTEGER NOT NULL DEFAULT 0,
    input_snapshot   JSONB,
    output_snapshot  JSONB,
    error            TEXT NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ,
    updated_at       TIMESTAMPTZ NOT NULL,
    UNIQUE (run_id, step_id)
);
CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id);
CREATE INDEX IF NOT EXISTS idx_step_executions_run ON step_executions(run_id);
`

// PGStore implements Store backed by PostgreSQL, for multi-node deployments.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to PostgreSQL and ensures the schema exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) CreateWorkflow(ctx context.Context, wf *graph.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, name, definition, status, version, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		wf.ID, wf.Name, data, string(wf.Status), wf.Version, wf.OwnerID)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *PGStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*graph.Workflow, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT definition FROM workflows WHERE id = $1 AND deleted_at IS NULL`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	var wf graph.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func (s *PGStore) SaveWorkflow(ctx context.Context, wf *graph.Workflow) error {
	next := wf.Version + 1
	data, err := json.Marshal(&graph.Workflow{
		ID: wf.ID, Name: wf.Name, Description: wf.Description,
		Steps: wf.Steps, Edges: wf.Edges, Status: wf.Status,
		Version: next, OwnerID: wf.OwnerID,
	})
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET definition = $1, status = $2, version = $3, updated_at = now()
		WHERE id = $4 AND version = $5 AND deleted_at IS NULL`,
		data, string(wf.Status), next, wf.ID, wf.Version)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		if err := s.pool.QueryRow(ctx,
			`SELECT 1 FROM workflows WHERE id = $1 AND deleted_at IS NULL`, wf.ID).Scan(&exists); err != nil {
			return fmt.Errorf("%w: workflow %s", ErrNotFound, wf.ID)
		}
		return fmt.Errorf("%w: workflow %s at version %d", ErrVersionConflict, wf.ID, wf.Version)
	}
	wf.Version = next
	return nil
}

func (s *PGStore) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	return nil
}

func (s *PGStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, workflow_id, state, error, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.WorkflowID, string(run.State), run.Error, run.CreatedAt, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PGStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var run Run
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, state, error, created_at, started_at, completed_at
		FROM runs WHERE id = $1`, id).
		Scan(&run.ID, &run.WorkflowID, &state, &run.Error, &run.CreatedAt, &run.StartedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.State = RunState(state)
	return &run, nil
}

func (s *PGStore) UpdateRun(ctx context.Context, run *Run) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET state = $1, error = $2, started_at = $3, completed_at = $4 WHERE id = $5`,
		string(run.State), run.Error, run.StartedAt, run.CompletedAt, run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, run.ID)
	}
	return nil
}

func (s *PGStore) ListRuns(ctx context.Context, workflowID uuid.UUID) ([]*Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, state, error, created_at, started_at, completed_at
		FROM runs WHERE workflow_id = $1 ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var state string
		if err := rows.Scan(&run.ID, &run.WorkflowID, &state, &run.Error,
			&run.CreatedAt, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.State = RunState(state)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (s *PGStore) CreateStepExecutions(ctx context.Context, execs []*StepExecution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range execs {
		input, output, err := marshalSnapshotsJSON(e)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO step_executions (id, run_id, step_id, state, attempt, input_snapshot, output_snapshot, error, started_at, completed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.RunID, e.StepID, string(e.State), e.Attempt, input, output, e.Error,
			e.StartedAt, e.CompletedAt, e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert step execution: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) UpdateStepExecution(ctx context.Context, e *StepExecution) error {
	input, output, err := marshalSnapshotsJSON(e)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_executions
		SET state = $1, attempt = $2, input_snapshot = $3, output_snapshot = $4, error = $5,
			started_at = $6, completed_at = $7, updated_at = $8
		WHERE run_id = $9 AND step_id = $10`,
		string(e.State), e.Attempt, input, output, e.Error,
		e.StartedAt, e.CompletedAt, e.UpdatedAt, e.RunID, e.StepID)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: step execution %s/%s", ErrNotFound, e.RunID, e.StepID)
	}
	return nil
}

func (s *PGStore) ListStepExecutions(ctx context.Context, runID uuid.UUID) ([]*StepExecution, error) {
	return s.queryStepExecutions(ctx, `
		SELECT id, run_id, step_id, state, attempt, input_snapshot, output_snapshot, error, started_at, completed_at, updated_at
		FROM step_executions WHERE run_id = $1 ORDER BY updated_at, id`, runID)
}

func (s *PGStore) StepExecutionsSince(ctx context.Context, runID uuid.UUID, since time.Time) ([]*StepExecution, error) {
	return s.queryStepExecutions(ctx, `
		SELECT id, run_id, step_id, state, attempt, input_snapshot, output_snapshot, error, started_at, completed_at, updated_at
		FROM step_executions WHERE run_id = $1 AND updated_at > $2 ORDER BY updated_at, id`, runID, since)
}

func (s *PGStore) queryStepExecutions(ctx context.Context, query string, args ...any) ([]*StepExecution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer rows.Close()

	var execs []*StepExecution
	for rows.Next() {
		var (
			e             StepExecution
			state         string
			input, output []byte
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepID, &state, &e.Attempt, &input, &output,
			&e.Error, &e.StartedAt, &e.CompletedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		e.State = StepState(state)
		if len(input) > 0 {
			if err := json.Unmarshal(input, &e.InputSnapshot); err != nil {
				return nil, fmt.Errorf("unmarshal input snapshot: %w", err)
			}
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &e.OutputSnapshot); err != nil {
				return nil, fmt.Errorf("unmarshal output snapshot: %w", err)
			}
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

func marshalSnapshotsJSON(e *StepExecution) (input, output []byte, err error) {
	if e.InputSnapshot != nil {
		if input, err = json.Marshal(e.InputSnapshot); err != nil {
			return nil, nil, fmt.Errorf("marshal input snapshot: %w", err)
		}
	}
	if e.OutputSnapshot != nil {
		if output, err = json.Marshal(e.OutputSnapshot); err != nil {
			return nil, nil, fmt.Errorf("marshal output snapshot: %w", err)
		}
	}
	return input, output, nil
}

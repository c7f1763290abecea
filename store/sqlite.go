package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/graph"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial.sql
var sqliteMigration string

// SQLiteStore implements Store using an SQLite database. It is suitable for
// single-node deployments and local development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) an SQLite-backed store. The dsn is the
// database file path; use ":memory:" for an in-memory database in tests.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	// Append pragmas to the DSN so they apply to every pooled connection.
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One open connection serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if dsn == ":memory:" {
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if _, err := db.Exec(sqliteMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *graph.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, definition, status, version, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
	`, wf.ID.String(), wf.Name, string(data), string(wf.Status), wf.Version, wf.OwnerID)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*graph.Workflow, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `
		SELECT definition FROM workflows WHERE id = ? AND deleted_at IS NULL
	`, id.String()).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	var wf graph.Workflow
	if err := json.Unmarshal([]byte(definition), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *graph.Workflow) error {
	next := wf.Version + 1
	data, err := json.Marshal(&graph.Workflow{
		ID: wf.ID, Name: wf.Name, Description: wf.Description,
		Steps: wf.Steps, Edges: wf.Edges, Status: wf.Status,
		Version: next, OwnerID: wf.OwnerID,
	})
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET definition = ?, status = ?, version = ?, updated_at = datetime('now')
		WHERE id = ? AND version = ? AND deleted_at IS NULL
	`, string(data), string(wf.Status), next, wf.ID.String(), wf.Version)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n == 0 {
		// Either missing or a stale version; distinguish for the caller.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM workflows WHERE id = ? AND deleted_at IS NULL`, wf.ID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("%w: workflow %s", ErrNotFound, wf.ID)
		}
		return fmt.Errorf("%w: workflow %s at version %d", ErrVersionConflict, wf.ID, wf.Version)
	}
	wf.Version = next
	return nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET deleted_at = datetime('now') WHERE id = ? AND deleted_at IS NULL
	`, id.String())
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, state, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID.String(), run.WorkflowID.String(), string(run.State), run.Error,
		formatTime(run.CreatedAt), formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, state, error, created_at, started_at, completed_at
		FROM runs WHERE id = ?
	`, id.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return run, err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, error = ?, started_at = ?, completed_at = ? WHERE id = ?
	`, string(run.State), run.Error, formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt), run.ID.String())
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, run.ID)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, workflowID uuid.UUID) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, state, error, created_at, started_at, completed_at
		FROM runs WHERE workflow_id = ? ORDER BY created_at
	`, workflowID.String())
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) CreateStepExecutions(ctx context.Context, execs []*StepExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range execs {
		input, output, err := marshalSnapshots(e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_executions (id, run_id, step_id, state, attempt, input_snapshot, output_snapshot, error, started_at, completed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID.String(), e.RunID.String(), e.StepID.String(), string(e.State), e.Attempt,
			input, output, e.Error, formatTimePtr(e.StartedAt), formatTimePtr(e.CompletedAt), formatTime(e.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert step execution: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateStepExecution(ctx context.Context, e *StepExecution) error {
	input, output, err := marshalSnapshots(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions
		SET state = ?, attempt = ?, input_snapshot = ?, output_snapshot = ?, error = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE run_id = ? AND step_id = ?
	`, string(e.State), e.Attempt, input, output, e.Error,
		formatTimePtr(e.StartedAt), formatTimePtr(e.CompletedAt), formatTime(e.UpdatedAt),
		e.RunID.String(), e.StepID.String())
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: step execution %s/%s", ErrNotFound, e.RunID, e.StepID)
	}
	return nil
}

func (s *SQLiteStore) ListStepExecutions(ctx context.Context, runID uuid.UUID) ([]*StepExecution, error) {
	return s.queryStepExecutions(ctx, `
		SELECT id, run_id, step_id, state, attempt, input_snapshot, output_snapshot, error, started_at, completed_at, updated_at
		FROM step_executions WHERE run_id = ? ORDER BY updated_at, id
	`, runID.String())
}

func (s *SQLiteStore) StepExecutionsSince(ctx context.Context, runID uuid.UUID, since time.Time) ([]*StepExecution, error) {
	return s.queryStepExecutions(ctx, `
		SELECT id, run_id, step_id, state, attempt, input_snapshot, output_snapshot, error, started_at, completed_at, updated_at
		FROM step_executions WHERE run_id = ? AND updated_at > ? ORDER BY updated_at, id
	`, runID.String(), formatTime(since))
}

func (s *SQLiteStore) queryStepExecutions(ctx context.Context, query string, args ...any) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer rows.Close()

	var execs []*StepExecution
	for rows.Next() {
		e, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                  Run
		id, wfID             string
		state                string
		created              string
		startedAt, completed sql.NullString
	)
	err := row.Scan(&id, &wfID, &state, &run.Error, &created, &startedAt, &completed)
	if err != nil {
		return nil, err
	}
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	if run.WorkflowID, err = uuid.Parse(wfID); err != nil {
		return nil, fmt.Errorf("parse workflow id: %w", err)
	}
	run.State = RunState(state)
	if run.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanStepExecution(row rowScanner) (*StepExecution, error) {
	var (
		e                    StepExecution
		id, runID, stepID    string
		state, updated       string
		input, output        sql.NullString
		startedAt, completed sql.NullString
	)
	err := row.Scan(&id, &runID, &stepID, &state, &e.Attempt, &input, &output, &e.Error, &startedAt, &completed, &updated)
	if err != nil {
		return nil, err
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse step execution id: %w", err)
	}
	if e.RunID, err = uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	if e.StepID, err = uuid.Parse(stepID); err != nil {
		return nil, fmt.Errorf("parse step id: %w", err)
	}
	e.State = StepState(state)
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &e.InputSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal input snapshot: %w", err)
		}
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &e.OutputSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal output snapshot: %w", err)
		}
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	return &e, nil
}

func marshalSnapshots(e *StepExecution) (input, output sql.NullString, err error) {
	if e.InputSnapshot != nil {
		data, err := json.Marshal(e.InputSnapshot)
		if err != nil {
			return input, output, fmt.Errorf("marshal input snapshot: %w", err)
		}
		input = sql.NullString{String: string(data), Valid: true}
	}
	if e.OutputSnapshot != nil {
		data, err := json.Marshal(e.OutputSnapshot)
		if err != nil {
			return input, output, fmt.Errorf("marshal output snapshot: %w", err)
		}
		output = sql.NullString{String: string(data), Valid: true}
	}
	return input, output, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

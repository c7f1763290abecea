package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/graph"
)

// Memory is an in-memory Store for tests and single-process development.
type Memory struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]*memWorkflow
	runs      map[uuid.UUID]*Run
	steps     map[uuid.UUID]map[uuid.UUID]*StepExecution // run id -> step id -> exec
}

type memWorkflow struct {
	definition []byte
	version    int
	deleted    bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows: make(map[uuid.UUID]*memWorkflow),
		runs:      make(map[uuid.UUID]*Run),
		steps:     make(map[uuid.UUID]map[uuid.UUID]*StepExecution),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateWorkflow(_ context.Context, wf *graph.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("store: marshal workflow: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.workflows[wf.ID]; ok && !existing.deleted {
		return fmt.Errorf("store: workflow %s already exists", wf.ID)
	}
	m.workflows[wf.ID] = &memWorkflow{definition: data, version: wf.Version}
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id uuid.UUID) (*graph.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.workflows[id]
	if !ok || rec.deleted {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	var wf graph.Workflow
	if err := json.Unmarshal(rec.definition, &wf); err != nil {
		return nil, fmt.Errorf("store: unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func (m *Memory) SaveWorkflow(_ context.Context, wf *graph.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.workflows[wf.ID]
	if !ok || rec.deleted {
		return fmt.Errorf("%w: workflow %s", ErrNotFound, wf.ID)
	}
	if rec.version != wf.Version {
		return fmt.Errorf("%w: stored version %d, caller version %d", ErrVersionConflict, rec.version, wf.Version)
	}
	wf.Version++
	data, err := json.Marshal(wf)
	if err != nil {
		wf.Version--
		return fmt.Errorf("store: marshal workflow: %w", err)
	}
	rec.definition = data
	rec.version = wf.Version
	return nil
}

func (m *Memory) DeleteWorkflow(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.workflows[id]
	if !ok || rec.deleted {
		return fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	rec.deleted = true
	return nil
}

func (m *Memory) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("store: run %s already exists", run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) UpdateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) ListRuns(_ context.Context, workflowID uuid.UUID) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []*Run
	for _, r := range m.runs {
		if r.WorkflowID == workflowID {
			cp := *r
			runs = append(runs, &cp)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

func (m *Memory) CreateStepExecutions(_ context.Context, execs []*StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range execs {
		byStep, ok := m.steps[e.RunID]
		if !ok {
			byStep = make(map[uuid.UUID]*StepExecution)
			m.steps[e.RunID] = byStep
		}
		byStep[e.StepID] = copyStepExecution(e)
	}
	return nil
}

func (m *Memory) UpdateStepExecution(_ context.Context, exec *StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStep, ok := m.steps[exec.RunID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, exec.RunID)
	}
	if _, ok := byStep[exec.StepID]; !ok {
		return fmt.Errorf("%w: step execution %s/%s", ErrNotFound, exec.RunID, exec.StepID)
	}
	byStep[exec.StepID] = copyStepExecution(exec)
	return nil
}

func (m *Memory) ListStepExecutions(_ context.Context, runID uuid.UUID) ([]*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byStep := m.steps[runID]
	execs := make([]*StepExecution, 0, len(byStep))
	for _, e := range byStep {
		execs = append(execs, copyStepExecution(e))
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].ID.String() < execs[j].ID.String()
	})
	return execs, nil
}

func (m *Memory) StepExecutionsSince(_ context.Context, runID uuid.UUID, since time.Time) ([]*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var execs []*StepExecution
	for _, e := range m.steps[runID] {
		if e.UpdatedAt.After(since) {
			execs = append(execs, copyStepExecution(e))
		}
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].UpdatedAt.Before(execs[j].UpdatedAt) })
	return execs, nil
}

func copyStepExecution(e *StepExecution) *StepExecution {
	cp := *e
	if e.InputSnapshot != nil {
		cp.InputSnapshot = make(map[string]any, len(e.InputSnapshot))
		for k, v := range e.InputSnapshot {
			cp.InputSnapshot[k] = v
		}
	}
	if e.OutputSnapshot != nil {
		cp.OutputSnapshot = make(map[string]any, len(e.OutputSnapshot))
		for k, v := range e.OutputSnapshot {
			cp.OutputSnapshot[k] = v
		}
	}
	return &cp
}

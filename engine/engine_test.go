package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/flowforge/flowforge/graph"
	"github.com/flowforge/flowforge/provider"
	"github.com/flowforge/flowforge/registry"
	"github.com/flowforge/flowforge/secrets"
	"github.com/flowforge/flowforge/store"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	must := func(providerID string, ops []registry.Operation) {
		if err := reg.Register(providerID, ops); err != nil {
			t.Fatalf("register %s: %v", providerID, err)
		}
	}
	must("github", []registry.Operation{{
		Name: "issue_created", Description: "Fires when an issue is created",
		OutputSchema: registry.Schema{
			{Name: "title", Type: "string"},
			{Name: "amount", Type: "number"},
		},
	}})
	must("slack", []registry.Operation{{
		Name: "post_message", Description: "Posts a Slack message",
		InputSchema: registry.Schema{
			{Name: "channel", Type: "string", Required: true},
			{Name: "text", Type: "string", Required: true},
		},
		OutputSchema: registry.Schema{{Name: "ts", Type: "string"}},
	}})
	must("trello", []registry.Operation{{
		Name: "create_card", Description: "Creates a Trello card",
		InputSchema:  registry.Schema{{Name: "title", Type: "string", Required: true}},
		OutputSchema: registry.Schema{{Name: "card_id", Type: "string"}},
	}})
	return reg
}

// fakeInvoker scripts per-operation behavior and records every call.
type fakeInvoker struct {
	mu       sync.Mutex
	calls    []string
	params   map[string][]map[string]any
	handlers map[string]func(attempt int, params map[string]any) (map[string]any, error)
	attempts map[string]int
	onInvoke func(op string)
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		params:   make(map[string][]map[string]any),
		handlers: make(map[string]func(int, map[string]any) (map[string]any, error)),
		attempts: make(map[string]int),
	}
}

func (f *fakeInvoker) Invoke(_ context.Context, op registry.Operation, params map[string]any) (*provider.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, op.QualifiedName)
	f.params[op.QualifiedName] = append(f.params[op.QualifiedName], params)
	f.attempts[op.QualifiedName]++
	attempt := f.attempts[op.QualifiedName]
	handler := f.handlers[op.QualifiedName]
	hook := f.onInvoke
	f.mu.Unlock()

	if hook != nil {
		hook(op.QualifiedName)
	}
	if handler == nil {
		return &provider.Response{Status: 200, Output: map[string]any{}}, nil
	}
	out, err := handler(attempt, params)
	if err != nil {
		return nil, err
	}
	return &provider.Response{Status: 200, Output: out}, nil
}

func (f *fakeInvoker) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[op]
}

func buildWorkflow(t *testing.T, reg *registry.Registry, candidates []graph.CandidateStep) *graph.Workflow {
	t.Helper()
	wf, report, err := graph.NewBuilder(reg, nil).Build("test", "", candidates)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !report.Valid() {
		t.Fatalf("workflow invalid: %+v", report.Errors)
	}
	return wf
}

func notifyCandidates() []graph.CandidateStep {
	return []graph.CandidateStep{
		{Name: "on_issue", Kind: graph.StepKindTrigger, Operation: "github_issue_created"},
		{Name: "notify", Kind: graph.StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng", "text": "New: {{on_issue.title}}"}},
		{Name: "track", Kind: graph.StepKindAPICall, Operation: "trello_create_card",
			Parameters: map[string]any{"title": "{{on_issue.title}}"}},
	}
}

func newTestEngine(t *testing.T, st store.Store, inv provider.Invoker) *Engine {
	t.Helper()
	e := New(st, testRegistry(t), inv, nil, nil, nil, Config{MaxAttempts: 3})
	e.sleep = func(time.Duration) {}
	return e
}

func execState(t *testing.T, st store.Store, runID, stepID uuid.UUID) *store.StepExecution {
	t.Helper()
	execs, err := st.ListStepExecutions(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListStepExecutions: %v", err)
	}
	for _, ex := range execs {
		if ex.StepID == stepID {
			return ex
		}
	}
	t.Fatalf("no execution for step %s", stepID)
	return nil
}

func TestExecuteCompletesLinearWorkflow(t *testing.T) {
	st := store.NewMemory()
	inv := newFakeInvoker()
	inv.handlers["slack_post_message"] = func(_ int, _ map[string]any) (map[string]any, error) {
		return map[string]any{"ts": "1.2"}, nil
	}
	inv.handlers["trello_create_card"] = func(_ int, _ map[string]any) (map[string]any, error) {
		return map[string]any{"card_id": "c-9"}, nil
	}
	e := newTestEngine(t, st, inv)

	wf := buildWorkflow(t, testRegistry(t), notifyCandidates())
	run, err := e.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Execute(context.Background(), wf, run.ID, map[string]any{"title": "crash on boot", "amount": 5}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := st.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != store.RunCompleted {
		t.Fatalf("run state = %s, want completed (error %q)", got.State, got.Error)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("run timestamps not set")
	}

	// Template substitution flowed the trigger payload into both calls.
	slackParams := inv.params["slack_post_message"][0]
	if slackParams["text"] != "New: crash on boot" {
		t.Errorf("slack text = %v", slackParams["text"])
	}
	trelloParams := inv.params["trello_create_card"][0]
	if trelloParams["title"] != "crash on boot" {
		t.Errorf("trello title = %v", trelloParams["title"])
	}

	// Snapshots persisted per step.
	notify, _ := wf.StepByName("notify")
	ex := execState(t, st, run.ID, notify.ID)
	if ex.State != store.StepSucceeded || ex.OutputSnapshot["ts"] != "1.2" {
		t.Errorf("notify execution = %+v", ex)
	}
}

// Both fan-out steps run at the same time and read the trigger's output;
// run with -race to check the frontier shares its bindings safely.
func TestFanOutStepsRunConcurrently(t *testing.T) {
	st := store.NewMemory()
	inv := newFakeInvoker()
	inv.handlers["slack_post_message"] = func(_ int, _ map[string]any) (map[string]any, error) {
		return map[string]any{"ts": "1.2"}, nil
	}
	inv.handlers["trello_create_card"] = func(_ int, _ map[string]any) (map[string]any, error) {
		return map[string]any{"card_id": "c-9"}, nil
	}

	// Barrier: neither fan-out step may finish before the other has started.
	var barrier sync.WaitGroup
	barrier.Add(2)
	inv.onInvoke = func(op string) {
		if op == "slack_post_message" || op == "trello_create_card" {
			barrier.Done()
			barrier.Wait()
		}
	}

	e := newTestEngine(t, st, inv)
	wf := buildWorkflow(t, testRegistry(t), notifyCandidates())
	run, err := e.Start(context.Background(), wf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Execute(context.Background(), wf, run.ID, map[string]any{"title": "disk full", "amount": 2}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != store.RunCompleted {
		t.Fatalf("run state = %s, want completed (error %q)", got.State, got.Error)
	}
	if inv.params["slack_post_message"][0]["text"] != "New: disk full" {
		t.Errorf("slack text = %v", inv.params["slack_post_message"][0]["text"])
	}
	if inv.params["trello_create_card"][0]["title"] != "disk full" {
		t.Errorf("trello title = %v", inv.params["trello_create_card"][0]["title"])
	}
}

func TestRetryThenSucceed(t *testing.T) {
	st := store.NewMemory()
	inv := newFakeInvoker()
	inv.handlers["slack_post_message"] = func(attempt int, _ map[string]any) (map[string]any, error) {
		if attempt < 3 {
			return nil, &provider.TransientError{Status: 503, Err: errors.New("overloaded")}
		}
		return map[string]any{"ts": "1.2"}, nil
	}
	e := newTestEngine(t, st, inv)

	wf := buildWorkflow(t, testRegistry(t), []graph.CandidateStep{
		{Name: "on_issue", Kind: graph.StepKindTrigger, Operation: "github_issue_created"},
		{Name: "notify", Kind: graph.StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng", "text": "hi"},
			DependsOn:  []string{"on_issue"}},
	})
	run, _ := e.Start(context.Background(), wf)
	if err := e.Execute(context.Background(), wf, run.ID, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != store.RunCompleted {
		t.Fatalf("run state = %s, want completed", got.State)
	}
	notify, _ := wf.StepByName("notify")
	ex := execState(t, st, run.ID, notify.ID)
	if ex.Attempt != 3 || ex.State != store.StepSucceeded {
		t.Errorf("attempt = %d state = %s, want 3/succeeded", ex.Attempt, ex.State)
	}
}

func TestRetryExhaustionFailsRun(t *testing.T) {
	st := store.NewMemory()
	inv := newFakeInvoker()
	inv.handlers["slack_post_message"] = func(_ int, _ map[string]any) (map[string]any, error) {
		return nil, &provider.TransientError{Status: 502, Err: errors.New("bad gateway")}
	}
	e := newTestEngine(t, st, inv)

	wf := buildWorkflow(t, testRegistry(t), []graph.CandidateStep{
		{Name: "on_issue", Kind: graph.StepKindTrigger, Operation: "github_issue_created"},
		{Name: "notify", Kind: graph.StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng", "text": "hi"},
			DependsOn:  []string{"on_issue"}},
		{Name: "track", Kind: graph.StepKindAPICall, Operation: "trello_create_card",
			Parameters: map[string]any{"title": "t"},
			DependsOn:  []string{"notify"}},
	})
	run, _ := e.Start(context.Background(), wf)
	if err := e.Execute(context.Background(), wf, run.ID, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != store.RunFailed || got.Error == "" {
		t.Fatalf("run = %s error = %q, want failed with error", got.State, got.Error)
	}
	if n := inv.callCount("slack_post_message"); n != 3 {
		t.Errorf("slack attempts = %d, want 3", n)
	}
	// Downstream never ran.
	if n := inv.callCount("trello_create_card"); n != 0 {
		t.Errorf("trello attempts = %d, want 0", n)
	}
	track, _ := wf.StepByName("track")
	if ex := execState(t, st, run.ID, track.ID); ex.State != store.StepSkipped {
		t.Errorf("track state = %s, want skipped", ex.State)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	st := store.NewMemory()
	inv := newFakeInvoker()
	inv.handlers["slack_post_message"] = func(_ int, _ map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("channel is archived")
	}
	e := newTestEngine(t, st, inv)

	wf := buildWorkflow(t, testRegistry(t), []graph.CandidateStep{
		{Name: "on_issue", Kind: graph.StepKindTrigger, Operation: "github_issue_created"},
		{Name: "notify", Kind: graph.StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#gone", "text": "hi"},
			DependsOn:  []string{"on_issue"}},
	})
	run, _ := e.Start(context.Background(), wf)
	if err := e.Execute(context.Background(), wf, run.ID, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if n := inv.callCount("slack_post_message"); n != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent failure)", n)
	}
	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != store.RunFailed {
		t.Errorf("run state = %s, want failed", got.State)
	}
}

func conditionCandidates() []graph.CandidateStep {
	return []graph.CandidateStep{
		{Name: "on_issue", Kind: graph.StepKindTrigger, Operation: "github_issue_created"},
		{Name: "check_amount", Kind: graph.StepKindCondition,
			Condition:  "amount > 1000",
			Parameters: map[string]any{"amount": "{{on_issue.amount}}"},
			Then:       []string{"notify"},
			Else:       []string{"track"}},
		{Name: "notify", Kind: graph.StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#approvals", "text": "needs approval"}},
		{Name: "track", Kind: graph.StepKindAPICall, Operation: "trello_create_card",
			Parameters: map[string]any{"title": "auto-approved"}},
	}
}

func TestConditionSelectsThenBranch(t *testing.T) {
	st := store.NewMemory()
	inv := newFakeInvoker()
	e := newTestEngine(t, st, inv)

	wf := buildWorkflow(t, testRegistry(t), conditionCandidates())
	run, _ := e.Start(context.Background(), wf)
	if err := e.Execute(context.Background(), wf, run.ID, map[string]any{"amount": 2500}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != store.RunCompleted {
		t.Fatalf("run state = %s, want completed (error %q)", got.State, got.Error)
	}
	if inv.callCount("slack_post_message") != 1 || inv.callCount("trello_create_card") != 0 {
		t.Errorf("calls = %v, want slack only", inv.calls)
	}
	track, _ := wf.StepByName("track")
	if ex := execState(t, st, run.ID, track.ID); ex.State != store.StepSkipped {
		t.Errorf("else-branch state = %s, want skipped", ex.State)
	}
	check, _ := wf.StepByName("check_amount")
	if ex := execState(t, st, run.ID, check.ID); ex.OutputSnapshot["result"] != true {
		t.Errorf("condition output = %+v", ex.OutputSnapshot)
	}
}

func TestConditionSelectsElseBranch(t *testing.T) {
	st := store.NewMemory()
	inv := newFakeInvoker()
	e := newTestEngine(t, st, inv)

	wf := buildWorkflow(t, testRegistry(t), conditionCandidates())
	run, _ := e.Start(context.Background(), wf)
	if err := e.Execute(context.Background(), wf, run.ID, map[string]any{"amount": 10}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if inv.callCount("slack_post_message") != 0 || inv.callCount("trello_create_card") != 1 {
		t.Errorf("calls = %v, want trello only", inv.calls)
	}
	notify, _ := wf.StepByName("notify")
	if ex := execState(t, st, run.ID, notify.ID); ex.State != store.StepSkipped {
		t.Errorf("then-branch state = %s, want skipped", ex.State)
	}
}

func TestPauseStopsLaunchingAndResumeFinishes(t *testing.T) {
	st := store.NewMemory()
	inv := newFakeInvoker()
	e := newTestEngine(t, st, inv)

	wf := buildWorkflow(t, testRegistry(t), []graph.CandidateStep{
		{Name: "on_issue", Kind: graph.StepKindTrigger, Operation: "github_issue_created"},
		{Name: "notify", Kind: graph.StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng", "text": "hi"},
			DependsOn:  []string{"on_issue"}},
		{Name: "track", Kind: graph.StepKindAPICall, Operation: "trello_create_card",
			Parameters: map[string]any{"title": "t"},
			DependsOn:  []string{"notify"}},
	})
	run, _ := e.Start(context.Background(), wf)

	// Pause from inside the first api_call: the in-flight step finishes, the
	// downstream step must not launch.
	inv.onInvoke = func(op string) {
		if op == "slack_post_message" {
			if _, err := e.Pause(context.Background(), run.ID); err != nil {
				t.Errorf("Pause: %v", err)
			}
		}
	}
	if err := e.Execute(context.Background(), wf, run.ID, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != store.RunPaused {
		t.Fatalf("run state = %s, want paused", got.State)
	}
	notify, _ := wf.StepByName("notify")
	if ex := execState(t, st, run.ID, notify.ID); ex.State != store.StepSucceeded {
		t.Errorf("in-flight step state = %s, want succeeded", ex.State)
	}
	if n := inv.callCount("trello_create_card"); n != 0 {
		t.Errorf("downstream launched while paused: %d calls", n)
	}

	// Resume picks up where the run left off.
	inv.onInvoke = nil
	if _, err := e.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := e.Execute(context.Background(), wf, run.ID, nil); err != nil {
		t.Fatalf("Execute after resume: %v", err)
	}
	got, _ = st.GetRun(context.Background(), run.ID)
	if got.State != store.RunCompleted {
		t.Errorf("run state = %s, want completed", got.State)
	}
	if n := inv.callCount("slack_post_message"); n != 1 {
		t.Errorf("completed step re-ran after resume: %d calls", n)
	}
}

func TestCancelSkipsRemainingSteps(t *testing.T) {
	st := store.NewMemory()
	inv := newFakeInvoker()
	e := newTestEngine(t, st, inv)

	wf := buildWorkflow(t, testRegistry(t), []graph.CandidateStep{
		{Name: "on_issue", Kind: graph.StepKindTrigger, Operation: "github_issue_created"},
		{Name: "notify", Kind: graph.StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng", "text": "hi"},
			DependsOn:  []string{"on_issue"}},
		{Name: "track", Kind: graph.StepKindAPICall, Operation: "trello_create_card",
			Parameters: map[string]any{"title": "t"},
			DependsOn:  []string{"notify"}},
	})
	run, _ := e.Start(context.Background(), wf)

	// Cancel from inside the first api_call: the run terminates, the
	// downstream step stays skipped.
	inv.onInvoke = func(op string) {
		if op == "slack_post_message" {
			if _, err := e.Cancel(context.Background(), run.ID); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
	}
	if err := e.Execute(context.Background(), wf, run.ID, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != store.RunCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
	track, _ := wf.StepByName("track")
	if ex := execState(t, st, run.ID, track.ID); ex.State != store.StepSkipped {
		t.Errorf("downstream step state = %s, want skipped", ex.State)
	}
	if n := inv.callCount("trello_create_card"); n != 0 {
		t.Errorf("downstream launched after cancel: %d calls", n)
	}

	// Executing a cancelled run is rejected.
	err := e.Execute(context.Background(), wf, run.ID, nil)
	var invalid *InvalidStateTransitionError
	if !errors.As(err, &invalid) {
		t.Errorf("Execute after cancel err = %v, want InvalidStateTransitionError", err)
	}
}

func TestActiveRunsGaugeStaysBalanced(t *testing.T) {
	st := store.NewMemory()
	inv := newFakeInvoker()
	m := NewMetrics()
	e := New(st, testRegistry(t), inv, nil, m, nil, Config{MaxAttempts: 3})
	e.sleep = func(time.Duration) {}

	wf := buildWorkflow(t, testRegistry(t), notifyCandidates())
	run, _ := e.Start(context.Background(), wf)

	// Pause mid-run, then cancel the paused run: each command must leave the
	// gauge at zero once Execute has returned.
	inv.onInvoke = func(op string) {
		if op == "slack_post_message" {
			if v := testutil.ToFloat64(m.ActiveRuns); v != 1 {
				t.Errorf("active runs during step = %v, want 1", v)
			}
			if _, err := e.Pause(context.Background(), run.ID); err != nil {
				t.Errorf("Pause: %v", err)
			}
		}
	}
	if err := e.Execute(context.Background(), wf, run.ID, map[string]any{"title": "t", "amount": 1}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v := testutil.ToFloat64(m.ActiveRuns); v != 0 {
		t.Errorf("active runs after pause = %v, want 0", v)
	}

	if _, err := e.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if v := testutil.ToFloat64(m.ActiveRuns); v != 0 {
		t.Errorf("active runs after cancelling paused run = %v, want 0", v)
	}

	// A run driven to completion balances too.
	inv.onInvoke = nil
	wf2 := buildWorkflow(t, testRegistry(t), notifyCandidates())
	run2, _ := e.Start(context.Background(), wf2)
	if err := e.Execute(context.Background(), wf2, run2.ID, map[string]any{"title": "t", "amount": 1}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v := testutil.ToFloat64(m.ActiveRuns); v != 0 {
		t.Errorf("active runs after completion = %v, want 0", v)
	}
}

func TestInvalidTransitions(t *testing.T) {
	st := store.NewMemory()
	e := newTestEngine(t, st, newFakeInvoker())

	wf := buildWorkflow(t, testRegistry(t), notifyCandidates())
	run, _ := e.Start(context.Background(), wf)

	var invalid *InvalidStateTransitionError
	if _, err := e.Pause(context.Background(), run.ID); !errors.As(err, &invalid) {
		t.Errorf("pause pending err = %v", err)
	}
	if _, err := e.Resume(context.Background(), run.ID); !errors.As(err, &invalid) {
		t.Errorf("resume pending err = %v", err)
	}
	if _, err := e.Cancel(context.Background(), run.ID); !errors.As(err, &invalid) {
		t.Errorf("cancel pending err = %v", err)
	}

	if err := e.Execute(context.Background(), wf, run.ID, map[string]any{"title": "t", "amount": 1}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := e.Cancel(context.Background(), run.ID); !errors.As(err, &invalid) {
		t.Errorf("cancel completed err = %v", err)
	}
}

func TestStartRejectsDraftWorkflow(t *testing.T) {
	st := store.NewMemory()
	e := newTestEngine(t, st, newFakeInvoker())

	wf := buildWorkflow(t, testRegistry(t), notifyCandidates())
	wf.Status = graph.WorkflowStatusDraft
	if _, err := e.Start(context.Background(), wf); !errors.Is(err, ErrWorkflowNotValidated) {
		t.Errorf("err = %v, want ErrWorkflowNotValidated", err)
	}
}

func TestTransformStep(t *testing.T) {
	st := store.NewMemory()
	inv := newFakeInvoker()
	e := newTestEngine(t, st, inv)

	wf := buildWorkflow(t, testRegistry(t), []graph.CandidateStep{
		{Name: "on_issue", Kind: graph.StepKindTrigger, Operation: "github_issue_created"},
		{Name: "shout", Kind: graph.StepKindTransform,
			Parameters: map[string]any{
				"expression": ". | ascii_upcase",
				"input":      "{{on_issue.title}}",
			}},
		{Name: "notify", Kind: graph.StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng", "text": "{{shout.result}}"}},
	})
	run, _ := e.Start(context.Background(), wf)
	if err := e.Execute(context.Background(), wf, run.ID, map[string]any{"title": "disk full"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != store.RunCompleted {
		t.Fatalf("run state = %s (error %q)", got.State, got.Error)
	}
	if text := inv.params["slack_post_message"][0]["text"]; text != "DISK FULL" {
		t.Errorf("text = %v, want DISK FULL", text)
	}
}

func TestSecretsResolvedButNotPersisted(t *testing.T) {
	t.Setenv("SLACK_TOKEN", "xoxb-live")

	st := store.NewMemory()
	inv := newFakeInvoker()
	resolver := secrets.NewResolver(secrets.NewEnvProvider(""), nil)
	e := New(st, testRegistry(t), inv, resolver, nil, nil, Config{})
	e.sleep = func(time.Duration) {}

	wf := buildWorkflow(t, testRegistry(t), []graph.CandidateStep{
		{Name: "on_issue", Kind: graph.StepKindTrigger, Operation: "github_issue_created"},
		{Name: "notify", Kind: graph.StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{
				"channel": "#eng",
				"text":    "hi",
				"token":   "secret://slack.token",
			},
			DependsOn: []string{"on_issue"}},
	})
	run, _ := e.Start(context.Background(), wf)
	if err := e.Execute(context.Background(), wf, run.ID, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// The invoker saw the material.
	if got := inv.params["slack_post_message"][0]["token"]; got != "xoxb-live" {
		t.Errorf("invoker token = %v, want resolved secret", got)
	}
	// The snapshot kept the reference.
	notify, _ := wf.StepByName("notify")
	ex := execState(t, st, run.ID, notify.ID)
	if got := ex.InputSnapshot["token"]; got != "secret://slack.token" {
		t.Errorf("snapshot token = %v, want unresolved reference", got)
	}
}

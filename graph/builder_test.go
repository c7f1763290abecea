package graph

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/flowforge/flowforge/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()

	err := r.Register("github", []registry.Operation{{
		Name:        "issue_created",
		Description: "fires when a new issue is created",
		OutputSchema: registry.Schema{
			{Name: "issue_id", Type: "string"},
			{Name: "title", Type: "string"},
			{Name: "url", Type: "string"},
		},
	}})
	if err != nil {
		t.Fatalf("register github: %v", err)
	}

	err = r.Register("slack", []registry.Operation{{
		Name:        "post_message",
		Description: "posts a message to a channel",
		InputSchema: registry.Schema{
			{Name: "channel", Type: "string", Required: true},
			{Name: "text", Type: "string", Required: true},
		},
		OutputSchema: registry.Schema{
			{Name: "ts", Type: "string"},
			{Name: "channel", Type: "string"},
		},
	}})
	if err != nil {
		t.Fatalf("register slack: %v", err)
	}

	err = r.Register("trello", []registry.Operation{{
		Name:        "create_card",
		Description: "creates a tracking card on a board",
		InputSchema: registry.Schema{
			{Name: "list_id", Type: "string", Required: true},
			{Name: "name", Type: "string", Required: true},
		},
		OutputSchema: registry.Schema{
			{Name: "card_id", Type: "string"},
			{Name: "url", Type: "string"},
		},
	}})
	if err != nil {
		t.Fatalf("register trello: %v", err)
	}

	err = r.Register("billing", []registry.Operation{{
		Name:        "submit_approval",
		Description: "sends an approval request",
		InputSchema: registry.Schema{
			{Name: "approver", Type: "string", Required: true},
		},
		OutputSchema: registry.Schema{
			{Name: "request_id", Type: "string"},
		},
	}, {
		Name:        "auto_approve",
		Description: "automatically approves a request",
		InputSchema: registry.Schema{
			{Name: "reason", Type: "string", Required: true},
		},
		OutputSchema: registry.Schema{
			{Name: "approved", Type: "boolean"},
		},
	}})
	if err != nil {
		t.Fatalf("register billing: %v", err)
	}

	return r
}

// The compiled "notify a channel and create a tracking card on a new issue"
// workflow: exactly 3 steps, steps 2 and 3 independent of each other and both
// downstream of the trigger, operation names provider-prefixed and distinct.
func TestBuildNotifyAndTrackWorkflow(t *testing.T) {
	b := NewBuilder(testRegistry(t), nil)

	wf, report, err := b.Build("issue-fanout", "", []CandidateStep{
		{Name: "new_issue", Kind: StepKindTrigger, Operation: "github_issue_created"},
		{
			Name: "notify", Kind: StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng", "text": "New issue: {{new_issue.title}}"},
		},
		{
			Name: "track", Kind: StepKindAPICall, Operation: "trello_create_card",
			Parameters: map[string]any{"list_id": "backlog", "name": "{{new_issue.title}}"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !report.Valid() {
		t.Fatalf("expected valid workflow, got errors: %v", report.Errors)
	}
	if len(wf.Steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(wf.Steps))
	}
	if wf.Status != WorkflowStatusValidated {
		t.Errorf("status = %q, want validated", wf.Status)
	}

	notify, _ := wf.StepByName("notify")
	track, _ := wf.StepByName("track")
	trigger, _ := wf.StepByName("new_issue")

	if notify.DependsOnStep(track.ID) || track.DependsOnStep(notify.ID) {
		t.Error("notify and track must not depend on each other")
	}
	if !notify.DependsOnStep(trigger.ID) || !track.DependsOnStep(trigger.ID) {
		t.Error("both fan-out steps must depend on the trigger")
	}
	if notify.OrderToken != track.OrderToken {
		t.Errorf("fan-out steps at different depths: %d vs %d", notify.OrderToken, track.OrderToken)
	}

	// Operation names are provider-prefixed and distinct.
	seen := map[string]bool{}
	for _, s := range wf.Steps {
		if seen[s.Operation] {
			t.Errorf("duplicate operation %q", s.Operation)
		}
		seen[s.Operation] = true
	}

	// notify and track land in the same parallel group.
	inSameGroup := false
	for _, group := range wf.ParallelGroups() {
		hasNotify, hasTrack := false, false
		for _, id := range group {
			if id == notify.ID {
				hasNotify = true
			}
			if id == track.ID {
				hasTrack = true
			}
		}
		if hasNotify && hasTrack {
			inSameGroup = true
		}
	}
	if !inSameGroup {
		t.Error("notify and track should share a parallel group")
	}
}

func TestDataFlowInference(t *testing.T) {
	b := NewBuilder(testRegistry(t), nil)

	wf, _, err := b.Build("wf", "", []CandidateStep{
		{Name: "new_issue", Kind: StepKindTrigger, Operation: "github_issue_created"},
		{
			Name: "notify", Kind: StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng", "text": "{{new_issue.title}}"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	notify, _ := wf.StepByName("notify")
	trigger, _ := wf.StepByName("new_issue")

	// A pure reference becomes a typed binding.
	bv := notify.Parameters["text"]
	if bv.Ref == nil {
		t.Fatal("text parameter should be a field reference")
	}
	if bv.Ref.StepID != trigger.ID || bv.Ref.Field != "title" {
		t.Errorf("ref = %+v, want trigger.title", bv.Ref)
	}

	// The reference derived an edge and a dependency.
	if !notify.DependsOnStep(trigger.ID) {
		t.Error("reference should imply a dependency")
	}
	found := false
	for _, e := range wf.Edges {
		if e.FromStepID == trigger.ID && e.ToStepID == notify.ID &&
			e.OutputField == "title" && e.InputField == "text" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected derived edge trigger.title -> notify.text, edges: %+v", wf.Edges)
	}
}

func TestAmbiguousBindingTieBreak(t *testing.T) {
	// Both github_issue_created and trello_create_card output "url". A bare
	// {{url}} reference binds to the earliest-declared producer and warns.
	b := NewBuilder(testRegistry(t), nil)

	wf, report, err := b.Build("wf", "", []CandidateStep{
		{Name: "new_issue", Kind: StepKindTrigger, Operation: "github_issue_created"},
		{
			Name: "track", Kind: StepKindAPICall, Operation: "trello_create_card",
			Parameters: map[string]any{"list_id": "backlog", "name": "n"},
			DependsOn:  []string{"new_issue"},
		},
		{
			Name: "notify", Kind: StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng", "text": "{{url}}"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	notify, _ := wf.StepByName("notify")
	trigger, _ := wf.StepByName("new_issue")
	if bv := notify.Parameters["text"]; bv.Ref == nil || bv.Ref.StepID != trigger.ID {
		t.Errorf("ambiguous field should bind to earliest-declared producer, got %+v", bv.Ref)
	}

	warned := false
	for _, w := range report.Warnings {
		if w.Code == CodeAmbiguousBinding {
			warned = true
		}
	}
	if !warned {
		t.Errorf("expected ambiguous binding warning, got %+v", report.Warnings)
	}
}

func TestUnboundRequiredField(t *testing.T) {
	b := NewBuilder(testRegistry(t), nil)

	_, report, err := b.Build("wf", "", []CandidateStep{
		{Name: "notify", Kind: StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng"}}, // "text" unbound
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if report.Valid() {
		t.Fatal("expected blocking validation errors")
	}
	found := false
	for _, e := range report.Errors {
		if e.Code == CodeUnboundRequiredField && e.Field == "text" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unbound_required_field for text, got %+v", report.Errors)
	}
}

func TestUnknownOperation(t *testing.T) {
	b := NewBuilder(testRegistry(t), nil)
	_, report, err := b.Build("wf", "", []CandidateStep{
		{Name: "x", Kind: StepKindAPICall, Operation: "nope_missing"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if report.Valid() {
		t.Fatal("expected errors for unknown operation")
	}
	if report.Errors[0].Code != CodeUnknownOperation {
		t.Errorf("code = %q, want unknown_operation", report.Errors[0].Code)
	}
}

func TestCircularDependency(t *testing.T) {
	b := NewBuilder(testRegistry(t), nil)
	_, _, err := b.Build("wf", "", []CandidateStep{
		{Name: "a", Kind: StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#c", "text": "t"}, DependsOn: []string{"b"}},
		{Name: "b", Kind: StepKindAPICall, Operation: "trello_create_card",
			Parameters: map[string]any{"list_id": "l", "name": "n"}, DependsOn: []string{"a"}},
	})
	var cyc *CircularDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("error = %v, want CircularDependencyError", err)
	}
	if len(cyc.StepIDs) != 2 {
		t.Errorf("cycle names %d steps, want 2: %v", len(cyc.StepIDs), cyc.StepNames)
	}
}

func TestCycleReportExcludesDownstreamSteps(t *testing.T) {
	b := NewBuilder(testRegistry(t), nil)
	_, _, err := b.Build("wf", "", []CandidateStep{
		{Name: "a", Kind: StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#c", "text": "t"}, DependsOn: []string{"b"}},
		{Name: "b", Kind: StepKindAPICall, Operation: "trello_create_card",
			Parameters: map[string]any{"list_id": "l", "name": "n"}, DependsOn: []string{"a"}},
		{Name: "c", Kind: StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#c", "text": "t"}, DependsOn: []string{"b"}},
	})
	var cyc *CircularDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("error = %v, want CircularDependencyError", err)
	}
	got := append([]string(nil), cyc.StepNames...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("cycle steps = %v, want [a b]: downstream steps must not be reported", cyc.StepNames)
	}
}

// Property: the builder rejects exactly the cyclic dependency sets.
func TestCycleDetectionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	names := []string{"s0", "s1", "s2", "s3", "s4", "s5"}
	for trial := 0; trial < 200; trial++ {
		deps := make(map[int][]int)
		for i := range names {
			for j := range names {
				if i != j && rng.Intn(4) == 0 {
					deps[i] = append(deps[i], j)
				}
			}
		}

		candidates := make([]CandidateStep, len(names))
		for i, n := range names {
			var depNames []string
			for _, j := range deps[i] {
				depNames = append(depNames, names[j])
			}
			candidates[i] = CandidateStep{
				Name: n, Kind: StepKindAPICall, Operation: "slack_post_message",
				Parameters: map[string]any{"channel": "#c", "text": "t"},
				DependsOn:  depNames,
			}
		}

		b := NewBuilder(testRegistry(t), nil)
		_, _, err := b.Build("wf", "", candidates)

		wantCycle := hasCycle(len(names), deps)
		var cyc *CircularDependencyError
		gotCycle := errors.As(err, &cyc)
		if err != nil && !gotCycle {
			t.Fatalf("trial %d: unexpected error kind: %v", trial, err)
		}
		if gotCycle != wantCycle {
			t.Fatalf("trial %d: cycle detection = %v, independent check = %v (deps %v)",
				trial, gotCycle, wantCycle, deps)
		}
	}
}

// hasCycle is an independent DFS cycle check over the generated dependency sets.
func hasCycle(n int, deps map[int][]int) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, n)
	var visit func(int) bool
	visit = func(u int) bool {
		color[u] = gray
		for _, v := range deps[u] {
			if color[v] == gray {
				return true
			}
			if color[v] == white && visit(v) {
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := 0; i < n; i++ {
		if color[i] == white && visit(i) {
			return true
		}
	}
	return false
}

// Re-validating an unchanged valid workflow produces zero errors.
func TestValidationIdempotent(t *testing.T) {
	b := NewBuilder(testRegistry(t), nil)
	wf, report, err := b.Build("wf", "", []CandidateStep{
		{Name: "new_issue", Kind: StepKindTrigger, Operation: "github_issue_created"},
		{Name: "notify", Kind: StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng", "text": "{{new_issue.title}}"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !report.Valid() {
		t.Fatalf("initial validation failed: %+v", report.Errors)
	}

	for i := 0; i < 3; i++ {
		again := b.Validate(wf)
		if len(again.Errors) != 0 {
			t.Fatalf("re-validation %d produced errors: %+v", i, again.Errors)
		}
	}
}

func TestNoTriggerWarning(t *testing.T) {
	b := NewBuilder(testRegistry(t), nil)
	_, report, err := b.Build("wf", "", []CandidateStep{
		{Name: "notify", Kind: StepKindAPICall, Operation: "slack_post_message",
			Parameters: map[string]any{"channel": "#eng", "text": "hi"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	found := false
	for _, w := range report.Warnings {
		if w.Code == CodeNoTrigger {
			found = true
		}
	}
	if !found {
		t.Errorf("expected no_trigger warning, got %+v", report.Warnings)
	}
}

func TestBuildRejectsEmptyPlanAndDuplicates(t *testing.T) {
	b := NewBuilder(testRegistry(t), nil)

	if _, _, err := b.Build("wf", "", nil); err == nil {
		t.Error("empty candidate list should fail")
	}

	_, _, err := b.Build("wf", "", []CandidateStep{
		{Name: "a", Kind: StepKindTrigger, Operation: "github_issue_created"},
		{Name: "a", Kind: StepKindAPICall, Operation: "slack_post_message"},
	})
	if err == nil {
		t.Error("duplicate step names should fail")
	}
}

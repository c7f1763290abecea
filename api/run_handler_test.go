package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowforge/flowforge/store"
)

func generateAndGetID(t *testing.T, env *testEnv) string {
	t.Helper()
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/workflows/generate",
		map[string]string{"request": "post issues to slack"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate status = %d", rec.Code)
	}
	var got workflowWithReport
	decodeData(t, rec, &got)
	return got.Workflow.ID.String()
}

func waitForRunState(t *testing.T, env *testEnv, runID string, want store.RunState) *store.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, env.router, http.MethodGet, "/api/v1/runs/"+runID, nil)
		if rec.Code == http.StatusOK {
			var status runStatus
			decodeData(t, rec, &status)
			if status.Run.State == want {
				return status.Run
			}
			if status.Run.State.Terminal() {
				t.Fatalf("run reached %s, want %s (error %q)", status.Run.State, want, status.Run.Error)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run never reached %s", want)
	return nil
}

func TestExecuteWorkflowToCompletion(t *testing.T) {
	env := newTestEnv(t, Config{})
	wfID := generateAndGetID(t, env)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/workflows/"+wfID+"/execute",
		map[string]any{"input": map[string]any{"title": "build broken"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("execute status = %d (%s)", rec.Code, rec.Body.String())
	}
	var run store.Run
	decodeData(t, rec, &run)

	waitForRunState(t, env, run.ID.String(), store.RunCompleted)

	// Step executions are visible on the status endpoint.
	recStatus := doJSON(t, env.router, http.MethodGet, "/api/v1/runs/"+run.ID.String(), nil)
	var status runStatus
	decodeData(t, recStatus, &status)
	if len(status.Steps) != 2 {
		t.Errorf("steps = %d, want 2", len(status.Steps))
	}
	for _, s := range status.Steps {
		if s.State != store.StepSucceeded {
			t.Errorf("step %s state = %s, want succeeded", s.StepID, s.State)
		}
	}
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/workflows/00000000-0000-0000-0000-000000000001/execute", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestLifecycleConflicts(t *testing.T) {
	env := newTestEnv(t, Config{})
	wfID := generateAndGetID(t, env)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/workflows/"+wfID+"/execute",
		map[string]any{"input": map[string]any{"title": "x"}})
	var run store.Run
	decodeData(t, rec, &run)
	waitForRunState(t, env, run.ID.String(), store.RunCompleted)

	// Completed runs reject every lifecycle command.
	for _, cmd := range []string{"pause", "resume", "cancel"} {
		rec := doJSON(t, env.router, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/"+cmd, nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("%s on completed run status = %d, want 409", cmd, rec.Code)
		}
	}

	rec = doJSON(t, env.router, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/pause", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("pause status = %d, want 409", rec.Code)
	}
}

func TestRunStream(t *testing.T) {
	env := newTestEnv(t, Config{})
	wfID := generateAndGetID(t, env)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/workflows/"+wfID+"/execute",
		map[string]any{"input": map[string]any{"title": "x"}})
	var run store.Run
	decodeData(t, rec, &run)
	waitForRunState(t, env, run.ID.String(), store.RunCompleted)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/runs/"+run.ID.String()+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var sawData, sawDone bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			sawData = true
		}
		if line == "event: done" {
			sawDone = true
		}
	}
	if !sawData {
		t.Error("stream produced no step execution events")
	}
	if !sawDone {
		t.Error("stream did not signal terminal state")
	}
}

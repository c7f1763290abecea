package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/engine"
	"github.com/flowforge/flowforge/store"
)

// RunHandler handles run lifecycle and inspection endpoints.
type RunHandler struct {
	store  store.Store
	engine *engine.Engine
	logger *slog.Logger

	// background is the context run goroutines inherit; canceled on shutdown.
	background context.Context
}

// NewRunHandler creates a new RunHandler. Runs launched by Execute and Resume
// outlive their HTTP requests and run on the background context.
func NewRunHandler(st store.Store, eng *engine.Engine, background context.Context, logger *slog.Logger) *RunHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if background == nil {
		background = context.Background()
	}
	return &RunHandler{store: st, engine: eng, logger: logger, background: background}
}

type executeRequest struct {
	Input map[string]any `json:"input"`
}

// Execute handles POST /api/v1/workflows/{id}/execute - creates a run and
// starts executing it in the background.
func (h *RunHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	var req executeRequest
	if r.Body != nil {
		// An empty body is fine; input is optional.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	wf, err := h.store.GetWorkflow(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	run, err := h.engine.Start(r.Context(), wf)
	if errors.Is(err, engine.ErrWorkflowNotValidated) {
		WriteError(w, http.StatusUnprocessableEntity, "workflow must be validated before execution")
		return
	}
	if err != nil {
		h.logger.Error("start run failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	go func() {
		if err := h.engine.Execute(h.background, wf, run.ID, req.Input); err != nil {
			h.logger.Error("run execution error", "run_id", run.ID, "error", err)
		}
	}()

	WriteJSON(w, http.StatusAccepted, run)
}

// Pause handles POST /api/v1/runs/{id}/pause.
func (h *RunHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(ctx context.Context, id uuid.UUID) (*store.Run, error) {
		return h.engine.Pause(ctx, id)
	})
}

// Resume handles POST /api/v1/runs/{id}/resume - moves the run back to
// running and restarts scheduling in the background.
func (h *RunHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(ctx context.Context, id uuid.UUID) (*store.Run, error) {
		run, err := h.engine.Resume(ctx, id)
		if err != nil {
			return nil, err
		}
		wf, err := h.store.GetWorkflow(ctx, run.WorkflowID)
		if err != nil {
			return nil, fmt.Errorf("load workflow for resumed run: %w", err)
		}
		go func() {
			if err := h.engine.Execute(h.background, wf, run.ID, nil); err != nil {
				h.logger.Error("resumed run execution error", "run_id", run.ID, "error", err)
			}
		}()
		return run, nil
	})
}

// Cancel handles POST /api/v1/runs/{id}/cancel.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(ctx context.Context, id uuid.UUID) (*store.Run, error) {
		return h.engine.Cancel(ctx, id)
	})
}

func (h *RunHandler) lifecycle(w http.ResponseWriter, r *http.Request, cmd func(context.Context, uuid.UUID) (*store.Run, error)) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := cmd(r.Context(), id)
	var invalid *engine.InvalidStateTransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, "run not found")
		return
	case errors.As(err, &invalid):
		WriteError(w, http.StatusConflict, invalid.Error())
		return
	case err != nil:
		h.logger.Error("run lifecycle command failed", "run_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

type runStatus struct {
	Run   *store.Run             `json:"run"`
	Steps []*store.StepExecution `json:"steps"`
}

// Get handles GET /api/v1/runs/{id} - the run plus its step executions.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	steps, err := h.store.ListStepExecutions(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	WriteJSON(w, http.StatusOK, runStatus{Run: run, Steps: steps})
}

// Stream handles GET /api/v1/runs/{id}/stream (SSE) - step execution
// transitions as they are persisted, ending when the run is terminal.
func (h *RunHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	if _, err := h.store.GetRun(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "run not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var lastSeen time.Time
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			execs, err := h.store.StepExecutionsSince(r.Context(), id, lastSeen)
			if err != nil {
				continue
			}
			for _, ex := range execs {
				data, err := json.Marshal(ex)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				if ex.UpdatedAt.After(lastSeen) {
					lastSeen = ex.UpdatedAt
				}
			}
			flusher.Flush()

			run, err := h.store.GetRun(r.Context(), id)
			if err == nil && run.State.Terminal() {
				fmt.Fprintf(w, "event: done\ndata: {\"state\": %q}\n\n", run.State)
				flusher.Flush()
				return
			}
		}
	}
}

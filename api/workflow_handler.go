package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/graph"
	"github.com/flowforge/flowforge/planner"
	"github.com/flowforge/flowforge/store"
)

// WorkflowPlanner produces candidate steps from natural language. Satisfied
// by *planner.Planner.
type WorkflowPlanner interface {
	Plan(ctx context.Context, request string) ([]graph.CandidateStep, error)
}

// WorkflowHandler handles workflow generation and definition endpoints.
type WorkflowHandler struct {
	workflows store.WorkflowStore
	planner   WorkflowPlanner
	builder   *graph.Builder
	logger    *slog.Logger
}

// NewWorkflowHandler creates a new WorkflowHandler.
func NewWorkflowHandler(workflows store.WorkflowStore, p WorkflowPlanner, b *graph.Builder, logger *slog.Logger) *WorkflowHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowHandler{workflows: workflows, planner: p, builder: b, logger: logger}
}

type generateRequest struct {
	Name    string `json:"name"`
	Request string `json:"request"`
}

type workflowWithReport struct {
	Workflow *graph.Workflow         `json:"workflow"`
	Report   *graph.ValidationReport `json:"report"`
}

// Generate handles POST /api/v1/workflows/generate - turns a natural-language
// request into a draft workflow plus its validation report.
func (h *WorkflowHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Request == "" {
		WriteError(w, http.StatusBadRequest, "request text is required")
		return
	}
	if req.Name == "" {
		req.Name = "untitled workflow"
	}

	candidates, err := h.planner.Plan(r.Context(), req.Request)
	if err != nil {
		var incomplete *planner.IncompleteRequestError
		if errors.As(err, &incomplete) {
			WriteErrorWithSuggestions(w, http.StatusUnprocessableEntity, incomplete.Reason, incomplete.Suggestions)
			return
		}
		var unavailable *planner.PlannerUnavailableError
		if errors.As(err, &unavailable) {
			WriteError(w, http.StatusServiceUnavailable, unavailable.Error())
			return
		}
		h.logger.Error("plan failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	wf, report, err := h.builder.Build(req.Name, req.Request, candidates)
	if err != nil {
		var circular *graph.CircularDependencyError
		if errors.As(err, &circular) {
			WriteError(w, http.StatusUnprocessableEntity, circular.Error())
			return
		}
		h.logger.Error("build failed", "error", err)
		WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := h.workflows.CreateWorkflow(r.Context(), wf); err != nil {
		h.logger.Error("store workflow failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("workflow generated", "workflow_id", wf.ID, "steps", len(wf.Steps), "valid", report.Valid())
	WriteJSON(w, http.StatusCreated, workflowWithReport{Workflow: wf, Report: report})
}

// Save handles POST /api/v1/workflows - persists an edited workflow after
// re-validating it in full. Blocking errors return 422 with the report.
func (h *WorkflowHandler) Save(w http.ResponseWriter, r *http.Request) {
	var wf graph.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid workflow body")
		return
	}
	if len(wf.Steps) == 0 {
		WriteError(w, http.StatusBadRequest, "workflow has no steps")
		return
	}

	report := h.builder.Validate(&wf)
	if !report.Valid() {
		wf.Status = graph.WorkflowStatusDraft
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(envelope{Data: workflowWithReport{Workflow: &wf, Report: report}, Error: "validation failed"})
		return
	}
	wf.Status = graph.WorkflowStatusValidated

	err := h.workflows.SaveWorkflow(r.Context(), &wf)
	if errors.Is(err, store.ErrNotFound) {
		if wf.ID == uuid.Nil {
			wf.ID = uuid.New()
		}
		err = h.workflows.CreateWorkflow(r.Context(), &wf)
	}
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		WriteError(w, http.StatusConflict, "workflow was modified concurrently; reload and retry")
		return
	case err != nil:
		h.logger.Error("save workflow failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	WriteJSON(w, http.StatusOK, workflowWithReport{Workflow: &wf, Report: report})
}

// Get handles GET /api/v1/workflows/{id}.
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	wf, err := h.workflows.GetWorkflow(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	WriteJSON(w, http.StatusOK, wf)
}

// Delete handles DELETE /api/v1/workflows/{id} - soft delete.
func (h *WorkflowHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	err = h.workflows.DeleteWorkflow(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

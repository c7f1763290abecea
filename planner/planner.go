// Package planner turns natural-language requests into candidate step lists
// by prompting a text-completion provider with the relevant slice of the
// operation registry. Its output is untrusted: the graph builder re-derives
// all structure and validates every binding.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowforge/flowforge/graph"
	"github.com/flowforge/flowforge/registry"
)

const (
	// maxCandidateOps bounds how many registry operations are offered to the
	// model per request.
	maxCandidateOps = 24

	maxAttempts = 3
	backoffBase = 250 * time.Millisecond
)

// CompletionClient is the opaque text-completion provider. Implementations
// return *TransientError for failures worth retrying.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// TransientError marks a provider failure that may succeed on retry, such as
// a 5xx status or a timeout.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient provider error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PlannerUnavailableError reports that the completion provider stayed
// unavailable across all retries.
type PlannerUnavailableError struct {
	Attempts int
	Err      error
}

func (e *PlannerUnavailableError) Error() string {
	return fmt.Sprintf("planner unavailable after %d attempts: %v; try again in a few minutes", e.Attempts, e.Err)
}

func (e *PlannerUnavailableError) Unwrap() error { return e.Err }

// IncompleteRequestError reports that no executable plan could be produced
// from the request. Suggestions contain concrete guidance for the user.
type IncompleteRequestError struct {
	Reason      string
	Suggestions []string
}

func (e *IncompleteRequestError) Error() string {
	if len(e.Suggestions) == 0 {
		return "request could not be planned: " + e.Reason
	}
	return fmt.Sprintf("request could not be planned: %s (suggestions: %s)", e.Reason, strings.Join(e.Suggestions, "; "))
}

// Planner produces candidate steps from natural-language requests.
type Planner struct {
	registry *registry.Registry
	client   CompletionClient
	logger   *slog.Logger

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// New creates a Planner over the given registry and completion provider.
func New(reg *registry.Registry, client CompletionClient, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{registry: reg, client: client, logger: logger, sleep: time.Sleep}
}

// Plan converts a natural-language request into candidate steps. Transient
// provider failures are retried with exponential backoff; a persistently
// unavailable provider yields *PlannerUnavailableError, and a response that
// cannot be turned into an executable plan yields *IncompleteRequestError.
func (p *Planner) Plan(ctx context.Context, request string) ([]graph.CandidateStep, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, &IncompleteRequestError{
			Reason:      "empty request",
			Suggestions: []string{"describe what should happen and when, e.g. \"when a ticket is created, post it to #support\""},
		}
	}

	candidates := p.registry.Search(request, maxCandidateOps)
	if len(candidates) == 0 {
		candidates = p.registry.List()
		if len(candidates) > maxCandidateOps {
			candidates = candidates[:maxCandidateOps]
		}
	}
	if len(candidates) == 0 {
		return nil, &IncompleteRequestError{
			Reason:      "no operations are registered",
			Suggestions: []string{"register at least one provider before planning workflows"},
		}
	}

	prompt := buildPrompt(request, candidates)

	text, err := p.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	steps, err := parsePlan(text)
	if err != nil {
		return nil, &IncompleteRequestError{
			Reason:      err.Error(),
			Suggestions: []string{"rephrase the request with explicit actions and services"},
		}
	}

	if err := p.checkOperations(steps); err != nil {
		return nil, err
	}

	p.logger.Info("plan produced", "steps", len(steps), "candidate_ops", len(candidates))
	return steps, nil
}

func (p *Planner) complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, err := p.client.Complete(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err

		var transient *TransientError
		if !errors.As(err, &transient) && !errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("planner: completion failed: %w", err)
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			backoff := backoffBase << (attempt - 1)
			p.logger.Warn("completion failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
			p.sleep(backoff)
		}
	}
	return "", &PlannerUnavailableError{Attempts: maxAttempts, Err: lastErr}
}

// checkOperations rejects plans that are empty or reference operations the
// registry does not know.
func (p *Planner) checkOperations(steps []graph.CandidateStep) error {
	if len(steps) == 0 {
		return &IncompleteRequestError{
			Reason:      "the request did not map to any operations",
			Suggestions: []string{"name the services involved and what each should do"},
		}
	}

	var unknown []string
	for _, s := range steps {
		if s.Kind == graph.StepKindCondition || s.Operation == "" {
			continue
		}
		if _, err := p.registry.Lookup(s.Operation); err != nil {
			unknown = append(unknown, s.Operation)
		}
	}
	if len(unknown) > 0 {
		suggestions := make([]string, 0, len(unknown))
		for _, op := range unknown {
			near := p.registry.Search(strings.ReplaceAll(op, "_", " "), 3)
			if len(near) > 0 {
				names := make([]string, len(near))
				for i, n := range near {
					names[i] = n.QualifiedName
				}
				suggestions = append(suggestions, fmt.Sprintf("%q is not available; similar: %s", op, strings.Join(names, ", ")))
			} else {
				suggestions = append(suggestions, fmt.Sprintf("%q is not available", op))
			}
		}
		return &IncompleteRequestError{
			Reason:      "plan references unknown operations",
			Suggestions: suggestions,
		}
	}
	return nil
}

// parsePlan extracts the candidate step list from model output, tolerating
// markdown code fences and surrounding prose.
func parsePlan(text string) ([]graph.CandidateStep, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("response contained no JSON plan")
	}

	var envelope struct {
		Steps []graph.CandidateStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err == nil && envelope.Steps != nil {
		return envelope.Steps, nil
	}

	var steps []graph.CandidateStep
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("response JSON did not parse as a step list: %w", err)
	}
	return steps, nil
}

// extractJSON strips markdown code fences if present, otherwise returns the
// first JSON value found in the text.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx != -1 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end != -1 {
			return strings.TrimSpace(text[start : start+end])
		}
	}
	if idx := strings.Index(text, "```"); idx != -1 {
		start := idx + len("```")
		if end := strings.Index(text[start:], "```"); end != -1 {
			return strings.TrimSpace(text[start : start+end])
		}
	}
	text = strings.TrimSpace(text)
	if idx := strings.IndexAny(text, "{["); idx != -1 {
		return text[idx:]
	}
	return text
}

package graph

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/registry"
)

// CandidateStep is the planner's untrusted proposal for one step. Names are
// planner-assigned aliases; the builder re-derives ids, dependencies and
// data-flow edges from scratch.
type CandidateStep struct {
	Name       string         `json:"name"`
	Kind       StepKind       `json:"kind"`
	Operation  string         `json:"operation,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Condition  string         `json:"condition,omitempty"`
	Then       []string       `json:"then,omitempty"`
	Else       []string       `json:"else,omitempty"`
}

// Builder normalizes candidate steps into validated workflows. It is the sole
// authority on graph structure.
type Builder struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// NewBuilder creates a Builder backed by the given operation registry.
func NewBuilder(reg *registry.Registry, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{registry: reg, logger: logger}
}

// Build assembles a workflow from candidate steps: stable ids, dependency
// edges (suggested plus inferred from parameter references), condition branch
// resolution, topological ordering and full validation. Structural
// impossibilities (duplicate names, unknown references, cycles) fail hard;
// binding problems are collected into the returned report.
func (b *Builder) Build(name, description string, candidates []CandidateStep) (*Workflow, *ValidationReport, error) {
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("graph: workflow needs at least one step")
	}

	wf := &Workflow{
		ID:          uuid.New(),
		Name:        name,
		Description: description,
		Status:      WorkflowStatusDraft,
		Version:     1,
	}

	// Pass 1: assign stable ids and index by alias.
	byName := make(map[string]*Step, len(candidates))
	order := make(map[uuid.UUID]int, len(candidates)) // declaration order, used for tie-breaks
	for i, c := range candidates {
		if c.Name == "" {
			return nil, nil, fmt.Errorf("graph: step %d has no name", i+1)
		}
		if _, dup := byName[c.Name]; dup {
			return nil, nil, fmt.Errorf("graph: duplicate step name %q", c.Name)
		}
		step := &Step{
			ID:         uuid.New(),
			Name:       c.Name,
			Kind:       c.Kind,
			Operation:  c.Operation,
			Condition:  c.Condition,
			Parameters: make(map[string]BoundValue, len(c.Parameters)),
		}
		byName[c.Name] = step
		order[step.ID] = i
		wf.Steps = append(wf.Steps, step)
	}

	report := &ValidationReport{}

	// Pass 2: suggested dependencies, then parameter bindings with data-flow
	// inference. Parameter names are processed sorted so edge derivation is
	// deterministic.
	for i, c := range candidates {
		step := wf.Steps[i]

		for _, depName := range c.DependsOn {
			dep, ok := byName[depName]
			if !ok {
				return nil, nil, fmt.Errorf("graph: step %q depends on unknown step %q", c.Name, depName)
			}
			if dep.ID == step.ID {
				return nil, nil, fmt.Errorf("graph: step %q depends on itself", c.Name)
			}
			addDependency(step, dep.ID)
		}

		paramNames := make([]string, 0, len(c.Parameters))
		for p := range c.Parameters {
			paramNames = append(paramNames, p)
		}
		sort.Strings(paramNames)

		for _, param := range paramNames {
			value := c.Parameters[param]
			str, isString := value.(string)
			if !isString {
				step.Parameters[param] = Literal(value)
				continue
			}
			b.bindParameter(wf, byName, order, candidates, i, step, param, str, report)
		}
	}

	// Pass 3: condition branch resolution.
	if err := b.resolveBranches(wf, byName, candidates); err != nil {
		return nil, nil, err
	}

	// Pass 4: topological sort and order tokens.
	if err := assignOrderTokens(wf); err != nil {
		return nil, nil, err
	}

	// Pass 5: full validation.
	b.validateInto(wf, report)
	if report.Valid() {
		wf.Status = WorkflowStatusValidated
	}

	b.logger.Debug("Workflow built",
		"workflow", wf.Name, "steps", len(wf.Steps), "edges", len(wf.Edges),
		"errors", len(report.Errors), "warnings", len(report.Warnings))
	return wf, report, nil
}

// bindParameter resolves a string parameter: pure references become typed
// bindings, mixed strings stay literal templates, and every reference implies
// a dependency plus a derived data-flow edge.
func (b *Builder) bindParameter(wf *Workflow, byName map[string]*Step, order map[uuid.UUID]int,
	candidates []CandidateStep, stepIdx int, step *Step, param, value string, report *ValidationReport) {

	refs := ParseTemplateRefs(value)
	if len(refs) == 0 {
		step.Parameters[param] = Literal(value)
		return
	}

	var resolved []*FieldRef
	for _, ref := range refs {
		if producer, ok := byName[ref.First]; ok && producer.ID != step.ID {
			field := ref.Field
			if field == "" {
				field = "result"
			}
			addDependency(step, producer.ID)
			addEdge(wf, producer.ID, field, step.ID, param)
			resolved = append(resolved, &FieldRef{StepID: producer.ID, Field: field})
			continue
		}

		// Bare "{{field}}" form: locate producers among earlier-declared
		// steps whose output schema carries the field. When more than one
		// qualifies the earliest-declared edge wins; the ambiguity is
		// surfaced as a warning.
		field := ref.First
		var producers []*Step
		for j := 0; j < stepIdx; j++ {
			candidate := wf.Steps[j]
			if b.stepProducesField(candidates[j], field) {
				producers = append(producers, candidate)
			}
		}
		if len(producers) == 0 {
			resolved = append(resolved, nil)
			continue // stays literal; the binding check may flag it later
		}
		sort.Slice(producers, func(x, y int) bool { return order[producers[x].ID] < order[producers[y].ID] })
		if len(producers) > 1 {
			report.addWarning(CodeAmbiguousBinding, step.ID, param,
				"field %q is produced by %d upstream steps; bound to earliest-declared step %q",
				field, len(producers), producers[0].Name)
		}
		producer := producers[0]
		addDependency(step, producer.ID)
		addEdge(wf, producer.ID, field, step.ID, param)
		resolved = append(resolved, &FieldRef{StepID: producer.ID, Field: field})
	}

	if len(refs) == 1 && resolved[0] != nil && IsPureRef(value) {
		step.Parameters[param] = BoundValue{Ref: resolved[0]}
		return
	}
	step.Parameters[param] = Literal(value)
}

// stepProducesField reports whether a candidate step's output schema carries
// the named field. Condition steps produce the boolean "result" field.
func (b *Builder) stepProducesField(c CandidateStep, field string) bool {
	switch c.Kind {
	case StepKindCondition, StepKindTransform:
		return field == "result"
	default:
		if c.Operation == "" {
			return false
		}
		op, err := b.registry.Lookup(c.Operation)
		if err != nil {
			return false
		}
		_, ok := op.OutputSchema.FieldByName(field)
		return ok
	}
}

func addDependency(step *Step, dep uuid.UUID) {
	if !step.DependsOnStep(dep) {
		step.DependsOn = append(step.DependsOn, dep)
	}
}

func addEdge(wf *Workflow, from uuid.UUID, outputField string, to uuid.UUID, inputField string) {
	for _, e := range wf.Edges {
		if e.FromStepID == from && e.ToStepID == to && e.OutputField == outputField && e.InputField == inputField {
			return
		}
	}
	wf.Edges = append(wf.Edges, DataFlowEdge{
		FromStepID:  from,
		OutputField: outputField,
		ToStepID:    to,
		InputField:  inputField,
	})
}

// assignOrderTokens runs Kahn's algorithm over the dependency graph and sets
// each step's OrderToken to its topological depth. A cycle fails with
// CircularDependencyError naming the steps involved.
func assignOrderTokens(wf *Workflow) error {
	indegree := make(map[uuid.UUID]int, len(wf.Steps))
	dependents := make(map[uuid.UUID][]*Step, len(wf.Steps))
	for _, s := range wf.Steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s)
		}
	}

	depth := make(map[uuid.UUID]int, len(wf.Steps))
	var frontier []*Step
	for _, s := range wf.Steps { // declaration order keeps the sort stable
		if indegree[s.ID] == 0 {
			frontier = append(frontier, s)
			depth[s.ID] = 0
		}
	}

	visited := 0
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		visited++
		next.OrderToken = depth[next.ID]

		for _, dependent := range dependents[next.ID] {
			if d := depth[next.ID] + 1; d > depth[dependent.ID] {
				depth[dependent.ID] = d
			}
			indegree[dependent.ID]--
			if indegree[dependent.ID] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}

	if visited != len(wf.Steps) {
		// Steps merely downstream of a cycle also retain indegree. Peel
		// residual steps nothing residual depends on until only cycle
		// members remain.
		residual := make(map[uuid.UUID]bool)
		for _, s := range wf.Steps {
			if indegree[s.ID] > 0 {
				residual[s.ID] = true
			}
		}
		for {
			removed := false
			for id := range residual {
				onPath := false
				for _, dependent := range dependents[id] {
					if residual[dependent.ID] {
						onPath = true
						break
					}
				}
				if !onPath {
					delete(residual, id)
					removed = true
				}
			}
			if !removed {
				break
			}
		}

		cycErr := &CircularDependencyError{}
		for _, s := range wf.Steps {
			if residual[s.ID] {
				cycErr.StepIDs = append(cycErr.StepIDs, s.ID)
				cycErr.StepNames = append(cycErr.StepNames, s.Name)
			}
		}
		return cycErr
	}
	return nil
}

// Package graph turns planner candidate steps into validated workflow
// definitions. The builder is the sole authority on structure: planner output
// is never trusted as a graph, it is re-derived into the typed Step and
// DataFlowEdge model here, topologically sorted and checked for bindings.
package graph

import (
	"github.com/google/uuid"
)

// StepKind classifies a workflow step.
type StepKind string

const (
	StepKindTrigger       StepKind = "trigger"
	StepKindTransform     StepKind = "transform"
	StepKindAPICall       StepKind = "api_call"
	StepKindCondition     StepKind = "condition"
	StepKindParallelGroup StepKind = "parallel_group"
)

// ValidStepKinds is the set of step kinds the builder accepts from a planner.
var ValidStepKinds = map[StepKind]bool{
	StepKindTrigger:   true,
	StepKindTransform: true,
	StepKindAPICall:   true,
	StepKindCondition: true,
}

// WorkflowStatus is the lifecycle status of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusValidated WorkflowStatus = "validated"
)

// Branch names the two successor sets of a condition step.
type Branch string

const (
	BranchThen Branch = "then"
	BranchElse Branch = "else"
)

// BranchRef records a step's membership in a condition step's branch. A step
// belongs to at most one branch; nested conditions chain through the owning
// condition step's own BranchRef.
type BranchRef struct {
	ConditionID uuid.UUID `json:"condition_id"`
	Branch      Branch    `json:"branch"`
}

// FieldRef points at one output field of an upstream step.
type FieldRef struct {
	StepID uuid.UUID `json:"step_id"`
	Field  string    `json:"field"`
}

// BoundValue is a step parameter binding: either a literal value or a
// reference to an upstream step's output field. Exactly one side is set.
type BoundValue struct {
	Literal any       `json:"literal,omitempty"`
	Ref     *FieldRef `json:"ref,omitempty"`
}

// Literal builds a literal BoundValue.
func Literal(v any) BoundValue { return BoundValue{Literal: v} }

// Step is one node of the workflow graph.
type Step struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"` // planner-assigned alias, unique in the workflow
	Kind StepKind  `json:"kind"`

	// Operation is the qualified operation name for trigger and api_call
	// steps. Transform and condition steps do not call providers.
	Operation string `json:"operation,omitempty"`

	// OrderToken is the step's topological depth. Steps sharing a token with
	// no edge between them are eligible for parallel execution.
	OrderToken int `json:"order_token"`

	Parameters map[string]BoundValue `json:"parameters,omitempty"`
	DependsOn  []uuid.UUID           `json:"depends_on,omitempty"`

	// Condition is the boolean predicate source for condition steps. The
	// step's output is the boolean-typed "result" field.
	Condition string      `json:"condition,omitempty"`
	Then      []uuid.UUID `json:"then,omitempty"`
	Else      []uuid.UUID `json:"else,omitempty"`

	// BranchOf is set on steps that live inside a condition branch.
	BranchOf *BranchRef `json:"branch_of,omitempty"`
}

// DependsOnStep reports whether id is among the step's dependencies.
func (s *Step) DependsOnStep(id uuid.UUID) bool {
	for _, d := range s.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

// DataFlowEdge records that one step's output field is bound as another
// step's input field. Edges are derived by the builder, never hand-authored.
type DataFlowEdge struct {
	FromStepID  uuid.UUID `json:"from_step_id"`
	OutputField string    `json:"output_field"`
	ToStepID    uuid.UUID `json:"to_step_id"`
	InputField  string    `json:"input_field"`
}

// Workflow is a validated directed acyclic graph of typed steps.
type Workflow struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []*Step        `json:"steps"`
	Edges       []DataFlowEdge `json:"edges,omitempty"`
	Status      WorkflowStatus `json:"status"`
	Version     int            `json:"version"`
	OwnerID     string         `json:"owner_id,omitempty"`
}

// StepByID returns the step with the given id.
func (w *Workflow) StepByID(id uuid.UUID) (*Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// StepByName returns the step with the given alias.
func (w *Workflow) StepByName(name string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// branchChain returns the step's full branch ancestry as a map from condition
// step id to the branch the step sits on, following nested conditions upward.
func (w *Workflow) branchChain(s *Step) map[uuid.UUID]Branch {
	chain := make(map[uuid.UUID]Branch)
	cur := s
	for cur.BranchOf != nil {
		ref := cur.BranchOf
		if _, seen := chain[ref.ConditionID]; seen {
			break // defensive: malformed self-referential chain
		}
		chain[ref.ConditionID] = ref.Branch
		cond, ok := w.StepByID(ref.ConditionID)
		if !ok {
			break
		}
		cur = cond
	}
	return chain
}

// MutuallyExclusive reports whether two steps sit on opposite branches of the
// same condition step anywhere in their branch ancestry. Mutually exclusive
// steps never contribute to the same parallel group.
func (w *Workflow) MutuallyExclusive(a, b *Step) bool {
	chainA := w.branchChain(a)
	for condID, branch := range w.branchChain(b) {
		if other, ok := chainA[condID]; ok && other != branch {
			return true
		}
	}
	return false
}

// ParallelGroups classifies the workflow's steps into groups eligible for
// concurrent execution: steps sharing a topological depth with no edge
// between them and no mutually exclusive branch membership. Singleton groups
// are included so the classification covers every step.
func (w *Workflow) ParallelGroups() [][]uuid.UUID {
	byToken := make(map[int][]*Step)
	tokens := []int{}
	for _, s := range w.Steps {
		if _, ok := byToken[s.OrderToken]; !ok {
			tokens = append(tokens, s.OrderToken)
		}
		byToken[s.OrderToken] = append(byToken[s.OrderToken], s)
	}
	// Tokens are assigned as consecutive depths starting at zero.
	var groups [][]uuid.UUID
	for token := 0; token < len(tokens); token++ {
		steps := byToken[token]
		var partitions [][]*Step
	place:
		for _, s := range steps {
			for i, part := range partitions {
				compatible := true
				for _, member := range part {
					if w.MutuallyExclusive(s, member) || s.DependsOnStep(member.ID) || member.DependsOnStep(s.ID) {
						compatible = false
						break
					}
				}
				if compatible {
					partitions[i] = append(partitions[i], s)
					continue place
				}
			}
			partitions = append(partitions, []*Step{s})
		}
		for _, part := range partitions {
			ids := make([]uuid.UUID, len(part))
			for i, s := range part {
				ids[i] = s.ID
			}
			groups = append(groups, ids)
		}
	}
	return groups
}

package graph

import (
	"github.com/google/uuid"
	"github.com/itchyny/gojq"
)

// Validate re-checks a complete workflow against the operation registry and
// returns a fresh report. Validation always runs in full; there is no
// incremental path, so a workflow that passed once re-validates to zero
// errors unchanged.
func (b *Builder) Validate(wf *Workflow) *ValidationReport {
	report := &ValidationReport{}
	b.validateInto(wf, report)
	return report
}

func (b *Builder) validateInto(wf *Workflow, report *ValidationReport) {
	hasTrigger := false

	for _, step := range wf.Steps {
		if !ValidStepKinds[step.Kind] {
			report.addError(CodeInvalidKind, step.ID, "",
				"step %q has unknown kind %q", step.Name, step.Kind)
			continue
		}

		switch step.Kind {
		case StepKindTrigger:
			hasTrigger = true
			b.validateOperationStep(wf, step, report)
		case StepKindAPICall:
			b.validateOperationStep(wf, step, report)
		case StepKindCondition:
			if err := CompileCondition(step.Condition); err != nil {
				report.addError(CodeInvalidCondition, step.ID, "",
					"step %q: %v", step.Name, err)
			}
			if len(step.Then) == 0 {
				report.addWarning(CodeEmptyBranch, step.ID, "",
					"condition %q has an empty then branch", step.Name)
			}
			if len(step.Else) == 0 {
				report.addWarning(CodeEmptyBranch, step.ID, "",
					"condition %q has an empty else branch", step.Name)
			}
		case StepKindTransform:
			src := ""
			if bv, ok := step.Parameters["expression"]; ok {
				src, _ = bv.Literal.(string)
			}
			if src == "" {
				report.addError(CodeInvalidExpression, step.ID, "expression",
					"transform %q needs an 'expression' parameter", step.Name)
			} else if _, err := gojq.Parse(src); err != nil {
				report.addError(CodeInvalidExpression, step.ID, "expression",
					"transform %q: invalid jq expression: %v", step.Name, err)
			}
		}
	}

	if !hasTrigger {
		report.addWarning(CodeNoTrigger, uuid.Nil, "",
			"no trigger step specified; the workflow can only be started manually")
	}

	b.validateEdges(wf, report)
}

// validateOperationStep checks that the referenced operation exists and every
// required input field is bound by a literal parameter or a data-flow edge.
func (b *Builder) validateOperationStep(wf *Workflow, step *Step, report *ValidationReport) {
	if step.Operation == "" {
		report.addError(CodeUnknownOperation, step.ID, "",
			"step %q has no qualified operation", step.Name)
		return
	}
	op, err := b.registry.Lookup(step.Operation)
	if err != nil {
		report.addError(CodeUnknownOperation, step.ID, "",
			"step %q references unknown operation %q", step.Name, step.Operation)
		return
	}

	// Trigger inputs are supplied by the triggering event, not bound upfront.
	if step.Kind == StepKindTrigger {
		return
	}

	for _, required := range op.InputSchema.RequiredFields() {
		if b.fieldBound(wf, step, required) {
			continue
		}
		report.addError(CodeUnboundRequiredField, step.ID, required,
			"step %q: required field %q of %s is not bound by a parameter or data-flow edge",
			step.Name, required, step.Operation)
	}
}

func (b *Builder) fieldBound(wf *Workflow, step *Step, field string) bool {
	if bv, ok := step.Parameters[field]; ok {
		if bv.Ref != nil || bv.Literal != nil {
			return true
		}
	}
	for _, e := range wf.Edges {
		if e.ToStepID == step.ID && e.InputField == field {
			return true
		}
	}
	return false
}

// validateEdges checks every derived edge against the dependency lists and the
// relevant operation schemas.
func (b *Builder) validateEdges(wf *Workflow, report *ValidationReport) {
	for _, e := range wf.Edges {
		from, okFrom := wf.StepByID(e.FromStepID)
		to, okTo := wf.StepByID(e.ToStepID)
		if !okFrom || !okTo {
			report.addError(CodeDanglingEdge, e.ToStepID, e.InputField,
				"edge references a step that is not in the workflow")
			continue
		}
		if !to.DependsOnStep(from.ID) {
			report.addError(CodeDanglingEdge, to.ID, e.InputField,
				"edge from %q to %q has no matching dependency", from.Name, to.Name)
		}

		switch from.Kind {
		case StepKindCondition, StepKindTransform:
			if e.OutputField != "result" {
				report.addError(CodeUnknownOutputField, from.ID, e.OutputField,
					"step %q only produces the %q field", from.Name, "result")
			}
		default:
			op, err := b.registry.Lookup(from.Operation)
			if err != nil {
				continue // already reported as unknown operation
			}
			if _, ok := op.OutputSchema.FieldByName(e.OutputField); !ok {
				report.addError(CodeUnknownOutputField, from.ID, e.OutputField,
					"operation %s has no output field %q", from.Operation, e.OutputField)
			}
		}
	}
}

package graph

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// resolveBranches expands each condition step's successor lists into the
// thenSteps/elseSteps sets, makes branch members depend on their condition
// step, and records branch membership. A step may sit in at most one branch;
// nesting works because a nested condition step is itself a branch member and
// carries its own successor sets.
func (b *Builder) resolveBranches(wf *Workflow, byName map[string]*Step, candidates []CandidateStep) error {
	for i, c := range candidates {
		if c.Kind != StepKindCondition {
			continue
		}
		cond := wf.Steps[i]

		for _, branch := range []Branch{BranchThen, BranchElse} {
			names := c.Then
			if branch == BranchElse {
				names = c.Else
			}
			for _, memberName := range names {
				member, ok := byName[memberName]
				if !ok {
					return fmt.Errorf("graph: condition %q references unknown step %q in %s branch", c.Name, memberName, branch)
				}
				if member.ID == cond.ID {
					return fmt.Errorf("graph: condition %q references itself in %s branch", c.Name, branch)
				}
				if member.BranchOf != nil {
					return fmt.Errorf("graph: step %q already belongs to a condition branch", memberName)
				}
				member.BranchOf = &BranchRef{ConditionID: cond.ID, Branch: branch}
				addDependency(member, cond.ID)
				if branch == BranchThen {
					cond.Then = append(cond.Then, member.ID)
				} else {
					cond.Else = append(cond.Else, member.ID)
				}
			}
		}
	}
	return nil
}

// CompileCondition checks a condition predicate for syntactic validity and a
// boolean result type. The engine compiles again at run time; workflow
// definitions persist the source, not the program.
func CompileCondition(src string) error {
	if src == "" {
		return fmt.Errorf("condition is empty")
	}
	_, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
	return err
}

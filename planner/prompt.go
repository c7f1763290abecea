package planner

import (
	"fmt"
	"strings"

	"github.com/flowforge/flowforge/registry"
)

// buildPrompt renders the planning prompt: the user request plus the
// candidate operations with their schemas, and the exact output contract.
func buildPrompt(request string, ops []registry.Operation) string {
	var b strings.Builder

	b.WriteString("Convert the following request into an executable workflow plan.\n\n")
	b.WriteString("Request:\n")
	b.WriteString(request)
	b.WriteString("\n\n## Available operations\n\n")

	for _, op := range ops {
		fmt.Fprintf(&b, "### %s\n%s\n", op.QualifiedName, op.Description)
		if len(op.InputSchema) > 0 {
			b.WriteString("Inputs:\n")
			for _, f := range op.InputSchema {
				req := ""
				if f.Required {
					req = " (required)"
				}
				fmt.Fprintf(&b, "- %s: %s%s: %s\n", f.Name, f.Type, req, f.Description)
			}
		}
		if len(op.OutputSchema) > 0 {
			b.WriteString("Outputs:\n")
			for _, f := range op.OutputSchema {
				fmt.Fprintf(&b, "- %s: %s: %s\n", f.Name, f.Type, f.Description)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString(`## Output format

Respond with a JSON object: {"steps": [...]}. Each step has:
- name: short unique snake_case identifier
- kind: one of "trigger", "api_call", "transform", "condition"
- operation: a qualified operation name from the list above (omit for condition steps)
- parameters: object mapping input field names to values; reference an earlier
  step's output as "{{step_name.field}}"
- depends_on: names of steps that must complete first (optional; data
  references already imply dependencies)
- condition: for condition steps only, a boolean expression over referenced
  values, e.g. "amount > 1000"
- then / else: for condition steps only, names of the steps each branch runs

Rules:
- use only operations from the list above; never invent operation names
- start with exactly one trigger step when the request describes an event
- if the request cannot be fulfilled with these operations, respond with
  {"steps": []}
- respond with JSON only, no prose
`)

	return b.String()
}

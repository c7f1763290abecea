// Package registry catalogs the callable operations exposed by connected
// providers under collision-free qualified names. The registry is consulted
// before planning so prompts are constrained to operations that exist.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Common errors.
var (
	// ErrNotFound is returned when an operation lookup misses.
	ErrNotFound = errors.New("registry: operation not found")
)

// DuplicateOperationError is returned when a qualified name is re-registered
// with a different schema. Identical re-registration is idempotent.
type DuplicateOperationError struct {
	QualifiedName string
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("registry: operation %q already registered with a different schema", e.QualifiedName)
}

// Field describes one input or output field of an operation schema.
type Field struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"` // "string", "number", "boolean", "object", "array"
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Schema is an ordered list of fields.
type Schema []Field

// FieldByName returns the field with the given name.
func (s Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// RequiredFields returns the names of all required fields.
func (s Schema) RequiredFields() []string {
	var names []string
	for _, f := range s {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// equal reports whether two schemas have identical fields in identical order.
func (s Schema) equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Operation is a callable operation exposed by a provider. Operations are
// immutable once registered.
type Operation struct {
	QualifiedName string `json:"qualified_name" yaml:"-"`
	ProviderID    string `json:"provider_id" yaml:"-"`
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema   Schema `json:"input_schema" yaml:"inputs,omitempty"`
	OutputSchema  Schema `json:"output_schema" yaml:"outputs,omitempty"`
}

// QualifiedName builds the provider-prefixed operation identifier. Two
// providers exposing identically-named operations never collide.
func QualifiedName(providerID, operationName string) string {
	return providerID + "_" + operationName
}

// Registry is a read-mostly catalog of operations, safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	operations map[string]Operation // qualified name -> operation
	byProvider map[string][]string  // provider id -> qualified names, insertion order
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		operations: make(map[string]Operation),
		byProvider: make(map[string][]string),
	}
}

// Register catalogs the given operations under providerID. Each operation's
// qualified name becomes "{providerID}_{name}". Registering an identical
// operation again is a no-op; registering a different schema under an
// existing qualified name fails with DuplicateOperationError.
func (r *Registry) Register(providerID string, ops []Operation) error {
	if providerID == "" {
		return fmt.Errorf("registry: provider id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, op := range ops {
		if op.Name == "" {
			return fmt.Errorf("registry: operation name is empty for provider %q", providerID)
		}
		qn := QualifiedName(providerID, op.Name)

		if existing, ok := r.operations[qn]; ok {
			if existing.InputSchema.equal(op.InputSchema) && existing.OutputSchema.equal(op.OutputSchema) {
				continue // idempotent re-registration
			}
			return &DuplicateOperationError{QualifiedName: qn}
		}

		op.QualifiedName = qn
		op.ProviderID = providerID
		r.operations[qn] = op
		r.byProvider[providerID] = append(r.byProvider[providerID], qn)
	}
	return nil
}

// Lookup returns the operation registered under the qualified name.
func (r *Registry) Lookup(qualifiedName string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.operations[qualifiedName]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, qualifiedName)
	}
	return op, nil
}

// ListByProvider returns all operations for a provider in registration order.
func (r *Registry) ListByProvider(providerID string) []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.byProvider[providerID]
	ops := make([]Operation, 0, len(names))
	for _, qn := range names {
		ops = append(ops, r.operations[qn])
	}
	return ops
}

// List returns every registered operation sorted by qualified name.
func (r *Registry) List() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]Operation, 0, len(r.operations))
	for _, op := range r.operations {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].QualifiedName < ops[j].QualifiedName })
	return ops
}

// Search ranks operations by token overlap between the free-text query and
// the operation's name, provider and description. Results are sorted by score
// descending, then qualified name, so ranking is deterministic. Operations
// with no overlapping tokens are omitted. A limit of zero means no limit.
func (r *Registry) Search(freeText string, limit int) []Operation {
	queryTokens := tokenize(freeText)
	if len(queryTokens) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		op    Operation
		score int
	}
	var matches []scored
	for _, op := range r.operations {
		opTokens := make(map[string]bool)
		for t := range tokenize(op.Name + " " + op.ProviderID + " " + op.Description) {
			opTokens[t] = true
		}
		score := 0
		for t := range queryTokens {
			if opTokens[t] {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{op: op, score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].op.QualifiedName < matches[j].op.QualifiedName
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	ops := make([]Operation, len(matches))
	for i, m := range matches {
		ops[i] = m.op
	}
	return ops
}

// tokenize lowercases the text and splits it on non-alphanumeric runes.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, t := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(t) > 1 { // drop single-letter noise
			tokens[t] = true
		}
	}
	return tokens
}

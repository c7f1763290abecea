package engine

import (
	"errors"
	"fmt"

	"github.com/flowforge/flowforge/store"
)

// ErrWorkflowNotValidated reports an attempt to execute a workflow that has
// not passed validation.
var ErrWorkflowNotValidated = errors.New("engine: workflow is not validated")

// InvalidStateTransitionError reports a lifecycle command applied to a run in
// a state that does not allow it.
type InvalidStateTransitionError struct {
	From    store.RunState
	Command string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("engine: cannot %s a %s run", e.Command, e.From)
}

package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRunaway marks a run that exceeded the global step budget.
var ErrRunaway = errors.New("run exceeded step budget")

// ErrCanceled marks a run stopped by caller cancellation.
var ErrCanceled = errors.New("run canceled")

// ValidationError carries the per-issue list from the structural
// validator.
type ValidationError struct {
	WorkflowID string
	Issues     []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %q failed validation: %s",
		e.WorkflowID, strings.Join(e.Issues, "; "))
}

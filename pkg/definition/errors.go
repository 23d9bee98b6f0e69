// Package definition parses workflow definition files into validated job
// graphs.
package definition

import (
	"errors"
	"fmt"
)

// Structural defects are rejected at build time, before any Run exists.
var (
	// ErrCyclicDependency indicates the job graph contains a dependency cycle.
	ErrCyclicDependency = errors.New("cyclic job dependency")

	// ErrUnknownDependency indicates a job needs a job-id that is not defined.
	ErrUnknownDependency = errors.New("unknown job dependency")
)

// ParseError wraps a malformed-definition failure with the workflow source
// context.
type ParseError struct {
	Workflow string
	Detail   string
	Err      error
}

func (e *ParseError) Error() string {
	name := e.Workflow
	if name == "" {
		name = "workflow"
	}

	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", name, e.Detail, e.Err)
	}

	return fmt.Sprintf("parse %s: %s", name, e.Detail)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// GraphError wraps a structural job-graph defect.
type GraphError struct {
	Workflow string
	Job      string
	Err      error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("workflow %s: job %s: %v", e.Workflow, e.Job, e.Err)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

func (e *GraphError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

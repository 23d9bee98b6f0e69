// Package executor runs individual steps inside an assigned runner context.
package executor

import (
	"context"

	"github.com/crankci/crank/pkg/models"
)

// StepExecutor is the boundary to step execution. A returned StepResult with
// a non-zero exit status is the normal shape of a failing step; an error
// means the step could not be executed at all.
type StepExecutor interface {
	Execute(ctx context.Context, step models.StepSpec, stepCtx *models.StepContext) (*models.StepResult, error)
}

package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crankci/crank/pkg/models"
	"github.com/crankci/crank/pkg/registry"
)

// ActionExecutor resolves `uses:` steps through the action registry.
type ActionExecutor struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func NewActionExecutor(reg *registry.Registry, logger *slog.Logger) *ActionExecutor {
	return &ActionExecutor{
		registry: reg,
		logger:   logger.With("module", "action_executor"),
	}
}

func (e *ActionExecutor) Execute(ctx context.Context, step models.StepSpec, stepCtx *models.StepContext) (*models.StepResult, error) {
	if step.Uses == "" {
		return nil, fmt.Errorf("step %q has no action reference", step.Name)
	}

	action, err := e.registry.CreateAction(step.Uses, step.With)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With(
		"run_id", stepCtx.RunID,
		"job_id", stepCtx.JobID,
		"step", step.Name,
		"uses", step.Uses,
	)

	outputs, err := action.Execute(ctx, *stepCtx, logger)
	if err != nil {
		// An action error is a normal step failure, not an engine fault.
		return &models.StepResult{
			Name:       step.Name,
			ExitStatus: 1,
			Error:      err.Error(),
			Attempts:   1,
		}, nil
	}

	return &models.StepResult{
		Name:     step.Name,
		Outputs:  outputs,
		Attempts: 1,
	}, nil
}

// Composite dispatches each step to the executor for its variant.
type Composite struct {
	shell  StepExecutor
	action StepExecutor
}

func NewComposite(shell, action StepExecutor) *Composite {
	return &Composite{shell: shell, action: action}
}

func (c *Composite) Execute(ctx context.Context, step models.StepSpec, stepCtx *models.StepContext) (*models.StepResult, error) {
	if step.Kind() == models.StepKindUses {
		return c.action.Execute(ctx, step, stepCtx)
	}

	return c.shell.Execute(ctx, step, stepCtx)
}

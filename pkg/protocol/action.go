// Package protocol defines the contracts between the engine and pluggable
// reusable actions.
package protocol

import (
	"context"
	"log/slog"

	"github.com/crankci/crank/pkg/models"
)

// Action is one reusable `uses:` step implementation. Execute returns the
// step's structured outputs.
type Action interface {
	Execute(ctx context.Context, stepCtx models.StepContext, logger *slog.Logger) (map[string]string, error)
}

// ActionFactory builds an action instance from validated `with:` parameters.
type ActionFactory func(params map[string]any) (Action, error)

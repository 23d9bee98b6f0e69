// Package setoutput provides the core/set-output reusable action.
package setoutput

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crankci/crank/pkg/models"
)

func GetSetOutputActionSchema() *models.RegisteredComponent {
	return &models.RegisteredComponent{
		Type:        "core/set-output",
		Name:        "Set outputs",
		Description: "Publishes the given key-value pairs as step outputs",
		Schema: &models.JSONSchema{
			Type: "object",
		},
	}
}

type SetOutputAction struct {
	outputs map[string]string
}

func NewSetOutputAction(params map[string]any) (*SetOutputAction, error) {
	outputs := make(map[string]string, len(params))
	for key, value := range params {
		outputs[key] = fmt.Sprintf("%v", value)
	}

	return &SetOutputAction{outputs: outputs}, nil
}

func (a *SetOutputAction) Execute(ctx context.Context, _ models.StepContext, logger *slog.Logger) (map[string]string, error) {
	logger.DebugContext(ctx, "Publishing step outputs", "action_type", "core/set-output", "count", len(a.outputs))

	return a.outputs, nil
}

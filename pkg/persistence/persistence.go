// Package persistence provides the storage abstraction for workflow
// definitions and runs.
package persistence

import (
	"context"

	"github.com/crankci/crank/pkg/models"
)

type Persistence interface {
	Workflows(ctx context.Context) ([]*models.WorkflowDefinition, error)
	SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error
	WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error

	Runs(ctx context.Context) ([]*models.Run, error)
	SaveRun(ctx context.Context, run *models.Run) error
	RunByID(ctx context.Context, id string) (*models.Run, error)

	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

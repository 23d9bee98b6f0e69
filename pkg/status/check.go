// Package status aggregates run results and publishes incremental status
// checks to the context that originated the trigger event.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/crankci/crank/pkg/models"
)

// Check is one status report for a run, suitable for a commit or
// pull-request check surface.
type Check struct {
	RunID        string                     `json:"run_id"`
	WorkflowID   string                     `json:"workflow_id"`
	WorkflowName string                     `json:"workflow_name"`
	Status       models.RunStatus           `json:"status"`
	Summary      string                     `json:"summary"`
	Jobs         map[string]models.JobState `json:"jobs"`
	CompletedAt  *time.Time                 `json:"completed_at,omitempty"`
}

// CheckPublisher posts a check to the originating context. Implementations
// talk to a forge API; tests use fakes.
type CheckPublisher interface {
	PublishCheck(ctx context.Context, check Check) error
}

// LogCheckPublisher writes checks to the structured log. It is the default
// publisher when no forge integration is configured.
type LogCheckPublisher struct {
	logger *slog.Logger
}

func NewLogCheckPublisher(logger *slog.Logger) *LogCheckPublisher {
	return &LogCheckPublisher{logger: logger.With("module", "check_publisher")}
}

func (p *LogCheckPublisher) PublishCheck(ctx context.Context, check Check) error {
	p.logger.InfoContext(ctx, "Status check",
		"run_id", check.RunID,
		"workflow_id", check.WorkflowID,
		"status", check.Status,
		"summary", check.Summary,
	)

	return nil
}

// buildCheck derives a check from the current run snapshot.
func buildCheck(run *models.Run) Check {
	jobs := make(map[string]models.JobState, len(run.Jobs))

	var succeeded int

	var problems []string

	for _, jobID := range run.JobOrder {
		execution := run.Jobs[jobID]
		jobs[jobID] = execution.State

		switch execution.State {
		case models.JobStateSucceeded:
			succeeded++
		case models.JobStateFailed, models.JobStateCancelled:
			problems = append(problems, fmt.Sprintf("%s %s", jobID, execution.State))
		}
	}

	sort.Strings(problems)

	summary := fmt.Sprintf("%d/%d jobs succeeded", succeeded, len(run.Jobs))
	if len(problems) > 0 {
		summary += " (" + strings.Join(problems, ", ") + ")"
	}

	return Check{
		RunID:        run.ID,
		WorkflowID:   run.WorkflowID,
		WorkflowName: run.WorkflowName,
		Status:       run.Status(),
		Summary:      summary,
		Jobs:         jobs,
		CompletedAt:  run.FinishedAt,
	}
}

package scheduler

import (
	"sort"

	"github.com/crankci/crank/pkg/models"
)

// cloneRun deep-copies a run so callers never observe in-flight mutation.
func cloneRun(run *models.Run) *models.Run {
	clone := *run
	clone.JobOrder = append([]string(nil), run.JobOrder...)
	clone.Jobs = make(map[string]*models.JobExecution, len(run.Jobs))

	for jobID, execution := range run.Jobs {
		clone.Jobs[jobID] = cloneJobExecution(execution)
	}

	return &clone
}

func cloneJobExecution(execution *models.JobExecution) *models.JobExecution {
	clone := *execution
	clone.Steps = append([]models.StepResult(nil), execution.Steps...)
	clone.Artifacts = append([]models.ArtifactRef(nil), execution.Artifacts...)
	clone.Outputs = copyOutputs(execution.Outputs)

	for i, step := range clone.Steps {
		clone.Steps[i].Outputs = copyOutputs(step.Outputs)
	}

	if execution.Coverage != nil {
		coverage := *execution.Coverage
		clone.Coverage = &coverage
	}

	return &clone
}

func copyOutputs(outputs map[string]string) map[string]string {
	if outputs == nil {
		return nil
	}

	copied := make(map[string]string, len(outputs))
	for key, value := range outputs {
		copied[key] = value
	}

	return copied
}

func sortRunsNewestFirst(runs []*models.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}

		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

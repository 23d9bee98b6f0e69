package file

import (
	"testing"
	"time"

	"github.com/crankci/crank/pkg/models"
	"github.com/crankci/crank/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistence_WorkflowRoundTrip(t *testing.T) {
	store := NewPersistence(t.TempDir())

	workflow := &models.WorkflowDefinition{
		ID:       "ci",
		Name:     "continuous integration",
		JobOrder: []string{"build"},
		Jobs: map[string]*models.JobSpec{
			"build": {
				ID:     "build",
				RunsOn: []string{"linux"},
				Steps:  []models.StepSpec{{Name: "compile", Run: "make"}},
			},
		},
	}

	require.NoError(t, store.SaveWorkflow(t.Context(), workflow))

	loaded, err := store.WorkflowByID(t.Context(), "ci")
	require.NoError(t, err)
	assert.Equal(t, workflow, loaded)

	all, err := store.Workflows(t.Context())
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.DeleteWorkflow(t.Context(), "ci"))

	_, err = store.WorkflowByID(t.Context(), "ci")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	err = store.DeleteWorkflow(t.Context(), "ci")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestPersistence_RunRoundTrip(t *testing.T) {
	store := NewPersistence("file://" + t.TempDir())

	started := time.Now().UTC().Truncate(time.Second)

	run := &models.Run{
		ID:           "run-1",
		WorkflowID:   "ci",
		WorkflowName: "continuous integration",
		JobOrder:     []string{"build"},
		Jobs: map[string]*models.JobExecution{
			"build": {
				JobID:     "build",
				State:     models.JobStateSucceeded,
				RunnerID:  "linux-1",
				StartedAt: &started,
				Outputs:   map[string]string{"version": "1.0"},
			},
		},
		CreatedAt: started,
	}

	require.NoError(t, store.SaveRun(t.Context(), run))

	loaded, err := store.RunByID(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, run, loaded)
	assert.Equal(t, models.RunStatusSucceeded, loaded.Status())

	// Saving again overwrites the document in place.
	run.Jobs["build"].State = models.JobStateFailed
	require.NoError(t, store.SaveRun(t.Context(), run))

	loaded, err = store.RunByID(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, loaded.Jobs["build"].State)

	_, err = store.RunByID(t.Context(), "missing")
	require.ErrorIs(t, err, persistence.ErrRunNotFound)

	runs, err := store.Runs(t.Context())
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestPersistence_HealthCheck(t *testing.T) {
	store := NewPersistence(t.TempDir())
	require.NoError(t, store.HealthCheck(t.Context()))

	missing := NewPersistence("/nonexistent/crank-data")
	require.Error(t, missing.HealthCheck(t.Context()))
}

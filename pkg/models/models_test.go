package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatus_Derivation(t *testing.T) {
	tests := []struct {
		name   string
		states map[string]JobState
		want   RunStatus
	}{
		{
			name:   "all pending",
			states: map[string]JobState{"build": JobStatePending, "test": JobStatePending},
			want:   RunStatusPending,
		},
		{
			name:   "one running",
			states: map[string]JobState{"build": JobStateRunning, "test": JobStatePending},
			want:   RunStatusRunning,
		},
		{
			name:   "waiting on gate counts as running",
			states: map[string]JobState{"deploy": JobStateWaitingOnGate},
			want:   RunStatusRunning,
		},
		{
			name:   "partial completion still running",
			states: map[string]JobState{"build": JobStateSucceeded, "test": JobStatePending},
			want:   RunStatusRunning,
		},
		{
			name:   "all succeeded",
			states: map[string]JobState{"build": JobStateSucceeded, "test": JobStateSucceeded},
			want:   RunStatusSucceeded,
		},
		{
			name:   "failure wins over cancellation",
			states: map[string]JobState{"build": JobStateFailed, "test": JobStateCancelled},
			want:   RunStatusFailed,
		},
		{
			name:   "cancelled without failure",
			states: map[string]JobState{"build": JobStateCancelled, "test": JobStateCancelled},
			want:   RunStatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &Run{Jobs: make(map[string]*JobExecution)}
			for id, state := range tt.states {
				run.Jobs[id] = &JobExecution{JobID: id, State: state}
			}

			assert.Equal(t, tt.want, run.Status())
		})
	}
}

func TestRun_Terminal(t *testing.T) {
	run := &Run{Jobs: map[string]*JobExecution{
		"build": {JobID: "build", State: JobStateSucceeded},
		"test":  {JobID: "test", State: JobStateRunning},
	}}
	assert.False(t, run.Terminal())

	run.Jobs["test"].State = JobStateFailed
	assert.True(t, run.Terminal())
}

func TestStepSpec_Validate(t *testing.T) {
	step := StepSpec{Name: "compile", Run: "make build"}
	require.NoError(t, step.Validate())
	assert.Equal(t, StepKindRun, step.Kind())

	step = StepSpec{Name: "upload", Uses: "artifact/upload", With: map[string]any{"path": "dist/app"}}
	require.NoError(t, step.Validate())
	assert.Equal(t, StepKindUses, step.Kind())

	err := (&StepSpec{Name: "empty"}).Validate()
	require.Error(t, err)

	err = (&StepSpec{Name: "both", Run: "make", Uses: "artifact/upload"}).Validate()
	require.Error(t, err)

	err = (&StepSpec{Name: "run-with-params", Run: "make", With: map[string]any{"x": 1}}).Validate()
	require.Error(t, err)
}

func TestStepSpec_Attempts(t *testing.T) {
	assert.Equal(t, 1, (&StepSpec{}).Attempts())
	assert.Equal(t, 1, (&StepSpec{MaxAttempts: -2}).Attempts())
	assert.Equal(t, 3, (&StepSpec{MaxAttempts: 3}).Attempts())
}

func TestRunner_Satisfies(t *testing.T) {
	runner := &Runner{ID: "runner-1", Labels: []string{"linux", "x64", "docker"}}

	assert.True(t, runner.Satisfies([]string{"linux"}))
	assert.True(t, runner.Satisfies([]string{"linux", "docker"}))
	assert.True(t, runner.Satisfies(nil))
	assert.False(t, runner.Satisfies([]string{"macos"}))
	assert.False(t, runner.Satisfies([]string{"linux", "gpu"}))
}

func TestGatePolicy_Authorized(t *testing.T) {
	gate := GatePolicy{RequiredApprovals: 1, Reviewers: []string{"alice", "bob"}}

	assert.True(t, gate.Authorized("alice"))
	assert.False(t, gate.Authorized("mallory"))
}

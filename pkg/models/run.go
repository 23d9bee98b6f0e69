package models

import "time"

// RunStatus is the aggregate state of a Run. It is always derived from the
// job states, never stored redundantly.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// JobState is the lifecycle state of one job within a Run.
type JobState string

const (
	JobStatePending       JobState = "pending"
	JobStateWaitingOnGate JobState = "waiting_on_gate"
	JobStateRunning       JobState = "running"
	JobStateSucceeded     JobState = "succeeded"
	JobStateFailed        JobState = "failed"
	JobStateCancelled     JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateCancelled
}

// Run is one execution instance of a workflow definition, triggered by a
// single event.
type Run struct {
	ID           string                   `json:"id"`
	WorkflowID   string                   `json:"workflow_id"`
	WorkflowName string                   `json:"workflow_name"`
	Event        TriggerEvent             `json:"event"`
	Jobs         map[string]*JobExecution `json:"jobs"`
	JobOrder     []string                 `json:"job_order"`
	CreatedAt    time.Time                `json:"created_at"`
	FinishedAt   *time.Time               `json:"finished_at,omitempty"`
}

// Status derives the aggregate run status from the job states: Succeeded iff
// every job Succeeded, Failed if any job Failed, Cancelled when jobs were
// cancelled without a failure (explicit abort or gate rejection).
func (r *Run) Status() RunStatus {
	var (
		anyFailed    bool
		anyCancelled bool
		anyStarted   bool
		allTerminal  = true
	)

	for _, job := range r.Jobs {
		switch job.State {
		case JobStateFailed:
			anyFailed = true
		case JobStateCancelled:
			anyCancelled = true
		case JobStateRunning, JobStateWaitingOnGate:
			anyStarted = true
		}

		if !job.State.Terminal() {
			allTerminal = false
		} else {
			anyStarted = true
		}
	}

	if !allTerminal {
		if anyStarted {
			return RunStatusRunning
		}

		return RunStatusPending
	}

	switch {
	case anyFailed:
		return RunStatusFailed
	case anyCancelled:
		return RunStatusCancelled
	default:
		return RunStatusSucceeded
	}
}

// Terminal reports whether every job reached a final state.
func (r *Run) Terminal() bool {
	for _, job := range r.Jobs {
		if !job.State.Terminal() {
			return false
		}
	}

	return true
}

// JobExecution tracks one job's live state within a Run.
type JobExecution struct {
	JobID      string            `json:"job_id"`
	State      JobState          `json:"state"`
	RunnerID   string            `json:"runner_id,omitempty"`
	Steps      []StepResult      `json:"steps,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Coverage   *float64          `json:"coverage,omitempty"`
	Artifacts  []ArtifactRef     `json:"artifacts,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// StepResult captures the outcome of one step execution.
type StepResult struct {
	Name       string            `json:"name"`
	ExitStatus int               `json:"exit_status"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Log        string            `json:"log,omitempty"`
	Attempts   int               `json:"attempts"`
	Skipped    bool              `json:"skipped,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Succeeded reports whether the step finished with a zero exit status.
func (s *StepResult) Succeeded() bool {
	return !s.Skipped && s.ExitStatus == 0 && s.Error == ""
}

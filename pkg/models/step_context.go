package models

// StepContext is the job-local state shared by the steps of one job. Steps
// run strictly in sequence, so the context is mutated without locking.
type StepContext struct {
	RunID      string            `json:"run_id"`
	JobID      string            `json:"job_id"`
	RunnerID   string            `json:"runner_id"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env,omitempty"`

	// Outputs accumulates the structured outputs of completed steps and is
	// visible to subsequent steps of the same job.
	Outputs map[string]string `json:"outputs,omitempty"`

	// NeedsOutputs holds a frozen copy of each dependency job's outputs,
	// keyed by job-id. Dependents read copies, never live references.
	NeedsOutputs map[string]map[string]string `json:"needs_outputs,omitempty"`
}

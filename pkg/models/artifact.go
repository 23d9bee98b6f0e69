package models

import "time"

// ArtifactRef addresses a stored blob in the artifact store.
type ArtifactRef string

// Artifact is a job-produced output indexed by (run, job). Content lifetime
// is managed externally to the engine.
type Artifact struct {
	Ref       ArtifactRef `json:"ref"`
	RunID     string      `json:"run_id"`
	JobID     string      `json:"job_id"`
	Name      string      `json:"name"`
	Size      int64       `json:"size"`
	CreatedAt time.Time   `json:"created_at"`
}

// CoverageReport is the structured coverage output of a job, compared against
// the job's configured threshold.
type CoverageReport struct {
	RunID   string  `json:"run_id"`
	JobID   string  `json:"job_id"`
	Percent float64 `json:"percent"`
}

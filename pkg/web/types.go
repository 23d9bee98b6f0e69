// Package web provides the HTTP API: event ingestion, manual dispatch, run
// queries, cancellation, gate reviews, and artifact fetch.
package web

import (
	"time"

	"github.com/crankci/crank/pkg/models"
)

// IngestEventRequest is the body of POST /events. Manual dispatch goes
// through POST /workflows/:id/dispatch instead.
type IngestEventRequest struct {
	Kind  string `json:"kind"  validate:"required,oneof=push pull_request"`
	Ref   string `json:"ref"   validate:"required"`
	Actor string `json:"actor" validate:"required"`
}

// DispatchRequest is the body of POST /workflows/:id/dispatch.
type DispatchRequest struct {
	Ref    string            `json:"ref"   validate:"required"`
	Actor  string            `json:"actor" validate:"required"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// CancelRequest is the body of POST /runs/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ReviewRequest is the body of the gate approve/reject endpoints.
type ReviewRequest struct {
	Reviewer string `json:"reviewer" validate:"required"`
}

// RunSummary is the list-view shape of a run.
type RunSummary struct {
	ID           string           `json:"id"`
	WorkflowID   string           `json:"workflow_id"`
	WorkflowName string           `json:"workflow_name"`
	Status       models.RunStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

func toRunSummary(run *models.Run) RunSummary {
	return RunSummary{
		ID:           run.ID,
		WorkflowID:   run.WorkflowID,
		WorkflowName: run.WorkflowName,
		Status:       run.Status(),
		CreatedAt:    run.CreatedAt,
		FinishedAt:   run.FinishedAt,
	}
}

// RunDetail is the full run view: aggregate status plus per-job detail,
// queryable mid-flight.
type RunDetail struct {
	RunSummary

	Event models.TriggerEvent             `json:"event"`
	Jobs  map[string]*models.JobExecution `json:"jobs"`
}

func toRunDetail(run *models.Run) RunDetail {
	return RunDetail{
		RunSummary: toRunSummary(run),
		Event:      run.Event,
		Jobs:       run.Jobs,
	}
}

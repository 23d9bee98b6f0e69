// Package events defines the lifecycle events published on every run, job,
// and gate transition.
package events

import (
	"time"

	"github.com/crankci/crank/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Bus topic carrying all engine lifecycle events.
const Topic = "crank.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Run lifecycle.
	RunCreatedEvent   EventType = "run.created"
	RunFinishedEvent  EventType = "run.finished"
	RunCancelledEvent EventType = "run.cancelled"

	// Job lifecycle.
	JobQueuedEvent   EventType = "job.queued"
	JobStartedEvent  EventType = "job.started"
	JobFinishedEvent EventType = "job.finished"

	// Step lifecycle.
	StepFinishedEvent EventType = "step.finished"

	// Environment gate lifecycle.
	GateWaitingEvent   EventType = "gate.waiting"
	GateApprovedEvent  EventType = "gate.approved"
	GateSatisfiedEvent EventType = "gate.satisfied"
	GateRejectedEvent  EventType = "gate.rejected"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, runID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Metadata:  make(map[string]any),
	}
}

type RunCreated struct {
	BaseEvent

	WorkflowID   string           `json:"workflow_id"`
	WorkflowName string           `json:"workflow_name"`
	EventKind    models.EventKind `json:"event_kind"`
	Ref          string           `json:"ref"`
	Actor        string           `json:"actor"`
}

func (e RunCreated) GetType() EventType {
	return RunCreatedEvent
}

type RunFinished struct {
	BaseEvent

	Status   models.RunStatus `json:"status"`
	Duration time.Duration    `json:"duration"`
}

func (e RunFinished) GetType() EventType {
	return RunFinishedEvent
}

type RunCancelled struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (e RunCancelled) GetType() EventType {
	return RunCancelledEvent
}

type JobQueued struct {
	BaseEvent

	JobID  string   `json:"job_id"`
	RunsOn []string `json:"runs_on"`
}

func (e JobQueued) GetType() EventType {
	return JobQueuedEvent
}

type JobStarted struct {
	BaseEvent

	JobID    string `json:"job_id"`
	RunnerID string `json:"runner_id"`
}

func (e JobStarted) GetType() EventType {
	return JobStartedEvent
}

type JobFinished struct {
	BaseEvent

	JobID    string          `json:"job_id"`
	State    models.JobState `json:"state"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

func (e JobFinished) GetType() EventType {
	return JobFinishedEvent
}

type StepFinished struct {
	BaseEvent

	JobID      string            `json:"job_id"`
	StepName   string            `json:"step_name"`
	ExitStatus int               `json:"exit_status"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Attempts   int               `json:"attempts"`
}

func (e StepFinished) GetType() EventType {
	return StepFinishedEvent
}

type GateWaiting struct {
	BaseEvent

	JobID       string `json:"job_id"`
	Environment string `json:"environment"`
}

func (e GateWaiting) GetType() EventType {
	return GateWaitingEvent
}

type GateApproved struct {
	BaseEvent

	Environment string `json:"environment"`
	Reviewer    string `json:"reviewer"`
	Approvals   int    `json:"approvals"`
}

func (e GateApproved) GetType() EventType {
	return GateApprovedEvent
}

type GateSatisfied struct {
	BaseEvent

	Environment string `json:"environment"`
}

func (e GateSatisfied) GetType() EventType {
	return GateSatisfiedEvent
}

type GateRejected struct {
	BaseEvent

	Environment string `json:"environment"`
	Reviewer    string `json:"reviewer"`
}

func (e GateRejected) GetType() EventType {
	return GateRejectedEvent
}

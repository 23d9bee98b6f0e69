package models

import "time"

// EventKind identifies the source of a trigger event.
type EventKind string

const (
	EventKindPush        EventKind = "push"
	EventKindPullRequest EventKind = "pull_request"
	EventKindDispatch    EventKind = "workflow_dispatch"
	EventKindSchedule    EventKind = "schedule"
)

// TriggerEvent is one incoming event submitted for trigger evaluation. For
// manual dispatch it carries the user-supplied inputs, validated against the
// workflow's declared input schema before any Run is created.
type TriggerEvent struct {
	ID          string            `json:"id"`
	Kind        EventKind         `json:"kind"  validate:"required"`
	Ref         string            `json:"ref"   validate:"required"`
	Actor       string            `json:"actor" validate:"required"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	DeliveredAt time.Time         `json:"delivered_at"`
}

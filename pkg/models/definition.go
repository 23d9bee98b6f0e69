// Package models defines the core domain models for pipeline orchestration.
package models

import "fmt"

// WorkflowDefinition is the parsed, validated form of a workflow file. It is
// immutable once loaded for a given Run; a new definition version produces a
// new instance.
type WorkflowDefinition struct {
	ID      string              `json:"id"`
	Name    string              `json:"name"    validate:"required,min=3"`
	Version string              `json:"version,omitempty"`
	On      TriggerSpec         `json:"on"`
	Jobs    map[string]*JobSpec `json:"jobs"    validate:"required"`

	// JobOrder preserves the declaration order of the jobs block. Dispatch
	// among simultaneously-ready jobs is FIFO in this order.
	JobOrder []string `json:"job_order"`
}

// TriggerSpec is a workflow's `on:` block.
type TriggerSpec struct {
	Events    []EventTrigger    `json:"events,omitempty"`
	Schedules []ScheduleTrigger `json:"schedules,omitempty"`
	Dispatch  *DispatchTrigger  `json:"dispatch,omitempty"`
}

// EventTrigger matches an event kind against a set of ref patterns. An empty
// pattern list matches any ref.
type EventTrigger struct {
	Kind     EventKind `json:"kind"     validate:"required"`
	Branches []string  `json:"branches,omitempty"`
}

// ScheduleTrigger fires the workflow on a cron expression.
type ScheduleTrigger struct {
	Cron string `json:"cron" validate:"required"`
}

// DispatchTrigger declares the input schema for manual dispatch.
type DispatchTrigger struct {
	Inputs map[string]*DispatchInput `json:"inputs,omitempty"`
}

// DispatchInput declares one manual-dispatch input field.
type DispatchInput struct {
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Type        string   `json:"type,omitempty"`    // string, boolean, number, choice
	Options     []string `json:"options,omitempty"` // allowed literal set
	Default     string   `json:"default,omitempty"`
}

// JobSpec is one schedulable unit: an ordered step list bound to a runner
// capability requirement, a dependency set, and optionally an environment.
type JobSpec struct {
	ID                string     `json:"id"                  validate:"required"`
	RunsOn            []string   `json:"runs_on"             validate:"required,min=1"`
	Needs             []string   `json:"needs,omitempty"`
	Environment       string     `json:"environment,omitempty"`
	CoverageThreshold *float64   `json:"coverage_threshold,omitempty"`
	Steps             []StepSpec `json:"steps"               validate:"required,min=1"`
}

// StepKind discriminates the two step variants.
type StepKind string

const (
	StepKindRun  StepKind = "run"  // shell command
	StepKindUses StepKind = "uses" // reusable action reference
)

// StepSpec is the smallest unit of execution. Exactly one of Run or Uses is
// set; steps within a job execute strictly in sequence and share job-local
// state.
type StepSpec struct {
	Name        string            `json:"name,omitempty"`
	Run         string            `json:"run,omitempty"`
	Uses        string            `json:"uses,omitempty"`
	With        map[string]any    `json:"with,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
}

func (s *StepSpec) Kind() StepKind {
	if s.Uses != "" {
		return StepKindUses
	}

	return StepKindRun
}

// Attempts returns the bounded attempt count for the step. Unset means a
// single attempt.
func (s *StepSpec) Attempts() int {
	if s.MaxAttempts < 1 {
		return 1
	}

	return s.MaxAttempts
}

func (s *StepSpec) Validate() error {
	if s.Run == "" && s.Uses == "" {
		return fmt.Errorf("step %q: one of run or uses is required", s.Name)
	}

	if s.Run != "" && s.Uses != "" {
		return fmt.Errorf("step %q: run and uses are mutually exclusive", s.Name)
	}

	if s.Run != "" && len(s.With) > 0 {
		return fmt.Errorf("step %q: with parameters are only valid for uses steps", s.Name)
	}

	return nil
}

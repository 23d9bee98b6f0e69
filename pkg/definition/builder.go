package definition

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/crankci/crank/pkg/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var dispatchInputTypes = map[string]bool{
	"":        true,
	"string":  true,
	"boolean": true,
	"number":  true,
	"choice":  true,
}

// Build parses a workflow definition source into a validated
// WorkflowDefinition. Structural defects (malformed YAML, unknown or cyclic
// dependencies) are rejected here, before any scheduling state exists.
func Build(source []byte) (*models.WorkflowDefinition, error) {
	var raw rawDefinition

	decoder := yaml.NewDecoder(bytes.NewReader(source))
	decoder.KnownFields(true)

	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ParseError{Detail: "invalid YAML", Err: err}
	}

	if raw.Name == "" {
		return nil, &ParseError{Detail: "name is required"}
	}

	triggers, err := buildTriggers(raw.Name, raw.On)
	if err != nil {
		return nil, err
	}

	if len(raw.Jobs.order) == 0 {
		return nil, &ParseError{Workflow: raw.Name, Detail: "jobs block is empty"}
	}

	jobs := make(map[string]*models.JobSpec, len(raw.Jobs.order))

	for _, jobID := range raw.Jobs.order {
		spec, err := buildJob(raw.Name, jobID, raw.Jobs.jobs[jobID])
		if err != nil {
			return nil, err
		}

		jobs[jobID] = spec
	}

	for jobID, spec := range jobs {
		for _, dep := range spec.Needs {
			if _, ok := jobs[dep]; !ok {
				return nil, &GraphError{
					Workflow: raw.Name,
					Job:      jobID,
					Err:      fmt.Errorf("%w: %s", ErrUnknownDependency, dep),
				}
			}
		}
	}

	if err := checkAcyclic(raw.Name, raw.Jobs.order, jobs); err != nil {
		return nil, err
	}

	return &models.WorkflowDefinition{
		ID:       uuid.New().String(),
		Name:     raw.Name,
		On:       *triggers,
		Jobs:     jobs,
		JobOrder: raw.Jobs.order,
	}, nil
}

func buildTriggers(workflow string, raw rawOn) (*models.TriggerSpec, error) {
	spec := &models.TriggerSpec{}

	if raw.Push != nil {
		spec.Events = append(spec.Events, models.EventTrigger{
			Kind:     models.EventKindPush,
			Branches: []string(raw.Push.Branches),
		})
	}

	if raw.PullRequest != nil {
		spec.Events = append(spec.Events, models.EventTrigger{
			Kind:     models.EventKindPullRequest,
			Branches: []string(raw.PullRequest.Branches),
		})
	}

	for _, schedule := range raw.Schedule {
		if _, err := cron.ParseStandard(schedule.Cron); err != nil {
			return nil, &ParseError{
				Workflow: workflow,
				Detail:   fmt.Sprintf("invalid cron expression %q", schedule.Cron),
				Err:      err,
			}
		}

		spec.Schedules = append(spec.Schedules, models.ScheduleTrigger{Cron: schedule.Cron})
	}

	if raw.WorkflowDispatch != nil {
		inputs := make(map[string]*models.DispatchInput, len(raw.WorkflowDispatch.Inputs))

		for name, input := range raw.WorkflowDispatch.Inputs {
			if input == nil {
				input = &rawInput{}
			}

			if !dispatchInputTypes[input.Type] {
				return nil, &ParseError{
					Workflow: workflow,
					Detail:   fmt.Sprintf("dispatch input %q has unsupported type %q", name, input.Type),
				}
			}

			if input.Type == "choice" && len(input.Options) == 0 {
				return nil, &ParseError{
					Workflow: workflow,
					Detail:   fmt.Sprintf("dispatch input %q of type choice requires options", name),
				}
			}

			inputs[name] = &models.DispatchInput{
				Description: input.Description,
				Required:    input.Required,
				Type:        input.Type,
				Options:     input.Options,
				Default:     input.Default,
			}
		}

		spec.Dispatch = &models.DispatchTrigger{Inputs: inputs}
	}

	return spec, nil
}

func buildJob(workflow, jobID string, raw *rawJob) (*models.JobSpec, error) {
	if raw == nil || len(raw.Steps) == 0 {
		return nil, &ParseError{
			Workflow: workflow,
			Detail:   fmt.Sprintf("job %q has no steps", jobID),
		}
	}

	if len(raw.RunsOn) == 0 {
		return nil, &ParseError{
			Workflow: workflow,
			Detail:   fmt.Sprintf("job %q is missing runs-on", jobID),
		}
	}

	if raw.CoverageThreshold != nil && (*raw.CoverageThreshold < 0 || *raw.CoverageThreshold > 100) {
		return nil, &ParseError{
			Workflow: workflow,
			Detail:   fmt.Sprintf("job %q coverage threshold must be within 0-100", jobID),
		}
	}

	steps := make([]models.StepSpec, 0, len(raw.Steps))

	for i, rawStep := range raw.Steps {
		step := models.StepSpec{
			Name:        rawStep.Name,
			Run:         rawStep.Run,
			Uses:        rawStep.Uses,
			With:        rawStep.With,
			Env:         rawStep.Env,
			MaxAttempts: rawStep.MaxAttempts,
		}

		if step.Name == "" {
			step.Name = fmt.Sprintf("step-%d", i+1)
		}

		if err := step.Validate(); err != nil {
			return nil, &ParseError{
				Workflow: workflow,
				Detail:   fmt.Sprintf("job %q", jobID),
				Err:      err,
			}
		}

		steps = append(steps, step)
	}

	return &models.JobSpec{
		ID:                jobID,
		RunsOn:            []string(raw.RunsOn),
		Needs:             []string(raw.Needs),
		Environment:       raw.Environment,
		CoverageThreshold: raw.CoverageThreshold,
		Steps:             steps,
	}, nil
}

// checkAcyclic runs Kahn's topological sort over the job graph; any job left
// unvisited after the sort sits on a cycle.
func checkAcyclic(workflow string, order []string, jobs map[string]*models.JobSpec) error {
	indegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string, len(jobs))

	for _, jobID := range order {
		indegree[jobID] = len(jobs[jobID].Needs)

		for _, dep := range jobs[jobID].Needs {
			dependents[dep] = append(dependents[dep], jobID)
		}
	}

	queue := make([]string, 0, len(jobs))

	for _, jobID := range order {
		if indegree[jobID] == 0 {
			queue = append(queue, jobID)
		}
	}

	visited := 0

	for len(queue) > 0 {
		jobID := queue[0]
		queue = queue[1:]
		visited++

		for _, dependent := range dependents[jobID] {
			indegree[dependent]--

			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited == len(jobs) {
		return nil
	}

	for _, jobID := range order {
		if indegree[jobID] > 0 {
			return &GraphError{Workflow: workflow, Job: jobID, Err: ErrCyclicDependency}
		}
	}

	return &GraphError{Workflow: workflow, Err: ErrCyclicDependency}
}

// Loader caches built definitions by content hash so a definition version is
// built once and reused across Runs.
type Loader struct {
	mu    sync.RWMutex
	cache map[[sha256.Size]byte]*models.WorkflowDefinition
}

func NewLoader() *Loader {
	return &Loader{cache: make(map[[sha256.Size]byte]*models.WorkflowDefinition)}
}

// Load returns the cached definition for this exact source version, building
// it on first sight.
func (l *Loader) Load(source []byte) (*models.WorkflowDefinition, error) {
	key := sha256.Sum256(source)

	l.mu.RLock()
	cached, ok := l.cache[key]
	l.mu.RUnlock()

	if ok {
		return cached, nil
	}

	built, err := Build(source)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cached, ok := l.cache[key]; ok {
		return cached, nil
	}

	l.cache[key] = built

	return built, nil
}

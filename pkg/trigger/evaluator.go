// Package trigger matches incoming events against registered workflow
// definitions and seeds runs for every match.
package trigger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/crankci/crank/pkg/models"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrUnknownWorkflow indicates no workflow is registered under the id.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrNoDispatchTrigger indicates the workflow does not declare a manual
	// dispatch trigger.
	ErrNoDispatchTrigger = errors.New("workflow does not accept manual dispatch")
)

// RunSeed pairs a matched workflow with the event that triggered it. Each
// seed yields one independent run.
type RunSeed struct {
	Definition *models.WorkflowDefinition
	Event      models.TriggerEvent
}

// ValidationError reports manual-dispatch inputs that violate the workflow's
// declared input schema. No run is created.
type ValidationError struct {
	WorkflowID string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dispatch inputs for workflow %s rejected: %s",
		e.WorkflowID, strings.Join(e.Violations, "; "))
}

// Evaluator holds the registered workflow definitions and evaluates trigger
// events against their predicates.
type Evaluator struct {
	logger *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*models.WorkflowDefinition
}

func NewEvaluator(logger *slog.Logger, definitions ...*models.WorkflowDefinition) *Evaluator {
	evaluator := &Evaluator{
		logger:    logger.With("module", "trigger"),
		workflows: make(map[string]*models.WorkflowDefinition, len(definitions)),
	}

	for _, definition := range definitions {
		evaluator.workflows[definition.ID] = definition
	}

	return evaluator
}

// Register adds or replaces a workflow definition.
func (e *Evaluator) Register(definition *models.WorkflowDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.workflows[definition.ID] = definition
}

// Workflows returns the registered definitions sorted by id.
func (e *Evaluator) Workflows() []*models.WorkflowDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	definitions := make([]*models.WorkflowDefinition, 0, len(e.workflows))
	for _, definition := range e.workflows {
		definitions = append(definitions, definition)
	}

	sort.Slice(definitions, func(i, j int) bool { return definitions[i].ID < definitions[j].ID })

	return definitions
}

// Workflow returns one registered definition.
func (e *Evaluator) Workflow(id string) (*models.WorkflowDefinition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	definition, ok := e.workflows[id]

	return definition, ok
}

// Evaluate matches the event against every registered workflow's trigger
// predicates. A workflow matches when the event kind is declared and the ref
// matches one of the declared patterns (exact or doublestar glob; an empty
// pattern list matches any ref). Every match yields an independent run seed.
func (e *Evaluator) Evaluate(event models.TriggerEvent) []RunSeed {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var seeds []RunSeed

	for _, definition := range e.sortedLocked() {
		if e.matches(definition, event) {
			seeds = append(seeds, RunSeed{Definition: definition, Event: event})
		}
	}

	e.logger.Info("Evaluated trigger event",
		"event_id", event.ID,
		"event_kind", event.Kind,
		"ref", event.Ref,
		"matches", len(seeds),
	)

	return seeds
}

// Dispatch validates manual-dispatch inputs against the workflow's declared
// input schema and, on success, returns a single run seed. Declared defaults
// fill absent optional inputs. A *ValidationError means no run was created.
func (e *Evaluator) Dispatch(workflowID, ref, actor string, inputs map[string]string) (*RunSeed, error) {
	e.mu.RLock()
	definition, ok := e.workflows[workflowID]
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}

	if definition.On.Dispatch == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDispatchTrigger, workflowID)
	}

	resolved, err := validateInputs(workflowID, definition.On.Dispatch, inputs)
	if err != nil {
		return nil, err
	}

	event := models.TriggerEvent{
		ID:          uuid.New().String(),
		Kind:        models.EventKindDispatch,
		Ref:         ref,
		Actor:       actor,
		Inputs:      resolved,
		DeliveredAt: time.Now().UTC(),
	}

	return &RunSeed{Definition: definition, Event: event}, nil
}

func (e *Evaluator) sortedLocked() []*models.WorkflowDefinition {
	definitions := make([]*models.WorkflowDefinition, 0, len(e.workflows))
	for _, definition := range e.workflows {
		definitions = append(definitions, definition)
	}

	sort.Slice(definitions, func(i, j int) bool { return definitions[i].ID < definitions[j].ID })

	return definitions
}

func (e *Evaluator) matches(definition *models.WorkflowDefinition, event models.TriggerEvent) bool {
	for _, declared := range definition.On.Events {
		if declared.Kind != event.Kind {
			continue
		}

		if refMatches(e.logger, declared.Branches, event.Ref) {
			return true
		}
	}

	return false
}

// refMatches accepts exact refs and doublestar globs. Patterns match either
// the full ref or its refs/heads/-stripped branch name.
func refMatches(logger *slog.Logger, patterns []string, ref string) bool {
	if len(patterns) == 0 {
		return true
	}

	branch := strings.TrimPrefix(ref, "refs/heads/")

	for _, pattern := range patterns {
		if pattern == ref || pattern == branch {
			return true
		}

		for _, candidate := range []string{ref, branch} {
			matched, err := doublestar.Match(pattern, candidate)
			if err != nil {
				logger.Warn("Invalid ref pattern ignored", "pattern", pattern, "error", err)

				break
			}

			if matched {
				return true
			}
		}
	}

	return false
}

// validateInputs converts the string inputs to their declared types, applies
// defaults, and validates the result against a JSON schema built from the
// input declarations.
func validateInputs(workflowID string, dispatch *models.DispatchTrigger, inputs map[string]string) (map[string]string, error) {
	var violations []string

	resolved := make(map[string]string, len(inputs))
	document := make(map[string]any, len(inputs))

	for name, value := range inputs {
		declaration, declared := dispatch.Inputs[name]
		if !declared {
			violations = append(violations, fmt.Sprintf("input %q is not declared", name))

			continue
		}

		typed, err := convertInput(declaration, value)
		if err != nil {
			violations = append(violations, fmt.Sprintf("input %q: %v", name, err))

			continue
		}

		document[name] = typed
		resolved[name] = value
	}

	for name, declaration := range dispatch.Inputs {
		if _, present := resolved[name]; !present && declaration.Default != "" {
			resolved[name] = declaration.Default
			document[name], _ = convertInput(declaration, declaration.Default)
		}
	}

	if len(violations) > 0 {
		return nil, &ValidationError{WorkflowID: workflowID, Violations: violations}
	}

	schemaLoader := gojsonschema.NewGoLoader(dispatchSchema(dispatch))
	documentLoader := gojsonschema.NewGoLoader(document)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("validate dispatch inputs: %w", err)
	}

	if !result.Valid() {
		for _, described := range result.Errors() {
			violations = append(violations, described.String())
		}

		return nil, &ValidationError{WorkflowID: workflowID, Violations: violations}
	}

	return resolved, nil
}

func convertInput(declaration *models.DispatchInput, value string) (any, error) {
	switch declaration.Type {
	case "boolean":
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, errors.New("expected a boolean")
		}

		return parsed, nil
	case "number":
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, errors.New("expected a number")
		}

		return parsed, nil
	default:
		return value, nil
	}
}

// dispatchSchema builds the JSON schema for a workflow's dispatch inputs:
// required fields, per-input type, and the allowed literal set for choice
// inputs.
func dispatchSchema(dispatch *models.DispatchTrigger) map[string]any {
	properties := make(map[string]any, len(dispatch.Inputs))

	var required []string

	for name, declaration := range dispatch.Inputs {
		property := make(map[string]any)

		switch declaration.Type {
		case "boolean":
			property["type"] = "boolean"
		case "number":
			property["type"] = "number"
		case "choice":
			property["type"] = "string"
			options := make([]any, 0, len(declaration.Options))

			for _, option := range declaration.Options {
				options = append(options, option)
			}

			property["enum"] = options
		default:
			property["type"] = "string"
		}

		properties[name] = property

		if declaration.Required {
			required = append(required, name)
		}
	}

	sort.Strings(required)

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}

	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

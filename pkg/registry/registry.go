// Package registry holds the reusable actions that `uses:` steps resolve to,
// each registered with a JSON Schema for its parameters.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/crankci/crank/pkg/models"
	"github.com/crankci/crank/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrActionNotRegistered indicates a `uses:` reference to an unknown action.
	ErrActionNotRegistered = errors.New("action not registered")

	// ErrInvalidParams indicates `with:` parameters that do not satisfy the
	// action's declared schema.
	ErrInvalidParams = errors.New("invalid action parameters")
)

type Registry struct {
	logger     *slog.Logger
	components map[string]*models.RegisteredComponent
	factories  map[string]protocol.ActionFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger.With("module", "registry"),
		components: make(map[string]*models.RegisteredComponent),
		factories:  make(map[string]protocol.ActionFactory),
	}
}

func (r *Registry) RegisterAction(component *models.RegisteredComponent, factory protocol.ActionFactory) {
	r.components[component.Type] = component
	r.factories[component.Type] = factory
}

// CreateAction resolves a `uses:` reference, validates the parameters against
// the action's schema, and builds the action instance.
func (r *Registry) CreateAction(ref string, params map[string]any) (protocol.Action, error) {
	factory, ok := r.factories[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotRegistered, ref)
	}

	if params == nil {
		params = make(map[string]any)
	}

	if component := r.components[ref]; component != nil && component.Schema != nil {
		if err := validateParams(ref, component.Schema, params); err != nil {
			return nil, err
		}
	}

	return factory(params)
}

// Components lists the registered actions, sorted by type for stable output.
func (r *Registry) Components() []*models.RegisteredComponent {
	components := make([]*models.RegisteredComponent, 0, len(r.components))
	for _, component := range r.components {
		components = append(components, component)
	}

	sort.Slice(components, func(i, j int) bool { return components[i].Type < components[j].Type })

	return components
}

func validateParams(ref string, schema *models.JSONSchema, params map[string]any) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", ref, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(params),
	)
	if err != nil {
		return fmt.Errorf("validate parameters for %s: %w", ref, err)
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, issue := range result.Errors() {
		details = append(details, issue.String())
	}

	return fmt.Errorf("%w: %s: %s", ErrInvalidParams, ref, strings.Join(details, "; "))
}

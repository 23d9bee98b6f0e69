package definition

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

type rawDefinition struct {
	Name string  `yaml:"name"`
	On   rawOn   `yaml:"on"`
	Jobs rawJobs `yaml:"jobs"`
}

type rawOn struct {
	Push             *rawEventFilter `yaml:"push"`
	PullRequest      *rawEventFilter `yaml:"pull_request"`
	Schedule         []rawSchedule   `yaml:"schedule"`
	WorkflowDispatch *rawDispatch    `yaml:"workflow_dispatch"`
}

type rawEventFilter struct {
	Branches stringList `yaml:"branches"`
}

type rawSchedule struct {
	Cron string `yaml:"cron"`
}

type rawDispatch struct {
	Inputs map[string]*rawInput `yaml:"inputs"`
}

type rawInput struct {
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Type        string   `yaml:"type"`
	Options     []string `yaml:"options"`
	Default     string   `yaml:"default"`
}

// rawJobs preserves the declaration order of the jobs mapping; dispatch
// tie-breaking is FIFO in this order.
type rawJobs struct {
	order []string
	jobs  map[string]*rawJob
}

func (r *rawJobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.New("jobs must be a mapping of job-id to job")
	}

	r.jobs = make(map[string]*rawJob, len(node.Content)/2)

	for i := 0; i+1 < len(node.Content); i += 2 {
		jobID := node.Content[i].Value

		if _, dup := r.jobs[jobID]; dup {
			return fmt.Errorf("duplicate job id %q", jobID)
		}

		var job rawJob
		if err := node.Content[i+1].Decode(&job); err != nil {
			return fmt.Errorf("job %q: %w", jobID, err)
		}

		r.jobs[jobID] = &job
		r.order = append(r.order, jobID)
	}

	return nil
}

type rawJob struct {
	RunsOn            stringList `yaml:"runs-on"`
	Needs             stringList `yaml:"needs"`
	Environment       string     `yaml:"environment"`
	CoverageThreshold *float64   `yaml:"coverage-threshold"`
	Steps             []rawStep  `yaml:"steps"`
}

type rawStep struct {
	Name        string            `yaml:"name"`
	Run         string            `yaml:"run"`
	Uses        string            `yaml:"uses"`
	With        map[string]any    `yaml:"with"`
	Env         map[string]string `yaml:"env"`
	MaxAttempts int               `yaml:"max-attempts"`
}

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var value string
		if err := node.Decode(&value); err != nil {
			return err
		}

		*s = []string{value}

		return nil
	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}

		*s = values

		return nil
	default:
		return errors.New("expected a string or a list of strings")
	}
}

// Package config loads the engine configuration: the runner fleet and the
// gated environments.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/crankci/crank/pkg/models"
	"gopkg.in/yaml.v3"
)

// EngineConfigFile is the on-disk shape of the engine config.
type EngineConfigFile struct {
	Runners      []runnerConfig      `yaml:"runners"`
	Environments []environmentConfig `yaml:"environments"`
}

type runnerConfig struct {
	ID     string   `yaml:"id"`
	Labels []string `yaml:"labels"`
}

type environmentConfig struct {
	Name              string   `yaml:"name"`
	RequiredApprovals int      `yaml:"required_approvals"`
	MinWait           string   `yaml:"min_wait"`
	Reviewers         []string `yaml:"reviewers"`
}

// EngineConfig is the parsed engine configuration.
type EngineConfig struct {
	Runners      []*models.Runner
	Environments []*models.Environment
}

// LoadEngineConfig reads and validates the engine config file.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file EngineConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if len(file.Runners) == 0 {
		return nil, fmt.Errorf("config file %s declares no runners", path)
	}

	config := &EngineConfig{
		Runners:      make([]*models.Runner, 0, len(file.Runners)),
		Environments: make([]*models.Environment, 0, len(file.Environments)),
	}

	seen := make(map[string]bool, len(file.Runners))

	for _, runner := range file.Runners {
		if runner.ID == "" || len(runner.Labels) == 0 {
			return nil, fmt.Errorf("runner %q needs an id and at least one label", runner.ID)
		}

		if seen[runner.ID] {
			return nil, fmt.Errorf("duplicate runner id %q", runner.ID)
		}

		seen[runner.ID] = true

		config.Runners = append(config.Runners, &models.Runner{ID: runner.ID, Labels: runner.Labels})
	}

	for _, env := range file.Environments {
		if env.Name == "" {
			return nil, fmt.Errorf("environment with empty name in %s", path)
		}

		policy := models.GatePolicy{
			RequiredApprovals: env.RequiredApprovals,
			Reviewers:         env.Reviewers,
		}

		if env.MinWait != "" {
			wait, err := time.ParseDuration(env.MinWait)
			if err != nil {
				return nil, fmt.Errorf("environment %q has invalid min_wait: %w", env.Name, err)
			}

			policy.MinWait = wait
		}

		config.Environments = append(config.Environments, &models.Environment{
			Name: env.Name,
			Gate: policy,
		})
	}

	return config, nil
}

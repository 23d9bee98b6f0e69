package definition

import (
	"testing"

	"github.com/crankci/crank/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSource = `
name: ci
on:
  push:
    branches: ["main", "release/**"]
  pull_request: {}
  schedule:
    - cron: "0 4 * * *"
  workflow_dispatch:
    inputs:
      confirm:
        description: type deploy to confirm
        required: true
        type: choice
        options: ["deploy"]
jobs:
  build:
    runs-on: [linux]
    steps:
      - name: compile
        run: make build
  test:
    runs-on: [linux]
    needs: [build]
    coverage-threshold: 80
    steps:
      - run: make test
      - uses: coverage/report
        with:
          file: cover.out
  deploy:
    runs-on: linux
    needs: [build, test]
    environment: production
    steps:
      - run: make deploy
`

func TestBuild_ValidDefinition(t *testing.T) {
	def, err := Build([]byte(validSource))
	require.NoError(t, err)

	assert.NotEmpty(t, def.ID)
	assert.Equal(t, "ci", def.Name)
	assert.Equal(t, []string{"build", "test", "deploy"}, def.JobOrder)

	require.Len(t, def.On.Events, 2)
	assert.Equal(t, models.EventKindPush, def.On.Events[0].Kind)
	assert.Equal(t, []string{"main", "release/**"}, def.On.Events[0].Branches)
	assert.Equal(t, models.EventKindPullRequest, def.On.Events[1].Kind)
	assert.Empty(t, def.On.Events[1].Branches)

	require.Len(t, def.On.Schedules, 1)
	assert.Equal(t, "0 4 * * *", def.On.Schedules[0].Cron)

	require.NotNil(t, def.On.Dispatch)
	confirm := def.On.Dispatch.Inputs["confirm"]
	require.NotNil(t, confirm)
	assert.True(t, confirm.Required)
	assert.Equal(t, []string{"deploy"}, confirm.Options)

	test := def.Jobs["test"]
	require.NotNil(t, test)
	assert.Equal(t, []string{"build"}, test.Needs)
	require.NotNil(t, test.CoverageThreshold)
	assert.InEpsilon(t, 80.0, *test.CoverageThreshold, 0.001)
	require.Len(t, test.Steps, 2)
	assert.Equal(t, models.StepKindRun, test.Steps[0].Kind())
	assert.Equal(t, models.StepKindUses, test.Steps[1].Kind())
	assert.Equal(t, "step-1", test.Steps[0].Name)

	deploy := def.Jobs["deploy"]
	require.NotNil(t, deploy)
	assert.Equal(t, "production", deploy.Environment)
	assert.Equal(t, []string{"linux"}, deploy.RunsOn)
}

func TestBuild_RejectsCycle(t *testing.T) {
	source := `
name: cyclic
on:
  push: {}
jobs:
  a:
    runs-on: [linux]
    needs: [c]
    steps:
      - run: "true"
  b:
    runs-on: [linux]
    needs: [a]
    steps:
      - run: "true"
  c:
    runs-on: [linux]
    needs: [b]
    steps:
      - run: "true"
`

	_, err := Build([]byte(source))
	require.ErrorIs(t, err, ErrCyclicDependency)
}

func TestBuild_RejectsSelfDependency(t *testing.T) {
	source := `
name: selfish
on:
  push: {}
jobs:
  a:
    runs-on: [linux]
    needs: [a]
    steps:
      - run: "true"
`

	_, err := Build([]byte(source))
	require.ErrorIs(t, err, ErrCyclicDependency)
}

func TestBuild_RejectsUnknownDependency(t *testing.T) {
	source := `
name: dangling
on:
  push: {}
jobs:
  test:
    runs-on: [linux]
    needs: [build]
    steps:
      - run: make test
`

	_, err := Build([]byte(source))
	require.ErrorIs(t, err, ErrUnknownDependency)
}

func TestBuild_RejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"not yaml", "{{{"},
		{"missing name", "on:\n  push: {}\njobs:\n  a:\n    runs-on: [linux]\n    steps:\n      - run: ls"},
		{"empty jobs", "name: x-empty\non:\n  push: {}\njobs: {}\n"},
		{"job without steps", "name: x-nosteps\non:\n  push: {}\njobs:\n  a:\n    runs-on: [linux]\n    steps: []\n"},
		{"job without runs-on", "name: x-norunner\non:\n  push: {}\njobs:\n  a:\n    steps:\n      - run: ls\n"},
		{"step with run and uses", "name: x-both\non:\n  push: {}\njobs:\n  a:\n    runs-on: [linux]\n    steps:\n      - run: ls\n        uses: artifact/upload\n"},
		{"bad cron", "name: x-cron\non:\n  schedule:\n    - cron: not-cron\njobs:\n  a:\n    runs-on: [linux]\n    steps:\n      - run: ls\n"},
		{"choice without options", "name: x-choice\non:\n  workflow_dispatch:\n    inputs:\n      env:\n        type: choice\njobs:\n  a:\n    runs-on: [linux]\n    steps:\n      - run: ls\n"},
		{"coverage over 100", "name: x-cov\non:\n  push: {}\njobs:\n  a:\n    runs-on: [linux]\n    coverage-threshold: 120\n    steps:\n      - run: ls\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build([]byte(tt.source))
			require.Error(t, err)

			var parseErr *ParseError
			if !assert.ErrorAs(t, err, &parseErr) {
				t.Logf("got error: %v", err)
			}
		})
	}
}

func TestLoader_ReusesDefinitionPerVersion(t *testing.T) {
	loader := NewLoader()

	first, err := loader.Load([]byte(validSource))
	require.NoError(t, err)

	second, err := loader.Load([]byte(validSource))
	require.NoError(t, err)

	assert.Same(t, first, second)

	changed, err := loader.Load([]byte(validSource + "\n# v2\n"))
	require.NoError(t, err)
	assert.NotSame(t, first, changed)
}

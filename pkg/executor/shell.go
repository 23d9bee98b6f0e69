package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/crankci/crank/pkg/models"
)

// outputFileEnv names the file a step writes `key=value` lines to in order
// to publish structured outputs.
const outputFileEnv = "CRANK_OUTPUT"

// ShellExecutor runs `run:` commands as subprocesses with the job-local
// working directory and accumulated environment.
type ShellExecutor struct {
	logger *slog.Logger
	shell  string
}

func NewShellExecutor(logger *slog.Logger) *ShellExecutor {
	return &ShellExecutor{
		logger: logger.With("module", "shell_executor"),
		shell:  "/bin/sh",
	}
}

func (e *ShellExecutor) Execute(ctx context.Context, step models.StepSpec, stepCtx *models.StepContext) (*models.StepResult, error) {
	if step.Run == "" {
		return nil, fmt.Errorf("step %q has no command", step.Name)
	}

	outputFile, err := os.CreateTemp("", "crank-output-*")
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	outputPath := outputFile.Name()
	outputFile.Close()

	defer os.Remove(outputPath)

	cmd := exec.CommandContext(ctx, e.shell, "-c", step.Run)
	cmd.Dir = stepCtx.WorkingDir
	cmd.Env = buildEnv(stepCtx, step, outputPath)

	var combined bytes.Buffer

	cmd.Stdout = &combined
	cmd.Stderr = &combined

	e.logger.DebugContext(ctx, "Executing step command",
		"run_id", stepCtx.RunID,
		"job_id", stepCtx.JobID,
		"step", step.Name,
	)

	runErr := cmd.Run()

	result := &models.StepResult{
		Name:     step.Name,
		Log:      combined.String(),
		Attempts: 1,
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("start step %q: %w", step.Name, runErr)
		}

		result.ExitStatus = exitErr.ExitCode()
	}

	outputs, err := parseOutputFile(outputPath)
	if err != nil {
		return nil, err
	}

	result.Outputs = outputs

	return result, nil
}

func buildEnv(stepCtx *models.StepContext, step models.StepSpec, outputPath string) []string {
	env := os.Environ()

	for key, value := range stepCtx.Env {
		env = append(env, key+"="+value)
	}

	for key, value := range step.Env {
		env = append(env, key+"="+value)
	}

	// Dependency outputs are exposed as CRANK_NEEDS_<JOB>_<KEY>.
	for jobID, outputs := range stepCtx.NeedsOutputs {
		for key, value := range outputs {
			env = append(env, "CRANK_NEEDS_"+envToken(jobID)+"_"+envToken(key)+"="+value)
		}
	}

	env = append(env,
		outputFileEnv+"="+outputPath,
		"CRANK_RUN_ID="+stepCtx.RunID,
		"CRANK_JOB_ID="+stepCtx.JobID,
	)

	return env
}

func envToken(value string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, value)

	return mapped
}

func parseOutputFile(path string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read output file: %w", err)
	}

	outputs := make(map[string]string)

	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found || key == "" {
			continue
		}

		outputs[key] = value
	}

	if len(outputs) == 0 {
		return nil, nil
	}

	return outputs, nil
}

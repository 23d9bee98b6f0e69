// Package file provides file-based persistence: one JSON document per
// workflow definition and per run under the root directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/crankci/crank/pkg/models"
	"github.com/crankci/crank/pkg/persistence"
)

const (
	workflowsDir = "workflows"
	runsDir      = "runs"

	dirMode  = 0o755
	fileMode = 0o644
)

// Persistence implements persistence.Persistence on the file system.
type Persistence struct {
	root string
}

func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.TrimPrefix(root, "file://")}
}

func (p *Persistence) Workflows(_ context.Context) ([]*models.WorkflowDefinition, error) {
	paths, err := p.documents(workflowsDir)
	if err != nil {
		return nil, err
	}

	workflows := make([]*models.WorkflowDefinition, 0, len(paths))

	for _, path := range paths {
		workflow := &models.WorkflowDefinition{}
		if err := readDocument(path, workflow); err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	sort.Slice(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })

	return workflows, nil
}

func (p *Persistence) SaveWorkflow(_ context.Context, workflow *models.WorkflowDefinition) error {
	if err := p.writeDocument(workflowsDir, workflow.ID, workflow); err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	return nil
}

func (p *Persistence) WorkflowByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	workflow := &models.WorkflowDefinition{}

	err := readDocument(p.documentPath(workflowsDir, id), workflow)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewWorkflowError("WorkflowByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowError("WorkflowByID", id, err)
	}

	return workflow, nil
}

func (p *Persistence) DeleteWorkflow(_ context.Context, id string) error {
	err := os.Remove(p.documentPath(workflowsDir, id))
	if errors.Is(err, os.ErrNotExist) {
		return persistence.NewWorkflowError("DeleteWorkflow", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return persistence.NewWorkflowError("DeleteWorkflow", id, err)
	}

	return nil
}

func (p *Persistence) Runs(_ context.Context) ([]*models.Run, error) {
	paths, err := p.documents(runsDir)
	if err != nil {
		return nil, err
	}

	runs := make([]*models.Run, 0, len(paths))

	for _, path := range paths {
		run := &models.Run{}
		if err := readDocument(path, run); err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })

	return runs, nil
}

func (p *Persistence) SaveRun(_ context.Context, run *models.Run) error {
	if err := p.writeDocument(runsDir, run.ID, run); err != nil {
		return persistence.NewRunError("SaveRun", run.ID, err)
	}

	return nil
}

func (p *Persistence) RunByID(_ context.Context, id string) (*models.Run, error) {
	run := &models.Run{}

	err := readDocument(p.documentPath(runsDir, id), run)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("RunByID", id, err)
	}

	return run, nil
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); err != nil {
		return err
	}

	return nil
}

// Close is a no-op for file-based persistence.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) documentPath(kind, id string) string {
	return filepath.Join(p.root, kind, id+".json")
}

func (p *Persistence) documents(kind string) ([]string, error) {
	dir := filepath.Join(p.root, kind)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	paths := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		paths = append(paths, filepath.Join(dir, entry.Name()))
	}

	return paths, nil
}

// writeDocument writes via a temp file and rename so readers never observe a
// partial document.
func (p *Persistence) writeDocument(kind, id string, document any) error {
	dir := filepath.Join(p.root, kind)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+id+"-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	if err := os.Chmod(tmp.Name(), fileMode); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	return os.Rename(tmp.Name(), filepath.Join(dir, id+".json"))
}

func readDocument(path string, document any) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(payload, document); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	return nil
}

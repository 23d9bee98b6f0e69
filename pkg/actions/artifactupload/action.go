// Package artifactupload provides the artifact/upload reusable action.
package artifactupload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/crankci/crank/pkg/artifacts"
	"github.com/crankci/crank/pkg/models"
)

func GetUploadActionSchema() *models.RegisteredComponent {
	return &models.RegisteredComponent{
		Type:        "artifact/upload",
		Name:        "Upload artifact",
		Description: "Stores a file produced by the job into the artifact store",
		Schema: &models.JSONSchema{
			Type: "object",
			Properties: map[string]*models.Property{
				"path": {
					Type:        "string",
					Description: "File path relative to the job working directory",
				},
				"name": {
					Type:        "string",
					Description: "Artifact name, defaults to the file base name",
				},
			},
			Required: []string{"path"},
		},
	}
}

type UploadAction struct {
	store artifacts.Store
	path  string
	name  string
}

func NewUploadAction(store artifacts.Store, params map[string]any) (*UploadAction, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return nil, errors.New("artifact/upload requires a path parameter")
	}

	name, _ := params["name"].(string)
	if name == "" {
		name = filepath.Base(path)
	}

	return &UploadAction{store: store, path: path, name: name}, nil
}

func (a *UploadAction) Execute(ctx context.Context, stepCtx models.StepContext, logger *slog.Logger) (map[string]string, error) {
	logger = logger.With("action_type", "artifact/upload", "path", a.path)

	source := a.path
	if !filepath.IsAbs(source) {
		source = filepath.Join(stepCtx.WorkingDir, source)
	}

	file, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", a.path, err)
	}
	defer file.Close()

	artifact, err := a.store.Put(ctx, stepCtx.RunID, stepCtx.JobID, a.name, file)
	if err != nil {
		return nil, fmt.Errorf("store artifact %s: %w", a.name, err)
	}

	logger.InfoContext(ctx, "Artifact stored", "ref", artifact.Ref, "size", artifact.Size)

	// artifact_ref is picked up by the engine and attached to the job record.
	return map[string]string{
		"artifact_ref": string(artifact.Ref),
		"name":         artifact.Name,
	}, nil
}

package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/crankci/crank/pkg/models"
)

// FileStore keeps artifacts as plain files under root/<run>/<job>/<name>.
// The reference is the slash-joined relative path.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Put(_ context.Context, runID, jobID, name string, blob io.Reader) (*models.Artifact, error) {
	if strings.Contains(name, "/") || strings.Contains(name, "..") {
		return nil, fmt.Errorf("invalid artifact name %q", name)
	}

	dir := filepath.Join(s.root, runID, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	target := filepath.Join(dir, name)

	file, err := os.Create(target)
	if err != nil {
		return nil, err
	}

	size, err := io.Copy(file, blob)
	if err != nil {
		file.Close()

		return nil, err
	}

	if err := file.Close(); err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}

	return &models.Artifact{
		Ref:       models.ArtifactRef(path.Join(runID, jobID, name)),
		RunID:     runID,
		JobID:     jobID,
		Name:      name,
		Size:      size,
		CreatedAt: info.ModTime().UTC(),
	}, nil
}

func (s *FileStore) Get(_ context.Context, ref models.ArtifactRef) (io.ReadCloser, error) {
	clean := path.Clean(string(ref))
	if strings.HasPrefix(clean, "..") || path.IsAbs(clean) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}

	file, err := os.Open(filepath.Join(s.root, filepath.FromSlash(clean)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}

	return file, err
}

func (s *FileStore) List(_ context.Context, runID, jobID string) ([]*models.Artifact, error) {
	dir := filepath.Join(s.root, runID, jobID)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	artifacts := make([]*models.Artifact, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, err
		}

		artifacts = append(artifacts, &models.Artifact{
			Ref:       models.ArtifactRef(path.Join(runID, jobID, entry.Name())),
			RunID:     runID,
			JobID:     jobID,
			Name:      entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}

	return artifacts, nil
}

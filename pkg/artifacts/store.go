// Package artifacts provides the key-addressed store for job-produced blobs
// and coverage reports.
package artifacts

import (
	"context"
	"errors"
	"io"

	"github.com/crankci/crank/pkg/models"
)

// ErrArtifactNotFound indicates no blob exists for the given reference.
var ErrArtifactNotFound = errors.New("artifact not found")

// Store persists artifacts indexed by (run-id, job-id). Content lifetime is
// managed externally; the engine never deletes.
type Store interface {
	Put(ctx context.Context, runID, jobID, name string, blob io.Reader) (*models.Artifact, error)
	Get(ctx context.Context, ref models.ArtifactRef) (io.ReadCloser, error)
	List(ctx context.Context, runID, jobID string) ([]*models.Artifact, error)
}

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/crankci/crank/pkg/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures the S3-compatible artifact store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// MinioStore keeps artifacts as objects under <run>/<job>/<name> in one
// bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio artifact store requires endpoint and bucket")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	store := &MinioStore{client: client, bucket: cfg.Bucket}

	if err := store.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}

	if exists {
		return nil
	}

	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region})
	if err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}

	return nil
}

func (s *MinioStore) Put(ctx context.Context, runID, jobID, name string, blob io.Reader) (*models.Artifact, error) {
	key := path.Join(runID, jobID, name)

	info, err := s.client.PutObject(
		ctx,
		s.bucket,
		key,
		blob,
		-1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		return nil, fmt.Errorf("put artifact %s: %w", key, err)
	}

	return &models.Artifact{
		Ref:       models.ArtifactRef(key),
		RunID:     runID,
		JobID:     jobID,
		Name:      name,
		Size:      info.Size,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *MinioStore) Get(ctx context.Context, ref models.ArtifactRef) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, string(ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", ref, err)
	}

	// GetObject is lazy; surface missing objects here.
	if _, err := object.Stat(); err != nil {
		object.Close()

		response := minio.ToErrorResponse(err)
		if response.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
		}

		return nil, fmt.Errorf("stat artifact %s: %w", ref, err)
	}

	return object, nil
}

func (s *MinioStore) List(ctx context.Context, runID, jobID string) ([]*models.Artifact, error) {
	prefix := path.Join(runID, jobID) + "/"

	var artifacts []*models.Artifact

	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list artifacts %s: %w", prefix, object.Err)
		}

		artifacts = append(artifacts, &models.Artifact{
			Ref:       models.ArtifactRef(object.Key),
			RunID:     runID,
			JobID:     jobID,
			Name:      path.Base(object.Key),
			Size:      object.Size,
			CreatedAt: object.LastModified,
		})
	}

	return artifacts, nil
}

package cmd

import (
	"context"
	"net/url"
	"os"
	"strings"

	"github.com/crankci/crank/pkg/artifacts"
)

// NewArtifactStore picks the artifact backend from the URL scheme.
// s3://endpoint/bucket targets an S3-compatible object store with
// credentials taken from the URL userinfo or ARTIFACTS_ACCESS_KEY /
// ARTIFACTS_SECRET_KEY; anything else is a filesystem root.
func NewArtifactStore(ctx context.Context, artifactsURL string) (artifacts.Store, error) {
	if parseScheme(artifactsURL) != "s3" {
		return artifacts.NewFileStore(strings.TrimPrefix(artifactsURL, "file://")), nil
	}

	parsed, err := url.Parse(artifactsURL)
	if err != nil {
		return nil, err
	}

	cfg := artifacts.MinioConfig{
		Endpoint:  parsed.Host,
		AccessKey: os.Getenv("ARTIFACTS_ACCESS_KEY"),
		SecretKey: os.Getenv("ARTIFACTS_SECRET_KEY"),
		Bucket:    strings.Trim(parsed.Path, "/"),
		UseSSL:    parsed.Query().Get("ssl") == "true",
		Region:    parsed.Query().Get("region"),
	}

	if user := parsed.User; user != nil {
		cfg.AccessKey = user.Username()
		if secret, ok := user.Password(); ok {
			cfg.SecretKey = secret
		}
	}

	return artifacts.NewMinioStore(ctx, cfg)
}

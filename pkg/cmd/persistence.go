package cmd

import (
	"strings"

	"github.com/crankci/crank/pkg/persistence"
	"github.com/crankci/crank/pkg/persistence/file"
	"github.com/crankci/crank/pkg/persistence/redis"
)

// NewPersistence picks the store from the database URL scheme. redis:// and
// rediss:// use Redis hashes; anything else is treated as a filesystem root.
func NewPersistence(databaseURL string) (persistence.Persistence, error) {
	switch parseScheme(databaseURL) {
	case "redis", "rediss":
		return redis.NewPersistence(databaseURL)
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parseScheme(url string) string {
	scheme, _, found := strings.Cut(url, "://")
	if !found {
		return ""
	}

	return scheme
}

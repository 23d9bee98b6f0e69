// Package cmd provides shared initialization for the crank binaries.
package cmd

import (
	"log/slog"

	"github.com/crankci/crank/pkg/artifacts"
	"github.com/crankci/crank/pkg/registry"
)

// NewRegistry builds an action registry with every builtin action wired to
// the given artifact store.
func NewRegistry(logger *slog.Logger, store artifacts.Store) *registry.Registry {
	reg := registry.NewRegistry(logger)
	registry.RegisterBuiltinActions(reg, store)

	return reg
}

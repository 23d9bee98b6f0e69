package registry

import (
	"github.com/crankci/crank/pkg/actions/artifactupload"
	"github.com/crankci/crank/pkg/actions/coveragereport"
	"github.com/crankci/crank/pkg/actions/setoutput"
	"github.com/crankci/crank/pkg/artifacts"
	"github.com/crankci/crank/pkg/protocol"
)

// RegisterBuiltinActions registers the actions shipped with the engine.
// Uploading actions write into the given artifact store.
func RegisterBuiltinActions(registry *Registry, store artifacts.Store) {
	registry.RegisterAction(
		artifactupload.GetUploadActionSchema(),
		func(params map[string]any) (protocol.Action, error) {
			return artifactupload.NewUploadAction(store, params)
		},
	)

	registry.RegisterAction(
		coveragereport.GetCoverageActionSchema(),
		func(params map[string]any) (protocol.Action, error) {
			return coveragereport.NewCoverageAction(params)
		},
	)

	registry.RegisterAction(
		setoutput.GetSetOutputActionSchema(),
		func(params map[string]any) (protocol.Action, error) {
			return setoutput.NewSetOutputAction(params)
		},
	)
}

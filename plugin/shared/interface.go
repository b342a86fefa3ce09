package shared

import (
	"net/rpc"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"

	"github.com/hashicorp/go-plugin"
)

var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "XVIEW2_WORKER_PLUGIN",
	MagicCookieValue: "inference",
}

const InferencePluginName = "inference"

var PluginMap = map[string]plugin.Plugin{
	InferencePluginName: &InferencePlugin{},
}

// InferenceRequest describes one model run over a set of tiles. It is gob encoded across the process boundary.
type InferenceRequest struct {
	Run             types.ModelRun
	Tiles           []types.Tile
	ModelType       string
	ModelDir        string
	PixelRange      float64
	BatchSize       int
	IntermediateDir string
}

type InferenceResponse struct {
	Records []types.PredictionRecord
}

type InferenceWorker interface {
	RunInference(req InferenceRequest) (InferenceResponse, error)
}

type InferencePlugin struct {
	Impl InferenceWorker
}

func (p *InferencePlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (*InferencePlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

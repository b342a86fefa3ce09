package shared

import (
	"net/rpc"
)

// RPCClient is an implementation of InferenceWorker that talks over RPC.
type RPCClient struct{ client *rpc.Client }

func (m *RPCClient) RunInference(req InferenceRequest) (InferenceResponse, error) {
	var resp InferenceResponse
	err := m.client.Call("Plugin.RunInference", req, &resp)
	return resp, err
}

// Here is the RPC server that RPCClient talks to, conforming to
// the requirements of net/rpc
type RPCServer struct {
	// This is the real implementation
	Impl InferenceWorker
}

func (m *RPCServer) RunInference(req InferenceRequest, resp *InferenceResponse) error {
	v, err := m.Impl.RunInference(req)
	*resp = v
	return err
}

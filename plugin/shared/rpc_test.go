package shared_test

import (
	"errors"
	"testing"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/plugin/shared"

	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoWorker struct{}

func (echoWorker) RunInference(req shared.InferenceRequest) (shared.InferenceResponse, error) {
	if req.ModelType == "broken" {
		return shared.InferenceResponse{}, errors.New("model failed to load")
	}
	var resp shared.InferenceResponse
	for _, tile := range req.Tiles {
		scores := types.NewScoreMap(req.Run.Task.Channels(), tile.Profile.Height, tile.Profile.Width)
		scores.Data[0] = float32(req.PixelRange)
		resp.Records = append(resp.Records, types.PredictionRecord{
			TileId:  tile.Id,
			Task:    req.Run.Task,
			Size:    req.Run.Size,
			Scores:  scores,
			Profile: tile.Profile,
		})
	}
	return resp, nil
}

func dispense(t *testing.T) shared.InferenceWorker {
	client, _ := plugin.TestPluginRPCConn(t, map[string]plugin.Plugin{
		shared.InferencePluginName: &shared.InferencePlugin{Impl: echoWorker{}},
	}, nil)
	t.Cleanup(func() { client.Close() })

	raw, err := client.Dispense(shared.InferencePluginName)
	require.NoError(t, err)
	worker, ok := raw.(shared.InferenceWorker)
	require.True(t, ok)
	return worker
}

func TestRunInferenceOverRPC(t *testing.T) {
	worker := dispense(t)

	profile := types.GeoProfile{CRS: "EPSG:4326", Transform: [6]float64{1, 2, 3, 4, 5, 6}, Width: 3, Height: 2, Count: 3, Dtype: "uint8"}
	req := shared.InferenceRequest{
		Run:        types.ModelRun{Size: types.Size92, Task: types.Classification, Devices: []int{4, 4, 4}},
		Tiles:      []types.Tile{{Id: "a", Profile: profile}, {Id: "b", Profile: profile}},
		ModelType:  "onnx",
		PixelRange: 255,
	}

	resp, err := worker.RunInference(req)
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "b", resp.Records[1].TileId)
	assert.Equal(t, types.Classification, resp.Records[1].Task)
	assert.Equal(t, profile, resp.Records[1].Profile)
	assert.Equal(t, 4*2*3, len(resp.Records[0].Scores.Data))
	assert.Equal(t, float32(255), resp.Records[0].Scores.Data[0])
}

func TestRunInferenceErrorOverRPC(t *testing.T) {
	worker := dispense(t)

	_, err := worker.RunInference(shared.InferenceRequest{ModelType: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model failed to load")
}

package core_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/fdny-imt/xView2-FDNY/internal/catalog"
	"github.com/fdny-imt/xView2-FDNY/internal/core"
	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/internal/raster"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const tileSize = 4

// fakeModel fills every score map with the numeric suffix of the tile id.
type fakeModel struct {
	channels int
	batches  []int
	returned []types.ScoreMap
	released bool
}

func (m *fakeModel) Predict(ctx context.Context, batch []core.TileImages) ([]types.ScoreMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.batches = append(m.batches, len(batch))
	out := make([]types.ScoreMap, 0, len(batch))
	for _, item := range batch {
		var idx int
		if _, err := fmt.Sscanf(item.Tile.Id, "tile_%d", &idx); err != nil {
			return nil, err
		}
		s := types.NewScoreMap(m.channels, item.Tile.Profile.Height, item.Tile.Profile.Width)
		for c := 0; c < m.channels; c++ {
			plane := s.Plane(c)
			for i := range plane {
				plane[i] = float32(idx*10 + c)
			}
		}
		out = append(out, s)
	}
	m.returned = append(m.returned, out...)
	return out, nil
}

func (m *fakeModel) Release() {
	m.released = true
}

func imageCatalog(t *testing.T, n int) (*catalog.Catalog, map[string]*raster.Image) {
	images := make(map[string]*raster.Image)
	tiles := make([]*types.Tile, n)
	for i := range tiles {
		tile := &types.Tile{
			Id:       fmt.Sprintf("tile_%d", i),
			PrePath:  fmt.Sprintf("pre/tile_%d.tif", i),
			PostPath: fmt.Sprintf("post/tile_%d.tif", i),
			Profile:  types.GeoProfile{Width: tileSize, Height: tileSize, Count: 3, Dtype: "uint8"},
		}
		for _, path := range []string{tile.PrePath, tile.PostPath} {
			img := raster.NewImage(3, tileSize, tileSize)
			for j := range img.Pix {
				img.Pix[j] = 128
			}
			images[path] = img
		}
		tiles[i] = tile
	}
	cat, err := catalog.New(tiles)
	require.NoError(t, err)
	return cat, images
}

func mapReader(images map[string]*raster.Image) func(string) (*raster.Image, error) {
	return func(path string) (*raster.Image, error) {
		img, ok := images[path]
		if !ok {
			return nil, os.ErrNotExist
		}
		return img, nil
	}
}

func TestRunModelInferencePreservesCatalogOrder(t *testing.T) {
	cat, images := imageCatalog(t, 7)
	run := types.ModelRun{Size: types.Size50, Task: types.Classification, Devices: []int{1, 1, 1}}
	model := &fakeModel{channels: 4}

	records, err := core.RunModelInference(context.Background(), run, cat, model, core.InferenceOptions{
		BatchSize: 3,
		ReadImage: mapReader(images),
	})
	require.NoError(t, err)

	assert.Equal(t, []int{3, 3, 1}, model.batches)
	require.Len(t, records, 7)
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("tile_%d", i), rec.TileId)
		assert.Equal(t, types.Size50, rec.Size)
		assert.Equal(t, types.Classification, rec.Task)
		assert.Equal(t, float32(i*10+3), rec.Scores.At(3, 0, 0))
		assert.Equal(t, cat.Tiles()[i].Profile, rec.Profile)
	}

	// Records must not share memory with the model's buffers.
	model.returned[0].Data[0] = -1
	assert.Equal(t, float32(0), records[0].Scores.Data[0])
}

func TestRunModelInferenceRejectsInconsistentTile(t *testing.T) {
	cat, images := imageCatalog(t, 5)
	images["post/tile_3.tif"] = raster.NewImage(3, tileSize, tileSize)
	run := types.ModelRun{Size: types.Size34, Task: types.Location, Devices: []int{0}}

	_, err := core.RunModelInference(context.Background(), run, cat, &fakeModel{channels: 1}, core.InferenceOptions{
		BatchSize: 2,
		ReadImage: mapReader(images),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInconsistentTile))

	var workerErr *core.WorkerError
	require.True(t, errors.As(err, &workerErr))
	assert.Equal(t, "tile_3", workerErr.TileId)
	assert.Equal(t, "34location", workerErr.Run)
	assert.Equal(t, types.Location, workerErr.Task)
}

func TestRunModelInferenceRejectsWrongChannels(t *testing.T) {
	cat, images := imageCatalog(t, 2)
	run := types.ModelRun{Size: types.Size92, Task: types.Classification, Devices: []int{0}}

	_, err := core.RunModelInference(context.Background(), run, cat, &fakeModel{channels: 1}, core.InferenceOptions{
		ReadImage: mapReader(images),
	})
	var workerErr *core.WorkerError
	require.True(t, errors.As(err, &workerErr))
	assert.Equal(t, "tile_0", workerErr.TileId)
}

func TestRunModelInferenceMissingImage(t *testing.T) {
	cat, images := imageCatalog(t, 2)
	delete(images, "pre/tile_1.tif")
	run := types.ModelRun{Size: types.Size92, Task: types.Location, Devices: []int{0}}

	_, err := core.RunModelInference(context.Background(), run, cat, &fakeModel{channels: 1}, core.InferenceOptions{
		ReadImage: mapReader(images),
	})
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRunModelInferenceCancelled(t *testing.T) {
	cat, images := imageCatalog(t, 2)
	run := types.ModelRun{Size: types.Size34, Task: types.Location, Devices: []int{0}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := core.RunModelInference(ctx, run, cat, &fakeModel{channels: 1}, core.InferenceOptions{ReadImage: mapReader(images)})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunModelInferenceWritesIntermediates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cat, images := imageCatalog(t, 3)
	dir := t.TempDir()

	cls := types.ModelRun{Size: types.Size154, Task: types.Classification, Devices: []int{0}}
	_, err := core.RunModelInference(context.Background(), cls, cat, &fakeModel{channels: 4}, core.InferenceOptions{
		BatchSize:       2,
		IntermediateDir: dir,
		ReadImage:       mapReader(images),
	})
	require.NoError(t, err)

	loc := types.ModelRun{Size: types.Size154, Task: types.Location, Devices: []int{0}}
	_, err = core.RunModelInference(context.Background(), loc, cat, &fakeModel{channels: 1}, core.InferenceOptions{
		IntermediateDir: dir,
		ReadImage:       mapReader(images),
	})
	require.NoError(t, err)

	paths := core.IntermediatePaths(core.IntermediateDir(dir, cls), "tile_2", 4)
	require.Len(t, paths, 2)

	part1, err := raster.ReadImage(paths[0])
	require.NoError(t, err)
	assert.Equal(t, []float32{20, 21, 22}, []float32{part1.Band(0)[0], part1.Band(1)[0], part1.Band(2)[0]})

	part2, err := raster.ReadImage(paths[1])
	require.NoError(t, err)
	assert.Equal(t, []float32{22, 23, 0}, []float32{part2.Band(0)[0], part2.Band(1)[0], part2.Band(2)[0]})

	locPaths := core.IntermediatePaths(core.IntermediateDir(dir, loc), "tile_1", 1)
	require.Len(t, locPaths, 1)
	band, w, h, err := raster.ReadBand(locPaths[0])
	require.NoError(t, err)
	assert.Equal(t, tileSize, w)
	assert.Equal(t, tileSize, h)
	assert.Equal(t, uint8(10), band[0])
}

package core

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/internal/raster"
)

// ModelType represents the runtime used to execute the segmentation models
type ModelType string

const (
	OnnxSegmentation ModelType = "onnx"
)

type TileImages struct {
	Tile *types.Tile
	Pre  *raster.Image
	Post *raster.Image
}

type SegmentationModel interface {
	// Predict returns one score map per input tile, in input order, with values in [0, pixel range].
	Predict(ctx context.Context, batch []TileImages) ([]types.ScoreMap, error)

	Release()
}

type ModelLoader func(run types.ModelRun, modelDir string) (SegmentationModel, error)

func NewModelLoaders(pixelRange float64) map[ModelType]ModelLoader {
	return map[ModelType]ModelLoader{
		OnnxSegmentation: func(run types.ModelRun, modelDir string) (SegmentationModel, error) {
			return LoadOnnxModel(run, modelDir, pixelRange)
		},
	}
}

func GetModelLoader(loaders map[ModelType]ModelLoader, modelType ModelType) (ModelLoader, error) {
	loader, ok := loaders[modelType]
	if !ok {
		return nil, fmt.Errorf("unsupported model type '%s'", modelType)
	}
	return loader, nil
}

// ModelPath is the checkpoint of one fold replica of a model run.
func ModelPath(modelDir string, run types.ModelRun, fold int) string {
	return filepath.Join(modelDir, fmt.Sprintf("%s_%s_fold%d.onnx", run.Size, run.Task, fold))
}

// modelInput packs pre and post RGB into the 6 channel layout the networks expect, scaled to [0, 1].
func modelInput(batch []TileImages, pixelRange float64) ([]float32, int, int, error) {
	if len(batch) == 0 {
		return nil, 0, 0, fmt.Errorf("empty batch")
	}
	height, width := batch[0].Pre.Height, batch[0].Pre.Width
	n := height * width
	input := make([]float32, 0, len(batch)*6*n)
	scale := float32(1 / pixelRange)

	for _, item := range batch {
		for _, img := range []*raster.Image{item.Pre, item.Post} {
			if img.Height != height || img.Width != width {
				return nil, 0, 0, fmt.Errorf("tile %s has size %dx%d, batch expects %dx%d", item.Tile.Id, img.Width, img.Height, width, height)
			}
			for c := 0; c < 3; c++ {
				band := img.Band(min(c, img.Bands-1))
				for _, v := range band {
					input = append(input, v*scale)
				}
			}
		}
	}
	return input, height, width, nil
}

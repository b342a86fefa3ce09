package core

import (
	"context"
	"fmt"

	"github.com/fdny-imt/xView2-FDNY/internal/catalog"
	"github.com/fdny-imt/xView2-FDNY/plugin/shared"
)

// InferenceService serves model runs inside a worker process.
type InferenceService struct {
	Loaders      func(pixelRange float64) map[ModelType]ModelLoader
	ShowProgress bool
}

var _ shared.InferenceWorker = (*InferenceService)(nil)

func (s *InferenceService) RunInference(req shared.InferenceRequest) (shared.InferenceResponse, error) {
	cat, err := catalog.FromValues(req.Tiles)
	if err != nil {
		return shared.InferenceResponse{}, err
	}

	loaders := s.Loaders
	if loaders == nil {
		loaders = NewModelLoaders
	}
	loader, err := GetModelLoader(loaders(req.PixelRange), ModelType(req.ModelType))
	if err != nil {
		return shared.InferenceResponse{}, err
	}

	model, err := loader(req.Run, req.ModelDir)
	if err != nil {
		return shared.InferenceResponse{}, fmt.Errorf("error loading model for %s: %w", req.Run.Key(), err)
	}
	defer model.Release()

	records, err := RunModelInference(context.Background(), req.Run, cat, model, InferenceOptions{
		BatchSize:       req.BatchSize,
		IntermediateDir: req.IntermediateDir,
		ShowProgress:    s.ShowProgress,
	})
	if err != nil {
		return shared.InferenceResponse{}, err
	}
	return shared.InferenceResponse{Records: records}, nil
}

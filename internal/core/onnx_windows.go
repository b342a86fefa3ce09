//go:build windows

package core

import (
	"context"
	"errors"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
)

var ErrOnnxNotSupportedOnWindows = errors.New("ONNX models are not supported on Windows")

type OnnxModel struct{}

func InitOnnxRuntime(sharedLibraryPath string) error {
	return ErrOnnxNotSupportedOnWindows
}

func DestroyOnnxRuntime() error {
	return nil
}

func LoadOnnxModel(run types.ModelRun, modelDir string, pixelRange float64) (SegmentationModel, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (m *OnnxModel) Predict(ctx context.Context, batch []TileImages) ([]types.ScoreMap, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (m *OnnxModel) Release() {
	// no-op
}

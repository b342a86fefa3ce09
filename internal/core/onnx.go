//go:build !windows

package core

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

func InitOnnxRuntime(sharedLibraryPath string) error {
	initOnce.Do(func() {
		ort.SetSharedLibraryPath(sharedLibraryPath)
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

func DestroyOnnxRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// OnnxModel runs every fold replica of a model run and averages their outputs.
type OnnxModel struct {
	run        types.ModelRun
	sessions   []*ort.DynamicAdvancedSession
	pixelRange float64
}

func sessionOptions(device int) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	if device == types.CPUDevice {
		return opts, nil
	}

	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("error creating cuda provider options: %w", err)
	}
	defer cuda.Destroy()

	if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(device)}); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("error binding cuda device %d: %w", device, err)
	}
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("error enabling cuda on device %d: %w", device, err)
	}
	return opts, nil
}

func LoadOnnxModel(run types.ModelRun, modelDir string, pixelRange float64) (SegmentationModel, error) {
	model := &OnnxModel{run: run, pixelRange: pixelRange}

	for fold, device := range run.Devices {
		opts, err := sessionOptions(device)
		if err != nil {
			model.Release()
			return nil, err
		}

		path := ModelPath(modelDir, run, fold)
		session, err := ort.NewDynamicAdvancedSession(path, []string{"image"}, []string{"scores"}, opts)
		opts.Destroy()
		if err != nil {
			model.Release()
			return nil, fmt.Errorf("error loading %s on device %d: %w", path, device, err)
		}
		model.sessions = append(model.sessions, session)

		slog.Debug("loaded model replica", "run", run.Key(), "fold", fold, "device", device, "path", path)
	}

	return model, nil
}

func (m *OnnxModel) Predict(ctx context.Context, batch []TileImages) ([]types.ScoreMap, error) {
	input, height, width, err := modelInput(batch, m.pixelRange)
	if err != nil {
		return nil, err
	}

	b, c := int64(len(batch)), int64(m.run.Task.Channels())
	inT, err := ort.NewTensor(ort.NewShape(b, 6, int64(height), int64(width)), input)
	if err != nil {
		return nil, err
	}
	defer inT.Destroy()

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(b, c, int64(height), int64(width)))
	if err != nil {
		return nil, err
	}
	defer outT.Destroy()

	sum := make([]float32, len(outT.GetData()))
	for fold, session := range m.sessions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
			return nil, fmt.Errorf("session run error for %s fold %d: %w", m.run.Key(), fold, err)
		}
		for i, v := range outT.GetData() {
			sum[i] += v
		}
	}

	scale := float32(m.pixelRange / float64(len(m.sessions)))
	per := int(c) * height * width
	scores := make([]types.ScoreMap, len(batch))
	for i := range scores {
		scores[i] = types.NewScoreMap(int(c), height, width)
		for j, v := range sum[i*per : (i+1)*per] {
			scores[i].Data[j] = v * scale
		}
	}
	return scores, nil
}

func (m *OnnxModel) Release() {
	for _, session := range m.sessions {
		session.Destroy()
	}
	m.sessions = nil
}

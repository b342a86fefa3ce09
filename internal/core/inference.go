package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fdny-imt/xView2-FDNY/internal/catalog"
	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/internal/raster"

	"github.com/schollz/progressbar/v3"
)

const DefaultBatchSize = 16

var ErrInconsistentTile = errors.New("tile has no data in its first band")

// WorkerError identifies the model run and tile that were being processed when inference failed.
type WorkerError struct {
	Run    string
	Size   types.ModelSize
	Task   types.Task
	TileId string
	Err    error
}

func (e *WorkerError) Error() string {
	if e.TileId == "" {
		return fmt.Sprintf("model run %s (size=%s task=%s) failed: %v", e.Run, e.Size, e.Task, e.Err)
	}
	return fmt.Sprintf("model run %s (size=%s task=%s) failed on tile %s: %v", e.Run, e.Size, e.Task, e.TileId, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

func newWorkerError(run types.ModelRun, tileId string, err error) error {
	return &WorkerError{Run: run.Key(), Size: run.Size, Task: run.Task, TileId: tileId, Err: err}
}

type InferenceOptions struct {
	BatchSize int
	// Directory for lossless copies of the predictions. Empty disables them.
	IntermediateDir string
	ShowProgress    bool
	ReadImage       func(path string) (*raster.Image, error)
}

func (o InferenceOptions) withDefaults() InferenceOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.ReadImage == nil {
		o.ReadImage = raster.ReadImage
	}
	return o
}

func loadTileImages(tile *types.Tile, readImage func(string) (*raster.Image, error)) (TileImages, error) {
	images := TileImages{Tile: tile}
	for _, side := range []struct {
		path string
		dst  **raster.Image
	}{{tile.PrePath, &images.Pre}, {tile.PostPath, &images.Post}} {
		img, err := readImage(side.path)
		if err != nil {
			return images, err
		}
		if img.BandEmpty(0) {
			return images, fmt.Errorf("%w: %s", ErrInconsistentTile, side.path)
		}
		if img.Width != tile.Profile.Width || img.Height != tile.Profile.Height {
			return images, fmt.Errorf("image %s is %dx%d but the tile profile is %dx%d",
				side.path, img.Width, img.Height, tile.Profile.Width, tile.Profile.Height)
		}
		*side.dst = img
	}
	return images, nil
}

// RunModelInference runs one model over the whole catalog, returning one record per tile in catalog order.
func RunModelInference(ctx context.Context, run types.ModelRun, cat *catalog.Catalog, model SegmentationModel, opts InferenceOptions) ([]types.PredictionRecord, error) {
	opts = opts.withDefaults()
	tiles := cat.Tiles()
	start := time.Now()

	var intermediates *intermediateWriter
	if opts.IntermediateDir != "" {
		intermediates = newIntermediateWriter(opts.IntermediateDir, run, len(tiles))
		defer intermediates.Close()
	}

	var bar *progressbar.ProgressBar
	if opts.ShowProgress {
		bar = progressbar.NewOptions(len(tiles),
			progressbar.OptionSetDescription(run.Key()),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
	}

	records := make([]types.PredictionRecord, 0, len(tiles))

	for offset := 0; offset < len(tiles); offset += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, newWorkerError(run, "", err)
		}

		batchTiles := tiles[offset:min(offset+opts.BatchSize, len(tiles))]
		batch := make([]TileImages, 0, len(batchTiles))
		for _, tile := range batchTiles {
			images, err := loadTileImages(tile, opts.ReadImage)
			if err != nil {
				return nil, newWorkerError(run, tile.Id, err)
			}
			batch = append(batch, images)
		}

		scores, err := model.Predict(ctx, batch)
		if err != nil {
			return nil, newWorkerError(run, batchTiles[0].Id, fmt.Errorf("prediction failed: %w", err))
		}
		if len(scores) != len(batch) {
			return nil, newWorkerError(run, batchTiles[0].Id, fmt.Errorf("model returned %d score maps for %d tiles", len(scores), len(batch)))
		}

		for i, tile := range batchTiles {
			s := scores[i]
			if err := s.Validate(); err != nil {
				return nil, newWorkerError(run, tile.Id, err)
			}
			if s.Channels != run.Task.Channels() || s.Height != tile.Profile.Height || s.Width != tile.Profile.Width {
				return nil, newWorkerError(run, tile.Id, fmt.Errorf("model returned scores of shape %dx%dx%d, expected %dx%dx%d",
					s.Channels, s.Height, s.Width, run.Task.Channels(), tile.Profile.Height, tile.Profile.Width))
			}

			rec := types.PredictionRecord{
				TileId:  tile.Id,
				Task:    run.Task,
				Size:    run.Size,
				Scores:  s.Clone(),
				Profile: tile.Profile,
			}
			records = append(records, rec)

			if intermediates != nil {
				intermediates.Submit(tile.Id, rec.Scores.Clone())
			}
		}

		if bar != nil {
			_ = bar.Add(len(batchTiles))
		}
	}

	slog.Info("model run complete", "run", run.Key(), "tiles", len(records), "devices", run.Devices, "elapsed", time.Since(start))

	return records, nil
}

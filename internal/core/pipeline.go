package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/fdny-imt/xView2-FDNY/internal/catalog"
	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/internal/core/utils"
	"github.com/fdny-imt/xView2-FDNY/internal/database"
	"github.com/fdny-imt/xView2-FDNY/internal/fusion"
	"github.com/fdny-imt/xView2-FDNY/internal/messaging"
	"github.com/fdny-imt/xView2-FDNY/internal/raster"
	"github.com/fdny-imt/xView2-FDNY/internal/storage"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrTilesFailed = errors.New("one or more tiles failed")

const DefaultFusionConcurrency = 4

// Pipeline runs one assessment: every stage of model runs, the join barrier, aggregation and the
// bounded fusion pool. Outputs, Publisher and DB are optional.
type Pipeline struct {
	Catalog     *catalog.Catalog
	Runs        []types.ModelRun
	Stages      [][]types.ModelRun
	Dispatcher  Dispatcher
	Engine      *fusion.Engine
	Writer      raster.Writer
	Concurrency int

	Outputs   *storage.OutputSink
	Publisher messaging.Publisher
	DB        *gorm.DB

	// Recorded in the run ledger.
	ManifestPath string
	OutputDir    string
	Accelerators int
	Shared       bool
}

type Summary struct {
	RunId       uuid.UUID
	Tiles       int
	Succeeded   int
	Failed      int
	FailedTiles []string
	Elapsed     time.Duration
}

// Run executes the pipeline. A dispatch or alignment failure aborts the run; fusion failures are
// per tile and reported through the summary and ErrTilesFailed.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{RunId: uuid.New(), Tiles: p.Catalog.Len()}

	if err := p.createLedgerRun(ctx, summary.RunId); err != nil {
		return summary, err
	}

	slog.Info("starting assessment", "run_id", summary.RunId, "tiles", summary.Tiles, "model_runs", types.RunKeys(p.Runs), "stages", len(p.Stages))

	bundles, err := p.infer(ctx, summary.RunId)
	if err != nil {
		p.failLedgerRun(ctx, summary.RunId)
		summary.Elapsed = time.Since(start)
		return summary, err
	}

	queue := make(chan *types.TileBundle, len(bundles))
	for _, bundle := range bundles {
		queue <- bundle
	}
	close(queue)

	completed := make(chan utils.CompletedTask[*types.TileBundle, messaging.TileFusedPayload], len(bundles))
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultFusionConcurrency
	}
	utils.RunInPool(func(bundle *types.TileBundle) (messaging.TileFusedPayload, error) {
		return p.fuseTile(ctx, summary.RunId, bundle)
	}, queue, completed, concurrency)

	for task := range completed {
		tileId := task.Input.Tile.Id
		outcome := database.TileOutcome{RunId: summary.RunId, TileId: tileId}

		if task.Error != nil {
			slog.Error("error fusing tile", "run_id", summary.RunId, "tile_id", tileId, "error", task.Error)
			summary.Failed++
			summary.FailedTiles = append(summary.FailedTiles, tileId)
			outcome.Status = database.TileFailed
			outcome.Error = task.Error.Error()
		} else {
			summary.Succeeded++
			outcome.Status = database.TileFused
			outcome.LocationKey = task.Result.LocationKey
			outcome.DamageKey = task.Result.DamageKey
			outcome.OverlayKey = task.Result.OverlayKey
			outcome.BuildingPixels = task.Result.BuildingPixels
			outcome.DamagedPixels = task.Result.DamagedPixels
		}

		if p.DB != nil {
			if err := database.SaveTileOutcome(ctx, p.DB, outcome); err != nil {
				slog.Error("error recording tile outcome", "run_id", summary.RunId, "tile_id", tileId, "error", err)
			}
		}
	}
	slices.Sort(summary.FailedTiles)
	summary.Elapsed = time.Since(start)

	if p.DB != nil {
		if err := database.CompleteRun(ctx, p.DB, summary.RunId, summary.Tiles, summary.Succeeded, summary.Failed); err != nil {
			slog.Error("error completing run in ledger", "run_id", summary.RunId, "error", err)
		}
	}

	if p.Publisher != nil {
		if err := p.Publisher.PublishRunCompleted(ctx, messaging.RunCompletedPayload{
			RunId:          summary.RunId,
			Tiles:          summary.Tiles,
			Succeeded:      summary.Succeeded,
			Failed:         summary.Failed,
			FailedTiles:    summary.FailedTiles,
			ElapsedSeconds: summary.Elapsed.Seconds(),
		}); err != nil {
			slog.Error("error publishing run completion", "run_id", summary.RunId, "error", err)
		}
	}

	slog.Info("run complete", "run_id", summary.RunId, "elapsed_minutes", summary.Elapsed.Minutes(), "succeeded", summary.Succeeded, "failed", summary.Failed)

	if summary.Failed > 0 {
		return summary, fmt.Errorf("%w: %d of %d tiles", ErrTilesFailed, summary.Failed, summary.Tiles)
	}
	return summary, nil
}

func (p *Pipeline) infer(ctx context.Context, runId uuid.UUID) ([]*types.TileBundle, error) {
	if p.DB != nil {
		if observable, ok := p.Dispatcher.(interface{ Observe(RunObserver) }); ok {
			observable.Observe(&ledgerObserver{ctx: ctx, db: p.DB, runId: runId})
		}
	}

	store := NewResultStore()
	if err := p.Dispatcher.Dispatch(ctx, p.Stages, store); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	store.Seal()

	bundles, err := Aggregate(p.Catalog, p.Runs, store)
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func (p *Pipeline) fuseTile(ctx context.Context, runId uuid.UUID, bundle *types.TileBundle) (messaging.TileFusedPayload, error) {
	tile := bundle.Tile

	result, err := p.Engine.FuseAndWrite(bundle, p.Writer)
	if err != nil {
		return messaging.TileFusedPayload{}, err
	}

	event := messaging.TileFusedPayload{
		RunId:          runId,
		TileId:         tile.Id,
		LocationKey:    tile.LocPath,
		DamageKey:      tile.DmgPath,
		BuildingPixels: countPixels(result.Location, 1),
		DamagedPixels:  countPixels(result.Damage, 2),
	}
	if tile.Visualize {
		event.OverlayKey = tile.OverlayPath
	}

	if p.Outputs != nil {
		if event.LocationKey, err = p.Outputs.UploadRaster(ctx, tile.LocPath); err != nil {
			return messaging.TileFusedPayload{}, err
		}
		if event.DamageKey, err = p.Outputs.UploadRaster(ctx, tile.DmgPath); err != nil {
			return messaging.TileFusedPayload{}, err
		}
		if tile.Visualize {
			if event.OverlayKey, err = p.Outputs.UploadRaster(ctx, tile.OverlayPath); err != nil {
				return messaging.TileFusedPayload{}, err
			}
		}
	}

	if p.Publisher != nil {
		if err := p.Publisher.PublishTileFused(ctx, event); err != nil {
			return messaging.TileFusedPayload{}, fmt.Errorf("error publishing fused tile %s: %w", tile.Id, err)
		}
	}

	return event, nil
}

// countPixels counts pixels with a value of at least minValue.
func countPixels(data []uint8, minValue uint8) int {
	count := 0
	for _, v := range data {
		if v >= minValue {
			count++
		}
	}
	return count
}

func (p *Pipeline) createLedgerRun(ctx context.Context, runId uuid.UUID) error {
	if p.DB == nil {
		return nil
	}

	run := database.Run{
		Id:           runId,
		ManifestPath: p.ManifestPath,
		OutputDir:    p.OutputDir,
		Accelerators: p.Accelerators,
		Shared:       p.Shared,
		Status:       database.JobRunning,
		TileCount:    p.Catalog.Len(),
	}
	for stage, runs := range p.Stages {
		for _, mr := range runs {
			run.ModelRuns = append(run.ModelRuns, database.ModelRun{
				Key:     mr.Key(),
				Size:    string(mr.Size),
				Task:    string(mr.Task),
				Devices: datatypes.JSONSlice[int](mr.Devices),
				Stage:   stage,
			})
		}
	}

	if err := database.CreateRun(ctx, p.DB, &run); err != nil {
		return fmt.Errorf("error recording run: %w", err)
	}
	return nil
}

func (p *Pipeline) failLedgerRun(ctx context.Context, runId uuid.UUID) {
	if p.DB == nil {
		return
	}
	if err := database.UpdateRunStatus(context.WithoutCancel(ctx), p.DB, runId, database.JobFailed); err != nil {
		slog.Error("error marking run failed", "run_id", runId, "error", err)
	}
}

type ledgerObserver struct {
	ctx   context.Context
	db    *gorm.DB
	runId uuid.UUID
}

func (o *ledgerObserver) RunStarted(run types.ModelRun) {
	database.UpdateModelRunStatus(o.ctx, o.db, o.runId, run.Key(), database.JobRunning, "") //nolint:errcheck
}

func (o *ledgerObserver) RunFinished(run types.ModelRun, err error) {
	if err != nil {
		database.UpdateModelRunStatus(context.WithoutCancel(o.ctx), o.db, o.runId, run.Key(), database.JobFailed, err.Error()) //nolint:errcheck
		return
	}
	database.UpdateModelRunStatus(o.ctx, o.db, o.runId, run.Key(), database.JobCompleted, "") //nolint:errcheck
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fdny-imt/xView2-FDNY/cmd"
	"github.com/fdny-imt/xView2-FDNY/internal/catalog"
	"github.com/fdny-imt/xView2-FDNY/internal/config"
	"github.com/fdny-imt/xView2-FDNY/internal/core"
	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/internal/database"
	"github.com/fdny-imt/xView2-FDNY/internal/fusion"
	"github.com/fdny-imt/xView2-FDNY/internal/raster"
	"github.com/fdny-imt/xView2-FDNY/internal/storage"
	"github.com/fdny-imt/xView2-FDNY/plugin/shared"
)

func createDispatcher(cfg config.Config, cat *catalog.Catalog, fusionCfg fusion.Config, intermediateDir string) (core.Dispatcher, error) {
	switch cfg.DispatchMode {
	case config.DispatchProcess:
		template := shared.InferenceRequest{
			ModelType:       cfg.ModelType,
			ModelDir:        cfg.ModelDir,
			PixelRange:      fusionCfg.PixelRange,
			BatchSize:       cfg.BatchSize,
			IntermediateDir: intermediateDir,
		}
		slog.Info("dispatching model runs to worker processes", "worker_binary", cfg.WorkerBinary)
		return core.NewPluginDispatcher(cat, template, core.ProcessLauncher(cfg.WorkerBinary)), nil
	default:
		if core.ModelType(cfg.ModelType) == core.OnnxSegmentation {
			if cfg.OnnxRuntimeDylib == "" {
				return nil, fmt.Errorf("ONNX_RUNTIME_DYLIB must be set")
			}
			if err := core.InitOnnxRuntime(cfg.OnnxRuntimeDylib); err != nil {
				return nil, fmt.Errorf("could not init ONNX Runtime: %w", err)
			}
		}

		loader, err := core.GetModelLoader(core.NewModelLoaders(fusionCfg.PixelRange), core.ModelType(cfg.ModelType))
		if err != nil {
			return nil, fmt.Errorf("invalid MODEL_TYPE: %w", err)
		}

		return core.NewLocalDispatcher(cat, loader, cfg.ModelDir, core.InferenceOptions{
			BatchSize:       cfg.BatchSize,
			IntermediateDir: intermediateDir,
			ShowProgress:    cfg.ShowProgress,
		}), nil
	}
}

func run() int {
	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		log.Fatalf("%v", err)
	}
	logDir := filepath.Join(cfg.OutputDir, "log")
	closeLog := cmd.SetupLogging(filepath.Join(logDir, "assess.log"), level)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	accelerators := cfg.Accelerators
	if accelerators < 0 {
		accelerators = core.DetectAccelerators()
	}
	slog.Info("starting assessment", "manifest", cfg.ManifestPath, "output_dir", cfg.OutputDir, "accelerators", accelerators, "shared_device", cfg.SharedDevice, "dispatch_mode", cfg.DispatchMode)

	fusionCfg, err := config.LoadFusionConfig(cfg.FusionConfig)
	if err != nil {
		slog.Error("error loading fusion config", "error", err)
		return 1
	}

	provider, err := cmd.CreateStorageProvider(cfg)
	if err != nil {
		slog.Error("error configuring object storage", "error", err)
		return 1
	}
	if cfg.ModelBucket != "" {
		if provider == nil {
			slog.Error("MODEL_BUCKET is set but no object storage is configured")
			return 1
		}
		start := time.Now()
		if err := storage.DownloadDir(ctx, provider, cfg.ModelBucket, "", cfg.ModelDir); err != nil {
			slog.Error("failed to download model weights", "error", err)
			return 1
		}
		slog.Info("downloaded model weights", "bucket", cfg.ModelBucket, "dir", cfg.ModelDir, "elapsed", time.Since(start))
	}

	cat, err := catalog.Load(cfg.ManifestPath, catalog.Options{OutputDir: cfg.OutputDir, Visualize: cfg.Visualize})
	if err != nil {
		slog.Error("error loading tile catalog", "error", err)
		return 1
	}

	sizes, err := cfg.Sizes()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}
	runs, err := core.Plan(accelerators, sizes, core.PlanOptions{Replicas: cfg.Replicas, SharedDevice: cfg.SharedDevice})
	if err != nil {
		slog.Error("error planning model runs", "error", err)
		return 1
	}
	stages := core.Stages(runs, cfg.Serial || cfg.SharedDevice)
	for i, stage := range stages {
		for _, r := range stage {
			slog.Info("planned model run", "stage", i+1, "run", r.Key(), "devices", r.Devices)
		}
	}

	engine, err := fusion.NewEngine(fusionCfg, runs)
	if err != nil {
		slog.Error("invalid fusion config", "error", err)
		return 1
	}

	intermediateDir := ""
	if cfg.SaveIntermediates {
		intermediateDir = filepath.Join(cfg.OutputDir, "pred")
	}

	dispatcher, err := createDispatcher(cfg, cat, fusionCfg, intermediateDir)
	defer func() {
		if err := core.DestroyOnnxRuntime(); err != nil {
			slog.Error("error destroying onnx env", "error", err)
		}
	}()
	if err != nil {
		slog.Error("error creating dispatcher", "error", err)
		return 1
	}

	pipeline := &core.Pipeline{
		Catalog:      cat,
		Runs:         runs,
		Stages:       stages,
		Dispatcher:   dispatcher,
		Engine:       engine,
		Writer:       raster.NewTIFFWriter(),
		Concurrency:  cfg.FusionConcurrency,
		ManifestPath: cfg.ManifestPath,
		OutputDir:    cfg.OutputDir,
		Accelerators: accelerators,
		Shared:       cfg.SharedDevice,
	}

	if cfg.DatabaseURL != "" {
		db, err := database.NewDatabase(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open run ledger", "error", err)
			return 1
		}
		pipeline.DB = db
	}

	if cfg.OutputBucket != "" {
		if provider == nil {
			slog.Error("OUTPUT_BUCKET is set but no object storage is configured")
			return 1
		}
		sink, err := storage.NewOutputSink(ctx, provider, cfg.OutputBucket, cfg.OutputDir)
		if err != nil {
			slog.Error("failed to prepare output bucket", "error", err)
			return 1
		}
		pipeline.Outputs = sink
	}

	publisher, err := cmd.CreatePublisher(cfg)
	if err != nil {
		slog.Error("error creating event publisher", "error", err)
		return 1
	}
	defer publisher.Close()
	pipeline.Publisher = publisher

	summary, err := pipeline.Run(ctx)

	if pipeline.Outputs != nil {
		if err := pipeline.Outputs.UploadDir(context.WithoutCancel(ctx), logDir); err != nil {
			slog.Error("error uploading run log", "error", err)
		}
	}

	if err != nil {
		var workerErr *core.WorkerError
		switch {
		case errors.As(err, &workerErr):
			slog.Error("model run failed", "run", workerErr.Run, "tile_id", workerErr.TileId, "error", workerErr.Err)
		case errors.Is(err, core.ErrTilesFailed):
			slog.Error("assessment finished with failed tiles", "failed", summary.Failed, "failed_tiles", summary.FailedTiles)
		default:
			slog.Error("assessment failed", "error", err)
		}
		return 1
	}

	slog.Info("assessment complete", "run_id", summary.RunId, "tiles", summary.Tiles, "elapsed_minutes", summary.Elapsed.Minutes(), "model_runs", types.RunKeys(runs))
	return 0
}

func main() {
	os.Exit(run())
}

package core

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/fdny-imt/xView2-FDNY/internal/catalog"
	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/internal/core/utils"
	"github.com/fdny-imt/xView2-FDNY/plugin/shared"

	"github.com/hashicorp/go-plugin"
	"golang.org/x/sync/errgroup"
)

// Dispatcher executes the stages in order and puts every run's records into the store.
// It returns only once every run it started has finished.
type Dispatcher interface {
	Dispatch(ctx context.Context, stages [][]types.ModelRun, store *ResultStore) error
}

// RunObserver is told when each model run starts and finishes. Calls come from
// concurrent runs.
type RunObserver interface {
	RunStarted(run types.ModelRun)
	RunFinished(run types.ModelRun, err error)
}

type runFunc func(ctx context.Context, run types.ModelRun) ([]types.PredictionRecord, error)

func runStages(ctx context.Context, stages [][]types.ModelRun, store *ResultStore, execute runFunc, observer RunObserver) error {
	for i, stage := range stages {
		start := time.Now()
		slog.Info("starting stage", "stage", i+1, "of", len(stages), "runs", types.RunKeys(stage))

		g, gctx := errgroup.WithContext(ctx)
		for _, run := range stage {
			g.Go(func() error {
				if observer != nil {
					observer.RunStarted(run)
				}
				records, err := execute(gctx, run)
				if err == nil {
					err = store.Put(run, records)
				}
				if observer != nil {
					observer.RunFinished(run, err)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		slog.Info("stage complete", "stage", i+1, "elapsed", time.Since(start))
	}
	return nil
}

func deviceKey(device int) string {
	if device == types.CPUDevice {
		return "cpu"
	}
	return strconv.Itoa(device)
}

func deviceKeys(run types.ModelRun) []string {
	keys := make([]string, 0, len(run.Devices))
	for _, d := range run.DeviceSet() {
		keys = append(keys, deviceKey(d))
	}
	return keys
}

// LocalDispatcher runs each model in a goroutine of this process. Runs claim their devices before
// loading the model, so a device is never shared by two runs even if stages were built carelessly.
type LocalDispatcher struct {
	catalog  *catalog.Catalog
	loader   ModelLoader
	modelDir string
	opts     InferenceOptions
	devices  *utils.MutexMap
	observer RunObserver
}

const maxDevices = 64

func NewLocalDispatcher(cat *catalog.Catalog, loader ModelLoader, modelDir string, opts InferenceOptions) *LocalDispatcher {
	return &LocalDispatcher{
		catalog:  cat,
		loader:   loader,
		modelDir: modelDir,
		opts:     opts,
		devices:  utils.NewMutexMap(maxDevices),
	}
}

func (d *LocalDispatcher) Observe(observer RunObserver) {
	d.observer = observer
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, stages [][]types.ModelRun, store *ResultStore) error {
	return runStages(ctx, stages, store, d.execute, d.observer)
}

func (d *LocalDispatcher) execute(ctx context.Context, run types.ModelRun) ([]types.PredictionRecord, error) {
	keys := deviceKeys(run)
	if err := d.devices.LockAll(keys); err != nil {
		return nil, newWorkerError(run, "", fmt.Errorf("error claiming devices: %w", err))
	}
	defer func() {
		if err := d.devices.UnlockAll(keys); err != nil {
			slog.Error("error releasing devices", "run", run.Key(), "error", err)
		}
	}()

	model, err := d.loader(run, d.modelDir)
	if err != nil {
		return nil, newWorkerError(run, "", fmt.Errorf("error loading model: %w", err))
	}
	defer model.Release()

	return RunModelInference(ctx, run, d.catalog, model, d.opts)
}

// WorkerLauncher starts an inference worker and returns it with a function that shuts it down.
type WorkerLauncher func(ctx context.Context) (shared.InferenceWorker, func(), error)

// PluginDispatcher runs each model in its own worker process, so model runs share no memory.
type PluginDispatcher struct {
	catalog  *catalog.Catalog
	template shared.InferenceRequest
	launch   WorkerLauncher
	observer RunObserver
}

func NewPluginDispatcher(cat *catalog.Catalog, template shared.InferenceRequest, launch WorkerLauncher) *PluginDispatcher {
	return &PluginDispatcher{catalog: cat, template: template, launch: launch}
}

// ProcessLauncher starts workerBinary as a go-plugin process speaking net/rpc.
func ProcessLauncher(workerBinary string) WorkerLauncher {
	return func(ctx context.Context) (shared.InferenceWorker, func(), error) {
		client := plugin.NewClient(&plugin.ClientConfig{
			HandshakeConfig:  shared.Handshake,
			Plugins:          shared.PluginMap,
			Cmd:              exec.CommandContext(ctx, workerBinary),
			AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		})

		rpcClient, err := client.Client()
		if err != nil {
			client.Kill()
			return nil, nil, fmt.Errorf("error establishing RPC connection: %w", err)
		}

		raw, err := rpcClient.Dispense(shared.InferencePluginName)
		if err != nil {
			client.Kill()
			return nil, nil, fmt.Errorf("error dispensing '%s': %w", shared.InferencePluginName, err)
		}

		worker, ok := raw.(shared.InferenceWorker)
		if !ok {
			client.Kill()
			return nil, nil, fmt.Errorf("dispensed interface '%s' is not of expected type shared.InferenceWorker (actual type: %T)", shared.InferencePluginName, raw)
		}

		return worker, client.Kill, nil
	}
}

func (d *PluginDispatcher) Observe(observer RunObserver) {
	d.observer = observer
}

func (d *PluginDispatcher) Dispatch(ctx context.Context, stages [][]types.ModelRun, store *ResultStore) error {
	return runStages(ctx, stages, store, d.execute, d.observer)
}

func (d *PluginDispatcher) execute(ctx context.Context, run types.ModelRun) ([]types.PredictionRecord, error) {
	worker, stop, err := d.launch(ctx)
	if err != nil {
		return nil, newWorkerError(run, "", err)
	}
	defer stop()

	req := d.template
	req.Run = run
	req.Tiles = d.catalog.Values()

	resp, err := worker.RunInference(req)
	if err != nil {
		return nil, newWorkerError(run, "", err)
	}
	return resp.Records, nil
}

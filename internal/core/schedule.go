package core

import (
	"errors"
	"fmt"
	"slices"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
)

var (
	ErrUnsupportedTopology   = errors.New("unsupported accelerator topology")
	ErrMissingEnsembleMember = errors.New("missing ensemble member")
)

const DefaultReplicas = 3

type PlanOptions struct {
	// Fold replicas per model run. Zero means DefaultReplicas.
	Replicas int
	// Place every run on the same device set and run them one at a time.
	SharedDevice bool
}

// With two accelerators every device hosts both tasks and each task is balanced across both devices.
var twoDeviceLayout = map[types.Task]map[types.ModelSize]int{
	types.Location:       {types.Size34: 0, types.Size50: 1, types.Size92: 0, types.Size154: 1},
	types.Classification: {types.Size34: 1, types.Size50: 0, types.Size92: 1, types.Size154: 0},
}

// With eight accelerators location runs take devices 0-3 and classification runs take 4-7.
func eightDeviceLayout(task types.Task, size types.ModelSize) int {
	device := slices.Index(types.AllModelSizes, size)
	if task == types.Classification {
		device += len(types.AllModelSizes)
	}
	return device
}

func checkSizes(sizes []types.ModelSize, requireAll bool) ([]types.ModelSize, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("%w: no model sizes configured", ErrMissingEnsembleMember)
	}

	seen := make(map[types.ModelSize]bool)
	for _, size := range sizes {
		if !slices.Contains(types.AllModelSizes, size) {
			return nil, fmt.Errorf("%w: unknown model size '%s'", ErrMissingEnsembleMember, size)
		}
		if seen[size] {
			return nil, fmt.Errorf("model size '%s' configured more than once", size)
		}
		seen[size] = true
	}

	ordered := make([]types.ModelSize, 0, len(sizes))
	for _, size := range types.AllModelSizes {
		if seen[size] {
			ordered = append(ordered, size)
		} else if requireAll {
			return nil, fmt.Errorf("%w: model size '%s' is required by the accelerator layout", ErrMissingEnsembleMember, size)
		}
	}
	return ordered, nil
}

func repeat(device, n int) []int {
	devices := make([]int, n)
	for i := range devices {
		devices[i] = device
	}
	return devices
}

// Plan assigns every (size, task) pair to devices. Runs are ordered by size, location before classification.
func Plan(accelerators int, sizes []types.ModelSize, opts PlanOptions) ([]types.ModelRun, error) {
	replicas := opts.Replicas
	if replicas <= 0 {
		replicas = DefaultReplicas
	}

	if accelerators < 0 {
		return nil, fmt.Errorf("%w: %d accelerators", ErrUnsupportedTopology, accelerators)
	}

	var place func(task types.Task, size types.ModelSize) []int
	switch {
	case opts.SharedDevice:
		place = func(types.Task, types.ModelSize) []int {
			if accelerators == 0 {
				return repeat(types.CPUDevice, replicas)
			}
			devices := make([]int, replicas)
			for i := range devices {
				devices[i] = i % accelerators
			}
			return devices
		}
	case accelerators == 2:
		place = func(task types.Task, size types.ModelSize) []int {
			return repeat(twoDeviceLayout[task][size], replicas)
		}
	case accelerators == 8:
		place = func(task types.Task, size types.ModelSize) []int {
			return repeat(eightDeviceLayout(task, size), replicas)
		}
	default:
		return nil, fmt.Errorf("%w: %d accelerators, expected 2 or 8 unless shared device mode is enabled", ErrUnsupportedTopology, accelerators)
	}

	ordered, err := checkSizes(sizes, !opts.SharedDevice)
	if err != nil {
		return nil, err
	}

	runs := make([]types.ModelRun, 0, len(ordered)*len(types.AllTasks))
	for _, size := range ordered {
		for _, task := range types.AllTasks {
			runs = append(runs, types.ModelRun{Size: size, Task: task, Devices: place(task, size)})
		}
	}
	return runs, nil
}

// Stages groups consecutive runs so that no device is used by two runs of the same stage.
// Stages execute one after another; runs within a stage execute concurrently.
func Stages(runs []types.ModelRun, serial bool) [][]types.ModelRun {
	var stages [][]types.ModelRun
	var current []types.ModelRun
	claimed := make(map[int]bool)

	for _, run := range runs {
		devices := run.DeviceSet()
		conflict := slices.ContainsFunc(devices, func(d int) bool { return claimed[d] })
		if len(current) > 0 && (serial || conflict) {
			stages = append(stages, current)
			current = nil
			clear(claimed)
		}
		current = append(current, run)
		for _, d := range devices {
			claimed[d] = true
		}
	}
	if len(current) > 0 {
		stages = append(stages, current)
	}
	return stages
}

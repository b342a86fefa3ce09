package types

import (
	"fmt"
	"slices"
	"strings"
)

type ModelSize string

const (
	Size34  ModelSize = "34"
	Size50  ModelSize = "50"
	Size92  ModelSize = "92"
	Size154 ModelSize = "154"
)

// AllModelSizes is the ensemble in scheduling order.
var AllModelSizes = []ModelSize{Size34, Size50, Size92, Size154}

func ParseModelSize(s string) (ModelSize, error) {
	size := ModelSize(strings.TrimSpace(s))
	if !slices.Contains(AllModelSizes, size) {
		return "", fmt.Errorf("unknown model size '%s'", s)
	}
	return size, nil
}

func ParseModelSizes(s string) ([]ModelSize, error) {
	var sizes []ModelSize
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		size, err := ParseModelSize(part)
		if err != nil {
			return nil, err
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}

type Task string

const (
	Location       Task = "location"
	Classification Task = "classification"
)

var AllTasks = []Task{Location, Classification}

// Number of damage classes in a classification score map, including background.
const DamageClasses = 4

func (t Task) Channels() int {
	if t == Classification {
		return DamageClasses
	}
	return 1
}

// CPUDevice marks a replica that runs without an accelerator.
const CPUDevice = -1

type ModelRun struct {
	Size ModelSize
	Task Task
	// One entry per fold replica. Repeated indices place several replicas on the same device.
	Devices []int
}

func (r ModelRun) Key() string {
	return string(r.Size) + string(r.Task)
}

func (r ModelRun) String() string {
	return fmt.Sprintf("%s(devices=%v)", r.Key(), r.Devices)
}

// DeviceSet returns the distinct devices used by the run in ascending order.
func (r ModelRun) DeviceSet() []int {
	set := slices.Clone(r.Devices)
	slices.Sort(set)
	return slices.Compact(set)
}

func RunKeys(runs []ModelRun) []string {
	keys := make([]string, 0, len(runs))
	for _, run := range runs {
		keys = append(keys, run.Key())
	}
	return keys
}

package core

import (
	"log/slog"
	"os"
	"strings"

	"github.com/jaypipes/ghw"
)

const (
	nvidiaVendorId = "10de"
	nvidiaProcDir  = "/proc/driver/nvidia/gpus"
)

var physicalAccelerators = countPhysicalAccelerators

// DetectAccelerators counts the devices listed in CUDA_VISIBLE_DEVICES. When the variable is unset
// every NVIDIA device on the host is visible, so the physical devices are counted instead. The
// "-1"/"none" values CUDA uses to hide every device mean no accelerators.
func DetectAccelerators() int {
	visible, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES")
	if !ok {
		count := physicalAccelerators()
		slog.Info("CUDA_VISIBLE_DEVICES not set, counted physical devices", "accelerators", count)
		return count
	}
	return countVisibleDevices(visible)
}

func countVisibleDevices(visible string) int {
	count := 0
	for _, part := range strings.Split(visible, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "none" || part == "NoDevFiles" {
			continue
		}
		// CUDA ignores every device from the first negative index on.
		if strings.HasPrefix(part, "-") {
			break
		}
		count++
	}
	return count
}

func countPhysicalAccelerators() int {
	if count := countPCIAccelerators(); count > 0 {
		return count
	}
	return countDriverEntries(nvidiaProcDir)
}

// countPCIAccelerators counts NVIDIA graphics cards found through sysfs. Cards only show up there
// when the driver registers a DRM device, which headless hosts often skip.
func countPCIAccelerators() int {
	info, err := ghw.GPU(ghw.WithDisableWarnings())
	if err != nil {
		slog.Debug("unable to enumerate graphics cards", "error", err)
		return 0
	}
	count := 0
	for _, card := range info.GraphicsCards {
		if card.DeviceInfo != nil && card.DeviceInfo.Vendor != nil && card.DeviceInfo.Vendor.ID == nvidiaVendorId {
			count++
		}
	}
	return count
}

// countDriverEntries counts the per-device directories the NVIDIA kernel driver creates.
func countDriverEntries(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			count++
		}
	}
	return count
}

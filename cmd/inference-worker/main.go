package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/fdny-imt/xView2-FDNY/internal/core"
	"github.com/fdny-imt/xView2-FDNY/plugin/shared"

	"github.com/hashicorp/go-plugin"
)

// The worker serves one model run for the assess binary over net/rpc. Its
// environment, including ONNX_RUNTIME_DYLIB, is inherited from the parent.
func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if dylib := os.Getenv("ONNX_RUNTIME_DYLIB"); dylib != "" {
		if err := core.InitOnnxRuntime(dylib); err != nil {
			log.Fatalf("could not init ONNX Runtime: %v", err)
		}
		defer func() {
			if err := core.DestroyOnnxRuntime(); err != nil {
				slog.Error("error destroying onnx env", "error", err)
			}
		}()
	}

	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: shared.Handshake,
		Plugins: map[string]plugin.Plugin{
			shared.InferencePluginName: &shared.InferencePlugin{Impl: &core.InferenceService{}},
		},
	})
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fdny-imt/xView2-FDNY/internal/config"
	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/internal/fusion"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MANIFEST_PATH", "/data/manifest.json")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/manifest.json", cfg.ManifestPath)
	assert.Equal(t, -1, cfg.Accelerators)
	assert.Equal(t, 3, cfg.Replicas)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, config.DispatchLocal, cfg.DispatchMode)

	sizes, err := cfg.Sizes()
	require.NoError(t, err)
	assert.Equal(t, types.AllModelSizes, sizes)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MANIFEST_PATH", "m.json")
	t.Setenv("ACCELERATORS", "8")
	t.Setenv("SHARED_DEVICE", "true")
	t.Setenv("MODEL_SIZES", "34, 92")
	t.Setenv("DISPATCH_MODE", "process")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Accelerators)
	assert.True(t, cfg.SharedDevice)
	assert.Equal(t, config.DispatchProcess, cfg.DispatchMode)

	sizes, err := cfg.Sizes()
	require.NoError(t, err)
	assert.Equal(t, []types.ModelSize{types.Size34, types.Size92}, sizes)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", level.String())
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing manifest", func(t *testing.T) {
		t.Setenv("MANIFEST_PATH", "")
		_, err := config.Load()
		assert.Error(t, err)
	})

	for name, vars := range map[string]map[string]string{
		"dispatch mode": {"DISPATCH_MODE": "cluster"},
		"replicas":      {"REPLICAS": "0"},
		"model size":    {"MODEL_SIZES": "34,101"},
		"log level":     {"LOG_LEVEL": "loud"},
		"concurrency":   {"FUSION_CONCURRENCY": "0"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv("MANIFEST_PATH", "m.json")
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadFusionConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fusion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
location_coefs:
  "34": 2
  "154": 0.5
thresholds: [0.5, 0.2, 0.25]
`), 0644))

	cfg, err := config.LoadFusionConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2.0, cfg.Coef(types.Location, types.Size34))
	assert.Equal(t, 0.5, cfg.Coef(types.Location, types.Size154))
	assert.Equal(t, 1.0, cfg.Coef(types.Location, types.Size50))
	assert.Equal(t, 1.0, cfg.Coef(types.Classification, types.Size34))
	assert.Equal(t, [3]float64{0.5, 0.2, 0.25}, cfg.Thresholds)
	assert.Equal(t, 5, cfg.DilationSize)
	assert.Equal(t, 255.0, cfg.PixelRange)
}

func TestLoadFusionConfigDefaults(t *testing.T) {
	cfg, err := config.LoadFusionConfig("")
	require.NoError(t, err)
	assert.Equal(t, fusion.DefaultConfig(), cfg)

	cfg, err = config.LoadFusionConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, fusion.DefaultConfig(), cfg)
}

func TestLoadFusionConfigErrors(t *testing.T) {
	dir := t.TempDir()

	unknownSize := filepath.Join(dir, "size.yaml")
	require.NoError(t, os.WriteFile(unknownSize, []byte("classification_coefs:\n  \"101\": 1\n"), 0644))
	_, err := config.LoadFusionConfig(unknownSize)
	assert.ErrorIs(t, err, fusion.ErrInvalidConfig)

	unknownField := filepath.Join(dir, "field.yaml")
	require.NoError(t, os.WriteFile(unknownField, []byte("threshold: 0.4\n"), 0644))
	_, err = config.LoadFusionConfig(unknownField)
	assert.Error(t, err)
}

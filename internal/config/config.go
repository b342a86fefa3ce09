package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
	"github.com/fdny-imt/xView2-FDNY/internal/fusion"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

const (
	DispatchLocal   = "local"
	DispatchProcess = "process"
)

type Config struct {
	ManifestPath string `env:"MANIFEST_PATH,required,notEmpty"`
	OutputDir    string `env:"OUTPUT_DIR" envDefault:"./output"`
	ModelDir     string `env:"MODEL_DIR" envDefault:"./weights"`
	ModelType    string `env:"MODEL_TYPE" envDefault:"onnx"`
	ModelSizes   string `env:"MODEL_SIZES" envDefault:"34,50,92,154"`

	// Negative means detect from CUDA_VISIBLE_DEVICES.
	Accelerators      int  `env:"ACCELERATORS" envDefault:"-1"`
	SharedDevice      bool `env:"SHARED_DEVICE" envDefault:"false"`
	Replicas          int  `env:"REPLICAS" envDefault:"3"`
	Serial            bool `env:"SERIAL" envDefault:"false"`
	BatchSize         int  `env:"BATCH_SIZE" envDefault:"16"`
	FusionConcurrency int  `env:"FUSION_CONCURRENCY" envDefault:"4"`
	SaveIntermediates bool `env:"SAVE_INTERMEDIATES" envDefault:"false"`
	Visualize         bool `env:"VISUALIZE" envDefault:"true"`
	ShowProgress      bool `env:"SHOW_PROGRESS" envDefault:"true"`

	DispatchMode     string `env:"DISPATCH_MODE" envDefault:"local"`
	WorkerBinary     string `env:"WORKER_BINARY" envDefault:"./inference-worker"`
	OnnxRuntimeDylib string `env:"ONNX_RUNTIME_DYLIB"`
	FusionConfig     string `env:"FUSION_CONFIG"`

	DatabaseURL string `env:"DATABASE_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	ModelBucket       string `env:"MODEL_BUCKET"`
	OutputBucket      string `env:"OUTPUT_BUCKET"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	// Root for a filesystem object store used when no S3 endpoint is set.
	StorageDir string `env:"STORAGE_DIR"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DispatchMode != DispatchLocal && c.DispatchMode != DispatchProcess {
		return fmt.Errorf("invalid DISPATCH_MODE '%s': must be '%s' or '%s'", c.DispatchMode, DispatchLocal, DispatchProcess)
	}
	if c.Replicas <= 0 {
		return fmt.Errorf("REPLICAS must be positive, got %d", c.Replicas)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.FusionConcurrency <= 0 {
		return fmt.Errorf("FUSION_CONCURRENCY must be positive, got %d", c.FusionConcurrency)
	}
	if _, err := c.Sizes(); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.S3EndpointURL != "" && (c.S3AccessKeyID == "" || c.S3SecretAccessKey == "") {
		slog.Warn("S3_ENDPOINT_URL is set, but AWS_ACCESS_KEY_ID or AWS_SECRET_ACCESS_KEY are missing")
	}
	return nil
}

func (c Config) Sizes() ([]types.ModelSize, error) {
	sizes, err := types.ParseModelSizes(c.ModelSizes)
	if err != nil {
		return nil, fmt.Errorf("invalid MODEL_SIZES: %w", err)
	}
	return sizes, nil
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL '%s': %w", c.LogLevel, err)
	}
	return level, nil
}

// LoadFusionConfig reads fusion tuning from a YAML file. Fields missing from
// the file keep their defaults, and an empty path yields the defaults.
func LoadFusionConfig(path string) (fusion.Config, error) {
	cfg := fusion.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("fusion config not found, using defaults", "path", path)
			return cfg, nil
		}
		return fusion.Config{}, fmt.Errorf("error reading fusion config: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return fusion.Config{}, fmt.Errorf("error parsing fusion config '%s': %w", path, err)
	}

	for _, coefs := range []map[types.ModelSize]float64{cfg.LocationCoefs, cfg.ClassificationCoefs} {
		for size := range coefs {
			if _, err := types.ParseModelSize(string(size)); err != nil {
				return fusion.Config{}, fmt.Errorf("%w: %w", fusion.ErrInvalidConfig, err)
			}
		}
	}

	return cfg, nil
}

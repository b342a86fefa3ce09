package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fdny-imt/xView2-FDNY/internal/config"
	"github.com/fdny-imt/xView2-FDNY/internal/messaging"
	"github.com/fdny-imt/xView2-FDNY/internal/storage"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// SetupLogging tees the standard logger to logPath and stderr and sets the slog level.
// The returned function closes the log file.
func SetupLogging(logPath string, level slog.Level) func() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(filepath.Dir(logPath), os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}

	log.SetOutput(io.MultiWriter(f, os.Stderr))
	slog.SetLogLoggerLevel(level)

	return func() {
		if err := f.Close(); err != nil {
			log.Printf("error closing log file: %v", err)
		}
	}
}

// CreateStorageProvider returns an S3 provider when an endpoint or credentials are
// configured, a filesystem provider when STORAGE_DIR is set, and nil otherwise.
func CreateStorageProvider(cfg config.Config) (storage.Provider, error) {
	if cfg.S3EndpointURL != "" || cfg.S3AccessKeyID != "" {
		provider, err := storage.NewS3Provider(&storage.S3ProviderConfig{
			S3EndpointURL:     cfg.S3EndpointURL,
			S3AccessKeyID:     cfg.S3AccessKeyID,
			S3SecretAccessKey: cfg.S3SecretAccessKey,
			S3Region:          cfg.S3Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		return provider, nil
	}
	if cfg.StorageDir != "" {
		return storage.NewLocalProvider(cfg.StorageDir), nil
	}
	return nil, nil
}

// LogEvents returns handlers that log every assessment event at the given level.
func LogEvents(level slog.Level) messaging.Handlers {
	return messaging.Handlers{
		TileFused: func(p messaging.TileFusedPayload) error {
			slog.Log(context.Background(), level, "tile fused", "run_id", p.RunId, "tile_id", p.TileId,
				"damage_key", p.DamageKey, "building_pixels", p.BuildingPixels, "damaged_pixels", p.DamagedPixels)
			return nil
		},
		RunCompleted: func(p messaging.RunCompletedPayload) error {
			slog.Log(context.Background(), level, "run completed", "run_id", p.RunId, "tiles", p.Tiles,
				"succeeded", p.Succeeded, "failed", p.Failed, "failed_tiles", p.FailedTiles, "elapsed_seconds", p.ElapsedSeconds)
			return nil
		},
	}
}

func logBadEvent(event messaging.Event, err error) {
	slog.Error("error handling event", "kind", event.Kind(), "run_id", event.RunId(), "error", err)
}

// CreatePublisher connects to RabbitMQ when RABBITMQ_URL is set. Otherwise events go to an
// in-memory queue that is drained into the log, since nothing else in the process consumes them.
func CreatePublisher(cfg config.Config) (messaging.Publisher, error) {
	if cfg.RabbitMQURL != "" {
		publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		return publisher, nil
	}

	queue := messaging.NewInMemoryQueue()
	go func() {
		_ = messaging.Dispatch(context.Background(), queue.Events(), LogEvents(slog.LevelDebug), logBadEvent)
	}()
	return queue, nil
}

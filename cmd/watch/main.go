package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fdny-imt/xView2-FDNY/cmd"
	"github.com/fdny-imt/xView2-FDNY/internal/messaging"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

type Config struct {
	RabbitMQURL string `env:"RABBITMQ_URL,required,notEmpty"`
	Queue       string `env:"WATCH_QUEUE"`
}

// follow logs the events of one run, or of every run when runId is nil, and stops once the run completes.
func follow(ctx context.Context, sub messaging.Subscriber, runId uuid.UUID) error {
	ctx, done := context.WithCancel(ctx)
	defer done()

	matches := func(id uuid.UUID) bool { return runId == uuid.Nil || id == runId }
	logged := cmd.LogEvents(slog.LevelInfo)
	completed := false

	err := messaging.Dispatch(ctx, sub.Events(), messaging.Handlers{
		TileFused: func(p messaging.TileFusedPayload) error {
			if !matches(p.RunId) {
				return nil
			}
			return logged.TileFused(p)
		},
		RunCompleted: func(p messaging.RunCompletedPayload) error {
			if !matches(p.RunId) {
				return nil
			}
			if runId != uuid.Nil {
				completed = true
				done()
			}
			return logged.RunCompleted(p)
		},
	}, func(event messaging.Event, err error) {
		slog.Warn("dropping event", "kind", event.Kind(), "run_id", event.RunId(), "error", err)
	})

	if completed {
		return nil
	}
	return err
}

func run() int {
	var runFlag string
	flag.StringVar(&runFlag, "run", "", "only follow this run id, exiting when it completes")

	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	runId := uuid.Nil
	if runFlag != "" {
		id, err := uuid.Parse(runFlag)
		if err != nil {
			log.Fatalf("invalid run id '%s': %v", runFlag, err)
		}
		runId = id
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub, err := messaging.NewRabbitMQSubscriber(cfg.RabbitMQURL, cfg.Queue)
	if err != nil {
		slog.Error("error subscribing to events", "error", err)
		return 1
	}
	defer sub.Close()

	if err := follow(ctx, sub, runId); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("error following events", "error", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}

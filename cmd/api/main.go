package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/blast-dispatch/internal/api"
	"github.com/acme/blast-dispatch/internal/app"
	"github.com/acme/blast-dispatch/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	lg := container.Logger.Named("main")
	lg.Info("container built", zap.String("config", *configPath), zap.String("storage", container.Config.Storage.Driver))

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "api")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	// Campaigns left running by a previous process go back to the pool
	// before the API accepts new work.
	if err := container.Services().Campaign.Recover(ctx); err != nil {
		lg.Error("campaign recovery incomplete", zap.Error(err))
	}

	if container.Config.Scheduler.Enabled {
		sched := container.Scheduler()
		go func() {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("scheduler terminated", zap.Error(err))
			}
		}()
	}

	server := api.NewServer(container.Config.HTTP, container.HandlerSet())
	lg.Info("starting http server", zap.Int("port", container.Config.HTTP.Port))
	if err := server.Start(ctx); err != nil {
		lg.Fatal("server terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

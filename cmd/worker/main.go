// Package main runs download and consolidation jobs received over Pub/Sub
// and serves the ops endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/meteoharvest/meteoharvest/internal/app"
	"github.com/meteoharvest/meteoharvest/internal/config"
	"github.com/meteoharvest/meteoharvest/internal/logging"
	"github.com/meteoharvest/meteoharvest/internal/ops"
	"github.com/meteoharvest/meteoharvest/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var errNotReceiving = errors.New("not receiving")

// bootLogger reports failures that happen before the configured logger exists.
func bootLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("service", app.ServiceName+"-worker").Logger()
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()

	boot := bootLogger(os.Stderr)
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("loading configuration")
	}
	log, closer, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		JSON:    true,
		Out:     os.Stdout,
		Service: app.ServiceName + "-worker",
		Version: Version,
	})
	if err != nil {
		boot.Fatal().Err(err).Msg("opening log")
	}
	defer closer.Close()

	log.Info().
		Str("build_time", BuildTime).
		Str("store", cfg.Store.Driver).
		Msg("starting worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Version: Version, Logger: log})
	if err != nil {
		log.Error().Err(err).Msg("building application")
		return
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown")
		}
	}()

	rc := worker.RunnerConfig{
		Config:       worker.DefaultJobConfig(cfg),
		Downloader:   a.Orchestrator,
		Consolidator: a,
		Logger:       log,
	}
	if arch, err := a.Archiver(); err == nil {
		rc.Archiver = arch
	} else {
		log.Warn().Err(err).Msg("archive jobs disabled")
	}
	runner := worker.NewRunner(rc)

	var receiving atomic.Bool
	var wg sync.WaitGroup
	if cfg.Worker.ProjectID != "" {
		handler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.Worker.ProjectID,
			SubscriptionName: cfg.Worker.Subscription,
			Runner:           runner,
			Logger:           log,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to create pubsub handler")
			return
		}
		defer handler.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			receiving.Store(true)
			defer receiving.Store(false)
			if err := handler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("pubsub receive stopped")
				stop()
			}
		}()
	} else {
		log.Warn().Msg("PUBSUB_PROJECT_ID not set, serving ops endpoints only")
	}

	httpMetrics, err := ops.NewHTTPMetrics(a.Telemetry.Meter)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		return
	}

	router := ops.NewRouter(ops.RouterConfig{
		Version:     Version,
		BuildTime:   BuildTime,
		Logger:      log,
		Runs:        a.Orchestrator,
		Metrics:     runner,
		HTTPMetrics: httpMetrics,
		RateLimit:   cfg.Worker.RateLimit,
		Checks: map[string]ops.Check{
			"pubsub": func(context.Context) error {
				if cfg.Worker.ProjectID != "" && !receiving.Load() {
					return errNotReceiving
				}
				return nil
			},
		},
	})

	server := &http.Server{
		Addr:         ":" + cfg.Worker.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("ops server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server forced to shutdown")
	}
	wg.Wait()

	log.Info().Msg("worker stopped")
}

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/pulsewire/inference-router/internal/accel"
	"github.com/pulsewire/inference-router/internal/backend"
	anthropicbackend "github.com/pulsewire/inference-router/internal/backend/anthropic"
	localbackend "github.com/pulsewire/inference-router/internal/backend/local"
	openaibackend "github.com/pulsewire/inference-router/internal/backend/openai"
	"github.com/pulsewire/inference-router/internal/config"
	"github.com/pulsewire/inference-router/internal/delivery"
	"github.com/pulsewire/inference-router/internal/domain"
	"github.com/pulsewire/inference-router/internal/embedding"
	"github.com/pulsewire/inference-router/internal/health"
	"github.com/pulsewire/inference-router/internal/outcome"
	"github.com/pulsewire/inference-router/internal/router"
	"github.com/pulsewire/inference-router/internal/server"
	"github.com/pulsewire/inference-router/internal/simcache"
	"github.com/pulsewire/inference-router/internal/sink"
	"github.com/pulsewire/inference-router/internal/telemetry"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.Setup("inference-router", version, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(os.Getenv("PULSE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	localDesc := domain.BackendDescriptor{
		Name:          "local",
		Endpoint:      cfg.Backends.Local.Endpoint,
		Timeout:       cfg.Backends.Local.Timeout,
		MaxConcurrent: cfg.Backends.Local.MaxConcurrent,
		Local:         true,
	}
	cloudADesc := domain.BackendDescriptor{
		Name:          "cloud-a",
		Endpoint:      cfg.Backends.CloudA.Endpoint,
		Timeout:       cfg.Backends.CloudA.Timeout,
		MaxConcurrent: cfg.Backends.CloudA.MaxConcurrent,
		Tier:          domain.CostTier(cfg.Backends.CloudA.CostTier),
		Metered:       true,
	}
	cloudBDesc := domain.BackendDescriptor{
		Name:          "cloud-b",
		Endpoint:      cfg.Backends.CloudB.Endpoint,
		Timeout:       cfg.Backends.CloudB.Timeout,
		MaxConcurrent: cfg.Backends.CloudB.MaxConcurrent,
		Tier:          domain.CostTier(cfg.Backends.CloudB.CostTier),
		Metered:       true,
	}
	descriptors := []domain.BackendDescriptor{localDesc, cloudADesc, cloudBDesc}

	tracker := health.New(
		health.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		},
		descriptors,
		map[string]health.QuotaConfig{
			"cloud-a": {Allowance: cfg.Backends.CloudA.Quota.Allowance, Window: cfg.Backends.CloudA.Quota.Window},
			"cloud-b": {Allowance: cfg.Backends.CloudB.Quota.Allowance, Window: cfg.Backends.CloudB.Quota.Window},
		},
	)

	backoff := backend.BackoffPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}

	var reclaimer *accel.Manager
	localClient := localbackend.NewClient(cfg.Backends.Local.Model,
		localbackend.WithBaseURL(cfg.Backends.Local.Endpoint),
		localbackend.WithHTTPClient(backend.NewPooledClient(cfg.Backends.Local.Timeout)),
		localbackend.WithBufferRetainer(func(buf []byte) { reclaimer.Retain(buf) }))
	reclaimer = accel.New(localClient, cfg.Accel.MinReclaimInterval, logger)

	adapters := []backend.Adapter{
		backend.Wrap(localDesc, localClient, tracker, backoff, logger,
			backend.WithReclaimer(reclaimer)),
		backend.Wrap(cloudADesc,
			openaibackend.NewClient(cfg.Backends.CloudA.APIKey, cfg.Backends.CloudA.Model,
				openaibackend.WithBaseURL(cfg.Backends.CloudA.Endpoint),
				openaibackend.WithHTTPClient(backend.NewPooledClient(cfg.Backends.CloudA.Timeout))),
			tracker, backoff, logger),
		backend.Wrap(cloudBDesc,
			anthropicbackend.NewClient(cfg.Backends.CloudB.APIKey, cfg.Backends.CloudB.Model,
				anthropicbackend.WithBaseURL(cfg.Backends.CloudB.Endpoint),
				anthropicbackend.WithHTTPClient(backend.NewPooledClient(cfg.Backends.CloudB.Timeout))),
			tracker, backoff, logger),
	}

	embedder, err := embedding.New()
	if err != nil {
		log.Fatalf("Failed to initialize embedder: %v", err)
	}

	cache := simcache.New(simcache.Config{
		SimilarityThreshold:  cfg.Cache.SimilarityThreshold,
		CapacityPerPartition: cfg.Cache.CapacityPerPartition,
		TTL:                  cfg.Cache.TTL,
	})

	var routerOpts []router.RouterOption
	outcomes, err := outcome.New(cfg.Outcome.DBPath, logger)
	if err != nil {
		logger.Warn("outcome store unavailable, continuing without it",
			slog.String("error", err.Error()))
	} else {
		defer outcomes.Close()
		routerOpts = append(routerOpts, router.WithRecorder(outcomes))
	}

	rt := router.New(adapters, tracker, cache, embedder,
		router.Config{LocalMaxInputTokens: cfg.Backends.Local.MaxInputTokens},
		logger, routerOpts...)

	coordinator := delivery.New(rt, cfg.Delivery.EnrichmentDeadline, logger)

	var publishSink delivery.Sink
	if cfg.Sink.WebhookURL != "" {
		publishSink = sink.NewWebhook(cfg.Sink.WebhookURL)
	} else {
		publishSink = sink.NewLog(logger)
	}

	handler := server.NewHandler(coordinator, publishSink, tracker)
	srv := server.New(cfg.Server.Port, cfg.Server.RequestTimeout, logger)
	srv.Router.Post("/v1/analyze", handler.HandleAnalyze)
	srv.Router.Get("/healthz", handler.HandleHealth)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down, draining enrichment tasks")
	coordinator.Wait()
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/planpipeline/internal/blobstore"
	cfgpkg "github.com/local/planpipeline/internal/config"
	"github.com/local/planpipeline/internal/containerclient"
	"github.com/local/planpipeline/internal/coordinator"
	"github.com/local/planpipeline/internal/coordinatorapi"
	"github.com/local/planpipeline/internal/events"
	"github.com/local/planpipeline/internal/jobmodel"
	"github.com/local/planpipeline/internal/limiter"
	logpkg "github.com/local/planpipeline/internal/logger"
	mpkg "github.com/local/planpipeline/internal/metrics"
	"github.com/local/planpipeline/internal/orchestrator"
	"github.com/local/planpipeline/internal/queue"
	"github.com/local/planpipeline/internal/stageworker"
	"github.com/local/planpipeline/internal/statuscheck"
)

func main() {
	_ = godotenv.Load()

	cfg := cfgpkg.FromEnv()

	if err := logpkg.Init(logpkg.Options{
		Level:      cfg.Logging.Level,
		Pretty:     cfg.Logging.Pretty,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	logger := logpkg.Get()

	var committer stageworker.Committer
	if cfg.Axiom.Send && cfg.Axiom.APIKey != "" {
		emitter, err := events.NewEmitter(events.EmitterOptions{
			APIKey:        cfg.Axiom.APIKey,
			OrgID:         cfg.Axiom.OrgID,
			DatasetPrefix: cfg.Axiom.Dataset + "_",
			FlushEvery:    cfg.Axiom.FlushInterval,
			FlushBatch:    cfg.Axiom.BatchSize,
			Log:           logger,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init event emitter")
		}
		defer emitter.Close()
		committer = emitter
	} else {
		log.Warn().Msg("event log disabled: SEND_EVENTS_TO_AXIOM is off or AXIOM_API_KEY is unset")
	}

	ctx := context.Background()
	blob, err := blobstore.New(ctx, cfg.Blob.Bucket)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init blob store")
	}

	qs, err := queue.New(cfg.Queue.RedisURL, cfg.Queue.ConsumerGroup, cfg.Queue.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect queues to redis")
	}
	defer qs.Close()

	cstore, err := coordinator.NewRedisStore(cfg.Coordinator.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect coordinator store to redis")
	}
	defer cstore.Close()

	var coordEmitter coordinator.Emitter
	if committer != nil {
		coordEmitter = committer
	}
	coord := coordinator.New(coordinator.Dependencies{
		Store:          cstore,
		Dispatcher:     qs,
		Emitter:        coordEmitter,
		Log:            logger,
		DefaultTimeout: cfg.Coordinator.DefaultTimeout,
	})

	container := containerclient.New(cfg.Container.BaseURL, &http.Client{Timeout: containerclient.GenerationTimeout})

	breaker, err := limiter.New(limiter.Options{
		RedisURL:    cfg.Queue.RedisURL,
		MaxInflight: cfg.Worker.Concurrency,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init container breaker")
	}
	defer breaker.CloseClient()

	limited := func(stage jobmodel.Stage) *containerclient.LimitedClient {
		return &containerclient.LimitedClient{Client: container, Breaker: breaker, Stage: string(stage)}
	}

	startRunner := func(q *queue.StageQueue, handler stageworker.Handler) *stageworker.Runner {
		runner := stageworker.NewRunner(q, handler, stageworker.RunnerConfig{
			Concurrency: cfg.Worker.Concurrency,
			MaxAttempts: cfg.Worker.MaxAttempts,
			BaseBackoff: cfg.Worker.RetryBaseDelay,
			MaxBackoff:  cfg.Worker.RetryMaxDelay,
		}, logger)
		runner.Start()
		return runner
	}

	runners := []*stageworker.Runner{
		startRunner(qs.ImageGen, &stageworker.ImageGenHandler{Blob: blob, Container: limited(jobmodel.StageImageGen), Reporter: coord, Events: committer, Log: logger}),
		startRunner(qs.Metadata, &stageworker.MetadataHandler{Blob: blob, Container: limited(jobmodel.StageMetadata), Reporter: coord, Events: committer, Log: logger}),
		startRunner(qs.Callout, &stageworker.CalloutHandler{Blob: blob, Container: limited(jobmodel.StageCallout), Reporter: coord, Events: committer, Log: logger}),
		startRunner(qs.Layout, &stageworker.LayoutHandler{Blob: blob, Container: limited(jobmodel.StageLayout), Reporter: coord, Events: committer, Log: logger}),
		startRunner(qs.Tiles, &stageworker.TilesHandler{
			Blob: blob, Container: limited(jobmodel.StageTiles), Reporter: coord, Events: committer, Log: logger,
			MinZoom: cfg.Worker.TilesMinZoom, MaxZoom: cfg.Worker.TilesMaxZoom,
		}),
	}
	defer func() {
		for _, r := range runners {
			r.Stop()
		}
	}()

	mpkg.Init()

	status := statuscheck.New(statuscheck.Options{
		Redis:         qs,
		S3Bucket:      cfg.Blob.Bucket,
		ContainerBase: cfg.Container.BaseURL,
	})

	orch := orchestrator.New(orchestrator.Dependencies{
		Blob: blob, Queue: qs, Events: committer, Status: status,
		DefaultTimeoutMs: cfg.Coordinator.DefaultTimeout.Milliseconds(),
	}, logger)
	orchMux := http.NewServeMux()
	orch.RegisterRoutes(orchMux)
	orchSrv := &http.Server{Addr: cfg.HTTP.OrchestratorAddr, Handler: orchMux}

	api := coordinatorapi.New(coord, logger)
	apiMux := http.NewServeMux()
	api.RegisterRoutes(apiMux)
	apiSrv := &http.Server{Addr: cfg.HTTP.CoordinatorAddr, Handler: apiMux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", mpkg.Handler())
	metricsSrv := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: metricsMux}

	servers := []*http.Server{orchSrv, apiSrv, metricsSrv}
	for _, srv := range servers {
		srv := srv
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Str("addr", srv.Addr).Msg("http server error")
			}
		}()
	}

	go publishQueueDepths(qs)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	fmt.Println("shutdown complete")
}

// publishQueueDepths polls every stage queue's stream/delayed/DLQ lengths
// into Prometheus gauges, mirroring the teacher's single-queue depth poll
// loop (cmd/app/main.go) across all five stages.
func publishQueueDepths(qs *queue.Queues) {
	stages := []struct {
		name string
		q    *queue.StageQueue
	}{
		{string(jobmodel.StageImageGen), qs.ImageGen},
		{string(jobmodel.StageMetadata), qs.Metadata},
		{string(jobmodel.StageCallout), qs.Callout},
		{string(jobmodel.StageLayout), qs.Layout},
		{string(jobmodel.StageTiles), qs.Tiles},
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for _, s := range stages {
			stream, delayed, dlq, err := s.q.Depths(ctx)
			if err != nil {
				continue
			}
			mpkg.SetQueueDepth(s.name, "stream", stream)
			mpkg.SetQueueDepth(s.name, "delayed", delayed)
			mpkg.SetQueueDepth(s.name, "dlq", dlq)
		}
		cancel()
	}
}

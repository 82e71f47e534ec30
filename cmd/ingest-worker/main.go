package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/saathi-ai-platform/cmd/mainconfig"
	"github.com/wolfman30/saathi-ai-platform/internal/app/bootstrap"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

func main() {
	cfg := mainconfig.LoadEnv()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryQueue || cfg.IngestQueueURL == "" {
		logger.Error("ingest worker needs INGEST_QUEUE_URL and USE_MEMORY_QUEUE=false")
		os.Exit(1)
	}

	awsConfig, err := mainconfig.LoadAWSConfig(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	app, err := bootstrap.Build(context.Background(), cfg, awsConfig, logger, bootstrap.Options{
		Registerer:        registry,
		SkipConversations: true,
	})
	if err != nil {
		logger.Error("failed to build ingest worker", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener stopped", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := app.IngestWorker()
	worker.Start(ctx)
	logger.Info("ingest worker started", "queue_url", cfg.IngestQueueURL, "workers", cfg.IngestWorkerCount)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down ingest worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()
	_ = metricsSrv.Shutdown(doneCtx)

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("ingest worker stopped")
	case <-doneCtx.Done():
		logger.Error("ingest worker shutdown timed out", "error", doneCtx.Err())
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/saathi-ai-platform/cmd/mainconfig"
	"github.com/wolfman30/saathi-ai-platform/internal/api/router"
	"github.com/wolfman30/saathi-ai-platform/internal/app/bootstrap"
	appconfig "github.com/wolfman30/saathi-ai-platform/internal/config"
	"github.com/wolfman30/saathi-ai-platform/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/saathi-ai-platform/internal/http/middleware"
	"github.com/wolfman30/saathi-ai-platform/internal/webchat"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

func main() {
	cfg := mainconfig.LoadEnv()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting saathi-ai-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("Server exited gracefully")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	registry := newRegistry()
	app, err := bootstrap.Build(ctx, cfg, awsCfg, logger, bootstrap.Options{Registerer: registry})
	if err != nil {
		return err
	}
	defer app.Close()

	// Without SQS the API drains its own ingest queue.
	var worker interface{ Wait() }
	if app.UsesMemoryQueue() {
		w := app.IngestWorker()
		w.Start(ctx)
		worker = w
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newHandler(ctx, app, registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if worker != nil {
		worker.Wait()
	}
	logger.Info("server stopped")
	return nil
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// newHandler mounts every surface over the built app. ctx bounds the rate
// limiter's sweeper.
func newHandler(ctx context.Context, app *bootstrap.App, registry *prometheus.Registry) http.Handler {
	cfg, logger := app.Config, app.Logger

	var screeningAudit handlers.ScreeningAuditor
	if app.Audit != nil {
		screeningAudit = app.Audit
	}

	routerCfg := &router.Config{
		Logger:             logger,
		Ingest:             handlers.NewIngestHandler(app.Ingest, app.Publisher, app.Jobs, logger),
		Screening:          handlers.NewScreeningHandler(app.Screening, app.Sessions, screeningAudit, app.Metrics, logger),
		Privacy:            handlers.NewPrivacyHandler(app.Purger, logger),
		Profile:            handlers.NewProfileHandler(app.Profile, logger),
		Health:             handlers.Health(app.HealthChecks()),
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		OwnerAuthSecret:    cfg.AuthJWTSecret,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}
	if app.Conversations != nil {
		routerCfg.Chat = handlers.NewChatHandler(app.Conversations, logger)
		routerCfg.WebChat = webchat.NewHandler(app.Conversations, app.Sessions, logger)
		routerCfg.AdminCrisis = handlers.NewAdminCrisisHandler(app.Events, app.Conversations, logger)
	}
	if cfg.RateLimitRPS > 0 {
		routerCfg.RateLimiter = httpmiddleware.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.AuthJWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET not set; owner ids are taken from request bodies")
	}
	return router.New(routerCfg)
}

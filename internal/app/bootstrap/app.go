package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/saathi-ai-platform/internal/compliance"
	appconfig "github.com/wolfman30/saathi-ai-platform/internal/config"
	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
	"github.com/wolfman30/saathi-ai-platform/internal/embedding"
	"github.com/wolfman30/saathi-ai-platform/internal/erasure"
	"github.com/wolfman30/saathi-ai-platform/internal/generation"
	"github.com/wolfman30/saathi-ai-platform/internal/http/handlers"
	"github.com/wolfman30/saathi-ai-platform/internal/ingest"
	"github.com/wolfman30/saathi-ai-platform/internal/memory"
	"github.com/wolfman30/saathi-ai-platform/internal/moderation"
	"github.com/wolfman30/saathi-ai-platform/internal/notify"
	"github.com/wolfman30/saathi-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/saathi-ai-platform/internal/pipeline"
	"github.com/wolfman30/saathi-ai-platform/internal/profile"
	"github.com/wolfman30/saathi-ai-platform/internal/screening"
	"github.com/wolfman30/saathi-ai-platform/internal/session"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// ScreeningRepository is satisfied by the pgx and in-memory repositories.
type ScreeningRepository interface {
	Append(ctx context.Context, result screening.Result) error
	History(ctx context.Context, ownerID string, instrument screening.Instrument, limit int) ([]screening.Result, error)
	DeleteOwner(ctx context.Context, ownerID string) (int64, error)
}

// JobStore records and updates async ingest jobs.
type JobStore interface {
	ingest.JobRecorder
	ingest.JobUpdater
}

// Options tune what Build wires.
type Options struct {
	// Registerer receives the pipeline collectors; nil uses the default registry.
	Registerer prometheus.Registerer
	// SkipConversations builds storage and ingestion only. Workers and the
	// CLI never run the chat pipeline.
	SkipConversations bool
}

// App holds every long-lived component a binary needs.
type App struct {
	Config  *appconfig.Config
	Logger  *logging.Logger
	Metrics *metrics.PipelineMetrics

	Pool  *pgxpool.Pool
	DB    *sql.DB
	Redis *redis.Client

	Sessions  session.Store
	Events    crisis.Store
	Screening ScreeningRepository
	Profile   profile.Store
	Audit     *compliance.AuditService
	Memory    *memory.Store
	Ingest    *ingest.Service
	Publisher *ingest.Publisher
	Jobs      JobStore
	Purger    *erasure.Purger

	Detector      *crisis.Detector
	Conversations *pipeline.Conversations

	sqsQueue *ingest.SQSQueue
	memQueue *ingest.MemoryQueue
	closers  []func()
}

// Build wires the stores, ingestion and, unless skipped, the chat pipeline.
// A configured database that cannot be reached is an error; missing Redis
// falls back to in-process sessions.
func Build(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger, opts Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	app := &App{Config: cfg, Logger: logger, Metrics: metrics.NewPipelineMetrics(opts.Registerer)}

	pool, db, err := ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	app.Pool, app.DB = pool, db
	if pool != nil {
		app.closers = append(app.closers, func() { _ = db.Close(); pool.Close() })
	}

	app.buildStores(ctx)
	if err := app.buildMemory(awsCfg); err != nil {
		app.Close()
		return nil, err
	}
	app.buildIngest(awsCfg)
	app.buildPurger()

	if !opts.SkipConversations {
		if err := app.buildConversations(ctx, awsCfg); err != nil {
			app.Close()
			return nil, err
		}
	}
	return app, nil
}

func (a *App) buildStores(ctx context.Context) {
	cfg := a.Config
	if a.Redis = BuildRedisClient(ctx, cfg, a.Logger, true); a.Redis != nil {
		a.Sessions = session.NewRedisStore(a.Redis, cfg.SessionTTL, cfg.ScreeningActiveWindow)
		client := a.Redis
		a.closers = append(a.closers, func() { _ = client.Close() })
	} else {
		a.Logger.Warn("using in-process session store; sessions are lost on restart")
		a.Sessions = session.NewMemoryStore()
	}

	if a.Pool != nil {
		a.Events = crisis.NewPostgresStore(a.Pool)
		a.Screening = screening.NewRepository(a.Pool)
		a.Profile = profile.NewPostgresStore(a.Pool)
		a.Audit = compliance.NewAuditService(a.DB)
		return
	}
	a.Logger.Warn("DATABASE_URL not set; crisis events, screening history and profile facts are kept in memory")
	a.Events = crisis.NewMemoryStore()
	a.Screening = screening.NewMemoryRepository()
	a.Profile = profile.NewMemoryStore()
}

func (a *App) buildMemory(awsCfg aws.Config) error {
	cfg := a.Config
	var repo memory.Repository
	switch cfg.MemoryBackend {
	case "postgres":
		if a.DB == nil {
			return fmt.Errorf("bootstrap: MEMORY_BACKEND=postgres requires DATABASE_URL")
		}
		repo = memory.NewPostgresRepository(a.DB)
	case "sqlite":
		sqlite, err := memory.NewSQLiteRepository(cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = sqlite.Close() })
		repo = sqlite
	case "memory", "":
		repo = memory.NopRepository{}
	default:
		return fmt.Errorf("bootstrap: unknown MEMORY_BACKEND %q", cfg.MemoryBackend)
	}

	embedder := embedding.NewBedrockEmbedder(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockEmbeddingModelID)
	a.Memory = memory.NewStore(embedder, repo, memory.Config{
		Chunker:       memory.Chunker{Words: cfg.ChunkWords, Overlap: cfg.ChunkOverlap, MinChars: cfg.ChunkMinChars},
		Dimension:     cfg.EmbeddingDimension,
		EmbedTimeout:  cfg.EmbeddingTimeout,
		Concurrency:   cfg.EmbeddingConcurrency,
		MinSimilarity: cfg.RetrievalMinSimilarity,
	}, memory.WithLogger(a.Logger), memory.WithMetrics(a.Metrics), memory.WithPurgeLedger(a.Sessions))
	a.Logger.Info("memory store ready", "backend", cfg.MemoryBackend, "embedding_model", cfg.BedrockEmbeddingModelID)
	return nil
}

func (a *App) buildIngest(awsCfg aws.Config) {
	cfg := a.Config
	extractor := ingest.NewExtractor(s3.NewFromConfig(awsCfg), cfg.DocumentMaxBytes, ingest.WithAllowedBucket(cfg.DocumentBucket))
	a.Ingest = ingest.NewService(extractor, a.Memory, a.Logger)

	if cfg.UseMemoryQueue || strings.TrimSpace(cfg.IngestQueueURL) == "" {
		jobs := ingest.NewMemoryJobStore()
		a.memQueue = ingest.NewMemoryQueue(256)
		a.Jobs = jobs
		a.Publisher = ingest.NewPublisher(a.memQueue, jobs)
		a.Logger.Info("using in-process ingest queue")
		return
	}
	jobs := ingest.NewJobStore(dynamodb.NewFromConfig(awsCfg), cfg.IngestJobsTable, a.Logger)
	a.sqsQueue = ingest.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.IngestQueueURL)
	a.Jobs = jobs
	a.Publisher = ingest.NewPublisher(a.sqsQueue, jobs)
	a.Logger.Info("using sqs ingest queue", "queue_url", cfg.IngestQueueURL, "jobs_table", cfg.IngestJobsTable)
}

func (a *App) buildPurger() {
	deps := erasure.Deps{
		Memory:     a.Memory,
		Screening:  a.Screening,
		Sessions:   a.Sessions,
		Crisis:     a.Events,
		Profile:    a.Profile,
		Tombstones: a.Sessions,
	}
	if a.Audit != nil {
		deps.Audit = a.Audit
	}
	a.Purger = erasure.NewPurger(deps, a.Logger)
}

func (a *App) buildConversations(ctx context.Context, awsCfg aws.Config) error {
	cfg := a.Config
	bedrock := bedrockruntime.NewFromConfig(awsCfg)

	detector, err := a.buildDetector(ctx, bedrock)
	if err != nil {
		return err
	}
	a.Detector = detector

	persona := generation.DefaultPersona()
	if cfg.PersonaPath != "" {
		if persona, err = generation.LoadPersona(cfg.PersonaPath); err != nil {
			return err
		}
	}
	llm, closeLLM, err := BuildLLMClient(ctx, cfg, bedrock, a.Logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeLLM)
	generator := generation.NewGenerator(llm, generation.Config{
		Model:         modelID(cfg),
		Timeout:       cfg.GenerationTimeout,
		MaxTokens:     int32(cfg.GenerationMaxTokens),
		Temperature:   float32(cfg.GenerationTemperature),
		HistoryWindow: cfg.HistoryWindow,
	}, generation.WithLogger(a.Logger), generation.WithMetrics(a.Metrics), generation.WithPersona(persona))

	resources, err := crisis.ParseResources(cfg.CrisisResourcesJSON)
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Moderator: moderation.New(moderation.Config{MinChars: cfg.ModerationMinChars, MaxChars: cfg.ModerationMaxChars}),
		Assessor:  detector,
		Retriever: a.Memory,
		Responder: generator,
		Events:    a.Events,
		Alerter:   a.buildAlerter(awsCfg),
		Disclaimer: compliance.NewDisclaimerService(a.Audit, compliance.DisclaimerConfig{
			Level:            compliance.DisclaimerLevel(cfg.DisclaimerLevel),
			Enabled:          cfg.DisclaimerEnabled,
			FirstMessageOnly: true,
		}),
		Recorder: ingest.NewQueueTurnRecorder(a.Publisher),
		Flags:    a.Sessions,
		Profile:  a.Profile,
	}
	var resolutions pipeline.ResolutionAuditor
	if a.Audit != nil {
		deps.Audit = a.Audit
		resolutions = a.Audit
	}

	orch := pipeline.NewOrchestrator(deps, pipeline.Config{
		CrisisHistoryWindow:   cfg.CrisisHistoryWindow,
		ScreeningActiveWindow: cfg.ScreeningActiveWindow,
		RetrievalTopK:         cfg.RetrievalTopK,
		Resources:             resources,
	}, pipeline.WithLogger(a.Logger), pipeline.WithMetrics(a.Metrics))
	a.Conversations = pipeline.NewConversations(orch, a.Sessions, a.Events, resolutions, a.Logger)
	return nil
}

func (a *App) buildDetector(ctx context.Context, bedrock *bedrockruntime.Client) (*crisis.Detector, error) {
	cfg := a.Config
	screeningLevel, err := crisis.ParseLevel(cfg.ScreeningRiskLevel)
	if err != nil {
		return nil, err
	}
	opts := []crisis.Option{
		crisis.WithHistoryWindow(cfg.CrisisHistoryWindow),
		crisis.WithScreeningLevel(screeningLevel),
		crisis.WithFastPathTimeout(cfg.CrisisFastPathTimeout),
		crisis.WithLogger(a.Logger),
		crisis.WithMetrics(a.Metrics),
	}
	if cfg.CrisisSemanticEnabled {
		embedder := embedding.NewBedrockEmbedder(bedrock, cfg.BedrockEmbeddingModelID)
		opts = append(opts, crisis.WithSemanticMatch(embedder, cfg.CrisisSemanticThreshold))
	}
	detector := crisis.NewDetector(crisis.DefaultLexicon(), opts...)

	if path := strings.TrimSpace(cfg.CrisisLexiconPath); path != "" {
		if !cfg.CrisisWatchLexicon {
			lex, err := crisis.LoadLexicon(path)
			if err != nil {
				return nil, err
			}
			detector.SetLexicon(lex)
		} else {
			watcher, err := crisis.NewLexiconWatcher(path, detector, a.Logger)
			if err != nil {
				return nil, err
			}
			if err := watcher.Start(ctx); err != nil {
				return nil, err
			}
			a.closers = append(a.closers, watcher.Stop)
		}
	}
	if cfg.CrisisSemanticEnabled {
		if err := detector.WarmExemplars(ctx); err != nil {
			a.Logger.Warn("crisis exemplar warmup failed; semantic match stays lazy", "error", err)
		}
	}
	return detector, nil
}

func (a *App) buildAlerter(awsCfg aws.Config) *notify.CounselorAlerter {
	cfg := a.Config
	sgCfg := notify.SendGridConfig{APIKey: cfg.SendGridAPIKey, FromEmail: cfg.SendGridFromEmail, FromName: cfg.SendGridFromName}
	sesCfg := notify.SESConfig{FromEmail: cfg.SESFromEmail, FromName: cfg.SendGridFromName}

	var sender notify.EmailSender
	if strings.TrimSpace(cfg.SESFromEmail) != "" {
		sender = notify.NewEmailSender(cfg.EmailProvider, sgCfg, sesv2.NewFromConfig(awsCfg), sesCfg, a.Logger)
	} else {
		sender = notify.NewEmailSender(cfg.EmailProvider, sgCfg, nil, sesCfg, a.Logger)
	}
	return notify.NewCounselorAlerter(sender, cfg.CounselorAlertEmail, a.Logger,
		notify.WithDashboardURL(cfg.CounselorDashboard),
		notify.WithAlertMetrics(a.Metrics),
	)
}

// IngestWorker builds a worker over the configured queue.
func (a *App) IngestWorker(opts ...ingest.WorkerOption) *ingest.Worker {
	opts = append(opts, ingest.WithWorkerMetrics(a.Metrics), ingest.WithWorkerCount(a.Config.IngestWorkerCount))
	if a.sqsQueue != nil {
		return ingest.NewWorker(a.Ingest, a.sqsQueue, a.Jobs, a.Logger, opts...)
	}
	return ingest.NewWorker(a.Ingest, a.memQueue, a.Jobs, a.Logger, opts...)
}

// UsesMemoryQueue reports whether ingest jobs stay in this process.
func (a *App) UsesMemoryQueue() bool { return a.memQueue != nil }

// HealthChecks returns the dependencies /health should probe.
func (a *App) HealthChecks() map[string]handlers.Pinger {
	checks := map[string]handlers.Pinger{}
	if a.Pool != nil {
		checks["postgres"] = handlers.PingFunc(a.Pool.Ping)
	}
	if a.Redis != nil {
		client := a.Redis
		checks["redis"] = handlers.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}
	return checks
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

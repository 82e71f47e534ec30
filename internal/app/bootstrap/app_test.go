package bootstrap

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/saathi-ai-platform/internal/config"
	"github.com/wolfman30/saathi-ai-platform/internal/crisis"
	"github.com/wolfman30/saathi-ai-platform/internal/erasure"
	"github.com/wolfman30/saathi-ai-platform/internal/generation"
	"github.com/wolfman30/saathi-ai-platform/internal/pipeline"
	"github.com/wolfman30/saathi-ai-platform/internal/session"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

func testConfig(redisAddr string) *appconfig.Config {
	return &appconfig.Config{
		Env:                     "test",
		RedisAddr:               redisAddr,
		SessionTTL:              time.Hour,
		AWSRegion:               "us-east-1",
		LLMProvider:             "bedrock",
		BedrockEmbeddingModelID: "amazon.titan-embed-text-v2:0",
		GenerationTimeout:       time.Second,
		HistoryWindow:           12,
		MemoryBackend:           "memory",
		EmbeddingTimeout:        time.Second,
		EmbeddingConcurrency:    2,
		ChunkWords:              64,
		ChunkOverlap:            8,
		ChunkMinChars:           10,
		RetrievalTopK:           3,
		RetrievalMinSimilarity:  0.25,
		CrisisHistoryWindow:     3,
		ScreeningRiskLevel:      "moderate",
		ScreeningActiveWindow:   time.Hour,
		ModerationMinChars:      1,
		ModerationMaxChars:      2000,
		UseMemoryQueue:          true,
		IngestWorkerCount:       1,
		DocumentMaxBytes:        1 << 20,
		EmailProvider:           "stub",
	}
}

func buildTestApp(t *testing.T, cfg *appconfig.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, aws.Config{Region: "us-east-1"}, logging.New("error"), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func TestBuildInMemoryWithRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	app := buildTestApp(t, testConfig(mr.Addr()))

	assert.IsType(t, &session.RedisStore{}, app.Sessions)
	assert.IsType(t, &crisis.MemoryStore{}, app.Events)
	assert.Nil(t, app.Pool)
	assert.Nil(t, app.Audit)
	assert.True(t, app.UsesMemoryQueue())
	require.NotNil(t, app.Conversations)
	require.NotNil(t, app.Detector)

	checks := app.HealthChecks()
	require.Contains(t, checks, "redis")
	assert.NotContains(t, checks, "postgres")
	assert.NoError(t, checks["redis"].Ping(context.Background()))
}

func TestBuildWithoutRedisFallsBackToMemorySessions(t *testing.T) {
	app := buildTestApp(t, testConfig(""))
	assert.IsType(t, &session.MemoryStore{}, app.Sessions)
	assert.Empty(t, app.HealthChecks())
}

func TestBuiltConversationsAnswerWithoutModel(t *testing.T) {
	app := buildTestApp(t, testConfig(""))
	ctx := context.Background()

	res, err := app.Conversations.Send(ctx, pipeline.Request{OwnerID: "owner-1", Text: "I had a long day at the library."})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.ReplyText, "I'm sorry"), res.ReplyText)
	assert.Equal(t, crisis.LevelNone, res.RiskLevel)

	res, err = app.Conversations.Send(ctx, pipeline.Request{OwnerID: "owner-1", SessionID: res.SessionID, Text: "I just want to kill myself"})
	require.NoError(t, err)
	assert.True(t, res.Crisis())
	assert.NotEmpty(t, res.CrisisResources)

	events := app.Events.(*crisis.MemoryStore).Events()
	require.Len(t, events, 1)
	assert.Equal(t, "owner-1", events[0].OwnerID)
}

func TestBuildSkipConversations(t *testing.T) {
	app, err := Build(context.Background(), testConfig(""), aws.Config{Region: "us-east-1"}, nil, Options{
		Registerer:        prometheus.NewRegistry(),
		SkipConversations: true,
	})
	require.NoError(t, err)
	defer app.Close()

	assert.Nil(t, app.Conversations)
	assert.Nil(t, app.Detector)
	require.NotNil(t, app.Ingest)
	require.NotNil(t, app.IngestWorker())
}

func TestBuildPurgerCoversEveryStore(t *testing.T) {
	app := buildTestApp(t, testConfig(""))
	ctx := context.Background()

	_, err := app.Conversations.Send(ctx, pipeline.Request{OwnerID: "owner-1", SessionID: "s-1", Text: "hello there"})
	require.NoError(t, err)

	report, err := app.Purger.Purge(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), report[erasure.TargetSessions])
	assert.Contains(t, report, erasure.TargetMemory)
	assert.Contains(t, report, erasure.TargetScreening)
	assert.Contains(t, report, erasure.TargetCrisis)
	assert.Contains(t, report, erasure.TargetProfile)

	_, err = app.Sessions.Load(ctx, "s-1")
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, tombstoned, err := app.Sessions.PurgedAt(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, tombstoned, "the purge leaves a tombstone for queued ingest")
}

func TestBuildRejectsBadMemoryBackend(t *testing.T) {
	tests := []struct {
		backend string
		want    string
	}{
		{"postgres", "requires DATABASE_URL"},
		{"cassandra", "unknown MEMORY_BACKEND"},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := testConfig("")
			cfg.MemoryBackend = tt.backend
			_, err := Build(context.Background(), cfg, aws.Config{}, nil, Options{Registerer: prometheus.NewRegistry()})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuildRejectsBadScreeningLevel(t *testing.T) {
	cfg := testConfig("")
	cfg.ScreeningRiskLevel = "purple"
	_, err := Build(context.Background(), cfg, aws.Config{}, nil, Options{Registerer: prometheus.NewRegistry()})
	assert.Error(t, err)
}

func TestBuildRequiresConfig(t *testing.T) {
	_, err := Build(context.Background(), nil, aws.Config{}, nil, Options{})
	assert.Error(t, err)
}

func TestConnectPostgres(t *testing.T) {
	pool, db, err := ConnectPostgres(context.Background(), "  ")
	require.NoError(t, err)
	assert.Nil(t, pool)
	assert.Nil(t, db)

	_, _, err = ConnectPostgres(context.Background(), "postgres://u:p@localhost:5432/db?sslmode=sometimes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse database url")
}

func TestBuildRedisClient(t *testing.T) {
	assert.Nil(t, BuildRedisClient(context.Background(), nil, nil, true))
	assert.Nil(t, BuildRedisClient(context.Background(), testConfig(""), nil, true))

	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), testConfig(mr.Addr()), nil, true)
	require.NotNil(t, client)
	_ = client.Close()

	addr := mr.Addr()
	mr.Close()
	assert.Nil(t, BuildRedisClient(context.Background(), testConfig(addr), nil, true))
}

func TestBuildLLMClientWithoutModel(t *testing.T) {
	client, closer, err := BuildLLMClient(context.Background(), testConfig(""), nil, nil)
	require.NoError(t, err)
	defer closer()

	_, err = client.Complete(context.Background(), generation.LLMRequest{})
	assert.True(t, errors.Is(err, errNoModel))
}

func TestModelID(t *testing.T) {
	cfg := testConfig("")
	cfg.GeminiModelID = "gemini-2.5-flash"
	assert.Equal(t, "gemini-2.5-flash", modelID(cfg))

	cfg.BedrockModelID = "anthropic.claude-3-haiku"
	assert.Equal(t, "anthropic.claude-3-haiku", modelID(cfg))

	cfg.LLMProvider = "gemini"
	assert.Equal(t, "gemini-2.5-flash", modelID(cfg))
}

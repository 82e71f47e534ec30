package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/saathi-ai-platform/internal/app/bootstrap"
	appconfig "github.com/wolfman30/saathi-ai-platform/internal/config"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

func testApp(t *testing.T) (*bootstrap.App, http.Handler) {
	t.Helper()
	cfg := &appconfig.Config{
		Env:                     "test",
		SessionTTL:              time.Hour,
		LLMProvider:             "bedrock",
		BedrockEmbeddingModelID: "amazon.titan-embed-text-v2:0",
		GenerationTimeout:       time.Second,
		MemoryBackend:           "memory",
		ChunkWords:              64,
		ChunkOverlap:            8,
		ChunkMinChars:           10,
		RetrievalTopK:           3,
		CrisisHistoryWindow:     3,
		ScreeningRiskLevel:      "moderate",
		ScreeningActiveWindow:   time.Hour,
		ModerationMinChars:      1,
		ModerationMaxChars:      2000,
		UseMemoryQueue:          true,
		IngestWorkerCount:       1,
		EmailProvider:           "stub",
		RateLimitRPS:            100,
		RateLimitBurst:          100,
	}
	registry := newRegistry()
	app, err := bootstrap.Build(context.Background(), cfg, aws.Config{Region: "us-east-1"}, logging.New("error"), bootstrap.Options{Registerer: registry})
	require.NoError(t, err)
	t.Cleanup(app.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return app, newHandler(ctx, app, registry)
}

func TestHandlerServesHealthAndMetrics(t *testing.T) {
	_, handler := testApp(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandlerChatRoundTrip(t *testing.T) {
	_, handler := testApp(t)

	body, _ := json.Marshal(map[string]string{"owner_id": "owner-1", "message_text": "I had a long day at the library."})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		SessionID string `json:"session_id"`
		ReplyText string `json:"reply_text"`
		RiskLevel string `json:"risk_level"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.ReplyText)
	assert.Equal(t, "none", resp.RiskLevel)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "saathi_pipeline_runs_total")
}

func TestHandlerScreeningWithoutConsentIsNotStored(t *testing.T) {
	_, handler := testApp(t)

	body, _ := json.Marshal(map[string]any{
		"owner_id":   "owner-1",
		"instrument": "GAD7",
		"responses":  []int{1, 1, 1, 1, 1, 1, 1},
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/screening", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"stored":false`)
}

func TestAdminRoutesClosedWithoutSecret(t *testing.T) {
	_, handler := testApp(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/crisis/open", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

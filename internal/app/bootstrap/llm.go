package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/saathi-ai-platform/internal/config"
	"github.com/wolfman30/saathi-ai-platform/internal/generation"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

var errNoModel = errors.New("bootstrap: no language model configured")

// BuildLLMClient picks the reply model. Bedrock is primary when a model id is
// set and Gemini becomes its fallback when a key is present. With neither,
// every call fails and the generator answers with its apology reply.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, bedrock *bedrockruntime.Client, logger *logging.Logger) (generation.LLMClient, func(), error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	noop := func() {}

	var primary, fallback generation.LLMClient
	closer := noop
	if strings.TrimSpace(cfg.BedrockModelID) != "" && bedrock != nil {
		primary = generation.NewBedrockLLMClient(bedrock)
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := generation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: gemini client: %w", err)
		}
		fallback = gemini
		closer = func() { _ = gemini.Close() }
	}
	if cfg.LLMProvider == "gemini" {
		primary, fallback = fallback, primary
	}

	switch {
	case primary != nil && fallback != nil:
		logger.Info("llm configured with fallback", "provider", cfg.LLMProvider)
		return generation.NewFallbackLLMClient(primary, fallback, logger), closer, nil
	case primary != nil:
		return primary, closer, nil
	case fallback != nil:
		return fallback, closer, nil
	}
	logger.Warn("no language model configured; replies will use the apology text")
	return generation.LLMClientFunc(func(context.Context, generation.LLMRequest) (generation.LLMResponse, error) {
		return generation.LLMResponse{}, errNoModel
	}), noop, nil
}

// modelID is the id passed in each request for the primary provider.
func modelID(cfg *appconfig.Config) string {
	if cfg.LLMProvider == "gemini" || strings.TrimSpace(cfg.BedrockModelID) == "" {
		return cfg.GeminiModelID
	}
	return cfg.BedrockModelID
}

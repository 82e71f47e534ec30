package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

type invokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockEmbedder calls a Titan text embedding model.
type BedrockEmbedder struct {
	api     invokeModelAPI
	modelID string
}

func NewBedrockEmbedder(api invokeModelAPI, modelID string) *BedrockEmbedder {
	if api == nil {
		panic("embedding: bedrock runtime client cannot be nil")
	}
	if strings.TrimSpace(modelID) == "" {
		panic("embedding: bedrock embedding model id is required")
	}
	return &BedrockEmbedder{api: api, modelID: modelID}
}

func (b *BedrockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		payload, err := json.Marshal(map[string]any{"inputText": text})
		if err != nil {
			return nil, fmt.Errorf("embedding: request marshal: %w", err)
		}
		resp, err := b.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(b.modelID),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        payload,
		})
		if err != nil {
			return nil, fmt.Errorf("embedding: invoke model: %w", err)
		}
		var decoded struct {
			Embedding []float64 `json:"embedding"`
		}
		if err := json.Unmarshal(resp.Body, &decoded); err != nil {
			return nil, fmt.Errorf("embedding: response parse: %w", err)
		}
		if len(decoded.Embedding) == 0 {
			return nil, fmt.Errorf("embedding: bedrock returned no values: %w", ErrEmptyVector)
		}
		vec := make([]float32, len(decoded.Embedding))
		for i, f := range decoded.Embedding {
			vec[i] = float32(f)
		}
		out = append(out, vec)
	}
	return out, nil
}

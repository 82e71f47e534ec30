package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInvoker struct {
	inputs []string
	body   []byte
	err    error
}

func (s *stubInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	var req struct {
		InputText string `json:"inputText"`
	}
	if err := json.Unmarshal(params.Body, &req); err != nil {
		return nil, err
	}
	s.inputs = append(s.inputs, req.InputText)
	if s.err != nil {
		return nil, s.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: s.body}, nil
}

func TestBedrockEmbedder(t *testing.T) {
	api := &stubInvoker{body: []byte(`{"embedding":[0.5,0.25,1]}`)}
	e := NewBedrockEmbedder(api, "amazon.titan-embed-text-v2:0")

	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.5, 0.25, 1}, vecs[0])
	assert.Equal(t, []string{"first", "second"}, api.inputs)
}

func TestBedrockEmbedderErrors(t *testing.T) {
	e := NewBedrockEmbedder(&stubInvoker{err: errors.New("throttled")}, "m")
	_, err := e.Embed(context.Background(), []string{"x"})
	assert.ErrorContains(t, err, "throttled")

	e = NewBedrockEmbedder(&stubInvoker{body: []byte(`{"embedding":[]}`)}, "m")
	_, err = e.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrEmptyVector)

	assert.Panics(t, func() { NewBedrockEmbedder(nil, "m") })
}

func TestEmbedOne(t *testing.T) {
	e := EmbedderFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
		return [][]float32{{1, 0}}, nil
	})
	vec, err := EmbedOne(context.Background(), e, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

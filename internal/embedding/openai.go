package embedding

import (
	"context"
	"fmt"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider embeds text with the OpenAI embeddings API (or any
// compatible endpoint).
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	requested  int
	dimensions atomic.Int64
}

// OpenAIConfig holds OpenAI provider configuration.
type OpenAIConfig struct {
	APIKey string

	// BaseURL points at a compatible endpoint (default: the OpenAI API).
	BaseURL string

	// Model is the embedding model (default: text-embedding-3-small).
	Model string

	// Dimensions asks text-embedding-3 models for shortened vectors.
	Dimensions int
}

// NewOpenAIProvider creates an OpenAI embedding provider.
func NewOpenAIProvider(config OpenAIConfig) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.Model == "" {
		config.Model = string(openai.SmallEmbedding3)
	}

	p := &OpenAIProvider{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     config.Model,
		requested: config.Dimensions,
	}
	p.dimensions.Store(int64(config.Dimensions))
	return p
}

// EmbedQuery embeds a single query string.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments embeds texts in one request, returning vectors in input
// order.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.requested,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: failed to create embeddings: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("openai returned out of range index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("openai: %w", ErrEmptyEmbedding)
		}
		out[item.Index] = item.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai returned no embedding for input %d", i)
		}
	}

	p.dimensions.Store(int64(len(out[0])))
	return out, nil
}

// Dimensions returns the requested or last observed vector length.
func (p *OpenAIProvider) Dimensions() int {
	return int(p.dimensions.Load())
}

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string {
	return p.model
}

var _ Provider = (*OpenAIProvider)(nil)

// Package embedding converts text into fixed-length vectors for memory
// storage and retrieval.
//
// Backends (Ollama, OpenAI, a deterministic hash embedder) implement
// Provider. Callers normally wrap the backend in Guarded, which adds a
// circuit breaker, rate limiting, a query cache and the dimensionality check.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDimensionMismatch is returned when a backend produces a vector whose
	// length differs from the dimensionality established for the deployment.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmptyEmbedding is returned when a backend answers with no vector.
	ErrEmptyEmbedding = errors.New("empty embedding")
)

// Provider converts text to vectors. Every vector returned by one Provider
// instance has the same length.
type Provider interface {
	// EmbedQuery embeds a single retrieval query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments embeds a batch of documents, preserving order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector length, or 0 if unknown until the first
	// call.
	Dimensions() int

	// Model returns the backend model name.
	Model() string
}

// Backend names accepted by NewProvider.
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
	BackendHash   = "hash"
)

// Config selects and configures an embedding backend.
type Config struct {
	// Backend is one of "ollama", "openai" or "hash" (default: "hash").
	Backend string

	// Model is the backend model name.
	Model string

	// BaseURL overrides the backend endpoint.
	BaseURL string

	// APIKey authenticates against hosted backends.
	APIKey string

	// Dimensions requests a vector size where the backend supports it and
	// fixes the size of the hash backend.
	Dimensions int

	// Timeout bounds each backend request (default: 10s).
	Timeout time.Duration

	// RequestsPerSecond limits backend calls made through Guarded
	// (0 disables limiting).
	RequestsPerSecond float64

	// CacheSize is the number of query vectors Guarded keeps (0 disables).
	CacheSize int
}

// NewProvider builds the backend named by cfg.Backend.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	switch strings.ToLower(cfg.Backend) {
	case BackendOllama:
		return NewOllamaProvider(OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}), nil
	case BackendOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedding: openai backend requires an API key")
		}
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		}), nil
	case BackendHash, "":
		return NewHashProvider(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("embedding: unknown backend %q", cfg.Backend)
	}
}

// Package embedder wraps the external embedding provider behind a gateway
// that handles chunking, batching, retries, and query memoization.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for embedding operations.
var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrProviderUnavailable indicates the embedding provider exhausted all
	// retries. It propagates to the caller uninterpreted and is surfaced as
	// a 5xx-class failure at the transport boundary.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
)

// Provider is the black-box embedding computation: text in, vectors out.
//
// Implementations talk to an external, fallible, rate-limited API. The
// result slice is order-preserving: result[i] corresponds to texts[i].
type Provider interface {
	// Embed generates one embedding per input text, preserving order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the active model name.
	Model() string

	// Dimension returns the embedding dimension for the active model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is the provider type. Only "openai" (any OpenAI-compatible
	// /v1/embeddings endpoint) is currently supported.
	Provider string
	// BaseURL is the provider endpoint base URL.
	BaseURL string
	// Model is the embedding model name.
	Model string
	// APIKey authenticates against the provider.
	APIKey string
	// RequestsPerSecond caps the outbound request rate. Zero uses the
	// provider default; negative disables the cap.
	RequestsPerSecond float64
	// Timeout bounds a single provider request.
	Timeout time.Duration
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			APIKey:            cfg.APIKey,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Timeout:           cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 1536 for unknown models.
func detectDimensionFromModel(model string) int {
	switch {
	case strings.Contains(model, "3-large"):
		return 3072
	case strings.Contains(model, "ada-002"), strings.Contains(model, "3-small"):
		return 1536
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	case strings.Contains(model, "small"), strings.Contains(model, "mini"):
		return 384
	default:
		return 1536
	}
}

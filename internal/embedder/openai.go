package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Retry policy for transient provider failures: exponential backoff with
// base 1s capped at 3s, 3 attempts total.
const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 1 * time.Second
	defaultMaxBackoff  = 3 * time.Second
	defaultTimeout     = 30 * time.Second
	defaultRateLimit   = 10 // requests per second
	defaultBurst       = 10
)

// OpenAIConfig holds configuration for an OpenAI-compatible embeddings API.
type OpenAIConfig struct {
	// BaseURL is the API base URL.
	// Default: "https://api.openai.com"
	BaseURL string

	// Model is the embedding model name.
	// Default: "text-embedding-ada-002"
	Model string

	// APIKey is sent as a bearer token. Optional for self-hosted endpoints.
	APIKey string

	// RequestsPerSecond caps the outbound request rate.
	// Default: 10. Zero uses the default; negative disables the cap.
	RequestsPerSecond float64

	// Timeout bounds a single HTTP request.
	// Default: 30s
	Timeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *OpenAIConfig) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com"
	}
	if c.Model == "" {
		c.Model = "text-embedding-ada-002"
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = defaultRateLimit
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
}

// OpenAIProvider talks to an OpenAI-compatible /v1/embeddings endpoint.
//
// Transient failures (timeouts, 429, 5xx) are retried with exponential
// backoff; after exhausting retries the call fails with
// ErrProviderUnavailable. Permanent failures (4xx other than 429) are
// returned immediately.
type OpenAIProvider struct {
	config      OpenAIConfig
	client      *http.Client
	limiter     *rate.Limiter
	dimension   int
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewOpenAIProvider creates a provider for the given configuration.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	config.ApplyDefaults()

	limit := rate.Limit(config.RequestsPerSecond)
	if config.RequestsPerSecond < 0 {
		limit = rate.Inf
	}

	return &OpenAIProvider{
		config:      config,
		client:      &http.Client{Timeout: config.Timeout},
		limiter:     rate.NewLimiter(limit, defaultBurst),
		dimension:   detectDimensionFromModel(config.Model),
		maxRetries:  defaultMaxAttempts - 1,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
	}, nil
}

// Model returns the active model name.
func (p *OpenAIProvider) Model() string {
	return p.config.Model
}

// Dimension returns the embedding dimension for the active model.
func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op; the provider holds no long-lived connections.
func (p *OpenAIProvider) Close() error {
	return nil
}

// embeddingsRequest is the request body for the embeddings endpoint.
type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// embeddingsResponse is the response body from the embeddings endpoint.
type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates one embedding per input text, preserving order.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	var lastErr error
	backoff := p.baseBackoff

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > p.maxBackoff {
				backoff = p.maxBackoff
			}
		}

		vectors, err := p.doRequest(ctx, texts)
		if err == nil {
			return vectors, nil
		}

		var transient *transientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %d attempts exhausted: %v", ErrProviderUnavailable, p.maxRetries+1, lastErr)
}

// doRequest performs a single embeddings call.
func (p *OpenAIProvider) doRequest(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(embeddingsRequest{Input: texts, Model: p.config.Model})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &transientError{err: fmt.Errorf("request timed out: %w", err)}
		}
		return nil, &transientError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &transientError{err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 500:
		return nil, &transientError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, respBody)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("provider error (%d): %s", resp.StatusCode, respBody)
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}

	// The wire format carries an index per embedding; reorder by it so the
	// result is positionally aligned with the input regardless of response
	// ordering.
	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("provider returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("provider returned no embedding for input %d", i)
		}
	}
	return vectors, nil
}

// transientError marks failures worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Ensure OpenAIProvider implements Provider.
var _ Provider = (*OpenAIProvider)(nil)

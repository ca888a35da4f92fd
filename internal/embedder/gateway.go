package embedder

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// defaultChunkSize is the character threshold above which a document is
	// split into consecutive non-overlapping chunks before embedding.
	defaultChunkSize = 2000

	// defaultCacheSize bounds the query-embedding memoization cache.
	defaultCacheSize = 1024
)

// GatewayConfig holds configuration for the embedder gateway.
type GatewayConfig struct {
	// ChunkSize is the maximum characters per chunk.
	// Default: 2000
	ChunkSize int

	// QueryCacheSize is the capacity of the query-embedding LRU cache.
	// Default: 1024
	QueryCacheSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *GatewayConfig) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.QueryCacheSize == 0 {
		c.QueryCacheSize = defaultCacheSize
	}
}

// Gateway wraps an embedding Provider with chunking, averaging, and query
// memoization.
//
// Oversized texts are split into consecutive chunks, embedded independently,
// and averaged element-wise into one vector per document. The single-item
// query path is memoized in a bounded LRU keyed by model and raw query text,
// so repeated identical searches skip the provider round trip. The cache is
// a performance optimization only: values for the same key are
// deterministic, so concurrent last-writer-wins insertion is safe.
type Gateway struct {
	provider Provider
	config   GatewayConfig
	cache    *lru.Cache[string, []float32]
	logger   *zap.Logger
	metrics  *Metrics
}

// NewGateway creates a Gateway around the given provider.
func NewGateway(provider Provider, config GatewayConfig, logger *zap.Logger) (*Gateway, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	cache, err := lru.New[string, []float32](config.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating query cache: %w", err)
	}

	return &Gateway{
		provider: provider,
		config:   config,
		cache:    cache,
		logger:   logger,
		metrics:  NewMetrics(logger),
	}, nil
}

// Dimension returns the embedding dimension of the underlying provider.
func (g *Gateway) Dimension() int {
	return g.provider.Dimension()
}

// Model returns the active model name.
func (g *Gateway) Model() string {
	return g.provider.Model()
}

// Close releases the underlying provider.
func (g *Gateway) Close() error {
	return g.provider.Close()
}

// EmbedDocuments generates one embedding per input text, preserving order.
//
// All chunks from all documents are embedded in a single provider call;
// documents longer than the chunk threshold contribute several chunks whose
// vectors are averaged element-wise back into one vector.
func (g *Gateway) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		g.metrics.RecordGeneration(ctx, g.provider.Model(), "embed_documents", time.Since(start), len(texts), genErr)
	}()

	if len(texts) == 0 {
		genErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	// Flatten documents into chunks, remembering how many chunks each
	// document contributed so vectors can be folded back by position.
	var chunks []string
	counts := make([]int, len(texts))
	for i, text := range texts {
		parts := splitChunks(text, g.config.ChunkSize)
		counts[i] = len(parts)
		chunks = append(chunks, parts...)
	}

	vectors, err := g.provider.Embed(ctx, chunks)
	if err != nil {
		genErr = err
		return nil, err
	}
	if len(vectors) != len(chunks) {
		genErr = fmt.Errorf("provider returned %d vectors for %d chunks", len(vectors), len(chunks))
		return nil, genErr
	}

	result := make([][]float32, len(texts))
	offset := 0
	for i, n := range counts {
		result[i] = meanVector(vectors[offset : offset+n])
		offset += n
	}
	return result, nil
}

// EmbedQuery generates an embedding for a single query via the memoized path.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	// The cache key includes the model so a configuration change never
	// serves a stale vector.
	key := g.provider.Model() + "\x00" + text
	if vec, ok := g.cache.Get(key); ok {
		g.metrics.RecordCacheHit(ctx)
		return vec, nil
	}

	vectors, err := g.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	g.cache.Add(key, vectors[0])
	g.metrics.RecordCacheMiss(ctx)
	return vectors[0], nil
}

// splitChunks splits text into consecutive non-overlapping substrings of at
// most size bytes. Text at or under the threshold yields a single chunk.
func splitChunks(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	chunks := make([]string, 0, (len(text)+size-1)/size)
	for start := 0; start < len(text); start += size {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
	}
	return chunks
}

// meanVector returns the element-wise mean of the given vectors.
func meanVector(vectors [][]float32) []float32 {
	if len(vectors) == 1 {
		return vectors[0]
	}
	if len(vectors) == 0 {
		return nil
	}
	mean := make([]float32, len(vectors[0]))
	for _, vec := range vectors {
		for i := range mean {
			mean[i] += vec[i]
		}
	}
	n := float32(len(vectors))
	for i := range mean {
		mean[i] /= n
	}
	return mean
}

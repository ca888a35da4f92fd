package embedder

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubProvider returns a deterministic vector per text: element 0 is the
// text length, element 1 is constant. It records every batch it receives.
type stubProvider struct {
	calls   int
	batches [][]string
	err     error
}

func (p *stubProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.calls++
	p.batches = append(p.batches, texts)
	if p.err != nil {
		return nil, p.err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = []float32{float32(len(text)), 1}
	}
	return vectors, nil
}

func (p *stubProvider) Model() string  { return "stub-model" }
func (p *stubProvider) Dimension() int { return 2 }
func (p *stubProvider) Close() error   { return nil }

func newTestGateway(t *testing.T, provider Provider, cfg GatewayConfig) *Gateway {
	t.Helper()
	g, err := NewGateway(provider, cfg, zap.NewNop())
	require.NoError(t, err)
	return g
}

func TestNewGateway(t *testing.T) {
	t.Run("requires provider", func(t *testing.T) {
		_, err := NewGateway(nil, GatewayConfig{}, zap.NewNop())
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("nil logger ok", func(t *testing.T) {
		_, err := NewGateway(&stubProvider{}, GatewayConfig{}, nil)
		assert.NoError(t, err)
	})
}

func TestEmbedDocuments(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		g := newTestGateway(t, &stubProvider{}, GatewayConfig{})
		_, err := g.EmbedDocuments(context.Background(), nil)
		assert.ErrorIs(t, err, ErrEmptyInput)
	})

	t.Run("order preserved", func(t *testing.T) {
		g := newTestGateway(t, &stubProvider{}, GatewayConfig{})
		vectors, err := g.EmbedDocuments(context.Background(), []string{"a", "bb", "ccc"})
		require.NoError(t, err)
		require.Len(t, vectors, 3)
		assert.Equal(t, float32(1), vectors[0][0])
		assert.Equal(t, float32(2), vectors[1][0])
		assert.Equal(t, float32(3), vectors[2][0])
	})

	t.Run("single provider call for many documents", func(t *testing.T) {
		provider := &stubProvider{}
		g := newTestGateway(t, provider, GatewayConfig{})
		_, err := g.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
		require.NoError(t, err)
		assert.Equal(t, 1, provider.calls)
	})

	t.Run("oversized document chunked and averaged", func(t *testing.T) {
		provider := &stubProvider{}
		g := newTestGateway(t, provider, GatewayConfig{ChunkSize: 2000})

		// 4500 chars split into 2000 + 2000 + 500; the stub vector's first
		// element is the chunk length, so the mean is (2000+2000+500)/3.
		long := strings.Repeat("x", 4500)
		vectors, err := g.EmbedDocuments(context.Background(), []string{long})
		require.NoError(t, err)
		require.Len(t, vectors, 1)

		require.Len(t, provider.batches, 1)
		assert.Len(t, provider.batches[0], 3)
		assert.InDelta(t, 1500.0, float64(vectors[0][0]), 0.001)
		assert.InDelta(t, 1.0, float64(vectors[0][1]), 0.001)
	})

	t.Run("mixed sizes fold back by position", func(t *testing.T) {
		provider := &stubProvider{}
		g := newTestGateway(t, provider, GatewayConfig{ChunkSize: 10})

		vectors, err := g.EmbedDocuments(context.Background(), []string{
			"short",
			strings.Repeat("y", 25), // chunks of 10, 10, 5
			"tiny",
		})
		require.NoError(t, err)
		require.Len(t, vectors, 3)

		assert.Equal(t, float32(5), vectors[0][0])
		assert.InDelta(t, float64(25)/3.0, float64(vectors[1][0]), 0.001)
		assert.Equal(t, float32(4), vectors[2][0])
	})

	t.Run("provider error propagates", func(t *testing.T) {
		provider := &stubProvider{err: fmt.Errorf("%w: boom", ErrProviderUnavailable)}
		g := newTestGateway(t, provider, GatewayConfig{})
		_, err := g.EmbedDocuments(context.Background(), []string{"a"})
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})
}

func TestEmbedQuery(t *testing.T) {
	t.Run("empty query", func(t *testing.T) {
		g := newTestGateway(t, &stubProvider{}, GatewayConfig{})
		_, err := g.EmbedQuery(context.Background(), "")
		assert.ErrorIs(t, err, ErrEmptyInput)
	})

	t.Run("memoizes repeated queries", func(t *testing.T) {
		provider := &stubProvider{}
		g := newTestGateway(t, provider, GatewayConfig{})

		first, err := g.EmbedQuery(context.Background(), "what is a capybara")
		require.NoError(t, err)

		second, err := g.EmbedQuery(context.Background(), "what is a capybara")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, provider.calls, "second lookup must be served from cache")
	})

	t.Run("distinct queries miss", func(t *testing.T) {
		provider := &stubProvider{}
		g := newTestGateway(t, provider, GatewayConfig{})

		_, err := g.EmbedQuery(context.Background(), "first")
		require.NoError(t, err)
		_, err = g.EmbedQuery(context.Background(), "second")
		require.NoError(t, err)

		assert.Equal(t, 2, provider.calls)
	})

	t.Run("cache bounded by capacity", func(t *testing.T) {
		provider := &stubProvider{}
		g := newTestGateway(t, provider, GatewayConfig{QueryCacheSize: 2})

		for _, q := range []string{"a", "b", "c"} {
			_, err := g.EmbedQuery(context.Background(), q)
			require.NoError(t, err)
		}

		// "a" was evicted, so querying it again hits the provider.
		_, err := g.EmbedQuery(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, 4, provider.calls)
	})

	t.Run("failed query not cached", func(t *testing.T) {
		provider := &stubProvider{err: fmt.Errorf("%w: down", ErrProviderUnavailable)}
		g := newTestGateway(t, provider, GatewayConfig{})

		_, err := g.EmbedQuery(context.Background(), "q")
		require.Error(t, err)

		provider.err = nil
		vec, err := g.EmbedQuery(context.Background(), "q")
		require.NoError(t, err)
		assert.NotNil(t, vec)
	})
}

func TestSplitChunks(t *testing.T) {
	t.Run("at threshold single chunk", func(t *testing.T) {
		chunks := splitChunks(strings.Repeat("a", 2000), 2000)
		assert.Len(t, chunks, 1)
	})

	t.Run("one over threshold", func(t *testing.T) {
		chunks := splitChunks(strings.Repeat("a", 2001), 2000)
		require.Len(t, chunks, 2)
		assert.Len(t, chunks[0], 2000)
		assert.Len(t, chunks[1], 1)
	})

	t.Run("reassembles to original", func(t *testing.T) {
		text := strings.Repeat("abc", 1500)
		assert.Equal(t, text, strings.Join(splitChunks(text, 2000), ""))
	})
}

func TestMeanVector(t *testing.T) {
	t.Run("single vector unchanged", func(t *testing.T) {
		v := []float32{1, 2, 3}
		assert.Equal(t, v, meanVector([][]float32{v}))
	})

	t.Run("element-wise mean", func(t *testing.T) {
		mean := meanVector([][]float32{{1, 2}, {3, 4}})
		assert.Equal(t, []float32{2, 3}, mean)
	})

	t.Run("empty is nil", func(t *testing.T) {
		assert.Nil(t, meanVector(nil))
	})
}

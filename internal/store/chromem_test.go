package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/namespace"
)

func newTestChromemStore(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore(ChromemConfig{Path: t.TempDir(), VectorSize: 3}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Embeddings here are unit vectors: chromem normalizes on write, so anything
// else would not round-trip byte for byte.

func TestChromemSelect(t *testing.T) {
	ctx := context.Background()
	s := newTestChromemStore(t)
	ns := testNamespace(t)
	require.NoError(t, s.Upsert(ctx, ns, sampleDocs(), 100, true))

	t.Run("requires ids or hashes", func(t *testing.T) {
		_, err := s.Select(ctx, ns, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidSelect)
	})

	t.Run("by id", func(t *testing.T) {
		docs, err := s.Select(ctx, ns, []string{"a"}, nil)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "alpha", docs[0].Data)
		assert.Equal(t, "hash-a", docs[0].Hash)
	})

	t.Run("by hash", func(t *testing.T) {
		docs, err := s.Select(ctx, ns, nil, []string{"hash-b"})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "b", docs[0].ID)
	})

	t.Run("id and hash of same document deduplicated", func(t *testing.T) {
		docs, err := s.Select(ctx, ns, []string{"a"}, []string{"hash-a"})
		require.NoError(t, err)
		assert.Len(t, docs, 1)
	})

	t.Run("unknown keys absent not error", func(t *testing.T) {
		docs, err := s.Select(ctx, ns, []string{"missing"}, []string{"no-such-hash"})
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("never created namespace", func(t *testing.T) {
		other, err := namespace.Resolve("tenant-9", "void")
		require.NoError(t, err)
		docs, err := s.Select(ctx, other, []string{"a"}, nil)
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("metadata round trip", func(t *testing.T) {
		docs, err := s.Select(ctx, ns, []string{"c"}, nil)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, map[string]any{"source": "test"}, docs[0].Metadata)
	})
}

func TestChromemSelectProbeFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewChromemStore(ChromemConfig{Path: dir, VectorSize: 3}, zap.NewNop())
	require.NoError(t, err)
	ns := testNamespace(t)
	require.NoError(t, s.Upsert(ctx, ns, sampleDocs(), 100, true))
	require.NoError(t, s.Close())

	// A second handle configured for a different dimension makes the hash
	// probe query fail against the stored vectors. That failure must surface
	// instead of being mistaken for an absent hash.
	wrong, err := NewChromemStore(ChromemConfig{Path: dir, VectorSize: 5}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = wrong.Close() })

	_, err = wrong.Select(ctx, ns, nil, []string{"hash-a"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestChromemUpsert(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent replacement", func(t *testing.T) {
		s := newTestChromemStore(t)
		ns := testNamespace(t)

		doc := Document{ID: "a", Data: "v1", Embedding: []float32{1, 0, 0}, Hash: "h1"}
		require.NoError(t, s.Upsert(ctx, ns, []Document{doc}, 100, true))

		doc.Data = "v2"
		doc.Hash = "h2"
		require.NoError(t, s.Upsert(ctx, ns, []Document{doc}, 100, true))

		docs, err := s.Select(ctx, ns, []string{"a"}, nil)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "v2", docs[0].Data)
		assert.Equal(t, "h2", docs[0].Hash)
	})

	t.Run("dimension mismatch rejected", func(t *testing.T) {
		s := newTestChromemStore(t)
		ns := testNamespace(t)
		doc := Document{ID: "a", Data: "x", Embedding: []float32{1, 0}, Hash: "h"}
		err := s.Upsert(ctx, ns, []Document{doc}, 100, true)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("raw data withheld", func(t *testing.T) {
		s := newTestChromemStore(t)
		ns := testNamespace(t)
		require.NoError(t, s.Upsert(ctx, ns, sampleDocs(), 100, false))

		docs, err := s.Select(ctx, ns, []string{"a"}, nil)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Empty(t, docs[0].Data)
		assert.Equal(t, "hash-a", docs[0].Hash)
	})
}

func TestChromemDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestChromemStore(t)
	ns := testNamespace(t)
	require.NoError(t, s.Upsert(ctx, ns, sampleDocs(), 100, true))

	require.NoError(t, s.Delete(ctx, ns, []string{"a", "never-existed"}))

	docs, err := s.Select(ctx, ns, []string{"a", "b"}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0].ID)

	// Deleting from a namespace that was never created is a no-op.
	other, err := namespace.Resolve("tenant-9", "void")
	require.NoError(t, err)
	assert.NoError(t, s.Delete(ctx, other, []string{"a"}))
}

func TestChromemSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestChromemStore(t)
	ns := testNamespace(t)
	require.NoError(t, s.Upsert(ctx, ns, sampleDocs(), 100, true))

	t.Run("ordered by similarity", func(t *testing.T) {
		matches, err := s.Search(ctx, ns, []float32{1, 0, 0}, 3)
		require.NoError(t, err)
		require.NotEmpty(t, matches)
		assert.Equal(t, "a", matches[0].ID)
		assert.InDelta(t, 1.0, float64(matches[0].Score), 1e-5)
		for i := 1; i < len(matches); i++ {
			assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
		}
	})

	t.Run("top k capped at document count", func(t *testing.T) {
		matches, err := s.Search(ctx, ns, []float32{1, 0, 0}, 50)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(matches), 3)
	})

	t.Run("empty namespace empty result", func(t *testing.T) {
		other, err := namespace.Resolve("tenant-1", "empty")
		require.NoError(t, err)
		matches, err := s.Search(ctx, other, []float32{1, 0, 0}, 5)
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("dimension mismatch rejected", func(t *testing.T) {
		_, err := s.Search(ctx, ns, []float32{1, 0}, 5)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestChromemClear(t *testing.T) {
	ctx := context.Background()
	s := newTestChromemStore(t)
	ns := testNamespace(t)

	// Clearing a namespace that was never created is a no-op.
	require.NoError(t, s.Clear(ctx, ns))

	require.NoError(t, s.Upsert(ctx, ns, sampleDocs(), 100, true))
	require.NoError(t, s.Clear(ctx, ns))

	docs, err := s.Select(ctx, ns, []string{"a", "b", "c"}, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestChromemListDatasets(t *testing.T) {
	ctx := context.Background()
	s := newTestChromemStore(t)

	ns1, _ := namespace.Resolve("tenant-1", "notes")
	ns2, _ := namespace.Resolve("tenant-1", "drafts")
	ns3, _ := namespace.Resolve("tenant-2", "notes")

	require.NoError(t, s.Upsert(ctx, ns1, sampleDocs(), 100, true))
	require.NoError(t, s.Upsert(ctx, ns2, sampleDocs()[:1], 100, true))
	require.NoError(t, s.Upsert(ctx, ns3, sampleDocs()[:2], 100, true))

	t.Run("filtered by tenant", func(t *testing.T) {
		infos, err := s.ListDatasets(ctx, "tenant-1")
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "drafts", infos[0].Dataset)
		assert.Equal(t, 1, infos[0].DocumentCount)
		assert.Equal(t, "notes", infos[1].Dataset)
		assert.Equal(t, 3, infos[1].DocumentCount)
	})

	t.Run("all tenants", func(t *testing.T) {
		infos, err := s.ListDatasets(ctx, "")
		require.NoError(t, err)
		assert.Len(t, infos, 3)
	})

	t.Run("identifiers with reserved characters survive", func(t *testing.T) {
		odd, err := namespace.Resolve("org/team", "2024/q1")
		require.NoError(t, err)
		require.NoError(t, s.Upsert(ctx, odd, sampleDocs()[:1], 100, true))

		infos, err := s.ListDatasets(ctx, "org/team")
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "2024/q1", infos[0].Dataset)
	})
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/embedder"
	"github.com/fyrsmithlabs/indexd/internal/hashing"
	"github.com/fyrsmithlabs/indexd/internal/namespace"
	"github.com/fyrsmithlabs/indexd/internal/store"
)

// fakeStore is an in-memory Store that records call counts.
type fakeStore struct {
	docs       map[string]map[string]store.Document // namespace key -> id -> doc
	selects    int
	upserts    int
	lastTopK   int
	failUpsert error
	failSelect error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]map[string]store.Document)}
}

func (f *fakeStore) bucket(ns namespace.Namespace) map[string]store.Document {
	b, ok := f.docs[ns.Key()]
	if !ok {
		b = make(map[string]store.Document)
		f.docs[ns.Key()] = b
	}
	return b
}

func (f *fakeStore) Select(_ context.Context, ns namespace.Namespace, ids, hashes []string) ([]store.Document, error) {
	f.selects++
	if f.failSelect != nil {
		return nil, f.failSelect
	}
	if len(ids) == 0 && len(hashes) == 0 {
		return nil, store.ErrInvalidSelect
	}
	var out []store.Document
	seen := make(map[string]bool)
	for _, id := range ids {
		if doc, ok := f.bucket(ns)[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, doc)
		}
	}
	for _, h := range hashes {
		for id, doc := range f.bucket(ns) {
			if doc.Hash == h && !seen[id] {
				seen[id] = true
				out = append(out, doc)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Upsert(_ context.Context, ns namespace.Namespace, docs []store.Document, _ int, storeRawData bool) error {
	f.upserts++
	if f.failUpsert != nil {
		return f.failUpsert
	}
	for _, doc := range docs {
		if !storeRawData {
			doc.Data = ""
		}
		f.bucket(ns)[doc.ID] = doc
	}
	return nil
}

func (f *fakeStore) Delete(_ context.Context, ns namespace.Namespace, ids []string) error {
	for _, id := range ids {
		delete(f.bucket(ns), id)
	}
	return nil
}

func (f *fakeStore) Search(_ context.Context, ns namespace.Namespace, _ []float32, topK int) ([]store.Match, error) {
	f.lastTopK = topK
	var matches []store.Match
	for _, doc := range f.bucket(ns) {
		matches = append(matches, store.Match{ID: doc.ID, Data: doc.Data, Score: 1, Hash: doc.Hash})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (f *fakeStore) Clear(_ context.Context, ns namespace.Namespace) error {
	delete(f.docs, ns.Key())
	return nil
}

func (f *fakeStore) ListDatasets(_ context.Context, tenant string) ([]store.DatasetInfo, error) {
	var infos []store.DatasetInfo
	for key, bucket := range f.docs {
		ns, err := namespace.ParseKey(key)
		if err != nil {
			return nil, err
		}
		if tenant != "" && ns.Tenant != tenant {
			continue
		}
		infos = append(infos, store.DatasetInfo{Dataset: ns.Dataset, Tenant: ns.Tenant, DocumentCount: len(bucket)})
	}
	return infos, nil
}

func (f *fakeStore) Close() error { return nil }

var _ store.Store = (*fakeStore)(nil)

// fakeEmbedder counts provider calls and returns deterministic vectors.
type fakeEmbedder struct {
	documentCalls int
	queryCalls    int
	err           error
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.documentCalls++
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = []float32{float32(len(text)), 1}
	}
	return vectors, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.queryCalls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func newTestService(t *testing.T, st store.Store, emb Embedder, cfg Config) *Service {
	t.Helper()
	svc, err := NewService(st, emb, cfg, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func ingestNamespace(t *testing.T) namespace.Namespace {
	t.Helper()
	ns, err := namespace.Resolve("tenant-1", "notes")
	require.NoError(t, err)
	return ns
}

func TestIngestSynthesizesIDs(t *testing.T) {
	st := newFakeStore()
	emb := &fakeEmbedder{}
	svc := newTestService(t, st, emb, Config{StoreRawData: true})
	ns := ingestNamespace(t)

	result, err := svc.Ingest(context.Background(), ns, []DocumentInput{
		{Data: "first document"},
		{Data: "second document"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 0, result.Skipped)
	require.Len(t, result.Documents, 2)
	for _, doc := range result.Documents {
		assert.Len(t, doc.ID, 64, "synthesized ids are hex digests")
		assert.Len(t, doc.Hash, 64)
		assert.NotEmpty(t, doc.Embedding)
	}
	assert.Equal(t, 1, emb.documentCalls, "one gateway call per request")
}

func TestIngestReportsEmbeddings(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(t, st, &fakeEmbedder{}, Config{StoreRawData: true})
	ns := ingestNamespace(t)

	result, err := svc.Ingest(context.Background(), ns, []DocumentInput{
		{ID: "doc-1", Data: "hello world"},
	})
	require.NoError(t, err)

	require.Len(t, result.Documents, 1)
	doc := result.Documents[0]
	assert.Equal(t, "hello world", doc.Data)
	assert.Equal(t, []float32{11, 1}, doc.Embedding)
	assert.Equal(t, hashing.Sum("hello world"), doc.Hash)

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"embedding"`)
	assert.Contains(t, string(raw), `"data"`)
}

func TestIngestContentDedup(t *testing.T) {
	st := newFakeStore()
	emb := &fakeEmbedder{}
	svc := newTestService(t, st, emb, Config{StoreRawData: true})
	ns := ingestNamespace(t)

	first, err := svc.Ingest(context.Background(), ns, []DocumentInput{{Data: "same content"}})
	require.NoError(t, err)
	require.Equal(t, 1, first.Added)

	// Re-submitting identical content must not re-embed or rewrite, and the
	// skipped document stays out of the results list.
	second, err := svc.Ingest(context.Background(), ns, []DocumentInput{{Data: "same content"}})
	require.NoError(t, err)

	assert.Equal(t, 0, second.Added)
	assert.Equal(t, 1, second.Skipped)
	assert.Empty(t, second.Documents)
	assert.Equal(t, 1, emb.documentCalls)
	assert.Equal(t, 1, st.upserts)
	assert.Len(t, st.bucket(ns), 1)
}

func TestIngestDuplicateContentWithinRequest(t *testing.T) {
	st := newFakeStore()
	emb := &fakeEmbedder{}
	svc := newTestService(t, st, emb, Config{StoreRawData: true})
	ns := ingestNamespace(t)

	result, err := svc.Ingest(context.Background(), ns, []DocumentInput{
		{Data: "duplicate"},
		{Data: "duplicate"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Added)
	assert.Len(t, st.bucket(ns), 1)
}

func TestIngestByIDChangeDetection(t *testing.T) {
	st := newFakeStore()
	emb := &fakeEmbedder{}
	svc := newTestService(t, st, emb, Config{StoreRawData: true})
	ns := ingestNamespace(t)

	_, err := svc.Ingest(context.Background(), ns, []DocumentInput{
		{ID: "doc-1", Data: "version one"},
		{ID: "doc-2", Data: "stable"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, emb.documentCalls)

	// doc-1 changed, doc-2 did not.
	result, err := svc.Ingest(context.Background(), ns, []DocumentInput{
		{ID: "doc-1", Data: "version two"},
		{ID: "doc-2", Data: "stable"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 2, emb.documentCalls)

	// Only the rewritten document appears in the results.
	require.Len(t, result.Documents, 1)
	assert.Equal(t, "doc-1", result.Documents[0].ID)

	stored := st.bucket(ns)[namespace.EncodeID("doc-1")]
	assert.Equal(t, hashing.Sum("version two"), stored.Hash)
}

func TestIngestMixedIDsSkipsLookup(t *testing.T) {
	st := newFakeStore()
	emb := &fakeEmbedder{}
	svc := newTestService(t, st, emb, Config{StoreRawData: true})
	ns := ingestNamespace(t)

	result, err := svc.Ingest(context.Background(), ns, []DocumentInput{
		{ID: "doc-1", Data: "has id"},
		{Data: "no id"},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, st.selects, "mixed batches perform no dedup lookup")
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 0, result.Skipped)
}

func TestIngestValidation(t *testing.T) {
	ns := ingestNamespace(t)

	t.Run("empty documents filtered", func(t *testing.T) {
		st := newFakeStore()
		svc := newTestService(t, st, &fakeEmbedder{}, Config{StoreRawData: true})

		result, err := svc.Ingest(context.Background(), ns, []DocumentInput{
			{Data: ""},
			{Data: "real"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Added)
	})

	t.Run("all empty yields empty result", func(t *testing.T) {
		st := newFakeStore()
		emb := &fakeEmbedder{}
		svc := newTestService(t, st, emb, Config{StoreRawData: true})

		result, err := svc.Ingest(context.Background(), ns, []DocumentInput{{Data: ""}})
		require.NoError(t, err)
		assert.NotNil(t, result.Documents, "results serialize as an empty list")
		assert.Empty(t, result.Documents)
		assert.Equal(t, 0, result.Added)
		assert.Equal(t, 0, result.Skipped)
		assert.Equal(t, 0, st.selects, "empty batches make no store calls")
		assert.Equal(t, 0, st.upserts)
		assert.Equal(t, 0, emb.documentCalls)
	})

	t.Run("no documents yields empty result", func(t *testing.T) {
		st := newFakeStore()
		svc := newTestService(t, st, &fakeEmbedder{}, Config{StoreRawData: true})

		result, err := svc.Ingest(context.Background(), ns, nil)
		require.NoError(t, err)
		assert.Empty(t, result.Documents)
	})

	t.Run("oversized document rejected", func(t *testing.T) {
		st := newFakeStore()
		svc := newTestService(t, st, &fakeEmbedder{}, Config{MaxDocumentLength: 10, StoreRawData: true})

		_, err := svc.Ingest(context.Background(), ns, []DocumentInput{
			{Data: strings.Repeat("x", 11)},
		})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestIngestErrorPropagation(t *testing.T) {
	ns := ingestNamespace(t)

	t.Run("embedder failure", func(t *testing.T) {
		st := newFakeStore()
		emb := &fakeEmbedder{err: fmt.Errorf("%w: down", embedder.ErrProviderUnavailable)}
		svc := newTestService(t, st, emb, Config{StoreRawData: true})

		_, err := svc.Ingest(context.Background(), ns, []DocumentInput{{Data: "doc"}})
		assert.ErrorIs(t, err, embedder.ErrProviderUnavailable)
		assert.Equal(t, 0, st.upserts)
	})

	t.Run("store failure", func(t *testing.T) {
		st := newFakeStore()
		st.failUpsert = fmt.Errorf("%w: down", store.ErrUnavailable)
		svc := newTestService(t, st, &fakeEmbedder{}, Config{StoreRawData: true})

		_, err := svc.Ingest(context.Background(), ns, []DocumentInput{{Data: "doc"}})
		assert.ErrorIs(t, err, store.ErrUnavailable)
	})

	t.Run("dedup lookup failure", func(t *testing.T) {
		st := newFakeStore()
		st.failSelect = fmt.Errorf("%w: down", store.ErrUnavailable)
		svc := newTestService(t, st, &fakeEmbedder{}, Config{StoreRawData: true})

		_, err := svc.Ingest(context.Background(), ns, []DocumentInput{{Data: "doc"}})
		assert.ErrorIs(t, err, store.ErrUnavailable)
	})
}

func TestIngestReservedCharacterIDs(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(t, st, &fakeEmbedder{}, Config{StoreRawData: true})
	ns := ingestNamespace(t)

	result, err := svc.Ingest(context.Background(), ns, []DocumentInput{
		{ID: "path/to/doc %1", Data: "content"},
	})
	require.NoError(t, err)
	assert.Equal(t, "path/to/doc %1", result.Documents[0].ID)

	// The store only ever sees the encoded form.
	_, rawPresent := st.bucket(ns)["path/to/doc %1"]
	assert.False(t, rawPresent)
	_, encodedPresent := st.bucket(ns)[namespace.EncodeID("path/to/doc %1")]
	assert.True(t, encodedPresent)

	// Resubmitting the same document is detected as unchanged.
	again, err := svc.Ingest(context.Background(), ns, []DocumentInput{
		{ID: "path/to/doc %1", Data: "content"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Skipped)
	assert.Empty(t, again.Documents)
}

func TestSearch(t *testing.T) {
	ns := ingestNamespace(t)

	t.Run("empty query rejected", func(t *testing.T) {
		svc := newTestService(t, newFakeStore(), &fakeEmbedder{}, Config{StoreRawData: true})
		_, err := svc.Search(context.Background(), ns, "", 5)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("ids decoded on the way out", func(t *testing.T) {
		st := newFakeStore()
		emb := &fakeEmbedder{}
		svc := newTestService(t, st, emb, Config{StoreRawData: true})

		_, err := svc.Ingest(context.Background(), ns, []DocumentInput{
			{ID: "a/b", Data: "content"},
		})
		require.NoError(t, err)

		matches, err := svc.Search(context.Background(), ns, "query", 5)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "a/b", matches[0].ID)
		assert.Equal(t, 1, emb.queryCalls)
	})

	t.Run("embedder failure propagates", func(t *testing.T) {
		emb := &fakeEmbedder{err: fmt.Errorf("%w: down", embedder.ErrProviderUnavailable)}
		svc := newTestService(t, newFakeStore(), emb, Config{StoreRawData: true})
		_, err := svc.Search(context.Background(), ns, "query", 5)
		assert.ErrorIs(t, err, embedder.ErrProviderUnavailable)
	})

	t.Run("large top_k reaches the store uncapped", func(t *testing.T) {
		st := newFakeStore()
		svc := newTestService(t, st, &fakeEmbedder{}, Config{StoreRawData: true})

		_, err := svc.Ingest(context.Background(), ns, []DocumentInput{{Data: "content"}})
		require.NoError(t, err)

		_, err = svc.Search(context.Background(), ns, "query", 200)
		require.NoError(t, err)
		assert.Equal(t, 200, st.lastTopK)
	})
}

func TestDelete(t *testing.T) {
	ns := ingestNamespace(t)

	t.Run("requires ids", func(t *testing.T) {
		svc := newTestService(t, newFakeStore(), &fakeEmbedder{}, Config{StoreRawData: true})
		err := svc.Delete(context.Background(), ns, nil)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("deletes by encoded id", func(t *testing.T) {
		st := newFakeStore()
		svc := newTestService(t, st, &fakeEmbedder{}, Config{StoreRawData: true})

		_, err := svc.Ingest(context.Background(), ns, []DocumentInput{
			{ID: "a/b", Data: "content"},
		})
		require.NoError(t, err)

		require.NoError(t, svc.Delete(context.Background(), ns, []string{"a/b"}))
		assert.Empty(t, st.bucket(ns))
	})
}

func TestClearAndListDatasets(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(t, st, &fakeEmbedder{}, Config{StoreRawData: true})
	ns := ingestNamespace(t)

	_, err := svc.Ingest(context.Background(), ns, []DocumentInput{{Data: "doc"}})
	require.NoError(t, err)

	infos, err := svc.ListDatasets(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "notes", infos[0].Dataset)

	require.NoError(t, svc.Clear(context.Background(), ns))

	infos, err = svc.ListDatasets(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, 100, cfg.BatchSize)
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/namespace"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("indexd.store.chromem")

// metadataKeyHash carries the content hash in chromem document metadata so
// hash lookups can use a where filter.
const metadataKeyHash = "hash"

// metadataKeyUser carries the client-supplied metadata map, JSON-encoded,
// since chromem metadata values are strings.
const metadataKeyUser = "metadata"

// ChromemConfig holds configuration for the chromem-go embedded backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.config/indexd/store"
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the expected embedding dimension.
	// Must match the embedder's output dimension.
	// Default: 1536
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/indexd/store"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 1536
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go, an embeddable pure-Go
// vector database with gob-file persistence.
//
// Each namespace maps to its own collection (see namespace.CollectionName),
// so tenant isolation is structural rather than filter-based. Writes persist
// synchronously, giving read-after-write consistency.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

// NewChromemStore creates a ChromemStore with persistent storage at the
// configured path.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: creating chromem DB: %v", ErrUnavailable, err)
	}

	logger.Info("chromem store initialized",
		zap.String("path", path),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return &ChromemStore{db: db, config: config, logger: logger}, nil
}

// Close is a no-op; chromem-go persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}

// embeddingFunc is passed wherever chromem requires one. Every code path
// supplies embeddings explicitly, so invoking it is a bug. Passing nil is
// not an option: chromem-go silently substitutes its OpenAI default.
func embeddingFunc(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("store does not embed; vectors must be precomputed")
}

// collection returns the namespace's collection, or nil when it was never
// created.
func (s *ChromemStore) collection(ns namespace.Namespace) *chromem.Collection {
	return s.db.GetCollection(ns.CollectionName(), embeddingFunc)
}

// Select fetches documents by ids and/or hashes.
//
// Id lookups use direct retrieval. Hash lookups have no native scan in
// chromem, so each hash is probed with a one-result filtered query using a
// unit basis vector; any hit is then fetched by id. A hash matching nothing
// yields an empty query result, not an error, so unknown keys stay silent
// while real query failures surface as ErrUnavailable.
func (s *ChromemStore) Select(ctx context.Context, ns namespace.Namespace, ids, hashes []string) ([]Document, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Select")
	defer span.End()

	span.SetAttributes(
		attribute.Int("id_count", len(ids)),
		attribute.Int("hash_count", len(hashes)),
	)

	if len(ids) == 0 && len(hashes) == 0 {
		return nil, ErrInvalidSelect
	}

	collection := s.collection(ns)
	if collection == nil || collection.Count() == 0 {
		span.SetStatus(codes.Ok, "empty namespace")
		return nil, nil
	}

	var docs []Document
	seen := make(map[string]bool)

	for _, id := range ids {
		cdoc, err := collection.GetByID(ctx, id)
		if err != nil {
			// GetByID fails only for unknown ids.
			continue
		}
		if !seen[cdoc.ID] {
			seen[cdoc.ID] = true
			docs = append(docs, fromChromemDocument(cdoc))
		}
	}

	probe := make([]float32, s.config.VectorSize)
	probe[0] = 1
	for _, h := range hashes {
		results, err := collection.QueryEmbedding(ctx, probe, 1, map[string]string{metadataKeyHash: h}, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: probing hash: %v", ErrUnavailable, err)
		}
		if len(results) == 0 {
			continue // no document with this hash
		}
		cdoc, err := collection.GetByID(ctx, results[0].ID)
		if err != nil {
			// Deleted between probe and fetch; absent either way.
			continue
		}
		if !seen[cdoc.ID] {
			seen[cdoc.ID] = true
			docs = append(docs, fromChromemDocument(cdoc))
		}
	}

	span.SetAttributes(attribute.Int("documents_found", len(docs)))
	span.SetStatus(codes.Ok, "success")
	return docs, nil
}

// Upsert inserts or replaces documents in batches.
func (s *ChromemStore) Upsert(ctx context.Context, ns namespace.Namespace, docs []Document, batchSize int, storeRawData bool) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()

	span.SetAttributes(
		attribute.Int("document_count", len(docs)),
		attribute.Int("batch_size", batchSize),
	)

	if len(docs) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = len(docs)
	}

	collection, err := s.db.GetOrCreateCollection(ns.CollectionName(), nil, embeddingFunc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: getting collection: %v", ErrUnavailable, err)
	}

	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}

		batch := make([]chromem.Document, 0, end-start)
		for _, doc := range docs[start:end] {
			if len(doc.Embedding) != s.config.VectorSize {
				return fmt.Errorf("%w: document %s has dimension %d, want %d",
					ErrDimensionMismatch, doc.ID, len(doc.Embedding), s.config.VectorSize)
			}
			cdoc, err := toChromemDocument(doc, storeRawData)
			if err != nil {
				return err
			}
			batch = append(batch, cdoc)
		}

		// Concurrency of 1: embeddings are precomputed, nothing to parallelize.
		if err := collection.AddDocuments(ctx, batch, 1); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("%w: adding documents: %v", ErrUnavailable, err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted documents",
		zap.String("namespace", ns.Key()),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Delete removes documents by id. Missing ids are no-ops.
func (s *ChromemStore) Delete(ctx context.Context, ns namespace.Namespace, ids []string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()

	span.SetAttributes(attribute.Int("id_count", len(ids)))

	if len(ids) == 0 {
		return nil
	}

	collection := s.collection(ns)
	if collection == nil {
		span.SetStatus(codes.Ok, "empty namespace")
		return nil
	}

	for _, id := range ids {
		if err := collection.Delete(ctx, nil, nil, id); err != nil {
			// chromem returns an error only on real failures, not missing ids
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("%w: deleting %s: %v", ErrUnavailable, id, err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search performs similarity search over the namespace.
func (s *ChromemStore) Search(ctx context.Context, ns namespace.Namespace, vector []float32, topK int) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()

	span.SetAttributes(attribute.Int("top_k", topK))

	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if len(vector) != s.config.VectorSize {
		return nil, fmt.Errorf("%w: query has dimension %d, want %d",
			ErrDimensionMismatch, len(vector), s.config.VectorSize)
	}

	collection := s.collection(ns)
	if collection == nil {
		span.SetStatus(codes.Ok, "empty namespace")
		return []Match{}, nil
	}

	// chromem requires nResults <= document count.
	count := collection.Count()
	if count == 0 {
		span.SetStatus(codes.Ok, "empty namespace")
		return []Match{}, nil
	}
	if topK > count {
		topK = count
	}

	results, err := collection.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		meta, err := decodeChromemMetadata(r.Metadata)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		matches = append(matches, Match{
			ID:        r.ID,
			Data:      r.Content,
			Score:     r.Similarity,
			Hash:      r.Metadata[metadataKeyHash],
			Embedding: r.Embedding,
			Metadata:  meta,
		})
	}

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Clear deletes the namespace's collection and all its documents.
func (s *ChromemStore) Clear(ctx context.Context, ns namespace.Namespace) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Clear")
	defer span.End()

	if s.collection(ns) == nil {
		span.SetStatus(codes.Ok, "empty namespace")
		return nil
	}

	if err := s.db.DeleteCollection(ns.CollectionName()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: deleting collection: %v", ErrUnavailable, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("cleared namespace", zap.String("namespace", ns.Key()))
	return nil
}

// ListDatasets reports per-dataset document counts by decoding collection
// names back into namespaces.
func (s *ChromemStore) ListDatasets(ctx context.Context, tenant string) ([]DatasetInfo, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.ListDatasets")
	defer span.End()

	var infos []DatasetInfo
	for name, collection := range s.db.ListCollections() {
		ns, err := namespace.ParseCollectionName(name)
		if err != nil {
			// Not one of ours; skip rather than fail the listing.
			s.logger.Warn("skipping unrecognized collection", zap.String("collection", name))
			continue
		}
		if tenant != "" && ns.Tenant != tenant {
			continue
		}
		infos = append(infos, DatasetInfo{
			Dataset:       ns.Dataset,
			Tenant:        ns.Tenant,
			DocumentCount: collection.Count(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Tenant != infos[j].Tenant {
			return infos[i].Tenant < infos[j].Tenant
		}
		return infos[i].Dataset < infos[j].Dataset
	})

	span.SetAttributes(attribute.Int("dataset_count", len(infos)))
	span.SetStatus(codes.Ok, "success")
	return infos, nil
}

// toChromemDocument converts a Document to chromem's format. The hash rides
// in metadata; the client metadata map is JSON-encoded under its own key.
func toChromemDocument(doc Document, storeRawData bool) (chromem.Document, error) {
	meta := map[string]string{metadataKeyHash: doc.Hash}
	if doc.Metadata != nil {
		raw, err := json.Marshal(doc.Metadata)
		if err != nil {
			return chromem.Document{}, fmt.Errorf("encoding metadata for %s: %w", doc.ID, err)
		}
		meta[metadataKeyUser] = string(raw)
	}

	content := doc.Data
	if !storeRawData {
		content = ""
	}

	return chromem.Document{
		ID:        doc.ID,
		Content:   content,
		Metadata:  meta,
		Embedding: doc.Embedding,
	}, nil
}

// fromChromemDocument is the inverse of toChromemDocument.
func fromChromemDocument(cdoc chromem.Document) Document {
	meta, err := decodeChromemMetadata(cdoc.Metadata)
	if err != nil {
		meta = nil
	}
	return Document{
		ID:        cdoc.ID,
		Data:      cdoc.Content,
		Embedding: cdoc.Embedding,
		Hash:      cdoc.Metadata[metadataKeyHash],
		Metadata:  meta,
	}
}

// decodeChromemMetadata extracts the client metadata map.
func decodeChromemMetadata(meta map[string]string) (map[string]any, error) {
	raw, ok := meta[metadataKeyUser]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return decoded, nil
}

// Ensure ChromemStore implements Store.
var _ Store = (*ChromemStore)(nil)

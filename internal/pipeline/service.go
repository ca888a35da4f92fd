// Package pipeline implements document ingestion and semantic search on top
// of the embedder gateway and the vector store.
//
// Ingestion is content-addressed: each document's SHA-256 hash decides
// whether it needs re-embedding. Unchanged documents are skipped entirely,
// never re-embedded and never rewritten.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/hashing"
	"github.com/fyrsmithlabs/indexd/internal/namespace"
	"github.com/fyrsmithlabs/indexd/internal/store"
)

var tracer = otel.Tracer("indexd.pipeline")

// Config holds pipeline configuration.
type Config struct {
	// BatchSize is the number of documents per store write.
	// Default: 100
	BatchSize int

	// MaxDocumentLength rejects documents longer than this many bytes.
	// Zero disables the limit.
	MaxDocumentLength int

	// StoreRawData controls whether raw document text is persisted.
	// Default: true
	StoreRawData bool
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
}

// DocumentInput is one document submitted for ingestion.
type DocumentInput struct {
	// ID is the caller-chosen identifier. Empty means the pipeline
	// synthesizes one.
	ID string

	// Data is the raw document text.
	Data string

	// Metadata carries optional key-value pairs stored alongside the
	// document.
	Metadata map[string]any
}

// IngestedDocument reports one document that was embedded and written.
type IngestedDocument struct {
	ID        string         `json:"id"`
	Data      string         `json:"data"`
	Embedding []float32      `json:"embedding"`
	Hash      string         `json:"hash"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IngestResult is the outcome of one ingestion request.
//
// Documents lists only the documents written by this request; callers
// observe deduplicated documents by their absence and the Skipped counter.
type IngestResult struct {
	Documents []IngestedDocument `json:"results"`
	Added     int                `json:"added"`
	Skipped   int                `json:"skipped"`
}

// Service wires the embedder gateway and the vector store into the
// ingestion and search operations.
type Service struct {
	store    store.Store
	embedder Embedder
	config   Config
	logger   *zap.Logger
}

// Embedder is the slice of the gateway the pipeline needs.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// NewService creates a pipeline service.
func NewService(st store.Store, embedder Embedder, config Config, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Service{store: st, embedder: embedder, config: config, logger: logger}, nil
}

// candidate is a document that survived validation.
type candidate struct {
	input DocumentInput
	hash  string
}

// Ingest runs the ingestion pipeline for one namespace.
//
// Documents with empty data are dropped up front. The surviving candidates
// are hashed, deduplicated against the store, embedded in one gateway call,
// and upserted in fixed-size batches. Batches commit in submission order
// with no cross-batch rollback, so a failure can leave a prefix of the
// request persisted; re-submitting is safe because unchanged documents are
// skipped and writes replace by id.
func (s *Service) Ingest(ctx context.Context, ns namespace.Namespace, inputs []DocumentInput) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "Service.Ingest")
	defer span.End()

	span.SetAttributes(
		attribute.String("namespace", ns.Key()),
		attribute.Int("input_count", len(inputs)),
	)

	start := time.Now()

	candidates, err := s.validate(inputs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(candidates) == 0 {
		// Nothing survived validation; no store or embedder calls.
		span.SetStatus(codes.Ok, "empty batch")
		return &IngestResult{Documents: []IngestedDocument{}}, nil
	}

	toEmbed, skipped, err := s.dedup(ctx, ns, candidates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &IngestResult{Documents: []IngestedDocument{}, Skipped: skipped}

	if len(toEmbed) > 0 {
		texts := make([]string, len(toEmbed))
		for i, c := range toEmbed {
			texts[i] = c.input.Data
		}

		vectors, err := s.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("embedding documents: %w", err)
		}

		docs := make([]store.Document, len(toEmbed))
		for i, c := range toEmbed {
			id := c.input.ID
			if id == "" {
				id = hashing.NewDocumentID()
			}
			docs[i] = store.Document{
				ID:        namespace.EncodeID(id),
				Data:      c.input.Data,
				Embedding: vectors[i],
				Hash:      c.hash,
				Metadata:  c.input.Metadata,
			}
			result.Documents = append(result.Documents, IngestedDocument{
				ID:        id,
				Data:      c.input.Data,
				Embedding: vectors[i],
				Hash:      c.hash,
				Metadata:  c.input.Metadata,
			})
		}

		if err := s.store.Upsert(ctx, ns, docs, s.config.BatchSize, s.config.StoreRawData); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("upserting documents: %w", err)
		}
		result.Added = len(docs)
	}

	span.SetAttributes(
		attribute.Int("added", result.Added),
		attribute.Int("skipped", result.Skipped),
	)
	span.SetStatus(codes.Ok, "success")

	s.logger.Info("ingested documents",
		zap.String("namespace", ns.Key()),
		zap.Int("added", result.Added),
		zap.Int("skipped", result.Skipped),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// validate filters empty documents and enforces the length limit.
func (s *Service) validate(inputs []DocumentInput) ([]candidate, error) {
	candidates := make([]candidate, 0, len(inputs))
	for i, in := range inputs {
		if in.Data == "" {
			continue
		}
		if s.config.MaxDocumentLength > 0 && len(in.Data) > s.config.MaxDocumentLength {
			return nil, fmt.Errorf("%w: document %d exceeds maximum length of %d bytes",
				ErrValidation, i, s.config.MaxDocumentLength)
		}
		candidates = append(candidates, candidate{input: in, hash: hashing.Sum(in.Data)})
	}
	return candidates, nil
}

// dedup returns the candidates needing embedding and the count of those
// already present unchanged.
//
// Two lookup strategies exist and they never mix:
//   - every candidate carries an id: fetch by id, skip candidates whose
//     stored hash equals the new hash
//   - no candidate carries an id: fetch by hash, skip candidates whose
//     content already exists under any id
//
// A request mixing documents with and without ids skips the lookup and
// embeds everything; upserts remain idempotent by id so correctness is
// unaffected, only efficiency.
func (s *Service) dedup(ctx context.Context, ns namespace.Namespace, candidates []candidate) ([]candidate, int, error) {
	withID := 0
	for _, c := range candidates {
		if c.input.ID != "" {
			withID++
		}
	}

	switch {
	case withID == len(candidates):
		return s.dedupByID(ctx, ns, candidates)
	case withID == 0:
		return s.dedupByHash(ctx, ns, candidates)
	default:
		return candidates, 0, nil
	}
}

func (s *Service) dedupByID(ctx context.Context, ns namespace.Namespace, candidates []candidate) ([]candidate, int, error) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = namespace.EncodeID(c.input.ID)
	}

	existing, err := s.store.Select(ctx, ns, ids, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("selecting by id: %w", err)
	}

	hashByID := make(map[string]string, len(existing))
	for _, doc := range existing {
		hashByID[namespace.DecodeID(doc.ID)] = doc.Hash
	}

	var (
		toEmbed []candidate
		skipped int
	)
	for _, c := range candidates {
		if hashByID[c.input.ID] == c.hash {
			skipped++
			continue
		}
		toEmbed = append(toEmbed, c)
	}
	return toEmbed, skipped, nil
}

func (s *Service) dedupByHash(ctx context.Context, ns namespace.Namespace, candidates []candidate) ([]candidate, int, error) {
	// Identical content submitted twice in one request would otherwise be
	// stored twice under distinct synthesized ids.
	unique := make([]candidate, 0, len(candidates))
	seenHash := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seenHash[c.hash] {
			continue
		}
		seenHash[c.hash] = true
		unique = append(unique, c)
	}

	hashes := make([]string, len(unique))
	for i, c := range unique {
		hashes[i] = c.hash
	}

	existing, err := s.store.Select(ctx, ns, nil, hashes)
	if err != nil {
		return nil, 0, fmt.Errorf("selecting by hash: %w", err)
	}

	existingHash := make(map[string]bool, len(existing))
	for _, doc := range existing {
		existingHash[doc.Hash] = true
	}

	var (
		toEmbed []candidate
		skipped int
	)
	for _, c := range unique {
		if existingHash[c.hash] {
			skipped++
			continue
		}
		toEmbed = append(toEmbed, c)
	}
	return toEmbed, skipped, nil
}

// Delete removes documents by id.
func (s *Service) Delete(ctx context.Context, ns namespace.Namespace, ids []string) error {
	ctx, span := tracer.Start(ctx, "Service.Delete")
	defer span.End()

	span.SetAttributes(
		attribute.String("namespace", ns.Key()),
		attribute.Int("id_count", len(ids)),
	)

	if len(ids) == 0 {
		span.SetStatus(codes.Error, "no ids")
		return fmt.Errorf("%w: ids must not be empty", ErrValidation)
	}

	encoded := make([]string, len(ids))
	for i, id := range ids {
		encoded[i] = namespace.EncodeID(id)
	}

	if err := s.store.Delete(ctx, ns, encoded); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("deleted documents",
		zap.String("namespace", ns.Key()),
		zap.Int("count", len(ids)),
	)
	return nil
}

// Clear removes every document in the namespace.
func (s *Service) Clear(ctx context.Context, ns namespace.Namespace) error {
	ctx, span := tracer.Start(ctx, "Service.Clear")
	defer span.End()

	span.SetAttributes(attribute.String("namespace", ns.Key()))

	if err := s.store.Clear(ctx, ns); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("clearing namespace: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// ListDatasets reports the datasets visible to tenant.
func (s *Service) ListDatasets(ctx context.Context, tenant string) ([]store.DatasetInfo, error) {
	ctx, span := tracer.Start(ctx, "Service.ListDatasets")
	defer span.End()

	infos, err := s.store.ListDatasets(ctx, tenant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing datasets: %w", err)
	}

	span.SetAttributes(attribute.Int("dataset_count", len(infos)))
	span.SetStatus(codes.Ok, "success")
	return infos, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/indexd/internal/namespace"
)

// qdrantTracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("indexd.store.qdrant")

// Payload field names. Every point carries its namespace key plus the split
// tenant and dataset so both exact-namespace filters and tenant-wide facets
// stay cheap.
const (
	payloadNamespace = "namespace"
	payloadTenant    = "tenant_id"
	payloadDataset   = "dataset_id"
	payloadDocID     = "doc_id"
	payloadHash      = "hash"
	payloadData      = "data"
	payloadMetadata  = "metadata"
)

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port (not the HTTP REST port).
	// Default: 6334
	Port int

	// CollectionName is the single collection all namespaces share.
	// Default: "indexd_documents"
	CollectionName string

	// VectorSize is the embedding dimension. Must match the embedder's
	// output dimension.
	// Default: 1536
	VectorSize uint64

	// SimilarityThreshold is the score floor applied to search results.
	// Default: 0.1
	SimilarityThreshold float32

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// MaxRetries is the retry budget for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per retry.
	// Default: 1s
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionName == "" {
		c.CollectionName = "indexd_documents"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 1536
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.1
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// isTransientQdrantError reports whether a gRPC failure is worth retrying.
func isTransientQdrantError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore implements Store on Qdrant's native gRPC client.
//
// All namespaces share one collection; isolation is enforced by a mandatory
// namespace filter on every read and write. Point ids are derived
// deterministically from (namespace, document id), so repeated upserts of
// the same document replace the same point. Qdrant indexes asynchronously:
// a Select immediately after Upsert may not observe the write.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantStore connects to Qdrant, verifies health, and ensures the shared
// collection exists.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext, enable TLS for production")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting: %v", ErrUnavailable, err)
	}

	store := &QdrantStore{client: client, config: config, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrUnavailable, err)
	}
	if err := store.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant store initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.CollectionName),
		zap.Uint64("vector_size", config.VectorSize),
	)

	return store, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// ensureCollection creates the shared collection if it does not exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.CollectionName)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %v", ErrUnavailable, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.CollectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.config.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection: %v", ErrUnavailable, err)
	}

	s.logger.Info("created qdrant collection", zap.String("collection", s.config.CollectionName))
	return nil
}

// retryOperation retries an operation with exponential backoff on transient
// gRPC failures. Exhausted retries and permanent failures both surface as
// ErrUnavailable since the caller cannot distinguish them usefully.
func (s *QdrantStore) retryOperation(ctx context.Context, name string, operation func() error) error {
	backoff := s.config.RetryBackoff

	var err error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err = operation()
		if err == nil {
			return nil
		}
		if !isTransientQdrantError(err) {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
		}
		if attempt == s.config.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("%w: %s failed after %d retries: %v", ErrUnavailable, name, s.config.MaxRetries, err)
}

// pointID derives the deterministic Qdrant point id for a document. The
// same (namespace, id) always maps to the same point, making upserts
// idempotent replacements.
func pointID(ns namespace.Namespace, docID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(ns.Key()+"/"+docID)).String())
}

// namespaceCondition builds the mandatory isolation filter condition.
func namespaceCondition(ns namespace.Namespace) *qdrant.Condition {
	return keywordCondition(payloadNamespace, ns.Key())
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func keywordsCondition(key string, values []string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
					Keywords: &qdrant.RepeatedStrings{Strings: values},
				}},
			},
		},
	}
}

// Select fetches documents by ids and/or hashes via a filtered scroll.
func (s *QdrantStore) Select(ctx context.Context, ns namespace.Namespace, ids, hashes []string) ([]Document, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Select")
	defer span.End()

	span.SetAttributes(
		attribute.Int("id_count", len(ids)),
		attribute.Int("hash_count", len(hashes)),
	)

	if len(ids) == 0 && len(hashes) == 0 {
		return nil, ErrInvalidSelect
	}

	var keyConds []*qdrant.Condition
	if len(ids) > 0 {
		keyConds = append(keyConds, keywordsCondition(payloadDocID, ids))
	}
	if len(hashes) > 0 {
		keyConds = append(keyConds, keywordsCondition(payloadHash, hashes))
	}

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			namespaceCondition(ns),
			{ConditionOneOf: &qdrant.Condition_Filter{Filter: &qdrant.Filter{Should: keyConds}}},
		},
	}

	points, err := s.scrollAll(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	docs := make([]Document, 0, len(points))
	for _, point := range points {
		doc, err := documentFromPayload(point.GetPayload(), vectorFromOutputs(point.GetVectors()))
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		docs = append(docs, doc)
	}

	span.SetAttributes(attribute.Int("documents_found", len(docs)))
	span.SetStatus(codes.Ok, "success")
	return docs, nil
}

// scrollAll pages through every point matching filter. The client API drops
// the next-page cursor, so pagination restarts from the last seen point id
// and duplicates are skipped.
func (s *QdrantStore) scrollAll(ctx context.Context, filter *qdrant.Filter) ([]*qdrant.RetrievedPoint, error) {
	const pageSize = 256

	var (
		all    []*qdrant.RetrievedPoint
		offset *qdrant.PointId
		seen   = make(map[string]bool)
	)
	for {
		var page []*qdrant.RetrievedPoint
		err := s.retryOperation(ctx, "scroll", func() error {
			res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: s.config.CollectionName,
				Filter:         filter,
				Limit:          qdrant.PtrOf(uint32(pageSize)),
				Offset:         offset,
				WithPayload:    qdrant.NewWithPayload(true),
				WithVectors:    qdrant.NewWithVectors(true),
			})
			if err != nil {
				return err
			}
			page = res
			return nil
		})
		if err != nil {
			return nil, err
		}

		added := 0
		for _, point := range page {
			key := point.GetId().GetUuid()
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, point)
			added++
		}
		if len(page) < pageSize || added == 0 {
			return all, nil
		}
		offset = page[len(page)-1].GetId()
	}
}

// Upsert inserts or replaces documents in batches.
func (s *QdrantStore) Upsert(ctx context.Context, ns namespace.Namespace, docs []Document, batchSize int, storeRawData bool) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
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

	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}

		points := make([]*qdrant.PointStruct, 0, end-start)
		for _, doc := range docs[start:end] {
			if int(s.config.VectorSize) != len(doc.Embedding) {
				return fmt.Errorf("%w: document %s has dimension %d, want %d",
					ErrDimensionMismatch, doc.ID, len(doc.Embedding), s.config.VectorSize)
			}
			payload, err := payloadFromDocument(ns, doc, storeRawData)
			if err != nil {
				return err
			}
			points = append(points, &qdrant.PointStruct{
				Id:      pointID(ns, doc.ID),
				Vectors: qdrant.NewVectors(doc.Embedding...),
				Payload: payload,
			})
		}

		err := s.retryOperation(ctx, "upsert", func() error {
			_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: s.config.CollectionName,
				Points:         points,
				Wait:           qdrant.PtrOf(true),
			})
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
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
func (s *QdrantStore) Delete(ctx context.Context, ns namespace.Namespace, ids []string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()

	span.SetAttributes(attribute.Int("id_count", len(ids)))

	if len(ids) == 0 {
		return nil
	}

	err := s.deleteByFilter(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{
			namespaceCondition(ns),
			keywordsCondition(payloadDocID, ids),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search performs similarity search over the namespace with the configured
// score floor.
func (s *QdrantStore) Search(ctx context.Context, ns namespace.Namespace, vector []float32, topK int) ([]Match, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()

	span.SetAttributes(attribute.Int("top_k", topK))

	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if len(vector) != int(s.config.VectorSize) {
		return nil, fmt.Errorf("%w: query has dimension %d, want %d",
			ErrDimensionMismatch, len(vector), s.config.VectorSize)
	}

	var results []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.CollectionName,
			Query:          qdrant.NewQuery(vector...),
			Filter:         &qdrant.Filter{Must: []*qdrant.Condition{namespaceCondition(ns)}},
			Limit:          qdrant.PtrOf(uint64(topK)),
			ScoreThreshold: qdrant.PtrOf(s.config.SimilarityThreshold),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	matches := make([]Match, 0, len(results))
	for _, point := range results {
		doc, err := documentFromPayload(point.GetPayload(), vectorFromOutputs(point.GetVectors()))
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		matches = append(matches, Match{
			ID:        doc.ID,
			Data:      doc.Data,
			Score:     point.GetScore(),
			Hash:      doc.Hash,
			Embedding: doc.Embedding,
			Metadata:  doc.Metadata,
		})
	}

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Clear deletes every point in the namespace.
func (s *QdrantStore) Clear(ctx context.Context, ns namespace.Namespace) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Clear")
	defer span.End()

	err := s.deleteByFilter(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{namespaceCondition(ns)},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("cleared namespace", zap.String("namespace", ns.Key()))
	return nil
}

func (s *QdrantStore) deleteByFilter(ctx context.Context, filter *qdrant.Filter) error {
	return s.retryOperation(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.CollectionName,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
			Wait: qdrant.PtrOf(true),
		})
		return err
	})
}

// ListDatasets aggregates per-namespace point counts with a facet over the
// namespace payload field.
func (s *QdrantStore) ListDatasets(ctx context.Context, tenant string) ([]DatasetInfo, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.ListDatasets")
	defer span.End()

	var filter *qdrant.Filter
	if tenant != "" {
		filter = &qdrant.Filter{Must: []*qdrant.Condition{keywordCondition(payloadTenant, tenant)}}
	}

	var hits []*qdrant.FacetHit
	err := s.retryOperation(ctx, "facet", func() error {
		res, err := s.client.Facet(ctx, &qdrant.FacetCounts{
			CollectionName: s.config.CollectionName,
			Key:            payloadNamespace,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint64(10000)),
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		hits = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	infos := make([]DatasetInfo, 0, len(hits))
	for _, hit := range hits {
		ns, err := namespace.ParseKey(hit.GetValue().GetStringValue())
		if err != nil {
			s.logger.Warn("skipping unparseable namespace facet",
				zap.String("value", hit.GetValue().GetStringValue()))
			continue
		}
		infos = append(infos, DatasetInfo{
			Dataset:       ns.Dataset,
			Tenant:        ns.Tenant,
			DocumentCount: int(hit.GetCount()),
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

// payloadFromDocument builds the point payload. Client metadata is stored as
// a JSON string so arbitrary value types round-trip without a payload schema.
func payloadFromDocument(ns namespace.Namespace, doc Document, storeRawData bool) (map[string]*qdrant.Value, error) {
	data := doc.Data
	if !storeRawData {
		data = ""
	}

	payload := map[string]*qdrant.Value{
		payloadNamespace: stringValue(ns.Key()),
		payloadTenant:    stringValue(ns.Tenant),
		payloadDataset:   stringValue(ns.Dataset),
		payloadDocID:     stringValue(doc.ID),
		payloadHash:      stringValue(doc.Hash),
		payloadData:      stringValue(data),
	}
	if doc.Metadata != nil {
		raw, err := json.Marshal(doc.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata for %s: %w", doc.ID, err)
		}
		payload[payloadMetadata] = stringValue(string(raw))
	}
	return payload, nil
}

// documentFromPayload is the inverse of payloadFromDocument.
func documentFromPayload(payload map[string]*qdrant.Value, embedding []float32) (Document, error) {
	doc := Document{
		ID:        payload[payloadDocID].GetStringValue(),
		Data:      payload[payloadData].GetStringValue(),
		Hash:      payload[payloadHash].GetStringValue(),
		Embedding: embedding,
	}
	if raw := payload[payloadMetadata].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc.Metadata); err != nil {
			return Document{}, fmt.Errorf("decoding metadata for %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func vectorFromOutputs(vectors *qdrant.VectorsOutput) []float32 {
	return vectors.GetVector().GetData()
}

// Ensure QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)

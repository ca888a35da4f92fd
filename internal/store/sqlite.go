package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fyrsmithlabs/indexd/internal/namespace"
)

// sqliteTracer for OpenTelemetry instrumentation.
var sqliteTracer = otel.Tracer("indexd.store.sqlite")

// sqliteSchema creates the documents table. The composite primary key makes
// upserts idempotent per namespace; the hash index serves dedup lookups.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	tenant_id  TEXT NOT NULL,
	dataset_id TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT,
	embedding  BLOB NOT NULL,
	hash       TEXT NOT NULL,
	metadata   TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (tenant_id, dataset_id, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents (tenant_id, dataset_id, hash);
`

// SQLiteConfig holds configuration for the embedded relational backend.
type SQLiteConfig struct {
	// Path is the directory for the database file.
	// Default: "~/.config/indexd/store"
	Path string

	// SimilarityThreshold is the cosine-similarity floor applied to search
	// results. Default: 0.1
	SimilarityThreshold float32
}

// ApplyDefaults sets default values for unset fields.
func (c *SQLiteConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/indexd/store"
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.1
	}
}

// SQLiteStore implements Store on an embedded SQLite database.
//
// Embeddings are stored as little-endian float32 blobs and compared with
// brute-force cosine similarity in process. Writes commit synchronously, so
// this backend offers read-after-write consistency: a Select issued after a
// successful Upsert always observes the new row.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteConfig
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database at the configured
// path and applies the schema.
func NewSQLiteStore(config SQLiteConfig, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	dir, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dir, "documents.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrUnavailable, err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: applying schema: %v", ErrUnavailable, err)
	}

	logger.Info("sqlite store initialized",
		zap.String("path", dbPath),
		zap.Float32("similarity_threshold", config.SimilarityThreshold),
	)

	return &SQLiteStore{db: db, config: config, logger: logger}, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Select fetches documents by ids and/or hashes.
func (s *SQLiteStore) Select(ctx context.Context, ns namespace.Namespace, ids, hashes []string) ([]Document, error) {
	ctx, span := sqliteTracer.Start(ctx, "SQLiteStore.Select")
	defer span.End()

	span.SetAttributes(
		attribute.Int("id_count", len(ids)),
		attribute.Int("hash_count", len(hashes)),
	)

	if len(ids) == 0 && len(hashes) == 0 {
		return nil, ErrInvalidSelect
	}

	var conds []string
	args := []any{ns.Tenant, ns.Dataset}
	if len(ids) > 0 {
		conds = append(conds, "id IN ("+placeholders(len(ids))+")")
		for _, id := range ids {
			args = append(args, id)
		}
	}
	if len(hashes) > 0 {
		conds = append(conds, "hash IN ("+placeholders(len(hashes))+")")
		for _, h := range hashes {
			args = append(args, h)
		}
	}

	query := `SELECT id, data, embedding, hash, metadata FROM documents
		WHERE tenant_id = ? AND dataset_id = ? AND (` + strings.Join(conds, " OR ") + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: select: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: select: %v", ErrUnavailable, err)
	}

	span.SetAttributes(attribute.Int("documents_found", len(docs)))
	span.SetStatus(codes.Ok, "success")
	return docs, nil
}

// Upsert inserts or replaces documents in batches, each in its own
// transaction. Batches commit in submission order; a failure leaves earlier
// batches committed.
func (s *SQLiteStore) Upsert(ctx context.Context, ns namespace.Namespace, docs []Document, batchSize int, storeRawData bool) error {
	ctx, span := sqliteTracer.Start(ctx, "SQLiteStore.Upsert")
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
		if err := s.upsertBatch(ctx, ns, docs[start:end], storeRawData); err != nil {
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

// upsertBatch writes one batch inside a single transaction.
func (s *SQLiteStore) upsertBatch(ctx context.Context, ns namespace.Namespace, docs []Document, storeRawData bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (tenant_id, dataset_id, id, data, embedding, hash, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, dataset_id, id) DO UPDATE SET
			data = excluded.data,
			embedding = excluded.embedding,
			hash = excluded.hash,
			metadata = excluded.metadata`)
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", ErrUnavailable, err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		data := doc.Data
		if !storeRawData {
			data = ""
		}
		meta, err := encodeMetadata(doc.Metadata)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, ns.Tenant, ns.Dataset, doc.ID, data, encodeVector(doc.Embedding), doc.Hash, meta); err != nil {
			return fmt.Errorf("%w: upsert %s: %v", ErrUnavailable, doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes documents by id. Missing ids are no-ops.
func (s *SQLiteStore) Delete(ctx context.Context, ns namespace.Namespace, ids []string) error {
	ctx, span := sqliteTracer.Start(ctx, "SQLiteStore.Delete")
	defer span.End()

	span.SetAttributes(attribute.Int("id_count", len(ids)))

	if len(ids) == 0 {
		return nil
	}

	args := []any{ns.Tenant, ns.Dataset}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE tenant_id = ? AND dataset_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: delete: %v", ErrUnavailable, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search performs brute-force cosine similarity over the namespace.
func (s *SQLiteStore) Search(ctx context.Context, ns namespace.Namespace, vector []float32, topK int) ([]Match, error) {
	ctx, span := sqliteTracer.Start(ctx, "SQLiteStore.Search")
	defer span.End()

	span.SetAttributes(attribute.Int("top_k", topK))

	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, embedding, hash, metadata FROM documents WHERE tenant_id = ? AND dataset_id = ?`,
		ns.Tenant, ns.Dataset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		score := cosineSimilarity(vector, doc.Embedding)
		if score < s.config.SimilarityThreshold {
			continue
		}
		matches = append(matches, Match{
			ID:        doc.ID,
			Data:      doc.Data,
			Score:     score,
			Hash:      doc.Hash,
			Embedding: doc.Embedding,
			Metadata:  doc.Metadata,
		})
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Clear deletes every document in the namespace.
func (s *SQLiteStore) Clear(ctx context.Context, ns namespace.Namespace) error {
	ctx, span := sqliteTracer.Start(ctx, "SQLiteStore.Clear")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE tenant_id = ? AND dataset_id = ?`,
		ns.Tenant, ns.Dataset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: clear: %v", ErrUnavailable, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("cleared namespace", zap.String("namespace", ns.Key()))
	return nil
}

// ListDatasets reports per-dataset document counts, optionally filtered by
// tenant.
func (s *SQLiteStore) ListDatasets(ctx context.Context, tenant string) ([]DatasetInfo, error) {
	ctx, span := sqliteTracer.Start(ctx, "SQLiteStore.ListDatasets")
	defer span.End()

	query := `SELECT dataset_id, tenant_id, COUNT(*) FROM documents`
	var args []any
	if tenant != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenant)
	}
	query += ` GROUP BY tenant_id, dataset_id ORDER BY tenant_id, dataset_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: list datasets: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var infos []DatasetInfo
	for rows.Next() {
		var info DatasetInfo
		if err := rows.Scan(&info.Dataset, &info.Tenant, &info.DocumentCount); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%w: list datasets: %v", ErrUnavailable, err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: list datasets: %v", ErrUnavailable, err)
	}

	span.SetAttributes(attribute.Int("dataset_count", len(infos)))
	span.SetStatus(codes.Ok, "success")
	return infos, nil
}

// scanDocument reads one row from a documents query.
func scanDocument(rows *sql.Rows) (Document, error) {
	var (
		doc  Document
		data sql.NullString
		blob []byte
		meta sql.NullString
	)
	if err := rows.Scan(&doc.ID, &data, &blob, &doc.Hash, &meta); err != nil {
		return Document{}, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
	}
	doc.Data = data.String
	doc.Embedding = decodeVector(blob)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &doc.Metadata); err != nil {
			return Document{}, fmt.Errorf("decoding metadata for %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

// encodeMetadata serializes metadata as JSON, nil maps as NULL.
func encodeMetadata(metadata map[string]any) (any, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return string(raw), nil
}

// encodeVector packs a float32 vector as a little-endian blob.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian blob into a float32 vector.
func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// cosineSimilarity returns the cosine of the angle between a and b.
// Mismatched or zero-magnitude vectors score 0.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

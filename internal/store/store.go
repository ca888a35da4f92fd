// Package store defines the vector store capability contract and its
// backend implementations.
//
// Every operation is scoped to exactly one namespace. Backends differ in
// consistency: the sqlite backend commits synchronously and offers
// read-after-write consistency, while the qdrant backend indexes
// asynchronously and is eventually consistent. The interface promises
// neither; per-backend behavior is documented on the implementation and
// exercised by its tests.
package store

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/indexd/internal/namespace"
)

// Sentinel errors for store operations.
var (
	// ErrUnavailable indicates a backend connection or query failure.
	ErrUnavailable = errors.New("vector store unavailable")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidSelect indicates a Select call with neither ids nor hashes.
	ErrInvalidSelect = errors.New("select requires ids or hashes")

	// ErrDimensionMismatch indicates a vector whose dimension does not match
	// the namespace-wide fixed dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Document is the unit of storage.
//
// Identity is ID, unique within a namespace. Updates replace all fields
// atomically; there are no partial updates.
type Document struct {
	// ID uniquely identifies the document within its namespace.
	ID string `json:"id"`

	// Data is the raw document text. Empty when the store was configured
	// not to persist raw data.
	Data string `json:"data"`

	// Embedding is the fixed-dimension vector for the document.
	Embedding []float32 `json:"embedding"`

	// Hash is the SHA-256 hex digest of Data, used for change detection.
	Hash string `json:"hash"`

	// Metadata carries optional client-supplied key-value pairs.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Match is a similarity search result.
type Match struct {
	ID        string         `json:"id"`
	Data      string         `json:"data"`
	Score     float32        `json:"score"`
	Hash      string         `json:"hash"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DatasetInfo describes one dataset within a tenant.
type DatasetInfo struct {
	Dataset       string `json:"dataset"`
	Tenant        string `json:"tenant"`
	DocumentCount int    `json:"document_count"`
}

// Store is the capability contract every backend implements.
type Store interface {
	// Select fetches documents by ids and/or hashes. At least one of the
	// two must be non-empty. Unknown ids or hashes are simply absent from
	// the result, never an error.
	Select(ctx context.Context, ns namespace.Namespace, ids, hashes []string) ([]Document, error)

	// Upsert inserts or replaces documents keyed by id, splitting the work
	// into fixed-size batches upserted in submission order. Each batch is
	// atomic on backends that support it, but a failure in batch k does not
	// roll back batches 1..k-1. When storeRawData is false the raw text is
	// persisted as empty while hash and embedding are kept.
	Upsert(ctx context.Context, ns namespace.Namespace, docs []Document, batchSize int, storeRawData bool) error

	// Delete removes documents by id. Deleting a non-existent id is a
	// no-op, not an error.
	Delete(ctx context.Context, ns namespace.Namespace, ids []string) error

	// Search returns at most topK matches ordered by descending similarity,
	// applying the backend's similarity-threshold floor. An empty namespace
	// yields an empty list, not an error.
	Search(ctx context.Context, ns namespace.Namespace, vector []float32, topK int) ([]Match, error)

	// Clear deletes every document in the namespace. Clearing an empty
	// namespace is a no-op.
	Clear(ctx context.Context, ns namespace.Namespace) error

	// ListDatasets reports the datasets visible to tenant, or all datasets
	// when tenant is empty.
	ListDatasets(ctx context.Context, tenant string) ([]DatasetInfo, error)

	// Close releases backend resources.
	Close() error
}

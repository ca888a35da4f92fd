// Package config provides configuration loading for indexd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables, with hardcoded defaults for everything else.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete indexd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Ingest        IngestConfig        `koanf:"ingest"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	TenantHeader    string        `koanf:"tenant_header"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	Provider          string        `koanf:"provider"`
	BaseURL           string        `koanf:"base_url"`
	Model             string        `koanf:"model"`
	APIKey            Secret        `koanf:"api_key"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Timeout           time.Duration `koanf:"timeout"`
	ChunkSize         int           `koanf:"chunk_size"`
	QueryCacheSize    int           `koanf:"query_cache_size"`
}

// IngestConfig holds ingestion pipeline configuration.
type IngestConfig struct {
	BatchSize         int `koanf:"batch_size"`
	MaxDocumentLength int `koanf:"max_document_length"`

	// StoreRawData controls whether raw document text is persisted.
	// Pointer so an explicit false survives defaulting.
	StoreRawData *bool `koanf:"store_raw_data"`
}

// VectorStoreConfig holds vector store configuration.
type VectorStoreConfig struct {
	// Provider chooses the backend: "chromem" (default), "sqlite", or
	// "qdrant".
	Provider string `koanf:"provider"`

	// SimilarityThreshold is the score floor applied to search results.
	SimilarityThreshold float32 `koanf:"similarity_threshold"`

	Chromem ChromemConfig `koanf:"chromem"`
	SQLite  SQLiteConfig  `koanf:"sqlite"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds chromem backend configuration.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// SQLiteConfig holds sqlite backend configuration.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// QdrantConfig holds qdrant backend configuration.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	CollectionName string `koanf:"collection_name"`
	UseTLS         bool   `koanf:"use_tls"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	ServiceVersion  string `koanf:"service_version"`

	// Endpoint is the OTLP collector address as host:port.
	Endpoint string `koanf:"endpoint"`

	// Protocol is "grpc" or "http/protobuf".
	Protocol string `koanf:"protocol"`

	// Insecure disables TLS on the exporter connection.
	Insecure bool `koanf:"insecure"`

	// SamplingRate is the trace sampling ratio in [0, 1].
	SamplingRate float64 `koanf:"sampling_rate"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.TenantHeader == "" {
		cfg.Server.TenantHeader = "X-Tenant-ID"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "https://api.openai.com"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-ada-002"
	}

	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 100
	}
	if cfg.Ingest.StoreRawData == nil {
		t := true
		cfg.Ingest.StoreRawData = &t
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.SimilarityThreshold == 0 {
		cfg.VectorStore.SimilarityThreshold = 0.1
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "~/.config/indexd/store"
	}
	if cfg.VectorStore.SQLite.Path == "" {
		cfg.VectorStore.SQLite.Path = "~/.config/indexd/store"
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}
	if cfg.VectorStore.Qdrant.CollectionName == "" {
		cfg.VectorStore.Qdrant.CollectionName = "indexd_documents"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "indexd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if c.Ingest.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive: %d", c.Ingest.BatchSize)
	}
	if c.Ingest.MaxDocumentLength < 0 {
		return fmt.Errorf("max document length cannot be negative: %d", c.Ingest.MaxDocumentLength)
	}

	switch c.VectorStore.Provider {
	case "chromem", "sqlite", "qdrant":
	default:
		return fmt.Errorf("invalid vectorstore provider: %q (supported: chromem, sqlite, qdrant)", c.VectorStore.Provider)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}

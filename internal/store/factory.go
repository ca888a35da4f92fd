package store

import (
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures a backend.
type Config struct {
	// Provider chooses the backend: "chromem" (default), "sqlite", or
	// "qdrant".
	Provider string

	Chromem ChromemConfig
	SQLite  SQLiteConfig
	Qdrant  QdrantConfig
}

// NewStore creates a Store for the configured provider.
//
// The chromem and sqlite providers are embedded and need no external
// service; qdrant requires a reachable Qdrant server.
func NewStore(cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(cfg.Chromem, logger)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite, logger)
	case "qdrant":
		return NewQdrantStore(cfg.Qdrant, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q (supported: chromem, sqlite, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
}

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewStore(t *testing.T) {
	t.Run("defaults to chromem", func(t *testing.T) {
		s, err := NewStore(Config{Chromem: ChromemConfig{Path: t.TempDir()}}, zap.NewNop())
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, (*ChromemStore)(nil), s)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewStore(Config{Provider: "sqlite", SQLite: SQLiteConfig{Path: t.TempDir()}}, zap.NewNop())
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, (*SQLiteStore)(nil), s)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewStore(Config{Provider: "pinecone"}, zap.NewNop())
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/namespace"
	"github.com/fyrsmithlabs/indexd/internal/store"
)

// defaultTopK bounds result counts when the caller does not specify one.
const defaultTopK = 5

// Search embeds the query through the memoized gateway path and runs
// similarity search over the namespace.
func (s *Service) Search(ctx context.Context, ns namespace.Namespace, query string, topK int) ([]store.Match, error) {
	ctx, span := tracer.Start(ctx, "Service.Search")
	defer span.End()

	span.SetAttributes(
		attribute.String("namespace", ns.Key()),
		attribute.Int("top_k", topK),
	)

	if query == "" {
		span.SetStatus(codes.Error, "empty query")
		return nil, fmt.Errorf("%w: query must not be empty", ErrValidation)
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	start := time.Now()

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := s.store.Search(ctx, ns, vector, topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching: %w", err)
	}

	for i := range matches {
		matches[i].ID = namespace.DecodeID(matches[i].ID)
	}

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("search completed",
		zap.String("namespace", ns.Key()),
		zap.Int("results", len(matches)),
		zap.Duration("duration", time.Since(start)),
	)
	return matches, nil
}

// Package rerank provides relevance reranking of retrieved chunks.
package rerank

import (
	"context"

	"github.com/finsight/docqa/internal/models"
)

// Reranker reorders candidates by relevance to the query and truncates to
// topK, assigning new scores. It may fail; callers are expected to fall back
// to the pre-rerank ordering rather than failing the whole query.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []models.ScoredChunk, topK int) ([]models.ScoredChunk, error)
}

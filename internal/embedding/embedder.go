// Package embedding provides text embedding providers and caching.
package embedding

import (
	"context"
	"errors"
)

// ErrEmbeddingUnavailable is returned when the embedding provider is
// misconfigured or unreachable. Callers must abort the whole batch; nothing is
// mutated on this error.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// Embedder produces vector embeddings for text. EmbedBatch returns one vector
// per input text or fails entirely; partial results are never returned.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// Package storage defines ordinal-keyed chunk persistence plus document and
// query bookkeeping.
package storage

import (
	"context"
	"errors"

	"github.com/finsight/docqa/internal/models"
)

var (
	// ErrChunkNotFound is returned when no record exists for an ordinal.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrDuplicateOrdinal is returned when an append would reuse an ordinal.
	// It indicates a serialization bug in the caller and is never swallowed.
	ErrDuplicateOrdinal = errors.New("duplicate ordinal")
)

// Storage persists chunk records keyed by ordinal, alongside ingest and query
// analytics. Ordinals mirror positions in the vector index; the durable store
// is the source of truth and an in-memory mirror may be rebuilt from
// LoadAllChunks at startup.
type Storage interface {
	// Chunk operations (the metadata store)
	AppendChunks(ctx context.Context, ordinalStart int, records []models.ChunkInput) error
	GetChunk(ctx context.Context, ordinal int) (*models.Chunk, error)
	LoadAllChunks(ctx context.Context) ([]*models.Chunk, error)
	CountChunks(ctx context.Context) (int64, error)
	ClearChunks(ctx context.Context) error

	// Ingest bookkeeping
	RecordDocument(ctx context.Context, doc *models.Document) error
	ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error)
	CountDocuments(ctx context.Context) (int64, error)

	// Query analytics
	LogQuery(ctx context.Context, entry *models.QueryLog) error
	RecentQueries(ctx context.Context, limit int) ([]*models.QueryLog, error)

	Close() error
}

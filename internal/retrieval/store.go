// Package retrieval couples the vector index and the metadata store into one
// service: serialized ordinal-consistent appends, similarity search joined
// against stored text, and the query-time pipeline on top.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finsight/docqa/internal/embedding"
	"github.com/finsight/docqa/internal/models"
	"github.com/finsight/docqa/internal/storage"
	"github.com/finsight/docqa/internal/vector"
)

// ErrEmptyText is returned when an ingested chunk has no text content.
var ErrEmptyText = errors.New("chunk text is empty")

// Store owns the vector index and the metadata store. All mutation goes
// through it: a single write lock covers ordinal assignment, the metadata
// transaction, the index append, and persistence, so concurrent appends can
// never interleave ordinals between the two stores.
type Store struct {
	index     *vector.FlatIndex
	meta      storage.Storage
	embedder  embedding.Embedder
	indexPath string
	logger    *zap.Logger

	writeMu sync.Mutex
	// indexMu guards the index pointer itself, which is swapped during
	// similarity-metric migration. The FlatIndex handles its own locking.
	indexMu sync.RWMutex
}

// NewStore creates the store service around already-constructed dependencies.
func NewStore(index *vector.FlatIndex, meta storage.Storage, embedder embedding.Embedder, indexPath string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		index:     index,
		meta:      meta,
		embedder:  embedder,
		indexPath: indexPath,
		logger:    logger,
	}
}

func (s *Store) idx() *vector.FlatIndex {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.index
}

// AddDocuments embeds a batch of chunks and appends them to both stores under
// the same ordinals. The embedding call happens before the write lock is
// taken; an embedding failure leaves both stores untouched. The batch is
// committed to the metadata store first (transactionally), then appended to
// the pre-validated in-memory index, so a failure on either side cannot leave
// the stores disagreeing.
func (s *Store) AddDocuments(ctx context.Context, chunks []models.ChunkInput, sourceName string) error {
	if len(chunks) == 0 {
		return vector.ErrEmptyBatch
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: chunk %d", ErrEmptyText, i)
		}
		texts[i] = c.Text
	}

	embeddings, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("%w: got %d embeddings for %d chunks",
			embedding.ErrEmbeddingUnavailable, len(embeddings), len(chunks))
	}
	for i, emb := range embeddings {
		if len(emb) != s.idx().Dimensions() {
			return fmt.Errorf("%w: embedding %d has %d dimensions, index expects %d",
				vector.ErrDimensionMismatch, i, len(emb), s.idx().Dimensions())
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	index := s.idx()
	ordinalStart := index.Size()
	if count, err := s.meta.CountChunks(ctx); err == nil && int(count) != ordinalStart {
		s.logger.Warn("stores out of sync before append",
			zap.Int("index_vectors", ordinalStart),
			zap.Int64("metadata_chunks", count))
	}

	if err := s.meta.AppendChunks(ctx, ordinalStart, chunks); err != nil {
		return fmt.Errorf("failed to store chunk metadata: %w", err)
	}
	if _, err := index.Append(embeddings); err != nil {
		// Dimensions were validated above; reaching this means the stores now
		// disagree and a repair is required.
		s.logger.Error("index append failed after metadata commit",
			zap.Int("ordinal_start", ordinalStart), zap.Error(err))
		return fmt.Errorf("failed to index vectors: %w", err)
	}
	if err := index.Save(s.indexPath); err != nil {
		s.logger.Warn("index save failed, vectors held in memory until next save",
			zap.String("path", s.indexPath), zap.Error(err))
	}

	doc := &models.Document{
		ID:          uuid.New().String(),
		Name:        sourceName,
		ChunksCount: len(chunks),
	}
	if doc.Name == "" {
		doc.Name = "api-upload"
	}
	if err := s.meta.RecordDocument(ctx, doc); err != nil {
		s.logger.Warn("document bookkeeping failed", zap.Error(err))
	}

	s.logger.Info("added chunks",
		zap.Int("count", len(chunks)),
		zap.Int("ordinal_start", ordinalStart),
		zap.Int("total_vectors", index.Size()))
	return nil
}

// Search embeds the query, searches the index, and joins hits against the
// metadata store, keeping results scoring at or above threshold. Ordinals the
// metadata store cannot resolve are dropped with an integrity warning rather
// than failing the query. Searching an empty store returns no results.
func (s *Store) Search(ctx context.Context, query string, topK int, threshold float64) ([]models.ScoredChunk, error) {
	index := s.idx()
	if index.Size() == 0 {
		s.logger.Warn("search on empty vector store", zap.String("query", query))
		return nil, nil
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := index.Search(queryVec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	results := make([]models.ScoredChunk, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < threshold {
			continue
		}
		chunk, err := s.meta.GetChunk(ctx, hit.Ordinal)
		if err != nil {
			if errors.Is(err, storage.ErrChunkNotFound) {
				s.logger.Warn("vector has no metadata record, stores may be out of sync",
					zap.Int("ordinal", hit.Ordinal))
				continue
			}
			return nil, fmt.Errorf("metadata lookup failed: %w", err)
		}
		results = append(results, models.ScoredChunk{
			Text:     chunk.Text,
			Score:    hit.Score,
			Metadata: chunk.Metadata,
		})
	}
	return results, nil
}

// Stats reports the cardinality of both stores and whether they agree.
func (s *Store) Stats(ctx context.Context) (*models.StoreStats, error) {
	chunkCount, err := s.meta.CountChunks(ctx)
	if err != nil {
		return nil, err
	}
	totalVectors := s.idx().Size()
	_, statErr := os.Stat(s.indexPath)
	return &models.StoreStats{
		TotalVectors: totalVectors,
		ChunksCount:  int(chunkCount),
		IsSynced:     totalVectors == int(chunkCount),
		IndexPath:    s.indexPath,
		IndexExists:  statErr == nil,
	}, nil
}

// Reset destructively clears both stores and removes the persisted index
// file. Ordinal numbering restarts from zero.
func (s *Store) Reset(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.resetLocked(ctx)
}

func (s *Store) resetLocked(ctx context.Context) error {
	if err := s.meta.ClearChunks(ctx); err != nil {
		return fmt.Errorf("failed to clear chunk metadata: %w", err)
	}
	s.idx().Clear()
	if err := os.Remove(s.indexPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove index file: %w", err)
	}
	s.logger.Info("vector store reset", zap.String("index_path", s.indexPath))
	return nil
}

// RecreateIndex clears both stores and replaces the index with an empty one
// under the given metric. Used by similarity-metric migration.
func (s *Store) RecreateIndex(ctx context.Context, metric vector.Metric) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	idx, err := vector.NewFlatIndex(s.idx().Dimensions(), metric)
	if err != nil {
		return err
	}
	if err := s.resetLocked(ctx); err != nil {
		return err
	}
	s.indexMu.Lock()
	s.index = idx
	s.indexMu.Unlock()
	return nil
}

// IndexPath returns the path of the persisted index file.
func (s *Store) IndexPath() string {
	return s.indexPath
}

// Metric returns the similarity metric of the current index.
func (s *Store) Metric() vector.Metric {
	return s.idx().Metric()
}

// Metadata returns the underlying durable store.
func (s *Store) Metadata() storage.Storage {
	return s.meta
}

// Save persists the index to its configured path. Called on shutdown.
func (s *Store) Save() error {
	return s.idx().Save(s.indexPath)
}

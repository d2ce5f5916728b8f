package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/finsight/docqa/internal/embedding"
	"github.com/finsight/docqa/internal/models"
	"github.com/finsight/docqa/internal/retrieval"
	"github.com/finsight/docqa/internal/storage"
	"github.com/finsight/docqa/internal/vector"
	"github.com/finsight/docqa/pkg/utils"
)

const sourcePreviewLen = 200

type addDocumentsRequest struct {
	Name      string                   `json:"name"`
	Texts     []string                 `json:"texts"`
	Metadatas []map[string]interface{} `json:"metadatas"`
}

func (s *Server) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	var req addDocumentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Texts) == 0 {
		s.respondError(w, http.StatusBadRequest, "texts is required")
		return
	}
	if len(req.Metadatas) > len(req.Texts) {
		s.respondError(w, http.StatusBadRequest, "more metadatas than texts")
		return
	}
	if len(req.Metadatas) != 0 && len(req.Metadatas) < len(req.Texts) {
		s.logger.Warn("padding short metadata list",
			zap.Int("texts", len(req.Texts)),
			zap.Int("metadatas", len(req.Metadatas)))
	}
	chunks := make([]models.ChunkInput, len(req.Texts))
	for i, text := range req.Texts {
		chunks[i].Text = text
		if i < len(req.Metadatas) {
			chunks[i].Metadata = req.Metadatas[i]
		} else {
			chunks[i].Metadata = map[string]interface{}{}
		}
	}

	s.logger.Debug("add documents request",
		zap.String("name", req.Name), zap.Int("chunks", len(chunks)))
	if err := s.store.AddDocuments(r.Context(), chunks, req.Name); err != nil {
		s.logger.Error("add documents failed", zap.Error(err))
		switch {
		case errors.Is(err, embedding.ErrEmbeddingUnavailable):
			s.respondError(w, http.StatusServiceUnavailable,
				"embedding provider unavailable; check API key configuration")
		case errors.Is(err, retrieval.ErrEmptyText), errors.Is(err, vector.ErrEmptyBatch):
			s.respondError(w, http.StatusBadRequest, err.Error())
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats after ingest failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message":       "documents ingested successfully",
		"chunks_added":  len(chunks),
		"total_vectors": stats.TotalVectors,
	})
}

type searchRequest struct {
	Query     string   `json:"query"`
	TopK      int      `json:"top_k"`
	Threshold *float64 `json:"threshold"`
}

// topK and threshold fall back to configured defaults. Threshold is a pointer
// so an explicit 0.0 survives the fallback.
func (s *Server) searchParams(req *searchRequest) (int, float64) {
	topK := req.TopK
	if topK <= 0 {
		topK = s.config.Retrieval.TopK
	}
	threshold := s.config.Retrieval.ThresholdOrDefault()
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	return topK, threshold
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	topK, threshold := s.searchParams(&req)
	s.logger.Debug("search request",
		zap.String("query", req.Query), zap.Int("top_k", topK), zap.Float64("threshold", threshold))

	results, err := s.store.Search(r.Context(), req.Query, topK, threshold)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		if errors.Is(err, embedding.ErrEmbeddingUnavailable) {
			s.respondError(w, http.StatusServiceUnavailable,
				"embedding provider unavailable; check API key configuration")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []models.ScoredChunk{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"query":   req.Query,
		"results": results,
		"count":   len(results),
	})
}

type queryResponse struct {
	Query          string        `json:"query"`
	Context        string        `json:"context"`
	Sources        []querySource `json:"sources"`
	Message        string        `json:"message,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
	DegradedReason string        `json:"degraded_reason,omitempty"`
	Widened        bool          `json:"widened,omitempty"`
}

type querySource struct {
	Chunk      string                 `json:"chunk"`
	Similarity float64                `json:"similarity"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	topK, threshold := s.searchParams(&req)
	ctx := r.Context()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Error("query: stats failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// An empty store is an explicit no-results answer, never an internal error.
	if stats.TotalVectors == 0 {
		s.logQuery(ctx, req.Query, 0, start, false, "vector store empty")
		s.respondJSON(w, http.StatusOK, queryResponse{
			Query:   req.Query,
			Context: retrieval.NoContextSentinel,
			Sources: []querySource{},
			Message: "the vector store is empty; ingest documents before querying",
		})
		return
	}

	result, err := s.retriever.RetrieveWithFallback(ctx, req.Query, topK, threshold)
	if err != nil {
		s.logger.Error("query failed", zap.Error(err))
		s.logQuery(ctx, req.Query, 0, start, false, err.Error())
		if errors.Is(err, embedding.ErrEmbeddingUnavailable) {
			s.respondError(w, http.StatusServiceUnavailable,
				"embedding provider unavailable; check API key configuration")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := queryResponse{
		Query:          req.Query,
		Context:        retrieval.FormatContext(result.Results),
		Sources:        make([]querySource, 0, len(result.Results)),
		Degraded:       result.Degraded,
		DegradedReason: result.DegradedReason,
		Widened:        result.Widened,
	}
	for _, c := range result.Results {
		resp.Sources = append(resp.Sources, querySource{
			Chunk:      utils.Truncate(c.Text, sourcePreviewLen),
			Similarity: c.Score,
			Metadata:   c.Metadata,
		})
	}
	if len(result.Results) == 0 {
		resp.Message = "no relevant documents found; try rephrasing the question"
	}
	s.logQuery(ctx, req.Query, len(result.Results), start, true, "")
	s.respondJSON(w, http.StatusOK, resp)
}

// logQuery persists one analytics row; failures are logged, not surfaced.
func (s *Server) logQuery(ctx context.Context, query string, sources int, start time.Time, success bool, errMsg string) {
	entry := &models.QueryLog{
		QueryText:      query,
		SourcesCount:   sources,
		ResponseTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
		Success:        success,
		ErrorMessage:   errMsg,
	}
	if err := s.store.Metadata().LogQuery(ctx, entry); err != nil {
		s.logger.Warn("failed to log query", zap.Error(err))
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	docCount, err := s.store.Metadata().CountDocuments(ctx)
	if err != nil {
		s.logger.Error("stats: count documents failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"total_vectors": stats.TotalVectors,
		"chunks_count":  stats.ChunksCount,
		"is_synced":     stats.IsSynced,
		"index_path":    stats.IndexPath,
		"index_exists":  stats.IndexExists,
		"documents":     docCount,
		"metric":        string(s.store.Metric()),
	}
	diskBytes, err := storage.DiskUsageBytes(
		s.config.Storage.DatabasePath,
		s.config.Storage.IndexPath,
	)
	if err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheckSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.checker.CheckSync(r.Context())
	if err != nil {
		s.logger.Error("check-sync failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	backup, err := s.checker.Repair(r.Context())
	if err != nil {
		s.logger.Error("repair failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":         "stores cleared; re-ingest source documents",
		"backup_location": backup,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reset(r.Context()); err != nil {
		s.logger.Error("reset failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "vector store reset successfully",
		"stats":   stats,
	})
}

type migrateIndexRequest struct {
	Metric string `json:"metric"`
}

func (s *Server) handleMigrateIndex(w http.ResponseWriter, r *http.Request) {
	var req migrateIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	backup, err := s.checker.MigrateMetric(r.Context(), vector.Metric(req.Metric))
	if err != nil {
		s.logger.Error("migrate-index failed", zap.Error(err))
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if backup == "" {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"message": "index already uses the requested metric",
			"metric":  string(s.store.Metric()),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":         "index recreated; re-ingest source documents",
		"metric":          string(s.store.Metric()),
		"backup_location": backup,
	})
}

func (s *Server) handleRecentQueries(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	queries, err := s.store.Metadata().RecentQueries(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent queries failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if queries == nil {
		queries = []*models.QueryLog{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"queries": queries,
		"count":   len(queries),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := "healthy"
	switch {
	case stats.TotalVectors == 0 && stats.ChunksCount > 0:
		status = "warning - chunks exist but no vectors in index"
	case !stats.IsSynced:
		status = "warning - index and metadata store are out of sync"
	case stats.TotalVectors == 0:
		status = "empty - no documents ingested"
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"stats":  stats,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

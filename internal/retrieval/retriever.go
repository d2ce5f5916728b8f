package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/finsight/docqa/internal/models"
	"github.com/finsight/docqa/internal/rerank"
)

// maxRerankCandidates bounds the number of chunks handed to the reranker so a
// wide retrieval cannot blow past the reranker's input limits.
const maxRerankCandidates = 30

// Retriever runs the query-time pipeline: embed, search, join, threshold,
// optionally rerank. A nil reranker disables reranking.
type Retriever struct {
	store    *Store
	reranker rerank.Reranker
	logger   *zap.Logger
}

// NewRetriever creates a retriever. reranker may be nil.
func NewRetriever(store *Store, reranker rerank.Reranker, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{store: store, reranker: reranker, logger: logger}
}

// Retrieve returns up to topK chunks relevant to query, scoring at or above
// threshold. With a reranker configured, min(topK*2, 30) candidates are
// fetched and handed to it; a reranker failure degrades to the pre-rerank
// ordering (recorded on the result) instead of failing the query.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, threshold float64) (*models.RetrievalResult, error) {
	candidateK := topK
	if r.reranker != nil {
		candidateK = topK * 2
		if candidateK > maxRerankCandidates {
			candidateK = maxRerankCandidates
		}
	}

	candidates, err := r.store.Search(ctx, query, candidateK, threshold)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("retrieved candidates",
		zap.Int("count", len(candidates)),
		zap.Float64("threshold", threshold))

	result := &models.RetrievalResult{}
	if r.reranker != nil && len(candidates) > 0 {
		reranked, err := r.reranker.Rerank(ctx, query, candidates, topK)
		switch {
		case err != nil:
			r.logger.Warn("reranking failed, using similarity ordering",
				zap.String("query", query), zap.Error(err))
			result.Degraded = true
			result.DegradedReason = fmt.Sprintf("rerank failed: %v", err)
		case len(reranked) == 0:
			r.logger.Warn("reranker returned no results, using similarity ordering")
			result.Degraded = true
			result.DegradedReason = "reranker returned no results"
		default:
			candidates = reranked
		}
	}

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	result.Results = candidates
	return result, nil
}

// RetrieveWithFallback applies the two-attempt escalation policy: when the
// caller's threshold yields nothing, one more pass runs with threshold 0 and
// doubled topK, accepting weaker matches over returning nothing. The fallback
// pass is marked on the result.
func (r *Retriever) RetrieveWithFallback(ctx context.Context, query string, topK int, threshold float64) (*models.RetrievalResult, error) {
	result, err := r.Retrieve(ctx, query, topK, threshold)
	if err != nil {
		return nil, err
	}
	if len(result.Results) > 0 || threshold <= 0 {
		return result, nil
	}

	r.logger.Info("no results at requested threshold, widening",
		zap.String("query", query), zap.Float64("threshold", threshold))
	widened, err := r.Retrieve(ctx, query, topK*2, 0.0)
	if err != nil {
		return nil, err
	}
	widened.Widened = true
	return widened, nil
}

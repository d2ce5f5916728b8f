package models

// ScoredChunk is a retrieval hit: the chunk text with its similarity (or rerank)
// score and the metadata stored with it.
type ScoredChunk struct {
	Text     string                 `json:"text"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RetrievalResult is the outcome of a retrieve call. Degraded is set when the
// reranking step failed and the pre-rerank ordering was used instead; callers
// can log or expose the reason without the whole query having failed.
type RetrievalResult struct {
	Results        []ScoredChunk `json:"results"`
	Degraded       bool          `json:"degraded,omitempty"`
	DegradedReason string        `json:"degraded_reason,omitempty"`
	// Widened is set when the fallback pass (threshold 0, doubled top_k) produced
	// these results after the caller's threshold yielded nothing.
	Widened bool `json:"widened,omitempty"`
}

// StoreStats describes the vector index and metadata store cardinality.
type StoreStats struct {
	TotalVectors int    `json:"total_vectors"`
	ChunksCount  int    `json:"chunks_count"`
	IsSynced     bool   `json:"is_synced"`
	IndexPath    string `json:"index_path"`
	IndexExists  bool   `json:"index_exists"`
}

// SyncReport is the result of a consistency check between the vector index and
// the metadata store.
type SyncReport struct {
	IsSynced         bool        `json:"is_synced"`
	TotalVectors     int         `json:"total_vectors"`
	ChunksInDatabase int         `json:"chunks_in_database"`
	Mismatch         int         `json:"mismatch"`
	SampleCheck      SampleCheck `json:"sample_check"`
	Recommendation   string      `json:"recommendation"`
}

// SampleCheck reports per-ordinal lookups for a prefix of the index.
type SampleCheck struct {
	CheckedOrdinals int     `json:"checked_ordinals"`
	Found           int     `json:"found"`
	Missing         int     `json:"missing"`
	MatchRate       float64 `json:"match_rate"`
}

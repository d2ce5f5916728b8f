// Package models defines core data structures for chunks, documents, and retrieval results.
package models

import "time"

// Chunk is an ordinal-keyed text record stored alongside its vector.
// The ordinal is the chunk's position in the vector index; it is assigned
// at append time and never reused.
type Chunk struct {
	Ordinal   int                    `json:"ordinal" db:"ordinal"`
	Text      string                 `json:"text" db:"chunk_text"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// ChunkInput is a (text, metadata) pair supplied by the ingestion collaborator.
type ChunkInput struct {
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Document records an ingested batch: where the chunks came from and how many
// vectors it produced. Kept for stats and analytics, not for retrieval.
type Document struct {
	ID          string                 `json:"id" db:"id"`
	Name        string                 `json:"name" db:"name"`
	ChunksCount int                    `json:"chunks_count" db:"chunks_count"`
	Status      string                 `json:"status" db:"status"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	UploadedAt  time.Time              `json:"uploaded_at" db:"uploaded_at"`
}

package models

import "time"

// QueryLog is one row of persisted query analytics.
type QueryLog struct {
	ID             int64     `json:"id" db:"id"`
	QueryText      string    `json:"query_text" db:"query_text"`
	SourcesCount   int       `json:"sources_count" db:"sources_count"`
	ResponseTimeMs float64   `json:"response_time_ms" db:"response_time_ms"`
	Success        bool      `json:"success" db:"success"`
	ErrorMessage   string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Package storage provides the SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/finsight/docqa/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes
// the schema. Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunk_metadata (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ordinal INTEGER NOT NULL UNIQUE,
		chunk_text TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_chunk_metadata_ordinal ON chunk_metadata(ordinal);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		chunks_count INTEGER DEFAULT 0,
		status TEXT DEFAULT 'processed',
		metadata TEXT,
		uploaded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_text TEXT NOT NULL,
		sources_count INTEGER DEFAULT 0,
		response_time_ms REAL,
		success BOOLEAN DEFAULT 1,
		error_message TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_queries_created_at ON queries(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// AppendChunks inserts records at ordinals ordinalStart, ordinalStart+1, ... in
// a single transaction. A unique-constraint violation on any ordinal rolls the
// whole batch back and is reported as ErrDuplicateOrdinal.
func (s *SQLiteStorage) AppendChunks(ctx context.Context, ordinalStart int, records []models.ChunkInput) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunk_metadata (ordinal, chunk_text, metadata, created_at)
		 VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for i, rec := range records {
		metadataJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, ordinalStart+i, rec.Text, string(metadataJSON), now); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: ordinal %d", ErrDuplicateOrdinal, ordinalStart+i)
			}
			return err
		}
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// GetChunk returns the record stored at ordinal.
func (s *SQLiteStorage) GetChunk(ctx context.Context, ordinal int) (*models.Chunk, error) {
	var chunk models.Chunk
	var metadataJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT ordinal, chunk_text, metadata, created_at
		 FROM chunk_metadata WHERE ordinal = ?`, ordinal,
	).Scan(&chunk.Ordinal, &chunk.Text, &metadataJSON, &chunk.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: ordinal %d", ErrChunkNotFound, ordinal)
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalMetadata(metadataJSON, &chunk.Metadata); err != nil {
		return nil, err
	}
	return &chunk, nil
}

// LoadAllChunks returns every chunk record in ascending ordinal order, so a
// caller rebuilding an in-memory mirror can index records by position.
func (s *SQLiteStorage) LoadAllChunks(ctx context.Context) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ordinal, chunk_text, metadata, created_at
		 FROM chunk_metadata ORDER BY ordinal ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		var metadataJSON sql.NullString
		if err := rows.Scan(&chunk.Ordinal, &chunk.Text, &metadataJSON, &chunk.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalMetadata(metadataJSON, &chunk.Metadata); err != nil {
			return nil, err
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// CountChunks returns the number of chunk records.
func (s *SQLiteStorage) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_metadata`).Scan(&count)
	return count, err
}

// ClearChunks removes all chunk records. Used only during destructive reset
// and repair.
func (s *SQLiteStorage) ClearChunks(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunk_metadata`)
	return err
}

// RecordDocument inserts an ingest record.
func (s *SQLiteStorage) RecordDocument(ctx context.Context, doc *models.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	doc.UploadedAt = time.Now()
	if doc.Status == "" {
		doc.Status = "processed"
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, name, chunks_count, status, metadata, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Name, doc.ChunksCount, doc.Status, string(metadataJSON), doc.UploadedAt,
	)
	return err
}

// ListDocuments returns ingest records, newest first.
func (s *SQLiteStorage) ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, chunks_count, status, metadata, uploaded_at
		 FROM documents ORDER BY uploaded_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var doc models.Document
		var metadataJSON sql.NullString
		if err := rows.Scan(&doc.ID, &doc.Name, &doc.ChunksCount, &doc.Status, &metadataJSON, &doc.UploadedAt); err != nil {
			return nil, err
		}
		if err := unmarshalMetadata(metadataJSON, &doc.Metadata); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// CountDocuments returns the number of ingest records.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// LogQuery inserts a query analytics row.
func (s *SQLiteStorage) LogQuery(ctx context.Context, entry *models.QueryLog) error {
	entry.CreatedAt = time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO queries (query_text, sources_count, response_time_ms, success, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.QueryText, entry.SourcesCount, entry.ResponseTimeMs, entry.Success, entry.ErrorMessage, entry.CreatedAt,
	)
	if err != nil {
		return err
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// RecentQueries returns the most recent query log rows, newest first.
func (s *SQLiteStorage) RecentQueries(ctx context.Context, limit int) ([]*models.QueryLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query_text, sources_count, response_time_ms, success, error_message, created_at
		 FROM queries ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.QueryLog
	for rows.Next() {
		var entry models.QueryLog
		var responseTime sql.NullFloat64
		var errorMessage sql.NullString
		if err := rows.Scan(&entry.ID, &entry.QueryText, &entry.SourcesCount, &responseTime,
			&entry.Success, &errorMessage, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.ResponseTimeMs = responseTime.Float64
		entry.ErrorMessage = errorMessage.String
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func unmarshalMetadata(raw sql.NullString, dst *map[string]interface{}) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return nil
}

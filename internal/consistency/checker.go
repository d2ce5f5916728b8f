// Package consistency detects divergence between the vector index and the
// metadata store and performs destructive repair. Ordinal-keyed entries cannot
// be reconciled without re-embedding the source text, so repair always means:
// back up the index file, clear both stores, start over.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/finsight/docqa/internal/models"
	"github.com/finsight/docqa/internal/retrieval"
	"github.com/finsight/docqa/internal/storage"
	"github.com/finsight/docqa/internal/vector"
)

// sampleLimit caps the number of ordinals probed during a sync check.
const sampleLimit = 100

// Recommendation values returned in a SyncReport.
const (
	RecommendHealthy  = "system_healthy"
	RecommendReupload = "reupload_documents"
)

// Checker verifies and repairs index/metadata agreement.
type Checker struct {
	store     *retrieval.Store
	backupDir string
	logger    *zap.Logger
}

// NewChecker creates a checker for the given store. Backups made during
// repair land in backupDir.
func NewChecker(store *retrieval.Store, backupDir string, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{store: store, backupDir: backupDir, logger: logger}
}

// CheckSync compares store cardinalities and probes the metadata store for
// the first min(100, total) ordinals. Desync is reported, never auto-repaired.
func (c *Checker) CheckSync(ctx context.Context) (*models.SyncReport, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read store stats: %w", err)
	}

	checked := stats.TotalVectors
	if checked > sampleLimit {
		checked = sampleLimit
	}
	found, missing := 0, 0
	for ordinal := 0; ordinal < checked; ordinal++ {
		_, err := c.store.Metadata().GetChunk(ctx, ordinal)
		switch {
		case err == nil:
			found++
		case errors.Is(err, storage.ErrChunkNotFound):
			missing++
		default:
			return nil, fmt.Errorf("sample lookup failed at ordinal %d: %w", ordinal, err)
		}
	}

	matchRate := 0.0
	if checked > 0 {
		matchRate = float64(found) / float64(checked)
	}
	recommendation := RecommendHealthy
	if !stats.IsSynced || missing > 0 {
		recommendation = RecommendReupload
		c.logger.Warn("stores out of sync",
			zap.Int("total_vectors", stats.TotalVectors),
			zap.Int("chunks_in_database", stats.ChunksCount),
			zap.Int("sample_missing", missing))
	}

	return &models.SyncReport{
		IsSynced:         stats.IsSynced,
		TotalVectors:     stats.TotalVectors,
		ChunksInDatabase: stats.ChunksCount,
		Mismatch:         stats.TotalVectors - stats.ChunksCount,
		SampleCheck: models.SampleCheck{
			CheckedOrdinals: checked,
			Found:           found,
			Missing:         missing,
			MatchRate:       matchRate,
		},
		Recommendation: recommendation,
	}, nil
}

// Repair backs up the current index file, then destructively clears both
// stores. It never attempts partial reconciliation; callers must re-ingest
// source documents afterward. Returns the backup location, which points at
// the backup directory when there was no index file to copy.
func (c *Checker) Repair(ctx context.Context) (string, error) {
	backupPath, err := c.backupIndexFile()
	if err != nil {
		return "", err
	}
	if err := c.store.Reset(ctx); err != nil {
		return "", fmt.Errorf("repair reset failed: %w", err)
	}
	c.logger.Info("stores repaired, re-ingestion required",
		zap.String("backup", backupPath))
	return backupPath, nil
}

// MigrateMetric switches the index to a different similarity metric. Stored
// vectors belong to the old metric's search structure, so the migration is
// the same destructive repair followed by an empty index under the new
// metric. A no-op when the metric already matches, returning an empty backup
// location.
func (c *Checker) MigrateMetric(ctx context.Context, newMetric vector.Metric) (string, error) {
	parsed, err := vector.ParseMetric(string(newMetric))
	if err != nil {
		return "", err
	}
	if c.store.Metric() == parsed {
		return "", nil
	}
	backupPath, err := c.backupIndexFile()
	if err != nil {
		return "", err
	}
	if err := c.store.RecreateIndex(ctx, parsed); err != nil {
		return "", fmt.Errorf("metric migration failed: %w", err)
	}
	c.logger.Info("similarity metric migrated, re-ingestion required",
		zap.String("metric", string(parsed)),
		zap.String("backup", backupPath))
	return backupPath, nil
}

// backupIndexFile copies the persisted index into the backup directory with a
// timestamp suffix. A missing index file is not an error; the backup
// directory itself is returned as the location.
func (c *Checker) backupIndexFile() (string, error) {
	if err := os.MkdirAll(c.backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}
	indexPath := c.store.IndexPath()
	if _, err := os.Stat(indexPath); err != nil {
		if os.IsNotExist(err) {
			return c.backupDir, nil
		}
		return "", err
	}
	backupPath := filepath.Join(c.backupDir,
		fmt.Sprintf("%s.backup.%d", filepath.Base(indexPath), time.Now().Unix()))
	if err := copyFile(indexPath, backupPath); err != nil {
		return "", fmt.Errorf("failed to back up index: %w", err)
	}
	return backupPath, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/memory"

	_ "modernc.org/sqlite"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS ingestion_checkpoints (
	job          TEXT PRIMARY KEY,
	last_key     TEXT NOT NULL DEFAULT '',
	error_count  INTEGER NOT NULL DEFAULT 0,
	completed_at TEXT,
	updated_at   TEXT NOT NULL
);
`

// Checkpoint records bulk-ingestion progress so a restarted job resumes
// instead of re-reading everything.
type Checkpoint struct {
	Job         string
	LastKey     string
	ErrorCount  int
	CompletedAt *time.Time
}

// CheckpointStore persists checkpoints.
type CheckpointStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenCheckpoints opens or creates the checkpoint database at path.
func OpenCheckpoints(path string, logger *zap.Logger) (*CheckpointStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(checkpointSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying checkpoint schema: %w", err)
	}

	return &CheckpointStore{db: db, logger: logger}, nil
}

// Load returns the checkpoint for a job, or a zero checkpoint when the
// job has never run.
func (c *CheckpointStore) Load(ctx context.Context, job string) (*Checkpoint, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT job, last_key, error_count, completed_at
		FROM ingestion_checkpoints WHERE job = ?`, job)

	cp := &Checkpoint{}
	var completedAt sql.NullString
	err := row.Scan(&cp.Job, &cp.LastKey, &cp.ErrorCount, &completedAt)
	if err == sql.ErrNoRows {
		return &Checkpoint{Job: job}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning checkpoint: %w", err)
	}
	if completedAt.Valid {
		ts, parseErr := time.Parse(time.RFC3339Nano, completedAt.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", parseErr)
		}
		cp.CompletedAt = &ts
	}
	return cp, nil
}

// Save upserts a checkpoint.
func (c *CheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	var completedAt any
	if cp.CompletedAt != nil {
		completedAt = cp.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO ingestion_checkpoints (job, last_key, error_count, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job) DO UPDATE SET
			last_key = excluded.last_key,
			error_count = excluded.error_count,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		cp.Job, cp.LastKey, cp.ErrorCount, completedAt,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", cp.Job, err)
	}
	return nil
}

// Close closes the database.
func (c *CheckpointStore) Close() error {
	return c.db.Close()
}

// Document is one unit of a bulk load. Key must be unique within the
// job and monotonically increasing in feed order.
type Document struct {
	Key     string
	Scope   string
	Tier    memory.Tier
	Content string
	Source  memory.Source
}

// BulkIngest feeds documents through Ingest, checkpointing after every
// document so a crashed or cancelled job resumes past completed work.
// Documents at or before the checkpointed key are skipped. Per-document
// validation failures count against the checkpoint's error count but do
// not abort the job.
func (s *Service) BulkIngest(ctx context.Context, checkpoints *CheckpointStore, job string, docs []Document) (*Checkpoint, error) {
	cp, err := checkpoints.Load(ctx, job)
	if err != nil {
		return nil, err
	}
	if cp.CompletedAt != nil {
		return cp, nil
	}

	for _, doc := range docs {
		if cp.LastKey != "" && doc.Key <= cp.LastKey {
			continue
		}
		if err := ctx.Err(); err != nil {
			return cp, err
		}

		if _, _, err := s.Ingest(ctx, doc.Scope, doc.Tier, doc.Content, doc.Source); err != nil {
			cp.ErrorCount++
			s.logger.Warn("bulk document rejected",
				zap.String("job", job),
				zap.String("key", doc.Key),
				zap.Error(err))
		}

		cp.LastKey = doc.Key
		if err := checkpoints.Save(ctx, cp); err != nil {
			return cp, err
		}
	}

	now := time.Now().UTC()
	cp.CompletedAt = &now
	if err := checkpoints.Save(ctx, cp); err != nil {
		return cp, err
	}
	s.logger.Info("bulk ingestion complete",
		zap.String("job", job),
		zap.String("last_key", cp.LastKey),
		zap.Int("errors", cp.ErrorCount))
	return cp, nil
}

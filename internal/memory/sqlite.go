package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id               TEXT PRIMARY KEY,
	scope            TEXT NOT NULL,
	tier             TEXT NOT NULL,
	content          TEXT NOT NULL,
	content_hash     TEXT NOT NULL,
	tags             TEXT NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL DEFAULT 'active',
	needs_reindex    INTEGER NOT NULL DEFAULT 1,
	embedding_status TEXT NOT NULL DEFAULT '',
	embedding_error  TEXT NOT NULL DEFAULT '',
	source_kind      TEXT NOT NULL DEFAULT '',
	source_ref       TEXT NOT NULL DEFAULT '',
	uses             INTEGER NOT NULL DEFAULT 0,
	success_count    REAL NOT NULL DEFAULT 0,
	worked_count     INTEGER NOT NULL DEFAULT 0,
	partial_count    INTEGER NOT NULL DEFAULT 0,
	unknown_count    INTEGER NOT NULL DEFAULT 0,
	failed_count     INTEGER NOT NULL DEFAULT 0,
	wilson_score     REAL NOT NULL DEFAULT 0,
	last_used_at     TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

DROP INDEX IF EXISTS idx_items_scope_hash;
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_scope_hash_active
	ON items(scope, content_hash) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_items_scope_tier_reindex
	ON items(scope, tier, needs_reindex);
CREATE INDEX IF NOT EXISTS idx_items_scope_tier_status
	ON items(scope, tier, status);

CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
	content,
	content='items',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS items_fts_insert AFTER INSERT ON items BEGIN
	INSERT INTO items_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS items_fts_delete AFTER DELETE ON items BEGIN
	INSERT INTO items_fts(items_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS items_fts_update AFTER UPDATE OF content ON items BEGIN
	INSERT INTO items_fts(items_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO items_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`

const itemColumns = `id, scope, tier, content, content_hash, tags, status,
	needs_reindex, embedding_status, embedding_error, source_kind, source_ref,
	uses, success_count, worked_count, partial_count, unknown_count, failed_count,
	wilson_score, last_used_at, created_at, updated_at`

// SQLiteStore implements Store on SQLite (modernc.org/sqlite).
//
// A single connection serializes all writes, which makes the
// read-modify-write in RecordOutcome atomic without advisory locking.
// The FTS5 shadow table doubles as the lexical index.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the item database at path and runs migrations.
func Open(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One connection: sqlite is single-writer, and :memory: databases are
	// per-connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	logger.Info("item store opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put persists a new item and returns its id. A unique index on
// (scope, content_hash) over active items makes dedup structural:
// concurrent writers of identical content race to one insert, and the
// losers get ErrDuplicateContent.
func (s *SQLiteStore) Put(ctx context.Context, item *MemoryItem) (string, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}

	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return "", fmt.Errorf("marshaling tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (
			id, scope, tier, content, content_hash, tags, status,
			needs_reindex, embedding_status, embedding_error, source_kind, source_ref,
			uses, success_count, worked_count, partial_count, unknown_count, failed_count,
			wilson_score, last_used_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Scope, string(item.Tier), item.Content, item.ContentHash,
		string(tags), string(item.Status),
		boolToInt(item.NeedsReindex), item.EmbeddingStatus, item.EmbeddingError,
		item.Source.Kind, item.Source.Ref,
		item.Stats.Uses, item.Stats.SuccessCount,
		item.Stats.WorkedCount, item.Stats.PartialCount,
		item.Stats.UnknownCount, item.Stats.FailedCount,
		item.Stats.WilsonScore, nullableTime(item.Stats.LastUsedAt),
		item.CreatedAt.Format(time.RFC3339Nano), item.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: scope %q", ErrDuplicateContent, item.Scope)
		}
		return "", fmt.Errorf("inserting item: %w", err)
	}

	s.logger.Debug("item stored",
		zap.String("id", item.ID),
		zap.String("tier", string(item.Tier)),
		zap.String("scope", item.Scope))
	return item.ID, nil
}

// Get returns an item by id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// GetMany returns the items for the given ids, skipping missing ones.
func (s *SQLiteStore) GetMany(ctx context.Context, ids []string) ([]*MemoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// UpdateContent applies a content/tags patch and re-flags the item for
// reindexing.
func (s *SQLiteStore) UpdateContent(ctx context.Context, id string, patch ContentPatch) error {
	set := []string{"needs_reindex = 1", "updated_at = ?"}
	args := []any{nowFunc().Format(time.RFC3339Nano)}

	if patch.Content != nil {
		if strings.TrimSpace(*patch.Content) == "" {
			return ErrEmptyContent
		}
		set = append(set, "content = ?", "content_hash = ?")
		args = append(args, *patch.Content, CanonicalHash(*patch.Content))
	}
	if patch.Tags != nil {
		tags, err := json.Marshal(patch.Tags)
		if err != nil {
			return fmt.Errorf("marshaling tags: %w", err)
		}
		set = append(set, "tags = ?")
		args = append(args, string(tags))
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = 'active'`, args...)
	if err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	return requireRow(res)
}

// Archive soft-deletes an item.
func (s *SQLiteStore) Archive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET status = 'archived', updated_at = ? WHERE id = ?`,
		nowFunc().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("archiving item: %w", err)
	}
	return requireRow(res)
}

// FindByContentHash returns the active item matching (scope, hash).
func (s *SQLiteStore) FindByContentHash(ctx context.Context, scope, hash string) (*MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE scope = ? AND content_hash = ? AND status = 'active'
		 ORDER BY created_at LIMIT 1`, scope, hash)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// ListNeedingReindex returns up to limit active items flagged for reindexing.
func (s *SQLiteStore) ListNeedingReindex(ctx context.Context, scope string, limit int) ([]*MemoryItem, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + itemColumns + ` FROM items
		WHERE needs_reindex = 1 AND status = 'active'`
	args := []any{}
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY updated_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reindex backlog: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// CountNeedingReindex reports the reindex backlog size for a scope.
func (s *SQLiteStore) CountNeedingReindex(ctx context.Context, scope string) (int, error) {
	query := `SELECT COUNT(*) FROM items WHERE needs_reindex = 1 AND status = 'active'`
	args := []any{}
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, scope)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting reindex backlog: %w", err)
	}
	return n, nil
}

// MarkIndexed clears the reindex flag after a successful index upsert.
func (s *SQLiteStore) MarkIndexed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET needs_reindex = 0, embedding_status = '', embedding_error = '', updated_at = ?
		 WHERE id = ?`,
		nowFunc().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("marking indexed: %w", err)
	}
	return requireRow(res)
}

// MarkIndexFailed records an embedding/index failure on the item.
func (s *SQLiteStore) MarkIndexFailed(ctx context.Context, id, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET embedding_status = ?, embedding_error = ?, updated_at = ?
		 WHERE id = ?`,
		EmbeddingStatusFailed, msg, nowFunc().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("marking index failure: %w", err)
	}
	return requireRow(res)
}

// RecordOutcome applies the outcome delta table atomically and recomputes
// the Wilson score from the cumulative counters.
//
// The counter update and the Wilson recompute run inside one transaction
// on the store's single connection, so concurrent outcome recording for
// the same item is linearized: N concurrent "worked" calls yield uses==N.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, id string, outcome Outcome) (*Stats, error) {
	if _, err := ParseOutcome(string(outcome)); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning outcome tx: %w", err)
	}
	defer tx.Rollback()

	now := nowFunc()
	res, err := tx.ExecContext(ctx, `
		UPDATE items SET
			uses          = uses + 1,
			success_count = success_count + ?,
			worked_count  = worked_count + ?,
			partial_count = partial_count + ?,
			unknown_count = unknown_count + ?,
			failed_count  = failed_count + ?,
			last_used_at  = ?,
			updated_at    = ?
		WHERE id = ? AND status = 'active'`,
		outcome.SuccessDelta(),
		counterDelta(outcome, OutcomeWorked),
		counterDelta(outcome, OutcomePartial),
		counterDelta(outcome, OutcomeUnknown),
		counterDelta(outcome, OutcomeFailed),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("applying outcome delta: %w", err)
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}

	var stats Stats
	var lastUsed sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT uses, success_count, worked_count, partial_count, unknown_count, failed_count, last_used_at
		FROM items WHERE id = ?`, id).Scan(
		&stats.Uses, &stats.SuccessCount,
		&stats.WorkedCount, &stats.PartialCount, &stats.UnknownCount, &stats.FailedCount,
		&lastUsed)
	if err != nil {
		return nil, fmt.Errorf("reading updated stats: %w", err)
	}

	// Wilson needs sqrt, which sqlite lacks, so the recompute happens here
	// inside the same transaction.
	stats.WilsonScore = WilsonLowerBound(stats.SuccessCount, stats.Uses)
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET wilson_score = ? WHERE id = ?`, stats.WilsonScore, id); err != nil {
		return nil, fmt.Errorf("updating wilson score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing outcome: %w", err)
	}

	if t, perr := time.Parse(time.RFC3339Nano, lastUsed.String); perr == nil && lastUsed.Valid {
		stats.LastUsedAt = &t
	}
	return &stats, nil
}

// Promote creates a probation-reset copy of the item in the target tier
// and archives the source, in one transaction.
func (s *SQLiteStore) Promote(ctx context.Context, id string, target Tier) (string, error) {
	if !target.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, target)
	}
	if target.Reference() {
		return "", ErrReferenceTier
	}

	src, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if src.Status != StatusActive {
		return "", ErrItemArchived
	}

	promoted := *src
	promoted.ID = newItemID()
	promoted.Tier = target
	promoted.Stats = Stats{}
	promoted.NeedsReindex = true
	promoted.CreatedAt = nowFunc()
	promoted.UpdatedAt = promoted.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning promote tx: %w", err)
	}
	defer tx.Rollback()

	tags, err := json.Marshal(promoted.Tags)
	if err != nil {
		return "", fmt.Errorf("marshaling tags: %w", err)
	}

	// Archive the source before inserting the copy: the unique active
	// (scope, content_hash) index would otherwise see both rows active
	// inside the transaction. Commit keeps the pair atomic either way.
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET status = 'archived', updated_at = ? WHERE id = ?`,
		promoted.UpdatedAt.Format(time.RFC3339Nano), id); err != nil {
		return "", fmt.Errorf("archiving source item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO items (
			id, scope, tier, content, content_hash, tags, status,
			needs_reindex, source_kind, source_ref, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 'active', 1, ?, ?, ?, ?)`,
		promoted.ID, promoted.Scope, string(promoted.Tier), promoted.Content,
		promoted.ContentHash, string(tags),
		promoted.Source.Kind, promoted.Source.Ref,
		promoted.CreatedAt.Format(time.RFC3339Nano),
		promoted.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("creating promoted item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing promotion: %w", err)
	}

	s.logger.Info("item promoted",
		zap.String("source_id", id),
		zap.String("promoted_id", promoted.ID),
		zap.String("from", string(src.Tier)),
		zap.String("to", string(target)))
	return promoted.ID, nil
}

// EvictOverCapacity archives the lowest-value items of a tier beyond max.
func (s *SQLiteStore) EvictOverCapacity(ctx context.Context, scope string, tier Tier, max int) (int, error) {
	if tier.Reference() {
		return 0, nil
	}
	if max <= 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET status = 'archived', updated_at = ?
		WHERE id IN (
			SELECT id FROM items
			WHERE scope = ? AND tier = ? AND status = 'active'
			ORDER BY wilson_score DESC, last_used_at DESC, created_at DESC
			LIMIT -1 OFFSET ?
		)`,
		nowFunc().Format(time.RFC3339Nano), scope, string(tier), max)
	if err != nil {
		return 0, fmt.Errorf("evicting over capacity: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("evicted items over tier capacity",
			zap.String("scope", scope),
			zap.String("tier", string(tier)),
			zap.Int64("evicted", n))
	}
	return int(n), nil
}

// ListScopes returns the distinct scopes holding active items.
func (s *SQLiteStore) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT scope FROM items WHERE status = 'active' ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scanning scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// LexicalSearch runs an FTS5 term-overlap search over active item content.
func (s *SQLiteStore) LexicalSearch(ctx context.Context, scope string, terms []string, tiers []Tier, k int) ([]LexicalHit, error) {
	match := ftsQuery(terms)
	if match == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 20
	}

	query := `
		SELECT i.id, -bm25(items_fts) AS score
		FROM items_fts
		JOIN items i ON i.rowid = items_fts.rowid
		WHERE items_fts MATCH ? AND i.status = 'active' AND i.scope = ?`
	args := []any{match, scope}

	if len(tiers) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tiers)), ",")
		query += ` AND i.tier IN (` + placeholders + `)`
		for _, t := range tiers {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY bm25(items_fts) LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning lexical hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsQuery builds an OR query of quoted terms, dropping empties. Quoting
// keeps FTS5 operators in user text from being interpreted.
func ftsQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(strings.ReplaceAll(t, `"`, ""))
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// counterDelta returns 1 when outcome equals target, else 0.
func counterDelta(outcome, target Outcome) int {
	if outcome == target {
		return 1
	}
	return 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*MemoryItem, error) {
	var (
		item         MemoryItem
		tier, status string
		tags         string
		needsReindex int
		lastUsed     sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(
		&item.ID, &item.Scope, &tier, &item.Content, &item.ContentHash, &tags, &status,
		&needsReindex, &item.EmbeddingStatus, &item.EmbeddingError,
		&item.Source.Kind, &item.Source.Ref,
		&item.Stats.Uses, &item.Stats.SuccessCount,
		&item.Stats.WorkedCount, &item.Stats.PartialCount,
		&item.Stats.UnknownCount, &item.Stats.FailedCount,
		&item.Stats.WilsonScore, &lastUsed, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Tier = Tier(tier)
	item.Status = Status(status)
	item.NeedsReindex = needsReindex != 0
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return nil, fmt.Errorf("unmarshaling tags: %w", err)
	}
	if lastUsed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastUsed.String); err == nil {
			item.Stats.LastUsedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		item.UpdatedAt = t
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*MemoryItem, error) {
	var items []*MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a unique index violation.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

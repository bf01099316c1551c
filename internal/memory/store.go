package memory

import (
	"context"
	"time"
)

// ContentPatch describes a partial content update. Nil fields are left
// unchanged.
type ContentPatch struct {
	Content *string
	Tags    []string
}

// LexicalHit is one lexical (term-overlap) search result.
type LexicalHit struct {
	// ID is the matching item's id.
	ID string

	// Score is a relevance score where higher is better. Derived from the
	// FTS rank; comparable only within a single result list.
	Score float64
}

// PromotionRule describes the thresholds for moving an item between tiers.
type PromotionRule struct {
	From       Tier
	To         Tier
	MinUses    int
	MinSuccess float64
}

// DefaultPromotionRules are the tier lifecycle thresholds. The
// working→history transition starts a probation period: stats reset to
// zero in the target tier, and the history→patterns thresholds must be
// accrued during probation.
var DefaultPromotionRules = []PromotionRule{
	{From: TierWorking, To: TierHistory, MinUses: 2, MinSuccess: 1},
	{From: TierHistory, To: TierPatterns, MinUses: 5, MinSuccess: 3},
}

// Store is the persistence contract for memory items.
//
// Writes are store-then-embed: Put persists immediately with
// NeedsReindex set and returns before any vector indexing happens.
// Stats mutate only through RecordOutcome, which is atomic per item.
type Store interface {
	// Put persists a new item and returns its id.
	Put(ctx context.Context, item *MemoryItem) (string, error)

	// Get returns an item by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*MemoryItem, error)

	// GetMany returns the items for the given ids, skipping missing ones.
	GetMany(ctx context.Context, ids []string) ([]*MemoryItem, error)

	// UpdateContent applies a content/tags patch and re-flags the item for
	// reindexing.
	UpdateContent(ctx context.Context, id string, patch ContentPatch) error

	// Archive soft-deletes an item. Archived items keep their stats for
	// attribution but leave search.
	Archive(ctx context.Context, id string) error

	// FindByContentHash returns the active item with the given canonical
	// content hash within a scope, or ErrNotFound.
	FindByContentHash(ctx context.Context, scope, hash string) (*MemoryItem, error)

	// ListNeedingReindex returns up to limit active items flagged for
	// reindexing within a scope. An empty scope matches all scopes.
	ListNeedingReindex(ctx context.Context, scope string, limit int) ([]*MemoryItem, error)

	// CountNeedingReindex reports how many active items await reindexing
	// within a scope.
	CountNeedingReindex(ctx context.Context, scope string) (int, error)

	// MarkIndexed clears the reindex flag after a successful index upsert.
	MarkIndexed(ctx context.Context, id string) error

	// MarkIndexFailed records an embedding/index failure. The item stays
	// flagged for reindexing; the failure is never silently dropped.
	MarkIndexFailed(ctx context.Context, id, msg string) error

	// RecordOutcome applies the outcome delta table to the item's stats and
	// recomputes the Wilson score, as a single atomic operation. Returns
	// the post-update stats. Errors are surfaced to the caller: silently
	// losing a delta corrupts the estimator.
	RecordOutcome(ctx context.Context, id string, outcome Outcome) (*Stats, error)

	// Promote creates a copy of the item in the target tier with
	// probation-reset stats (uses=0, success_count=0) and archives the
	// source. Returns the new item's id. Never an in-place tier flip.
	Promote(ctx context.Context, id string, target Tier) (string, error)

	// EvictOverCapacity archives the lowest-value items of a tier beyond
	// max, ordered by (wilson_score, last_used_at, created_at) ascending.
	// Reference tiers are never evicted. Returns the number archived.
	EvictOverCapacity(ctx context.Context, scope string, tier Tier, max int) (int, error)

	// ListScopes returns the distinct scopes holding active items.
	ListScopes(ctx context.Context) ([]string, error)

	// LexicalSearch runs a term-overlap search over active item content.
	// Empty tiers means all tiers.
	LexicalSearch(ctx context.Context, scope string, terms []string, tiers []Tier, k int) ([]LexicalHit, error)

	// Close releases the underlying database.
	Close() error
}

// nowFunc is swappable in tests.
var nowFunc = func() time.Time { return time.Now().UTC() }

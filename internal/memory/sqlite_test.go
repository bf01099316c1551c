package memory

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "items.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func mustPut(t *testing.T, store *SQLiteStore, scope string, tier Tier, content string) *MemoryItem {
	t.Helper()
	item, err := NewItem(scope, tier, content, Source{Kind: "conversation", Ref: "c-1"})
	require.NoError(t, err)
	_, err = store.Put(context.Background(), item)
	require.NoError(t, err)
	return item
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item, err := NewItem("u1", TierWorking, "the staging db lives on host corsair", Source{Kind: "tool", Ref: "sql_query"})
	require.NoError(t, err)
	item.Tags = []string{"infra", "db"}

	id, err := store.Put(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, item.ID, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, item.Content, got.Content)
	assert.Equal(t, item.ContentHash, got.ContentHash)
	assert.Equal(t, []string{"infra", "db"}, got.Tags)
	assert.Equal(t, TierWorking, got.Tier)
	assert.True(t, got.NeedsReindex)
	assert.Equal(t, "sql_query", got.Source.Ref)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByContentHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := mustPut(t, store, "u1", TierBooks, "Chapter 3: indexing strategies")

	found, err := store.FindByContentHash(ctx, "u1", CanonicalHash("chapter 3:  indexing strategies"))
	require.NoError(t, err)
	assert.Equal(t, item.ID, found.ID)

	// Other scope does not match.
	_, err = store.FindByContentHash(ctx, "u2", item.ContentHash)
	assert.ErrorIs(t, err, ErrNotFound)

	// Archived items do not match.
	require.NoError(t, store.Archive(ctx, item.ID))
	_, err = store.FindByContentHash(ctx, "u1", item.ContentHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordOutcomeDeltaTable(t *testing.T) {
	tests := []struct {
		outcome     Outcome
		wantSuccess float64
	}{
		{OutcomeWorked, 1.0},
		{OutcomePartial, 0.5},
		{OutcomeUnknown, 0.25},
		{OutcomeFailed, 0.0},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			store := newTestStore(t)
			item := mustPut(t, store, "u1", TierWorking, "content for "+string(tt.outcome))

			stats, err := store.RecordOutcome(context.Background(), item.ID, tt.outcome)
			require.NoError(t, err)

			assert.Equal(t, 1, stats.Uses, "uses must increment for every outcome, including failed")
			assert.Equal(t, tt.wantSuccess, stats.SuccessCount)
			assert.NotNil(t, stats.LastUsedAt)
			assert.InDelta(t, WilsonLowerBound(tt.wantSuccess, 1), stats.WilsonScore, 1e-9)
		})
	}
}

func TestRecordOutcomeInvariantOverSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	item := mustPut(t, store, "u1", TierHistory, "sequence item")

	sequence := []Outcome{
		OutcomeWorked, OutcomeFailed, OutcomePartial, OutcomeUnknown,
		OutcomeWorked, OutcomeWorked, OutcomeFailed, OutcomeUnknown,
	}

	for i, outcome := range sequence {
		stats, err := store.RecordOutcome(ctx, item.ID, outcome)
		require.NoError(t, err)

		sum := stats.WorkedCount + stats.PartialCount + stats.UnknownCount + stats.FailedCount
		assert.Equal(t, i+1, stats.Uses)
		assert.Equal(t, stats.Uses, sum, "uses must equal the sum of outcome counters after every call")
		assert.InDelta(t, WilsonLowerBound(stats.SuccessCount, stats.Uses), stats.WilsonScore, 1e-9,
			"wilson must be derivable purely from (success_count, uses)")
	}

	final, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.Stats.WorkedCount)
	assert.Equal(t, 1, final.Stats.PartialCount)
	assert.Equal(t, 2, final.Stats.UnknownCount)
	assert.Equal(t, 2, final.Stats.FailedCount)
	assert.Equal(t, 4.0, final.Stats.SuccessCount)
}

func TestRecordOutcomeConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	item := mustPut(t, store, "u1", TierWorking, "contended item")

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.RecordOutcome(ctx, item.ID, OutcomeWorked); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent outcome failed: %v", err)
	}

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.Stats.Uses, "no outcome update may be lost under contention")
	assert.Equal(t, n, got.Stats.WorkedCount)
	assert.Equal(t, float64(n), got.Stats.SuccessCount)
}

func TestRecordOutcomeValidation(t *testing.T) {
	store := newTestStore(t)
	item := mustPut(t, store, "u1", TierWorking, "item")

	_, err := store.RecordOutcome(context.Background(), item.ID, Outcome("succeeded"))
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = store.RecordOutcome(context.Background(), "missing", OutcomeWorked)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordOutcomeArchivedItem(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	item := mustPut(t, store, "u1", TierWorking, "item")
	require.NoError(t, store.Archive(ctx, item.ID))

	_, err := store.RecordOutcome(ctx, item.ID, OutcomeWorked)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPromoteProbationReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	item := mustPut(t, store, "u1", TierWorking, "promotable strategy")

	// Accrue pre-promotion stats that must NOT carry over.
	for i := 0; i < 4; i++ {
		_, err := store.RecordOutcome(ctx, item.ID, OutcomeWorked)
		require.NoError(t, err)
	}

	newID, err := store.Promote(ctx, item.ID, TierHistory)
	require.NoError(t, err)
	require.NotEqual(t, item.ID, newID)

	promoted, err := store.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, TierHistory, promoted.Tier)
	assert.Zero(t, promoted.Stats.Uses, "probation resets uses")
	assert.Zero(t, promoted.Stats.SuccessCount, "probation resets success_count")
	assert.True(t, promoted.NeedsReindex)
	assert.Equal(t, item.Content, promoted.Content)

	source, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, source.Status, "promotion archives the source, never flips in place")
}

func TestPromoteRejectsReferenceTier(t *testing.T) {
	store := newTestStore(t)
	item := mustPut(t, store, "u1", TierWorking, "item")

	_, err := store.Promote(context.Background(), item.ID, TierSchemaKnowledge)
	assert.ErrorIs(t, err, ErrReferenceTier)
}

func TestEvictOverCapacity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ids := make([]string, 5)
	for i := range ids {
		item := mustPut(t, store, "u1", TierWorking, "eviction candidate "+string(rune('a'+i)))
		ids[i] = item.ID
	}
	// Make the first two items valuable so they survive.
	for _, id := range ids[:2] {
		for j := 0; j < 5; j++ {
			_, err := store.RecordOutcome(ctx, id, OutcomeWorked)
			require.NoError(t, err)
		}
	}

	evicted, err := store.EvictOverCapacity(ctx, "u1", TierWorking, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)

	for _, id := range ids[:2] {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)
	}
}

func TestEvictNeverTouchesReferenceTiers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		mustPut(t, store, "u1", TierSchemaKnowledge, "schema entry "+string(rune('a'+i)))
	}

	evicted, err := store.EvictOverCapacity(ctx, "u1", TierSchemaKnowledge, 1)
	require.NoError(t, err)
	assert.Zero(t, evicted)
}

func TestLexicalSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	match := mustPut(t, store, "u1", TierBooks, "postgres connection pooling with pgbouncer")
	mustPut(t, store, "u1", TierBooks, "baking sourdough at home")
	other := mustPut(t, store, "u2", TierBooks, "postgres tuning checklist")

	hits, err := store.LexicalSearch(ctx, "u1", []string{"postgres", "pooling"}, nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, match.ID, hits[0].ID)

	// Scope isolation: u2's item is invisible to u1.
	for _, h := range hits {
		assert.NotEqual(t, other.ID, h.ID)
	}

	// Tier filter.
	hits, err = store.LexicalSearch(ctx, "u1", []string{"postgres"}, []Tier{TierWorking}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Empty terms yield no hits, not an error.
	hits, err = store.LexicalSearch(ctx, "u1", nil, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLexicalSearchQuotesOperators(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustPut(t, store, "u1", TierBooks, "select star from users")

	// FTS5 operators in user terms must not break the query.
	_, err := store.LexicalSearch(ctx, "u1", []string{"select", "AND", "NEAR("}, nil, 10)
	assert.NoError(t, err)
}

func TestReindexLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustPut(t, store, "u1", TierWorking, "first")
	b := mustPut(t, store, "u1", TierWorking, "second")
	mustPut(t, store, "u2", TierWorking, "other scope")

	n, err := store.CountNeedingReindex(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := store.ListNeedingReindex(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, store.MarkIndexed(ctx, a.ID))
	n, err = store.CountNeedingReindex(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Failure keeps the flag set and records the message.
	require.NoError(t, store.MarkIndexFailed(ctx, b.ID, "embedder unreachable"))
	got, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, EmbeddingStatusFailed, got.EmbeddingStatus)
	assert.Equal(t, "embedder unreachable", got.EmbeddingError)
	assert.True(t, got.NeedsReindex)

	// A later success clears the failure marker.
	require.NoError(t, store.MarkIndexed(ctx, b.ID))
	got, err = store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, got.EmbeddingStatus)
	assert.False(t, got.NeedsReindex)
}

func TestUpdateContentReflagsReindex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	item := mustPut(t, store, "u1", TierMemoryBank, "original note")
	require.NoError(t, store.MarkIndexed(ctx, item.ID))

	newContent := "edited note"
	require.NoError(t, store.UpdateContent(ctx, item.ID, ContentPatch{
		Content: &newContent,
		Tags:    []string{"edited"},
	}))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited note", got.Content)
	assert.Equal(t, CanonicalHash("edited note"), got.ContentHash)
	assert.Equal(t, []string{"edited"}, got.Tags)
	assert.True(t, got.NeedsReindex, "content edits must re-enter the indexing queue")
}

func TestGetMany(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := mustPut(t, store, "u1", TierWorking, "alpha")
	b := mustPut(t, store, "u1", TierWorking, "beta")

	items, err := store.GetMany(ctx, []string{a.ID, "missing", b.ID})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestListScopes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustPut(t, store, "alpha", TierWorking, "note one")
	mustPut(t, store, "beta", TierWorking, "note two")
	archived := mustPut(t, store, "gamma", TierWorking, "note three")
	require.NoError(t, store.Archive(ctx, archived.ID))

	scopes, err := store.ListScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, scopes)
}

func TestPutDuplicateActiveContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := mustPut(t, store, "u1", TierWorking, "redis auth uses the ops vault token")

	// Same canonical content in the same scope is rejected by the store.
	dup, err := NewItem("u1", TierWorking, "Redis  auth uses the ops VAULT token", Source{Kind: "tool"})
	require.NoError(t, err)
	_, err = store.Put(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateContent)

	// Different scope is fine.
	other, err := NewItem("u2", TierWorking, "redis auth uses the ops vault token", Source{Kind: "tool"})
	require.NoError(t, err)
	_, err = store.Put(ctx, other)
	require.NoError(t, err)

	// Archiving the original frees the slot.
	require.NoError(t, store.Archive(ctx, first.ID))
	again, err := NewItem("u1", TierWorking, "redis auth uses the ops vault token", Source{Kind: "tool"})
	require.NoError(t, err)
	_, err = store.Put(ctx, again)
	require.NoError(t, err)
}

func TestPutConcurrentIdenticalContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 32
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item, err := NewItem("u1", TierWorking, "deploys go through the blue/green pipeline", Source{Kind: "conversation"})
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = store.Put(ctx, item)
		}(i)
	}
	wg.Wait()

	inserted := 0
	for _, err := range errs {
		if err == nil {
			inserted++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateContent)
	}
	assert.Equal(t, 1, inserted, "exactly one writer should win the insert")
}

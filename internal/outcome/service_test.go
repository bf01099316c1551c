package outcome

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

func newTestService(t *testing.T) (*Service, *memory.SQLiteStore) {
	t.Helper()
	store, err := memory.Open(filepath.Join(t.TempDir(), "items.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := NewService(store, nil)
	require.NoError(t, err)
	return svc, store
}

func putItem(t *testing.T, store *memory.SQLiteStore, tier memory.Tier, content string) string {
	t.Helper()
	item, err := memory.NewItem("proj", tier, content, memory.Source{Kind: "test"})
	require.NoError(t, err)
	id, err := store.Put(context.Background(), item)
	require.NoError(t, err)
	return id
}

func TestRecordAppliesDelta(t *testing.T) {
	svc, store := newTestService(t)
	id := putItem(t, store, memory.TierHistory, "retry idempotent requests only")

	result, err := svc.Record(context.Background(), id, "partial")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Uses)
	assert.InDelta(t, 0.5, result.Stats.SuccessCount, 1e-9)
	assert.False(t, result.Promoted)
}

func TestRecordRejectsUnknownOutcome(t *testing.T) {
	svc, store := newTestService(t)
	id := putItem(t, store, memory.TierWorking, "x")

	_, err := svc.Record(context.Background(), id, "success")
	assert.ErrorIs(t, err, memory.ErrInvalidOutcome)

	// Nothing was recorded.
	item, getErr := store.Get(context.Background(), id)
	require.NoError(t, getErr)
	assert.Equal(t, 0, item.Stats.Uses)
}

func TestRecordMissingItem(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Record(context.Background(), "nope", "worked")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestWorkingPromotesToHistoryWithProbation(t *testing.T) {
	svc, store := newTestService(t)
	id := putItem(t, store, memory.TierWorking, "pin the CI base image digest")
	ctx := context.Background()

	first, err := svc.Record(ctx, id, "worked")
	require.NoError(t, err)
	assert.False(t, first.Promoted, "uses=1 is below the threshold")

	second, err := svc.Record(ctx, id, "worked")
	require.NoError(t, err)
	require.True(t, second.Promoted)
	assert.Equal(t, memory.TierHistory, second.PromotedTo)

	promoted, err := store.Get(ctx, second.PromotedID)
	require.NoError(t, err)
	assert.Equal(t, memory.TierHistory, promoted.Tier)
	assert.Equal(t, 0, promoted.Stats.Uses, "probation resets stats")
	assert.Zero(t, promoted.Stats.SuccessCount)

	// Source is archived and out of reach.
	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestHistoryPromotesToPatterns(t *testing.T) {
	svc, store := newTestService(t)
	id := putItem(t, store, memory.TierHistory, "use advisory locks for migrations")
	ctx := context.Background()

	var last *Result
	for i := 0; i < 5; i++ {
		var err error
		last, err = svc.Record(ctx, id, "worked")
		require.NoError(t, err)
	}
	require.True(t, last.Promoted)
	assert.Equal(t, memory.TierPatterns, last.PromotedTo)
}

func TestFailedOutcomesNeverPromote(t *testing.T) {
	svc, store := newTestService(t)
	id := putItem(t, store, memory.TierWorking, "x")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		result, err := svc.Record(ctx, id, "failed")
		require.NoError(t, err)
		assert.False(t, result.Promoted, "uses grows but success stays zero")
	}
}

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	assert.ErrorIs(t, err, ErrNilStore)
}

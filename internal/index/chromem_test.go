package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

func newTestIndex(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(ChromemConfig{
		Path: filepath.Join(t.TempDir(), "vectors"),
	}, nil)
	require.NoError(t, err)
	return idx
}

// Axis-aligned unit vectors make similarity assertions exact.
func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func TestChromemUpsertAndSearch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{
		{ID: "a", Scope: "proj", Tier: memory.TierWorking, Content: "first", Vector: unit(4, 0)},
		{ID: "b", Scope: "proj", Tier: memory.TierHistory, Content: "second", Vector: unit(4, 1)},
	}))

	hits, err := idx.Search(ctx, unit(4, 0), Filter{Scope: "proj"}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID, "exact vector match ranks first")
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
}

func TestChromemScopeIsolation(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{
		{ID: "a", Scope: "alpha", Tier: memory.TierWorking, Content: "x", Vector: unit(4, 0)},
		{ID: "b", Scope: "beta", Tier: memory.TierWorking, Content: "y", Vector: unit(4, 0)},
	}))

	hits, err := idx.Search(ctx, unit(4, 0), Filter{Scope: "alpha"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestChromemTierFilter(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{
		{ID: "w", Scope: "proj", Tier: memory.TierWorking, Content: "x", Vector: unit(4, 0)},
		{ID: "h", Scope: "proj", Tier: memory.TierHistory, Content: "y", Vector: unit(4, 0)},
		{ID: "p", Scope: "proj", Tier: memory.TierPatterns, Content: "z", Vector: unit(4, 0)},
	}))

	hits, err := idx.Search(ctx, unit(4, 0), Filter{
		Scope: "proj",
		Tiers: []memory.Tier{memory.TierHistory, memory.TierPatterns},
	}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.NotEqual(t, "w", h.ID)
	}
}

func TestChromemUpsertReplaces(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{
		{ID: "a", Scope: "proj", Tier: memory.TierWorking, Content: "old", Vector: unit(4, 0)},
	}))
	require.NoError(t, idx.Upsert(ctx, []Entry{
		{ID: "a", Scope: "proj", Tier: memory.TierWorking, Content: "new", Vector: unit(4, 1)},
	}))

	hits, err := idx.Search(ctx, unit(4, 1), Filter{Scope: "proj"}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5, "replaced vector must win")
}

func TestChromemDelete(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{
		{ID: "a", Scope: "proj", Tier: memory.TierWorking, Content: "x", Vector: unit(4, 0)},
	}))
	require.NoError(t, idx.Delete(ctx, []string{"a"}))

	hits, err := idx.Search(ctx, unit(4, 0), Filter{Scope: "proj"}, 1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemEmptyIndexSearch(t *testing.T) {
	idx := newTestIndex(t)

	hits, err := idx.Search(context.Background(), unit(4, 0), Filter{Scope: "proj"}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemRejectsInvalidEntry(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.Upsert(context.Background(), []Entry{{ID: "", Vector: unit(4, 0)}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = idx.Upsert(context.Background(), []Entry{{ID: "a"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestChromemPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vectors")
	ctx := context.Background()

	first, err := NewChromemIndex(ChromemConfig{Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, first.Upsert(ctx, []Entry{
		{ID: "a", Scope: "proj", Tier: memory.TierWorking, Content: "x", Vector: unit(4, 0)},
	}))
	require.NoError(t, first.Close())

	second, err := NewChromemIndex(ChromemConfig{Path: dir}, nil)
	require.NoError(t, err)
	hits, err := second.Search(ctx, unit(4, 0), Filter{Scope: "proj"}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/index"
	"github.com/fyrsmithlabs/recalld/internal/memory"
)

func newTestService(t *testing.T, semantic index.SemanticIndex, embedder embeddings.Provider) (*Service, *memory.SQLiteStore) {
	t.Helper()

	store, err := memory.Open(filepath.Join(t.TempDir(), "items.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if semantic == nil {
		semantic, err = index.NewChromemIndex(index.ChromemConfig{
			Path: filepath.Join(t.TempDir(), "vectors"),
		}, nil)
		require.NoError(t, err)
	}
	if embedder == nil {
		embedder, err = embeddings.NewDeterministic(64)
		require.NoError(t, err)
	}

	svc, err := NewService(Config{EmbedsPerSecond: 1000}, store, semantic, embedder, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, store
}

func waitIndexed(t *testing.T, store *memory.SQLiteStore, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		item, err := store.Get(context.Background(), id)
		return err == nil && !item.NeedsReindex
	}, 5*time.Second, 10*time.Millisecond, "detached index task must complete")
}

func TestIngestStoresAndIndexes(t *testing.T) {
	svc, store := newTestService(t, nil, nil)
	ctx := context.Background()

	id, created, err := svc.Ingest(ctx, "proj", memory.TierWorking,
		"vacuum analyze fixed the slow query", memory.Source{Kind: "conversation", Ref: "c1"})
	require.NoError(t, err)
	assert.True(t, created)

	item, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, item.NeedsReindex || item.EmbeddingStatus == "",
		"the durable write must not wait for indexing")

	waitIndexed(t, store, id)
}

func TestIngestDedupIdempotence(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	first, created, err := svc.Ingest(ctx, "proj", memory.TierWorking,
		"Use EXPLAIN ANALYZE before optimizing", memory.Source{Kind: "tool"})
	require.NoError(t, err)
	require.True(t, created)

	// Same content modulo case and whitespace dedupes to the same item.
	second, created, err := svc.Ingest(ctx, "proj", memory.TierWorking,
		"use   explain analyze before optimizing", memory.Source{Kind: "tool"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	// Different scope is a different item.
	third, created, err := svc.Ingest(ctx, "other", memory.TierWorking,
		"Use EXPLAIN ANALYZE before optimizing", memory.Source{Kind: "tool"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first, third)
}

func TestIngestRejectsEmptyContent(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)

	_, _, err := svc.Ingest(context.Background(), "proj", memory.TierWorking, "   ", memory.Source{})
	assert.ErrorIs(t, err, memory.ErrEmptyContent)
}

// brokenIndex rejects every upsert.
type brokenIndex struct{}

func (brokenIndex) Upsert(ctx context.Context, entries []index.Entry) error {
	return errors.New("index unreachable")
}

func (brokenIndex) Search(ctx context.Context, vector []float32, filter index.Filter, k int) ([]index.Hit, error) {
	return nil, errors.New("index unreachable")
}

func (brokenIndex) Delete(ctx context.Context, ids []string) error { return nil }
func (brokenIndex) Health(ctx context.Context) error               { return nil }
func (brokenIndex) Close() error                                   { return nil }

func TestIngestIndexFailureFlagsItem(t *testing.T) {
	svc, store := newTestService(t, brokenIndex{}, nil)
	ctx := context.Background()

	id, _, err := svc.Ingest(ctx, "proj", memory.TierWorking,
		"content that cannot be indexed", memory.Source{Kind: "test"})
	require.NoError(t, err, "index failure must never surface on the request path")

	require.Eventually(t, func() bool {
		item, getErr := store.Get(ctx, id)
		return getErr == nil && item.EmbeddingStatus == memory.EmbeddingStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	item, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, item.NeedsReindex, "failed items stay flagged for the reindexer")
	assert.NotEmpty(t, item.EmbeddingError)
}

func TestReindexClearsBacklog(t *testing.T) {
	svc, store := newTestService(t, nil, nil)
	ctx := context.Background()

	// Items stored directly, bypassing the detached index task.
	for _, content := range []string{"first backlog entry", "second backlog entry"} {
		item, err := memory.NewItem("proj", memory.TierWorking, content, memory.Source{Kind: "test"})
		require.NoError(t, err)
		_, err = store.Put(ctx, item)
		require.NoError(t, err)
	}

	pending, err := store.CountNeedingReindex(ctx, "proj")
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	require.NoError(t, svc.Reindex(ctx, "proj"))

	pending, err = store.CountNeedingReindex(ctx, "proj")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReindexSingleFlight(t *testing.T) {
	svc, store := newTestService(t, nil, nil)
	ctx := context.Background()

	item, err := memory.NewItem("proj", memory.TierWorking, "backlog entry", memory.Source{Kind: "test"})
	require.NoError(t, err)
	_, err = store.Put(ctx, item)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.Reindex(ctx, "proj"))
		}()
	}
	wg.Wait()

	pending, err := store.CountNeedingReindex(ctx, "proj")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReindexStopsWhenNothingProgresses(t *testing.T) {
	svc, store := newTestService(t, brokenIndex{}, nil)
	ctx := context.Background()

	item, err := memory.NewItem("proj", memory.TierWorking, "stuck entry", memory.Source{Kind: "test"})
	require.NoError(t, err)
	_, err = store.Put(ctx, item)
	require.NoError(t, err)

	// Must terminate instead of spinning on the permanently failing batch.
	require.NoError(t, svc.Reindex(ctx, "proj"))

	stored, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.EmbeddingStatusFailed, stored.EmbeddingStatus)
}

func TestBulkIngestCheckpointsAndResumes(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	checkpoints, err := OpenCheckpoints(filepath.Join(t.TempDir(), "checkpoints.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = checkpoints.Close() })
	ctx := context.Background()

	docs := []Document{
		{Key: "0001", Scope: "proj", Tier: memory.TierBooks, Content: "chapter one content", Source: memory.Source{Kind: "document"}},
		{Key: "0002", Scope: "proj", Tier: memory.TierBooks, Content: "chapter two content", Source: memory.Source{Kind: "document"}},
		{Key: "0003", Scope: "proj", Tier: memory.TierBooks, Content: "chapter three content", Source: memory.Source{Kind: "document"}},
	}

	// Simulate a prior partial run that got through 0002.
	require.NoError(t, checkpoints.Save(ctx, &Checkpoint{Job: "load-book", LastKey: "0002"}))

	cp, err := svc.BulkIngest(ctx, checkpoints, "load-book", docs)
	require.NoError(t, err)
	require.NotNil(t, cp.CompletedAt)
	assert.Equal(t, "0003", cp.LastKey)
	assert.Zero(t, cp.ErrorCount)

	// Completed jobs are a no-op on replay.
	again, err := svc.BulkIngest(ctx, checkpoints, "load-book", docs)
	require.NoError(t, err)
	assert.Equal(t, cp.LastKey, again.LastKey)
}

func TestBulkIngestCountsRejectedDocuments(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	checkpoints, err := OpenCheckpoints(filepath.Join(t.TempDir(), "checkpoints.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = checkpoints.Close() })

	cp, err := svc.BulkIngest(context.Background(), checkpoints, "job", []Document{
		{Key: "a", Scope: "proj", Tier: memory.TierBooks, Content: "valid content", Source: memory.Source{Kind: "document"}},
		{Key: "b", Scope: "proj", Tier: memory.TierBooks, Content: "  ", Source: memory.Source{Kind: "document"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, cp.ErrorCount)
	require.NotNil(t, cp.CompletedAt)
}

func TestEnforceCapacitiesArchivesOverflow(t *testing.T) {
	svc, store := newTestService(t, nil, nil)
	svc.config.TierCapacities = map[memory.Tier]int{memory.TierWorking: 2}
	ctx := context.Background()

	contents := []string{"first note", "second note", "third note", "fourth note"}
	ids := make([]string, 0, len(contents))
	for _, content := range contents {
		id, created, err := svc.Ingest(ctx, "proj", memory.TierWorking, content, memory.Source{Kind: "test"})
		require.NoError(t, err)
		require.True(t, created)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitIndexed(t, store, id)
	}

	evicted, err := svc.EnforceCapacities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)

	active := 0
	for _, id := range ids {
		item, err := store.Get(ctx, id)
		require.NoError(t, err)
		if item.Status == memory.StatusActive {
			active++
		}
	}
	assert.Equal(t, 2, active)
}

func TestEnforceCapacitiesNoCapsIsNoOp(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)

	evicted, err := svc.EnforceCapacities(context.Background())
	require.NoError(t, err)
	assert.Zero(t, evicted)
}

func TestIngestConcurrentIdenticalContent(t *testing.T) {
	svc, store := newTestService(t, nil, nil)
	ctx := context.Background()

	const callers = 64
	var wg sync.WaitGroup
	ids := make([]string, callers)
	createds := make([]bool, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], createds[i], errs[i] = svc.Ingest(ctx, "proj", memory.TierWorking,
				"the payments queue drains through worker pool B", memory.Source{Kind: "conversation"})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "every caller must resolve to the same item")
		if createds[i] {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one caller should create the item")

	items, err := store.GetMany(ctx, []string{ids[0]})
	require.NoError(t, err)
	require.Len(t, items, 1)
	waitIndexed(t, store, ids[0])
}

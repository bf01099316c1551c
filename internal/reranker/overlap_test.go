package reranker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlapPromotesMatchingDocument(t *testing.T) {
	r := NewOverlap()

	docs := []Document{
		{ID: "generic", Content: "general notes about the deployment pipeline", Score: 0.6},
		{ID: "match", Content: "postgres connection pool exhausted under load", Score: 0.5},
	}

	scored, err := r.Rerank(context.Background(), "postgres connection pool", docs, 0)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, "match", scored[0].ID, "full term overlap must beat a slightly higher retrieval score")
	assert.Equal(t, 1, scored[0].OriginalRank)
	assert.InDelta(t, 1.0, scored[0].RerankerScore, 1e-9)
}

func TestOverlapTopK(t *testing.T) {
	r := NewOverlap()

	docs := []Document{
		{ID: "a", Content: "database timeout error", Score: 0.9},
		{ID: "b", Content: "database timeout", Score: 0.8},
		{ID: "c", Content: "unrelated frontend styling", Score: 0.7},
	}

	scored, err := r.Rerank(context.Background(), "database timeout", docs, 2)
	require.NoError(t, err)
	assert.Len(t, scored, 2)
}

func TestOverlapEmptyDocs(t *testing.T) {
	r := NewOverlap()

	scored, err := r.Rerank(context.Background(), "anything", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, scored)
}

func TestOverlapStopwordOnlyQueryKeepsOrder(t *testing.T) {
	r := NewOverlap()

	docs := []Document{
		{ID: "first", Content: "alpha", Score: 0.9},
		{ID: "second", Content: "beta", Score: 0.5},
	}

	scored, err := r.Rerank(context.Background(), "what is the", docs, 0)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, "first", scored[0].ID, "no usable terms means retrieval order stands")
}

func TestTermOverlapDeduplicatesQueryTerms(t *testing.T) {
	overlap := termOverlap(
		[]string{"timeout", "timeout", "postgres"},
		[]string{"timeout", "retries"},
	)
	assert.InDelta(t, 0.5, overlap, 1e-9, "repeated query terms count once")
}

func TestOverlapCancelledContext(t *testing.T) {
	r := NewOverlap()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Rerank(ctx, "query", []Document{{ID: "a", Content: "x"}}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

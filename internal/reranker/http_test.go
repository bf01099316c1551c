package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRerankOrdersByBlendedScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rerank", r.URL.Path)
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "fix flaky test", req.Query)
		require.Len(t, req.Texts, 2)

		// Cross-encoder strongly prefers the second candidate.
		require.NoError(t, json.NewEncoder(w).Encode([]rerankResult{
			{Index: 1, Score: 0.95},
			{Index: 0, Score: 0.10},
		}))
	}))
	defer server.Close()

	h, err := NewHTTP(HTTPConfig{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	scored, err := h.Rerank(context.Background(), "fix flaky test", []Document{
		{ID: "a", Content: "first candidate", Score: 0.9},
		{ID: "b", Content: "second candidate", Score: 0.3},
	}, 0)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, "b", scored[0].ID)
	assert.InDelta(t, 0.95, scored[0].RerankerScore, 1e-9)
	assert.Equal(t, 1, scored[0].OriginalRank)
}

func TestHTTPRerankTopK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode([]rerankResult{
			{Index: 0, Score: 0.9},
			{Index: 1, Score: 0.8},
			{Index: 2, Score: 0.7},
		}))
	}))
	defer server.Close()

	h, err := NewHTTP(HTTPConfig{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	scored, err := h.Rerank(context.Background(), "q", []Document{
		{ID: "a", Content: "x"}, {ID: "b", Content: "y"}, {ID: "c", Content: "z"},
	}, 2)
	require.NoError(t, err)
	assert.Len(t, scored, 2)
}

func TestHTTPRerankServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	h, err := NewHTTP(HTTPConfig{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	_, err = h.Rerank(context.Background(), "q", []Document{{ID: "a", Content: "x"}}, 0)
	assert.ErrorIs(t, err, ErrRerankFailed)
}

func TestHTTPRerankBadIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode([]rerankResult{{Index: 7, Score: 0.5}}))
	}))
	defer server.Close()

	h, err := NewHTTP(HTTPConfig{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	_, err = h.Rerank(context.Background(), "q", []Document{{ID: "a", Content: "x"}}, 0)
	assert.ErrorIs(t, err, ErrRerankFailed)
}

func TestHTTPRequiresBaseURL(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHTTPRerankEmptyDocs(t *testing.T) {
	h, err := NewHTTP(HTTPConfig{BaseURL: "http://localhost:1"}, nil)
	require.NoError(t, err)

	scored, err := h.Rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, scored)
}

package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbedServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/embed":
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.True(t, req.Truncate)
			vectors := make([][]float32, len(req.Inputs))
			for i := range req.Inputs {
				vectors[i] = make([]float32, dim)
				vectors[i][0] = float32(i + 1)
			}
			require.NoError(t, json.NewEncoder(w).Encode(vectors))
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestHTTPProviderEmbedDocuments(t *testing.T) {
	server := newEmbedServer(t, 4)
	defer server.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: server.URL, Dimension: 4}, nil)
	require.NoError(t, err)

	vectors, err := p.EmbedDocuments(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(2), vectors[1][0])
}

func TestHTTPProviderEmbedQuery(t *testing.T) {
	server := newEmbedServer(t, 4)
	defer server.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: server.URL, Dimension: 4}, nil)
	require.NoError(t, err)

	vec, err := p.EmbedQuery(context.Background(), "single query")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestHTTPProviderEmptyInput(t *testing.T) {
	p, err := NewHTTPProvider(HTTPConfig{BaseURL: "http://localhost:1"}, nil)
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestHTTPProviderServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPProviderCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode([][]float32{{1, 2}}))
	}))
	defer server.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestHTTPProviderRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPProvider(HTTPConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHTTPProviderDefaults(t *testing.T) {
	p, err := NewHTTPProvider(HTTPConfig{BaseURL: "http://localhost:8080"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1024, p.Dimension())
}

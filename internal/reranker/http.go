package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

// HTTPConfig holds configuration for the cross-encoder reranker client.
type HTTPConfig struct {
	// BaseURL is the base URL of the reranker server.
	BaseURL string

	// Model is the cross-encoder model name.
	Model string

	// Timeout bounds each HTTP call.
	Timeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *HTTPConfig) ApplyDefaults() {
	if c.Model == "" {
		c.Model = "BAAI/bge-reranker-v2-m3"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Validate validates the configuration.
func (c HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// HTTP is a cross-encoder reranker backed by a TEI-style server exposing
// POST /rerank.
type HTTP struct {
	config HTTPConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTP creates an HTTP reranker client.
func NewHTTP(config HTTPConfig, logger *zap.Logger) (*HTTP, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &HTTP{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Texts    []string `json:"texts"`
	Truncate bool     `json:"truncate"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank sends the query and candidate texts to the cross-encoder,
// blends its scores with the retrieval scores, and returns the top K.
func (h *HTTP) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}

	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.BaseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRerankFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRerankFailed, resp.StatusCode, msg)
	}

	var results []rerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	scored := make([]ScoredDocument, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(docs) {
			return nil, fmt.Errorf("%w: result index %d out of range", ErrRerankFailed, r.Index)
		}
		scored = append(scored, ScoredDocument{
			Document:      docs[r.Index],
			RerankerScore: r.Score,
			OriginalRank:  r.Index,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return blend(scored[i].RerankerScore, scored[i].Score) >
			blend(scored[j].RerankerScore, scored[j].Score)
	})

	return truncate(scored, topK), nil
}

// Close is a no-op for the HTTP reranker.
func (h *HTTP) Close() error {
	return nil
}

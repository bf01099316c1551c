// Package search implements hybrid retrieval over the memory store:
// concurrent semantic and lexical search, reciprocal-rank fusion,
// outcome-aware score blending, and optional cross-encoder reranking.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/index"
	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/reranker"
)

var (
	// ErrInvalidRequest indicates a malformed search request.
	ErrInvalidRequest = errors.New("invalid search request")

	// ErrNilDependency indicates a required dependency was nil.
	ErrNilDependency = errors.New("nil dependency")
)

// Confidence grades how much the caller should trust the results.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Request is a search request.
type Request struct {
	// Scope isolates memories per project or workspace.
	Scope string

	// Query is the free-text query.
	Query string

	// Tiers optionally restricts the search. Empty means all tiers.
	Tiers []memory.Tier

	// Limit caps the number of surfaced results. Zero means the default.
	Limit int
}

// Result is one surfaced memory.
type Result struct {
	// Position is the 1-indexed surfaced position, used for attribution.
	Position int

	ID      string
	Tier    memory.Tier
	Content string
	Tags    []string

	// FusedScore is the normalized reciprocal-rank fusion score.
	FusedScore float64

	// FinalScore blends fusion, Wilson quality, and reranking.
	FinalScore float64
}

// Timings is the per-stage latency breakdown.
type Timings struct {
	Embed    time.Duration `json:"embed"`
	Semantic time.Duration `json:"semantic"`
	Lexical  time.Duration `json:"lexical"`
	Rerank   time.Duration `json:"rerank"`
	Total    time.Duration `json:"total"`
}

// Response is a search response. Degraded search and deadline overruns
// still produce a response, never an error.
type Response struct {
	Results    []Result
	Confidence Confidence

	// Degraded is set when the semantic path was unavailable and results
	// came from the lexical index alone.
	Degraded bool

	Timings Timings
}

// Config holds search engine tuning.
type Config struct {
	// DefaultLimit is the result count when the request leaves it zero.
	DefaultLimit int

	// CandidateK is how many candidates each retrieval list contributes.
	CandidateK int

	// RRFK is the fusion constant for ordinary queries.
	RRFK int

	// RRFKSharp is the fusion constant for short, specific queries. A
	// smaller constant sharpens the head of the ranking.
	RRFKSharp int

	// SharpTermLimit is the content-term count at or below which a query
	// counts as short and specific.
	SharpTermLimit int

	// RerankTopN bounds how many fused candidates reach the reranker.
	RerankTopN int

	// HighThreshold is the minimum top score for high confidence.
	HighThreshold float64

	// HighMinResults is the minimum result count for high confidence.
	HighMinResults int

	// Deadline bounds the whole search.
	Deadline time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.CandidateK <= 0 {
		c.CandidateK = 50
	}
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	if c.RRFKSharp <= 0 {
		c.RRFKSharp = 20
	}
	if c.SharpTermLimit <= 0 {
		c.SharpTermLimit = 3
	}
	if c.RerankTopN <= 0 {
		c.RerankTopN = 10
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = 0.6
	}
	if c.HighMinResults <= 0 {
		c.HighMinResults = 3
	}
	if c.Deadline <= 0 {
		c.Deadline = 2 * time.Second
	}
}

// ReindexTrigger requests a non-blocking reindex of a scope. The search
// engine fires it when a query comes back empty while items in the scope
// still await indexing.
type ReindexTrigger func(scope string)

// Engine is the hybrid search engine.
type Engine struct {
	config   Config
	store    memory.Store
	semantic index.SemanticIndex
	embedder embeddings.Provider
	fallback embeddings.Provider
	reranker reranker.Reranker
	reindex  ReindexTrigger
	logger   *zap.Logger

	nowFunc func() time.Time
}

// NewEngine creates a search engine.
//
// The fallback provider supplies query vectors when the primary embedder
// fails, so the semantic index stays queryable for content that was
// indexed with fallback vectors. The reranker and reindex trigger are
// optional.
func NewEngine(
	config Config,
	store memory.Store,
	semantic index.SemanticIndex,
	embedder embeddings.Provider,
	fallback embeddings.Provider,
	rr reranker.Reranker,
	reindex ReindexTrigger,
	logger *zap.Logger,
) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store", ErrNilDependency)
	}
	if semantic == nil {
		return nil, fmt.Errorf("%w: semantic index", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder", ErrNilDependency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Engine{
		config:   config,
		store:    store,
		semantic: semantic,
		embedder: embedder,
		fallback: fallback,
		reranker: rr,
		reindex:  reindex,
		logger:   logger,
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}, nil
}

type listResult struct {
	ids     []string
	elapsed time.Duration
	err     error
}

// Search runs the hybrid retrieval pipeline.
//
// Degraded dependencies and deadline overruns reduce confidence and set
// the degraded flag; they never surface as errors.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if req.Scope == "" {
		return nil, fmt.Errorf("%w: scope required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query required", ErrInvalidRequest)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = e.config.DefaultLimit
	}

	start := e.nowFunc()
	ctx, cancel := context.WithTimeout(ctx, e.config.Deadline)
	defer cancel()

	terms := queryTerms(req.Query)
	filter := index.Filter{Scope: req.Scope, Tiers: req.Tiers}

	semanticCh := make(chan listResult, 1)
	lexicalCh := make(chan listResult, 1)
	var embedElapsed time.Duration
	degraded := false

	go func() {
		listStart := time.Now()
		vec, embedErr := e.queryVector(ctx, req.Query)
		embedElapsed = time.Since(listStart)
		if embedErr != nil {
			semanticCh <- listResult{err: embedErr, elapsed: time.Since(listStart)}
			return
		}
		hits, err := e.semantic.Search(ctx, vec, filter, e.config.CandidateK)
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.ID
		}
		semanticCh <- listResult{ids: ids, elapsed: time.Since(listStart), err: err}
	}()

	go func() {
		listStart := time.Now()
		hits, err := e.store.LexicalSearch(ctx, req.Scope, terms, req.Tiers, e.config.CandidateK)
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.ID
		}
		lexicalCh <- listResult{ids: ids, elapsed: time.Since(listStart), err: err}
	}()

	semanticRes := <-semanticCh
	lexicalRes := <-lexicalCh

	if semanticRes.err != nil {
		degraded = true
		e.logger.Warn("semantic retrieval degraded",
			zap.String("scope", req.Scope),
			zap.Error(semanticRes.err))
	}
	if lexicalRes.err != nil {
		e.logger.Warn("lexical retrieval failed",
			zap.String("scope", req.Scope),
			zap.Error(lexicalRes.err))
	}

	k := e.config.RRFK
	if len(terms) <= e.config.SharpTermLimit {
		k = e.config.RRFKSharp
	}
	fused := fuse(k, semanticRes.ids, lexicalRes.ids)

	results, err := e.scoreCandidates(ctx, fused, limit)
	if err != nil {
		e.logger.Warn("scoring candidates failed", zap.Error(err))
		results = nil
	}

	rerankElapsed := time.Duration(0)
	if e.reranker != nil && len(results) > 1 {
		rerankStart := time.Now()
		results = e.rerank(ctx, req.Query, results)
		rerankElapsed = time.Since(rerankStart)
	}

	if len(results) > limit {
		results = results[:limit]
	}
	for i := range results {
		results[i].Position = i + 1
	}

	deadlineHit := ctx.Err() != nil

	if len(results) == 0 && e.reindex != nil {
		if pending, countErr := e.store.CountNeedingReindex(ctx, req.Scope); countErr == nil && pending > 0 {
			e.logger.Info("zero results with pending reindex, triggering",
				zap.String("scope", req.Scope),
				zap.Int("pending", pending))
			e.reindex(req.Scope)
		}
	}

	confidence := e.confidence(results, degraded, deadlineHit)
	resp := &Response{
		Results:    results,
		Confidence: confidence,
		Degraded:   degraded,
		Timings: Timings{
			Embed:    embedElapsed,
			Semantic: semanticRes.elapsed,
			Lexical:  lexicalRes.elapsed,
			Rerank:   rerankElapsed,
			Total:    e.nowFunc().Sub(start),
		},
	}

	recordSearch(string(confidence), degraded, resp.Timings.Total)
	return resp, nil
}

// queryVector embeds the query, falling back to the deterministic
// provider when the primary fails.
func (e *Engine) queryVector(ctx context.Context, query string) ([]float32, error) {
	vec, err := e.embedder.EmbedQuery(ctx, query)
	if err == nil {
		return vec, nil
	}
	if e.fallback == nil {
		return nil, err
	}
	e.logger.Debug("primary embedder failed, using fallback", zap.Error(err))
	return e.fallback.EmbedQuery(ctx, query)
}

// scoreCandidates loads candidate items and blends retrieval with
// learned quality.
func (e *Engine) scoreCandidates(ctx context.Context, fused []fusedHit, limit int) ([]Result, error) {
	if len(fused) == 0 {
		return nil, nil
	}

	ids := make([]string, len(fused))
	scoreByID := make(map[string]float64, len(fused))
	maxScore := fused[0].score
	for i, f := range fused {
		ids[i] = f.id
		scoreByID[f.id] = f.score
	}

	items, err := e.store.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading candidates: %w", err)
	}

	now := e.nowFunc()
	results := make([]Result, 0, len(items))
	for _, item := range items {
		normalized := scoreByID[item.ID] / maxScore
		results = append(results, Result{
			ID:         item.ID,
			Tier:       item.Tier,
			Content:    item.Content,
			Tags:       item.Tags,
			FusedScore: normalized,
			FinalScore: blendQuality(normalized, item, now),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinalScore > results[j].FinalScore
	})
	return results, nil
}

// blendQuality weights retrieval against Wilson quality. The learned
// signal grows with evidence: brand-new items rank almost purely by
// similarity, heavily used items mostly by track record. Cold-start
// items and fixed reference tiers rank by similarity alone.
func blendQuality(similarity float64, item *memory.MemoryItem, now time.Time) float64 {
	if item.Tier.Reference() || item.Stats.Uses < 3 {
		return similarity
	}

	uses := item.Stats.Uses
	if uses > 20 {
		uses = 20
	}
	simWeight := 0.7 - 0.5*float64(uses)/20
	if simWeight < 0.2 {
		simWeight = 0.2
	}

	learned := item.Stats.WilsonScore * memory.RecencyWeight(item.Stats.LastUsedAt, now)
	return simWeight*similarity + (1-simWeight)*learned
}

// rerank runs the top candidates through the reranker, keeping the rest
// in their fused order. A reranker failure keeps the fused order.
func (e *Engine) rerank(ctx context.Context, query string, results []Result) []Result {
	topN := e.config.RerankTopN
	if topN > len(results) {
		topN = len(results)
	}

	docs := make([]reranker.Document, topN)
	byID := make(map[string]Result, topN)
	for i := 0; i < topN; i++ {
		docs[i] = reranker.Document{
			ID:      results[i].ID,
			Content: results[i].Content,
			Score:   results[i].FinalScore,
		}
		byID[results[i].ID] = results[i]
	}

	scored, err := e.reranker.Rerank(ctx, query, docs, topN)
	if err != nil {
		e.logger.Warn("rerank failed, keeping fused order", zap.Error(err))
		return results
	}

	reranked := make([]Result, 0, len(results))
	for _, s := range scored {
		r := byID[s.ID]
		r.FinalScore = 0.8*s.RerankerScore + 0.2*r.FinalScore
		reranked = append(reranked, r)
	}
	reranked = append(reranked, results[topN:]...)
	return reranked
}

func (e *Engine) confidence(results []Result, degraded, deadlineHit bool) Confidence {
	if degraded || deadlineHit || len(results) == 0 {
		return ConfidenceLow
	}
	if len(results) >= e.config.HighMinResults && results[0].FinalScore >= e.config.HighThreshold {
		return ConfidenceHigh
	}
	return ConfidenceMedium
}

// queryTerms extracts lowercased content terms, dropping stopwords and
// tokens shorter than three runes.
func queryTerms(query string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
		return !alnum
	})
	terms := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len(t) > 2 && !queryStopwords[t] {
			terms = append(terms, t)
		}
	}
	return terms
}

var queryStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"but": true, "not": true, "with": true, "from": true, "this": true,
	"that": true, "have": true, "has": true, "had": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"what": true, "which": true, "who": true, "when": true, "where": true,
	"why": true, "how": true, "about": true,
}

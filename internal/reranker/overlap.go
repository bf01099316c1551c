package reranker

import (
	"context"
	"sort"
	"strings"
)

// Overlap is a lexical reranker scoring candidates by the fraction of
// query terms present in the document. It needs no external service and
// is the fallback when no cross-encoder is configured.
type Overlap struct{}

// NewOverlap creates an overlap reranker.
func NewOverlap() *Overlap {
	return &Overlap{}
}

// Rerank scores each document by query term overlap, blends with the
// retrieval score, and returns the top K by blended score.
func (r *Overlap) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}

	queryTerms := contentTerms(query)
	if len(queryTerms) == 0 {
		// Nothing to match against; keep the retrieval order.
		return passthrough(docs, topK), nil
	}

	scored := make([]ScoredDocument, len(docs))
	for i, doc := range docs {
		scored[i] = ScoredDocument{
			Document:      doc,
			RerankerScore: termOverlap(queryTerms, contentTerms(doc.Content)),
			OriginalRank:  i,
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return blend(scored[i].RerankerScore, scored[i].Score) >
			blend(scored[j].RerankerScore, scored[j].Score)
	})

	return truncate(scored, topK), nil
}

// Close is a no-op.
func (r *Overlap) Close() error {
	return nil
}

func passthrough(docs []Document, topK int) []ScoredDocument {
	scored := make([]ScoredDocument, len(docs))
	for i, doc := range docs {
		scored[i] = ScoredDocument{Document: doc, RerankerScore: doc.Score, OriginalRank: i}
	}
	return truncate(scored, topK)
}

func truncate(scored []ScoredDocument, topK int) []ScoredDocument {
	if topK > 0 && topK < len(scored) {
		return scored[:topK]
	}
	return scored
}

// termOverlap returns the fraction of unique query terms found in the
// document, 0 to 1.
func termOverlap(queryTerms, docTerms []string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	docSet := make(map[string]struct{}, len(docTerms))
	for _, t := range docTerms {
		docSet[t] = struct{}{}
	}
	matched := make(map[string]struct{})
	for _, t := range queryTerms {
		if _, ok := docSet[t]; ok {
			matched[t] = struct{}{}
		}
	}
	unique := make(map[string]struct{}, len(queryTerms))
	for _, t := range queryTerms {
		unique[t] = struct{}{}
	}
	return float64(len(matched)) / float64(len(unique))
}

// contentTerms lowercases, splits on non-alphanumeric runes, and drops
// stopwords and very short tokens.
func contentTerms(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
		return !alnum
	})
	terms := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len(t) > 2 && !stopwords[t] {
			terms = append(terms, t)
		}
	}
	return terms
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"but": true, "not": true, "with": true, "from": true, "this": true,
	"that": true, "these": true, "those": true, "have": true, "has": true,
	"had": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "can": true,
	"you": true, "they": true, "what": true, "which": true, "who": true,
	"when": true, "where": true, "why": true, "how": true, "been": true,
	"being": true,
}

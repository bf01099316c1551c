// Package reranker re-scores fused search candidates against the query.
package reranker

import (
	"context"
	"errors"
)

var (
	// ErrInvalidConfig indicates invalid reranker configuration.
	ErrInvalidConfig = errors.New("invalid reranker configuration")

	// ErrRerankFailed indicates the reranker backend failed.
	ErrRerankFailed = errors.New("rerank failed")
)

// Document is a candidate handed to the reranker.
type Document struct {
	// ID identifies the underlying memory item.
	ID string

	// Content is the text to score against the query.
	Content string

	// Score is the fused retrieval score before reranking.
	Score float64
}

// ScoredDocument is a reranked candidate.
type ScoredDocument struct {
	Document

	// RerankerScore is the relevance score the reranker assigned, 0 to 1.
	RerankerScore float64

	// OriginalRank is the candidate's position before reranking, 0-indexed.
	OriginalRank int
}

// Reranker reorders candidates by query relevance.
//
// Implementations must sort by blended score descending and truncate to
// topK. A topK of zero or less means all documents.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error)
	Close() error
}

// Blend combines the retrieval score with the reranker score. The
// reranker dominates but retrieval keeps a say so a confidently wrong
// reranker cannot fully invert the candidate order.
const (
	rerankWeight    = 0.8
	retrievalWeight = 0.2
)

func blend(rerankerScore, retrievalScore float64) float64 {
	return rerankWeight*rerankerScore + retrievalWeight*retrievalScore
}

// Package index provides the semantic vector index backing hybrid search.
//
// Two implementations exist: ChromemIndex (embedded, default) and
// QdrantIndex (remote gRPC, for larger deployments). Resilient wraps
// either with a circuit breaker.
package index

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

var (
	// ErrInvalidConfig indicates invalid index configuration.
	ErrInvalidConfig = errors.New("invalid index configuration")

	// ErrIndexUnavailable indicates the index backend cannot be reached.
	ErrIndexUnavailable = errors.New("index unavailable")
)

// Entry is a vector index entry for one memory item.
type Entry struct {
	ID      string
	Scope   string
	Tier    memory.Tier
	Content string
	Vector  []float32
}

// Hit is a single semantic search result.
type Hit struct {
	ID    string
	Score float64
}

// Filter restricts a search to a scope and optionally a tier subset.
// An empty Tiers slice means all tiers.
type Filter struct {
	Scope string
	Tiers []memory.Tier
}

func (f Filter) allowsTier(tier memory.Tier) bool {
	if len(f.Tiers) == 0 {
		return true
	}
	for _, t := range f.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// SemanticIndex stores and searches memory vectors.
type SemanticIndex interface {
	// Upsert inserts or replaces entries. Entries carry precomputed vectors.
	Upsert(ctx context.Context, entries []Entry) error

	// Search returns the k nearest entries to the query vector, best first.
	Search(ctx context.Context, vector []float32, filter Filter, k int) ([]Hit, error)

	// Delete removes entries by ID. Missing IDs are not an error.
	Delete(ctx context.Context, ids []string) error

	// Health probes the backend.
	Health(ctx context.Context) error

	// Close releases resources.
	Close() error
}

package index

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/resilience"
)

// Resilient wraps a SemanticIndex with a circuit breaker.
//
// While the breaker is open, every call returns resilience.ErrOpen
// without touching the backend; callers degrade to lexical-only search.
type Resilient struct {
	inner   SemanticIndex
	breaker *resilience.Breaker
	logger  *zap.Logger
}

// NewResilient wraps inner with the given breaker.
func NewResilient(inner SemanticIndex, breaker *resilience.Breaker, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{inner: inner, breaker: breaker, logger: logger}
}

// Upsert inserts entries through the breaker.
func (r *Resilient) Upsert(ctx context.Context, entries []Entry) error {
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		return r.inner.Upsert(ctx, entries)
	})
	recordIndexOp("upsert", string(r.breaker.State()), err)
	return err
}

// Search queries through the breaker.
func (r *Resilient) Search(ctx context.Context, vector []float32, filter Filter, k int) ([]Hit, error) {
	var hits []Hit
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		hits, innerErr = r.inner.Search(ctx, vector, filter, k)
		return innerErr
	})
	recordIndexOp("search", string(r.breaker.State()), err)
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// Delete removes entries through the breaker.
func (r *Resilient) Delete(ctx context.Context, ids []string) error {
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		return r.inner.Delete(ctx, ids)
	})
	recordIndexOp("delete", string(r.breaker.State()), err)
	return err
}

// Health probes the backend directly, bypassing the breaker, so probes
// can observe recovery while the breaker is still open.
func (r *Resilient) Health(ctx context.Context) error {
	return r.inner.Health(ctx)
}

// State exposes the breaker state for health reporting.
func (r *Resilient) State() resilience.State {
	return r.breaker.State()
}

// Close closes the wrapped index.
func (r *Resilient) Close() error {
	return r.inner.Close()
}

// Package ingest turns raw text into durable, indexed memories.
//
// Writes are store-then-embed: the durable put happens on the request
// path, embedding and index upsert run detached so the caller never
// waits on the embedding model.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/index"
	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// ErrNilDependency indicates a required dependency was nil.
var ErrNilDependency = errors.New("nil dependency")

// Config holds ingestion tuning.
type Config struct {
	// ErrorBuffer bounds the background failure channel.
	ErrorBuffer int

	// IndexTimeout bounds each detached embed+index task.
	IndexTimeout time.Duration

	// ReindexBatch is how many flagged items one reindex pass loads at a
	// time.
	ReindexBatch int

	// ReindexInterval is how often the periodic reindexer runs.
	ReindexInterval time.Duration

	// EmbedsPerSecond rate-limits reindex embedding calls so a large
	// backlog cannot starve live traffic.
	EmbedsPerSecond float64

	// TierCapacities caps active items per (scope, tier). Missing or zero
	// entries leave the tier uncapped; reference tiers are never evicted.
	TierCapacities map[memory.Tier]int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ErrorBuffer <= 0 {
		c.ErrorBuffer = 64
	}
	if c.IndexTimeout <= 0 {
		c.IndexTimeout = 30 * time.Second
	}
	if c.ReindexBatch <= 0 {
		c.ReindexBatch = 32
	}
	if c.ReindexInterval <= 0 {
		c.ReindexInterval = time.Minute
	}
	if c.EmbedsPerSecond <= 0 {
		c.EmbedsPerSecond = 8
	}
}

type indexFailure struct {
	id  string
	err error
}

// Service ingests text into the memory store and keeps the semantic
// index caught up.
type Service struct {
	config   Config
	store    memory.Store
	semantic index.SemanticIndex
	embedder embeddings.Provider
	fallback embeddings.Provider
	logger   *zap.Logger

	failures chan indexFailure
	done     chan struct{}
	drained  sync.WaitGroup

	// reindexing makes scan passes single-flight.
	reindexing atomic.Bool

	limiter *rate.Limiter

	// tasks tracks detached index tasks so Close can wait for them.
	tasks sync.WaitGroup
}

// NewService creates an ingestion service and starts the failure
// drainer.
func NewService(
	config Config,
	store memory.Store,
	semantic index.SemanticIndex,
	embedder embeddings.Provider,
	fallback embeddings.Provider,
	logger *zap.Logger,
) (*Service, error) {
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

	s := &Service{
		config:   config,
		store:    store,
		semantic: semantic,
		embedder: embedder,
		fallback: fallback,
		logger:   logger,
		failures: make(chan indexFailure, config.ErrorBuffer),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Limit(config.EmbedsPerSecond), 1),
	}

	s.drained.Add(1)
	go s.drainFailures()
	return s, nil
}

// drainFailures logs background failures so fire-and-forget indexing is
// never silently swallowed.
func (s *Service) drainFailures() {
	defer s.drained.Done()
	for {
		select {
		case f := <-s.failures:
			recordIndexFailure()
			s.logger.Error("background index task failed",
				zap.String("id", f.id),
				zap.Error(f.err))
		case <-s.done:
			for {
				select {
				case f := <-s.failures:
					recordIndexFailure()
					s.logger.Error("background index task failed",
						zap.String("id", f.id),
						zap.Error(f.err))
				default:
					return
				}
			}
		}
	}
}

func (s *Service) reportFailure(id string, err error) {
	select {
	case s.failures <- indexFailure{id: id, err: err}:
	default:
		// Channel full; log inline rather than drop the record.
		recordIndexFailure()
		s.logger.Error("background index task failed (buffer full)",
			zap.String("id", id),
			zap.Error(err))
	}
}

// Ingest stores one piece of text. Returns the item id and whether a
// new item was created; duplicate content within the scope returns the
// existing id.
//
// The durable write completes before return. Embedding and index upsert
// run detached; their failures flag the item and surface through the
// failure channel, never through this call.
func (s *Service) Ingest(ctx context.Context, scope string, tier memory.Tier, content string, source memory.Source) (string, bool, error) {
	item, err := memory.NewItem(scope, tier, strings.TrimSpace(content), source)
	if err != nil {
		return "", false, err
	}

	existing, err := s.store.FindByContentHash(ctx, scope, item.ContentHash)
	if err == nil {
		recordIngest("deduped")
		return existing.ID, false, nil
	}
	if !errors.Is(err, memory.ErrNotFound) {
		return "", false, fmt.Errorf("checking for duplicate: %w", err)
	}

	id, err := s.store.Put(ctx, item)
	if errors.Is(err, memory.ErrDuplicateContent) {
		// Lost the insert race to a concurrent writer of the same content.
		existing, findErr := s.store.FindByContentHash(ctx, scope, item.ContentHash)
		if findErr != nil {
			return "", false, fmt.Errorf("resolving duplicate: %w", findErr)
		}
		recordIngest("deduped")
		return existing.ID, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storing item: %w", err)
	}
	recordIngest("created")

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		// Detached from the request context on purpose: the caller's
		// response must not gate indexing, and its cancellation must not
		// abort it.
		taskCtx, cancel := context.WithTimeout(context.Background(), s.config.IndexTimeout)
		defer cancel()
		s.indexItem(taskCtx, item)
	}()

	return id, true, nil
}

// indexItem embeds and upserts one item, clearing or re-flagging its
// reindex state.
func (s *Service) indexItem(ctx context.Context, item *memory.MemoryItem) {
	vec, err := s.embed(ctx, item.Content)
	if err != nil {
		if markErr := s.store.MarkIndexFailed(ctx, item.ID, err.Error()); markErr != nil {
			s.reportFailure(item.ID, fmt.Errorf("marking failure after %v: %w", err, markErr))
			return
		}
		s.reportFailure(item.ID, err)
		return
	}

	entry := index.Entry{
		ID:      item.ID,
		Scope:   item.Scope,
		Tier:    item.Tier,
		Content: item.Content,
		Vector:  vec,
	}
	if err := s.semantic.Upsert(ctx, []index.Entry{entry}); err != nil {
		if markErr := s.store.MarkIndexFailed(ctx, item.ID, err.Error()); markErr != nil {
			s.reportFailure(item.ID, fmt.Errorf("marking failure after %v: %w", err, markErr))
			return
		}
		s.reportFailure(item.ID, err)
		return
	}

	if err := s.store.MarkIndexed(ctx, item.ID); err != nil {
		s.reportFailure(item.ID, fmt.Errorf("clearing reindex flag: %w", err))
	}
}

// embed prefers the primary provider and falls back to the
// deterministic one so indexing continues while the embedder is down.
func (s *Service) embed(ctx context.Context, content string) ([]float32, error) {
	vecs, err := s.embedder.EmbedDocuments(ctx, []string{content})
	if err == nil {
		return vecs[0], nil
	}
	if s.fallback == nil {
		return nil, err
	}
	s.logger.Debug("primary embedder failed, using fallback", zap.Error(err))
	vecs, fbErr := s.fallback.EmbedDocuments(ctx, []string{content})
	if fbErr != nil {
		return nil, errors.Join(err, fbErr)
	}
	return vecs[0], nil
}

// Trigger requests a non-blocking reindex pass for a scope. Used by the
// search engine's zero-result self-healing path.
func (s *Service) Trigger(scope string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.IndexTimeout)
		defer cancel()
		if err := s.Reindex(ctx, scope); err != nil {
			s.logger.Warn("triggered reindex failed", zap.String("scope", scope), zap.Error(err))
		}
	}()
}

// Reindex embeds and upserts items flagged needs_reindex. Passes are
// single-flight: a pass requested while one runs returns immediately.
// An empty scope covers all scopes.
func (s *Service) Reindex(ctx context.Context, scope string) error {
	if !s.reindexing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.reindexing.Store(false)

	total := 0
	for {
		items, err := s.store.ListNeedingReindex(ctx, scope, s.config.ReindexBatch)
		if err != nil {
			return fmt.Errorf("listing flagged items: %w", err)
		}
		if len(items) == 0 {
			break
		}

		progressed := false
		for _, item := range items {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			vec, err := s.embed(ctx, item.Content)
			if err != nil {
				if markErr := s.store.MarkIndexFailed(ctx, item.ID, err.Error()); markErr != nil {
					return fmt.Errorf("marking %s failed: %w", item.ID, markErr)
				}
				continue
			}
			entry := index.Entry{
				ID:      item.ID,
				Scope:   item.Scope,
				Tier:    item.Tier,
				Content: item.Content,
				Vector:  vec,
			}
			if err := s.semantic.Upsert(ctx, []index.Entry{entry}); err != nil {
				if markErr := s.store.MarkIndexFailed(ctx, item.ID, err.Error()); markErr != nil {
					return fmt.Errorf("marking %s failed: %w", item.ID, markErr)
				}
				continue
			}
			if err := s.store.MarkIndexed(ctx, item.ID); err != nil {
				return fmt.Errorf("clearing flag on %s: %w", item.ID, err)
			}
			progressed = true
			total++
		}

		// Every item in the batch failed and stays flagged; stop instead
		// of spinning on the same batch.
		if !progressed {
			break
		}
	}

	if total > 0 {
		recordReindexed(total)
		s.logger.Info("reindex pass complete",
			zap.String("scope", scope),
			zap.Int("items", total))
	}
	return nil
}

// EnforceCapacities archives the lowest-value items of every capped
// tier in every scope. Returns the total number archived.
func (s *Service) EnforceCapacities(ctx context.Context) (int, error) {
	if len(s.config.TierCapacities) == 0 {
		return 0, nil
	}

	scopes, err := s.store.ListScopes(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing scopes: %w", err)
	}

	total := 0
	for _, scope := range scopes {
		for tier, max := range s.config.TierCapacities {
			if max <= 0 {
				continue
			}
			n, err := s.store.EvictOverCapacity(ctx, scope, tier, max)
			if err != nil {
				return total, fmt.Errorf("evicting %s/%s: %w", scope, tier, err)
			}
			total += n
		}
	}
	if total > 0 {
		recordEvicted(total)
	}
	return total, nil
}

// Run executes periodic reindex and capacity passes until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.ReindexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reindex(ctx, ""); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("periodic reindex failed", zap.Error(err))
			}
			if _, err := s.EnforceCapacities(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("capacity pass failed", zap.Error(err))
			}
		}
	}
}

// Close waits for detached index tasks and stops the failure drainer.
func (s *Service) Close() error {
	s.tasks.Wait()
	close(s.done)
	s.drained.Wait()
	return nil
}

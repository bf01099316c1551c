package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// ChromemConfig holds configuration for the embedded chromem index.
type ChromemConfig struct {
	// Path is the persistence directory.
	Path string

	// Collection is the collection name.
	Collection string

	// Compress enables gzip compression of persisted segments.
	Compress bool
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "memories"
	}
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path required", ErrInvalidConfig)
	}
	return nil
}

// ChromemIndex is an embedded vector index persisted to local disk.
type ChromemIndex struct {
	config     ChromemConfig
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger

	// chromem persists per-document files; serialize writes so concurrent
	// upserts of the same item cannot interleave.
	mu sync.Mutex
}

// NewChromemIndex opens or creates the persistent index at config.Path.
func NewChromemIndex(config ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := chromem.NewPersistentDB(config.Path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db: %w", err)
	}

	// Every entry carries a precomputed vector, so the embedding func is
	// only a guard against accidental text queries.
	collection, err := db.GetOrCreateCollection(config.Collection, nil, rejectTextEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", config.Collection, err)
	}

	logger.Info("chromem index ready",
		zap.String("path", config.Path),
		zap.String("collection", config.Collection),
		zap.Int("documents", collection.Count()))

	return &ChromemIndex{
		config:     config,
		db:         db,
		collection: collection,
		logger:     logger,
	}, nil
}

func rejectTextEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("index requires precomputed vectors")
}

// Upsert inserts or replaces entries.
func (c *ChromemIndex) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		if e.ID == "" || len(e.Vector) == 0 {
			return fmt.Errorf("%w: entry %d missing id or vector", ErrInvalidConfig, i)
		}
		docs[i] = chromem.Document{
			ID:        e.ID,
			Content:   e.Content,
			Embedding: e.Vector,
			Metadata: map[string]string{
				"scope": e.Scope,
				"tier":  string(e.Tier),
			},
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}

	c.logger.Debug("upserted index entries", zap.Int("count", len(entries)))
	return nil
}

// Search returns the k nearest entries to the query vector.
//
// Tier filtering happens in Go because chromem's where clause only
// supports single-value equality, so the query over-fetches.
func (c *ChromemIndex) Search(ctx context.Context, vector []float32, filter Filter, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidConfig, k)
	}

	count := c.collection.Count()
	if count == 0 {
		return []Hit{}, nil
	}

	fetch := k
	if len(filter.Tiers) > 0 {
		fetch = k * 4
	}
	if fetch > count {
		fetch = count
	}

	where := map[string]string{}
	if filter.Scope != "" {
		where["scope"] = filter.Scope
	}

	results, err := c.collection.QueryEmbedding(ctx, vector, fetch, where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	hits := make([]Hit, 0, k)
	for _, r := range results {
		if !filter.allowsTier(memory.Tier(r.Metadata["tier"])) {
			continue
		}
		hits = append(hits, Hit{ID: r.ID, Score: float64(r.Similarity)})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Delete removes entries by ID. Missing IDs are ignored.
func (c *ChromemIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if err := c.collection.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("deleting %s: %w", id, err)
		}
	}
	return nil
}

// Health reports readiness. The embedded index is healthy once open.
func (c *ChromemIndex) Health(ctx context.Context) error {
	if c.db == nil || c.collection == nil {
		return ErrIndexUnavailable
	}
	return nil
}

// Close is a no-op; chromem persists on every write.
func (c *ChromemIndex) Close() error {
	return nil
}

package index

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig holds configuration for the remote qdrant index.
type QdrantConfig struct {
	// Host is the qdrant server hostname or IP address.
	Host string

	// Port is the qdrant gRPC port (not the HTTP REST port).
	Port int

	// APIKey authenticates against qdrant cloud. Empty for local instances.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Collection is the collection name.
	Collection string

	// Dimension is the vector dimension used when creating the collection.
	Dimension int

	// RequestTimeout bounds each request.
	RequestTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "memories"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// QdrantIndex is a vector index backed by a remote qdrant server over gRPC.
type QdrantIndex struct {
	config QdrantConfig
	client *qdrant.Client
	logger *zap.Logger
}

// NewQdrantIndex connects to qdrant and ensures the collection exists.
func NewQdrantIndex(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	qdrantConfig := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
	}
	if !config.UseTLS {
		qdrantConfig.GrpcOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		}
	}

	client, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	q := &QdrantIndex{config: config, client: client, logger: logger}

	if err := q.Health(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	if err := q.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant index ready",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection))

	return q, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	exists, err := q.client.CollectionExists(ctx, q.config.Collection)
	if err != nil {
		return fmt.Errorf("checking collection: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.config.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", q.config.Collection, err)
	}
	return nil
}

// Upsert inserts or replaces entries.
func (q *QdrantIndex) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		if e.ID == "" || len(e.Vector) == 0 {
			return fmt.Errorf("%w: entry %d missing id or vector", ErrInvalidConfig, i)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(e.ID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: map[string]*qdrant.Value{
				"scope":   {Kind: &qdrant.Value_StringValue{StringValue: e.Scope}},
				"tier":    {Kind: &qdrant.Value_StringValue{StringValue: string(e.Tier)}},
				"content": {Kind: &qdrant.Value_StringValue{StringValue: e.Content}},
			},
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.config.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upserting points: %w", err)
	}
	return nil
}

// Search returns the k nearest entries to the query vector.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, filter Filter, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidConfig, k)
	}
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.config.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(false),
		Filter:         buildFilter(filter),
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id := r.GetId().GetUuid()
		if id == "" {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: float64(r.GetScore())})
	}
	return hits, nil
}

func buildFilter(filter Filter) *qdrant.Filter {
	var must []*qdrant.Condition

	if filter.Scope != "" {
		must = append(must, keywordCondition("scope", filter.Scope))
	}

	if len(filter.Tiers) > 0 {
		tierConds := make([]*qdrant.Condition, len(filter.Tiers))
		for i, t := range filter.Tiers {
			tierConds[i] = keywordCondition("tier", string(t))
		}
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{
				Filter: &qdrant.Filter{Should: tierConds},
			},
		})
	}

	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

// Delete removes entries by ID.
func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.config.Collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Health probes the qdrant server.
func (q *QdrantIndex) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// Package config provides configuration loading for recalld.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Index      IndexConfig      `koanf:"index"`
	Reranker   RerankerConfig   `koanf:"reranker"`
	Search     SearchConfig     `koanf:"search"`
	Graph      GraphConfig      `koanf:"graph"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Breaker    BreakerConfig    `koanf:"breaker"`
	Gating     GatingConfig     `koanf:"gating"`
	Tiers      TiersConfig      `koanf:"tiers"`
	Logging    logging.Config   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `koanf:"addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds local storage paths.
type StorageConfig struct {
	// DataDir is the root directory for all local databases.
	DataDir string `koanf:"data_dir"`
}

// EmbeddingsConfig selects and tunes the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "http" or "deterministic".
	Provider string `koanf:"provider"`

	// BaseURL is the embedding server URL when Provider is http.
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// Dimension is the embedding dimension.
	Dimension int `koanf:"dimension"`

	// Timeout bounds each embedding call.
	Timeout time.Duration `koanf:"timeout"`
}

// IndexConfig selects and tunes the semantic index backend.
type IndexConfig struct {
	// Backend is "chromem" or "qdrant".
	Backend string `koanf:"backend"`

	// Collection is the index collection name.
	Collection string `koanf:"collection"`

	// Compress enables compression for the embedded backend.
	Compress bool `koanf:"compress"`

	// Qdrant settings, used when Backend is qdrant.
	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantAPIKey string `koanf:"qdrant_api_key"`
	QdrantUseTLS bool   `koanf:"qdrant_use_tls"`
}

// RerankerConfig selects and tunes the reranker.
type RerankerConfig struct {
	// Provider is "overlap" or "http".
	Provider string `koanf:"provider"`

	// BaseURL is the cross-encoder server URL when Provider is http.
	BaseURL string `koanf:"base_url"`

	// Model is the cross-encoder model name.
	Model string `koanf:"model"`

	// Timeout bounds each rerank call.
	Timeout time.Duration `koanf:"timeout"`
}

// SearchConfig tunes the hybrid search engine.
type SearchConfig struct {
	DefaultLimit   int           `koanf:"default_limit"`
	CandidateK     int           `koanf:"candidate_k"`
	RRFK           int           `koanf:"rrf_k"`
	RRFKSharp      int           `koanf:"rrf_k_sharp"`
	SharpTermLimit int           `koanf:"sharp_term_limit"`
	RerankTopN     int           `koanf:"rerank_top_n"`
	HighThreshold  float64       `koanf:"high_threshold"`
	HighMinResults int           `koanf:"high_min_results"`
	Deadline       time.Duration `koanf:"deadline"`
}

// GraphConfig tunes the knowledge graph service.
type GraphConfig struct {
	Debounce       time.Duration  `koanf:"debounce"`
	FlushThreshold int            `koanf:"flush_threshold"`
	SampleCaps     map[string]int `koanf:"sample_caps"`
}

// IngestConfig tunes ingestion and the deferred reindexer.
type IngestConfig struct {
	ErrorBuffer     int           `koanf:"error_buffer"`
	IndexTimeout    time.Duration `koanf:"index_timeout"`
	ReindexBatch    int           `koanf:"reindex_batch"`
	ReindexInterval time.Duration `koanf:"reindex_interval"`
	EmbedsPerSecond float64       `koanf:"embeds_per_second"`
}

// BreakerConfig tunes the dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
	CallTimeout      time.Duration `koanf:"call_timeout"`
}

// ToolConfig describes one entry of the gating tool table.
type ToolConfig struct {
	Name      string `koanf:"name"`
	Essential bool   `koanf:"essential"`
	Priority  int    `koanf:"priority"`
}

// GatingConfig holds the injected tool table.
type GatingConfig struct {
	Tools []ToolConfig `koanf:"tools"`
}

// TiersConfig holds per-tier capacity ceilings. Zero means uncapped.
type TiersConfig struct {
	Capacities map[string]int `koanf:"capacities"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8520"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "deterministic"
	}
	if c.Embeddings.Dimension <= 0 {
		c.Embeddings.Dimension = 1024
	}
	if c.Index.Backend == "" {
		c.Index.Backend = "chromem"
	}
	if c.Reranker.Provider == "" {
		c.Reranker.Provider = "overlap"
	}
	if c.Gating.Tools == nil {
		c.Gating.Tools = []ToolConfig{
			{Name: "clock", Essential: true, Priority: 1},
			{Name: "calculator", Essential: true, Priority: 2},
			{Name: "web_search", Priority: 3},
			{Name: "sql_query", Priority: 4},
		}
	}
	c.Logging.ApplyDefaults()
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch c.Embeddings.Provider {
	case "deterministic":
	case "http":
		if c.Embeddings.BaseURL == "" {
			return fmt.Errorf("embeddings.base_url required for the http provider")
		}
	default:
		return fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider)
	}

	switch c.Index.Backend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}

	switch c.Reranker.Provider {
	case "overlap":
	case "http":
		if c.Reranker.BaseURL == "" {
			return fmt.Errorf("reranker.base_url required for the http provider")
		}
	default:
		return fmt.Errorf("unknown reranker provider %q", c.Reranker.Provider)
	}

	for name := range c.Tiers.Capacities {
		if !memory.Tier(name).Valid() {
			return fmt.Errorf("unknown tier %q in tiers.capacities", name)
		}
	}
	for typ := range c.Graph.SampleCaps {
		switch typ {
		case "category", "dataset", "entity", "action":
		default:
			return fmt.Errorf("unknown node type %q in graph.sample_caps", typ)
		}
	}

	seen := make(map[string]bool, len(c.Gating.Tools))
	for _, tool := range c.Gating.Tools {
		if tool.Name == "" {
			return fmt.Errorf("gating tool with empty name")
		}
		if seen[tool.Name] {
			return fmt.Errorf("duplicate gating tool %q", tool.Name)
		}
		seen[tool.Name] = true
	}

	return c.Logging.Validate()
}

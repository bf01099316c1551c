// Package graph maintains the knowledge graph built from stored and
// used memories. Writes are buffered and flushed in batches.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidNode indicates a node descriptor that cannot be stored.
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidEdge indicates an edge that cannot be stored.
	ErrInvalidEdge = errors.New("invalid edge")

	// ErrClosed indicates the service has been closed.
	ErrClosed = errors.New("graph service closed")
)

// NodeType classifies graph nodes.
type NodeType string

const (
	NodeCategory NodeType = "category"
	NodeDataset  NodeType = "dataset"
	NodeEntity   NodeType = "entity"
	NodeAction   NodeType = "action"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeCategory, NodeDataset, NodeEntity, NodeAction:
		return true
	}
	return false
}

// Node is a graph node. ID derives from the canonical name and type, so
// re-ingesting the same logical entity never duplicates it.
type Node struct {
	ID       string
	Name     string
	Type     NodeType
	Labels   []string
	Metadata map[string]string
}

// Edge is a weighted, directed relationship between two nodes.
// Re-asserting an edge accumulates weight instead of duplicating it.
type Edge struct {
	Source       string
	Target       string
	Relationship string
	Weight       float64
}

// NodeID computes the content-based identity for a name and type.
func NodeID(name string, nodeType NodeType) string {
	canonical := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	sum := sha256.Sum256([]byte(canonical + "|" + string(nodeType)))
	return hex.EncodeToString(sum[:16])
}

type edgeKey struct {
	source, target, relationship string
}

// Config holds graph service tuning.
type Config struct {
	// Debounce is how long the buffer may sit idle before flushing.
	Debounce time.Duration

	// FlushThreshold flushes immediately once this many buffered
	// operations accumulate.
	FlushThreshold int

	// SampleCaps bounds how many nodes per type a single bulk reference
	// load may insert. Zero means uncapped.
	SampleCaps map[NodeType]int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = 256
	}
}

// Service buffers graph writes and flushes them to SQLite.
//
// Flushes are serialized: one runs at a time, and a flush requested
// mid-flight marks the buffer dirty and is folded into a single
// follow-up pass rather than running concurrently.
type Service struct {
	config Config
	store  *SQLiteGraph
	logger *zap.Logger

	mu     sync.Mutex
	nodes  map[string]Node
	edges  map[edgeKey]float64
	timer  *time.Timer
	closed bool

	flushMu sync.Mutex
	dirty   bool
}

// NewService creates a graph service over the given store.
func NewService(config Config, store *SQLiteGraph, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Service{
		config: config,
		store:  store,
		logger: logger,
		nodes:  make(map[string]Node),
		edges:  make(map[edgeKey]float64),
	}, nil
}

// UpsertNode buffers a node write and returns the node's stable id.
func (s *Service) UpsertNode(node Node) (string, error) {
	if strings.TrimSpace(node.Name) == "" {
		return "", fmt.Errorf("%w: name required", ErrInvalidNode)
	}
	if !node.Type.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidNode, node.Type)
	}
	node.ID = NodeID(node.Name, node.Type)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	s.nodes[node.ID] = node
	s.afterBufferedOp()
	return node.ID, nil
}

// UpsertEdge buffers an edge write. Weight accumulates across calls.
func (s *Service) UpsertEdge(source, target, relationship string, weight float64) error {
	if source == "" || target == "" || relationship == "" {
		return fmt.Errorf("%w: source, target, and relationship required", ErrInvalidEdge)
	}
	if weight <= 0 {
		return fmt.Errorf("%w: weight must be positive", ErrInvalidEdge)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.edges[edgeKey{source, target, relationship}] += weight
	s.afterBufferedOp()
	return nil
}

// afterBufferedOp must be called with s.mu held.
func (s *Service) afterBufferedOp() {
	if len(s.nodes)+len(s.edges) >= s.config.FlushThreshold {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		go s.flush()
		return
	}

	if s.timer != nil {
		s.timer.Reset(s.config.Debounce)
		return
	}
	s.timer = time.AfterFunc(s.config.Debounce, s.flush)
}

// Flush synchronously writes out all buffered operations.
func (s *Service) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.flushOnce()
}

// flush is the timer/threshold entry point; errors are logged since no
// caller is waiting.
func (s *Service) flush() {
	if err := s.flushOnce(); err != nil {
		s.logger.Error("graph flush failed", zap.Error(err))
	}
}

func (s *Service) flushOnce() error {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for {
		s.mu.Lock()
		if !s.dirty {
			s.mu.Unlock()
			return nil
		}
		s.dirty = false
		nodes := s.nodes
		edges := s.edges
		s.nodes = make(map[string]Node)
		s.edges = make(map[edgeKey]float64)
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()

		if len(nodes) == 0 && len(edges) == 0 {
			continue
		}
		if err := s.store.WriteBatch(context.Background(), nodes, edges); err != nil {
			return fmt.Errorf("writing graph batch: %w", err)
		}
		recordFlush(len(nodes), len(edges))
		s.logger.Debug("graph batch flushed",
			zap.Int("nodes", len(nodes)),
			zap.Int("edges", len(edges)))
	}
}

// LoadReference bulk-loads reference nodes, capping each node type at
// its configured sample cap so bulk loads stay tractable. Returns the
// number of nodes buffered.
func (s *Service) LoadReference(ctx context.Context, nodes []Node) (int, error) {
	perType := make(map[NodeType]int)
	loaded := 0
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		limit, capped := s.config.SampleCaps[node.Type]
		if capped && perType[node.Type] >= limit {
			continue
		}
		if _, err := s.UpsertNode(node); err != nil {
			return loaded, err
		}
		perType[node.Type]++
		loaded++
	}
	return loaded, s.Flush(ctx)
}

// Node returns a persisted node by id. Buffered writes are flushed
// first so reads observe them.
func (s *Service) Node(ctx context.Context, id string) (*Node, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.store.GetNode(ctx, id)
}

// Neighbors returns the edges leaving a node, heaviest first.
func (s *Service) Neighbors(ctx context.Context, nodeID string) ([]Edge, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.store.Neighbors(ctx, nodeID)
}

// Close flushes remaining writes and rejects further buffering.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	return s.flushOnce()
}

// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/gating"
	"github.com/fyrsmithlabs/recalld/internal/graph"
	"github.com/fyrsmithlabs/recalld/internal/index"
	"github.com/fyrsmithlabs/recalld/internal/ingest"
	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/outcome"
	"github.com/fyrsmithlabs/recalld/internal/search"
)

// Config holds HTTP server settings.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8520"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Server wires the engine's services behind an HTTP API.
type Server struct {
	echo     *echo.Echo
	config   Config
	logger   *zap.Logger
	engine   *search.Engine
	outcomes *outcome.Service
	ingester *ingest.Service
	gate     *gating.Engine
	graphSvc *graph.Service
	semantic index.SemanticIndex
}

// New creates the HTTP server.
func New(
	config Config,
	engine *search.Engine,
	outcomes *outcome.Service,
	ingester *ingest.Service,
	gate *gating.Engine,
	graphSvc *graph.Service,
	semantic index.SemanticIndex,
	logger *zap.Logger,
) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("search engine cannot be nil")
	}
	if outcomes == nil {
		return nil, fmt.Errorf("outcome service cannot be nil")
	}
	if ingester == nil {
		return nil, fmt.Errorf("ingest service cannot be nil")
	}
	if gate == nil {
		return nil, fmt.Errorf("gating engine cannot be nil")
	}
	if graphSvc == nil {
		return nil, fmt.Errorf("graph service cannot be nil")
	}
	if semantic == nil {
		return nil, fmt.Errorf("semantic index cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
			return err
		}
	})

	s := &Server{
		echo:     e,
		config:   config,
		logger:   logger,
		engine:   engine,
		outcomes: outcomes,
		ingester: ingester,
		gate:     gate,
		graphSvc: graphSvc,
		semantic: semantic,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/search", s.handleSearch)
	v1.POST("/outcomes", s.handleOutcomes)
	v1.POST("/ingest", s.handleIngest)
	v1.POST("/gate", s.handleGate)
	v1.POST("/graph/observe", s.handleGraphObserve)
	v1.GET("/graph/nodes/:id", s.handleGraphNode)
	v1.GET("/graph/nodes/:id/neighbors", s.handleGraphNeighbors)
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// SearchRequest is the body of POST /v1/search.
type SearchRequest struct {
	Scope string   `json:"scope"`
	Query string   `json:"query"`
	Tiers []string `json:"tiers,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// SearchResult is one result in a SearchResponse.
type SearchResult struct {
	Position   int      `json:"position"`
	ID         string   `json:"id"`
	Tier       string   `json:"tier"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	FusedScore float64  `json:"fused_score"`
	FinalScore float64  `json:"final_score"`
}

// SearchResponse is the body returned by POST /v1/search.
type SearchResponse struct {
	Results    []SearchResult `json:"results"`
	Confidence string         `json:"confidence"`
	Degraded   bool           `json:"degraded"`
	Timings    search.Timings `json:"timings"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	tiers := make([]memory.Tier, 0, len(req.Tiers))
	for _, raw := range req.Tiers {
		tier := memory.Tier(raw)
		if !tier.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown tier %q", raw))
		}
		tiers = append(tiers, tier)
	}

	resp, err := s.engine.Search(c.Request().Context(), search.Request{
		Scope: req.Scope,
		Query: req.Query,
		Tiers: tiers,
		Limit: req.Limit,
	})
	if err != nil {
		if errors.Is(err, search.ErrInvalidRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("search failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}

	results := make([]SearchResult, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = SearchResult{
			Position:   r.Position,
			ID:         r.ID,
			Tier:       string(r.Tier),
			Content:    r.Content,
			Tags:       r.Tags,
			FusedScore: r.FusedScore,
			FinalScore: r.FinalScore,
		}
	}
	return c.JSON(http.StatusOK, SearchResponse{
		Results:    results,
		Confidence: string(resp.Confidence),
		Degraded:   resp.Degraded,
		Timings:    resp.Timings,
	})
}

// OutcomePosition ties a surfaced position back to its item for
// attribution-style outcome requests.
type OutcomePosition struct {
	Position int    `json:"position"`
	ID       string `json:"id"`
}

// OutcomesRequest is the body of POST /v1/outcomes. Either a direct
// (id, outcome) pair or an attributed response text with its position
// map must be provided.
type OutcomesRequest struct {
	ID      string `json:"id,omitempty"`
	Outcome string `json:"outcome,omitempty"`

	Text      string            `json:"text,omitempty"`
	Positions []OutcomePosition `json:"positions,omitempty"`
}

// Promotion describes a tier transition caused by an outcome.
type Promotion struct {
	ID    string `json:"id"`
	NewID string `json:"new_id"`
	To    string `json:"to"`
}

// OutcomesResponse is the body returned by POST /v1/outcomes.
type OutcomesResponse struct {
	Recorded   int         `json:"recorded"`
	Promotions []Promotion `json:"promotions,omitempty"`
}

func (s *Server) handleOutcomes(c echo.Context) error {
	var req OutcomesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()

	switch {
	case req.ID != "":
		result, err := s.outcomes.Record(ctx, req.ID, req.Outcome)
		if err != nil {
			return outcomeError(err)
		}
		resp := OutcomesResponse{Recorded: 1}
		if result.Promoted {
			resp.Promotions = []Promotion{{ID: req.ID, NewID: result.PromotedID, To: string(result.PromotedTo)}}
		}
		return c.JSON(http.StatusOK, resp)

	case req.Text != "":
		markers, err := outcome.ParseMarkers(req.Text)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		positions := make(outcome.SearchPositionMap, len(req.Positions))
		for _, p := range req.Positions {
			if p.Position < 1 || p.ID == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "positions need a 1-indexed position and an id")
			}
			positions[p.Position] = outcome.Position{ID: p.ID}
		}
		applied, err := s.outcomes.Apply(ctx, positions, markers)
		if err != nil {
			return outcomeError(err)
		}
		return c.JSON(http.StatusOK, OutcomesResponse{Recorded: applied})

	default:
		return echo.NewHTTPError(http.StatusBadRequest, "either id+outcome or text+positions is required")
	}
}

func outcomeError(err error) error {
	switch {
	case errors.Is(err, memory.ErrInvalidOutcome):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, memory.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "memory item not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "recording outcome failed")
	}
}

// IngestRequest is the body of POST /v1/ingest.
type IngestRequest struct {
	Scope      string `json:"scope"`
	Tier       string `json:"tier"`
	Content    string `json:"content"`
	SourceKind string `json:"source_kind"`
	SourceRef  string `json:"source_ref,omitempty"`
}

// IngestResponse is the body returned by POST /v1/ingest.
type IngestResponse struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	tier := memory.Tier(req.Tier)
	if req.Tier == "" {
		tier = memory.TierWorking
	}

	id, created, err := s.ingester.Ingest(c.Request().Context(), req.Scope, tier, req.Content,
		memory.Source{Kind: req.SourceKind, Ref: req.SourceRef})
	if err != nil {
		if errors.Is(err, memory.ErrInvalidItem) ||
			errors.Is(err, memory.ErrEmptyContent) ||
			errors.Is(err, memory.ErrEmptyScope) ||
			errors.Is(err, memory.ErrInvalidTier) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("ingest failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "ingest failed")
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, IngestResponse{ID: id, Created: created})
}

// GateRequest is the body of POST /v1/gate.
type GateRequest struct {
	RetrievalConfidence  string `json:"retrieval_confidence"`
	ExplicitToolRequest  bool   `json:"explicit_tool_request"`
	ResearchIntent       bool   `json:"research_intent"`
	DependenciesDegraded bool   `json:"dependencies_degraded"`
	MemoryResultCount    int    `json:"memory_result_count"`
}

// GateResponse is the body returned by POST /v1/gate.
type GateResponse struct {
	AllowedTools []string `json:"allowed_tools"`
	Reduced      bool     `json:"reduced"`
	Reason       string   `json:"reason"`
}

func (s *Server) handleGate(c echo.Context) error {
	var req GateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	decision := s.gate.Decide(gating.Input{
		RetrievalConfidence:  req.RetrievalConfidence,
		ExplicitToolRequest:  req.ExplicitToolRequest,
		ResearchIntent:       req.ResearchIntent,
		DependenciesDegraded: req.DependenciesDegraded,
		MemoryResultCount:    req.MemoryResultCount,
	})
	return c.JSON(http.StatusOK, GateResponse{
		AllowedTools: decision.AllowedTools,
		Reduced:      decision.Reduced,
		Reason:       string(decision.Reason),
	})
}

// GraphNodeRef identifies a node by its logical name and type.
type GraphNodeRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// GraphNode is one node in a GraphObserveRequest.
type GraphNode struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Labels   []string          `json:"labels,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GraphEdge is one edge in a GraphObserveRequest. Endpoints are node
// references; their ids are resolved server-side so callers never need
// to know the id scheme.
type GraphEdge struct {
	Source       GraphNodeRef `json:"source"`
	Target       GraphNodeRef `json:"target"`
	Relationship string       `json:"relationship"`
	Weight       float64      `json:"weight"`
}

// GraphObserveRequest is the body of POST /v1/graph/observe.
type GraphObserveRequest struct {
	Nodes []GraphNode `json:"nodes,omitempty"`
	Edges []GraphEdge `json:"edges,omitempty"`
}

// GraphObservedNode maps a submitted node name to its stable id.
type GraphObservedNode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// GraphObserveResponse is the body returned by POST /v1/graph/observe.
type GraphObserveResponse struct {
	Nodes []GraphObservedNode `json:"nodes"`
	Edges int                 `json:"edges"`
}

func (s *Server) handleGraphObserve(c echo.Context) error {
	var req GraphObserveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Nodes) == 0 && len(req.Edges) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one node or edge is required")
	}

	observed := make([]GraphObservedNode, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		id, err := s.graphSvc.UpsertNode(graph.Node{
			Name:     n.Name,
			Type:     graph.NodeType(n.Type),
			Labels:   n.Labels,
			Metadata: n.Metadata,
		})
		if err != nil {
			return graphError(err)
		}
		observed = append(observed, GraphObservedNode{ID: id, Name: n.Name, Type: n.Type})
	}

	for _, e := range req.Edges {
		source := graph.NodeID(e.Source.Name, graph.NodeType(e.Source.Type))
		target := graph.NodeID(e.Target.Name, graph.NodeType(e.Target.Type))
		weight := e.Weight
		if weight == 0 {
			weight = 1
		}
		if err := s.graphSvc.UpsertEdge(source, target, e.Relationship, weight); err != nil {
			return graphError(err)
		}
	}

	return c.JSON(http.StatusAccepted, GraphObserveResponse{
		Nodes: observed,
		Edges: len(req.Edges),
	})
}

// GraphNodeResponse is the body returned by GET /v1/graph/nodes/:id.
type GraphNodeResponse struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Labels   []string          `json:"labels,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleGraphNode(c echo.Context) error {
	node, err := s.graphSvc.Node(c.Request().Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("graph node lookup failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "graph lookup failed")
	}
	if node == nil {
		return echo.NewHTTPError(http.StatusNotFound, "node not found")
	}
	return c.JSON(http.StatusOK, GraphNodeResponse{
		ID:       node.ID,
		Name:     node.Name,
		Type:     string(node.Type),
		Labels:   node.Labels,
		Metadata: node.Metadata,
	})
}

// GraphNeighbor is one outgoing edge in a neighbors response.
type GraphNeighbor struct {
	Target       string  `json:"target"`
	Relationship string  `json:"relationship"`
	Weight       float64 `json:"weight"`
}

func (s *Server) handleGraphNeighbors(c echo.Context) error {
	edges, err := s.graphSvc.Neighbors(c.Request().Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("graph neighbors lookup failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "graph lookup failed")
	}
	neighbors := make([]GraphNeighbor, len(edges))
	for i, e := range edges {
		neighbors[i] = GraphNeighbor{Target: e.Target, Relationship: e.Relationship, Weight: e.Weight}
	}
	return c.JSON(http.StatusOK, neighbors)
}

func graphError(err error) error {
	if errors.Is(err, graph.ErrInvalidNode) || errors.Is(err, graph.ErrInvalidEdge) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "graph write failed")
}

// HealthResponse is the body returned by GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Semantic string `json:"semantic_index"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Semantic: "ok"}
	if err := s.semantic.Health(c.Request().Context()); err != nil {
		// Lexical search still works, so the service is degraded, not down.
		resp.Status = "degraded"
		resp.Semantic = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// Package gating decides which external tools are exposed to the model
// based on retrieval confidence.
package gating

import "sort"

// ReasonCode explains a gating decision.
type ReasonCode string

const (
	ReasonDependenciesDegraded ReasonCode = "dependencies_degraded"
	ReasonExplicitRequest      ReasonCode = "explicit_request"
	ReasonResearchIntent       ReasonCode = "research_intent"
	ReasonHighConfidence       ReasonCode = "high_confidence"
	ReasonDefault              ReasonCode = "default"
)

// Tool describes one external tool in the injected table.
type Tool struct {
	// Name is the tool identifier.
	Name string

	// Essential marks tools that stay available even when memory alone
	// can answer (time, unit conversion, and similar utilities).
	Essential bool

	// Priority orders tools in the decision output, lower first.
	Priority int
}

// ToolTable is the immutable tool metadata injected at construction.
// Callers must not mutate it after handing it over.
type ToolTable struct {
	tools []Tool
}

// NewToolTable copies the given tools into an immutable table.
func NewToolTable(tools []Tool) ToolTable {
	copied := make([]Tool, len(tools))
	copy(copied, tools)
	sort.SliceStable(copied, func(i, j int) bool {
		return copied[i].Priority < copied[j].Priority
	})
	return ToolTable{tools: copied}
}

func (t ToolTable) all() []string {
	names := make([]string, len(t.tools))
	for i, tool := range t.tools {
		names[i] = tool.Name
	}
	return names
}

func (t ToolTable) essential() []string {
	var names []string
	for _, tool := range t.tools {
		if tool.Essential {
			names = append(names, tool.Name)
		}
	}
	return names
}

// Input carries the signals the decision is made from.
type Input struct {
	// RetrievalConfidence is the search engine's confidence grade:
	// "high", "medium", or "low".
	RetrievalConfidence string

	// ExplicitToolRequest is set when the user asked for a tool by name.
	ExplicitToolRequest bool

	// ResearchIntent is set when the query signals open-ended research.
	ResearchIntent bool

	// DependenciesDegraded is set when retrieval ran in degraded mode.
	DependenciesDegraded bool

	// MemoryResultCount is how many memories the search surfaced.
	MemoryResultCount int
}

// Decision is the gating outcome.
type Decision struct {
	AllowedTools []string
	Reduced      bool
	Reason       ReasonCode
}

// Engine evaluates gating rules against an injected tool table.
type Engine struct {
	table ToolTable
}

// NewEngine creates a gating engine.
func NewEngine(table ToolTable) *Engine {
	return &Engine{table: table}
}

// Decide is pure: same input, same decision, no side effects. Rules are
// evaluated in order and the first match wins:
//
//  1. degraded dependencies: fail open, all tools
//  2. explicit tool request: all tools
//  3. research intent: all tools
//  4. high confidence with at least 3 memories: essential subset only
//  5. default: all tools
func (e *Engine) Decide(in Input) Decision {
	switch {
	case in.DependenciesDegraded:
		return Decision{AllowedTools: e.table.all(), Reason: ReasonDependenciesDegraded}
	case in.ExplicitToolRequest:
		return Decision{AllowedTools: e.table.all(), Reason: ReasonExplicitRequest}
	case in.ResearchIntent:
		return Decision{AllowedTools: e.table.all(), Reason: ReasonResearchIntent}
	case in.RetrievalConfidence == "high" && in.MemoryResultCount >= 3:
		return Decision{
			AllowedTools: e.table.essential(),
			Reduced:      true,
			Reason:       ReasonHighConfidence,
		}
	default:
		return Decision{AllowedTools: e.table.all(), Reason: ReasonDefault}
	}
}

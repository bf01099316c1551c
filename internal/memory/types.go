// Package memory defines the tiered memory model and its persistence contract.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors for memory operations.
var (
	ErrNotFound        = errors.New("memory item not found")
	ErrInvalidItem     = errors.New("invalid memory item")
	ErrEmptyContent    = errors.New("memory content cannot be empty")
	ErrEmptyScope      = errors.New("scope cannot be empty")
	ErrInvalidTier     = errors.New("invalid tier")
	ErrInvalidOutcome  = errors.New("outcome must be 'worked', 'partial', 'unknown' or 'failed'")
	ErrItemArchived    = errors.New("memory item is archived")
	ErrReferenceTier   = errors.New("reference tiers do not accept this operation")

	// ErrDuplicateContent indicates an active item with the same content
	// hash already exists in the scope.
	ErrDuplicateContent = errors.New("active item with identical content already exists in scope")
)

// Tier is a named partition of memory with its own retention and
// promotion rules.
type Tier string

const (
	// TierWorking holds items from the current conversation window.
	TierWorking Tier = "working"

	// TierHistory holds items that survived at least one working-tier use.
	TierHistory Tier = "history"

	// TierPatterns holds proven items promoted out of history.
	TierPatterns Tier = "patterns"

	// TierMemoryBank holds explicit user entries.
	TierMemoryBank Tier = "memory_bank"

	// TierBooks holds ingested document chunks.
	TierBooks Tier = "books"

	// TierSchemaKnowledge is a fixed reference tier of schema descriptions.
	TierSchemaKnowledge Tier = "schema_knowledge"

	// TierTermExpansion is a fixed reference tier of query-expansion terms.
	TierTermExpansion Tier = "term_expansion"
)

// AllTiers lists every tier in promotion order, reference tiers last.
var AllTiers = []Tier{
	TierWorking,
	TierHistory,
	TierPatterns,
	TierMemoryBank,
	TierBooks,
	TierSchemaKnowledge,
	TierTermExpansion,
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierWorking, TierHistory, TierPatterns, TierMemoryBank,
		TierBooks, TierSchemaKnowledge, TierTermExpansion:
		return true
	}
	return false
}

// Reference reports whether t is a fixed reference tier. Reference tiers
// are static: never evicted, never outcome-scored, ranked by similarity only.
func (t Tier) Reference() bool {
	return t == TierSchemaKnowledge || t == TierTermExpansion
}

// Status is the lifecycle state of a memory item.
type Status string

const (
	// StatusActive indicates the item participates in search and scoring.
	StatusActive Status = "active"

	// StatusArchived indicates the item was soft-deleted (superseded or
	// promoted). Archived items are preserved for attribution but excluded
	// from search.
	StatusArchived Status = "archived"
)

// EmbeddingStatus values for the asynchronous indexing path.
const (
	// EmbeddingStatusFailed marks an item whose background embedding or
	// index upsert failed. The error message is kept alongside; the item is
	// still durable and lexically searchable.
	EmbeddingStatusFailed = "failed"
)

// Outcome is the closed set of per-use results an item can receive.
type Outcome string

const (
	// OutcomeWorked indicates the item clearly helped.
	OutcomeWorked Outcome = "worked"

	// OutcomePartial indicates the item helped somewhat.
	OutcomePartial Outcome = "partial"

	// OutcomeUnknown indicates the item was surfaced but its effect is unclear.
	OutcomeUnknown Outcome = "unknown"

	// OutcomeFailed indicates the item was surfaced and did not help.
	OutcomeFailed Outcome = "failed"
)

// ParseOutcome validates an outcome string at the boundary.
// Unknown values are rejected, never coerced.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeWorked, OutcomePartial, OutcomeUnknown, OutcomeFailed:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("%w: got %q", ErrInvalidOutcome, s)
}

// SuccessDelta returns the success_count contribution of the outcome.
//
// This is the single point where outcome deltas are defined. The switch is
// exhaustive over the closed enum on purpose: adding an outcome kind must
// force an explicit mapping here.
func (o Outcome) SuccessDelta() float64 {
	switch o {
	case OutcomeWorked:
		return 1.0
	case OutcomePartial:
		return 0.5
	case OutcomeUnknown:
		return 0.25
	case OutcomeFailed:
		return 0.0
	}
	// Unreachable for values produced by ParseOutcome.
	panic("memory: unhandled outcome " + string(o))
}

// Stats holds the per-item learning counters.
//
// Invariant: Uses == WorkedCount+PartialCount+UnknownCount+FailedCount.
// Stats mutate only through the store's atomic outcome update.
type Stats struct {
	// Uses counts every recorded outcome, including failures.
	Uses int `json:"uses"`

	// SuccessCount is the weighted sum of outcomes (worked=1, partial=0.5,
	// unknown=0.25, failed=0).
	SuccessCount float64 `json:"success_count"`

	WorkedCount  int `json:"worked_count"`
	PartialCount int `json:"partial_count"`
	UnknownCount int `json:"unknown_count"`
	FailedCount  int `json:"failed_count"`

	// WilsonScore is the 95% Wilson lower bound derived purely from
	// (SuccessCount, Uses). Recomputed from cumulative counters on every
	// update, never from a bounded recent-history window.
	WilsonScore float64 `json:"wilson_score"`

	// LastUsedAt is the time of the most recent outcome, nil if never used.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Source describes where an item came from, used for deduplication and
// attribution.
type Source struct {
	// Kind is the origin class: "conversation", "tool", "document" or "user".
	Kind string `json:"kind"`

	// Ref identifies the origin instance: tool name, document hash or
	// conversation id.
	Ref string `json:"ref,omitempty"`
}

// MemoryItem is the atomic unit of memory.
type MemoryItem struct {
	// ID is the unique item identifier (UUID).
	ID string `json:"id"`

	// Scope partitions items per user or assistant instance.
	Scope string `json:"scope"`

	// Tier is the memory partition the item lives in.
	Tier Tier `json:"tier"`

	// Content is the item text.
	Content string `json:"content"`

	// ContentHash is the SHA-256 of the canonical content form, used for
	// dedup within a scope.
	ContentHash string `json:"content_hash"`

	// Embedding is the item's vector, populated transiently when known.
	// Vectors are persisted in the semantic index, not in the item store.
	Embedding []float32 `json:"-"`

	// Tags are labels for categorization.
	Tags []string `json:"tags,omitempty"`

	Status Status `json:"status"`

	// NeedsReindex is set on every durable write and cleared once the
	// semantic index upsert succeeds (store-then-embed).
	NeedsReindex bool `json:"needs_reindex"`

	// EmbeddingStatus is "" or EmbeddingStatusFailed.
	EmbeddingStatus string `json:"embedding_status,omitempty"`

	// EmbeddingError holds the failure message when EmbeddingStatus is failed.
	EmbeddingError string `json:"embedding_error,omitempty"`

	Source Source `json:"source"`

	Stats Stats `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewItem creates a memory item with a generated UUID, zeroed stats and
// NeedsReindex set.
func NewItem(scope string, tier Tier, content string, source Source) (*MemoryItem, error) {
	if scope == "" {
		return nil, ErrEmptyScope
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	now := time.Now().UTC()
	return &MemoryItem{
		ID:           uuid.New().String(),
		Scope:        scope,
		Tier:         tier,
		Content:      content,
		ContentHash:  CanonicalHash(content),
		Status:       StatusActive,
		NeedsReindex: true,
		Source:       source,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// newItemID generates a fresh item id.
func newItemID() string {
	return uuid.New().String()
}

// Validate checks item fields at the boundary.
func (m *MemoryItem) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidItem)
	}
	if m.Scope == "" {
		return ErrEmptyScope
	}
	if !m.Tier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, m.Tier)
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	if m.Status != StatusActive && m.Status != StatusArchived {
		return fmt.Errorf("%w: status %q", ErrInvalidItem, m.Status)
	}
	if got := m.Stats.WorkedCount + m.Stats.PartialCount + m.Stats.UnknownCount + m.Stats.FailedCount; got != m.Stats.Uses {
		return fmt.Errorf("%w: uses=%d but outcome counters sum to %d", ErrInvalidItem, m.Stats.Uses, got)
	}
	return nil
}

// CanonicalHash computes the SHA-256 of the canonical form of text:
// lowercased with runs of whitespace collapsed to single spaces. Two texts
// that differ only in case or spacing dedup to the same item.
func CanonicalHash(text string) string {
	canonical := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

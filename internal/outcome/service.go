// Package outcome records per-item outcomes, applies the scoring delta
// table, and drives tier promotion.
package outcome

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// ErrNilStore indicates a nil store dependency.
var ErrNilStore = errors.New("store cannot be nil")

// Result reports the effect of recording one outcome.
type Result struct {
	// Stats are the item's stats after the atomic update.
	Stats *memory.Stats

	// Promoted reports whether the outcome pushed the item over a tier
	// threshold.
	Promoted bool

	// PromotedTo is the target tier when Promoted is set.
	PromotedTo memory.Tier

	// PromotedID is the id of the new item in the target tier. The source
	// item is archived.
	PromotedID string
}

// Service applies outcomes and promotion rules.
type Service struct {
	store  memory.Store
	rules  []memory.PromotionRule
	logger *zap.Logger
}

// NewService creates an outcome service with the default promotion rules.
func NewService(store memory.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		rules:  memory.DefaultPromotionRules,
		logger: logger,
	}, nil
}

// Record validates the raw outcome string, applies it atomically, and
// promotes the item if its post-update stats cross a tier threshold.
//
// Update errors surface to the caller: a visibly dropped delta is
// recoverable, a silently dropped one corrupts the estimator.
func (s *Service) Record(ctx context.Context, id, rawOutcome string) (*Result, error) {
	outcome, err := memory.ParseOutcome(rawOutcome)
	if err != nil {
		return nil, err
	}

	stats, err := s.store.RecordOutcome(ctx, id, outcome)
	if err != nil {
		return nil, fmt.Errorf("recording outcome for %s: %w", id, err)
	}
	recordOutcomeMetric(string(outcome))

	result := &Result{Stats: stats}

	item, err := s.store.Get(ctx, id)
	if err != nil {
		// The outcome is already durable; failing the call now would make
		// the caller retry and double-count.
		s.logger.Warn("loading item for promotion check failed",
			zap.String("id", id), zap.Error(err))
		return result, nil
	}

	for _, rule := range s.rules {
		if rule.From != item.Tier {
			continue
		}
		if stats.Uses < rule.MinUses || stats.SuccessCount < rule.MinSuccess {
			continue
		}

		newID, promoteErr := s.store.Promote(ctx, id, rule.To)
		if promoteErr != nil {
			s.logger.Error("promotion failed",
				zap.String("id", id),
				zap.String("from", string(rule.From)),
				zap.String("to", string(rule.To)),
				zap.Error(promoteErr))
			return result, nil
		}

		result.Promoted = true
		result.PromotedTo = rule.To
		result.PromotedID = newID
		recordPromotionMetric(string(rule.From), string(rule.To))
		s.logger.Info("item promoted",
			zap.String("id", id),
			zap.String("new_id", newID),
			zap.String("from", string(rule.From)),
			zap.String("to", string(rule.To)),
			zap.Int("uses", stats.Uses),
			zap.Float64("success", stats.SuccessCount))
		break
	}

	return result, nil
}

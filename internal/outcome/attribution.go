package outcome

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// Position identifies one surfaced search result for attribution.
type Position struct {
	ID         string
	Tier       memory.Tier
	FusedScore float64
}

// SearchPositionMap maps 1-indexed surfaced positions to items. It is
// ephemeral: built per response, discarded after attribution.
type SearchPositionMap map[int]Position

// Marker is one parsed attribution token.
type Marker struct {
	Position int
	Outcome  memory.Outcome
}

// markerPattern matches the compact attribution annotation a response
// may carry, e.g. [[memory: 1+ 3- 4~]].
var markerPattern = regexp.MustCompile(`\[\[memory:([^\]]*)\]\]`)

// ParseMarkers extracts attribution markers from response text.
//
// Token suffixes: + helpful (worked), - unhelpful (failed), ~ neutral
// (unknown). A bare position number carries no suffix and yields no
// outcome; partial is never inferred. Malformed tokens are a validation
// error for the whole annotation.
func ParseMarkers(text string) ([]Marker, error) {
	var markers []Marker
	for _, match := range markerPattern.FindAllStringSubmatch(text, -1) {
		for _, token := range strings.Fields(match[1]) {
			marker, ok, err := parseToken(token)
			if err != nil {
				return nil, err
			}
			if ok {
				markers = append(markers, marker)
			}
		}
	}
	return markers, nil
}

func parseToken(token string) (Marker, bool, error) {
	var outcome memory.Outcome
	suffix := token[len(token)-1]
	switch suffix {
	case '+':
		outcome = memory.OutcomeWorked
	case '-':
		outcome = memory.OutcomeFailed
	case '~':
		outcome = memory.OutcomeUnknown
	default:
		// Bare positions are mentioned but unjudged; no outcome.
		if _, err := strconv.Atoi(token); err != nil {
			return Marker{}, false, fmt.Errorf("malformed attribution token %q", token)
		}
		return Marker{}, false, nil
	}

	pos, err := strconv.Atoi(token[:len(token)-1])
	if err != nil || pos < 1 {
		return Marker{}, false, fmt.Errorf("malformed attribution token %q", token)
	}
	return Marker{Position: pos, Outcome: outcome}, true, nil
}

// Apply records the parsed markers against the position map. Positions
// outside the map are logged and skipped; a response may reference a
// position that was never surfaced. Returns the number of outcomes
// recorded. The first store error aborts, since partial application is
// visible through the count.
func (s *Service) Apply(ctx context.Context, positions SearchPositionMap, markers []Marker) (int, error) {
	applied := 0
	for _, m := range markers {
		pos, ok := positions[m.Position]
		if !ok {
			s.logger.Warn("attribution references unknown position",
				zap.Int("position", m.Position))
			continue
		}
		if _, err := s.Record(ctx, pos.ID, string(m.Outcome)); err != nil {
			return applied, fmt.Errorf("applying outcome at position %d: %w", m.Position, err)
		}
		applied++
	}
	return applied, nil
}

// Package match locates the existing shipment a parsed document refers to.
package match

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/model"
)

var (
	// ErrAmbiguousMatch means a strategy found more than one candidate.
	// Match converts it into an ambiguous no-match.
	ErrAmbiguousMatch = eris.New("ambiguous match")
	// ErrUnknownTarget means an explicit target id does not exist.
	ErrUnknownTarget = eris.New("explicit target shipment not found")
)

// Lookup is the read side of the record store used for matching. Each
// method returns the distinct ids of matching shipments.
type Lookup interface {
	ShipmentExists(ctx context.Context, id string) (bool, error)
	FindByBooking(ctx context.Context, booking string) ([]string, error)
	FindByShipmentNumber(ctx context.Context, number string) ([]string, error)
	FindByContainers(ctx context.Context, numbers []string) ([]string, error)
}

// Matcher tries the lookup strategies in priority order.
type Matcher struct {
	lookup Lookup
}

// New creates a Matcher.
func New(lookup Lookup) *Matcher {
	return &Matcher{lookup: lookup}
}

type strategy struct {
	by  model.MatchedBy
	run func(ctx context.Context, doc *model.ParsedDocument) ([]string, error)
}

// Match returns the first unique hit among explicit id, booking, primary id
// and container lookups. A strategy with several candidates stops the
// search with an ambiguous no-match; later, weaker strategies are not
// allowed to pick one of them.
func (m *Matcher) Match(ctx context.Context, doc *model.ParsedDocument, explicitID string) (model.MatchResult, error) {
	if id := strings.TrimSpace(explicitID); id != "" {
		ok, err := m.lookup.ShipmentExists(ctx, id)
		if err != nil {
			return model.NoMatch(), eris.Wrap(err, "match: explicit id lookup")
		}
		if !ok {
			return model.NoMatch(), eris.Wrapf(ErrUnknownTarget, "match: %s", id)
		}
		return model.MatchResult{RecordID: id, MatchedBy: model.MatchedByExplicitID}, nil
	}
	if doc == nil {
		return model.NoMatch(), nil
	}

	for _, s := range m.strategies() {
		ids, err := s.run(ctx, doc)
		if err != nil {
			return model.NoMatch(), eris.Wrapf(err, "match: %s lookup", s.by)
		}
		id, err := single(ids)
		if errors.Is(err, ErrAmbiguousMatch) {
			zap.L().Warn("match: ambiguous candidates",
				zap.String("matched_by", string(s.by)),
				zap.Strings("candidates", ids),
			)
			res := model.NoMatch()
			res.Ambiguous = true
			res.Candidates = ids
			return res, nil
		}
		if id != "" {
			zap.L().Info("match: shipment found",
				zap.String("record_id", id),
				zap.String("matched_by", string(s.by)),
			)
			return model.MatchResult{RecordID: id, MatchedBy: s.by}, nil
		}
	}
	return model.NoMatch(), nil
}

// Candidates returns every shipment any strategy points at, strongest
// strategy first, without requiring a unique hit.
func (m *Matcher) Candidates(ctx context.Context, doc *model.ParsedDocument) ([]string, error) {
	if doc == nil {
		return nil, nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, s := range m.strategies() {
		ids, err := s.run(ctx, doc)
		if err != nil {
			return nil, eris.Wrapf(err, "match: %s candidates", s.by)
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (m *Matcher) strategies() []strategy {
	return []strategy{
		{model.MatchedByBooking, m.byBooking},
		{model.MatchedByPrimaryID, m.byPrimaryID},
		{model.MatchedByContainers, m.byContainers},
	}
}

func single(ids []string) (string, error) {
	switch len(ids) {
	case 0:
		return "", nil
	case 1:
		return ids[0], nil
	default:
		return "", ErrAmbiguousMatch
	}
}

func (m *Matcher) byBooking(ctx context.Context, doc *model.ParsedDocument) ([]string, error) {
	if !doc.Booking.Present() {
		return nil, nil
	}
	return m.lookup.FindByBooking(ctx, strings.ToUpper(strings.TrimSpace(doc.Booking.Value)))
}

// byPrimaryID tries the canonical number and then the SHP-prefix variant.
func (m *Matcher) byPrimaryID(ctx context.Context, doc *model.ParsedDocument) ([]string, error) {
	if !doc.PrimaryID.Present() {
		return nil, nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, v := range ShipmentNumberVariants(doc.PrimaryID.Value) {
		ids, err := m.lookup.FindByShipmentNumber(ctx, v)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		if len(out) > 0 {
			break
		}
	}
	return out, nil
}

func (m *Matcher) byContainers(ctx context.Context, doc *model.ParsedDocument) ([]string, error) {
	nums := doc.ContainerNumbers()
	if len(nums) == 0 {
		return nil, nil
	}
	return m.lookup.FindByContainers(ctx, nums)
}

// ShipmentNumberVariants returns the canonical form of a shipment number
// followed by the form with the SHP prefix added or removed.
func ShipmentNumberVariants(raw string) []string {
	canonical := strings.ToUpper(strings.Join(strings.Fields(raw), ""))
	if canonical == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(canonical, "SHP"); ok {
		if rest == "" {
			return []string{canonical}
		}
		return []string{canonical, rest}
	}
	return []string{canonical, "SHP" + canonical}
}

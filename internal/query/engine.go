package query

import (
	"context"
	"fmt"
	"sort"

	"skyquery/internal/domain"
	"skyquery/internal/index"
)

// Match is one query result. Score is the number of satisfied predicates in score mode.
type Match struct {
	*domain.ListingRecord
	Score int `json:"score,omitempty"`
}

// Engine evaluates filters against the committed snapshot. It never blocks the
// cycle driver; each call works on the state loaded at its start.
type Engine struct {
	state    *index.Committed
	store    domain.ListingStore
	maxLimit int
}

// NewEngine creates a query engine. Limits above maxLimit need elevated access.
func NewEngine(state *index.Committed, store domain.ListingStore, maxLimit int) *Engine {
	return &Engine{state: state, store: store, maxLimit: maxLimit}
}

// Execute runs f with the caller's access level
func (e *Engine) Execute(ctx context.Context, f *Filter, access domain.AccessLevel) ([]Match, error) {
	if access == domain.AccessNone {
		return nil, &domain.AuthError{Reason: "missing or invalid key"}
	}
	if f.Limit < 0 {
		return nil, &domain.ValidationError{Param: "limit", Reason: "must not be negative"}
	}
	if f.Limit > e.maxLimit && access < domain.AccessElevated {
		return nil, &domain.AuthError{Reason: fmt.Sprintf("limit above %d requires an elevated key", e.maxLimit), Insufficient: true}
	}

	if f.Kind == KindRaw {
		return e.executeRaw(ctx, f, access)
	}
	return e.executeStructured(f), nil
}

func (e *Engine) executeRaw(ctx context.Context, f *Filter, access domain.AccessLevel) ([]Match, error) {
	if access < domain.AccessElevated {
		return nil, &domain.AuthError{Reason: "raw queries require an elevated key", Insufficient: true}
	}
	if e.store == nil {
		return nil, domain.ErrFeatureDisabled
	}
	records, err := e.store.RawQuery(ctx, domain.RawQuery{
		Where:   f.Raw,
		OrderBy: string(f.SortBy),
		Desc:    f.Order == OrderDesc,
		Limit:   f.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(records))
	for _, r := range records {
		out = append(out, Match{ListingRecord: r})
	}
	return out, nil
}

func (e *Engine) executeStructured(f *Filter) []Match {
	snap := e.state.Load().Snapshot
	preds := f.Predicates.compile()

	type candidate struct {
		Match
		key int64
	}
	candidates := make([]candidate, 0)

	for _, l := range snap.Listings {
		score := 0
		for _, p := range preds {
			if p(l) {
				score++
			}
		}
		if f.Mode == ModeStrict && score < len(preds) {
			continue
		}
		c := candidate{Match: Match{ListingRecord: l}, key: l.Price}
		if f.Mode == ModeScore {
			c.Score = score
		}
		if f.SortBy == SortHighestBid {
			c.key = l.HighestBid()
		}
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.key != b.key {
			if f.Order == OrderDesc {
				return a.key > b.key
			}
			return a.key < b.key
		}
		return a.ID < b.ID
	})

	if f.Limit > 0 && len(candidates) > f.Limit {
		candidates = candidates[:f.Limit]
	}
	out := make([]Match, len(candidates))
	for i, c := range candidates {
		out[i] = c.Match
	}
	return out
}

// Package similarity ranks registered resources against a query embedding
// and classifies the best match.
package similarity

import (
	"context"

	"github.com/CanopyHQ/xylem/internal/model"
	"github.com/CanopyHQ/xylem/internal/store"
)

// Verdict classifies the best match of a query.
type Verdict string

const (
	Auto    Verdict = "auto"
	Review  Verdict = "review"
	NoMatch Verdict = "no-match"
)

// Match is one ranked candidate.
type Match = store.Scored

// MatchOptions configures Match.
type MatchOptions struct {
	High float64
	Low  float64
	TopK int
}

// DefaultMatchOptions are the thresholds used when none are given.
var DefaultMatchOptions = MatchOptions{High: 0.85, Low: 0.75, TopK: 5}

// FilterOptions configures MatchFiltered.
type FilterOptions struct {
	TopK     int
	MinScore float64
	Type     model.ResourceType
}

// Result is the outcome of Match.
type Result struct {
	Verdict Verdict `json:"verdict"`
	Matches []Match `json:"matches"`
}

// Ranker is the read side of the store used for ranking.
type Ranker interface {
	Nearest(ctx context.Context, query []float32, k int, kind string) ([]store.Scored, error)
}

// Matcher runs similarity queries. It never writes.
type Matcher struct {
	ranker Ranker
}

// New returns a matcher over r.
func New(r Ranker) *Matcher {
	return &Matcher{ranker: r}
}

// Classify maps a best score onto a verdict.
func Classify(best float64, opts MatchOptions) Verdict {
	switch {
	case best >= opts.High:
		return Auto
	case best >= opts.Low:
		return Review
	default:
		return NoMatch
	}
}

// Match ranks all embedded resources and classifies the best one.
func (m *Matcher) Match(ctx context.Context, vec []float32, opts MatchOptions) (Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = DefaultMatchOptions.TopK
	}
	matches, err := m.ranker.Nearest(ctx, vec, opts.TopK, "")
	if err != nil {
		return Result{}, err
	}
	if len(matches) == 0 {
		return Result{Verdict: NoMatch, Matches: []Match{}}, nil
	}
	return Result{Verdict: Classify(matches[0].Score, opts), Matches: matches}, nil
}

// MatchFiltered ranks candidates (optionally of one type), keeps the top K
// and then drops those scoring below MinScore. The cut happens before the
// threshold, so fewer than K rows may come back even when more candidates
// clear MinScore further down the ranking.
func (m *Matcher) MatchFiltered(ctx context.Context, vec []float32, opts FilterOptions) ([]Match, error) {
	if opts.TopK <= 0 {
		return []Match{}, nil
	}
	ranked, err := m.ranker.Nearest(ctx, vec, opts.TopK, string(opts.Type))
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(ranked))
	for _, r := range ranked {
		if r.Score >= opts.MinScore {
			out = append(out, r)
		}
	}
	return out, nil
}

// MatchTop1 returns the single best candidate scoring at least minScore.
func (m *Matcher) MatchTop1(ctx context.Context, vec []float32, minScore float64, kind model.ResourceType) (Match, bool, error) {
	got, err := m.MatchFiltered(ctx, vec, FilterOptions{TopK: 1, MinScore: minScore, Type: kind})
	if err != nil || len(got) == 0 {
		return Match{}, false, err
	}
	return got[0], true, nil
}

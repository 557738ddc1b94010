package similarity

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanopyHQ/xylem/internal/store"
)

// fakeRanker returns fixed scores regardless of the query.
type fakeRanker struct {
	rows []store.Scored
}

func (f fakeRanker) Nearest(_ context.Context, _ []float32, k int, kind string) ([]store.Scored, error) {
	var out []store.Scored
	for _, r := range f.rows {
		if kind == "" || r.Type == kind {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func TestClassifyPartitionsUnitInterval(t *testing.T) {
	opts := DefaultMatchOptions
	for i := 0; i <= 1000; i++ {
		s := float64(i) / 1000
		v := Classify(s, opts)
		switch {
		case s >= opts.High:
			assert.Equal(t, Auto, v, s)
		case s >= opts.Low:
			assert.Equal(t, Review, v, s)
		default:
			assert.Equal(t, NoMatch, v, s)
		}
	}
	assert.Equal(t, Auto, Classify(0.85, opts))
	assert.Equal(t, Review, Classify(0.75, opts))
	assert.Equal(t, NoMatch, Classify(0.7499, opts))
}

func TestMatchVerdicts(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		best float64
		want Verdict
	}{
		{0.9, Auto},
		{0.8, Review},
		{0.5, NoMatch},
	}
	for _, tt := range tests {
		m := New(fakeRanker{rows: []store.Scored{{CID: "a", Type: "text", Score: tt.best}, {CID: "b", Type: "text", Score: 0.1}}})
		res, err := m.Match(ctx, []float32{1}, DefaultMatchOptions)
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Verdict)
		assert.Equal(t, "a", res.Matches[0].CID)
	}

	res, err := New(fakeRanker{}).Match(ctx, []float32{1}, MatchOptions{High: 0.85, Low: 0.75})
	require.NoError(t, err)
	assert.Equal(t, NoMatch, res.Verdict)
	assert.Empty(t, res.Matches)
}

func TestMatchFilteredRanksThenThresholds(t *testing.T) {
	rows := []store.Scored{
		{CID: "a", Type: "image", Score: 0.97},
		{CID: "b", Type: "image", Score: 0.60},
		{CID: "c", Type: "image", Score: 0.55},
		{CID: "d", Type: "text", Score: 0.99},
	}
	m := New(fakeRanker{rows: rows})
	ctx := context.Background()

	got, err := m.MatchFiltered(ctx, []float32{1}, FilterOptions{TopK: 2, MinScore: 0.5, Type: "image"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].CID)
	assert.Equal(t, "b", got[1].CID)

	got, err = m.MatchFiltered(ctx, []float32{1}, FilterOptions{TopK: 3, MinScore: 0.9})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, g := range got {
		assert.GreaterOrEqual(t, g.Score, 0.9)
	}

	got, err = m.MatchFiltered(ctx, []float32{1}, FilterOptions{TopK: 0, MinScore: 0})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMatchFilteredBoundsHoldForAnyInput(t *testing.T) {
	rows := make([]store.Scored, 0, 20)
	for i := 0; i < 20; i++ {
		rows = append(rows, store.Scored{CID: string(rune('a' + i)), Type: "text", Score: float64(i%7) / 7})
	}
	m := New(fakeRanker{rows: rows})
	for k := 1; k <= 25; k += 3 {
		for _, min := range []float64{0, 0.3, 0.6, 0.95} {
			got, err := m.MatchFiltered(context.Background(), []float32{1}, FilterOptions{TopK: k, MinScore: min})
			require.NoError(t, err)
			assert.LessOrEqual(t, len(got), k)
			for _, g := range got {
				assert.GreaterOrEqual(t, g.Score, min)
			}
		}
	}
}

func TestMatchTop1(t *testing.T) {
	m := New(fakeRanker{rows: []store.Scored{{CID: "a", Type: "image", Score: 0.96}, {CID: "b", Type: "text", Score: 0.99}}})
	got, ok, err := m.MatchTop1(context.Background(), []float32{1}, 0.95, "image")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", got.CID)

	_, ok, err = m.MatchTop1(context.Background(), []float32{1}, 0.97, "image")
	require.NoError(t, err)
	assert.False(t, ok)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/CanopyHQ/xylem/internal/embed"
)

// Scored is a resource ranked by cosine similarity to a query vector.
type Scored struct {
	CID   string  `json:"cid"`
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

// Nearest returns up to k resources with embeddings, ordered by descending
// cosine similarity to query (ties by cid). kind restricts the candidates to
// one resource type when non-empty.
func (q *Queries) Nearest(ctx context.Context, query []float32, k int, kind string) ([]Scored, error) {
	if k <= 0 || embed.IsZero(query) {
		return nil, nil
	}
	if q.vec.available && len(query) == q.vec.dimensions {
		hits, err := q.vec.search(ctx, q.q, query, k, kind)
		if err == nil {
			return q.typed(ctx, hits, kind)
		}
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return q.linearNearest(ctx, query, k, kind)
}

func (q *Queries) typed(ctx context.Context, hits []vecHit, kind string) ([]Scored, error) {
	out := make([]Scored, 0, len(hits))
	for _, h := range hits {
		t := kind
		if t == "" {
			err := q.q.QueryRowContext(ctx, `SELECT type FROM resource WHERE cid = ?`, h.CID).Scan(&t)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read type of %s: %w", h.CID, err)
			}
		}
		out = append(out, Scored{CID: h.CID, Type: t, Score: 1 - h.Distance})
	}
	return out, nil
}

// linearNearest scores every embedded resource in Go.
func (q *Queries) linearNearest(ctx context.Context, query []float32, k int, kind string) ([]Scored, error) {
	stmt := `SELECT cid, type, embedding FROM resource WHERE embedding IS NOT NULL AND embedding != ''`
	var args []any
	if kind != "" {
		stmt += ` AND type = ?`
		args = append(args, kind)
	}
	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer rows.Close()

	var all []Scored
	for rows.Next() {
		var s Scored
		var raw string
		if err := rows.Scan(&s.CID, &s.Type, &raw); err != nil {
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil || len(vec) != len(query) {
			continue
		}
		s.Score = embed.CosineSimilarity(query, vec)
		all = append(all, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].CID < all[j].CID
	})
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

package bundle

import (
	"context"
	"fmt"

	"github.com/CanopyHQ/xylem/internal/lineage"
	"github.com/CanopyHQ/xylem/internal/store"
)

// ImportStats counts the records an import added. Records that already
// existed are skipped, not counted.
type ImportStats struct {
	Entities     int `json:"entities"`
	Resources    int `json:"resources"`
	Actions      int `json:"actions"`
	Attributions int `json:"attributions"`
}

// Import writes every record of b into s in one transaction, skipping
// records that already exist. Session links are dropped since sessions are
// not carried in bundles. Imported resources have no embedding.
func Import(ctx context.Context, s *store.Store, b lineage.Bundle) (ImportStats, error) {
	var stats ImportStats
	err := s.WithTx(ctx, func(q *store.Queries) error {
		for _, e := range b.Entities {
			ok, err := q.InsertEntity(ctx, e)
			if err != nil {
				return fmt.Errorf("entity %s: %w", e.ID, err)
			}
			if ok {
				stats.Entities++
			}
		}
		for _, a := range b.Actions {
			a.SessionID = ""
			ok, err := q.InsertActionIfAbsent(ctx, a)
			if err != nil {
				return fmt.Errorf("action %s: %w", a.ID, err)
			}
			if ok {
				stats.Actions++
			}
		}
		for _, r := range b.Resources {
			r = r.Stripped()
			r.SessionID = ""
			ok, err := q.InsertResourceIfAbsent(ctx, r)
			if err != nil {
				return fmt.Errorf("resource %s: %w", r.CID, err)
			}
			if ok {
				stats.Resources++
			}
		}
		for _, at := range b.Attributions {
			ok, err := q.InsertAttributionIfAbsent(ctx, at)
			if err != nil {
				return fmt.Errorf("attribution %s: %w", at.ID, err)
			}
			if ok {
				stats.Attributions++
			}
		}
		return nil
	})
	if err != nil {
		return ImportStats{}, fmt.Errorf("failed to import bundle: %w", err)
	}
	return stats, nil
}

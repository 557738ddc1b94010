package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/CanopyHQ/xylem/internal/embed"
)

func init() {
	sqlite_vec.Auto()
}

// vecIndex manages the sqlite-vec index for resource embeddings. When the
// extension cannot be loaded every operation is a no-op and similarity
// queries fall back to a linear cosine scan.
type vecIndex struct {
	dimensions int
	available  bool
}

type vecHit struct {
	CID      string
	Distance float64
}

func newVecIndex(db *sql.DB, dimensions int) *vecIndex {
	vi := &vecIndex{dimensions: dimensions}
	if dimensions <= 0 {
		return vi
	}
	if err := vi.ensureSchema(db); err != nil {
		slog.Warn("sqlite-vec not available, using linear scan", "error", err)
		return vi
	}
	vi.available = true
	return vi
}

func (vi *vecIndex) ensureSchema(db *sql.DB) error {
	var version string
	if err := db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		return fmt.Errorf("vec_version() failed: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS vec_metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("failed to create vec_metadata: %w", err)
	}
	// vec0 needs integer rowids; resources are keyed by cid.
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS resource_vec_ids (
		vec_id INTEGER PRIMARY KEY AUTOINCREMENT,
		cid    TEXT UNIQUE NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create vec ID mapping: %w", err)
	}

	vi.handleDimensionChange(db)

	createSQL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS resource_vec USING vec0(embedding float[%d] distance_metric=cosine, kind text)`,
		vi.dimensions,
	)
	if _, err := db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO vec_metadata (key, value) VALUES ('dimensions', ?)`,
		strconv.Itoa(vi.dimensions)); err != nil {
		return fmt.Errorf("failed to record dimensions: %w", err)
	}
	return nil
}

// handleDimensionChange drops the index when the configured width differs
// from the one it was built with, so Backfill can rebuild it.
func (vi *vecIndex) handleDimensionChange(db *sql.DB) {
	var stored string
	if err := db.QueryRow(`SELECT value FROM vec_metadata WHERE key = 'dimensions'`).Scan(&stored); err != nil {
		return
	}
	if stored == strconv.Itoa(vi.dimensions) {
		return
	}
	slog.Warn("embedding dimensions changed, rebuilding vector index", "from", stored, "to", vi.dimensions)
	db.Exec(`DROP TABLE IF EXISTS resource_vec`)
	db.Exec(`DELETE FROM resource_vec_ids`)
}

// insert adds a resource embedding. Resources are immutable, so there is no
// update path.
func (vi *vecIndex) insert(ctx context.Context, q querier, cid, kind string, embedding []float32) error {
	if !vi.available || len(embedding) != vi.dimensions || embed.IsZero(embedding) {
		return nil
	}
	res, err := q.ExecContext(ctx, `INSERT INTO resource_vec_ids (cid) VALUES (?)`, cid)
	if err != nil {
		return fmt.Errorf("failed to create vec ID mapping: %w", err)
	}
	vecID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO resource_vec (rowid, embedding, kind) VALUES (?, ?, ?)`, vecID, blob, kind); err != nil {
		return fmt.Errorf("failed to insert into vec0: %w", err)
	}
	return nil
}

// search runs a KNN query, optionally restricted to one resource kind, and
// returns cids in ascending cosine distance.
func (vi *vecIndex) search(ctx context.Context, q querier, query []float32, k int, kind string) ([]vecHit, error) {
	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	filter := ""
	args := []any{blob, k}
	if kind != "" {
		filter = ` AND kind = ?`
		args = append(args, kind)
	}
	stmt := `WITH knn AS (
			SELECT rowid, distance FROM resource_vec
			WHERE embedding MATCH ? AND k = ?` + filter + `
		)
		SELECT knn.rowid, knn.distance, m.cid
		FROM knn JOIN resource_vec_ids m ON m.vec_id = knn.rowid
		ORDER BY knn.distance, m.cid`

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vecHit
	for rows.Next() {
		var rowID int64
		var h vecHit
		var distance sql.NullFloat64
		if err := rows.Scan(&rowID, &distance, &h.CID); err != nil {
			return nil, err
		}
		// vec0 yields NULL for rows stored without a direction.
		if !distance.Valid {
			continue
		}
		h.Distance = distance.Float64
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Backfill indexes resources whose embeddings are not yet in the index.
func (vi *vecIndex) Backfill(ctx context.Context, db *sql.DB) (int, error) {
	if !vi.available {
		return 0, nil
	}
	rows, err := db.QueryContext(ctx, `
		SELECT r.cid, r.type, r.embedding
		FROM resource r
		LEFT JOIN resource_vec_ids v ON v.cid = r.cid
		WHERE v.vec_id IS NULL AND r.embedding IS NOT NULL AND r.embedding != ''
	`)
	if err != nil {
		return 0, err
	}
	type pending struct {
		cid, kind string
		vec       []float32
	}
	var todo []pending
	for rows.Next() {
		var cid, kind, raw string
		if err := rows.Scan(&cid, &kind, &raw); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil || len(vec) != vi.dimensions {
			continue
		}
		todo = append(todo, pending{cid, kind, vec})
	}
	rows.Close()

	count := 0
	for _, p := range todo {
		if err := vi.insert(ctx, db, p.cid, p.kind, p.vec); err != nil {
			if !strings.Contains(err.Error(), "UNIQUE") {
				slog.Warn("failed to backfill embedding", "cid", p.cid, "error", err)
			}
			continue
		}
		count++
	}
	return count, nil
}

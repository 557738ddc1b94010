package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CanopyHQ/xylem/internal/model"
)

const resourceColumns = `cid, size, algorithm, type, locations, created_by, root_action, license, embedding, extensions, session_id, created_at`

// InsertResource writes r and indexes its embedding. A cid that is already
// present yields ErrConflict.
func (q *Queries) InsertResource(ctx context.Context, r model.Resource) error {
	if _, err := q.insertResource(ctx, r, ""); err != nil {
		if isPrimaryKeyConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert resource: %w", err)
	}
	return q.vec.insert(ctx, q.q, r.CID, string(r.Type), r.Embedding)
}

// InsertResourceIfAbsent writes r unless its cid exists. Reports whether a
// row was inserted.
func (q *Queries) InsertResourceIfAbsent(ctx context.Context, r model.Resource) (bool, error) {
	res, err := q.insertResource(ctx, r, " ON CONFLICT(cid) DO NOTHING")
	if err != nil {
		return false, fmt.Errorf("failed to insert resource: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	return true, q.vec.insert(ctx, q.q, r.CID, string(r.Type), r.Embedding)
}

func (q *Queries) insertResource(ctx context.Context, r model.Resource, conflict string) (sql.Result, error) {
	locations, err := json.Marshal(r.Locations)
	if err != nil {
		return nil, err
	}
	var embedding sql.NullString
	if len(r.Embedding) > 0 {
		data, err := json.Marshal(r.Embedding)
		if err != nil {
			return nil, err
		}
		embedding = sql.NullString{String: string(data), Valid: true}
	}
	return q.q.ExecContext(ctx, `
		INSERT INTO resource (`+resourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+conflict,
		r.CID, r.Size, r.Algorithm, string(r.Type), string(locations), r.CreatedBy, r.RootAction,
		nullString(r.License), embedding, r.Extensions, nullString(r.SessionID), toUnix(r.CreatedAt))
}

// ResourceExists reports whether cid is registered.
func (q *Queries) ResourceExists(ctx context.Context, cid string) (bool, error) {
	var one int
	err := q.q.QueryRowContext(ctx, `SELECT 1 FROM resource WHERE cid = ? LIMIT 1`, cid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check resource: %w", err)
	}
	return true, nil
}

// GetResource returns the resource with cid.
func (q *Queries) GetResource(ctx context.Context, cid string) (model.Resource, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resource WHERE cid = ?`, cid)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Resource{}, ErrNotFound
	}
	return r, err
}

// ResourcesBySession lists resources created in a session, oldest first.
func (q *Queries) ResourcesBySession(ctx context.Context, sessionID string) ([]model.Resource, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+resourceColumns+` FROM resource WHERE session_id = ? ORDER BY created_at, cid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session resources: %w", err)
	}
	defer rows.Close()
	var out []model.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanResource(s scanner) (model.Resource, error) {
	var r model.Resource
	var kind, locations string
	var license, embedding, session sql.NullString
	var created int64
	if err := s.Scan(&r.CID, &r.Size, &r.Algorithm, &kind, &locations, &r.CreatedBy, &r.RootAction,
		&license, &embedding, &r.Extensions, &session, &created); err != nil {
		return model.Resource{}, err
	}
	r.Type = model.ResourceType(kind)
	r.License, r.SessionID = license.String, session.String
	r.CreatedAt = fromUnix(created)
	if err := json.Unmarshal([]byte(locations), &r.Locations); err != nil {
		return model.Resource{}, fmt.Errorf("failed to decode locations of %s: %w", r.CID, err)
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &r.Embedding); err != nil {
			return model.Resource{}, fmt.Errorf("failed to decode embedding of %s: %w", r.CID, err)
		}
	}
	return r, nil
}

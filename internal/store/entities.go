package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/CanopyHQ/xylem/internal/model"
)

const entityColumns = `id, role, name, wallet, public_key, metadata, extensions, created_at`

// InsertEntity inserts e unless an entity with the same id already exists.
// The first writer wins; later writes never overwrite. Reports whether a row
// was inserted.
func (q *Queries) InsertEntity(ctx context.Context, e model.Entity) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO entity (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, string(e.Role), nullString(e.Name), nullString(e.Wallet), nullString(e.PublicKey),
		e.Metadata, e.Extensions, toUnix(e.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert entity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetEntity returns the entity with id.
func (q *Queries) GetEntity(ctx context.Context, id string) (model.Entity, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entity WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, ErrNotFound
	}
	return e, err
}

// GetEntities batch-fetches entities. Unknown ids are skipped; the result is
// ordered by id.
func (q *Queries) GetEntities(ctx context.Context, ids []string) ([]model.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(ids)
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entity WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (model.Entity, error) {
	var e model.Entity
	var role string
	var name, wallet, pub sql.NullString
	var created int64
	if err := s.Scan(&e.ID, &role, &name, &wallet, &pub, &e.Metadata, &e.Extensions, &created); err != nil {
		return model.Entity{}, err
	}
	e.Role = model.EntityRole(role)
	e.Name, e.Wallet, e.PublicKey = name.String, wallet.String, pub.String
	e.CreatedAt = fromUnix(created)
	return e, nil
}

func inClause(values []string) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return strings.Join(placeholders, ","), args
}

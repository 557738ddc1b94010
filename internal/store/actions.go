package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CanopyHQ/xylem/internal/model"
)

const actionColumns = `a.id, a.type, a.performed_by, a.timestamp, a.input_cids, a.output_cids, a.tool_used, a.proof, a.extensions, a.session_id`

// InsertAction appends an action and indexes its outputs.
func (q *Queries) InsertAction(ctx context.Context, a model.Action) error {
	if _, err := q.insertAction(ctx, a, ""); err != nil {
		if isPrimaryKeyConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return q.indexOutputs(ctx, a)
}

// InsertActionIfAbsent appends a unless its id exists. Reports whether a
// row was inserted.
func (q *Queries) InsertActionIfAbsent(ctx context.Context, a model.Action) (bool, error) {
	res, err := q.insertAction(ctx, a, " ON CONFLICT(id) DO NOTHING")
	if err != nil {
		return false, fmt.Errorf("failed to insert action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	return true, q.indexOutputs(ctx, a)
}

func (q *Queries) insertAction(ctx context.Context, a model.Action, conflict string) (sql.Result, error) {
	inputs, err := json.Marshal(nonNil(a.InputCIDs))
	if err != nil {
		return nil, err
	}
	outputs, err := json.Marshal(nonNil(a.OutputCIDs))
	if err != nil {
		return nil, err
	}
	return q.q.ExecContext(ctx, `
		INSERT INTO action (id, type, performed_by, timestamp, input_cids, output_cids, tool_used, proof, extensions, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+conflict,
		a.ID, string(a.Type), a.PerformedBy, toUnix(a.Timestamp), string(inputs), string(outputs),
		nullString(a.ToolUsed), nullString(a.Proof), a.Extensions, nullString(a.SessionID))
}

func (q *Queries) indexOutputs(ctx context.Context, a model.Action) error {
	for _, cid := range a.OutputCIDs {
		if _, err := q.q.ExecContext(ctx,
			`INSERT INTO action_output (cid, action_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, cid, a.ID); err != nil {
			return fmt.Errorf("failed to index action output: %w", err)
		}
	}
	return nil
}

// GetAction returns the action with id.
func (q *Queries) GetAction(ctx context.Context, id string) (model.Action, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM action a WHERE a.id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Action{}, ErrNotFound
	}
	return a, err
}

// ActionsProducing returns every action whose outputs contain cid, oldest
// first.
func (q *Queries) ActionsProducing(ctx context.Context, cid string) ([]model.Action, error) {
	return q.queryActions(ctx, `
		SELECT `+actionColumns+`
		FROM action a JOIN action_output o ON o.action_id = a.id
		WHERE o.cid = ?
		ORDER BY a.timestamp, a.id`, cid)
}

// ActionsBySession lists the actions recorded in a session by timestamp.
func (q *Queries) ActionsBySession(ctx context.Context, sessionID string) ([]model.Action, error) {
	return q.queryActions(ctx, `
		SELECT `+actionColumns+` FROM action a
		WHERE a.session_id = ?
		ORDER BY a.timestamp, a.id`, sessionID)
}

func (q *Queries) queryActions(ctx context.Context, query string, args ...any) ([]model.Action, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()
	var out []model.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAction(s scanner) (model.Action, error) {
	var a model.Action
	var kind, inputs, outputs string
	var tool, proof, session sql.NullString
	var ts int64
	if err := s.Scan(&a.ID, &kind, &a.PerformedBy, &ts, &inputs, &outputs, &tool, &proof, &a.Extensions, &session); err != nil {
		return model.Action{}, err
	}
	a.Type = model.ActionType(kind)
	a.Timestamp = fromUnix(ts)
	a.ToolUsed, a.Proof, a.SessionID = tool.String, proof.String, session.String
	if err := json.Unmarshal([]byte(inputs), &a.InputCIDs); err != nil {
		return model.Action{}, fmt.Errorf("failed to decode inputs of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(outputs), &a.OutputCIDs); err != nil {
		return model.Action{}, fmt.Errorf("failed to decode outputs of %s: %w", a.ID, err)
	}
	return a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// InsertAttribution records a. The referenced resource and entity must
// exist.
func (q *Queries) InsertAttribution(ctx context.Context, a model.Attribution) error {
	if _, err := q.insertAttribution(ctx, a, ""); err != nil {
		return fmt.Errorf("failed to insert attribution: %w", err)
	}
	return nil
}

// InsertAttributionIfAbsent records a unless its id exists.
func (q *Queries) InsertAttributionIfAbsent(ctx context.Context, a model.Attribution) (bool, error) {
	res, err := q.insertAttribution(ctx, a, " ON CONFLICT(id) DO NOTHING")
	if err != nil {
		return false, fmt.Errorf("failed to insert attribution: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (q *Queries) insertAttribution(ctx context.Context, a model.Attribution, conflict string) (sql.Result, error) {
	var weight sql.NullInt64
	if a.Weight != nil {
		weight = sql.NullInt64{Int64: int64(*a.Weight), Valid: true}
	}
	return q.q.ExecContext(ctx, `
		INSERT INTO attribution (id, resource_cid, entity_id, role, weight, included_in_revenue, included_in_attribution, note, extensions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`+conflict,
		a.ID, a.ResourceCID, a.EntityID, string(a.Role), weight,
		a.IncludedInRevenue, a.IncludedInAttribution, nullString(a.Note), a.Extensions)
}

// AttributionsFor lists the attributions of one resource.
func (q *Queries) AttributionsFor(ctx context.Context, cid string) ([]model.Attribution, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, resource_cid, entity_id, role, weight, included_in_revenue, included_in_attribution, note, extensions
		FROM attribution WHERE resource_cid = ? ORDER BY rowid`, cid)
	if err != nil {
		return nil, fmt.Errorf("failed to query attributions: %w", err)
	}
	defer rows.Close()
	var out []model.Attribution
	for rows.Next() {
		var a model.Attribution
		var role string
		var weight sql.NullInt64
		var note sql.NullString
		if err := rows.Scan(&a.ID, &a.ResourceCID, &a.EntityID, &role, &weight,
			&a.IncludedInRevenue, &a.IncludedInAttribution, &note, &a.Extensions); err != nil {
			return nil, err
		}
		a.Role = model.AttributionRole(role)
		a.Note = note.String
		if weight.Valid {
			w := int(weight.Int64)
			a.Weight = &w
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

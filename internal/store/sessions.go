package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CanopyHQ/xylem/internal/model"
)

// InsertSession creates a session.
func (q *Queries) InsertSession(ctx context.Context, s model.Session) error {
	var ended sql.NullInt64
	if s.EndedAt != nil {
		ended = sql.NullInt64{Int64: toUnix(*s.EndedAt), Valid: true}
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO session (id, title, metadata, started_at, ended_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, nullString(s.Title), s.Metadata, toUnix(s.StartedAt), ended)
	if err != nil {
		if isPrimaryKeyConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession returns the session with id.
func (q *Queries) GetSession(ctx context.Context, id string) (model.Session, error) {
	var s model.Session
	var title sql.NullString
	var started int64
	var ended sql.NullInt64
	err := q.q.QueryRowContext(ctx,
		`SELECT id, title, metadata, started_at, ended_at FROM session WHERE id = ?`, id).
		Scan(&s.ID, &title, &s.Metadata, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	s.Title = title.String
	s.StartedAt = fromUnix(started)
	if ended.Valid {
		t := fromUnix(ended.Int64)
		s.EndedAt = &t
	}
	return s, nil
}

// CloseSession sets ended_at if it is not already set. Reports whether this
// call closed the session.
func (q *Queries) CloseSession(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE session SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, toUnix(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to close session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertMessage appends a message to a session.
func (q *Queries) InsertMessage(ctx context.Context, m model.SessionMessage) error {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO session_message (id, session_id, entity_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, nullString(m.EntityID), string(content), toUnix(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// MessagesBySession lists messages by creation time; insertion order breaks
// ties.
func (q *Queries) MessagesBySession(ctx context.Context, sessionID string) ([]model.SessionMessage, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, session_id, entity_id, content, created_at
		FROM session_message WHERE session_id = ?
		ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var out []model.SessionMessage
	for rows.Next() {
		var m model.SessionMessage
		var entity sql.NullString
		var content string
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &entity, &content, &created); err != nil {
			return nil, err
		}
		m.EntityID = entity.String
		m.CreatedAt = fromUnix(created)
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

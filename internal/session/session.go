// Package session groups messages, actions and resources produced during one
// interaction.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/model"
	"github.com/CanopyHQ/xylem/internal/store"
)

// Manager creates, appends to, closes and reads sessions.
type Manager struct {
	store *store.Store
	now   func() time.Time
}

// New returns a manager over s.
func New(s *store.Store) *Manager {
	return &Manager{store: s, now: time.Now}
}

// Detail is a session with everything recorded in it.
type Detail struct {
	Session   model.Session          `json:"session"`
	Messages  []model.SessionMessage `json:"messages"`
	Actions   []model.Action         `json:"actions"`
	Resources []model.Resource       `json:"resources"`
}

// Create opens a new session.
func (m *Manager) Create(ctx context.Context, title string, metadata model.Bag) (string, error) {
	s := model.Session{
		ID:        uuid.NewString(),
		Title:     title,
		Metadata:  metadata,
		StartedAt: m.now(),
	}
	if err := m.store.InsertSession(ctx, s); err != nil {
		return "", apperror.Wrap(apperror.Internal, err, "failed to create session")
	}
	return s.ID, nil
}

// AddMessage appends a message to an open session. The open check and the
// insert share one transaction so a concurrent close cannot slip between.
func (m *Manager) AddMessage(ctx context.Context, sessionID, entityID string, content any) (string, error) {
	if sessionID == "" {
		return "", apperror.Missing("sessionId")
	}
	if content == nil {
		return "", apperror.Missing("content")
	}
	msg := model.SessionMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		EntityID:  entityID,
		Content:   content,
		CreatedAt: m.now(),
	}
	err := m.store.WithTx(ctx, func(q *store.Queries) error {
		if err := RequireOpen(ctx, q, sessionID); err != nil {
			return err
		}
		return q.InsertMessage(ctx, msg)
	})
	if err != nil {
		return "", apperror.From(err)
	}
	return msg.ID, nil
}

// Close ends a session. Closing an already closed session is a no-op.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	err := m.store.WithTx(ctx, func(q *store.Queries) error {
		if _, err := q.GetSession(ctx, sessionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFound(sessionID)
			}
			return err
		}
		_, err := q.CloseSession(ctx, sessionID, m.now())
		return err
	})
	if err != nil {
		return apperror.From(err)
	}
	return nil
}

// Get returns a session with its messages (oldest first), actions (by
// timestamp) and resources.
func (m *Manager) Get(ctx context.Context, sessionID string) (Detail, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Detail{}, notFound(sessionID)
	}
	if err != nil {
		return Detail{}, apperror.From(err)
	}
	d := Detail{Session: s}
	if d.Messages, err = m.store.MessagesBySession(ctx, sessionID); err != nil {
		return Detail{}, apperror.From(err)
	}
	if d.Actions, err = m.store.ActionsBySession(ctx, sessionID); err != nil {
		return Detail{}, apperror.From(err)
	}
	if d.Resources, err = m.store.ResourcesBySession(ctx, sessionID); err != nil {
		return Detail{}, apperror.From(err)
	}
	for i := range d.Resources {
		d.Resources[i] = d.Resources[i].Stripped()
	}
	if d.Messages == nil {
		d.Messages = []model.SessionMessage{}
	}
	if d.Actions == nil {
		d.Actions = []model.Action{}
	}
	if d.Resources == nil {
		d.Resources = []model.Resource{}
	}
	return d, nil
}

// RequireOpen fails with NotFound when the session does not exist and with
// Unsupported when it has been closed.
func RequireOpen(ctx context.Context, q *store.Queries, sessionID string) error {
	s, err := q.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(sessionID)
	}
	if err != nil {
		return err
	}
	if s.Closed() {
		return apperror.New(apperror.Unsupported, "Session is closed").
			WithRecovery("Create a new session or reopen it").
			WithDetails(map[string]any{"sessionId": sessionID})
	}
	return nil
}

func notFound(id string) *apperror.Error {
	return apperror.NotFoundf("session %s not found", id).WithDetails(map[string]any{"sessionId": id})
}

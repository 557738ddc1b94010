package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/model"
	"github.com/CanopyHQ/xylem/internal/store"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "xylem.db"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestSessionRoundTrip(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx, "pairing", model.Bag{"tool": "editor"})
	require.NoError(t, err)

	for _, text := range []string{"hello", "world"} {
		_, err := m.AddMessage(ctx, id, "user-1", map[string]any{"text": text})
		require.NoError(t, err)
	}

	d, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pairing", d.Session.Title)
	assert.False(t, d.Session.Closed())
	require.Len(t, d.Messages, 2)
	assert.Equal(t, map[string]any{"text": "hello"}, d.Messages[0].Content)
	assert.Equal(t, "user-1", d.Messages[1].EntityID)
	assert.Empty(t, d.Actions)
	assert.Empty(t, d.Resources)
}

func TestClosedSessionRejectsMessages(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	id, err := m.Create(ctx, "", nil)
	require.NoError(t, err)
	_, err = m.AddMessage(ctx, id, "", "first")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, id))
	require.NoError(t, m.Close(ctx, id), "closing twice is a no-op")

	_, err = m.AddMessage(ctx, id, "", "late")
	assert.True(t, apperror.Is(err, apperror.Unsupported), "got %v", err)

	d, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, d.Messages, 1)
	assert.True(t, d.Session.Closed())
}

func TestCloseKeepsFirstEndTime(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return first }
	id, err := m.Create(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, id))

	m.now = func() time.Time { return first.Add(time.Hour) }
	require.NoError(t, m.Close(ctx, id))

	d, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Session.EndedAt.Equal(first))
}

func TestMissingSession(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	_, err := m.AddMessage(ctx, "nope", "", "x")
	assert.True(t, apperror.Is(err, apperror.NotFound))

	assert.True(t, apperror.Is(m.Close(ctx, "nope"), apperror.NotFound))

	_, err = m.Get(ctx, "nope")
	assert.True(t, apperror.Is(err, apperror.NotFound))

	_, err = m.AddMessage(ctx, "", "", "x")
	assert.True(t, apperror.Is(err, apperror.MissingField))
}

func TestMessagesKeepInsertionOrderOnEqualTimestamps(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	fixed := time.Now()
	m.now = func() time.Time { return fixed }
	id, err := m.Create(ctx, "", nil)
	require.NoError(t, err)

	var want []string
	for i := 0; i < 10; i++ {
		mid, err := m.AddMessage(ctx, id, "", i)
		require.NoError(t, err)
		want = append(want, mid)
	}
	d, err := m.Get(ctx, id)
	require.NoError(t, err)
	var got []string
	for _, msg := range d.Messages {
		got = append(got, msg.ID)
	}
	assert.Equal(t, want, got)
}

func TestConcurrentCloseAndAppend(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	id, err := m.Create(ctx, "", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.AddMessage(ctx, id, "", i)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Close(ctx, id)
	}()
	wg.Wait()

	d, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, d.Session.Closed())
	for _, msg := range d.Messages {
		assert.False(t, msg.CreatedAt.After(*d.Session.EndedAt))
	}
}

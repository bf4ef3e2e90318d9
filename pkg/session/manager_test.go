package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	m := NewManager()

	s, err := m.Create("target-1", "10.0.0.5")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StateStarting, s.State)
	assert.Equal(t, "10.0.0.5", s.ContainerIP)
	assert.Empty(t, s.BusyJobID)

	_, err = m.Create("", "")
	assert.Error(t, err)
}

func TestAcquireRelease(t *testing.T) {
	m := NewManager()
	s, err := m.Create("target-1", "10.0.0.5")
	require.NoError(t, err)

	t.Run("not ready", func(t *testing.T) {
		err := m.Acquire(s.ID, "job-1")
		assert.ErrorIs(t, err, ErrSessionNotReady)
	})

	require.NoError(t, m.MarkReady(s.ID))

	t.Run("acquire ready session", func(t *testing.T) {
		require.NoError(t, m.Acquire(s.ID, "job-1"))

		got, err := m.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, "job-1", got.BusyJobID)
	})

	t.Run("busy fails fast", func(t *testing.T) {
		err := m.Acquire(s.ID, "job-2")
		assert.ErrorIs(t, err, ErrSessionBusy)
	})

	t.Run("reacquire by holder is idempotent", func(t *testing.T) {
		assert.NoError(t, m.Acquire(s.ID, "job-1"))
	})

	t.Run("release by non-holder is a no-op", func(t *testing.T) {
		m.Release(s.ID, "job-2")
		got, _ := m.Get(s.ID)
		assert.Equal(t, "job-1", got.BusyJobID)
	})

	t.Run("release frees the session", func(t *testing.T) {
		m.Release(s.ID, "job-1")
		got, _ := m.Get(s.ID)
		assert.Empty(t, got.BusyJobID)

		assert.NoError(t, m.Acquire(s.ID, "job-2"))
	})

	t.Run("unknown session", func(t *testing.T) {
		assert.ErrorIs(t, m.Acquire("nope", "job-1"), ErrNotFound)
	})
}

func TestArchive(t *testing.T) {
	m := NewManager()
	s, err := m.Create("target-1", "10.0.0.5")
	require.NoError(t, err)
	require.NoError(t, m.MarkReady(s.ID))

	t.Run("busy session cannot be archived", func(t *testing.T) {
		require.NoError(t, m.Acquire(s.ID, "job-1"))
		err := m.Archive(s.ID)
		assert.ErrorIs(t, err, ErrSessionBusy)
		m.Release(s.ID, "job-1")
	})

	t.Run("archived session rejects acquire", func(t *testing.T) {
		require.NoError(t, m.Archive(s.ID))
		err := m.Acquire(s.ID, "job-2")
		assert.ErrorIs(t, err, ErrSessionNotReady)
	})
}

func TestMarkError(t *testing.T) {
	m := NewManager()
	s, err := m.Create("target-1", "10.0.0.5")
	require.NoError(t, err)
	require.NoError(t, m.MarkReady(s.ID))
	require.NoError(t, m.Acquire(s.ID, "job-1"))

	// Error keeps the busy marker so the in-flight job can observe it
	require.NoError(t, m.MarkError(s.ID))
	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateError, got.State)
	assert.Equal(t, "job-1", got.BusyJobID)

	assert.ErrorIs(t, m.Acquire(s.ID, "job-2"), ErrSessionNotReady)
}

func TestList(t *testing.T) {
	m := NewManager()
	first, err := m.Create("target-1", "")
	require.NoError(t, err)
	second, err := m.Create("target-2", "")
	require.NoError(t, err)

	sessions := m.List()
	require.Len(t, sessions, 2)
	assert.Equal(t, first.ID, sessions[0].ID)
	assert.Equal(t, second.ID, sessions[1].ID)
}

func TestArchiverArchiveIdle(t *testing.T) {
	m := NewManager()

	idle, err := m.Create("target-1", "")
	require.NoError(t, err)
	require.NoError(t, m.MarkReady(idle.ID))

	busy, err := m.Create("target-2", "")
	require.NoError(t, err)
	require.NoError(t, m.MarkReady(busy.ID))
	require.NoError(t, m.Acquire(busy.ID, "job-1"))

	errored, err := m.Create("target-3", "")
	require.NoError(t, err)
	require.NoError(t, m.MarkError(errored.ID))

	// Backdate last use so the idle session crosses the timeout
	m.mu.Lock()
	m.sessions[idle.ID].LastUsedAt = time.Now().UTC().Add(-time.Hour)
	m.mu.Unlock()

	a := NewArchiver(m, 30*time.Minute)
	archived := a.ArchiveIdle()
	assert.Equal(t, 2, archived)

	got, _ := m.Get(idle.ID)
	assert.Equal(t, StateArchived, got.State)

	// Error-state sessions are reclaimed regardless of idle time
	got, _ = m.Get(errored.ID)
	assert.Equal(t, StateArchived, got.State)

	// Busy sessions are never touched
	got, _ = m.Get(busy.ID)
	assert.Equal(t, StateReady, got.State)
}

func TestArchiverStartStop(t *testing.T) {
	m := NewManager()
	a := NewArchiver(m, 0)

	assert.Equal(t, DefaultIdleTimeout, a.GetIdleTimeout())
	assert.False(t, a.IsRunning())

	require.NoError(t, a.Start())
	assert.True(t, a.IsRunning())
	assert.Error(t, a.Start())

	require.NoError(t, a.Stop())
	assert.False(t, a.IsRunning())
	assert.Error(t, a.Stop())
}

// Package session tracks the remote desktop sessions jobs execute
// against and enforces one running job per session.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/legatohq/legato/internal/observability"
)

// Session lifecycle states.
const (
	StateStarting = "starting"
	StateReady    = "ready"
	StateError    = "error"
	StateArchived = "archived"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when a job tries to acquire a session
	// that is already executing another job.
	ErrSessionBusy = errors.New("session is busy with another job")
	// ErrSessionNotReady is returned when the session exists but its
	// remote container is not in a usable state.
	ErrSessionNotReady = errors.New("session is not ready")
)

// Session is one remote desktop container reachable through the tool
// bridge. BusyJobID is set while a job holds the session.
type Session struct {
	ID          string    `json:"id"`
	TargetID    string    `json:"target_id"`
	State       string    `json:"state"`
	ContainerIP string    `json:"container_ip"`
	BusyJobID   string    `json:"busy_job_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Manager is the in-process session registry. Acquire and Release are
// the mutual exclusion points for job execution: Acquire fails fast
// rather than queueing behind a running job.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	observability.EnsureRegistered()
	return &Manager{sessions: make(map[string]*Session)}
}

// Create registers a new session for a target. The session starts in
// the starting state; MarkReady promotes it once the container answers.
func (m *Manager) Create(targetID, containerIP string) (*Session, error) {
	if targetID == "" {
		return nil, errors.New("target id is required")
	}
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	s := &Session{
		ID:          id,
		TargetID:    targetID,
		State:       StateStarting,
		ContainerIP: containerIP,
		CreatedAt:   time.Now().UTC(),
		LastUsedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	log.Info().Str("session_id", id).Str("target_id", targetID).Msg("Session created")
	observability.IncActiveSessions()
	return m.snapshot(id)
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (*Session, error) {
	return m.snapshot(id)
}

// List returns all sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MarkReady promotes a starting session to ready.
func (m *Manager) MarkReady(id string) error {
	return m.setState(id, StateReady)
}

// MarkError flags a session whose container is unreachable. A session in
// error keeps its busy marker so an in-flight job can observe it.
func (m *Manager) MarkError(id string) error {
	return m.setState(id, StateError)
}

// Archive retires a session. Archived sessions reject Acquire.
func (m *Manager) Archive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.BusyJobID != "" {
		return fmt.Errorf("cannot archive session %s: %w", id, ErrSessionBusy)
	}
	s.State = StateArchived
	observability.DecActiveSessions()
	log.Info().Str("session_id", id).Msg("Session archived")
	return nil
}

// Acquire claims the session for a job. It fails fast with
// ErrSessionBusy when another job holds it and ErrSessionNotReady when
// the session is not in the ready state.
func (m *Manager) Acquire(id, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State != StateReady {
		return fmt.Errorf("session %s in state %s: %w", id, s.State, ErrSessionNotReady)
	}
	if s.BusyJobID != "" && s.BusyJobID != jobID {
		return fmt.Errorf("session %s held by job %s: %w", id, s.BusyJobID, ErrSessionBusy)
	}
	s.BusyJobID = jobID
	s.LastUsedAt = time.Now().UTC()
	log.Debug().Str("session_id", id).Str("job_id", jobID).Msg("Session acquired")
	return nil
}

// Release frees the session. Releasing with a job id that does not hold
// the session is a no-op, so the lifecycle controller can release
// unconditionally in its cleanup path.
func (m *Manager) Release(id, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	if s.BusyJobID == jobID {
		s.BusyJobID = ""
		s.LastUsedAt = time.Now().UTC()
		log.Debug().Str("session_id", id).Str("job_id", jobID).Msg("Session released")
	}
}

func (m *Manager) setState(id, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.State = state
	return nil
}

func (m *Manager) snapshot(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

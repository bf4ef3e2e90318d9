package session

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleTimeout = 30 * time.Minute
)

// Archiver retires sessions that have sat idle past the timeout.
// Containers cost money while they run; an idle ready session whose
// last job finished long ago is reclaimed automatically. Busy sessions
// are never touched.
type Archiver struct {
	manager     *Manager
	idleTimeout time.Duration
	interval    time.Duration
	stopCh      chan struct{}
	running     bool
}

// NewArchiver creates a new session archiver
func NewArchiver(manager *Manager, idleTimeout time.Duration) *Archiver {
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}

	return &Archiver{
		manager:     manager,
		idleTimeout: idleTimeout,
		interval:    5 * time.Minute,
		stopCh:      make(chan struct{}),
	}
}

// Start starts the archiver
func (a *Archiver) Start() error {
	if a.running {
		return fmt.Errorf("archiver is already running")
	}

	a.running = true
	go a.run()

	log.Info().
		Dur("idle_timeout", a.idleTimeout).
		Msg("Session archiver started")

	return nil
}

// Stop stops the archiver
func (a *Archiver) Stop() error {
	if !a.running {
		return fmt.Errorf("archiver is not running")
	}

	close(a.stopCh)
	a.running = false

	return nil
}

// run is the main archiver loop
func (a *Archiver) run() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.ArchiveIdle()
		case <-a.stopCh:
			return
		}
	}
}

// ArchiveIdle retires every idle session past the timeout and returns
// how many it archived. Error-state sessions are retired regardless of
// idle time once they are no longer busy.
func (a *Archiver) ArchiveIdle() int {
	now := time.Now().UTC()
	archived := 0

	for _, s := range a.manager.List() {
		if s.State == StateArchived || s.BusyJobID != "" {
			continue
		}

		idle := now.Sub(s.LastUsedAt)
		if s.State != StateError && idle < a.idleTimeout {
			continue
		}

		if err := a.manager.Archive(s.ID); err != nil {
			log.Warn().
				Str("session_id", s.ID).
				Err(err).
				Msg("Failed to archive idle session")
			continue
		}
		log.Info().
			Str("session_id", s.ID).
			Str("state", s.State).
			Dur("idle", idle).
			Msg("Session archived after idle timeout")
		archived++
	}

	return archived
}

// IsRunning returns whether the archiver is running
func (a *Archiver) IsRunning() bool {
	return a.running
}

// GetIdleTimeout returns the idle timeout
func (a *Archiver) GetIdleTimeout() time.Duration {
	return a.idleTimeout
}

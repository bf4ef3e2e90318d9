// Package daemon assembles and runs the Legato service: job store,
// session manager, definition registry, dispatcher, and the control
// API server.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/legatohq/legato/internal/config"
	"github.com/legatohq/legato/internal/logger"
	"github.com/legatohq/legato/internal/observability"
	"github.com/legatohq/legato/internal/tracing"
	"github.com/legatohq/legato/pkg/apidef"
	"github.com/legatohq/legato/pkg/bridge"
	"github.com/legatohq/legato/pkg/control"
	"github.com/legatohq/legato/pkg/dispatch"
	"github.com/legatohq/legato/pkg/job"
	"github.com/legatohq/legato/pkg/provider"
	"github.com/legatohq/legato/pkg/session"
	"github.com/legatohq/legato/pkg/store"
)

// Daemon represents the Legato daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store      job.Store
	sessions   *session.Manager
	defs       *apidef.Registry
	providers  *provider.Registry
	executor   *bridge.Executor
	dispatcher *dispatch.Dispatcher
	controller *control.Controller

	// Services
	server   *control.Server
	hub      *control.StreamHub
	pruner   *control.ExchangePruner
	archiver *session.Archiver

	// Internal
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes the daemon's runtime state
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
}

// New creates a new daemon instance
func New(cfg *config.Config, lg *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.Setup("legato-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config: cfg,
		logger: lg,
		ctx:    ctx,
		cancel: cancel,
	}
	d.tracingEnabled = true

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		return nil, err
	}
	if err := d.initializeServices(); err != nil {
		cancel()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	switch d.config.Store.Driver {
	case "memory":
		d.store = store.NewMemStore()
	default:
		s, err := store.NewSQLiteStore(d.config.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open job store: %w", err)
		}
		d.store = s
	}

	d.sessions = session.NewManager()
	d.archiver = session.NewArchiver(d.sessions, 0)

	if err := os.MkdirAll(d.config.Definitions.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create definitions directory: %w", err)
	}
	defs, err := apidef.NewRegistry(d.config.Definitions.Dir)
	if err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}
	if d.config.Definitions.Watch {
		if err := defs.Watch(); err != nil {
			log.Warn().Err(err).Msg("Definition hot reload unavailable, continuing without it")
		}
	}
	d.defs = defs

	d.providers = provider.NewRegistry()
	d.executor = bridge.NewExecutor(d.config.Bridge.GatewayURL)
	d.dispatcher = dispatch.New()

	return nil
}

func (d *Daemon) initializeServices() error {
	d.hub = control.NewStreamHub()
	d.controller = control.NewController(d.store, d.sessions, d.providers,
		d.defs, d.dispatcher, d.executor, d.config, d.hub)

	srv, err := control.NewServer(control.ServerConfig{
		Host:       d.config.Server.Host,
		Port:       d.config.Server.Port,
		Controller: d.controller,
		Store:      d.store,
		Sessions:   d.sessions,
		Defs:       d.defs,
		Hub:        d.hub,
		Logger:     d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create control server: %w", err)
	}
	d.server = srv

	if d.config.Pruning.Enabled {
		es, ok := d.store.(control.ExchangeStore)
		if !ok {
			log.Warn().Str("driver", d.config.Store.Driver).
				Msg("Store does not support pruning, exchange retention disabled")
		} else {
			d.pruner = control.NewExchangePruner(es,
				d.config.Pruning.RetentionDays, d.config.Pruning.Schedule)
		}
	}

	return nil
}

// Start brings all services up. It returns once the control server is
// listening; use Wait to block until shutdown.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.startTime = time.Now()
	d.running = true
	d.mu.Unlock()

	if err := d.lifecycle.Start(); err != nil {
		return err
	}

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}

	if d.pruner != nil {
		if err := d.pruner.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start exchange pruner")
		}
	}

	if err := d.archiver.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start session archiver")
	}

	log.Info().
		Str("host", d.config.Server.Host).
		Int("port", d.config.Server.Port).
		Str("store", d.config.Store.Driver).
		Int("definitions", len(d.defs.Names())).
		Msg("Daemon started")

	return nil
}

// Stop shuts services down in reverse dependency order: stop accepting
// work, drain the dispatcher, then release storage.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	log.Info().Msg("Stopping daemon")

	if err := d.server.Stop(); err != nil {
		log.Warn().Err(err).Msg("Control server shutdown error")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.dispatcher.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Dispatcher drain incomplete")
	}

	if d.pruner != nil {
		d.pruner.Stop()
	}
	if d.archiver.IsRunning() {
		if err := d.archiver.Stop(); err != nil {
			log.Warn().Err(err).Msg("Session archiver stop error")
		}
	}
	if err := d.defs.Close(); err != nil {
		log.Warn().Err(err).Msg("Definition watcher close error")
	}
	if closer, ok := d.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("Store close error")
		}
	}

	if d.tracingEnabled {
		shutdownCtx, cancelTrace := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTrace()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Tracing shutdown error")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Warn().Err(err).Msg("Lifecycle cleanup error")
	}

	d.cancel()
	log.Info().Msg("Daemon stopped")
	return nil
}

// Wait blocks until the daemon context is canceled
func (d *Daemon) Wait() {
	<-d.ctx.Done()
}

// Status returns the daemon's runtime state
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{Running: d.running, StartTime: d.startTime}
	if d.running {
		st.Uptime = time.Since(d.startTime)
	}
	return st
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetController returns the job lifecycle controller
func (d *Daemon) GetController() *control.Controller {
	return d.controller
}

// GetSessionManager returns the session manager
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessions
}

// GetStore returns the job store
func (d *Daemon) GetStore() job.Store {
	return d.store
}

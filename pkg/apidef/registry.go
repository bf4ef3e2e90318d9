package apidef

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Registry holds the loaded automation definitions. Reads are lock-free
// snapshots; Reload swaps the whole map so a running job keeps the
// definition it started with.
type Registry struct {
	dir string

	mu   sync.RWMutex
	defs map[string]*Definition

	watcher        *fsnotify.Watcher
	done           chan struct{}
	stopOnce       sync.Once
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

// NewRegistry loads every *.yaml and *.yml file under dir.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:            dir,
		defs:           make(map[string]*Definition),
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the definition directory. A file that fails to parse
// is skipped with a log entry rather than poisoning the whole reload.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read definitions directory: %w", err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to read definition")
			continue
		}
		d, err := parseDefinition(data)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Skipping invalid definition")
			continue
		}
		if _, dup := defs[d.Name]; dup {
			log.Warn().Str("name", d.Name).Str("path", path).Msg("Duplicate definition name, keeping first")
			continue
		}
		defs[d.Name] = d
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()

	log.Info().Int("count", len(defs)).Str("dir", r.dir).Msg("API definitions loaded")
	return nil
}

// Get returns the definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d, nil
}

// Names returns the loaded definition names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch starts reloading definitions when files under the directory
// change. Events are debounced so an editor save triggers one reload.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch definitions directory: %w", err)
	}
	r.watcher = watcher

	go r.eventLoop()

	log.Info().Str("dir", r.dir).Msg("Definition watcher started")
	return nil
}

// Close stops the watcher if one is running.
func (r *Registry) Close() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.done)
		r.debounceMu.Lock()
		for _, timer := range r.debounceTimers {
			timer.Stop()
		}
		clear(r.debounceTimers)
		r.debounceMu.Unlock()
		if r.watcher != nil {
			err = r.watcher.Close()
		}
	})
	return err
}

func (r *Registry) eventLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Definition watcher error")

		case <-r.done:
			return
		}
	}
}

func (r *Registry) handleEvent(event fsnotify.Event) {
	ext := strings.ToLower(filepath.Ext(event.Name))
	if ext != ".yaml" && ext != ".yml" {
		return
	}

	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()

	if timer, exists := r.debounceTimers[event.Name]; exists {
		timer.Stop()
	}
	name := event.Name
	r.debounceTimers[name] = time.AfterFunc(200*time.Millisecond, func() {
		r.debounceMu.Lock()
		delete(r.debounceTimers, name)
		r.debounceMu.Unlock()

		select {
		case <-r.done:
			return
		default:
		}

		if err := r.Reload(); err != nil {
			log.Error().Err(err).Msg("Definition reload failed")
		}
	})
}

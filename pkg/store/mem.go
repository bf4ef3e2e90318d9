// Package store provides the bundled implementations of job.Store: an
// in-memory store for tests and single-process runs, and a SQLite store
// as the reference persistence adapter.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/legatohq/legato/pkg/job"
	"github.com/legatohq/legato/pkg/message"
)

// record holds one job plus its append-only logs and control flags.
type record struct {
	job       job.Job
	messages  []message.Message
	exchanges []job.ExchangeRecord
	signal    job.Signal
}

// MemStore is a mutex-guarded in-memory job.Store. All writes go through
// a single lock, which gives the atomic read-modify-write the state
// machine requires.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*record)}
}

func (s *MemStore) Create(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[j.ID] = &record{job: *j}
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	j := rec.job
	return &j, nil
}

func (s *MemStore) List(_ context.Context, filter job.Filter) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.Job
	for _, rec := range s.records {
		if filter.TargetID != "" && rec.job.TargetID != filter.TargetID {
			continue
		}
		if filter.Status != "" && rec.job.Status != filter.Status {
			continue
		}
		if filter.APIName != "" && rec.job.APIName != filter.APIName {
			continue
		}
		j := rec.job
		out = append(out, &j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemStore) UpdateStatus(_ context.Context, id string, to job.Status) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	from := rec.job.Status
	if !job.CanTransition(from, to) {
		return nil, &job.TransitionError{JobID: id, From: from, To: to}
	}
	rec.job.Status = to
	now := time.Now().UTC()
	if to == job.StatusRunning && rec.job.StartedAt == nil {
		rec.job.StartedAt = &now
	}
	if to.IsTerminal() && rec.job.CompletedAt == nil {
		rec.job.CompletedAt = &now
	}
	j := rec.job
	return &j, nil
}

func (s *MemStore) SetResult(_ context.Context, id string, result interface{}) error {
	return s.mutate(id, func(rec *record) { rec.job.Result = result })
}

func (s *MemStore) SetError(_ context.Context, id string, errMsg string) error {
	return s.mutate(id, func(rec *record) { rec.job.Error = errMsg })
}

func (s *MemStore) SetRecoveryAttempts(_ context.Context, id string, attempts int) error {
	return s.mutate(id, func(rec *record) { rec.job.RecoveryAttempts = attempts })
}

func (s *MemStore) AddTokens(_ context.Context, id string, input, output int) error {
	return s.mutate(id, func(rec *record) {
		rec.job.TotalInputTokens += input
		rec.job.TotalOutputTokens += output
	})
}

func (s *MemStore) AppendMessage(_ context.Context, id string, msg message.Message) error {
	return s.mutate(id, func(rec *record) { rec.messages = append(rec.messages, msg) })
}

func (s *MemStore) Messages(_ context.Context, id string) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	out := make([]message.Message, len(rec.messages))
	copy(out, rec.messages)
	return out, nil
}

func (s *MemStore) AppendExchange(_ context.Context, id string, x job.ExchangeRecord) error {
	return s.mutate(id, func(rec *record) { rec.exchanges = append(rec.exchanges, x) })
}

func (s *MemStore) Exchanges(_ context.Context, id string) ([]job.ExchangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	out := make([]job.ExchangeRecord, len(rec.exchanges))
	copy(out, rec.exchanges)
	return out, nil
}

func (s *MemStore) RequestCancel(_ context.Context, id string) error {
	// Cancel outranks a pending interrupt.
	return s.mutate(id, func(rec *record) { rec.signal = job.SignalCancel })
}

func (s *MemStore) RequestInterrupt(_ context.Context, id string) error {
	return s.mutate(id, func(rec *record) {
		if rec.signal != job.SignalCancel {
			rec.signal = job.SignalInterrupt
		}
	})
}

func (s *MemStore) ControlSignal(_ context.Context, id string) (job.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return job.SignalNone, job.ErrNotFound
	}
	return rec.signal, nil
}

func (s *MemStore) ClearControl(_ context.Context, id string) error {
	return s.mutate(id, func(rec *record) { rec.signal = job.SignalNone })
}

func (s *MemStore) mutate(id string, fn func(*record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return job.ErrNotFound
	}
	fn(rec)
	return nil
}

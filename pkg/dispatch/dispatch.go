// Package dispatch serializes job execution per session lane. Jobs for
// the same session run strictly one at a time in submission order;
// lanes for different sessions run concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is one unit of work bound to a lane.
type Task func(ctx context.Context)

// ErrQueueFull is returned when a lane's backlog is at capacity.
var ErrQueueFull = errors.New("lane queue is full")

// ErrShuttingDown is returned for submissions after Shutdown started.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

const defaultLaneCapacity = 64

type queuedTask struct {
	id         string
	task       Task
	enqueuedAt time.Time
}

type lane struct {
	id    string
	tasks chan *queuedTask
}

// Dispatcher owns one worker goroutine per lane. A lane is created on
// first submission and lives until Shutdown.
type Dispatcher struct {
	mu       sync.Mutex
	lanes    map[string]*lane
	capacity int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping bool
}

// New creates an idle dispatcher.
func New() *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		lanes:    make(map[string]*lane),
		capacity: defaultLaneCapacity,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit queues a task on the named lane. It returns immediately; the
// task runs when the lane's worker reaches it.
func (d *Dispatcher) Submit(laneID, taskID string, task Task) error {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return ErrShuttingDown
	}
	ln, ok := d.lanes[laneID]
	if !ok {
		ln = &lane{id: laneID, tasks: make(chan *queuedTask, d.capacity)}
		d.lanes[laneID] = ln
		d.wg.Add(1)
		go d.work(ln)
		log.Debug().Str("lane", laneID).Msg("Lane created")
	}
	d.mu.Unlock()

	qt := &queuedTask{id: taskID, task: task, enqueuedAt: time.Now()}
	select {
	case ln.tasks <- qt:
		log.Debug().Str("lane", laneID).Str("task_id", taskID).Msg("Task enqueued")
		return nil
	default:
		return fmt.Errorf("lane %s: %w", laneID, ErrQueueFull)
	}
}

// QueueDepth reports the backlog of a lane, zero for unknown lanes.
func (d *Dispatcher) QueueDepth(laneID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ln, ok := d.lanes[laneID]; ok {
		return len(ln.tasks)
	}
	return 0
}

// Shutdown stops accepting tasks, cancels the context passed to running
// tasks, and waits for workers to drain up to the given context.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	for _, ln := range d.lanes {
		close(ln.tasks)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-cancel tasks still running past the drain deadline.
		d.cancel()
		<-done
	}
	d.cancel()
	return nil
}

func (d *Dispatcher) work(ln *lane) {
	defer d.wg.Done()
	for qt := range ln.tasks {
		waited := time.Since(qt.enqueuedAt)
		if waited > 30*time.Second {
			log.Warn().
				Str("lane", ln.id).
				Str("task_id", qt.id).
				Dur("waited", waited).
				Msg("Task waited long in queue")
		}
		qt.task(d.ctx)
	}
}

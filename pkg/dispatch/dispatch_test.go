package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTask(t *testing.T) {
	d := New()
	defer d.Shutdown(context.Background())

	done := make(chan struct{})
	err := d.Submit("lane-1", "task-1", func(ctx context.Context) {
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestLaneSerialization(t *testing.T) {
	d := New()
	defer d.Shutdown(context.Background())

	var mu sync.Mutex
	var order []int
	var running int32

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		err := d.Submit("lane-1", "task", func(ctx context.Context) {
			defer wg.Done()
			assert.Equal(t, int32(1), atomic.AddInt32(&running, 1), "lane must run one task at a time")
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "tasks must run in submission order")
}

func TestLanesRunConcurrently(t *testing.T) {
	d := New()
	defer d.Shutdown(context.Background())

	gate := make(chan struct{})
	firstRunning := make(chan struct{})

	require.NoError(t, d.Submit("lane-a", "blocker", func(ctx context.Context) {
		close(firstRunning)
		<-gate
	}))
	<-firstRunning

	done := make(chan struct{})
	require.NoError(t, d.Submit("lane-b", "parallel", func(ctx context.Context) {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second lane blocked behind first")
	}
	close(gate)
}

func TestQueueFull(t *testing.T) {
	d := New()
	defer d.Shutdown(context.Background())

	gate := make(chan struct{})
	defer close(gate)

	started := make(chan struct{})
	require.NoError(t, d.Submit("lane-1", "blocker", func(ctx context.Context) {
		close(started)
		<-gate
	}))
	<-started

	// Fill the backlog behind the blocked worker
	var err error
	for i := 0; i < defaultLaneCapacity+1; i++ {
		err = d.Submit("lane-1", "filler", func(ctx context.Context) {})
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueDepth(t *testing.T) {
	d := New()
	defer d.Shutdown(context.Background())

	assert.Equal(t, 0, d.QueueDepth("unknown"))
}

func TestShutdownDrains(t *testing.T) {
	d := New()

	var ran int32
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Submit("lane-1", "task", func(ctx context.Context) {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&ran, 1)
		}))
	}

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&ran))

	err := d.Submit("lane-1", "late", func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownCancelsStragglers(t *testing.T) {
	d := New()

	canceled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Submit("lane-1", "slow", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(canceled)
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("task context never canceled")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	d := New()
	require.NoError(t, d.Shutdown(context.Background()))
	require.NoError(t, d.Shutdown(context.Background()))
}

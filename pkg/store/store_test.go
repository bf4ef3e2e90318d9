package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legatohq/legato/pkg/job"
	"github.com/legatohq/legato/pkg/message"
)

// runStoreSuite exercises the job.Store contract against an
// implementation. Both stores must behave identically.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) job.Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		j := job.New("target-1", "sess-1", "create_invoice", map[string]interface{}{"amount": float64(42)})
		j.Provider = "anthropic"
		j.Model = "claude-sonnet-4-20250514"
		require.NoError(t, s.Create(ctx, j))

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, j.ID, got.ID)
		assert.Equal(t, job.StatusPending, got.Status)
		assert.Equal(t, "create_invoice", got.APIName)
		assert.Equal(t, float64(42), got.Parameters["amount"])
	})

	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, job.ErrNotFound)
	})

	t.Run("status transitions", func(t *testing.T) {
		s := newStore(t)
		j := job.New("target-1", "sess-1", "create_invoice", nil)
		require.NoError(t, s.Create(ctx, j))

		got, err := s.UpdateStatus(ctx, j.ID, job.StatusQueued)
		require.NoError(t, err)
		assert.Equal(t, job.StatusQueued, got.Status)

		got, err = s.UpdateStatus(ctx, j.ID, job.StatusRunning)
		require.NoError(t, err)
		assert.Equal(t, job.StatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)

		got, err = s.UpdateStatus(ctx, j.ID, job.StatusSuccess)
		require.NoError(t, err)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("forbidden transition leaves record unchanged", func(t *testing.T) {
		s := newStore(t)
		j := job.New("target-1", "sess-1", "create_invoice", nil)
		require.NoError(t, s.Create(ctx, j))

		_, err := s.UpdateStatus(ctx, j.ID, job.StatusQueued)
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, j.ID, job.StatusRunning)
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, j.ID, job.StatusSuccess)
		require.NoError(t, err)

		// Cancel racing a completed job must lose.
		_, err = s.UpdateStatus(ctx, j.ID, job.StatusCanceled)
		var te *job.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, job.StatusSuccess, te.From)

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusSuccess, got.Status)
	})

	t.Run("messages are append-only and ordered", func(t *testing.T) {
		s := newStore(t)
		j := job.New("target-1", "sess-1", "create_invoice", nil)
		require.NoError(t, s.Create(ctx, j))

		require.NoError(t, s.AppendMessage(ctx, j.ID, message.UserText("first")))
		require.NoError(t, s.AppendMessage(ctx, j.ID, message.Message{
			Role:    message.RoleAssistant,
			Content: []message.ContentBlock{message.NewText("second")},
		}))

		msgs, err := s.Messages(ctx, j.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, message.RoleUser, msgs[0].Role)
		assert.Equal(t, "second", msgs[1].TextContent())
	})

	t.Run("exchanges round trip", func(t *testing.T) {
		s := newStore(t)
		j := job.New("target-1", "sess-1", "create_invoice", nil)
		require.NoError(t, s.Create(ctx, j))

		rec := job.ExchangeRecord{
			ID:              "x1",
			Timestamp:       time.Now().UTC().Truncate(time.Millisecond),
			LatencyMS:       1200,
			RequestSummary:  "2 messages",
			ResponseSummary: "tool_use computer",
			StopReason:      "tool_use",
			InputTokens:     100,
			OutputTokens:    50,
		}
		require.NoError(t, s.AppendExchange(ctx, j.ID, rec))

		got, err := s.Exchanges(ctx, j.ID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, rec.ID, got[0].ID)
		assert.Equal(t, int64(1200), got[0].LatencyMS)
		assert.Equal(t, 100, got[0].InputTokens)
	})

	t.Run("token accumulation", func(t *testing.T) {
		s := newStore(t)
		j := job.New("target-1", "sess-1", "create_invoice", nil)
		require.NoError(t, s.Create(ctx, j))

		require.NoError(t, s.AddTokens(ctx, j.ID, 100, 20))
		require.NoError(t, s.AddTokens(ctx, j.ID, 50, 30))

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, 150, got.TotalInputTokens)
		assert.Equal(t, 50, got.TotalOutputTokens)
	})

	t.Run("result and error", func(t *testing.T) {
		s := newStore(t)
		j := job.New("target-1", "sess-1", "create_invoice", nil)
		require.NoError(t, s.Create(ctx, j))

		require.NoError(t, s.SetResult(ctx, j.ID, map[string]interface{}{"invoice_id": "INV-1"}))
		require.NoError(t, s.SetError(ctx, j.ID, "boom"))

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, "boom", got.Error)
		result, ok := got.Result.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "INV-1", result["invoice_id"])
	})

	t.Run("control signals", func(t *testing.T) {
		s := newStore(t)
		j := job.New("target-1", "sess-1", "create_invoice", nil)
		require.NoError(t, s.Create(ctx, j))

		sig, err := s.ControlSignal(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.SignalNone, sig)

		require.NoError(t, s.RequestInterrupt(ctx, j.ID))
		sig, _ = s.ControlSignal(ctx, j.ID)
		assert.Equal(t, job.SignalInterrupt, sig)

		// Cancel outranks interrupt
		require.NoError(t, s.RequestCancel(ctx, j.ID))
		sig, _ = s.ControlSignal(ctx, j.ID)
		assert.Equal(t, job.SignalCancel, sig)

		// Interrupt never downgrades a pending cancel
		require.NoError(t, s.RequestInterrupt(ctx, j.ID))
		sig, _ = s.ControlSignal(ctx, j.ID)
		assert.Equal(t, job.SignalCancel, sig)

		require.NoError(t, s.ClearControl(ctx, j.ID))
		sig, _ = s.ControlSignal(ctx, j.ID)
		assert.Equal(t, job.SignalNone, sig)
	})

	t.Run("list filters", func(t *testing.T) {
		s := newStore(t)
		a := job.New("target-a", "s1", "create_invoice", nil)
		a.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
		b := job.New("target-a", "s2", "read_balance", nil)
		b.CreatedAt = time.Now().UTC().Add(-1 * time.Minute)
		c := job.New("target-b", "s3", "create_invoice", nil)
		c.CreatedAt = time.Now().UTC()
		for _, j := range []*job.Job{a, b, c} {
			require.NoError(t, s.Create(ctx, j))
		}

		byTarget, err := s.List(ctx, job.Filter{TargetID: "target-a"})
		require.NoError(t, err)
		assert.Len(t, byTarget, 2)

		byAPI, err := s.List(ctx, job.Filter{APIName: "create_invoice"})
		require.NoError(t, err)
		assert.Len(t, byAPI, 2)

		byStatus, err := s.List(ctx, job.Filter{Status: job.StatusPending})
		require.NoError(t, err)
		assert.Len(t, byStatus, 3)

		limited, err := s.List(ctx, job.Filter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, c.ID, limited[0].ID)
	})

	t.Run("operations on unknown job", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.SetError(ctx, "nope", "x"), job.ErrNotFound)
		assert.ErrorIs(t, s.AddTokens(ctx, "nope", 1, 1), job.ErrNotFound)
		assert.ErrorIs(t, s.RequestCancel(ctx, "nope"), job.ErrNotFound)
		_, err := s.ControlSignal(ctx, "nope")
		assert.ErrorIs(t, err, job.ErrNotFound)
	})
}

func TestMemStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) job.Store {
		return NewMemStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) job.Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("")
	assert.Error(t, err)
}

func TestSQLitePruneExchanges(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer s.Close()

	j := job.New("target-1", "sess-1", "create_invoice", nil)
	require.NoError(t, s.Create(ctx, j))

	old := job.ExchangeRecord{ID: "old", Timestamp: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := job.ExchangeRecord{ID: "fresh", Timestamp: time.Now().UTC()}
	require.NoError(t, s.AppendExchange(ctx, j.ID, old))
	require.NoError(t, s.AppendExchange(ctx, j.ID, fresh))

	n, err := s.PruneExchanges(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := s.Exchanges(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].ID)
}

func TestSQLiteUpdateStatusUnknownJob(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.UpdateStatus(context.Background(), "nope", job.StatusQueued)
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

package control

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// ExchangePruner deletes exchange audit records past their retention
// window on a cron schedule. Message history is never pruned.
type ExchangePruner struct {
	store     ExchangeStore
	retention time.Duration
	schedule  string
	cron      *cron.Cron
}

// ExchangeStore is the slice of the store the pruner needs.
type ExchangeStore interface {
	PruneExchanges(ctx context.Context, before time.Time) (int64, error)
}

// NewExchangePruner builds a pruner with the given retention in days
// and a standard 5-field cron schedule.
func NewExchangePruner(store ExchangeStore, retentionDays int, schedule string) *ExchangePruner {
	return &ExchangePruner{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		schedule:  schedule,
		cron:      cron.New(),
	}
}

// Start registers the schedule and begins running.
func (p *ExchangePruner) Start() error {
	_, err := p.cron.AddFunc(p.schedule, p.runOnce)
	if err != nil {
		return err
	}
	p.cron.Start()
	log.Info().Str("schedule", p.schedule).Dur("retention", p.retention).Msg("Exchange pruner started")
	return nil
}

// Stop halts the schedule, waiting for an in-flight run.
func (p *ExchangePruner) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("Exchange pruner stopped")
}

func (p *ExchangePruner) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-p.retention)
	n, err := p.store.PruneExchanges(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Exchange pruning failed")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Pruned exchange records")
	}
}

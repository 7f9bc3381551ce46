package coordination

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mypostal/fairqueue/observability"
	"github.com/mypostal/fairqueue/store"
)

// StuckRowSweeper recovers rows left InProgress by a poller that was killed
// before it could settle them. Recovery from such rows is explicitly out of
// scope for the core scheduler algorithm, but a sweeper is suggested; this
// one is grounded in the same staleness-by-timestamp pattern LockJanitor
// uses for leases, applied to queue rows instead: a row InProgress longer
// than staleAfter is treated as abandoned and forced back into Pending (if
// still retryable) or DeadLettered.
type StuckRowSweeper struct {
	store      store.TaskStore
	services   []string
	staleAfter time.Duration
	maxRetries int
	interval   time.Duration
}

func NewStuckRowSweeper(s store.TaskStore, services []string, staleAfter time.Duration, maxRetries int, interval time.Duration) *StuckRowSweeper {
	return &StuckRowSweeper{
		store:      s,
		services:   services,
		staleAfter: staleAfter,
		maxRetries: maxRetries,
		interval:   interval,
	}
}

func (sw *StuckRowSweeper) Start(ctx context.Context) {
	go sw.loop(ctx)
}

func (sw *StuckRowSweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *StuckRowSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-sw.staleAfter)
	for _, service := range sw.services {
		stale, err := sw.store.ListStaleInProgress(ctx, service, cutoff)
		if err != nil {
			log.Error().Err(err).Str("service", service).Msg("stuck-row sweeper: list stale in-progress failed")
			continue
		}
		for _, row := range stale {
			if err := sw.reclaim(ctx, row); err != nil {
				log.Error().Err(err).Str("row_id", row.ID).Msg("stuck-row sweeper: reclaim failed")
			}
		}
	}
}

// reclaim forces a single stale row back into a re-drivable or terminal
// state, the same retry-vs-dead-letter choice the poller makes on handler
// failure.
func (sw *StuckRowSweeper) reclaim(ctx context.Context, row store.QueueRow) error {
	next := row
	if row.RetryCount < sw.maxRetries {
		next.Status = store.StatusPending
		next.RetryCount++
	} else {
		next.Status = store.StatusDeadLettered
	}

	if err := sw.store.Save(ctx, next); err != nil {
		return err
	}
	observability.StuckRowsReclaimed.WithLabelValues(row.ServiceName).Inc()
	log.Info().Str("row_id", row.ID).Str("service", row.ServiceName).Str("status", string(next.Status)).Msg("stuck-row sweeper: reclaimed row")
	return nil
}

// Package janitor keeps the store tidy. Lazy expiry at check time is
// authoritative; the janitor only removes rows for snowflakes that never
// come back, and refreshes the operational gauges.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/discord-sentry/internal/metrics"
	"github.com/developingchet/discord-sentry/internal/pool"
	"github.com/developingchet/discord-sentry/internal/storage"
)

// Janitor performs periodic housekeeping: pruning lapsed restrictions,
// updating gauges.
type Janitor struct {
	store    storage.Store
	notices  *pool.Pool
	interval time.Duration
	log      zerolog.Logger
}

// New creates a Janitor. notices may be nil when no pool is running.
func New(store storage.Store, notices *pool.Pool, interval time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:    store,
		notices:  notices,
		interval: interval,
		log:      log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	pruned, err := j.store.PruneExpiredRestrictions()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune lapsed restrictions failed")
	} else if pruned > 0 {
		j.log.Info().Int("count", pruned).Msg("janitor: pruned lapsed restrictions")
	}

	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	if j.notices != nil {
		metrics.WorkerQueueDepth.Set(float64(j.notices.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}

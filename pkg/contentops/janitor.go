package contentops

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/storage"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepBatch    = 50
)

// Janitor periodically drains content ids with unclaimed pending
// operations: work enqueued by a process that crashed before executing it,
// or leftovers behind a superseded operation. Locked operations are never
// touched; clearing those is an operator action.
type Janitor struct {
	store    storage.Store
	engine   *Engine
	log      zerolog.Logger
	interval time.Duration
	batch    int
}

func NewJanitor(store storage.Store, engine *Engine, logger zerolog.Logger) *Janitor {
	return &Janitor{
		store:    store,
		engine:   engine,
		log:      log.WithComponent(logger, "contentops-janitor"),
		interval: defaultSweepInterval,
		batch:    defaultSweepBatch,
	}
}

// Start sweeps until ctx is cancelled
func (j *Janitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	ids, err := j.store.PendingContentIDs(ctx, j.batch)
	if err != nil {
		j.log.Error().Err(err).Msg("failed to list pending content")
		return
	}
	for _, id := range ids {
		if err := j.engine.Process(ctx, id); err != nil {
			j.log.Warn().Err(err).Str("content_id", id).Msg("failed to drain pending operations")
		}
	}
}

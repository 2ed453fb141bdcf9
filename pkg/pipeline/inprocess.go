package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/events"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/metrics"
	"github.com/cuemby/memoir/pkg/storage"
	"github.com/cuemby/memoir/pkg/types"
)

const (
	// defaultMaxStepRetries bounds transient retries per step in-process
	defaultMaxStepRetries = 3

	defaultRetryBackoff = 500 * time.Millisecond
)

// InProcessOrchestrator runs every step of a pipeline synchronously in the
// calling goroutine. Progress is still checkpointed after each step, so a
// restarted process can resume a half-finished pipeline.
type InProcessOrchestrator struct {
	store    storage.Store
	registry *Registry
	broker   *events.Broker
	log      zerolog.Logger

	maxRetries int
	backoff    time.Duration
}

func NewInProcessOrchestrator(store storage.Store, registry *Registry, broker *events.Broker, logger zerolog.Logger) *InProcessOrchestrator {
	return &InProcessOrchestrator{
		store:      store,
		registry:   registry,
		broker:     broker,
		log:        log.WithComponent(logger, "orchestrator"),
		maxRetries: defaultMaxStepRetries,
		backoff:    defaultRetryBackoff,
	}
}

// RunPipeline persists the manifest and executes steps until the pipeline
// completes, poisons, or is cancelled. The caller blocks for the duration.
func (o *InProcessOrchestrator) RunPipeline(ctx context.Context, p *types.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := o.store.PutPipeline(ctx, p); err != nil {
		return fmt.Errorf("failed to persist pipeline: %w", err)
	}
	metrics.PipelinesTotal.WithLabelValues(string(types.PipelineStateQueued)).Inc()
	o.broker.Publish(&events.Event{
		Type:       events.EventDocumentQueued,
		Index:      p.Index,
		DocumentID: p.DocumentID,
	})

	logger := log.WithDocumentID(log.WithIndex(o.log, p.Index), p.DocumentID)

	for step := p.NextStep(); step != ""; step = p.NextStep() {
		if o.cancelled(ctx, p) {
			logger.Info().Str("step", step).Msg("pipeline cancelled, stopping")
			return nil
		}

		next, outcome, err := o.runStep(ctx, p, step, logger)
		switch outcome {
		case OutcomeSuccess:
			p = next
			if err := p.MoveToCompleted(step); err != nil {
				return err
			}
			if err := o.store.SavePipeline(ctx, p); err != nil {
				// A CAS conflict mid-run usually means a concurrent cancel
				// bumped the manifest; honor the flag instead of failing.
				if errors.Is(err, storage.ErrConflict) && o.cancelled(ctx, p) {
					logger.Info().Str("step", step).Msg("pipeline cancelled, stopping")
					return nil
				}
				return fmt.Errorf("failed to checkpoint pipeline: %w", err)
			}
			o.broker.Publish(&events.Event{
				Type:       events.EventStepCompleted,
				Index:      p.Index,
				DocumentID: p.DocumentID,
				Step:       step,
			})
		default:
			return o.poison(ctx, p, step, err, logger)
		}
	}

	logger.Info().Msg("pipeline completed")
	o.broker.Publish(&events.Event{
		Type:       events.EventDocumentCompleted,
		Index:      p.Index,
		DocumentID: p.DocumentID,
	})
	return nil
}

// cancelled reports whether the pipeline carries the cancellation flag,
// consulting the stored manifest so a concurrent cancel is observed.
func (o *InProcessOrchestrator) cancelled(ctx context.Context, p *types.Pipeline) bool {
	if p.Cancelled {
		return true
	}
	stored, err := o.store.GetPipeline(ctx, p.Index, p.DocumentID)
	if err != nil {
		return false
	}
	return stored.Cancelled
}

// runStep invokes the handler, retrying transient failures with back-off
func (o *InProcessOrchestrator) runStep(ctx context.Context, p *types.Pipeline, step string, logger zerolog.Logger) (*types.Pipeline, Outcome, error) {
	handler, ok := o.registry.Get(step)
	if !ok {
		return nil, OutcomePermanent, fmt.Errorf("no handler for step %q", step)
	}

	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			delay := o.backoff * time.Duration(attempt)
			logger.Warn().Str("step", step).Int("attempt", attempt).Dur("backoff", delay).
				Err(lastErr).Msg("retrying step")
			select {
			case <-ctx.Done():
				return nil, OutcomeTransient, ctx.Err()
			case <-time.After(delay):
			}
		}

		timer := metrics.NewTimer()
		next, outcome, err := handler.Handle(ctx, p)
		timer.ObserveDuration(metrics.StepDuration.WithLabelValues(step))
		metrics.StepsExecutedTotal.WithLabelValues(step, outcome.String()).Inc()

		switch outcome {
		case OutcomeSuccess:
			return next, OutcomeSuccess, nil
		case OutcomePermanent:
			return nil, OutcomePermanent, err
		default:
			lastErr = err
		}
	}
	return nil, OutcomePermanent, fmt.Errorf("step %q exhausted %d retries: %w", step, o.maxRetries, lastErr)
}

func (o *InProcessOrchestrator) poison(ctx context.Context, p *types.Pipeline, step string, cause error, logger zerolog.Logger) error {
	logger.Error().Str("step", step).Err(cause).Msg("pipeline poisoned")
	p.FailureReason = fmt.Sprintf("step %s: %v", step, cause)
	if err := o.store.SavePipeline(ctx, p); err != nil {
		return fmt.Errorf("failed to record pipeline failure: %w", err)
	}
	metrics.PipelinesPoisonedTotal.Inc()
	o.broker.Publish(&events.Event{
		Type:       events.EventDocumentPoisoned,
		Index:      p.Index,
		DocumentID: p.DocumentID,
		Step:       step,
		Message:    p.FailureReason,
	})
	return nil
}

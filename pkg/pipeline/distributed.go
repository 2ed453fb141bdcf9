package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/events"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/metrics"
	"github.com/cuemby/memoir/pkg/queue"
	"github.com/cuemby/memoir/pkg/storage"
	"github.com/cuemby/memoir/pkg/types"
)

// stepQueuePrefix namespaces the per-step queues
const stepQueuePrefix = "memoir-"

// defaultLeaseTTL bounds how long a crashed worker blocks a document
const defaultLeaseTTL = 5 * time.Minute

// StepQueueName returns the queue a step's messages travel on
func StepQueueName(step string) string {
	return queue.NormalizeName(stepQueuePrefix + step)
}

// DistributedOrchestrator fans pipeline steps out over per-step queues so
// separate worker pools can own separate steps. The manifest in the store
// is the only shared state; workers coordinate through its checkpoint CAS
// and the per-document lease.
type DistributedOrchestrator struct {
	store    storage.Store
	registry *Registry
	provider queue.Provider
	broker   *events.Broker
	log      zerolog.Logger

	workerID string
	leaseTTL time.Duration

	mu       sync.Mutex
	enqueues map[string]queue.Queue
}

func NewDistributedOrchestrator(store storage.Store, registry *Registry, provider queue.Provider, broker *events.Broker, workerID string, logger zerolog.Logger) *DistributedOrchestrator {
	return &DistributedOrchestrator{
		store:    store,
		registry: registry,
		provider: provider,
		broker:   broker,
		log:      log.WithComponent(logger, "orchestrator"),
		workerID: workerID,
		leaseTTL: defaultLeaseTTL,
		enqueues: map[string]queue.Queue{},
	}
}

// RunPipeline persists the manifest and enqueues its first step. Execution
// happens on whichever worker dequeues the message.
func (o *DistributedOrchestrator) RunPipeline(ctx context.Context, p *types.Pipeline) error {
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

	step := p.NextStep()
	if step == "" {
		o.broker.Publish(&events.Event{
			Type:       events.EventDocumentCompleted,
			Index:      p.Index,
			DocumentID: p.DocumentID,
		})
		return nil
	}
	return o.enqueueStep(ctx, p, step)
}

// Start subscribes a worker to every registered step queue and blocks until
// ctx is cancelled.
func (o *DistributedOrchestrator) Start(ctx context.Context) error {
	steps := o.registry.Steps()
	errCh := make(chan error, len(steps))
	var wg sync.WaitGroup

	for _, step := range steps {
		q, err := o.provider.Connect(ctx, StepQueueName(step), true)
		if err != nil {
			return fmt.Errorf("failed to connect queue for step %s: %w", step, err)
		}
		step := step
		q.OnMessage(func(mctx context.Context, payload []byte) error {
			return o.handleMessage(mctx, step, payload)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

// handleMessage runs one step of one document. Stale or out-of-order
// messages ack and drop; contended documents nack and come back later.
func (o *DistributedOrchestrator) handleMessage(ctx context.Context, step string, payload []byte) error {
	var msg types.StepMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: malformed step message: %v", queue.ErrPoison, err)
	}
	logger := log.WithDocumentID(log.WithIndex(o.log, msg.Index), msg.DocumentID)

	p, err := o.store.GetPipeline(ctx, msg.Index, msg.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug().Str("step", step).Msg("manifest gone, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	// A re-imported document starts a new execution; messages from the old
	// one are dead.
	if p.ExecutionID != msg.ExecutionID {
		logger.Debug().Str("step", step).Msg("stale execution, dropping message")
		return nil
	}
	if p.Cancelled {
		logger.Info().Str("step", step).Msg("pipeline cancelled, dropping message")
		return nil
	}
	// Duplicates and out-of-order deliveries: the checkpoint decides
	if p.NextStep() != step {
		logger.Debug().Str("step", step).Str("next", p.NextStep()).Msg("step not next, dropping message")
		return nil
	}

	ok, err := o.store.AcquireLease(ctx, p.Index, p.DocumentID, o.workerID, o.leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return fmt.Errorf("document %s/%s is being processed elsewhere", p.Index, p.DocumentID)
	}
	defer func() {
		if err := o.store.ReleaseLease(context.WithoutCancel(ctx), p.Index, p.DocumentID, o.workerID); err != nil {
			logger.Warn().Err(err).Msg("failed to release lease")
		}
	}()

	handler, ok := o.registry.Get(step)
	if !ok {
		return o.poison(ctx, p, step, fmt.Errorf("no handler for step %q", step), logger)
	}

	timer := metrics.NewTimer()
	next, outcome, err := handler.Handle(ctx, p)
	timer.ObserveDuration(metrics.StepDuration.WithLabelValues(step))
	metrics.StepsExecutedTotal.WithLabelValues(step, outcome.String()).Inc()

	switch outcome {
	case OutcomeSuccess:
	case OutcomePermanent:
		return o.poison(ctx, p, step, err, logger)
	default:
		return fmt.Errorf("step %s failed: %w", step, err)
	}

	p = next
	if err := p.MoveToCompleted(step); err != nil {
		return err
	}
	if err := o.store.SavePipeline(ctx, p); err != nil {
		// A CAS conflict means another worker checkpointed concurrently;
		// redelivery will observe the new checkpoint and drop.
		return fmt.Errorf("failed to checkpoint pipeline: %w", err)
	}
	o.broker.Publish(&events.Event{
		Type:       events.EventStepCompleted,
		Index:      p.Index,
		DocumentID: p.DocumentID,
		Step:       step,
	})

	if nextStep := p.NextStep(); nextStep != "" {
		return o.enqueueStep(ctx, p, nextStep)
	}
	logger.Info().Msg("pipeline completed")
	o.broker.Publish(&events.Event{
		Type:       events.EventDocumentCompleted,
		Index:      p.Index,
		DocumentID: p.DocumentID,
	})
	return nil
}

// poison records the failure on the manifest and routes the message to the
// poison queue without advancing the checkpoint.
func (o *DistributedOrchestrator) poison(ctx context.Context, p *types.Pipeline, step string, cause error, logger zerolog.Logger) error {
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
	return fmt.Errorf("%w: %v", queue.ErrPoison, cause)
}

func (o *DistributedOrchestrator) enqueueStep(ctx context.Context, p *types.Pipeline, step string) error {
	q, err := o.stepQueue(ctx, step)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(types.StepMessage{
		Index:       p.Index,
		DocumentID:  p.DocumentID,
		Step:        step,
		ExecutionID: p.ExecutionID,
	})
	if err != nil {
		return err
	}
	if err := q.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("failed to enqueue step %s: %w", step, err)
	}
	return nil
}

// stepQueue lazily connects an enqueue-only queue per step
func (o *DistributedOrchestrator) stepQueue(ctx context.Context, step string) (queue.Queue, error) {
	name := StepQueueName(step)
	o.mu.Lock()
	defer o.mu.Unlock()
	if q, ok := o.enqueues[name]; ok {
		return q, nil
	}
	q, err := o.provider.Connect(ctx, name, false)
	if err != nil {
		return nil, fmt.Errorf("failed to connect queue %s: %w", name, err)
	}
	o.enqueues[name] = q
	return q, nil
}

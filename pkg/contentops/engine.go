package contentops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/events"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/metrics"
	"github.com/cuemby/memoir/pkg/storage"
	"github.com/cuemby/memoir/pkg/types"
)

// ErrMissingIndexer marks a fan-out step whose index id is not configured.
// Permanent: the operation stays locked with the failure recorded until an
// operator reconfigures or clears it.
var ErrMissingIndexer = errors.New("indexer not configured")

// Indexer is one secondary index the engine keeps consistent with the
// primary content store.
type Indexer interface {
	// ID is the configured identity the operation's planned steps name
	ID() string

	// Index makes the content visible in the secondary index
	Index(ctx context.Context, contentID string, rec *types.ContentRecord) error

	// Remove deletes the content from the secondary index; missing content
	// is not an error.
	Remove(ctx context.Context, contentID string, rec *types.ContentRecord) error
}

// Engine is the write-ahead engine behind every content mutation. A
// mutation becomes a durable Operation first; execution then drives the
// primary row and each secondary index from that record, so a crash at any
// point leaves a resumable or diagnosable state instead of a torn write.
type Engine struct {
	store    storage.Store
	indexers map[string]Indexer
	broker   *events.Broker
	log      zerolog.Logger
}

func NewEngine(store storage.Store, broker *events.Broker, logger zerolog.Logger, indexers ...Indexer) *Engine {
	m := make(map[string]Indexer, len(indexers))
	for _, ix := range indexers {
		m[ix.ID()] = ix
	}
	return &Engine{
		store:    store,
		indexers: m,
		broker:   broker,
		log:      log.WithComponent(logger, "contentops"),
	}
}

// Upsert enqueues an insert-or-replace of the content record and drains the
// content id's queue. The operation is durable before anything executes.
func (e *Engine) Upsert(ctx context.Context, rec *types.ContentRecord) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	steps := []string{types.OpStepUpsert}
	for id := range e.indexers {
		steps = append(steps, types.IndexStep(id))
	}

	op := e.newOperation(rec.ID, steps, payload)
	if err := e.store.InsertOperation(ctx, op); err != nil {
		return "", fmt.Errorf("failed to enqueue upsert: %w", err)
	}
	metrics.OperationsEnqueuedTotal.WithLabelValues("upsert").Inc()
	e.broker.Publish(&events.Event{Type: events.EventOperationQueued, ContentID: rec.ID})

	e.supersede(ctx, op)

	return op.ID, e.Process(ctx, rec.ID)
}

// Delete enqueues a removal of the content record everywhere and drains the
// content id's queue. Deleting missing content is not an error.
func (e *Engine) Delete(ctx context.Context, contentID string) (string, error) {
	// Capture the current row so index removal steps know what to remove
	var payload []byte
	if current, err := e.store.GetContent(ctx, contentID); err == nil {
		if payload, err = json.Marshal(current); err != nil {
			return "", err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to load content: %w", err)
	}

	steps := []string{types.OpStepDelete}
	for id := range e.indexers {
		steps = append(steps, types.IndexDeleteStep(id))
	}

	op := e.newOperation(contentID, steps, payload)
	if err := e.store.InsertOperation(ctx, op); err != nil {
		return "", fmt.Errorf("failed to enqueue delete: %w", err)
	}
	metrics.OperationsEnqueuedTotal.WithLabelValues("delete").Inc()
	e.broker.Publish(&events.Event{Type: events.EventOperationQueued, ContentID: contentID})

	// Deletes never supersede anything: older pending work still drains in
	// order ahead of the delete.
	return op.ID, e.Process(ctx, contentID)
}

func (e *Engine) newOperation(contentID string, steps []string, payload []byte) *types.Operation {
	return &types.Operation{
		ID:             uuid.NewString(),
		ContentID:      contentID,
		Timestamp:      time.Now().UTC(),
		PlannedSteps:   steps,
		RemainingSteps: append([]string(nil), steps...),
		Payload:        payload,
	}
}

// supersede cancels older pending upserts of the same content id. Best
// effort: the new operation alone is sufficient, so failures only log.
func (e *Engine) supersede(ctx context.Context, op *types.Operation) {
	older, err := e.store.PendingUpsertsBefore(ctx, op.ContentID, op.Timestamp)
	if err != nil {
		e.log.Warn().Err(err).Str("content_id", op.ContentID).Msg("failed to find superseded operations")
		return
	}
	for _, old := range older {
		if err := e.store.CancelOperation(ctx, old.ID); err != nil {
			e.log.Warn().Err(err).Str("operation_id", old.ID).Msg("failed to cancel superseded operation")
			continue
		}
		metrics.OperationsCancelledTotal.Inc()
	}
}

// Process drains the operation queue for one content id: claim the oldest
// pending operation, execute its steps, finalize, repeat. Returns nil when
// the queue is empty or another worker owns the head.
func (e *Engine) Process(ctx context.Context, contentID string) error {
	for {
		op, err := e.store.OldestIncompleteOperation(ctx, contentID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load operation queue: %w", err)
		}

		if op.Cancelled {
			if err := e.store.CompleteCancelled(ctx, op.ID); err != nil {
				return fmt.Errorf("failed to retire cancelled operation: %w", err)
			}
			continue
		}
		// Another worker owns the head; no preemption, no recovery probes
		if op.Locked() {
			return nil
		}

		now := time.Now().UTC()
		claimed, err := e.store.ClaimOperation(ctx, op.ID, contentID, now)
		if err != nil {
			return fmt.Errorf("failed to claim operation: %w", err)
		}
		if !claimed {
			return nil
		}
		op.LastAttemptAt = &now

		timer := metrics.NewTimer()
		if err := e.execute(ctx, op); err != nil {
			// The operation stays locked with the failure recorded; the
			// content stays not-ready. Quiescent and diagnosable.
			op.LastFailure = err.Error()
			if saveErr := e.store.SaveOperation(ctx, op); saveErr != nil {
				e.log.Error().Err(saveErr).Str("operation_id", op.ID).Msg("failed to record operation failure")
			}
			metrics.OperationsFailedTotal.Inc()
			e.broker.Publish(&events.Event{
				Type:      events.EventOperationFailed,
				ContentID: contentID,
				Message:   op.LastFailure,
			})
			return fmt.Errorf("operation %s failed: %w", op.ID, err)
		}
		timer.ObserveDuration(metrics.OperationDuration)

		if err := e.store.FinalizeOperation(ctx, op, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to finalize operation: %w", err)
		}
		metrics.OperationsCompletedTotal.Inc()
		e.broker.Publish(&events.Event{Type: events.EventOperationComplete, ContentID: contentID})
	}
}

// execute runs the operation's remaining steps in order, persisting after
// each one so a crash resumes instead of repeating completed work.
func (e *Engine) execute(ctx context.Context, op *types.Operation) error {
	var rec *types.ContentRecord
	if len(op.Payload) > 0 {
		rec = &types.ContentRecord{}
		if err := json.Unmarshal(op.Payload, rec); err != nil {
			return fmt.Errorf("malformed operation payload: %w", err)
		}
	}

	for len(op.RemainingSteps) > 0 {
		step := op.RemainingSteps[0]
		if err := e.executeStep(ctx, op, step, rec); err != nil {
			return fmt.Errorf("step %s: %w", step, err)
		}
		if err := op.MoveToCompleted(step); err != nil {
			return err
		}
		if err := e.store.SaveOperation(ctx, op); err != nil {
			return fmt.Errorf("failed to checkpoint operation: %w", err)
		}
	}
	return nil
}

func (e *Engine) executeStep(ctx context.Context, op *types.Operation, step string, rec *types.ContentRecord) error {
	switch step {
	case types.OpStepUpsert:
		if rec == nil {
			return fmt.Errorf("upsert operation carries no record")
		}
		return e.store.ApplyUpsert(ctx, rec)
	case types.OpStepDelete:
		return e.store.ApplyDelete(ctx, op.ContentID)
	}

	indexID, remove, ok := types.ParseIndexStep(step)
	if !ok {
		return fmt.Errorf("unknown operation step %q", step)
	}
	ix, found := e.indexers[indexID]
	if !found {
		return fmt.Errorf("%w: %s", ErrMissingIndexer, indexID)
	}
	if remove {
		return ix.Remove(ctx, op.ContentID, rec)
	}
	return ix.Index(ctx, op.ContentID, rec)
}

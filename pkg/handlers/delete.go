package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/blob"
	"github.com/cuemby/memoir/pkg/contentops"
	"github.com/cuemby/memoir/pkg/events"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/memory"
	"github.com/cuemby/memoir/pkg/pipeline"
	"github.com/cuemby/memoir/pkg/types"
)

// deleteBatchSize bounds one listing round while draining a document's or
// an index's records.
const deleteBatchSize = 100

// DeleteDocumentHandler removes every trace of one document: its memory
// records through the write engine, then its blob artifacts.
type DeleteDocumentHandler struct {
	db     memory.Db
	engine *contentops.Engine
	blobs  blob.Store
	broker *events.Broker
	log    zerolog.Logger
}

func NewDeleteDocumentHandler(db memory.Db, engine *contentops.Engine, blobs blob.Store, broker *events.Broker, logger zerolog.Logger) *DeleteDocumentHandler {
	return &DeleteDocumentHandler{
		db:     db,
		engine: engine,
		blobs:  blobs,
		broker: broker,
		log:    log.WithComponent(logger, "delete-document"),
	}
}

func (h *DeleteDocumentHandler) Step() string {
	return types.StepDeleteDocument
}

func (h *DeleteDocumentHandler) Handle(ctx context.Context, p *types.Pipeline) (*types.Pipeline, pipeline.Outcome, error) {
	filter := []types.MemoryFilter{{types.TagDocumentID: {p.DocumentID}}}
	removed := 0
	for {
		records, err := h.db.List(ctx, p.Index, deleteBatchSize, filter)
		if err != nil {
			return nil, pipeline.OutcomeTransient, fmt.Errorf("failed to list document records: %w", err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if _, err := h.engine.Delete(ctx, rec.ID); err != nil {
				return nil, pipeline.OutcomeTransient, fmt.Errorf("failed to delete record %s: %w", rec.ID, err)
			}
			removed++
		}
		if len(records) < deleteBatchSize {
			break
		}
	}

	if err := h.blobs.DeleteDocument(ctx, p.Index, p.DocumentID); err != nil {
		return nil, pipeline.OutcomeTransient, fmt.Errorf("failed to delete document artifacts: %w", err)
	}

	h.broker.Publish(&events.Event{
		Type:       events.EventDocumentDeleted,
		Index:      p.Index,
		DocumentID: p.DocumentID,
	})
	h.log.Info().Str("document_id", p.DocumentID).Int("records", removed).Msg("document deleted")
	return p, pipeline.OutcomeSuccess, nil
}

// DeleteIndexHandler drops an entire index: every record through the write
// engine, the vector index itself, then the index's blob tree. The default
// index is protected upstream; by the time this handler runs the deletion
// is deliberate.
type DeleteIndexHandler struct {
	db     memory.Db
	engine *contentops.Engine
	blobs  blob.Store
	broker *events.Broker
	log    zerolog.Logger
}

func NewDeleteIndexHandler(db memory.Db, engine *contentops.Engine, blobs blob.Store, broker *events.Broker, logger zerolog.Logger) *DeleteIndexHandler {
	return &DeleteIndexHandler{
		db:     db,
		engine: engine,
		blobs:  blobs,
		broker: broker,
		log:    log.WithComponent(logger, "delete-index"),
	}
}

func (h *DeleteIndexHandler) Step() string {
	return types.StepDeleteIndex
}

func (h *DeleteIndexHandler) Handle(ctx context.Context, p *types.Pipeline) (*types.Pipeline, pipeline.Outcome, error) {
	for {
		records, err := h.db.List(ctx, p.Index, deleteBatchSize, nil)
		if err != nil {
			if errors.Is(err, memory.ErrIndexNotFound) {
				break
			}
			return nil, pipeline.OutcomeTransient, fmt.Errorf("failed to list index records: %w", err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if _, err := h.engine.Delete(ctx, rec.ID); err != nil {
				return nil, pipeline.OutcomeTransient, fmt.Errorf("failed to delete record %s: %w", rec.ID, err)
			}
		}
		if len(records) < deleteBatchSize {
			break
		}
	}

	if err := h.db.DeleteIndex(ctx, p.Index); err != nil {
		return nil, pipeline.OutcomeTransient, fmt.Errorf("failed to drop index: %w", err)
	}
	if err := h.blobs.DeleteIndex(ctx, p.Index); err != nil {
		return nil, pipeline.OutcomeTransient, fmt.Errorf("failed to delete index artifacts: %w", err)
	}

	h.broker.Publish(&events.Event{
		Type:  events.EventIndexDeleted,
		Index: p.Index,
	})
	h.log.Info().Str("index", p.Index).Msg("index deleted")
	return p, pipeline.OutcomeSuccess, nil
}

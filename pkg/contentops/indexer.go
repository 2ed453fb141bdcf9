package contentops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/memoir/pkg/memory"
	"github.com/cuemby/memoir/pkg/types"
)

// MetaIndexName is the content metadata key naming the vector index a
// record belongs to.
const MetaIndexName = "index"

// VectorIndexer fans content records out to a vector index. The content
// payload is an embedded MemoryRecord; the target index name travels in the
// record's metadata so one indexer serves every index on the backend.
type VectorIndexer struct {
	id string
	db memory.Db
}

func NewVectorIndexer(id string, db memory.Db) *VectorIndexer {
	return &VectorIndexer{id: id, db: db}
}

func (v *VectorIndexer) ID() string {
	return v.id
}

func (v *VectorIndexer) Index(ctx context.Context, contentID string, rec *types.ContentRecord) error {
	if rec == nil {
		return fmt.Errorf("index step carries no record")
	}
	index := rec.Metadata[MetaIndexName]
	if index == "" {
		return fmt.Errorf("content %s names no target index", contentID)
	}

	var record types.MemoryRecord
	if err := json.Unmarshal(rec.Content, &record); err != nil {
		return fmt.Errorf("content %s is not an embedded record: %w", contentID, err)
	}
	record.ID = contentID

	if err := v.db.CreateIndex(ctx, index, len(record.Vector)); err != nil {
		return err
	}
	return v.db.Upsert(ctx, index, []types.MemoryRecord{record})
}

func (v *VectorIndexer) Remove(ctx context.Context, contentID string, rec *types.ContentRecord) error {
	// No captured record means the content never made it to the index
	if rec == nil {
		return nil
	}
	index := rec.Metadata[MetaIndexName]
	if index == "" {
		return nil
	}
	return v.db.Delete(ctx, index, []string{contentID})
}

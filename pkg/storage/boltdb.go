package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/memoir/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketPipelines  = []byte("pipelines")
	bucketLeases     = []byte("leases")
	bucketContent    = []byte("content")
	bucketOperations = []byte("operations")
	bucketOpIndex    = []byte("operation_ids")
)

// opKeySep separates the composite operation key fields. Content ids never
// contain NUL.
const opKeySep = "\x00"

// BoltStore implements Store using BoltDB. Operations are keyed by
// (content_id, timestamp, id) so a prefix cursor scan yields them in
// execution order without a separate index.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "memoir.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPipelines,
			bucketLeases,
			bucketContent,
			bucketOperations,
			bucketOpIndex,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func pipelineKey(index, documentID string) []byte {
	return []byte(index + "/" + documentID)
}

func operationKey(op *types.Operation) []byte {
	return []byte(fmt.Sprintf("%s%s%020d%s%s", op.ContentID, opKeySep, op.Timestamp.UnixNano(), opKeySep, op.ID))
}

// Pipeline operations

// PutPipeline writes a manifest unconditionally. Used at submit time, where
// re-importing a document replaces the previous manifest.
func (s *BoltStore) PutPipeline(ctx context.Context, p *types.Pipeline) error {
	p.LastUpdate = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPipelines)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(pipelineKey(p.Index, p.DocumentID), data)
	})
}

// SavePipeline persists a manifest with a compare-and-swap on LastUpdate.
// Returns ErrConflict when another worker saved the manifest in between.
func (s *BoltStore) SavePipeline(ctx context.Context, p *types.Pipeline) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPipelines)
		key := pipelineKey(p.Index, p.DocumentID)
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var stored types.Pipeline
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if !stored.LastUpdate.Equal(p.LastUpdate) || stored.ExecutionID != p.ExecutionID {
			return ErrConflict
		}
		p.LastUpdate = time.Now().UTC()
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// GetPipeline retrieves a manifest
func (s *BoltStore) GetPipeline(ctx context.Context, index, documentID string) (*types.Pipeline, error) {
	var p types.Pipeline
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPipelines)
		data := b.Get(pipelineKey(index, documentID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePipeline removes a manifest and its lease
func (s *BoltStore) DeletePipeline(ctx context.Context, index, documentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := pipelineKey(index, documentID)
		if err := tx.Bucket(bucketPipelines).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketLeases).Delete(key)
	})
}

// lease is the per-document advisory lock record
type lease struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

// AcquireLease claims the per-document lock. Returns false when another
// live owner holds it. Re-acquiring by the same owner extends the lease.
func (s *BoltStore) AcquireLease(ctx context.Context, index, documentID, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		key := pipelineKey(index, documentID)
		if data := b.Get(key); data != nil {
			var l lease
			if err := json.Unmarshal(data, &l); err != nil {
				return err
			}
			if l.Owner != owner && time.Now().Before(l.Expires) {
				return nil
			}
		}
		data, err := json.Marshal(lease{Owner: owner, Expires: time.Now().Add(ttl)})
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLease drops the per-document lock if held by owner
func (s *BoltStore) ReleaseLease(ctx context.Context, index, documentID, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		key := pipelineKey(index, documentID)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		var l lease
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		if l.Owner != owner {
			return nil
		}
		return b.Delete(key)
	})
}

// Content operations

// GetContent retrieves a content record
func (s *BoltStore) GetContent(ctx context.Context, id string) (*types.ContentRecord, error) {
	var rec types.ContentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContent).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ApplyUpsert replaces the content row, preserving created_at when a
// previous row exists. The row stays not-ready until the operation is
// finalized.
func (s *BoltStore) ApplyUpsert(ctx context.Context, rec *types.ContentRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContent)
		key := []byte(rec.ID)
		if data := b.Get(key); data != nil {
			var prev types.ContentRecord
			if err := json.Unmarshal(data, &prev); err != nil {
				return err
			}
			rec.CreatedAt = prev.CreatedAt
		} else if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		rec.Ready = false
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// ApplyDelete removes the content row; missing is not an error
func (s *BoltStore) ApplyDelete(ctx context.Context, contentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContent).Delete([]byte(contentID))
	})
}

// Operation queue

// InsertOperation durably enqueues a write operation
func (s *BoltStore) InsertOperation(ctx context.Context, op *types.Operation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := operationKey(op)
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketOperations).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketOpIndex).Put([]byte(op.ID), key)
	})
}

// GetOperation retrieves an operation by id
func (s *BoltStore) GetOperation(ctx context.Context, id string) (*types.Operation, error) {
	var op types.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketOpIndex).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketOperations).Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// OldestIncompleteOperation returns the next operation to execute for a
// content id, or ErrNotFound when the queue is drained.
func (s *BoltStore) OldestIncompleteOperation(ctx context.Context, contentID string) (*types.Operation, error) {
	var found *types.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOperations).Cursor()
		prefix := []byte(contentID + opKeySep)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var op types.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if !op.Complete {
				found = &op
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// PendingUpsertsBefore returns unlocked, incomplete, not-cancelled upsert
// operations older than the given timestamp. Used to supersede stale
// upserts; delete operations are never returned.
func (s *BoltStore) PendingUpsertsBefore(ctx context.Context, contentID string, before time.Time) ([]*types.Operation, error) {
	var ops []*types.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOperations).Cursor()
		prefix := []byte(contentID + opKeySep)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var op types.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Complete || op.Cancelled || op.Locked() || !op.IsUpsert() {
				continue
			}
			if op.Timestamp.Before(before) {
				cp := op
				ops = append(ops, &cp)
			}
		}
		return nil
	})
	return ops, err
}

func (s *BoltStore) updateOperation(id string, mutate func(op *types.Operation) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketOpIndex).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		b := tx.Bucket(bucketOperations)
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var op types.Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return err
		}
		if err := mutate(&op); err != nil {
			return err
		}
		out, err := json.Marshal(&op)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// CancelOperation marks an operation superseded
func (s *BoltStore) CancelOperation(ctx context.Context, id string) error {
	return s.updateOperation(id, func(op *types.Operation) error {
		op.Cancelled = true
		return nil
	})
}

// CompleteCancelled finishes a cancelled operation without executing it.
// The remaining steps are dropped: a complete operation has none left.
func (s *BoltStore) CompleteCancelled(ctx context.Context, id string) error {
	return s.updateOperation(id, func(op *types.Operation) error {
		op.Complete = true
		op.RemainingSteps = nil
		return nil
	})
}

// ClaimOperation atomically takes the execution lock (last_attempt_at goes
// from nil to now) and flips the content row to not-ready. Returns false
// when another worker won the race.
func (s *BoltStore) ClaimOperation(ctx context.Context, opID, contentID string, at time.Time) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketOpIndex).Get([]byte(opID))
		if key == nil {
			return ErrNotFound
		}
		b := tx.Bucket(bucketOperations)
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var op types.Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return err
		}
		if op.LastAttemptAt != nil {
			return nil
		}
		op.LastAttemptAt = &at
		out, err := json.Marshal(&op)
		if err != nil {
			return err
		}
		if err := b.Put(key, out); err != nil {
			return err
		}

		// Same transaction: content goes not-ready. The row may not exist
		// yet for a first upsert.
		cb := tx.Bucket(bucketContent)
		if cdata := cb.Get([]byte(contentID)); cdata != nil {
			var rec types.ContentRecord
			if err := json.Unmarshal(cdata, &rec); err != nil {
				return err
			}
			rec.Ready = false
			cout, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			if err := cb.Put([]byte(contentID), cout); err != nil {
				return err
			}
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// SaveOperation persists step progress or a failure reason
func (s *BoltStore) SaveOperation(ctx context.Context, op *types.Operation) error {
	return s.updateOperation(op.ID, func(stored *types.Operation) error {
		*stored = *op
		return nil
	})
}

// FinalizeOperation marks the operation complete and the content ready in
// a single transaction. A deleted content row is left absent.
func (s *BoltStore) FinalizeOperation(ctx context.Context, op *types.Operation, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketOpIndex).Get([]byte(op.ID))
		if key == nil {
			return ErrNotFound
		}
		op.Complete = true
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketOperations).Put(key, data); err != nil {
			return err
		}

		cb := tx.Bucket(bucketContent)
		if cdata := cb.Get([]byte(op.ContentID)); cdata != nil {
			var rec types.ContentRecord
			if err := json.Unmarshal(cdata, &rec); err != nil {
				return err
			}
			rec.Ready = true
			rec.UpdatedAt = at
			cout, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			return cb.Put([]byte(op.ContentID), cout)
		}
		return nil
	})
}

// PendingContentIDs returns distinct content ids with unclaimed incomplete
// operations. The background janitor uses it to re-drive work that was
// enqueued but never picked up.
func (s *BoltStore) PendingContentIDs(ctx context.Context, limit int) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).ForEach(func(k, v []byte) error {
			if limit > 0 && len(ids) >= limit {
				return nil
			}
			var op types.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Complete || op.Locked() || seen[op.ContentID] {
				return nil
			}
			seen[op.ContentID] = true
			ids = append(ids, op.ContentID)
			return nil
		})
	})
	return ids, err
}

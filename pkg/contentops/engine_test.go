package contentops

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/memoir/pkg/events"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/memory"
	"github.com/cuemby/memoir/pkg/storage"
	"github.com/cuemby/memoir/pkg/types"
)

// fakeIndexer records every call so tests can assert fan-out behavior
type fakeIndexer struct {
	id string

	mu      sync.Mutex
	indexed []string
	removed []string
	failErr error
}

func (f *fakeIndexer) ID() string { return f.id }

func (f *fakeIndexer) Index(ctx context.Context, contentID string, rec *types.ContentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.indexed = append(f.indexed, contentID+":"+string(rec.Content))
	return nil
}

func (f *fakeIndexer) Remove(ctx context.Context, contentID string, rec *types.ContentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.removed = append(f.removed, contentID)
	return nil
}

func newEngine(t *testing.T, indexers ...Indexer) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewEngine(store, broker, log.Nop(), indexers...), store
}

func record(id, content string) *types.ContentRecord {
	return &types.ContentRecord{ID: id, Content: []byte(content), Mime: "text/plain"}
}

func TestUpsertWritesStoreAndIndexes(t *testing.T) {
	ix := &fakeIndexer{id: "vec-1"}
	e, store := newEngine(t, ix)
	ctx := context.Background()

	opID, err := e.Upsert(ctx, record("X", "hello"))
	require.NoError(t, err)
	require.NotEmpty(t, opID)

	rec, err := store.GetContent(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), rec.Content)
	assert.True(t, rec.Ready)

	assert.Equal(t, []string{"X:hello"}, ix.indexed)

	op, err := store.GetOperation(ctx, opID)
	require.NoError(t, err)
	assert.True(t, op.Complete)
	assert.Empty(t, op.RemainingSteps)
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	ix := &fakeIndexer{id: "vec-1"}
	e, store := newEngine(t, ix)
	ctx := context.Background()

	_, err := e.Upsert(ctx, record("X", "hello"))
	require.NoError(t, err)

	_, err = e.Delete(ctx, "X")
	require.NoError(t, err)

	_, err = store.GetContent(ctx, "X")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{"X"}, ix.removed)
}

func TestDeleteMissingContentIsNotAnError(t *testing.T) {
	ix := &fakeIndexer{id: "vec-1"}
	e, _ := newEngine(t, ix)

	_, err := e.Delete(context.Background(), "never-existed")
	require.NoError(t, err)
	assert.Empty(t, ix.removed)
}

func TestNewerUpsertSupersedesOlderPending(t *testing.T) {
	ix := &fakeIndexer{id: "vec-1"}
	e, store := newEngine(t, ix)
	ctx := context.Background()

	// Two upserts enqueued while the first is still pending: enqueue both
	// without processing, as if the writers raced.
	opA := e.newOperation("X", []string{types.OpStepUpsert, types.IndexStep("vec-1")}, mustPayload(t, record("X", "A")))
	require.NoError(t, store.InsertOperation(ctx, opA))

	time.Sleep(2 * time.Millisecond)
	opB := e.newOperation("X", []string{types.OpStepUpsert, types.IndexStep("vec-1")}, mustPayload(t, record("X", "B")))
	require.NoError(t, store.InsertOperation(ctx, opB))
	e.supersede(ctx, opB)

	require.NoError(t, e.Process(ctx, "X"))

	// Only B executed; A was cancelled and retired without touching the index
	rec, err := store.GetContent(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), rec.Content)
	assert.True(t, rec.Ready)
	assert.Equal(t, []string{"X:B"}, ix.indexed)

	gotA, err := store.GetOperation(ctx, opA.ID)
	require.NoError(t, err)
	assert.True(t, gotA.Cancelled)
	assert.True(t, gotA.Complete)
}

func TestSupersedeNeverCancelsDeletes(t *testing.T) {
	ix := &fakeIndexer{id: "vec-1"}
	e, store := newEngine(t, ix)
	ctx := context.Background()

	del := e.newOperation("X", []string{types.OpStepDelete, types.IndexDeleteStep("vec-1")}, nil)
	require.NoError(t, store.InsertOperation(ctx, del))

	time.Sleep(2 * time.Millisecond)
	up := e.newOperation("X", []string{types.OpStepUpsert, types.IndexStep("vec-1")}, mustPayload(t, record("X", "new")))
	require.NoError(t, store.InsertOperation(ctx, up))
	e.supersede(ctx, up)

	gotDel, err := store.GetOperation(ctx, del.ID)
	require.NoError(t, err)
	assert.False(t, gotDel.Cancelled)

	// Both drain in timestamp order: delete first, then the upsert wins
	require.NoError(t, e.Process(ctx, "X"))
	rec, err := store.GetContent(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), rec.Content)
}

func TestMissingIndexerLeavesOperationFailedLocked(t *testing.T) {
	// Engine configured without the index id the operation plans for
	e, store := newEngine(t)
	ctx := context.Background()

	op := e.newOperation("X", []string{types.OpStepUpsert, types.IndexStep("gone-index")}, mustPayload(t, record("X", "A")))
	require.NoError(t, store.InsertOperation(ctx, op))

	err := e.Process(ctx, "X")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingIndexer)

	// Failed-locked: claimed, failure recorded, not complete
	got, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, got.Locked())
	assert.False(t, got.Complete)
	assert.Contains(t, got.LastFailure, "gone-index")

	// The primary upsert step did run and checkpoint before the failure
	assert.Equal(t, []string{types.OpStepUpsert}, got.CompletedSteps)

	// Content stays not-ready until an operator resolves the lock
	rec, err := store.GetContent(ctx, "X")
	require.NoError(t, err)
	assert.False(t, rec.Ready)

	// Re-processing does not steal the lock
	require.NoError(t, e.Process(ctx, "X"))
	again, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.False(t, again.Complete)
}

func TestProcessDrainsQueueInOrder(t *testing.T) {
	ix := &fakeIndexer{id: "vec-1"}
	e, store := newEngine(t, ix)
	ctx := context.Background()

	for i, content := range []string{"v1", "v2", "v3"} {
		op := e.newOperation("X", []string{types.OpStepUpsert, types.IndexStep("vec-1")}, mustPayload(t, record("X", content)))
		op.Timestamp = op.Timestamp.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, store.InsertOperation(ctx, op))
	}

	require.NoError(t, e.Process(ctx, "X"))

	rec, err := store.GetContent(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), rec.Content)
	assert.Equal(t, []string{"X:v1", "X:v2", "X:v3"}, ix.indexed)

	_, err = store.OldestIncompleteOperation(ctx, "X")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransientIndexerFailureKeepsCheckpoint(t *testing.T) {
	ix := &fakeIndexer{id: "vec-1", failErr: errors.New("connection refused")}
	e, store := newEngine(t, ix)
	ctx := context.Background()

	_, err := e.Upsert(ctx, record("X", "hello"))
	require.Error(t, err)

	// Primary write survived the index failure
	rec, err := store.GetContent(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), rec.Content)
	assert.False(t, rec.Ready)
}

func TestVectorIndexerRoundTrip(t *testing.T) {
	db, err := memory.NewLocalDb(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ix := NewVectorIndexer("vec-1", db)

	memRec := types.MemoryRecord{
		Vector:  []float32{1, 0},
		Tags:    types.TagCollection{types.TagDocumentID: {"doc1"}},
		Payload: map[string]any{types.PayloadText: "hello"},
	}
	content, err := json.Marshal(memRec)
	require.NoError(t, err)

	rec := &types.ContentRecord{
		ID:       "part-1",
		Content:  content,
		Metadata: map[string]string{MetaIndexName: "default"},
	}
	require.NoError(t, ix.Index(ctx, "part-1", rec))

	records, err := db.List(ctx, "default", 10, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "part-1", records[0].ID)

	require.NoError(t, ix.Remove(ctx, "part-1", rec))
	records, err = db.List(ctx, "default", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, records)

	// A delete with no captured record is a no-op
	require.NoError(t, ix.Remove(ctx, "part-1", nil))
}

func mustPayload(t *testing.T, rec *types.ContentRecord) []byte {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return data
}

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/memoir/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestPipeline(index, docID string) *types.Pipeline {
	return &types.Pipeline{
		Index:          index,
		DocumentID:     docID,
		ExecutionID:    "exec-1",
		Steps:          types.DefaultSteps(),
		RemainingSteps: types.DefaultSteps(),
		CreationTime:   time.Now().UTC(),
	}
}

func TestPipelineRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := newTestPipeline("default", "doc1")
	require.NoError(t, s.PutPipeline(ctx, p))

	got, err := s.GetPipeline(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "doc1", got.DocumentID)
	assert.Equal(t, types.DefaultSteps(), got.RemainingSteps)

	_, err = s.GetPipeline(ctx, "default", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeletePipeline(ctx, "default", "doc1"))
	_, err = s.GetPipeline(ctx, "default", "doc1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSavePipelineCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := newTestPipeline("default", "doc1")
	require.NoError(t, s.PutPipeline(ctx, p))

	// Two workers load the same checkpoint
	a, err := s.GetPipeline(ctx, "default", "doc1")
	require.NoError(t, err)
	b, err := s.GetPipeline(ctx, "default", "doc1")
	require.NoError(t, err)

	require.NoError(t, a.MoveToCompleted(types.StepExtract))
	require.NoError(t, s.SavePipeline(ctx, a))

	// The slower worker loses
	require.NoError(t, b.MoveToCompleted(types.StepExtract))
	assert.ErrorIs(t, s.SavePipeline(ctx, b), ErrConflict)

	got, err := s.GetPipeline(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, []string{types.StepExtract}, got.CompletedSteps)
	require.NoError(t, got.Validate())
}

func TestSavePipelineRejectsStaleExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := newTestPipeline("default", "doc1")
	require.NoError(t, s.PutPipeline(ctx, p))

	stale, err := s.GetPipeline(ctx, "default", "doc1")
	require.NoError(t, err)
	stale.ExecutionID = "exec-0"
	assert.ErrorIs(t, s.SavePipeline(ctx, stale), ErrConflict)
}

func TestLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "default", "doc1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Contender is refused
	ok, err = s.AcquireLease(ctx, "default", "doc1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same owner extends
	ok, err = s.AcquireLease(ctx, "default", "doc1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Release by non-owner is a no-op
	require.NoError(t, s.ReleaseLease(ctx, "default", "doc1", "worker-b"))
	ok, err = s.AcquireLease(ctx, "default", "doc1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "default", "doc1", "worker-a"))
	ok, err = s.AcquireLease(ctx, "default", "doc1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredLeaseIsStolen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "default", "doc1", "worker-a", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = s.AcquireLease(ctx, "default", "doc1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func newTestOperation(id, contentID string, ts time.Time, steps ...string) *types.Operation {
	return &types.Operation{
		ID:             id,
		ContentID:      contentID,
		Timestamp:      ts,
		PlannedSteps:   steps,
		RemainingSteps: append([]string(nil), steps...),
	}
}

func TestOperationOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Insert out of order
	require.NoError(t, s.InsertOperation(ctx, newTestOperation("op2", "X", base.Add(time.Second), types.OpStepUpsert)))
	require.NoError(t, s.InsertOperation(ctx, newTestOperation("op1", "X", base, types.OpStepUpsert)))
	require.NoError(t, s.InsertOperation(ctx, newTestOperation("op3", "Y", base, types.OpStepDelete)))

	op, err := s.OldestIncompleteOperation(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, "op1", op.ID)

	require.NoError(t, s.CompleteCancelled(ctx, "op1"))
	op, err = s.OldestIncompleteOperation(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, "op2", op.ID)

	require.NoError(t, s.CompleteCancelled(ctx, "op2"))
	_, err = s.OldestIncompleteOperation(ctx, "X")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteCancelledClearsRemainingSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := newTestOperation("op1", "X", time.Now().UTC(), types.OpStepUpsert, types.IndexStep("vec"))
	require.NoError(t, s.InsertOperation(ctx, op))
	require.NoError(t, s.CancelOperation(ctx, "op1"))
	require.NoError(t, s.CompleteCancelled(ctx, "op1"))

	got, err := s.GetOperation(ctx, "op1")
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	assert.True(t, got.Complete)
	assert.Empty(t, got.RemainingSteps)
}

func TestPendingUpsertsBeforeSkipsDeletesAndLocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.InsertOperation(ctx, newTestOperation("u1", "X", base, types.OpStepUpsert, types.IndexStep("v"))))
	require.NoError(t, s.InsertOperation(ctx, newTestOperation("d1", "X", base.Add(time.Millisecond), types.OpStepDelete)))
	locked := newTestOperation("u2", "X", base.Add(2*time.Millisecond), types.OpStepUpsert)
	now := time.Now().UTC()
	locked.LastAttemptAt = &now
	require.NoError(t, s.InsertOperation(ctx, locked))

	ops, err := s.PendingUpsertsBefore(ctx, "X", base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "u1", ops[0].ID)
}

func TestClaimOperationCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := newTestOperation("op1", "X", time.Now().UTC(), types.OpStepUpsert)
	require.NoError(t, s.InsertOperation(ctx, op))
	require.NoError(t, s.ApplyUpsert(ctx, &types.ContentRecord{ID: "X", Content: []byte("A")}))

	ok, err := s.ClaimOperation(ctx, "op1", "X", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses the CAS
	ok, err = s.ClaimOperation(ctx, "op1", "X", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.GetContent(ctx, "X")
	require.NoError(t, err)
	assert.False(t, rec.Ready)
}

func TestFinalizeOperationFlipsReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := newTestOperation("op1", "X", time.Now().UTC(), types.OpStepUpsert)
	require.NoError(t, s.InsertOperation(ctx, op))
	ok, err := s.ClaimOperation(ctx, "op1", "X", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ApplyUpsert(ctx, &types.ContentRecord{ID: "X", Content: []byte("A")}))
	require.NoError(t, op.MoveToCompleted(types.OpStepUpsert))

	at := time.Now().UTC()
	require.NoError(t, s.FinalizeOperation(ctx, op, at))

	got, err := s.GetOperation(ctx, "op1")
	require.NoError(t, err)
	assert.True(t, got.Complete)
	assert.Empty(t, got.RemainingSteps)

	rec, err := s.GetContent(ctx, "X")
	require.NoError(t, err)
	assert.True(t, rec.Ready)
}

func TestApplyUpsertPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyUpsert(ctx, &types.ContentRecord{ID: "X", Content: []byte("A")}))
	first, err := s.GetContent(ctx, "X")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.ApplyUpsert(ctx, &types.ContentRecord{ID: "X", Content: []byte("B")}))
	second, err := s.GetContent(ctx, "X")
	require.NoError(t, err)

	assert.Equal(t, []byte("B"), second.Content)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	// Delete is idempotent
	require.NoError(t, s.ApplyDelete(ctx, "X"))
	require.NoError(t, s.ApplyDelete(ctx, "X"))
	_, err = s.GetContent(ctx, "X")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingContentIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.InsertOperation(ctx, newTestOperation("op1", "X", base, types.OpStepUpsert)))
	require.NoError(t, s.InsertOperation(ctx, newTestOperation("op2", "Y", base, types.OpStepDelete)))
	locked := newTestOperation("op3", "Z", base, types.OpStepUpsert)
	now := time.Now().UTC()
	locked.LastAttemptAt = &now
	require.NoError(t, s.InsertOperation(ctx, locked))

	ids, err := s.PendingContentIDs(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"X", "Y"}, ids)
}

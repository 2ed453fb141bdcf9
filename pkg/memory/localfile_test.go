package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/memoir/pkg/types"
)

func TestNormalizeIndexName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"empty maps to default", "", "default", false},
		{"lowercase passthrough", "my-index", "my-index", false},
		{"uppercase folded", "My-Index", "my-index", false},
		{"reserved chars replaced", "wiki/pages_v2", "wiki-pages-v2", false},
		{"edge hyphens trimmed", "--index--", "index", false},
		{"whitespace only maps to default", "   ", "default", false},
		{"all reserved normalizes to empty", "///", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeIndexName(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func newLocalDb(t *testing.T) *LocalDb {
	t.Helper()
	d, err := NewLocalDb(t.TempDir())
	require.NoError(t, err)
	return d
}

func testRecord(id string, vec []float32, tagPairs ...[2]string) types.MemoryRecord {
	tags := types.TagCollection{}
	for _, p := range tagPairs {
		tags.Add(p[0], p[1])
	}
	return types.MemoryRecord{
		ID:      id,
		Vector:  vec,
		Tags:    tags,
		Payload: map[string]any{types.PayloadText: "text of " + id},
	}
}

func TestLocalDbIndexLifecycle(t *testing.T) {
	d := newLocalDb(t)
	ctx := context.Background()

	require.NoError(t, d.CreateIndex(ctx, "default", 4))
	require.NoError(t, d.CreateIndex(ctx, "wiki", 4))
	// Idempotent create
	require.NoError(t, d.CreateIndex(ctx, "wiki", 4))

	names, err := d.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "wiki"}, names)

	require.NoError(t, d.DeleteIndex(ctx, "wiki"))
	// Idempotent delete
	require.NoError(t, d.DeleteIndex(ctx, "wiki"))

	names, err = d.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, names)
}

func TestLocalDbSearch(t *testing.T) {
	d := newLocalDb(t)
	ctx := context.Background()
	require.NoError(t, d.CreateIndex(ctx, "default", 2))

	require.NoError(t, d.Upsert(ctx, "default", []types.MemoryRecord{
		testRecord("a", []float32{1, 0}, [2]string{types.TagDocumentID, "doc1"}),
		testRecord("b", []float32{0.9, 0.1}, [2]string{types.TagDocumentID, "doc1"}),
		testRecord("c", []float32{0, 1}, [2]string{types.TagDocumentID, "doc2"}),
	}))

	results, err := d.Search(ctx, "default", []float32{1, 0}, SearchOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Record.ID)
	assert.Equal(t, "b", results[1].Record.ID)
	assert.Greater(t, results[0].Relevance, results[1].Relevance)
	assert.Nil(t, results[0].Record.Vector)

	// Relevance floor removes the orthogonal record entirely
	results, err = d.Search(ctx, "default", []float32{1, 0}, SearchOptions{Limit: 10, MinRelevance: 0.5})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// Tag filter restricts to one document
	results, err = d.Search(ctx, "default", []float32{1, 0}, SearchOptions{
		Limit:   10,
		Filters: []types.MemoryFilter{{types.TagDocumentID: {"doc2"}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c", results[0].Record.ID)

	_, err = d.Search(ctx, "missing", []float32{1, 0}, SearchOptions{})
	assert.ErrorIs(t, err, ErrIndexNotFound)
}

func TestLocalDbUpsertReplacesByID(t *testing.T) {
	d := newLocalDb(t)
	ctx := context.Background()
	require.NoError(t, d.CreateIndex(ctx, "default", 2))

	require.NoError(t, d.Upsert(ctx, "default", []types.MemoryRecord{
		testRecord("a", []float32{1, 0}),
	}))
	require.NoError(t, d.Upsert(ctx, "default", []types.MemoryRecord{
		testRecord("a", []float32{0, 1}),
	}))

	records, err := d.List(ctx, "default", 10, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []float32{0, 1}, records[0].Vector)
}

func TestLocalDbDeleteRecords(t *testing.T) {
	d := newLocalDb(t)
	ctx := context.Background()
	require.NoError(t, d.CreateIndex(ctx, "default", 2))

	require.NoError(t, d.Upsert(ctx, "default", []types.MemoryRecord{
		testRecord("a", []float32{1, 0}),
		testRecord("b", []float32{0, 1}),
	}))
	require.NoError(t, d.Delete(ctx, "default", []string{"a", "missing"}))

	records, err := d.List(ctx, "default", 10, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].ID)
}

func TestLocalDbListFiltersOr(t *testing.T) {
	d := newLocalDb(t)
	ctx := context.Background()
	require.NoError(t, d.CreateIndex(ctx, "default", 2))

	require.NoError(t, d.Upsert(ctx, "default", []types.MemoryRecord{
		testRecord("a", []float32{1, 0}, [2]string{"user", "alice"}),
		testRecord("b", []float32{0, 1}, [2]string{"user", "bob"}),
		testRecord("c", []float32{1, 1}, [2]string{"user", "carol"}),
	}))

	records, err := d.List(ctx, "default", 10, []types.MemoryFilter{
		{"user": {"alice"}},
		{"user": {"bob"}},
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestFilterClause(t *testing.T) {
	where, args := filterClause(nil, []any{"idx"})
	assert.Empty(t, where)
	assert.Len(t, args, 1)

	where, args = filterClause([]types.MemoryFilter{
		{"user": {"alice"}},
		{"user": {"bob"}, "team": {"infra"}},
	}, []any{"idx"})
	assert.Equal(t, " AND (tags @> $2 OR tags @> $3)", where)
	assert.Len(t, args, 3)
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	v := []float32{0.25, -1, 3.5}
	got, err := parseVectorLiteral(vectorLiteral(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = parseVectorLiteral("[not,a,vector]")
	assert.Error(t, err)
}

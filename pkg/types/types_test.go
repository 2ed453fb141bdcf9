package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineStepOrdering(t *testing.T) {
	p := &Pipeline{
		Index:          "default",
		DocumentID:     "doc1",
		Steps:          DefaultSteps(),
		RemainingSteps: DefaultSteps(),
	}

	require.NoError(t, p.Validate())
	assert.Equal(t, StepExtract, p.NextStep())
	assert.Equal(t, PipelineStateQueued, p.State())

	// Completing out of order is rejected
	assert.Error(t, p.MoveToCompleted(StepPartition))

	require.NoError(t, p.MoveToCompleted(StepExtract))
	require.NoError(t, p.Validate())
	assert.Equal(t, StepPartition, p.NextStep())
	assert.Equal(t, PipelineStateProcessing, p.State())

	for _, s := range []string{StepPartition, StepGenEmbeddings, StepSaveEmbeddings} {
		require.NoError(t, p.MoveToCompleted(s))
		require.NoError(t, p.Validate())
	}
	assert.True(t, p.Complete())
	assert.Equal(t, PipelineStateCompleted, p.State())
	assert.Equal(t, "", p.NextStep())
}

func TestPipelineValidateCatchesDrift(t *testing.T) {
	p := &Pipeline{
		Steps:          []string{StepExtract, StepPartition},
		CompletedSteps: []string{StepExtract},
		RemainingSteps: []string{StepExtract},
	}
	assert.Error(t, p.Validate(), "step present in both lists must fail")

	p = &Pipeline{
		Steps:          []string{StepExtract, StepPartition},
		CompletedSteps: []string{StepExtract},
		RemainingSteps: nil,
	}
	assert.Error(t, p.Validate(), "lost step must fail")
}

func TestPipelinePoisonedState(t *testing.T) {
	p := &Pipeline{
		Steps:          DefaultSteps(),
		RemainingSteps: DefaultSteps(),
		FailureReason:  "unsupported_mime",
	}
	assert.Equal(t, PipelineStatePoisoned, p.State())
	assert.False(t, p.Complete())
}

func TestGeneratedFilesKeepParentReference(t *testing.T) {
	parent := &FileDetails{ID: "f1", Name: "report.txt"}
	child := &FileDetails{ID: "f2", Name: "report.txt.partition.0.txt"}
	parent.AddGeneratedFile(child)

	assert.Equal(t, "f1", child.ParentID)

	p := &Pipeline{Files: []*FileDetails{parent}}
	assert.Equal(t, child, p.GetFile("f2"))
	assert.Equal(t, parent, p.GetFile("f1"))
	assert.Nil(t, p.GetFile("missing"))
}

func TestFileProcessedByIsIdempotent(t *testing.T) {
	f := &FileDetails{ID: "f1"}
	f.MarkProcessedBy(StepExtract)
	f.MarkProcessedBy(StepExtract)
	assert.Len(t, f.ProcessedBy, 1)
	assert.True(t, f.WasProcessedBy(StepExtract))
	assert.False(t, f.WasProcessedBy(StepPartition))
}

func TestTagValidation(t *testing.T) {
	tests := []struct {
		name    string
		tags    TagCollection
		wantErr bool
	}{
		{"valid", TagCollection{"user": {"Taylor"}, "type": {"news", "docs"}}, false},
		{"empty key", TagCollection{"": {"x"}}, true},
		{"separator in key", TagCollection{"user:name": {"x"}}, true},
		{"separator in value", TagCollection{"user": {"a:b"}}, true},
		{"empty collection", TagCollection{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tags.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTagPairsAreSortedComposites(t *testing.T) {
	tags := TagCollection{}
	tags.Add("user", "Taylor")
	tags.Add("type", "news")
	tags.Add("type", "docs")
	assert.Equal(t, []string{"type:docs", "type:news", "user:Taylor"}, tags.Pairs())
}

func TestFilterSemantics(t *testing.T) {
	tags := TagCollection{"user": {"Taylor"}, "type": {"news"}}

	// AND within a filter
	assert.True(t, MemoryFilter{"user": {"Taylor"}, "type": {"news"}}.Matches(tags))
	assert.False(t, MemoryFilter{"user": {"Taylor"}, "type": {"docs"}}.Matches(tags))

	// OR across filters
	filters := []MemoryFilter{{"user": {"Blake"}}, {"user": {"Taylor"}}}
	assert.True(t, MatchesAny(filters, tags))
	assert.False(t, MatchesAny([]MemoryFilter{{"user": {"Blake"}}}, tags))

	// Empty filters are dropped
	assert.True(t, MatchesAny(nil, tags))
	assert.True(t, MatchesAny([]MemoryFilter{{}}, tags))
	assert.True(t, MatchesAny([]MemoryFilter{{"user": {""}}}, tags))
}

func TestOperationStepNames(t *testing.T) {
	assert.Equal(t, "index:qdrant-1", IndexStep("qdrant-1"))
	assert.Equal(t, "index:qdrant-1:delete", IndexDeleteStep("qdrant-1"))

	id, remove, ok := ParseIndexStep("index:qdrant-1")
	require.True(t, ok)
	assert.Equal(t, "qdrant-1", id)
	assert.False(t, remove)

	id, remove, ok = ParseIndexStep("index:pg:delete")
	require.True(t, ok)
	assert.Equal(t, "pg", id)
	assert.True(t, remove)

	_, _, ok = ParseIndexStep("upsert")
	assert.False(t, ok)
}

func TestOperationHelpers(t *testing.T) {
	op := &Operation{
		ID:             "op1",
		PlannedSteps:   []string{OpStepUpsert, IndexStep("a")},
		RemainingSteps: []string{OpStepUpsert, IndexStep("a")},
	}
	assert.True(t, op.IsUpsert())
	assert.False(t, op.Locked())

	require.NoError(t, op.MoveToCompleted(OpStepUpsert))
	assert.Error(t, op.MoveToCompleted("index:b"))
	require.NoError(t, op.MoveToCompleted(IndexStep("a")))
	assert.Empty(t, op.RemainingSteps)

	del := &Operation{PlannedSteps: []string{OpStepDelete, IndexDeleteStep("a")}}
	assert.False(t, del.IsUpsert())
}

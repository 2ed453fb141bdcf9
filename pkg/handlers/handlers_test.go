package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/memoir/pkg/ai"
	"github.com/cuemby/memoir/pkg/blob"
	"github.com/cuemby/memoir/pkg/chunker"
	"github.com/cuemby/memoir/pkg/contentops"
	"github.com/cuemby/memoir/pkg/events"
	"github.com/cuemby/memoir/pkg/extract"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/memory"
	"github.com/cuemby/memoir/pkg/pipeline"
	"github.com/cuemby/memoir/pkg/storage"
	"github.com/cuemby/memoir/pkg/types"
)

type fakeEmbedder struct {
	model string
	calls int
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) CountTokens(text string) int { return (len(text) + 3) / 4 }
func (f *fakeEmbedder) MaxTokens() int              { return 8191 }

func (f *fakeEmbedder) Model() string {
	if f.model != "" {
		return f.model
	}
	return "fake-embed"
}

type fakeGenerator struct {
	answer string
	prompt string
}

func (f *fakeGenerator) GenerateText(ctx context.Context, prompt string, opts ai.Options) (<-chan ai.StreamChunk, error) {
	f.prompt = prompt
	ch := make(chan ai.StreamChunk, 1)
	ch <- ai.StreamChunk{Text: f.answer}
	close(ch)
	return ch, nil
}

func (f *fakeGenerator) CountTokens(text string) int { return (len(text) + 3) / 4 }
func (f *fakeGenerator) MaxTokens() int              { return 8000 }
func (f *fakeGenerator) Model() string               { return "fake-gen" }

func newBlobs(t *testing.T) blob.Store {
	t.Helper()
	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func newManifest(files ...*types.FileDetails) *types.Pipeline {
	now := time.Now().UTC()
	return &types.Pipeline{
		Index:          "default",
		DocumentID:     "doc1",
		ExecutionID:    "exec1",
		Steps:          types.DefaultSteps(),
		RemainingSteps: types.DefaultSteps(),
		Files:          files,
		Tags:           types.TagCollection{"user": {"alice"}},
		CreationTime:   now,
		LastUpdate:     now,
	}
}

func uploadFile(t *testing.T, blobs blob.Store, p *types.Pipeline, name, mimeType, content string) *types.FileDetails {
	t.Helper()
	require.NoError(t, blobs.Write(context.Background(), p.Index, p.DocumentID, name, []byte(content)))
	f := &types.FileDetails{
		ID:   newFileID(),
		Name: name,
		Size: int64(len(content)),
		Mime: mimeType,
	}
	p.Files = append(p.Files, f)
	return f
}

func generatedOfType(p *types.Pipeline, at types.ArtifactType) []*types.FileDetails {
	var out []*types.FileDetails
	_ = forEachFile(p, func(f *types.FileDetails) error {
		if f.ArtifactType == at {
			out = append(out, f)
		}
		return nil
	})
	return out
}

func TestExtractDecodesUploads(t *testing.T) {
	blobs := newBlobs(t)
	p := newManifest()
	uploadFile(t, blobs, p, "notes.txt", "text/plain", "hello world")

	h := NewExtractHandler(blobs, extract.NewRegistry(), log.Nop())
	out, outcome, err := h.Handle(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)

	texts := generatedOfType(out, types.ArtifactText)
	require.Len(t, texts, 1)
	assert.Equal(t, "notes.txt.extract.0.md", texts[0].Name)

	data, err := blobs.Read(context.Background(), "default", "doc1", texts[0].Name)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.True(t, out.Files[0].WasProcessedBy(types.StepExtract))
}

func TestExtractUnsupportedMimeIsPermanent(t *testing.T) {
	blobs := newBlobs(t)
	p := newManifest()
	uploadFile(t, blobs, p, "video.mp4", "video/mp4", "....")

	h := NewExtractHandler(blobs, extract.NewRegistry(), log.Nop())
	_, outcome, err := h.Handle(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, pipeline.OutcomePermanent, outcome)
}

func TestExtractIsIdempotent(t *testing.T) {
	blobs := newBlobs(t)
	p := newManifest()
	uploadFile(t, blobs, p, "notes.txt", "text/plain", "hello")

	h := NewExtractHandler(blobs, extract.NewRegistry(), log.Nop())
	out, _, err := h.Handle(context.Background(), p)
	require.NoError(t, err)
	out, _, err = h.Handle(context.Background(), out)
	require.NoError(t, err)

	assert.Len(t, generatedOfType(out, types.ArtifactText), 1)
}

func TestPartitionSplitsLongText(t *testing.T) {
	blobs := newBlobs(t)
	p := newManifest()
	f := uploadFile(t, blobs, p, "book.txt", "text/plain", "")

	var sb strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&sb, "Paragraph %d holds a few facts about the subject at hand.\n\n", i)
	}
	text := sb.String()
	require.NoError(t, blobs.Write(context.Background(), "default", "doc1", "book.txt.extract.0.md", []byte(text)))
	f.AddGeneratedFile(&types.FileDetails{
		ID:           newFileID(),
		Name:         "book.txt.extract.0.md",
		Size:         int64(len(text)),
		Mime:         "text/markdown",
		ArtifactType: types.ArtifactText,
	})

	h := NewPartitionHandler(blobs, &fakeEmbedder{}, chunker.Options{MaxTokens: 100, OverlapTokens: 10}, log.Nop())
	out, outcome, err := h.Handle(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)

	parts := generatedOfType(out, types.ArtifactTextPartition)
	require.Greater(t, len(parts), 1)
	for _, part := range parts {
		assert.True(t, part.WasProcessedBy(types.StepPartition))
		data, err := blobs.Read(context.Background(), "default", "doc1", part.Name)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}

	// A second pass must not re-split anything
	out, _, err = h.Handle(context.Background(), out)
	require.NoError(t, err)
	assert.Len(t, generatedOfType(out, types.ArtifactTextPartition), len(parts))
}

func TestSummarizeCreatesSyntheticArtifact(t *testing.T) {
	blobs := newBlobs(t)
	p := newManifest()
	f := uploadFile(t, blobs, p, "notes.txt", "text/plain", "")
	require.NoError(t, blobs.Write(context.Background(), "default", "doc1", "notes.txt.extract.0.md", []byte("A long report about logistics.")))
	f.AddGeneratedFile(&types.FileDetails{
		ID:           newFileID(),
		Name:         "notes.txt.extract.0.md",
		Size:         30,
		Mime:         "text/markdown",
		ArtifactType: types.ArtifactText,
	})

	gen := &fakeGenerator{answer: "Logistics report summary."}
	h := NewSummarizeHandler(blobs, gen, log.Nop())
	out, outcome, err := h.Handle(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)
	assert.Contains(t, gen.prompt, "A long report about logistics.")

	synth := generatedOfType(out, types.ArtifactSyntheticData)
	require.Len(t, synth, 1)
	assert.Equal(t, SyntheticSummary, synth[0].Tags.First(types.TagSynthetic))
	assert.True(t, synth[0].WasProcessedBy(types.StepSummarize))

	data, err := blobs.Read(context.Background(), "default", "doc1", synth[0].Name)
	require.NoError(t, err)
	assert.Equal(t, "Logistics report summary.", string(data))
}

func TestGenAndSaveEmbeddings(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	p := newManifest()
	f := uploadFile(t, blobs, p, "notes.txt", "text/plain", "")

	extracted := &types.FileDetails{
		ID:           newFileID(),
		Name:         "notes.txt.extract.0.md",
		Mime:         "text/markdown",
		ArtifactType: types.ArtifactText,
	}
	f.AddGeneratedFile(extracted)
	for i, text := range []string{"first part", "second part"} {
		name := artifactName(extracted.Name, types.StepPartition, i, "md")
		require.NoError(t, blobs.Write(ctx, "default", "doc1", name, []byte(text)))
		part := &types.FileDetails{
			ID:           newFileID(),
			Name:         name,
			Size:         int64(len(text)),
			Mime:         "text/markdown",
			ArtifactType: types.ArtifactTextPartition,
			PartitionN:   i,
		}
		part.MarkProcessedBy(types.StepPartition)
		extracted.AddGeneratedFile(part)
	}

	emb := &fakeEmbedder{}
	gh := NewGenEmbeddingsHandler(blobs, []ai.Embedder{emb}, log.Nop())
	out, outcome, err := gh.Handle(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)
	assert.Equal(t, 1, emb.calls)

	artifacts := generatedOfType(out, types.ArtifactTextEmbeddingVector)
	require.Len(t, artifacts, 2)

	db, err := memory.NewLocalDb(t.TempDir())
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	engine := contentops.NewEngine(store, broker, log.Nop(), contentops.NewVectorIndexer("vec", db))

	sh := NewSaveEmbeddingsHandler(blobs, engine, log.Nop())
	out, outcome, err = sh.Handle(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)

	records, err := db.List(ctx, "default", 10, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.True(t, strings.HasPrefix(rec.ID, "mem-"))
		assert.Equal(t, "doc1", rec.Tags.First(types.TagDocumentID))
		assert.Equal(t, "alice", rec.Tags.First("user"))
		assert.Equal(t, "notes.txt", rec.Payload[types.PayloadFileName])
	}

	// Replaying the save step changes nothing: ids are stable, files marked
	out, _, err = sh.Handle(ctx, out)
	require.NoError(t, err)
	records, err = db.List(ctx, "default", 10, nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestDeleteDocumentHandler(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	db, err := memory.NewLocalDb(t.TempDir())
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	engine := contentops.NewEngine(store, broker, log.Nop(), contentops.NewVectorIndexer("vec", db))

	// Seed two records of doc1 and one of doc2 through the engine
	require.NoError(t, db.CreateIndex(ctx, "default", 3))
	for _, seed := range []struct{ id, doc string }{
		{"r1", "doc1"}, {"r2", "doc1"}, {"r3", "doc2"},
	} {
		rec := types.MemoryRecord{
			ID:     seed.id,
			Vector: []float32{1, 0, 0},
			Tags:   types.TagCollection{types.TagDocumentID: {seed.doc}},
		}
		content, err := json.Marshal(rec)
		require.NoError(t, err)
		_, err = engine.Upsert(ctx, &types.ContentRecord{
			ID:       seed.id,
			Content:  content,
			Metadata: map[string]string{contentops.MetaIndexName: "default"},
		})
		require.NoError(t, err)
	}
	require.NoError(t, blobs.Write(ctx, "default", "doc1", "notes.txt", []byte("x")))

	h := NewDeleteDocumentHandler(db, engine, blobs, broker, log.Nop())
	p := newManifest()
	p.Steps = []string{types.StepDeleteDocument}
	p.RemainingSteps = []string{types.StepDeleteDocument}
	_, outcome, err := h.Handle(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)

	records, err := db.List(ctx, "default", 10, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r3", records[0].ID)

	_, err = blobs.Read(ctx, "default", "doc1", "notes.txt")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestDeleteIndexHandler(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	db, err := memory.NewLocalDb(t.TempDir())
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	engine := contentops.NewEngine(store, broker, log.Nop(), contentops.NewVectorIndexer("vec", db))

	require.NoError(t, db.CreateIndex(ctx, "project-x", 3))
	rec := types.MemoryRecord{ID: "r1", Vector: []float32{1, 0, 0}}
	content, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = engine.Upsert(ctx, &types.ContentRecord{
		ID:       "r1",
		Content:  content,
		Metadata: map[string]string{contentops.MetaIndexName: "project-x"},
	})
	require.NoError(t, err)
	require.NoError(t, blobs.Write(ctx, "project-x", "doc1", "notes.txt", []byte("x")))

	h := NewDeleteIndexHandler(db, engine, blobs, broker, log.Nop())
	p := newManifest()
	p.Index = "project-x"
	p.Steps = []string{types.StepDeleteIndex}
	p.RemainingSteps = []string{types.StepDeleteIndex}
	_, outcome, err := h.Handle(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome)

	names, err := db.ListIndexes(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "project-x")
}

func TestRecordIDIsStable(t *testing.T) {
	src := "notes.txt.extract.0.md.partition.3.md"
	a := recordID("default", "doc1", src, 3, "model-a")
	b := recordID("default", "doc1", src, 3, "model-a")
	c := recordID("default", "doc1", src, 4, "model-a")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "mem-"))
}

// Regenerating embeddings for the same document must address the same
// records: the id depends only on the artifact name, never on the per-run
// file ids.
func TestEmbeddingRecordIDsSurviveReruns(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	db, err := memory.NewLocalDb(t.TempDir())
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	engine := contentops.NewEngine(store, broker, log.Nop(), contentops.NewVectorIndexer("vec", db))

	run := func() {
		p := newManifest()
		f := uploadFile(t, blobs, p, "notes.txt", "text/plain", "")
		extracted := &types.FileDetails{
			ID:           newFileID(),
			Name:         "notes.txt.extract.0.md",
			Mime:         "text/markdown",
			ArtifactType: types.ArtifactText,
		}
		f.AddGeneratedFile(extracted)
		name := artifactName(extracted.Name, types.StepPartition, 0, "md")
		require.NoError(t, blobs.Write(ctx, "default", "doc1", name, []byte("stable text")))
		part := &types.FileDetails{
			ID:           newFileID(),
			Name:         name,
			Mime:         "text/markdown",
			ArtifactType: types.ArtifactTextPartition,
		}
		part.MarkProcessedBy(types.StepPartition)
		extracted.AddGeneratedFile(part)

		out, _, err := NewGenEmbeddingsHandler(blobs, []ai.Embedder{&fakeEmbedder{}}, log.Nop()).Handle(ctx, p)
		require.NoError(t, err)
		_, _, err = NewSaveEmbeddingsHandler(blobs, engine, log.Nop()).Handle(ctx, out)
		require.NoError(t, err)
	}

	run()
	first, err := db.List(ctx, "default", 10, nil)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A fresh manifest mints fresh file ids; the record id must not change
	run()
	second, err := db.List(ctx, "default", 10, nil)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestRootFileName(t *testing.T) {
	p := newManifest()
	root := &types.FileDetails{ID: "u1", Name: "report.docx"}
	p.Files = append(p.Files, root)
	extracted := &types.FileDetails{ID: "e1", Name: "report.docx.extract.0.md"}
	root.AddGeneratedFile(extracted)
	part := &types.FileDetails{ID: "p1", Name: "report.docx.extract.0.md.partition.0.md"}
	extracted.AddGeneratedFile(part)

	assert.Equal(t, "report.docx", rootFileName(p, part))
}

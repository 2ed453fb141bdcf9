package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/ai"
	"github.com/cuemby/memoir/pkg/blob"
	"github.com/cuemby/memoir/pkg/contentops"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/pipeline"
	"github.com/cuemby/memoir/pkg/types"
)

// embeddingArtifact is the JSON blob bridging embedding generation and
// persistence. Keeping the text and vector together makes the save step a
// pure storage write that can replay without calling the model again.
type embeddingArtifact struct {
	Model          string    `json:"model"`
	SourceFileID   string    `json:"source_file_id"`
	SourceName     string    `json:"source_name"`
	SourceFileName string    `json:"source_file_name"`
	Partition      int       `json:"partition"`
	Section        int       `json:"section"`
	Synthetic      string    `json:"synthetic,omitempty"`
	Text           string    `json:"text"`
	Vector         []float32 `json:"vector"`
}

// GenEmbeddingsHandler turns every text partition and synthetic artifact
// into one embedding artifact per configured embedder.
type GenEmbeddingsHandler struct {
	blobs     blob.Store
	embedders []ai.Embedder
	log       zerolog.Logger
}

func NewGenEmbeddingsHandler(blobs blob.Store, embedders []ai.Embedder, logger zerolog.Logger) *GenEmbeddingsHandler {
	return &GenEmbeddingsHandler{
		blobs:     blobs,
		embedders: embedders,
		log:       log.WithComponent(logger, "gen-embeddings"),
	}
}

func (h *GenEmbeddingsHandler) Step() string {
	return types.StepGenEmbeddings
}

func (h *GenEmbeddingsHandler) Handle(ctx context.Context, p *types.Pipeline) (*types.Pipeline, pipeline.Outcome, error) {
	if len(h.embedders) == 0 {
		return nil, pipeline.OutcomePermanent, fmt.Errorf("no embedding generators configured")
	}

	// Gather pending targets first so each embedder gets one batched call
	var targets []*types.FileDetails
	var texts []string
	err := forEachFile(p, func(f *types.FileDetails) error {
		if f.ArtifactType != types.ArtifactTextPartition && f.ArtifactType != types.ArtifactSyntheticData {
			return nil
		}
		if f.WasProcessedBy(h.Step()) {
			return nil
		}
		data, err := h.blobs.Read(ctx, p.Index, p.DocumentID, f.Name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		targets = append(targets, f)
		texts = append(texts, string(data))
		return nil
	})
	if err != nil {
		return nil, pipeline.OutcomeTransient, err
	}
	if len(targets) == 0 {
		return p, pipeline.OutcomeSuccess, nil
	}

	for ei, embedder := range h.embedders {
		vectors, err := embedder.EmbedText(ctx, texts)
		if err != nil {
			return nil, pipeline.OutcomeTransient, fmt.Errorf("embedding with %s failed: %w", embedder.Model(), err)
		}
		if len(vectors) != len(texts) {
			return nil, pipeline.OutcomePermanent,
				fmt.Errorf("embedder %s returned %d vectors for %d inputs", embedder.Model(), len(vectors), len(texts))
		}

		for i, f := range targets {
			art := embeddingArtifact{
				Model:          embedder.Model(),
				SourceFileID:   f.ID,
				SourceName:     f.Name,
				SourceFileName: rootFileName(p, f),
				Partition:      f.PartitionN,
				Section:        f.SectionN,
				Synthetic:      f.Tags.First(types.TagSynthetic),
				Text:           texts[i],
				Vector:         vectors[i],
			}
			payload, err := json.Marshal(art)
			if err != nil {
				return nil, pipeline.OutcomePermanent, err
			}

			name := artifactName(f.Name, h.Step(), ei, "json")
			if err := h.blobs.Write(ctx, p.Index, p.DocumentID, name, payload); err != nil {
				return nil, pipeline.OutcomeTransient, fmt.Errorf("failed to store embedding: %w", err)
			}
			f.AddGeneratedFile(&types.FileDetails{
				ID:           newFileID(),
				Name:         name,
				Size:         int64(len(payload)),
				Mime:         "application/json",
				ArtifactType: types.ArtifactTextEmbeddingVector,
				PartitionN:   f.PartitionN,
				SectionN:     f.SectionN,
				Tags:         f.Tags.Clone(),
			})
		}
	}
	for _, f := range targets {
		f.MarkProcessedBy(h.Step())
	}

	h.log.Debug().Int("partitions", len(targets)).Int("embedders", len(h.embedders)).Msg("generated embeddings")
	return p, pipeline.OutcomeSuccess, nil
}

// rootFileName walks parent links up to the originally uploaded file
func rootFileName(p *types.Pipeline, f *types.FileDetails) string {
	for f.ParentID != "" {
		parent := p.GetFile(f.ParentID)
		if parent == nil {
			break
		}
		f = parent
	}
	return f.Name
}

// SaveEmbeddingsHandler persists every embedding artifact as a memory
// record through the write engine, which fans the record out to the
// configured vector indexes.
type SaveEmbeddingsHandler struct {
	blobs  blob.Store
	engine *contentops.Engine
	log    zerolog.Logger
}

func NewSaveEmbeddingsHandler(blobs blob.Store, engine *contentops.Engine, logger zerolog.Logger) *SaveEmbeddingsHandler {
	return &SaveEmbeddingsHandler{
		blobs:  blobs,
		engine: engine,
		log:    log.WithComponent(logger, "save-embeddings"),
	}
}

func (h *SaveEmbeddingsHandler) Step() string {
	return types.StepSaveEmbeddings
}

func (h *SaveEmbeddingsHandler) Handle(ctx context.Context, p *types.Pipeline) (*types.Pipeline, pipeline.Outcome, error) {
	saved := 0
	var outcome = pipeline.OutcomeSuccess
	err := forEachFile(p, func(f *types.FileDetails) error {
		if f.ArtifactType != types.ArtifactTextEmbeddingVector {
			return nil
		}
		if f.WasProcessedBy(h.Step()) {
			return nil
		}

		data, err := h.blobs.Read(ctx, p.Index, p.DocumentID, f.Name)
		if err != nil {
			outcome = pipeline.OutcomeTransient
			return fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		var art embeddingArtifact
		if err := json.Unmarshal(data, &art); err != nil {
			outcome = pipeline.OutcomePermanent
			return fmt.Errorf("corrupt embedding artifact %s: %w", f.Name, err)
		}

		record := types.MemoryRecord{
			ID:     recordID(p.Index, p.DocumentID, art.SourceName, art.Partition, art.Model),
			Vector: art.Vector,
			Tags:   systemTags(p.Tags, p.DocumentID, art.SourceFileID, art.Partition, art.Synthetic),
			Payload: map[string]any{
				types.PayloadFileName:   art.SourceFileName,
				types.PayloadText:       art.Text,
				types.PayloadSection:    art.Section,
				types.PayloadModel:      art.Model,
				types.PayloadLastUpdate: time.Now().UTC().Format(time.RFC3339),
			},
		}
		if art.Synthetic != "" {
			record.Payload[types.PayloadSynthetic] = art.Synthetic
		}

		content, err := json.Marshal(record)
		if err != nil {
			outcome = pipeline.OutcomePermanent
			return err
		}
		if _, err := h.engine.Upsert(ctx, &types.ContentRecord{
			ID:       record.ID,
			Content:  content,
			Mime:     "application/json",
			ByteSize: int64(len(content)),
			Tags:     record.Tags,
			Metadata: map[string]string{contentops.MetaIndexName: p.Index},
		}); err != nil {
			outcome = pipeline.OutcomeTransient
			return fmt.Errorf("failed to save record %s: %w", record.ID, err)
		}

		f.MarkProcessedBy(h.Step())
		saved++
		return nil
	})
	if err != nil {
		return nil, outcome, err
	}

	h.log.Debug().Int("records", saved).Str("index", p.Index).Msg("saved embeddings")
	return p, pipeline.OutcomeSuccess, nil
}

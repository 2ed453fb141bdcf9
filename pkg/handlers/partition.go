package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/ai"
	"github.com/cuemby/memoir/pkg/blob"
	"github.com/cuemby/memoir/pkg/chunker"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/pipeline"
	"github.com/cuemby/memoir/pkg/types"
)

// PartitionHandler splits extracted text into token-bounded partitions
// sized for the embedding model's input window.
type PartitionHandler struct {
	blobs    blob.Store
	embedder ai.Embedder
	opts     chunker.Options
	log      zerolog.Logger
}

func NewPartitionHandler(blobs blob.Store, embedder ai.Embedder, opts chunker.Options, logger zerolog.Logger) *PartitionHandler {
	if opts.MaxTokens <= 0 {
		opts = chunker.DefaultOptions()
	}
	// Never size partitions beyond what the embedder accepts
	if max := embedder.MaxTokens(); opts.MaxTokens > max {
		opts.MaxTokens = max
	}
	return &PartitionHandler{
		blobs:    blobs,
		embedder: embedder,
		opts:     opts,
		log:      log.WithComponent(logger, "partition"),
	}
}

func (h *PartitionHandler) Step() string {
	return types.StepPartition
}

func (h *PartitionHandler) Handle(ctx context.Context, p *types.Pipeline) (*types.Pipeline, pipeline.Outcome, error) {
	var outcome = pipeline.OutcomeSuccess
	err := forEachFile(p, func(f *types.FileDetails) error {
		if f.ArtifactType != types.ArtifactText && f.ArtifactType != types.ArtifactSyntheticData {
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

		chunks := chunker.Split(string(data), h.opts, h.embedder.CountTokens)
		for _, c := range chunks {
			name := artifactName(f.Name, h.Step(), c.Index, "md")
			if err := h.blobs.Write(ctx, p.Index, p.DocumentID, name, []byte(c.Text)); err != nil {
				outcome = pipeline.OutcomeTransient
				return fmt.Errorf("failed to store partition: %w", err)
			}
			gf := &types.FileDetails{
				ID:           newFileID(),
				Name:         name,
				Size:         int64(len(c.Text)),
				Mime:         "text/markdown",
				ArtifactType: types.ArtifactTextPartition,
				PartitionN:   c.Index,
				Tags:         f.Tags.Clone(),
			}
			if f.ArtifactType == types.ArtifactSyntheticData {
				gf.ArtifactType = types.ArtifactSyntheticData
			}
			// A partition is final; it must never be re-split
			gf.MarkProcessedBy(h.Step())
			f.AddGeneratedFile(gf)
		}
		f.MarkProcessedBy(h.Step())

		h.log.Debug().Str("file", f.Name).Int("partitions", len(chunks)).Msg("partitioned text")
		return nil
	})
	if err != nil {
		return nil, outcome, err
	}
	return p, pipeline.OutcomeSuccess, nil
}

package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/blob"
	"github.com/cuemby/memoir/pkg/extract"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/pipeline"
	"github.com/cuemby/memoir/pkg/types"
)

// ExtractHandler decodes every uploaded file into plain text or markdown.
// Unsupported content types fail the pipeline permanently: retrying cannot
// make a format decodable.
type ExtractHandler struct {
	blobs    blob.Store
	decoders *extract.Registry
	log      zerolog.Logger
}

func NewExtractHandler(blobs blob.Store, decoders *extract.Registry, logger zerolog.Logger) *ExtractHandler {
	return &ExtractHandler{
		blobs:    blobs,
		decoders: decoders,
		log:      log.WithComponent(logger, "extract"),
	}
}

func (h *ExtractHandler) Step() string {
	return types.StepExtract
}

func (h *ExtractHandler) Handle(ctx context.Context, p *types.Pipeline) (*types.Pipeline, pipeline.Outcome, error) {
	for _, f := range p.Files {
		if f.WasProcessedBy(h.Step()) {
			continue
		}

		decoder, err := h.decoders.DecoderFor(f.Mime)
		if err != nil {
			if errors.Is(err, extract.ErrUnsupportedMime) {
				return nil, pipeline.OutcomePermanent, fmt.Errorf("file %s: %w", f.Name, err)
			}
			return nil, pipeline.OutcomeTransient, err
		}

		data, err := h.blobs.Read(ctx, p.Index, p.DocumentID, f.Name)
		if err != nil {
			return nil, pipeline.OutcomeTransient, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}

		text, err := decoder.Decode(ctx, data)
		if err != nil {
			// A decoder that rejects its own content type cannot succeed on
			// a retry either.
			return nil, pipeline.OutcomePermanent, fmt.Errorf("failed to decode %s: %w", f.Name, err)
		}

		name := artifactName(f.Name, h.Step(), 0, "md")
		if err := h.blobs.Write(ctx, p.Index, p.DocumentID, name, []byte(text)); err != nil {
			return nil, pipeline.OutcomeTransient, fmt.Errorf("failed to store extracted text: %w", err)
		}

		f.AddGeneratedFile(&types.FileDetails{
			ID:           newFileID(),
			Name:         name,
			Size:         int64(len(text)),
			Mime:         "text/markdown",
			ArtifactType: types.ArtifactText,
		})
		f.MarkProcessedBy(h.Step())

		h.log.Debug().Str("file", f.Name).Int("chars", len(text)).Msg("extracted text")
	}
	return p, pipeline.OutcomeSuccess, nil
}

package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/ai"
	"github.com/cuemby/memoir/pkg/blob"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/pipeline"
	"github.com/cuemby/memoir/pkg/types"
)

// SyntheticSummary is the __synth tag value stamped on summary records so
// search filters can include or exclude them.
const SyntheticSummary = "summary"

const summaryPrompt = `Summarize the following text in a few paragraphs, keeping every important fact, name, date and number.

Text:
%s

Summary: `

// summaryResponseTokens bounds the generated summary length
const summaryResponseTokens = 1024

// SummarizeHandler condenses each extracted text into a synthetic summary
// that is embedded alongside the verbatim partitions. Summaries answer broad
// questions the individual partitions are too narrow for.
type SummarizeHandler struct {
	blobs     blob.Store
	generator ai.Generator
	log       zerolog.Logger
}

func NewSummarizeHandler(blobs blob.Store, generator ai.Generator, logger zerolog.Logger) *SummarizeHandler {
	return &SummarizeHandler{
		blobs:     blobs,
		generator: generator,
		log:       log.WithComponent(logger, "summarize"),
	}
}

func (h *SummarizeHandler) Step() string {
	return types.StepSummarize
}

func (h *SummarizeHandler) Handle(ctx context.Context, p *types.Pipeline) (*types.Pipeline, pipeline.Outcome, error) {
	var outcome = pipeline.OutcomeSuccess
	err := forEachFile(p, func(f *types.FileDetails) error {
		if f.ArtifactType != types.ArtifactText {
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

		summary, err := h.summarize(ctx, string(data))
		if err != nil {
			outcome = pipeline.OutcomeTransient
			return fmt.Errorf("failed to summarize %s: %w", f.Name, err)
		}

		name := artifactName(f.Name, h.Step(), 0, "md")
		if err := h.blobs.Write(ctx, p.Index, p.DocumentID, name, []byte(summary)); err != nil {
			outcome = pipeline.OutcomeTransient
			return fmt.Errorf("failed to store summary: %w", err)
		}

		gf := &types.FileDetails{
			ID:           newFileID(),
			Name:         name,
			Size:         int64(len(summary)),
			Mime:         "text/markdown",
			ArtifactType: types.ArtifactSyntheticData,
			Tags: types.TagCollection{
				types.TagSynthetic: []string{SyntheticSummary},
			},
		}
		// The summary itself must never be summarized again
		gf.MarkProcessedBy(h.Step())
		f.AddGeneratedFile(gf)
		f.MarkProcessedBy(h.Step())

		h.log.Debug().Str("file", f.Name).Int("chars", len(summary)).Msg("generated summary")
		return nil
	})
	if err != nil {
		return nil, outcome, err
	}
	return p, pipeline.OutcomeSuccess, nil
}

func (h *SummarizeHandler) summarize(ctx context.Context, text string) (string, error) {
	// Leave room for the prompt scaffolding and the response
	budget := h.generator.MaxTokens() - summaryResponseTokens - h.generator.CountTokens(summaryPrompt)
	if budget < 1 {
		return "", fmt.Errorf("model window of %d tokens too small to summarize", h.generator.MaxTokens())
	}
	text = truncateToTokens(text, budget, h.generator.CountTokens)

	stream, err := h.generator.GenerateText(ctx, fmt.Sprintf(summaryPrompt, text), ai.Options{
		MaxTokens:   summaryResponseTokens,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	summary, err := ai.CollectText(stream)
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summary, nil
}

// truncateToTokens trims text to fit the token budget, cutting on rune
// boundaries. Counting is approximate, so the cut backs off iteratively.
func truncateToTokens(text string, budget int, count func(string) int) string {
	for count(text) > budget {
		runes := []rune(text)
		keep := len(runes) * 9 / 10
		if keep == len(runes) {
			keep = len(runes) - 1
		}
		if keep <= 0 {
			return ""
		}
		text = string(runes[:keep])
	}
	return text
}

package ai

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cuemby/memoir/pkg/config"
)

const (
	defaultAnthropicMaxTokens = 200000
	anthropicResponseTokens   = 1024
)

// AnthropicClient implements Generator against the Anthropic API. Anthropic
// has no embeddings endpoint, so the client does not implement Embedder.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func NewAnthropicClient(cfg config.AIConfig) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey())}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (c *AnthropicClient) GenerateText(ctx context.Context, prompt string, opts Options) (<-chan StreamChunk, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicResponseTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if opts.NucleusSampling > 0 {
		params.TopP = anthropic.Float(opts.NucleusSampling)
	}
	if len(opts.StopSequences) > 0 {
		params.StopSequences = opts.StopSequences
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						select {
						case out <- StreamChunk{Text: delta.Text}:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case out <- StreamChunk{Err: fmt.Errorf("generation failed: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (c *AnthropicClient) CountTokens(text string) int {
	return approxTokens(text)
}

func (c *AnthropicClient) MaxTokens() int {
	return c.maxTokens
}

func (c *AnthropicClient) Model() string {
	return c.model
}

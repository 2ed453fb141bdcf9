package ai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/cuemby/memoir/pkg/config"
	"github.com/cuemby/memoir/pkg/metrics"
)

const defaultOpenAIMaxTokens = 8191

// OpenAIClient implements both Embedder and Generator against the OpenAI
// API or any compatible endpoint.
type OpenAIClient struct {
	client    openai.Client
	model     string
	maxTokens int
}

func NewOpenAIClient(cfg config.AIConfig) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey())}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultOpenAIMaxTokens
	}
	return &OpenAIClient{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (c *OpenAIClient) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		vectors[d.Index] = vec
	}
	metrics.EmbeddingsGeneratedTotal.WithLabelValues(c.model).Add(float64(len(texts)))
	return vectors, nil
}

func (c *OpenAIClient) GenerateText(ctx context.Context, prompt string, opts Options) (<-chan StreamChunk, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.NucleusSampling > 0 {
		params.TopP = openai.Float(opts.NucleusSampling)
	}
	if len(opts.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: opts.StopSequences}
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				select {
				case out <- StreamChunk{Text: text}:
				case <-ctx.Done():
					return
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

func (c *OpenAIClient) CountTokens(text string) int {
	return approxTokens(text)
}

func (c *OpenAIClient) MaxTokens() int {
	return c.maxTokens
}

func (c *OpenAIClient) Model() string {
	return c.model
}

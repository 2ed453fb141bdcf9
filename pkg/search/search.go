package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/ai"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/memory"
	"github.com/cuemby/memoir/pkg/metrics"
	"github.com/cuemby/memoir/pkg/types"
)

// NotFound is the sentinel answer returned when no relevant memories back
// the question.
const NotFound = "INFO NOT FOUND"

const (
	defaultLimit        = 10
	defaultMinRelevance = 0.5

	// answerReserveTokens keeps room in the context window for the answer
	answerReserveTokens = 500
)

// Options narrows an Ask or Search call
type Options struct {
	Filters      []types.MemoryFilter
	MinRelevance float64
	Limit        int
}

// Client answers questions from the memories stored in a vector index
type Client struct {
	db        memory.Db
	embedder  ai.Embedder
	generator ai.Generator
	log       zerolog.Logger
}

func NewClient(db memory.Db, embedder ai.Embedder, generator ai.Generator, logger zerolog.Logger) *Client {
	return &Client{
		db:        db,
		embedder:  embedder,
		generator: generator,
		log:       log.WithComponent(logger, "search"),
	}
}

// Search returns the raw partitions most similar to the query, best first
func (c *Client) Search(ctx context.Context, index, query string, opts Options) ([]types.SearchResult, error) {
	opts = opts.withDefaults()

	vectors, err := c.embedder.EmbedText(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := c.db.Search(ctx, index, vectors[0], memory.SearchOptions{
		Limit:        opts.Limit,
		MinRelevance: opts.MinRelevance,
		Filters:      opts.Filters,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return results, nil
}

// Ask retrieves relevant partitions, assembles them into a facts block
// bounded by the generator's context window, and generates a grounded
// answer with citations. An empty facts block returns the NotFound
// sentinel with no generation call.
func (c *Client) Ask(ctx context.Context, index, question string, opts Options) (*types.MemoryAnswer, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SearchDuration)

	results, err := c.Search(ctx, index, question, opts)
	if err != nil {
		return nil, err
	}

	facts, citations := c.assembleFacts(question, results)
	if facts == "" {
		metrics.SearchesTotal.WithLabelValues("no_result").Inc()
		return &types.MemoryAnswer{
			Question: question,
			Answer:   NotFound,
			NoResult: true,
		}, nil
	}

	prompt := fmt.Sprintf("Facts:\n%s\nQuestion: %s\nAnswer: ", facts, question)
	stream, err := c.generator.GenerateText(ctx, prompt, ai.Options{
		MaxTokens:   answerReserveTokens,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}
	answer, err := ai.CollectText(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	metrics.SearchesTotal.WithLabelValues("found").Inc()
	return &types.MemoryAnswer{
		Question:        question,
		Answer:          strings.TrimSpace(answer),
		RelevantSources: citations,
	}, nil
}

// assembleFacts concatenates partition texts best-first until the
// generator's context budget is spent, keeping one citation per fact used.
func (c *Client) assembleFacts(question string, results []types.SearchResult) (string, []types.Citation) {
	budget := c.generator.MaxTokens() - c.generator.CountTokens(question) - answerReserveTokens
	if budget <= 0 {
		return "", nil
	}

	var b strings.Builder
	var citations []types.Citation
	used := 0
	for _, r := range results {
		text, _ := r.Record.Payload[types.PayloadText].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		fileName, _ := r.Record.Payload[types.PayloadFileName].(string)

		fact := fmt.Sprintf("==== [source: %s; relevance: %.2f] ====\n%s\n", fileName, r.Relevance, text)
		cost := c.generator.CountTokens(fact)
		if used+cost > budget {
			break
		}
		b.WriteString(fact)
		used += cost

		var documentID string
		if ids := r.Record.Tags[types.TagDocumentID]; len(ids) > 0 {
			documentID = ids[0]
		}
		citations = append(citations, types.Citation{
			DocumentID: documentID,
			FileName:   fileName,
			Text:       text,
			Relevance:  r.Relevance,
		})
	}
	return b.String(), citations
}

func (o Options) withDefaults() Options {
	if o.Limit <= 0 {
		o.Limit = defaultLimit
	}
	if o.MinRelevance <= 0 {
		o.MinRelevance = defaultMinRelevance
	}
	return o
}

package ai

import (
	"context"
	"strings"
)

// Options tunes one text generation request
type Options struct {
	MaxTokens       int
	Temperature     float64
	NucleusSampling float64
	StopSequences   []string
}

// StreamChunk is one increment of a streamed generation. A chunk with a
// non-nil Err terminates the stream.
type StreamChunk struct {
	Text string
	Err  error
}

// Embedder turns text into vectors
type Embedder interface {
	// EmbedText returns one vector per input, in order
	EmbedText(ctx context.Context, texts []string) ([][]float32, error)

	// CountTokens estimates the token cost of a text
	CountTokens(text string) int

	// MaxTokens is the model's input window
	MaxTokens() int

	// Model names the embedding model, used to key generated records
	Model() string
}

// Generator produces text from a prompt, streamed as it arrives
type Generator interface {
	GenerateText(ctx context.Context, prompt string, opts Options) (<-chan StreamChunk, error)
	CountTokens(text string) int
	MaxTokens() int
	Model() string
}

// CollectText drains a generation stream into a single string
func CollectText(stream <-chan StreamChunk) (string, error) {
	var b strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return b.String(), chunk.Err
		}
		b.WriteString(chunk.Text)
	}
	return b.String(), nil
}

// approxTokens estimates tokens at four characters each, rounding up. Close
// enough for budgeting; exact counts would need the model's tokenizer.
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}

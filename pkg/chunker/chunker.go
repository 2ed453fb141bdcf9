package chunker

import (
	"strings"
)

// Options controls how text splits into partitions
type Options struct {
	// MaxTokens caps each partition's estimated token count
	MaxTokens int

	// OverlapTokens carries this many tokens of trailing context into the
	// next partition.
	OverlapTokens int
}

// DefaultOptions returns the partitioning defaults used by ingestion
func DefaultOptions() Options {
	return Options{MaxTokens: 1000, OverlapTokens: 100}
}

// Chunk is one partition of the input, in document order
type Chunk struct {
	Index int
	Text  string
}

// TokenCounter estimates the token cost of a text. Usually an Embedder.
type TokenCounter func(text string) int

// separators, strongest first. The splitter always prefers breaking at the
// strongest boundary that keeps fragments under the budget.
var separators = []string{"\n\n", "\n", ". ", "? ", "! ", "; ", ", ", " "}

// Split partitions text into token-bounded chunks, preferring paragraph
// boundaries, then sentences, clauses and words. Only a fragment with no
// usable boundary at all is cut mid-word.
func Split(text string, opts Options, count TokenCounter) []Chunk {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultOptions().MaxTokens
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	fragments := split(text, opts.MaxTokens, count, 0)

	// Merge fragments back up to the budget, then add overlap
	merged := merge(fragments, opts.MaxTokens, count)

	chunks := make([]Chunk, 0, len(merged))
	var prev string
	for i, m := range merged {
		body := m
		if i > 0 && opts.OverlapTokens > 0 {
			if tail := tailTokens(prev, opts.OverlapTokens, count); tail != "" {
				body = tail + " " + m
			}
		}
		chunks = append(chunks, Chunk{Index: i, Text: body})
		prev = m
	}
	return chunks
}

// split recursively breaks text at the strongest separator until every
// fragment fits the budget.
func split(text string, budget int, count TokenCounter, level int) []string {
	if count(text) <= budget {
		return []string{text}
	}
	if level >= len(separators) {
		return hardSplit(text, budget, count)
	}

	sep := separators[level]
	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		return split(text, budget, count, level+1)
	}

	var out []string
	for i, p := range parts {
		if i < len(parts)-1 {
			p += sep
		}
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, split(p, budget, count, level+1)...)
	}
	return out
}

// hardSplit cuts by runes when no separator exists, approximating the
// budget at four characters per token.
func hardSplit(text string, budget int, count TokenCounter) []string {
	runes := []rune(text)
	step := budget * 4
	if step <= 0 {
		step = 1
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + step
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// merge greedily packs adjacent fragments while they fit the budget
func merge(fragments []string, budget int, count TokenCounter) []string {
	var out []string
	var cur strings.Builder
	curTokens := 0
	for _, f := range fragments {
		t := count(f)
		if curTokens > 0 && curTokens+t > budget {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
			curTokens = 0
		}
		cur.WriteString(f)
		curTokens += t
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// tailTokens returns the last words of text up to the token budget
func tailTokens(text string, budget int, count TokenCounter) string {
	words := strings.Fields(text)
	start := len(words)
	tokens := 0
	for start > 0 {
		t := count(words[start-1])
		if tokens+t > budget {
			break
		}
		tokens += t
		start--
	}
	if start == len(words) {
		return ""
	}
	return strings.Join(words[start:], " ")
}

package ai

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApproxTokens(t *testing.T) {
	assert.Equal(t, 0, approxTokens(""))
	assert.Equal(t, 1, approxTokens("a"))
	assert.Equal(t, 1, approxTokens("abcd"))
	assert.Equal(t, 2, approxTokens("abcde"))
}

func TestCollectText(t *testing.T) {
	ch := make(chan StreamChunk, 3)
	ch <- StreamChunk{Text: "hello "}
	ch <- StreamChunk{Text: "world"}
	close(ch)

	text, err := CollectText(ch)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestCollectTextStopsOnError(t *testing.T) {
	ch := make(chan StreamChunk, 3)
	ch <- StreamChunk{Text: "partial"}
	ch <- StreamChunk{Err: errors.New("rate limited")}
	close(ch)

	text, err := CollectText(ch)
	assert.Error(t, err)
	assert.Equal(t, "partial", text)
}

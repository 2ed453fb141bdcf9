package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "default", "doc1", "report.txt", []byte("hello")))
	require.NoError(t, s.Write(ctx, "default", "doc1", "report.extract.0.md", []byte("# hello")))

	data, err := s.Read(ctx, "default", "doc1", "report.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = s.Read(ctx, "default", "doc1", "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := s.List(ctx, "default", "doc1")
	require.NoError(t, err)
	assert.Equal(t, []string{"report.extract.0.md", "report.txt"}, names)
}

func TestLocalStoreOverwrite(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "default", "doc1", "a.txt", []byte("v1")))
	require.NoError(t, s.Write(ctx, "default", "doc1", "a.txt", []byte("v2")))

	data, err := s.Read(ctx, "default", "doc1", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestLocalStoreDeletes(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "default", "doc1", "a.txt", []byte("a")))
	require.NoError(t, s.Write(ctx, "default", "doc2", "b.txt", []byte("b")))

	require.NoError(t, s.DeleteDocument(ctx, "default", "doc1"))
	_, err = s.Read(ctx, "default", "doc1", "a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing document is idempotent
	require.NoError(t, s.DeleteDocument(ctx, "default", "doc1"))

	require.NoError(t, s.DeleteIndex(ctx, "default"))
	names, err := s.List(ctx, "default", "doc2")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, s.Write(ctx, "default", "..", "a.txt", []byte("x")))
	assert.Error(t, s.Write(ctx, "default", "doc1", "../a.txt", []byte("x")))
	assert.Error(t, s.Write(ctx, "", "doc1", "a.txt", []byte("x")))
}

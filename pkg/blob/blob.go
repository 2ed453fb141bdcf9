package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when the requested artifact does not exist
var ErrNotFound = errors.New("artifact not found")

// Store holds pipeline artifacts: uploaded files and every file a step
// generates from them. Artifacts are addressed by (index, document, name)
// and deleting a document removes all of them at once.
type Store interface {
	// Write stores an artifact, replacing any previous version
	Write(ctx context.Context, index, documentID, name string, data []byte) error

	// Read returns the artifact contents, or ErrNotFound
	Read(ctx context.Context, index, documentID, name string) ([]byte, error)

	// List returns the artifact names stored for a document
	List(ctx context.Context, index, documentID string) ([]string, error)

	// DeleteDocument removes every artifact of a document. Deleting a
	// missing document is not an error.
	DeleteDocument(ctx context.Context, index, documentID string) error

	// DeleteIndex removes every document of an index
	DeleteIndex(ctx context.Context, index string) error
}

// validateKey rejects path components that would escape the document prefix
func validateKey(parts ...string) error {
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("empty artifact path component")
		}
		if strings.Contains(p, "/") || strings.Contains(p, "\\") || p == "." || p == ".." {
			return fmt.Errorf("invalid artifact path component %q", p)
		}
	}
	return nil
}

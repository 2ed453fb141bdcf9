package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/memoir/pkg/types"
)

// ErrIndexNotFound is returned for operations against a missing index
var ErrIndexNotFound = errors.New("index not found")

// SearchOptions narrows a similarity search
type SearchOptions struct {
	// Limit caps returned results. Non-positive means the backend default.
	Limit int

	// MinRelevance drops results scoring below the threshold
	MinRelevance float64

	// Filters are ORed; the equalities inside one filter are ANDed
	Filters []types.MemoryFilter

	// WithVectors includes the stored embedding in returned records
	WithVectors bool
}

// Db is a vector index backend. Relevance is cosine similarity mapped to
// [0,1] where 1 is an exact match, regardless of how the backend scores
// internally.
type Db interface {
	// CreateIndex creates a named index; creating an existing index is a
	// no-op.
	CreateIndex(ctx context.Context, index string, vectorSize int) error

	// DeleteIndex removes an index and all of its records. Deleting a
	// missing index is not an error.
	DeleteIndex(ctx context.Context, index string) error

	// ListIndexes returns the existing index names
	ListIndexes(ctx context.Context) ([]string, error)

	// Upsert inserts or replaces records by id
	Upsert(ctx context.Context, index string, records []types.MemoryRecord) error

	// Delete removes records by id. Missing ids are ignored.
	Delete(ctx context.Context, index string, recordIDs []string) error

	// Search returns records nearest to the query vector, best first
	Search(ctx context.Context, index string, vector []float32, opts SearchOptions) ([]types.SearchResult, error)

	// List returns records matching the filters without a query vector,
	// in unspecified order.
	List(ctx context.Context, index string, limit int, filters []types.MemoryFilter) ([]types.MemoryRecord, error)
}

// splitTagPair undoes the composite "key:value" tag encoding
func splitTagPair(pair string) (key, value string, ok bool) {
	i := strings.Index(pair, types.TagSeparator)
	if i <= 0 {
		return "", "", false
	}
	return pair[:i], pair[i+len(types.TagSeparator):], true
}

// maxIndexNameLen bounds normalized index names
const maxIndexNameLen = 128

// NormalizeIndexName maps a caller-supplied index name onto the charset
// every backend accepts: lowercase letters, digits and hyphens. Empty input
// maps to the default index.
func NormalizeIndexName(name string) (string, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return types.DefaultIndex, nil
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name = strings.Trim(b.String(), "-")
	if name == "" {
		return "", fmt.Errorf("index name normalizes to empty")
	}
	if len(name) > maxIndexNameLen {
		return "", fmt.Errorf("index name exceeds %d chars", maxIndexNameLen)
	}
	return name, nil
}

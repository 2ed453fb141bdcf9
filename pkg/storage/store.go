package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/memoir/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an optimistic-concurrency check fails
	ErrConflict = errors.New("concurrent update detected")
)

// Store is the durable state interface for pipeline manifests, content
// records and write operations. Implemented by BoltStore and PostgresStore.
type Store interface {
	// Pipelines
	PutPipeline(ctx context.Context, p *types.Pipeline) error
	SavePipeline(ctx context.Context, p *types.Pipeline) error // CAS on LastUpdate
	GetPipeline(ctx context.Context, index, documentID string) (*types.Pipeline, error)
	DeletePipeline(ctx context.Context, index, documentID string) error

	// Per-document advisory lease (at-most-one worker per document)
	AcquireLease(ctx context.Context, index, documentID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, index, documentID, owner string) error

	// Content records
	GetContent(ctx context.Context, id string) (*types.ContentRecord, error)
	ApplyUpsert(ctx context.Context, rec *types.ContentRecord) error
	ApplyDelete(ctx context.Context, contentID string) error

	// Operations
	InsertOperation(ctx context.Context, op *types.Operation) error
	GetOperation(ctx context.Context, id string) (*types.Operation, error)
	OldestIncompleteOperation(ctx context.Context, contentID string) (*types.Operation, error)
	PendingUpsertsBefore(ctx context.Context, contentID string, before time.Time) ([]*types.Operation, error)
	CancelOperation(ctx context.Context, id string) error
	CompleteCancelled(ctx context.Context, id string) error
	ClaimOperation(ctx context.Context, opID, contentID string, at time.Time) (bool, error)
	SaveOperation(ctx context.Context, op *types.Operation) error
	FinalizeOperation(ctx context.Context, op *types.Operation, at time.Time) error
	PendingContentIDs(ctx context.Context, limit int) ([]string, error)

	// Utility
	Close() error
}

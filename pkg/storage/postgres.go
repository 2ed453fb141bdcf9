package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/memoir/pkg/types"
)

// SQL statements kept as constants for clarity and reuse
const (
	insertOperationSQL = `
INSERT INTO memoir_operations
  (id, content_id, ts, planned, completed, remaining, payload, cancelled, complete, last_attempt_at, last_failure)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	selectOperationSQL = `
SELECT id, content_id, ts, planned, completed, remaining, payload, cancelled, complete, last_attempt_at, last_failure
FROM memoir_operations`

	claimOperationSQL = `
UPDATE memoir_operations SET last_attempt_at = $2
WHERE id = $1 AND last_attempt_at IS NULL`

	saveOperationSQL = `
UPDATE memoir_operations
SET completed = $2, remaining = $3, cancelled = $4, complete = $5, last_attempt_at = $6, last_failure = $7
WHERE id = $1`
)

// PostgresStore implements Store on Postgres via pgx. Operation rows map to
// columns so the claim CAS is a single UPDATE ... WHERE last_attempt_at IS
// NULL statement.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the schema exists
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memoir_pipelines (
			index_name   TEXT NOT NULL,
			document_id  TEXT NOT NULL,
			data         JSONB NOT NULL,
			last_update  TIMESTAMPTZ NOT NULL,
			execution_id TEXT NOT NULL,
			PRIMARY KEY (index_name, document_id)
		)`,
		`CREATE TABLE IF NOT EXISTS memoir_leases (
			index_name  TEXT NOT NULL,
			document_id TEXT NOT NULL,
			owner       TEXT NOT NULL,
			expires     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (index_name, document_id)
		)`,
		`CREATE TABLE IF NOT EXISTS memoir_content (
			id          TEXT PRIMARY KEY,
			content     BYTEA,
			mime        TEXT,
			byte_size   BIGINT NOT NULL DEFAULT 0,
			ready       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			title       TEXT,
			description TEXT,
			tags        JSONB,
			metadata    JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS memoir_operations (
			id              TEXT PRIMARY KEY,
			content_id      TEXT NOT NULL,
			ts              TIMESTAMPTZ NOT NULL,
			planned         JSONB NOT NULL,
			completed       JSONB NOT NULL,
			remaining       JSONB NOT NULL,
			payload         BYTEA,
			cancelled       BOOLEAN NOT NULL DEFAULT FALSE,
			complete        BOOLEAN NOT NULL DEFAULT FALSE,
			last_attempt_at TIMESTAMPTZ,
			last_failure    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS memoir_operations_content_ts
			ON memoir_operations (content_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Pipeline operations

func (s *PostgresStore) PutPipeline(ctx context.Context, p *types.Pipeline) error {
	p.LastUpdate = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO memoir_pipelines (index_name, document_id, data, last_update, execution_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (index_name, document_id)
DO UPDATE SET data = $3, last_update = $4, execution_id = $5`,
		p.Index, p.DocumentID, data, p.LastUpdate, p.ExecutionID)
	return err
}

func (s *PostgresStore) SavePipeline(ctx context.Context, p *types.Pipeline) error {
	expected := p.LastUpdate
	p.LastUpdate = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE memoir_pipelines SET data = $3, last_update = $4
WHERE index_name = $1 AND document_id = $2 AND last_update = $5 AND execution_id = $6`,
		p.Index, p.DocumentID, data, p.LastUpdate, expected, p.ExecutionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		p.LastUpdate = expected
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) GetPipeline(ctx context.Context, index, documentID string) (*types.Pipeline, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
SELECT data FROM memoir_pipelines WHERE index_name = $1 AND document_id = $2`,
		index, documentID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p types.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) DeletePipeline(ctx context.Context, index, documentID string) error {
	if _, err := s.pool.Exec(ctx, `
DELETE FROM memoir_pipelines WHERE index_name = $1 AND document_id = $2`, index, documentID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
DELETE FROM memoir_leases WHERE index_name = $1 AND document_id = $2`, index, documentID)
	return err
}

func (s *PostgresStore) AcquireLease(ctx context.Context, index, documentID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
INSERT INTO memoir_leases (index_name, document_id, owner, expires)
VALUES ($1, $2, $3, $4)
ON CONFLICT (index_name, document_id)
DO UPDATE SET owner = $3, expires = $4
WHERE memoir_leases.owner = $3 OR memoir_leases.expires < $5`,
		index, documentID, owner, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, index, documentID, owner string) error {
	_, err := s.pool.Exec(ctx, `
DELETE FROM memoir_leases WHERE index_name = $1 AND document_id = $2 AND owner = $3`,
		index, documentID, owner)
	return err
}

// Content operations

func (s *PostgresStore) GetContent(ctx context.Context, id string) (*types.ContentRecord, error) {
	rec := &types.ContentRecord{}
	var tags, metadata []byte
	err := s.pool.QueryRow(ctx, `
SELECT id, content, mime, byte_size, ready, created_at, updated_at,
       COALESCE(title, ''), COALESCE(description, ''), tags, metadata
FROM memoir_content WHERE id = $1`, id).Scan(
		&rec.ID, &rec.Content, &rec.Mime, &rec.ByteSize, &rec.Ready,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.Title, &rec.Description, &tags, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if tags != nil {
		if err := json.Unmarshal(tags, &rec.Tags); err != nil {
			return nil, err
		}
	}
	if metadata != nil {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (s *PostgresStore) ApplyUpsert(ctx context.Context, rec *types.ContentRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	// created_at is preserved on conflict
	_, err = s.pool.Exec(ctx, `
INSERT INTO memoir_content (id, content, mime, byte_size, ready, created_at, updated_at, title, description, tags, metadata)
VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	content = $2, mime = $3, byte_size = $4, ready = FALSE,
	updated_at = $6, title = $7, description = $8, tags = $9, metadata = $10`,
		rec.ID, rec.Content, rec.Mime, rec.ByteSize, rec.CreatedAt, rec.UpdatedAt,
		rec.Title, rec.Description, tags, metadata)
	return err
}

func (s *PostgresStore) ApplyDelete(ctx context.Context, contentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memoir_content WHERE id = $1`, contentID)
	return err
}

// Operation queue

func (s *PostgresStore) InsertOperation(ctx context.Context, op *types.Operation) error {
	planned, completed, remaining, err := marshalSteps(op)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertOperationSQL,
		op.ID, op.ContentID, op.Timestamp, planned, completed, remaining,
		op.Payload, op.Cancelled, op.Complete, op.LastAttemptAt, op.LastFailure)
	return err
}

func (s *PostgresStore) GetOperation(ctx context.Context, id string) (*types.Operation, error) {
	row := s.pool.QueryRow(ctx, selectOperationSQL+` WHERE id = $1`, id)
	return scanOperation(row)
}

func (s *PostgresStore) OldestIncompleteOperation(ctx context.Context, contentID string) (*types.Operation, error) {
	row := s.pool.QueryRow(ctx, selectOperationSQL+`
WHERE content_id = $1 AND complete = FALSE
ORDER BY ts ASC, id ASC LIMIT 1`, contentID)
	return scanOperation(row)
}

func (s *PostgresStore) PendingUpsertsBefore(ctx context.Context, contentID string, before time.Time) ([]*types.Operation, error) {
	rows, err := s.pool.Query(ctx, selectOperationSQL+`
WHERE content_id = $1 AND ts < $2
  AND complete = FALSE AND cancelled = FALSE AND last_attempt_at IS NULL
  AND planned ? 'upsert'
ORDER BY ts ASC`, contentID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*types.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *PostgresStore) CancelOperation(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE memoir_operations SET cancelled = TRUE WHERE id = $1`, id)
	return err
}

// CompleteCancelled finishes a cancelled operation without executing it.
// The remaining steps are dropped: a complete operation has none left.
func (s *PostgresStore) CompleteCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE memoir_operations SET complete = TRUE, remaining = '[]' WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ClaimOperation(ctx context.Context, opID, contentID string, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, claimOperationSQL, opID, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `UPDATE memoir_content SET ready = FALSE WHERE id = $1`, contentID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PostgresStore) SaveOperation(ctx context.Context, op *types.Operation) error {
	_, completed, remaining, err := marshalSteps(op)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, saveOperationSQL,
		op.ID, completed, remaining, op.Cancelled, op.Complete, op.LastAttemptAt, op.LastFailure)
	return err
}

func (s *PostgresStore) FinalizeOperation(ctx context.Context, op *types.Operation, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	op.Complete = true
	_, completed, remaining, err := marshalSteps(op)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, saveOperationSQL,
		op.ID, completed, remaining, op.Cancelled, op.Complete, op.LastAttemptAt, op.LastFailure); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE memoir_content SET ready = TRUE, updated_at = $2 WHERE id = $1`, op.ContentID, at); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) PendingContentIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT content_id FROM memoir_operations
WHERE complete = FALSE AND last_attempt_at IS NULL
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalSteps(op *types.Operation) (planned, completed, remaining []byte, err error) {
	if planned, err = json.Marshal(op.PlannedSteps); err != nil {
		return
	}
	if completed, err = json.Marshal(stepsOrEmpty(op.CompletedSteps)); err != nil {
		return
	}
	remaining, err = json.Marshal(stepsOrEmpty(op.RemainingSteps))
	return
}

func stepsOrEmpty(steps []string) []string {
	if steps == nil {
		return []string{}
	}
	return steps
}

func scanOperation(row pgx.Row) (*types.Operation, error) {
	op := &types.Operation{}
	var planned, completed, remaining []byte
	var lastFailure *string
	err := row.Scan(&op.ID, &op.ContentID, &op.Timestamp, &planned, &completed, &remaining,
		&op.Payload, &op.Cancelled, &op.Complete, &op.LastAttemptAt, &lastFailure)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(planned, &op.PlannedSteps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(completed, &op.CompletedSteps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(remaining, &op.RemainingSteps); err != nil {
		return nil, err
	}
	if lastFailure != nil {
		op.LastFailure = *lastFailure
	}
	return op, nil
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/memoir/pkg/types"
)

// PgVectorDb is a vector index on Postgres with the pgvector extension.
// All indexes share one embeddings table keyed by (index_name, id); tags
// are a text[] of "key:value" pairs so AND filters compile to array
// containment. Relevance is 1 minus the cosine distance operator.
type PgVectorDb struct {
	pool       *pgxpool.Pool
	vectorSize int
}

func NewPgVectorDb(ctx context.Context, dsn string, vectorSize int) (*PgVectorDb, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	d := &PgVectorDb{pool: pool, vectorSize: vectorSize}
	if err := d.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

func (d *PgVectorDb) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS memoir_indexes (
			name TEXT PRIMARY KEY
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memoir_embeddings (
			index_name TEXT NOT NULL REFERENCES memoir_indexes(name) ON DELETE CASCADE,
			id         TEXT NOT NULL,
			embedding  vector(%d),
			tags       TEXT[] NOT NULL DEFAULT '{}',
			payload    JSONB,
			PRIMARY KEY (index_name, id)
		)`, d.vectorSize),
		`CREATE INDEX IF NOT EXISTS memoir_embeddings_tags
			ON memoir_embeddings USING GIN (tags)`,
	}
	for _, stmt := range stmts {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare schema: %w", err)
		}
	}
	return nil
}

func (d *PgVectorDb) Close() {
	d.pool.Close()
}

func (d *PgVectorDb) CreateIndex(ctx context.Context, index string, vectorSize int) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO memoir_indexes (name) VALUES ($1) ON CONFLICT DO NOTHING`, index)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (d *PgVectorDb) DeleteIndex(ctx context.Context, index string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM memoir_indexes WHERE name = $1`, index)
	if err != nil {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	return nil
}

func (d *PgVectorDb) ListIndexes(ctx context.Context) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT name FROM memoir_indexes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (d *PgVectorDb) Upsert(ctx context.Context, index string, records []types.MemoryRecord) error {
	for _, r := range records {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return err
		}
		_, err = d.pool.Exec(ctx, `
			INSERT INTO memoir_embeddings (index_name, id, embedding, tags, payload)
			VALUES ($1, $2, $3::vector, $4, $5)
			ON CONFLICT (index_name, id) DO UPDATE
			SET embedding = EXCLUDED.embedding, tags = EXCLUDED.tags, payload = EXCLUDED.payload`,
			index, r.ID, vectorLiteral(r.Vector), r.Tags.Pairs(), payload)
		if err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", r.ID, err)
		}
	}
	return nil
}

func (d *PgVectorDb) Delete(ctx context.Context, index string, recordIDs []string) error {
	_, err := d.pool.Exec(ctx,
		`DELETE FROM memoir_embeddings WHERE index_name = $1 AND id = ANY($2)`,
		index, recordIDs)
	if err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

func (d *PgVectorDb) Search(ctx context.Context, index string, vector []float32, opts SearchOptions) ([]types.SearchResult, error) {
	limit := 10
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	args := []any{index, vectorLiteral(vector)}
	where, args := filterClause(opts.Filters, args)

	// Cosine distance is in [0,2]; relevance maps it to [-1,1]
	sql := fmt.Sprintf(`
		SELECT id, tags, payload, embedding::text,
		       1 - (embedding <=> $2::vector) AS relevance
		FROM memoir_embeddings
		WHERE index_name = $1%s
		ORDER BY embedding <=> $2::vector
		LIMIT %d`, where, limit)

	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	var results []types.SearchResult
	for rows.Next() {
		var (
			rec       types.MemoryRecord
			pairs     []string
			payload   []byte
			embedding string
			relevance float64
		)
		if err := rows.Scan(&rec.ID, &pairs, &payload, &embedding, &relevance); err != nil {
			return nil, err
		}
		if relevance < opts.MinRelevance {
			continue
		}
		rec.Tags = tagsFromPairs(pairs)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, err
			}
		}
		if opts.WithVectors {
			rec.Vector, err = parseVectorLiteral(embedding)
			if err != nil {
				return nil, err
			}
		}
		results = append(results, types.SearchResult{Record: &rec, Relevance: relevance})
	}
	return results, rows.Err()
}

func (d *PgVectorDb) List(ctx context.Context, index string, limit int, filters []types.MemoryFilter) ([]types.MemoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	args := []any{index}
	where, args := filterClause(filters, args)

	sql := fmt.Sprintf(`
		SELECT id, tags, payload, embedding::text
		FROM memoir_embeddings
		WHERE index_name = $1%s
		LIMIT %d`, where, limit)

	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []types.MemoryRecord
	for rows.Next() {
		var (
			rec       types.MemoryRecord
			pairs     []string
			payload   []byte
			embedding string
		)
		if err := rows.Scan(&rec.ID, &pairs, &payload, &embedding); err != nil {
			return nil, err
		}
		rec.Tags = tagsFromPairs(pairs)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, err
			}
		}
		rec.Vector, err = parseVectorLiteral(embedding)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// filterClause appends one array-containment condition per filter, ORed
func filterClause(filters []types.MemoryFilter, args []any) (string, []any) {
	var clauses []string
	for _, f := range filters {
		if f.Empty() {
			continue
		}
		var pairs []string
		for k, vs := range f {
			for _, v := range vs {
				if v != "" {
					pairs = append(pairs, k+types.TagSeparator+v)
				}
			}
		}
		args = append(args, pairs)
		clauses = append(clauses, fmt.Sprintf("tags @> $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " AND (" + strings.Join(clauses, " OR ") + ")", args
}

func tagsFromPairs(pairs []string) types.TagCollection {
	tags := types.TagCollection{}
	for _, pair := range pairs {
		if k, v, ok := splitTagPair(pair); ok {
			tags.Add(k, v)
		}
	}
	return tags
}

// vectorLiteral renders the pgvector input form "[x,y,z]"
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVectorLiteral(s string) ([]float32, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector literal: %w", err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

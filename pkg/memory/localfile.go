package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cuemby/memoir/pkg/types"
)

// LocalDb is a file-backed vector index for single-node deployments. Each
// index is one JSON file of records; search is a brute-force cosine scan,
// which is fine at the scale a local deployment holds.
type LocalDb struct {
	dir string
	mu  sync.RWMutex
}

func NewLocalDb(dir string) (*LocalDb, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vector directory: %w", err)
	}
	return &LocalDb{dir: dir}, nil
}

func (d *LocalDb) path(index string) string {
	return filepath.Join(d.dir, index+".json")
}

func (d *LocalDb) load(index string) (map[string]types.MemoryRecord, error) {
	data, err := os.ReadFile(d.path(index))
	if os.IsNotExist(err) {
		return nil, ErrIndexNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	records := map[string]types.MemoryRecord{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to parse index: %w", err)
		}
	}
	return records, nil
}

func (d *LocalDb) save(index string, records map[string]types.MemoryRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	tmp := d.path(index) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return os.Rename(tmp, d.path(index))
}

func (d *LocalDb) CreateIndex(ctx context.Context, index string, vectorSize int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := os.Stat(d.path(index)); err == nil {
		return nil // already exists
	}
	return d.save(index, map[string]types.MemoryRecord{})
}

func (d *LocalDb) DeleteIndex(ctx context.Context, index string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := os.Remove(d.path(index))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	return nil
}

func (d *LocalDb) ListIndexes(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	var names []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name()[:len(e.Name())-len(".json")])
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *LocalDb) Upsert(ctx context.Context, index string, records []types.MemoryRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, err := d.load(index)
	if err != nil {
		return err
	}
	for _, r := range records {
		existing[r.ID] = r
	}
	return d.save(index, existing)
}

func (d *LocalDb) Delete(ctx context.Context, index string, recordIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, err := d.load(index)
	if err != nil {
		return err
	}
	for _, id := range recordIDs {
		delete(existing, id)
	}
	return d.save(index, existing)
}

func (d *LocalDb) Search(ctx context.Context, index string, vector []float32, opts SearchOptions) ([]types.SearchResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	records, err := d.load(index)
	if err != nil {
		return nil, err
	}

	var results []types.SearchResult
	for _, r := range records {
		if !types.MatchesAny(opts.Filters, r.Tags) {
			continue
		}
		rel := CosineSimilarity(vector, r.Vector)
		if rel < opts.MinRelevance {
			continue
		}
		rec := r
		if !opts.WithVectors {
			rec.Vector = nil
		}
		results = append(results, types.SearchResult{Record: &rec, Relevance: rel})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Relevance > results[j].Relevance })
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (d *LocalDb) List(ctx context.Context, index string, limit int, filters []types.MemoryFilter) ([]types.MemoryRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	records, err := d.load(index)
	if err != nil {
		return nil, err
	}
	var out []types.MemoryRecord
	for _, r := range records {
		if !types.MatchesAny(filters, r.Tags) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// clamped to 0 for degenerate inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

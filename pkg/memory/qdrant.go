package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/cuemby/memoir/pkg/types"
)

// Payload fields reserved by the qdrant driver
const (
	qdrantFieldID   = "_record_id"
	qdrantFieldTags = "_tags"
)

// recordNamespace derives stable qdrant point UUIDs from record ids, which
// are free-form strings the server would otherwise reject.
var recordNamespace = uuid.MustParse("8c9f9b1e-52f4-4a43-9a2b-5d3f0f6f7a21")

// QdrantDb is a vector index on a standalone Qdrant server. One index maps
// to one collection; tags travel as a flat list of "key:value" payload
// strings so filters compile to keyword matches.
type QdrantDb struct {
	client     *qdrant.Client
	vectorSize int
}

func NewQdrantDb(host string, port, vectorSize int) (*QdrantDb, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	return &QdrantDb{client: client, vectorSize: vectorSize}, nil
}

func (d *QdrantDb) CreateIndex(ctx context.Context, index string, vectorSize int) error {
	exists, err := d.client.CollectionExists(ctx, index)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}
	if vectorSize <= 0 {
		vectorSize = d.vectorSize
	}
	err = d.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: index,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (d *QdrantDb) DeleteIndex(ctx context.Context, index string) error {
	if err := d.client.DeleteCollection(ctx, index); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

func (d *QdrantDb) ListIndexes(ctx context.Context) ([]string, error) {
	names, err := d.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

func (d *QdrantDb) Upsert(ctx context.Context, index string, records []types.MemoryRecord) error {
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		payload := map[string]any{
			qdrantFieldID:   r.ID,
			qdrantFieldTags: tagPairsAny(r.Tags),
		}
		for k, v := range r.Payload {
			payload[k] = v
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(r.ID)),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := d.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: index,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (d *QdrantDb) Delete(ctx context.Context, index string, recordIDs []string) error {
	ids := make([]*qdrant.PointId, 0, len(recordIDs))
	for _, id := range recordIDs {
		ids = append(ids, qdrant.NewIDUUID(pointID(id)))
	}
	_, err := d.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: index,
		Points:         qdrant.NewPointsSelector(ids...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

func (d *QdrantDb) Search(ctx context.Context, index string, vector []float32, opts SearchOptions) ([]types.SearchResult, error) {
	limit := uint64(10)
	if opts.Limit > 0 {
		limit = uint64(opts.Limit)
	}
	query := &qdrant.QueryPoints{
		CollectionName: index,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(limit),
		Filter:         compileFilters(opts.Filters),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectorsEnable(opts.WithVectors),
	}
	if opts.MinRelevance > 0 {
		query.ScoreThreshold = qdrant.PtrOf(float32(opts.MinRelevance))
	}

	points, err := d.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	results := make([]types.SearchResult, 0, len(points))
	for _, p := range points {
		rec := recordFromPayload(p.Payload)
		if opts.WithVectors {
			rec.Vector = p.Vectors.GetVector().GetData()
		}
		// Cosine scores arrive as similarity already
		results = append(results, types.SearchResult{Record: rec, Relevance: float64(p.Score)})
	}
	return results, nil
}

func (d *QdrantDb) List(ctx context.Context, index string, limit int, filters []types.MemoryFilter) ([]types.MemoryRecord, error) {
	n := uint32(100)
	if limit > 0 {
		n = uint32(limit)
	}
	points, err := d.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: index,
		Limit:          qdrant.PtrOf(n),
		Filter:         compileFilters(filters),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectorsEnable(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scroll collection: %w", err)
	}
	records := make([]types.MemoryRecord, 0, len(points))
	for _, p := range points {
		rec := recordFromPayload(p.Payload)
		rec.Vector = p.Vectors.GetVector().GetData()
		records = append(records, *rec)
	}
	return records, nil
}

func pointID(recordID string) string {
	return uuid.NewSHA1(recordNamespace, []byte(recordID)).String()
}

func tagPairsAny(tags types.TagCollection) []any {
	pairs := tags.Pairs()
	out := make([]any, len(pairs))
	for i, p := range pairs {
		out[i] = p
	}
	return out
}

// compileFilters maps OR-of-AND tag filters onto a qdrant filter: each
// MemoryFilter becomes a nested must-filter of keyword matches, combined
// under a single should clause.
func compileFilters(filters []types.MemoryFilter) *qdrant.Filter {
	var should []*qdrant.Condition
	for _, f := range filters {
		if f.Empty() {
			continue
		}
		var must []*qdrant.Condition
		for k, vs := range f {
			for _, v := range vs {
				if v == "" {
					continue
				}
				must = append(must, qdrant.NewMatch(qdrantFieldTags, k+types.TagSeparator+v))
			}
		}
		should = append(should, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{Filter: &qdrant.Filter{Must: must}},
		})
	}
	if len(should) == 0 {
		return nil
	}
	return &qdrant.Filter{Should: should}
}

func recordFromPayload(payload map[string]*qdrant.Value) *types.MemoryRecord {
	rec := &types.MemoryRecord{
		Tags:    types.TagCollection{},
		Payload: map[string]any{},
	}
	for k, v := range payload {
		switch k {
		case qdrantFieldID:
			rec.ID = v.GetStringValue()
		case qdrantFieldTags:
			for _, item := range v.GetListValue().GetValues() {
				pair := item.GetStringValue()
				if key, val, ok := splitTagPair(pair); ok {
					rec.Tags.Add(key, val)
				}
			}
		default:
			rec.Payload[k] = valueToAny(v)
		}
	}
	return rec
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, valueToAny(item))
		}
		return out
	default:
		return nil
	}
}

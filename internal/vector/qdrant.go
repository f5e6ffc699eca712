package vector

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/observability"
)

// QdrantStore implements Store on a Qdrant collection with three named
// vector spaces. The colbert space uses max-sim multivector comparison.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	denseDim   int
	colbert    bool
	timeout    time.Duration
	log        *observability.Logger
}

// NewQdrantStore connects to the configured Qdrant endpoint.
func NewQdrantStore(cfg config.VectorConfig, log *observability.Logger) (*QdrantStore, error) {
	host, port, err := splitHostPort(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("vector: parse url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("vector: connect: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		denseDim:   cfg.DenseDim,
		colbert:    cfg.EnableColbert,
		timeout:    timeout,
		log:        log,
	}, nil
}

func splitHostPort(url string) (string, int, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(url, "http://"), "grpc://")
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// EnsureCollection creates the collection with all vector spaces when it
// does not exist yet.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("vector: check collection: %w", err)
	}
	if exists {
		return nil
	}

	denseSpaces := map[string]*qdrant.VectorParams{
		SpaceDense: {
			Size:     uint64(s.denseDim),
			Distance: qdrant.Distance_Cosine,
		},
	}
	if s.colbert {
		denseSpaces[SpaceColbert] = &qdrant.VectorParams{
			Size:              uint64(s.denseDim),
			Distance:          qdrant.Distance_Cosine,
			MultivectorConfig: &qdrant.MultiVectorConfig{Comparator: qdrant.MultiVectorComparator_MaxSim},
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig:  qdrant.NewVectorsConfigMap(denseSpaces),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			SpaceSparse: {},
		}),
	})
	if err != nil {
		return fmt.Errorf("vector: create collection: %w", err)
	}
	s.log.Info("vector collection created", "collection", s.collection, "dense_dim", s.denseDim, "colbert", s.colbert)
	return nil
}

// Upsert writes all vector spaces and the payload in one call per batch.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		vectors := map[string]*qdrant.Vector{
			SpaceDense:  qdrant.NewVectorDense(p.Dense),
			SpaceSparse: qdrant.NewVectorSparse(p.SparseIndices, p.SparseValues),
		}
		if s.colbert && len(p.Colbert) > 0 {
			vectors[SpaceColbert] = qdrant.NewVectorMulti(p.Colbert)
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(p.Payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("vector: upsert %d points: %w", len(points), err)
	}
	return nil
}

func (s *QdrantStore) SearchDense(ctx context.Context, vec []float32, k int, f *Filter) ([]ScoredPoint, error) {
	return s.search(ctx, qdrant.NewQueryDense(vec), SpaceDense, k, f)
}

func (s *QdrantStore) SearchSparse(ctx context.Context, indices []uint32, values []float32, k int, f *Filter) ([]ScoredPoint, error) {
	return s.search(ctx, qdrant.NewQuerySparse(indices, values), SpaceSparse, k, f)
}

func (s *QdrantStore) search(ctx context.Context, query *qdrant.Query, space string, k int, f *Filter) ([]ScoredPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	limit := uint64(k)
	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          query,
		Using:          &space,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildFilter(f),
	})
	if err != nil {
		return nil, fmt.Errorf("vector: %s search: %w", space, err)
	}

	out := make([]ScoredPoint, 0, len(hits))
	for _, hit := range hits {
		out = append(out, ScoredPoint{
			ID:      hit.GetId().GetUuid(),
			Score:   float64(hit.GetScore()),
			Payload: payloadToMap(hit.GetPayload()),
		})
	}
	return out, nil
}

func buildFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}
	var must []*qdrant.Condition
	if f.SessionID != "" {
		must = append(must, qdrant.NewMatch("session_id", f.SessionID))
	}
	if f.Type != "" {
		must = append(must, qdrant.NewMatch("type", f.Type))
	}
	if f.VTAfter != nil || f.VTBefore != nil {
		rng := &qdrant.Range{}
		if f.VTAfter != nil {
			gte := float64(f.VTAfter.Unix())
			rng.Gte = &gte
		}
		if f.VTBefore != nil {
			lte := float64(f.VTBefore.Unix())
			rng.Lte = &lte
		}
		must = append(must, qdrant.NewRange("vt_start", rng))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
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
		vals := kind.ListValue.GetValues()
		out := make([]any, 0, len(vals))
		for _, item := range vals {
			out = append(out, valueToAny(item))
		}
		return out
	case *qdrant.Value_StructValue:
		return payloadToMap(kind.StructValue.GetFields())
	default:
		return nil
	}
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

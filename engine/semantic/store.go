package semantic

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/tesserai/tessera/engine/domain"
)

// pointsAPI is the slice of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// collectionsAPI is the slice of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Store is one Qdrant collection holding one embedding space.
type Store struct {
	points      pointsAPI
	collections collectionsAPI
	name        string
	dim         int
}

// NewStoreWithClients wires explicit clients, used by the Manager and
// by tests.
func NewStoreWithClients(points pointsAPI, collections collectionsAPI, name string, dim int) *Store {
	return &Store{points: points, collections: collections, name: name, dim: dim}
}

// Name returns the collection name.
func (s *Store) Name() string { return s.name }

// Dim returns the space's vector dimension.
func (s *Store) Dim() int { return s.dim }

// Ensure creates the collection when absent. Idempotent.
func (s *Store) Ensure(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.name {
			return nil
		}
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(s.dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", s.name, err)
	}
	return nil
}

// Drop deletes the collection.
func (s *Store) Drop(ctx context.Context) error {
	_, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: s.name})
	if err != nil {
		return fmt.Errorf("semantic: drop collection %s: %w", s.name, err)
	}
	return nil
}

// Clear empties the space by dropping and recreating the collection.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.Drop(ctx); err != nil {
		return err
	}
	return s.Ensure(ctx)
}

// Upsert writes embedded nodes. Same-id upsert overwrites, which
// makes re-ingestion idempotent.
func (s *Store) Upsert(ctx context.Context, nodes []domain.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(nodes))
	for i, n := range nodes {
		if len(n.Vector) != s.dim {
			return fmt.Errorf("semantic: node %s has dim %d, collection %s wants %d: %w",
				n.ID, len(n.Vector), s.name, s.dim, domain.ErrDimensionMismatch)
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: n.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: n.Vector},
				},
			},
			Payload: payloadFromNode(n),
		}
	}
	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.name,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points into %s: %w", len(nodes), s.name, err)
	}
	return nil
}

// DeleteByRefDocIDs removes every chunk of the given source ids.
func (s *Store) DeleteByRefDocIDs(ctx context.Context, refDocIDs []string) error {
	if len(refDocIDs) == 0 {
		return nil
	}
	should := make([]*pb.Condition, len(refDocIDs))
	for i, id := range refDocIDs {
		should[i] = fieldMatch(keyRefDocID, id)
	}
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.name,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Should: should},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete %d ref_doc_ids from %s: %w", len(refDocIDs), s.name, err)
	}
	return nil
}

// DeleteByIDs removes specific points, used when rolling back a
// partially committed batch.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.name,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pids},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete %d points from %s: %w", len(ids), s.name, err)
	}
	return nil
}

// Query runs kNN search with optional keyword filters, returning
// reconstructed nodes with similarity scores.
func (s *Store) Query(ctx context.Context, vector []float32, topK int, filters map[string]string) ([]domain.Scored, error) {
	req := &pb.SearchPoints{
		CollectionName: s.name,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	}
	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for k, v := range filters {
			must = append(must, fieldMatch(k, v))
		}
		req.Filter = &pb.Filter{Must: must}
	}
	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search %s: %w", s.name, err)
	}
	hits := resp.GetResult()
	out := make([]domain.Scored, len(hits))
	for i, h := range hits {
		out[i] = domain.Scored{
			Node:  nodeFromPayload(h.GetId().GetUuid(), h.GetPayload()),
			Score: float64(h.GetScore()),
		}
	}
	return out, nil
}

// Count returns the number of points in the space.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	resp, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: s.name})
	if err != nil {
		return 0, fmt.Errorf("semantic: count %s: %w", s.name, err)
	}
	return resp.GetResult().GetCount(), nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

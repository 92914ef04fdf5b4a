package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/csbot-dev/csbot/pkg/domain"
	"github.com/csbot-dev/csbot/pkg/log"
)

const (
	connectTimeout  = 30 * time.Second
	hnswM           = 16
	hnswEfConstruct = 64
)

var waitTrue = true

// QdrantStore is the dense index over a single qdrant collection.
// Points are keyed by a UUID derived from the chunk id, with the chunk
// text and provenance carried in the payload.
type QdrantStore struct {
	points         pb.PointsClient
	collections    pb.CollectionsClient
	conn           *grpc.ClientConn
	collectionName string
	vectorSize     uint64
	logger         *slog.Logger
}

// NewQdrantStore connects to qdrant and ensures the collection exists
// with the configured vector size. An existing collection with a
// different size is a configuration error, never silently recreated.
func NewQdrantStore(host string, port int, collection string, dimension int) (*QdrantStore, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: qdrant collection name required", domain.ErrConfigurationError)
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: vector dimension must be positive", domain.ErrConfigurationError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant at %s: %w", addr, err)
	}

	s := &QdrantStore{
		points:         pb.NewPointsClient(conn),
		collections:    pb.NewCollectionsClient(conn),
		conn:           conn,
		collectionName: collection,
		vectorSize:     uint64(dimension),
		logger:         log.WithModule("qdrant"),
	}

	if err := s.ensureCollection(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	listResp, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, col := range listResp.Collections {
		if col.Name != s.collectionName {
			continue
		}
		info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{
			CollectionName: s.collectionName,
		})
		if err != nil {
			return fmt.Errorf("failed to inspect collection %s: %w", s.collectionName, err)
		}
		if info.Result != nil && info.Result.Config != nil && info.Result.Config.Params != nil {
			if vc := info.Result.Config.Params.GetVectorsConfig(); vc != nil {
				if params := vc.GetParams(); params != nil && params.Size != s.vectorSize {
					return fmt.Errorf("%w: collection %s has vector size %d, configured dimension is %d",
						domain.ErrConfigurationError, s.collectionName, params.Size, s.vectorSize)
				}
			}
		}
		return nil
	}

	m := uint64(hnswM)
	ef := uint64(hnswEfConstruct)
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     s.vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:           &m,
			EfConstruct: &ef,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", s.collectionName, err)
	}
	s.logger.Info("created qdrant collection",
		"collection", s.collectionName, "dimension", s.vectorSize)
	return nil
}

// pointID derives a stable qdrant point UUID from a chunk id, so
// re-ingesting a document overwrites its old points.
func pointID(chunkID string) string {
	if _, err := uuid.Parse(chunkID); err == nil {
		return chunkID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

// Upsert writes chunk vectors. chunks and vectors are parallel slices.
func (s *QdrantStore) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float64) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks with %d vectors", domain.ErrInvalidInput, len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, 0, len(chunks))
	for i, chunk := range chunks {
		if uint64(len(vectors[i])) != s.vectorSize {
			return fmt.Errorf("%w: vector for chunk %s has dimension %d, collection expects %d",
				domain.ErrConfigurationError, chunk.ID, len(vectors[i]), s.vectorSize)
		}

		data := make([]float32, len(vectors[i]))
		for j, v := range vectors[i] {
			data[j] = float32(v)
		}

		payload := map[string]*pb.Value{
			"text":        {Kind: &pb.Value_StringValue{StringValue: chunk.Text}},
			"document_id": {Kind: &pb.Value_StringValue{StringValue: chunk.DocumentID}},
			"chunk_id":    {Kind: &pb.Value_StringValue{StringValue: chunk.ID}},
			"chunk_index": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(chunk.Index)}},
		}
		for k, v := range chunk.Metadata {
			if strVal, ok := v.(string); ok {
				payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: strVal}}
			}
		}

		points = append(points, &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(chunk.ID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: data},
				},
			},
			Payload: payload,
		})
	}

	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collectionName,
		Points:         points,
		Wait:           &waitTrue,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// Search runs cosine ANN search and returns results best-first.
func (s *QdrantStore) Search(ctx context.Context, vector []float64, topK int) ([]domain.SearchResult, error) {
	queryVector := make([]float32, len(vector))
	for i, v := range vector {
		queryVector[i] = float32(v)
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collectionName,
		Vector:         queryVector,
		Limit:          uint64(topK),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	results := make([]domain.SearchResult, 0, len(resp.Result))
	for _, point := range resp.Result {
		r := domain.SearchResult{
			ChunkID:  point.Id.GetUuid(),
			Score:    float64(point.Score),
			Metadata: make(map[string]interface{}),
		}
		for k, v := range point.Payload {
			switch k {
			case "text":
				r.Text = v.GetStringValue()
			case "document_id":
				r.DocumentID = v.GetStringValue()
			case "chunk_id":
				r.ChunkID = v.GetStringValue()
			case "chunk_index":
				r.Metadata[k] = v.GetIntegerValue()
			default:
				r.Metadata[k] = v.GetStringValue()
			}
		}
		results = append(results, r)
	}
	return results, nil
}

// DeleteByDocument removes every point belonging to a document.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("%w: document id required", domain.ErrInvalidInput)
	}

	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{{
						ConditionOneOf: &pb.Condition_Field{
							Field: &pb.FieldCondition{
								Key: "document_id",
								Match: &pb.Match{
									MatchValue: &pb.Match_Keyword{Keyword: documentID},
								},
							},
						},
					}},
				},
			},
		},
		Wait: &waitTrue,
	})
	if err != nil {
		return fmt.Errorf("failed to delete points for document %s: %w", documentID, err)
	}
	return nil
}

func (s *QdrantStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Package vectorindex stores document chunks as vectors, one collection per
// task knowledge base. The Qdrant client is the production backend; Memory
// serves unconfigured deployments and tests.
package vectorindex

import (
	"context"
	"fmt"

	"github.com/forgelab/agentforge/internal/embedding"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config holds connection settings for a Qdrant instance.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Client indexes chunks into Qdrant over gRPC.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	provider    embedding.Provider
	logger      *zap.Logger
}

// NewClient dials the Qdrant gRPC endpoint.
func NewClient(cfg Config, provider embedding.Provider, logger *zap.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		provider:    provider,
		logger:      logger,
	}, nil
}

// EnsureCollection creates the named collection if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// IndexChunks embeds the chunks and upserts one point per chunk into the
// collection, creating it on first use.
func (c *Client) IndexChunks(ctx context.Context, collection string, chunks []string, meta map[string]string) (int, error) {
	vectors, err := c.provider.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedding mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
	}
	if len(vectors) == 0 {
		return 0, nil
	}

	if err := c.EnsureCollection(ctx, collection, uint64(len(vectors[0]))); err != nil {
		return 0, err
	}

	points := make([]*pb.PointStruct, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]*pb.Value{
			"text":  {Kind: &pb.Value_StringValue{StringValue: chunk}},
			"chunk": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(i)}},
		}
		for k, v := range meta {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.New().String()}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vectors[i]}}},
			Payload: payload,
		}
	}

	if _, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	}); err != nil {
		return 0, fmt.Errorf("upsert %s: %w", collection, err)
	}

	c.logger.Debug("chunks indexed",
		zap.String("collection", collection),
		zap.Int("count", len(points)))
	return len(points), nil
}

// Count returns the exact number of points in a collection.
func (c *Client) Count(ctx context.Context, collection string) (int, error) {
	exact := true
	resp, err := c.points.Count(ctx, &pb.CountPoints{
		CollectionName: collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// DeleteCollection drops a collection and its points.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	if _, err := c.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

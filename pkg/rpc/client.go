package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// Client calls the prediction service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Predict requests predictions. Service errors are returned as gRPC status
// errors; use status.FromError to inspect them.
func (c *Client) Predict(ctx context.Context, req dataset.PredictionRequest, opts ...grpc.CallOption) ([]dataset.PredictionResult, error) {
	in, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, PredictMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return DecodeResults(out)
}

// Sync triggers a synchronization and returns the report document.
func (c *Client) Sync(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, SyncMethod, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

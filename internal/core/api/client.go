package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls serverrules.v1.Rules over a gRPC connection.
type Client struct {
	conn   grpc.ClientConnInterface
	apiKey string
}

// NewClient creates a client that authenticates with apiKey.
func NewClient(conn grpc.ClientConnInterface, apiKey string) *Client {
	return &Client{conn: conn, apiKey: apiKey}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "x-api-key", c.apiKey)
}

// Execute runs the rules for req["apply_time"] against req["subject"].
func (c *Client) Execute(ctx context.Context, req map[string]any) (map[string]any, error) {
	return c.invoke(ctx, MethodExecute, req)
}

// ListRules lists the rules loaded for an apply time.
func (c *Client) ListRules(ctx context.Context, applyTime string) (map[string]any, error) {
	return c.invoke(ctx, MethodListRules, map[string]any{"apply_time": applyTime})
}

// Reload reloads every engine on the server.
func (c *Client) Reload(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), MethodReload, new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the settlement service on behalf of one user.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
	md   []string
}

// Dial connects to a settlement gRPC listener without transport security
// and authenticates with a bearer token from the HTTP login.
func Dial(addr, token string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	c := NewClient(conn, token)
	c.conn = conn
	return c, nil
}

// NewClient wraps an existing connection, sending token as a bearer token.
func NewClient(cc grpc.ClientConnInterface, token string) *Client {
	return &Client{cc: cc, md: []string{authorizationHeader, "Bearer " + token}}
}

// NewTrustedClient names the user in x-user-id instead of a token. The
// server must be built WithTrustedUserHeader.
func NewTrustedClient(cc grpc.ClientConnInterface, userID string) *Client {
	return &Client{cc: cc, md: []string{UserIDHeader, userID}}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, c.md...)
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(c.outgoing(ctx), "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// PlaceOrder submits an order. Decimal fields are passed as strings.
func (c *Client) PlaceOrder(ctx context.Context, in map[string]any) (map[string]any, error) {
	return c.invoke(ctx, "PlaceOrder", in)
}

func (c *Client) ClosePosition(ctx context.Context, positionID string) (map[string]any, error) {
	return c.invoke(ctx, "ClosePosition", map[string]any{"position_id": positionID})
}

func (c *Client) GetPositions(ctx context.Context) ([]any, error) {
	out, err := c.invoke(ctx, "GetPositions", nil)
	if err != nil {
		return nil, err
	}
	positions, _ := out["positions"].([]any)
	return positions, nil
}

func (c *Client) GetTradeHistory(ctx context.Context, limit int) ([]any, error) {
	out, err := c.invoke(ctx, "GetTradeHistory", map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	trades, _ := out["trades"].([]any)
	return trades, nil
}

func (c *Client) GetAccount(ctx context.Context) (map[string]any, error) {
	return c.invoke(ctx, "GetAccount", nil)
}

// Subscribe opens the event stream. It returns after the server has
// attached the subscription; recv blocks for the next event.
func (c *Client) Subscribe(ctx context.Context, prices bool) (recv func() (map[string]any, error), err error) {
	stream, err := c.cc.NewStream(c.outgoing(ctx), &serviceDesc.Streams[0], "/"+ServiceName+"/Subscribe")
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"prices": prices})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		if errors.Is(err, io.EOF) {
			// The server already ended the stream; RecvMsg carries its status.
			err = stream.RecvMsg(new(structpb.Struct))
		}
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	if _, err := stream.Header(); err != nil {
		return nil, err
	}
	return func() (map[string]any, error) {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return nil, err
		}
		return msg.AsMap(), nil
	}, nil
}

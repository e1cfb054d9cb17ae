package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ydb-platform/storage-manager/internal/service"
)

// Client talks to a Server. It implements service.Service; service errors
// come back as their sentinels.
type Client struct {
	conn *grpc.ClientConn
}

var _ service.Service = (*Client)(nil)

func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) Reset(ctx context.Context) error {
	return c.invoke(ctx, "Reset", &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) Exit(ctx context.Context) error {
	return c.invoke(ctx, "Exit", &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) ListDevices(ctx context.Context) ([]string, error) {
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "ListDevices", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return fromPathList(out), nil
}

func (c *Client) ResolveDevice(ctx context.Context, spec string) (string, error) {
	out := &wrapperspb.StringValue{}
	if err := c.invoke(ctx, "ResolveDevice", wrapperspb.String(spec), out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) RemoveDevice(ctx context.Context, path string) error {
	return c.invoke(ctx, "RemoveDevice", wrapperspb.String(path), &emptypb.Empty{})
}

func (c *Client) InitializeDisk(ctx context.Context, path string) error {
	return c.invoke(ctx, "InitializeDisk", wrapperspb.String(path), &emptypb.Empty{})
}

func (c *Client) DescribeObject(ctx context.Context, path string) (service.ObjectProperties, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "DescribeObject", wrapperspb.String(path), out); err != nil {
		return service.ObjectProperties{}, err
	}
	return fromPropertiesStruct(out), nil
}

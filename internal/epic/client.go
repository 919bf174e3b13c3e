package epic

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/canteen-integration/internal/coordinator"
	"github.com/jcmexdev/canteen-integration/internal/pkg/interceptors"
)

var _ coordinator.Invoker = (*Client)(nil)

// Client calls a remote Epic service.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens an instrumented plaintext connection to an epic service. The
// connection is lazy; the first call establishes it.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(interceptors.UnaryClientInterceptor()),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("epic: dial %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) Invoke(ctx context.Context, domain, action string, input json.RawMessage) (json.RawMessage, error) {
	req, err := encodeRequest(domain, action, input)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Value)
	if err := c.conn.Invoke(ctx, InvokeMethod, req, out); err != nil {
		return nil, fromStatus(err)
	}
	return fromValue(out)
}

func (c *Client) Compensate(ctx context.Context, domain, action string, original json.RawMessage) error {
	req, err := encodeRequest(domain, action, original)
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, CompensateMethod, req, new(emptypb.Empty)); err != nil {
		return fromStatus(err)
	}
	return nil
}

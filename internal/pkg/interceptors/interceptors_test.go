package interceptors

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/canteen-integration/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/canteen-integration/internal/pkg/telemetry"
)

func TestUnaryClientInterceptor_PropagatesIDs(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithIdempotencyKey(ctx, "tray-42")
	ctx = telemetry.WithSagaID(ctx, "saga-9")

	var got metadata.MD
	err := UnaryClientInterceptor()(ctx, "/canteen.epic.v1.Epic/Invoke", nil, nil, nil,
		func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
			got, _ = metadata.FromOutgoingContext(ctx)
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"req-1"}, got.Get(constants.HeaderXRequestId))
	assert.Equal(t, []string{"tray-42"}, got.Get(constants.HeaderXIdempotencyKey))
	assert.Equal(t, []string{"saga-9"}, got.Get(constants.HeaderXSagaID))
}

func TestUnaryClientInterceptor_GeneratesRequestID(t *testing.T) {
	var got metadata.MD
	err := UnaryClientInterceptor()(context.Background(), "/m", nil, nil, nil,
		func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
			got, _ = metadata.FromOutgoingContext(ctx)
			return nil
		})
	require.NoError(t, err)

	ids := got.Get(constants.HeaderXRequestId)
	require.Len(t, ids, 1)
	assert.NotEmpty(t, ids[0])
	assert.Empty(t, got.Get(constants.HeaderXIdempotencyKey))
	assert.Empty(t, got.Get(constants.HeaderXSagaID))
}

func TestServerInterceptors_LiftIDsAndLog(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLogger(&buf, "info")

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		constants.HeaderXRequestId, "req-7",
		constants.HeaderXIdempotencyKey, "tray-1",
		constants.HeaderXSagaID, "saga-3",
	))
	info := &grpc.UnaryServerInfo{FullMethod: "/canteen.epic.v1.Epic/Compensate"}

	chain := func(ctx context.Context, req any) (any, error) {
		return LoggingServerInterceptor(logger)(ctx, req, info, func(ctx context.Context, _ any) (any, error) {
			assert.Equal(t, "req-7", RequestID(ctx))
			assert.Equal(t, "tray-1", IdempotencyKey(ctx))
			assert.Equal(t, "saga-3", telemetry.SagaIDFromContext(ctx))
			return nil, status.Error(codes.NotFound, "no such epic")
		})
	}
	_, err := UnaryServerInterceptor()(ctx, nil, info, chain)
	assert.Equal(t, codes.NotFound, status.Code(err))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "/canteen.epic.v1.Epic/Compensate", line["method"])
	assert.Equal(t, "req-7", line["request_id"])
	assert.Equal(t, "NotFound", line["code"])
	assert.Equal(t, "saga-3", line["saga_id"])
}

func TestRequestID_FallsBackToIncomingMetadata(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(constants.HeaderXRequestId, "md-id"))
	assert.Equal(t, "md-id", RequestID(ctx))
	assert.Empty(t, IdempotencyKey(ctx))
	assert.Equal(t, "ctx-id", RequestID(WithRequestID(ctx, "ctx-id")))
}

// Package interceptors propagates request, idempotency and saga ids across
// gRPC hops and logs every served call.
package interceptors

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/canteen-integration/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/canteen-integration/internal/pkg/telemetry"
)

// WithRequestID stores the request id used for outgoing calls.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyRequestID, id)
}

// WithIdempotencyKey stores the idempotency key used for outgoing calls.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyIdempotencyKey, key)
}

// RequestID returns the request id from ctx or the incoming metadata.
func RequestID(ctx context.Context) string {
	return value(ctx, constants.ContextKeyRequestID, constants.HeaderXRequestId)
}

// IdempotencyKey returns the idempotency key from ctx or the incoming metadata.
func IdempotencyKey(ctx context.Context) string {
	return value(ctx, constants.ContextKeyIdempotencyKey, constants.HeaderXIdempotencyKey)
}

func value(ctx context.Context, key any, header string) string {
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(header); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// UnaryClientInterceptor copies the ids found in ctx into the outgoing
// metadata. A request id is generated when none is set.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return invoker(outgoing(ctx), method, req, reply, cc, opts...)
	}
}

func outgoing(ctx context.Context) context.Context {
	requestID := RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	kv := []string{constants.HeaderXRequestId, requestID}
	if key := IdempotencyKey(ctx); key != "" {
		kv = append(kv, constants.HeaderXIdempotencyKey, key)
	}
	if sagaID := telemetry.SagaIDFromContext(ctx); sagaID != "" {
		kv = append(kv, constants.HeaderXSagaID, sagaID)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// UnaryServerInterceptor lifts the propagated ids from the incoming metadata
// into the handler context, so handlers and the logger see them.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		_ *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		return handler(incoming(ctx), req)
	}
}

func incoming(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	if ids := md.Get(constants.HeaderXRequestId); len(ids) > 0 {
		ctx = WithRequestID(ctx, ids[0])
	}
	if keys := md.Get(constants.HeaderXIdempotencyKey); len(keys) > 0 {
		ctx = WithIdempotencyKey(ctx, keys[0])
	}
	if ids := md.Get(constants.HeaderXSagaID); len(ids) > 0 {
		ctx = telemetry.WithSagaID(ctx, ids[0])
	}
	return ctx
}

package epic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// The wire contract uses well-known protobuf types only: requests are a
// Struct {domain, action, payload}, Invoke answers with the result Value and
// Compensate with Empty. Payloads travel as JSON-compatible Values.
const (
	ServiceName      = "canteen.epic.v1.Epic"
	InvokeMethod     = "/" + ServiceName + "/Invoke"
	CompensateMethod = "/" + ServiceName + "/Compensate"

	fieldDomain  = "domain"
	fieldAction  = "action"
	fieldPayload = "payload"
)

type epicServer interface {
	invoke(ctx context.Context, req *structpb.Struct) (*structpb.Value, error)
	compensate(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

// ServiceDesc describes the Epic service for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*epicServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Compensate", Handler: compensateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "canteen/epic/v1/epic.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(epicServer).invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InvokeMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(epicServer).invoke(ctx, req.(*structpb.Struct))
	})
}

func compensateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(epicServer).compensate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CompensateMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(epicServer).compensate(ctx, req.(*structpb.Struct))
	})
}

// Server exposes a Router over gRPC.
type Server struct {
	router *Router
	logger *slog.Logger
}

var _ epicServer = (*Server)(nil)

func NewServer(router *Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{router: router, logger: logger}
}

// Register adds the Epic service to reg.
func (s *Server) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&ServiceDesc, s)
}

func (s *Server) invoke(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	domain, action, payload, err := decodeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := s.router.Invoke(ctx, domain, action, payload)
	if err != nil {
		s.logger.WarnContext(ctx, "epic action failed", "domain", domain, "action", action, "error", err)
		return nil, toStatus(err)
	}
	v, err := toValue(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result of %s.%s: %v", domain, action, err)
	}
	return v, nil
}

func (s *Server) compensate(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	domain, action, payload, err := decodeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.router.Compensate(ctx, domain, action, payload); err != nil {
		s.logger.ErrorContext(ctx, "epic compensation failed", "domain", domain, "action", action, "error", err)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func encodeRequest(domain, action string, payload json.RawMessage) (*structpb.Struct, error) {
	v, err := toValue(payload)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldDomain:  structpb.NewStringValue(domain),
		fieldAction:  structpb.NewStringValue(action),
		fieldPayload: v,
	}}, nil
}

func decodeRequest(req *structpb.Struct) (domain, action string, payload json.RawMessage, err error) {
	f := req.GetFields()
	domain = f[fieldDomain].GetStringValue()
	action = f[fieldAction].GetStringValue()
	if domain == "" || action == "" {
		return "", "", nil, errors.New("domain and action are required")
	}
	payload, err = fromValue(f[fieldPayload])
	if err != nil {
		return "", "", nil, fmt.Errorf("payload: %w", err)
	}
	return domain, action, payload, nil
}

func toValue(raw json.RawMessage) (*structpb.Value, error) {
	if len(raw) == 0 {
		return structpb.NewNullValue(), nil
	}
	v := &structpb.Value{}
	if err := protojson.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("epic: payload is not JSON: %w", err)
	}
	return v, nil
}

func fromValue(v *structpb.Value) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, nil
	}
	return protojson.Marshal(v)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrUnknownDomain):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrUnknownAction):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, ErrRejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// remoteError keeps the server's message and restores the sentinel so
// callers can still use errors.Is across the wire.
type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var kind error
	switch st.Code() {
	case codes.NotFound:
		kind = ErrUnknownDomain
	case codes.Unimplemented:
		kind = ErrUnknownAction
	case codes.FailedPrecondition:
		kind = ErrRejected
	case codes.DeadlineExceeded:
		kind = context.DeadlineExceeded
	case codes.Canceled:
		kind = context.Canceled
	default:
		return err
	}
	return &remoteError{kind: kind, msg: st.Message()}
}

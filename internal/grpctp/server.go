package grpctp

import (
	"context"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/meshgate/internal/transport"
)

// Server serves action handlers to Transport clients. It needs no
// registered service descriptors: install it with ServerOption and every
// unknown method is routed by name.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]transport.Handler
}

func NewServer() *Server { return &Server{handlers: map[string]transport.Handler{}} }

// Handle registers h for the fully qualified action.
func (s *Server) Handle(action string, h transport.Handler) *Server {
	s.mu.Lock()
	s.handlers[action] = h
	s.mu.Unlock()
	return s
}

// ServerOption routes unknown gRPC methods to the registered handlers.
func (s *Server) ServerOption() grpc.ServerOption {
	return grpc.UnknownServiceHandler(s.serve)
}

func (s *Server) serve(_ any, stream grpc.ServerStream) error {
	full, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method in stream")
	}
	service, method, found := strings.Cut(strings.TrimPrefix(full, "/"), "/")
	if !found {
		return status.Errorf(codes.InvalidArgument, "malformed method %q", full)
	}
	action := service + "." + method

	s.mu.RLock()
	h := s.handlers[action]
	s.mu.RUnlock()
	if h == nil {
		return toStatus(transport.UnknownAction(action)).Err()
	}

	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	fields := req.AsMap()
	params, _ := fields["params"].(map[string]any)
	meta, _ := fields["meta"].(map[string]any)

	res, err := h(stream.Context(), params, meta)
	if err != nil {
		if ctxErr := context.Cause(stream.Context()); ctxErr != nil {
			return status.FromContextError(ctxErr).Err()
		}
		return toStatus(err).Err()
	}
	out, err := structpb.NewValue(res)
	if err != nil {
		return status.Errorf(codes.Internal, "encode result of %s: %v", action, err)
	}
	return stream.SendMsg(out)
}

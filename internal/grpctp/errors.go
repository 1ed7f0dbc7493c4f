package grpctp

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/meshgate/internal/transport"
)

var (
	// ErrNoEndpoints indicates the provider returned no endpoints for a service.
	ErrNoEndpoints = errors.New("grpctp: no endpoints available")
	// ErrClosed is returned by calls on a closed transport.
	ErrClosed = errors.New("grpctp: closed")
)

var grpcCodes = map[int]codes.Code{
	400: codes.InvalidArgument,
	401: codes.Unauthenticated,
	403: codes.PermissionDenied,
	404: codes.NotFound,
	408: codes.DeadlineExceeded,
	409: codes.AlreadyExists,
	429: codes.ResourceExhausted,
	501: codes.Unimplemented,
	503: codes.Unavailable,
	504: codes.DeadlineExceeded,
}

// toStatus encodes an action failure. The transport.Error fields travel as a
// Struct detail.
func toStatus(err error) *status.Status {
	var te *transport.Error
	if !errors.As(err, &te) {
		return status.New(codes.Unknown, err.Error())
	}
	code, ok := grpcCodes[te.Code]
	if !ok {
		code = codes.Unknown
	}
	st := status.New(code, te.Message)
	detail, derr := structpb.NewStruct(map[string]any{
		"code": te.Code,
		"type": te.Type,
		"data": te.Data,
	})
	if derr != nil {
		return st
	}
	if withDetail, derr := st.WithDetails(detail); derr == nil {
		return withDetail
	}
	return st
}

// fromStatus decodes a call failure into a transport.Error.
func fromStatus(action string, err error) *transport.Error {
	st, _ := status.FromError(err)
	te := &transport.Error{Action: action, Type: st.Code().String(), Message: st.Message()}
	for c, gc := range grpcCodes {
		if gc == st.Code() && (te.Code == 0 || c < te.Code) {
			te.Code = c
		}
	}
	if te.Code == 0 {
		te.Code = 500
	}
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		m := s.AsMap()
		if n, ok := m["code"].(float64); ok && n != 0 {
			te.Code = int(n)
		}
		if t, ok := m["type"].(string); ok && t != "" {
			te.Type = t
		}
		if data, ok := m["data"].(map[string]any); ok {
			te.Data = data
		}
	}
	return te
}

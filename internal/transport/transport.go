// Package transport defines the remote call capability resolvers dispatch
// through, independent of the wire used to reach the backend action.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Caller invokes a fully qualified action ("v2.posts.list") with params.
// Implementations must be safe for concurrent use.
type Caller interface {
	Call(ctx context.Context, action string, params map[string]any, opts CallOptions) (any, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, action string, params map[string]any, opts CallOptions) (any, error)

func (f CallerFunc) Call(ctx context.Context, action string, params map[string]any, opts CallOptions) (any, error) {
	return f(ctx, action, params, opts)
}

// CallOptions carries per-call metadata forwarded to the backend.
type CallOptions struct {
	Meta map[string]any
}

// CallContext describes the call that produced an Error.
type CallContext struct {
	Action string
	Params map[string]any
	Meta   map[string]any
	Target string
}

// Error is a failure reported by a remote action or the wire reaching it.
type Error struct {
	Action  string         `json:"action,omitempty"`
	Code    int            `json:"code,omitempty"`
	Type    string         `json:"type,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	// Ctx links back to the originating call. It holds request params and
	// metadata and is removed by Scrub before the error leaves the gateway.
	Ctx *CallContext `json:"-"`
}

func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	return target == ErrUnknownAction && e.Type == TypeServiceNotFound
}

// Scrub returns a copy of e without the call context.
func (e *Error) Scrub() *Error {
	cp := *e
	cp.Ctx = nil
	return &cp
}

// Scrub removes the call context from err when it is an *Error. Callers
// return *Error values unwrapped, so other errors are passed through.
func Scrub(err error) error {
	if te, ok := err.(*Error); ok && te.Ctx != nil {
		return te.Scrub()
	}
	return err
}

// TypeServiceNotFound is the Error type reported when no backend serves the
// action.
const TypeServiceNotFound = "SERVICE_NOT_FOUND"

// ErrUnknownAction matches, through errors.Is, every *Error of type
// TypeServiceNotFound.
var ErrUnknownAction = errors.New("unknown action")

// UnknownAction builds the 404 error for an action nobody serves.
func UnknownAction(action string) *Error {
	return &Error{
		Action:  action,
		Code:    404,
		Type:    TypeServiceNotFound,
		Message: fmt.Sprintf("%s: %s", ErrUnknownAction, action),
	}
}

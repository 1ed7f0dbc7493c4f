// Package gwerrors defines the failure taxonomy of schema composition and
// resolver dispatch.
package gwerrors

import (
	"errors"
	"fmt"
)

// Error codes reported in GraphQL error extensions.
const (
	CodeComposition    = "SCHEMA_COMPOSITION_FAILED"
	CodeRemoteDispatch = "REMOTE_DISPATCH_FAILED"
	CodeBatchDispatch  = "BATCH_DISPATCH_FAILED"
	CodeFilterDispatch = "FILTER_DISPATCH_FAILED"
)

// CompositionError reports that fragments could not be merged into a valid
// schema. It is fatal to the rebuild that produced it.
type CompositionError struct {
	Reason string
	Cause  error
}

func (e *CompositionError) Error() string {
	switch {
	case e.Cause == nil:
		return "schema composition: " + e.Reason
	case e.Reason == "":
		return "schema composition: " + e.Cause.Error()
	default:
		return fmt.Sprintf("schema composition: %s: %v", e.Reason, e.Cause)
	}
}

func (e *CompositionError) Unwrap() error { return e.Cause }
func (e *CompositionError) Code() string  { return CodeComposition }

// Compositionf builds a CompositionError without cause.
func Compositionf(format string, args ...any) *CompositionError {
	return &CompositionError{Reason: fmt.Sprintf(format, args...)}
}

// RemoteDispatchError reports a failed remote call behind a resolver.
type RemoteDispatchError struct {
	Action string
	Cause  error
}

func (e *RemoteDispatchError) Error() string {
	return fmt.Sprintf("call %s: %v", e.Action, e.Cause)
}

func (e *RemoteDispatchError) Unwrap() error { return e.Cause }
func (e *RemoteDispatchError) Code() string  { return CodeRemoteDispatch }

// BatchDispatchError is shared by every key of a failed loader tick.
type BatchDispatchError struct {
	Action string
	Keys   int
	Cause  error
}

func (e *BatchDispatchError) Error() string {
	return fmt.Sprintf("batch call %s (%d keys): %v", e.Action, e.Keys, e.Cause)
}

func (e *BatchDispatchError) Unwrap() error { return e.Cause }
func (e *BatchDispatchError) Code() string  { return CodeBatchDispatch }

// FilterDispatchError reports a failed subscription predicate call. The event
// is excluded, the error is only logged.
type FilterDispatchError struct {
	Action string
	Cause  error
}

func (e *FilterDispatchError) Error() string {
	return fmt.Sprintf("filter %s: %v", e.Action, e.Cause)
}

func (e *FilterDispatchError) Unwrap() error { return e.Cause }
func (e *FilterDispatchError) Code() string  { return CodeFilterDispatch }

// Coder is implemented by errors carrying a machine readable code.
type Coder interface {
	Code() string
}

// CodeOf returns the first code found in err's chain.
func CodeOf(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// IsComposition reports whether err wraps a CompositionError.
func IsComposition(err error) bool {
	var ce *CompositionError
	return errors.As(err, &ce)
}

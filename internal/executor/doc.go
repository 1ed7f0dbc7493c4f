// Package executor implements a breadth-first GraphQL executor whose field
// resolution is delegated to a Runtime.
//
// # Execution model
//
// Fields are either synchronous or asynchronous, as marked by
// schema.Field.Async. Synchronous fields (plain projections of the parent
// value) are resolved through Runtime.ResolveSync and expanded immediately.
// Asynchronous fields (fields backed by a resolver) met while expanding a
// depth are queued; once the depth is drained the executor calls
// Runtime.BatchResolveAsync exactly once with every queued task. Completing
// those results yields the next depth.
//
// A graph with asynchronous depth d therefore produces exactly d calls to
// BatchResolveAsync. Runtimes use each call as one scheduling tick: every
// batch loader key registered by the tasks of a depth is dispatched together.
//
// # Completion
//
// Values are completed per the GraphQL rules: lists element-wise with
// indexed paths, leaves through Runtime.SerializeLeafValue, abstract values
// through Runtime.ResolveType. Fragment type conditions naming an interface
// or union apply to their possible object types.
//
// A null or error on a Non-Null field nulls its top-level response field and
// drops tasks queued below it. Errors are collected with their response path;
// an error exposing a Code() string anywhere in its unwrap chain sets
// extensions.code.
//
// # Subscriptions
//
// CreateSourceEventStream resolves the single root field of a subscription
// operation to a channel of events through a runtime implementing
// Subscriber. Each event is executed with ExecuteRequest as the initial
// value of the same operation.
package executor

package executor

import (
	"context"
	"errors"
	"fmt"

	language "github.com/hanpama/meshgate/internal/language"
)

// Subscriber is implemented by runtimes able to open the source event stream
// of a subscription root field.
type Subscriber interface {
	Subscribe(ctx context.Context, objectType string, field string, args map[string]any) (<-chan any, error)
}

// CreateSourceEventStream resolves the single root field of a subscription
// operation to its event stream. Each event is later executed as the
// initial value of the same operation with ExecuteRequest. The stream ends
// when ctx is cancelled.
func (e *Executor) CreateSourceEventStream(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variableValues map[string]any,
) (<-chan any, error) {
	operation := getOperation(document, operationName)
	if operation == nil {
		return nil, errors.New("operation not found")
	}
	if operation.Operation != language.Subscription {
		return nil, fmt.Errorf("operation %q is a %s, not a subscription", operation.Name, operation.Operation)
	}
	rootType := e.schema.GetSubscriptionType()
	if rootType == nil {
		return nil, errors.New("schema does not support subscriptions")
	}
	sub, ok := e.runtime.(Subscriber)
	if !ok {
		return nil, errors.New("runtime does not support subscriptions")
	}

	coerced, err := coerceVariableValues(e.schema, operation, variableValues)
	if err != nil {
		return nil, err
	}
	state := &executionState{
		runtime:         e.runtime,
		schema:          e.schema,
		document:        document,
		variableValues:  coerced,
		context:         ctx,
		asyncTaskInfo:   make(map[NodeID]asyncTask),
		nullifiedPrefix: make(map[string]struct{}),
	}
	grouped := collectFields(state, rootType, operation.SelectionSet).orderedFields()
	if len(grouped) != 1 {
		return nil, fmt.Errorf("subscription must select exactly one root field, got %d", len(grouped))
	}
	field := grouped[0].Fields[0]
	fieldDef := getFieldDefinition(rootType, field.Name)
	if fieldDef == nil {
		return nil, fmt.Errorf("Cannot query field '%s' on type '%s'", field.Name, rootType.Name)
	}
	args := coerceArgumentValues(fieldDef, field.Arguments, coerced, state, Path{grouped[0].ResponseName})
	if len(state.errors) > 0 {
		return nil, state.errors[0]
	}
	return sub.Subscribe(ctx, rootType.Name, field.Name, args)
}

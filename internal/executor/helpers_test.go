package executor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	language "github.com/hanpama/meshgate/internal/language"
	schema "github.com/hanpama/meshgate/internal/schema"
)

type resolveFunc func(source any, args map[string]any) (any, error)

// fakeRuntime resolves fields from the funcs map, falling back to reading
// the field from a map parent. Every BatchResolveAsync call is recorded as
// one tick.
type fakeRuntime struct {
	funcs   map[string]resolveFunc
	streams map[string]chan any

	mu    sync.Mutex
	ticks [][]string
	syncs []string
}

func newFakeRuntime(funcs map[string]resolveFunc) *fakeRuntime {
	if funcs == nil {
		funcs = map[string]resolveFunc{}
	}
	return &fakeRuntime{funcs: funcs, streams: map[string]chan any{}}
}

func (r *fakeRuntime) resolve(objectType, field string, source any, args map[string]any) (any, error) {
	if fn := r.funcs[objectType+"."+field]; fn != nil {
		return fn(source, args)
	}
	if m, ok := source.(map[string]any); ok {
		return m[field], nil
	}
	return nil, nil
}

func (r *fakeRuntime) ResolveSync(_ context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	r.mu.Lock()
	r.syncs = append(r.syncs, objectType+"."+field)
	r.mu.Unlock()
	return r.resolve(objectType, field, source, args)
}

func (r *fakeRuntime) BatchResolveAsync(_ context.Context, tasks []AsyncResolveTask) []AsyncResolveResult {
	tick := make([]string, len(tasks))
	out := make([]AsyncResolveResult, len(tasks))
	for i, task := range tasks {
		tick[i] = task.ObjectType + "." + task.Field
		v, err := r.resolve(task.ObjectType, task.Field, task.Source, task.Args)
		out[i] = AsyncResolveResult{Value: v, Error: err}
	}
	sort.Strings(tick)
	r.mu.Lock()
	r.ticks = append(r.ticks, tick)
	r.mu.Unlock()
	return out
}

func (r *fakeRuntime) ResolveType(_ context.Context, abstractType string, value any) (string, error) {
	if m, ok := value.(map[string]any); ok {
		if name, ok := m["__typename"].(string); ok {
			return name, nil
		}
	}
	return "", errors.New("no __typename")
}

func (r *fakeRuntime) ResolveUnionConcreteValue(_ context.Context, _ string, v any) (any, error) {
	return v, nil
}

func (r *fakeRuntime) ResolveInterfaceConcreteValue(_ context.Context, _ string, v any) (any, error) {
	return v, nil
}

func (r *fakeRuntime) SerializeLeafValue(_ context.Context, _ string, v any) (any, error) {
	return v, nil
}

func (r *fakeRuntime) Subscribe(_ context.Context, objectType, field string, args map[string]any) (<-chan any, error) {
	ch, ok := r.streams[objectType+"."+field]
	if !ok {
		return nil, errors.New("no stream")
	}
	return ch, nil
}

// buildSchema parses sdl and marks the named "Type.field" coordinates async.
func buildSchema(t *testing.T, sdl string, async ...string) *schema.Schema {
	t.Helper()
	s, err := schema.BuildFromSDL(sdl)
	require.NoError(t, err)
	for _, coord := range async {
		typeName, field, _ := strings.Cut(coord, ".")
		f := s.Field(typeName, field)
		require.NotNil(t, f, coord)
		f.SetAsync(true)
	}
	return s
}

func mustParseQuery(t *testing.T, q string) *language.QueryDocument {
	t.Helper()
	d, err := language.ParseQuery(q)
	require.NoError(t, err)
	return d
}

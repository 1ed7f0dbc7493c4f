// Package discovery provides service registries the schema lifecycle can
// read snapshots from.
package discovery

import (
	"context"
	"sort"
	"sync"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	"github.com/hanpama/meshgate/internal/service"
)

// Static is an in-memory registry. Every change emits
// events.ServicesChanged on its bus.
type Static struct {
	bus *eventbus.Bus

	mu       sync.RWMutex
	services map[string]service.Descriptor
}

func NewStatic(bus *eventbus.Bus, svcs ...service.Descriptor) *Static {
	s := &Static{bus: bus, services: make(map[string]service.Descriptor, len(svcs))}
	for _, d := range svcs {
		s.services[d.FullName()] = d
	}
	return s
}

// Register adds d or replaces the service with the same full name.
func (s *Static) Register(ctx context.Context, d service.Descriptor) {
	s.mu.Lock()
	s.services[d.FullName()] = d
	s.mu.Unlock()
	eventbus.Emit(s.bus, ctx, events.ServicesChanged{Reason: "registered " + d.FullName()})
}

// Deregister removes a service by full name and reports whether it was known.
func (s *Static) Deregister(ctx context.Context, fullName string) bool {
	s.mu.Lock()
	_, ok := s.services[fullName]
	delete(s.services, fullName)
	s.mu.Unlock()
	if ok {
		eventbus.Emit(s.bus, ctx, events.ServicesChanged{Reason: "deregistered " + fullName})
	}
	return ok
}

// Services returns a snapshot ordered by full name.
func (s *Static) Services(context.Context) ([]service.Descriptor, error) {
	s.mu.RLock()
	out := make([]service.Descriptor, 0, len(s.services))
	for _, d := range s.services {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out, nil
}

package natstp

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	"github.com/hanpama/meshgate/internal/service"
)

// Announcement is what a node publishes about the services it hosts.
type Announcement struct {
	NodeID   string               `json:"nodeID"`
	Services []service.Descriptor `json:"services,omitempty"`
	Leaving  bool                 `json:"leaving,omitempty"`
}

// Discovery tracks the services each node announces. It implements the
// snapshot source the schema lifecycle reads from.
type Discovery struct {
	nc   *nats.Conn
	opts *Options
	sub  *nats.Subscription

	mu    sync.RWMutex
	nodes map[string][]service.Descriptor
}

// NewDiscovery subscribes to announcements and asks running nodes to
// announce themselves again.
func NewDiscovery(nc *nats.Conn, opts ...Option) (*Discovery, error) {
	d := &Discovery{nc: nc, opts: newOptions(opts), nodes: map[string][]service.Descriptor{}}
	sub, err := nc.Subscribe(d.opts.servicesSubject(), d.receive)
	if err != nil {
		return nil, err
	}
	d.sub = sub
	if err := nc.Publish(d.opts.servicesSubject()+".discover", nil); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return d, nil
}

func (d *Discovery) receive(msg *nats.Msg) {
	var a Announcement
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		d.opts.Logger.Warn("ignoring malformed service announcement", zap.Error(err))
		return
	}
	d.mu.Lock()
	reason := "node " + a.NodeID + " announced"
	if a.Leaving {
		delete(d.nodes, a.NodeID)
		reason = "node " + a.NodeID + " left"
	} else {
		for i := range a.Services {
			a.Services[i].NodeID = a.NodeID
		}
		d.nodes[a.NodeID] = a.Services
	}
	d.mu.Unlock()
	d.opts.Logger.Info("service topology changed", zap.String("node", a.NodeID), zap.Bool("leaving", a.Leaving))
	eventbus.Emit(d.opts.Bus, context.Background(), events.ServicesChanged{Reason: reason})
}

// Services returns the announced services ordered by node id. A service
// hosted by several nodes is listed once.
func (d *Discovery) Services(context.Context) ([]service.Descriptor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	seen := map[string]bool{}
	var out []service.Descriptor
	for _, id := range ids {
		for _, s := range d.nodes[id] {
			if seen[s.FullName()] {
				continue
			}
			seen[s.FullName()] = true
			out = append(out, s)
		}
	}
	return out, nil
}

func (d *Discovery) Close() error { return d.sub.Unsubscribe() }

// Node announces the services of one process and answers discovery
// requests until closed.
type Node struct {
	nc   *nats.Conn
	opts *Options
	sub  *nats.Subscription
	ann  Announcement
}

func NewNode(nc *nats.Conn, nodeID string, services []service.Descriptor, opts ...Option) (*Node, error) {
	n := &Node{nc: nc, opts: newOptions(opts), ann: Announcement{NodeID: nodeID, Services: services}}
	sub, err := nc.Subscribe(n.opts.servicesSubject()+".discover", func(*nats.Msg) {
		if err := n.publish(n.ann); err != nil {
			n.opts.Logger.Warn("service announcement failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	n.sub = sub
	if err := n.publish(n.ann); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return n, n.nc.Flush()
}

func (n *Node) publish(a Announcement) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.opts.servicesSubject(), data)
}

// Close announces the node is leaving.
func (n *Node) Close() error {
	_ = n.sub.Unsubscribe()
	if err := n.publish(Announcement{NodeID: n.ann.NodeID, Leaving: true}); err != nil {
		return err
	}
	return n.nc.Flush()
}

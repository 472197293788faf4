// Package routing implements RoutingTable: the (node, device) -> Route
// index used to resolve forwarding destinations.
package routing

import (
	"log/slog"
	"sync"

	"github.com/oletizi/midi-fabric/core/id"
	"github.com/oletizi/midi-fabric/device/registry"
)

// Route describes a single reachable device, local or remote.
type Route struct {
	Node   id.NodeId
	Device id.DeviceId
	Name   string
	Kind   registry.Kind
}

type key struct {
	node id.NodeId
	dev  id.DeviceId
}

// Config configures a Table.
type Config struct {
	Logger *slog.Logger
}

// Table is a RoutingTable, indexed by (owner, device). Order among routes
// returned by its query methods is not guaranteed.
type Table struct {
	log *slog.Logger

	mu     sync.RWMutex
	routes map[key]Route
}

// New constructs an empty Table.
func New(cfg Config) *Table {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		log:    logger.WithGroup("routing"),
		routes: make(map[key]Route),
	}
}

// AddRoute inserts or replaces a route.
func (t *Table) AddRoute(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[key{node: r.Node, dev: r.Device}] = r
}

// RemoveRoute removes a single route.
func (t *Table) RemoveRoute(owner id.NodeId, dev id.DeviceId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, key{node: owner, dev: dev})
}

// RemoveNodeRoutes removes every route owned by owner.
func (t *Table) RemoveNodeRoutes(owner id.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.routes {
		if k.node == owner {
			delete(t.routes, k)
		}
	}
}

// ReplaceNodeRoutes atomically swaps every route owned by owner for
// routes. Used when a peer's advertised device list changes wholesale.
func (t *Table) ReplaceNodeRoutes(owner id.NodeId, routes []Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.routes {
		if k.node == owner {
			delete(t.routes, k)
		}
	}
	for _, r := range routes {
		r.Node = owner
		t.routes[key{node: r.Node, dev: r.Device}] = r
	}
}

// GetRoute looks up a single route.
func (t *Table) GetRoute(owner id.NodeId, dev id.DeviceId) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[key{node: owner, dev: dev}]
	return r, ok
}

// GetLocalRoutes returns every route with Node == id.Local.
func (t *Table) GetLocalRoutes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Route
	for _, r := range t.routes {
		if r.Node.IsZero() {
			out = append(out, r)
		}
	}
	return out
}

// GetRemoteRoutes returns every route with a non-local owner.
func (t *Table) GetRemoteRoutes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Route
	for _, r := range t.routes {
		if !r.Node.IsZero() {
			out = append(out, r)
		}
	}
	return out
}

// GetNodeRoutes returns every route owned by owner.
func (t *Table) GetNodeRoutes(owner id.NodeId) []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Route
	for _, r := range t.routes {
		if r.Node == owner {
			out = append(out, r)
		}
	}
	return out
}

// Counts reports the total number of routes and how many are local.
func (t *Table) Counts() (total int, local int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		total++
		if r.Node.IsZero() {
			local++
		}
	}
	return total, local
}

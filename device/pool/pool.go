// Package pool implements ConnectionPool: the one-NetworkConnection-per-
// remote-NodeId directory that MidiRouter and the transport layer consult
// to resolve a destination's address.
package pool

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/oletizi/midi-fabric/core/id"
	"github.com/oletizi/midi-fabric/core/metrics"
)

// ErrDuplicateConnection is returned by AddConnection when a connection for
// the given NodeId is already registered.
var ErrDuplicateConnection = errors.New("pool: connection already registered")

// ErrNilConnection is returned by AddConnection when conn is nil.
var ErrNilConnection = errors.New("pool: connection is nil")

// State is a NetworkConnection's lifecycle state.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Failing
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failing:
		return "failing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection is a NetworkConnection: a single remote peer's transport
// address and lifecycle state. Host/Port are read by MidiRouter when
// resolving a destination to send to.
type Connection struct {
	Node  id.NodeId
	Host  string
	Port  int
	State State
}

// Config configures a Pool.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Pool is a ConnectionPool: exactly one Connection per remote NodeId,
// safe for concurrent use under heavy contention.
type Pool struct {
	log *slog.Logger

	activeGauge *metrics.Gauge

	mu    sync.RWMutex
	conns map[id.NodeId]*Connection
}

// New constructs an empty Pool.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		log:         logger.WithGroup("pool"),
		activeGauge: cfg.Metrics.NewGauge("connections_active", "Number of connections tracked by the pool"),
		conns:       make(map[id.NodeId]*Connection),
	}
}

// AddConnection registers conn. Rejects a nil conn or a duplicate
// registration for a NodeId already present in the pool.
func (p *Pool) AddConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.conns[conn.Node]; exists {
		return ErrDuplicateConnection
	}
	p.conns[conn.Node] = conn
	p.activeGauge.Set(float64(len(p.conns)))
	return nil
}

// RemoveConnection removes the connection for node, if any.
func (p *Pool) RemoveConnection(node id.NodeId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, node)
	p.activeGauge.Set(float64(len(p.conns)))
}

// ResolveAddress returns the host/port to send to for node, if a
// connection is registered for it. Satisfies midirouter.AddressResolver.
func (p *Pool) ResolveAddress(node id.NodeId) (string, int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[node]
	if !ok {
		return "", 0, false
	}
	return c.Host, c.Port, true
}

// GetConnection returns the connection for node, if any.
func (p *Pool) GetConnection(node id.NodeId) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[node]
	return c, ok
}

// HasConnection reports whether node has a registered connection.
func (p *Pool) HasConnection(node id.NodeId) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.conns[node]
	return ok
}

// GetAllConnections returns every registered connection.
func (p *Pool) GetAllConnections() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// GetConnectionsByState returns every connection currently in state.
func (p *Pool) GetConnectionsByState(state State) []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Connection
	for _, c := range p.conns {
		if c.State == state {
			out = append(out, c)
		}
	}
	return out
}

// RemoveDeadConnections sweeps and removes every Failed connection,
// returning the NodeIds removed.
func (p *Pool) RemoveDeadConnections() []id.NodeId {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []id.NodeId
	for node, c := range p.conns {
		if c.State == Failed {
			removed = append(removed, node)
			delete(p.conns, node)
		}
	}
	if len(removed) > 0 {
		p.log.Debug("swept dead connections", "count", len(removed))
	}
	p.activeGauge.Set(float64(len(p.conns)))
	return removed
}

// Clear removes every connection.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = make(map[id.NodeId]*Connection)
	p.activeGauge.Set(0)
}

// StatsSnapshot reports pool totals and a per-state breakdown.
type StatsSnapshot struct {
	Total   int
	ByState map[State]int
}

// Statistics reports the current connection counts, total and per-state.
func (p *Pool) Statistics() StatsSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	byState := make(map[State]int, 5)
	for _, c := range p.conns {
		byState[c.State]++
	}
	return StatsSnapshot{Total: len(p.conns), ByState: byState}
}

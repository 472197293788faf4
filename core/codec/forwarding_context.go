package codec

import "github.com/oletizi/midi-fabric/core/id"

// VisitedKey identifies one hop in the in-memory forwarding context's
// visited set.
type VisitedKey struct {
	Node   id.NodeId
	Device id.DeviceId
}

// ForwardingContext is the in-memory form of a message's forwarding
// history: a hop count and the set of (node, device) pairs already
// visited. The wire form (ForwardingContextExtension) uses NodeHash
// instead of NodeId; the two are bridged via a NodeHashResolver.
type ForwardingContext struct {
	HopCount uint8
	Visited  map[VisitedKey]struct{}
}

// NewForwardingContext returns a fresh, empty forwarding context, as used
// when a message originates locally with no inbound context to propagate.
func NewForwardingContext() *ForwardingContext {
	return &ForwardingContext{Visited: make(map[VisitedKey]struct{})}
}

// Clone returns a deep copy, so a shared upstream context can be extended
// independently for each fan-out destination.
func (c *ForwardingContext) Clone() *ForwardingContext {
	clone := &ForwardingContext{HopCount: c.HopCount, Visited: make(map[VisitedKey]struct{}, len(c.Visited))}
	for k := range c.Visited {
		clone.Visited[k] = struct{}{}
	}
	return clone
}

// Has reports whether (node, device) is already in the visited set.
func (c *ForwardingContext) Has(node id.NodeId, device id.DeviceId) bool {
	_, ok := c.Visited[VisitedKey{Node: node, Device: device}]
	return ok
}

// Add records (node, device) as visited and increments the hop count.
func (c *ForwardingContext) Add(node id.NodeId, device id.DeviceId) {
	c.Visited[VisitedKey{Node: node, Device: device}] = struct{}{}
	c.HopCount++
}

// NodeHashResolver resolves a 32-bit NodeHash back to the full NodeId it
// was derived from. Implemented by core/registry.UuidRegistry.
type NodeHashResolver interface {
	Lookup(hash id.NodeHash) (id.NodeId, bool)
}

// ToExtension converts the in-memory context to its wire form, resolving
// each visited NodeId to its NodeHash. hopCount is set equal to the
// number of visited entries, per the wire-format invariant.
func (c *ForwardingContext) ToExtension() *ForwardingContextExtension {
	ext := &ForwardingContextExtension{HopCount: uint8(len(c.Visited))}
	for k := range c.Visited {
		ext.Visited = append(ext.Visited, VisitedEntry{
			NodeHash: uint32(k.Node.ComputeHash()),
			DeviceId: uint16(k.Device),
		})
	}
	return ext
}

// GetForwardingContext resolves the packet's attached extension (if any)
// into an in-memory ForwardingContext using resolver to turn each
// NodeHash back into a NodeId. It returns (nil, nil) if the packet has no
// attached context ("absent"), and ErrUnknownNodeHash if any visited
// entry's hash cannot be resolved — callers treat that as "drop packet,
// stale peer".
func (p *Packet) GetForwardingContext(resolver NodeHashResolver) (*ForwardingContext, error) {
	if p.ctx == nil {
		return nil, nil
	}
	ctx := &ForwardingContext{HopCount: p.ctx.HopCount, Visited: make(map[VisitedKey]struct{}, len(p.ctx.Visited))}
	for _, v := range p.ctx.Visited {
		nodeID, ok := resolver.Lookup(id.NodeHash(v.NodeHash))
		if !ok {
			return nil, ErrUnknownNodeHash
		}
		ctx.Visited[VisitedKey{Node: nodeID, Device: id.DeviceId(v.DeviceId)}] = struct{}{}
	}
	return ctx, nil
}

// Package id defines node and device identifiers for the MIDI routing fabric.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeId is a 128-bit node identifier. The all-zero value is reserved and
// denotes "this node" in in-memory rules; on the wire every node-id slot
// must be non-zero.
type NodeId uuid.UUID

// Local is the reserved all-zero NodeId meaning "this node" in rules and
// routes. It never appears on the wire.
var Local NodeId

// NewNodeId generates a fresh random NodeId (version 4 UUID).
func NewNodeId() NodeId {
	return NodeId(uuid.New())
}

// ParseNodeId parses a canonical UUID string into a NodeId.
func ParseNodeId(s string) (NodeId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeId{}, fmt.Errorf("parse node id: %w", err)
	}
	return NodeId(u), nil
}

// String returns the canonical hyphenated UUID representation.
func (n NodeId) String() string {
	return uuid.UUID(n).String()
}

// IsZero reports whether this is the reserved all-zero "local" id.
func (n NodeId) IsZero() bool {
	return n == Local
}

// Bytes returns the 16 raw bytes of the identifier.
func (n NodeId) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, n[:])
	return b
}

// MarshalText renders a NodeId as its canonical hyphenated UUID string,
// so it persists as a readable string rather than a byte array in JSON.
func (n NodeId) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText parses a canonical UUID string into n.
func (n *NodeId) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeId(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// DeviceId is a per-node 16-bit device handle, locally assigned by a
// DeviceRegistry.
type DeviceId uint16

// NodeHash is a 32-bit value folded deterministically from a NodeId, used
// to reference nodes compactly inside packet headers.
type NodeHash uint32

// ComputeHash folds the 128-bit NodeId down to a 32-bit hash by XORing its
// four constituent 32-bit words. This is deterministic across processes:
// the same NodeId always yields the same NodeHash on every node.
func (n NodeId) ComputeHash() NodeHash {
	var h uint32
	for i := range 4 {
		word := uint32(n[i*4])<<24 | uint32(n[i*4+1])<<16 | uint32(n[i*4+2])<<8 | uint32(n[i*4+3])
		h ^= word
	}
	return NodeHash(h)
}

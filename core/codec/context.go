package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	extTypeForwardingContext = 0x01

	// forwardingContextHeaderSize is type(1) + length(1) + hopCount(1) +
	// deviceCount(1).
	forwardingContextHeaderSize = 4

	// forwardingContextEntrySize is nodeHash(4) + deviceId(2) per visited
	// entry.
	forwardingContextEntrySize = 6

	// MaxVisited is the maximum number of (node, device) entries a
	// forwarding context's visited set may carry. Exceeding this is a
	// loop condition (MAX_HOPS, spec §3/§4.12).
	MaxVisited = 8
)

// VisitedEntry identifies a single (node, device) hop recorded in a
// forwarding context's visited set, in its compact wire form.
type VisitedEntry struct {
	NodeHash uint32
	DeviceId uint16
}

// ForwardingContextExtension is the wire-form forwarding-context
// extension: a hop count plus the set of (node, device) hashes already
// visited by this message. hopCount MUST equal len(Visited) on emission
// and is independently re-checked on ingress.
type ForwardingContextExtension struct {
	HopCount uint8
	Visited  []VisitedEntry
}

func (e *ForwardingContextExtension) clone() ForwardingContextExtension {
	c := ForwardingContextExtension{HopCount: e.HopCount}
	if len(e.Visited) > 0 {
		c.Visited = append([]VisitedEntry(nil), e.Visited...)
	}
	return c
}

// encode serializes the extension: type, length, hopCount, deviceCount,
// then deviceCount × (nodeHash, deviceId).
func (e *ForwardingContextExtension) encode() []byte {
	n := len(e.Visited)
	length := 2 + n*forwardingContextEntrySize // hopCount + deviceCount + entries
	buf := make([]byte, 2+length)
	buf[0] = extTypeForwardingContext
	buf[1] = byte(length)
	buf[2] = e.HopCount
	buf[3] = byte(n)

	off := forwardingContextHeaderSize
	for _, v := range e.Visited {
		binary.BigEndian.PutUint32(buf[off:off+4], v.NodeHash)
		binary.BigEndian.PutUint16(buf[off+4:off+6], v.DeviceId)
		off += forwardingContextEntrySize
	}
	return buf
}

// decodeForwardingContextExtension parses a single self-contained
// extension blob (type byte through the final visited entry).
func decodeForwardingContextExtension(buf []byte) (*ForwardingContextExtension, error) {
	if len(buf) < forwardingContextHeaderSize {
		return nil, ErrMalformedExtension
	}
	if buf[0] != extTypeForwardingContext {
		return nil, ErrMalformedExtension
	}
	length := int(buf[1])
	if 2+length != len(buf) {
		return nil, ErrMalformedExtension
	}

	ext := &ForwardingContextExtension{HopCount: buf[2]}
	deviceCount := int(buf[3])
	expected := forwardingContextHeaderSize + deviceCount*forwardingContextEntrySize
	if expected != len(buf) {
		return nil, ErrMalformedExtension
	}
	if int(ext.HopCount) != deviceCount {
		return nil, ErrMalformedExtension
	}

	off := forwardingContextHeaderSize
	for i := 0; i < deviceCount; i++ {
		ext.Visited = append(ext.Visited, VisitedEntry{
			NodeHash: binary.BigEndian.Uint32(buf[off : off+4]),
			DeviceId: binary.BigEndian.Uint16(buf[off+4 : off+6]),
		})
		off += forwardingContextEntrySize
	}
	return ext, nil
}

// ErrUnknownNodeHash is returned by NodeHashResolver implementations (and
// surfaced through GetForwardingContext) when a visited entry's hash does
// not resolve to any currently-known peer. Callers treat this as "drop
// the packet — stale peer".
var ErrUnknownNodeHash = fmt.Errorf("codec: unknown node hash")

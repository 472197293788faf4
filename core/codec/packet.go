// Package codec implements the wire-level framing for the MIDI routing
// fabric: a fixed 20-byte header, an optional MIDI payload, and optional
// extension blobs (currently only the forwarding-context extension).
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic identifies the start of a frame ("MI").
	MagicHi byte = 0x4D
	MagicLo byte = 0x49

	// Version is the only wire version this codec understands.
	Version uint8 = 0x01

	// HeaderSize is the fixed size of the packet header in bytes.
	HeaderSize = 20

	// MaxPacketSize is the conservative MTU budget: total encoded size,
	// including extensions, must never exceed this.
	MaxPacketSize = 1200

	// Flag bits within the header's flags byte.
	FlagReliable   uint8 = 1 << 0
	FlagSysEx      uint8 = 1 << 1
	FlagFragment   uint8 = 1 << 2
	FlagHasContext uint8 = 1 << 3
	FlagAck        uint8 = 1 << 4
	FlagNack       uint8 = 1 << 5
	FlagHeartbeat  uint8 = 1 << 6
)

// PacketType classifies a decoded Packet by its flag bits. A packet is
// exactly one type.
type PacketType uint8

const (
	TypeData PacketType = iota
	TypeHeartbeat
	TypeAck
	TypeNack
)

func (t PacketType) String() string {
	switch t {
	case TypeData:
		return "Data"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeAck:
		return "Ack"
	case TypeNack:
		return "Nack"
	default:
		return "Unknown"
	}
}

// Sentinel errors surfaced by TryDecode and forwarding-context resolution.
// Callers treat all of these as "drop the packet" — none of them unwind
// across an API boundary.
var (
	ErrBadMagic           = errors.New("codec: bad magic bytes")
	ErrBadVersion         = errors.New("codec: unsupported version")
	ErrShortBuffer        = errors.New("codec: buffer too short")
	ErrMalformedExtension = errors.New("codec: malformed extension")
	ErrPacketTooLarge     = errors.New("codec: packet exceeds MTU budget")
)

// Packet is the in-memory representation of a single wire frame.
type Packet struct {
	Flags           uint8
	Sequence        uint16
	DeviceId        uint16
	TimestampMicros uint32
	SourceNodeHash  uint32
	DestNodeHash    uint32
	MIDI            []byte

	ctx *ForwardingContextExtension // present iff FlagHasContext is set
}

// Type derives the packet's logical type from its flag bits.
func (p *Packet) Type() PacketType {
	switch {
	case p.Flags&FlagAck != 0:
		return TypeAck
	case p.Flags&FlagNack != 0:
		return TypeNack
	case p.Flags&FlagHeartbeat != 0:
		return TypeHeartbeat
	default:
		return TypeData
	}
}

// IsReliable reports whether the Reliable flag is set.
func (p *Packet) IsReliable() bool { return p.Flags&FlagReliable != 0 }

// IsSysEx reports whether the SysEx flag is set.
func (p *Packet) IsSysEx() bool { return p.Flags&FlagSysEx != 0 }

// HasForwardingContext reports whether the HasContext flag is set.
func (p *Packet) HasForwardingContext() bool { return p.Flags&FlagHasContext != 0 }

// SetForwardingContext attaches a forwarding-context extension to the
// packet and sets the HasContext flag.
func (p *Packet) SetForwardingContext(ext *ForwardingContextExtension) {
	p.ctx = ext
	p.Flags |= FlagHasContext
}

// ClearForwardingContext removes any attached extension and clears the
// HasContext flag.
func (p *Packet) ClearForwardingContext() {
	p.ctx = nil
	p.Flags &^= FlagHasContext
}

// RawForwardingContext returns the packet's wire-form forwarding context
// extension, or nil if none is attached.
func (p *Packet) RawForwardingContext() *ForwardingContextExtension {
	return p.ctx
}

// ApplySysExDetection sets the SysEx (and implied Reliable) flag if the
// MIDI payload begins with 0xF0, per the wire-format contract.
func (p *Packet) ApplySysExDetection() {
	if len(p.MIDI) > 0 && p.MIDI[0] == 0xF0 {
		p.Flags |= FlagSysEx | FlagReliable
	}
}

// Clone returns a deep copy of the packet, including its forwarding
// context if present.
func (p *Packet) Clone() *Packet {
	clone := &Packet{
		Flags:           p.Flags,
		Sequence:        p.Sequence,
		DeviceId:        p.DeviceId,
		TimestampMicros: p.TimestampMicros,
		SourceNodeHash:  p.SourceNodeHash,
		DestNodeHash:    p.DestNodeHash,
	}
	if len(p.MIDI) > 0 {
		clone.MIDI = append([]byte(nil), p.MIDI...)
	}
	if p.ctx != nil {
		ctxClone := p.ctx.clone()
		clone.ctx = &ctxClone
	}
	return clone
}

// Encode writes the header, MIDI payload, and extensions (in ascending
// type order) to a newly allocated byte slice. Encode is deterministic:
// the same Packet always produces the same bytes.
func (p *Packet) Encode() ([]byte, error) {
	var extBytes []byte
	if p.ctx != nil {
		extBytes = p.ctx.encode()
	}

	total := HeaderSize + len(p.MIDI) + len(extBytes)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, total)
	}

	buf := make([]byte, total)
	buf[0] = MagicHi
	buf[1] = MagicLo
	buf[2] = Version
	buf[3] = p.Flags
	binary.BigEndian.PutUint16(buf[4:6], p.Sequence)
	binary.BigEndian.PutUint16(buf[6:8], p.DeviceId)
	binary.BigEndian.PutUint32(buf[8:12], p.TimestampMicros)
	binary.BigEndian.PutUint32(buf[12:16], p.SourceNodeHash)
	binary.BigEndian.PutUint32(buf[16:20], p.DestNodeHash)

	off := HeaderSize
	off += copy(buf[off:], p.MIDI)
	copy(buf[off:], extBytes)

	return buf, nil
}

// TryDecode validates magic, version, and header/flag/length coherence and
// decodes a Packet from raw bytes. It never panics; any malformed input
// yields a non-nil error and no partial packet should be trusted.
func TryDecode(data []byte) (*Packet, error) {
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(data))
	}
	if len(data) < HeaderSize {
		return nil, ErrShortBuffer
	}
	if data[0] != MagicHi || data[1] != MagicLo {
		return nil, ErrBadMagic
	}
	if data[2] != Version {
		return nil, ErrBadVersion
	}

	p := &Packet{
		Flags:           data[3],
		Sequence:        binary.BigEndian.Uint16(data[4:6]),
		DeviceId:        binary.BigEndian.Uint16(data[6:8]),
		TimestampMicros: binary.BigEndian.Uint32(data[8:12]),
		SourceNodeHash:  binary.BigEndian.Uint32(data[12:16]),
		DestNodeHash:    binary.BigEndian.Uint32(data[16:20]),
	}

	rest := data[HeaderSize:]

	if p.Flags&FlagHasContext == 0 {
		p.MIDI = append([]byte(nil), rest...)
		return p, nil
	}

	midiLen, ext, err := splitForwardingContext(rest)
	if err != nil {
		return nil, err
	}
	p.MIDI = append([]byte(nil), rest[:midiLen]...)
	p.ctx = ext
	return p, nil
}

// splitForwardingContext locates the forwarding-context extension at the
// tail of rest and returns the length of the preceding MIDI payload and
// the decoded extension. Since deviceCount is bounded (0..MaxVisited), the
// search tries each possible extension size rather than scanning byte by
// byte.
func splitForwardingContext(rest []byte) (midiLen int, ext *ForwardingContextExtension, err error) {
	for deviceCount := 0; deviceCount <= MaxVisited; deviceCount++ {
		extSize := forwardingContextHeaderSize + deviceCount*forwardingContextEntrySize
		start := len(rest) - extSize
		if start < 0 {
			continue
		}
		candidate := rest[start:]
		if candidate[0] != extTypeForwardingContext {
			continue
		}
		if int(candidate[1]) != forwardingContextHeaderSize-2+deviceCount*forwardingContextEntrySize {
			continue
		}
		if int(candidate[3]) != deviceCount {
			continue
		}
		decoded, decErr := decodeForwardingContextExtension(candidate)
		if decErr != nil {
			continue
		}
		return start, decoded, nil
	}
	return 0, nil, ErrMalformedExtension
}

// Package rules implements RouteManager: the CRUD+priority+filter rule
// store that drives MidiRouter's forwarding decisions, with durable
// JSON persistence.
package rules

import (
	"github.com/oletizi/midi-fabric/core/classify"
	"github.com/oletizi/midi-fabric/core/id"
)

// ChannelFilter restricts a rule to a single MIDI channel. 0 means any
// channel; 1..16 restrict to that channel.
type ChannelFilter uint8

// Matches reports whether channel (1-based, 0 for non-channel messages)
// satisfies this filter.
func (f ChannelFilter) Matches(channel uint8) bool {
	return f == 0 || uint8(f) == channel
}

// Stats holds per-rule usage counters. They are written to the rules file
// with their rule by SaveToFile and restored by LoadFromFile.
type Stats struct {
	Forwarded          uint64
	Dropped            uint64
	LastUsedUnixMicros int64
}

// Rule is a single forwarding rule. Priority: higher is tried first;
// ties are broken by insertion order. Self-routing (SrcNode==DstNode &&
// SrcDev==DstDev) is allowed — MidiRouter's loop prevention, not rule
// validation, is what keeps this safe.
type Rule struct {
	ID                string
	SrcNode           id.NodeId
	SrcDev            id.DeviceId
	DstNode           id.NodeId
	DstDev            id.DeviceId
	Priority          int32
	Enabled           bool
	ChannelFilter     ChannelFilter
	MessageTypeFilter classify.MessageType
	Stats             Stats
}

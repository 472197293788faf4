package datagram

import "sync/atomic"

// Statistics tracks DatagramTransport activity using atomic counters, safe
// for concurrent access from the send path and the receive goroutine.
type Statistics struct {
	PacketsSent    atomic.Uint64
	PacketsRecv    atomic.Uint64
	BytesSent      atomic.Uint64
	BytesRecv      atomic.Uint64
	SendErrors     atomic.Uint64
	ReceiveErrors  atomic.Uint64
	InvalidPackets atomic.Uint64
}

// StatsSnapshot is a plain-value, point-in-time copy of Statistics.
type StatsSnapshot struct {
	PacketsSent    uint64
	PacketsRecv    uint64
	BytesSent      uint64
	BytesRecv      uint64
	SendErrors     uint64
	ReceiveErrors  uint64
	InvalidPackets uint64
}

// Snapshot returns a consistent point-in-time copy of all counters.
func (s *Statistics) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsSent:    s.PacketsSent.Load(),
		PacketsRecv:    s.PacketsRecv.Load(),
		BytesSent:      s.BytesSent.Load(),
		BytesRecv:      s.BytesRecv.Load(),
		SendErrors:     s.SendErrors.Load(),
		ReceiveErrors:  s.ReceiveErrors.Load(),
		InvalidPackets: s.InvalidPackets.Load(),
	}
}

// Reset zeroes all counters.
func (s *Statistics) Reset() {
	s.PacketsSent.Store(0)
	s.PacketsRecv.Store(0)
	s.BytesSent.Store(0)
	s.BytesRecv.Store(0)
	s.SendErrors.Store(0)
	s.ReceiveErrors.Store(0)
	s.InvalidPackets.Store(0)
}

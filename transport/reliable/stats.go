package reliable

import "sync/atomic"

// Statistics tracks ReliableTransport activity using atomic counters.
type Statistics struct {
	Sent          atomic.Uint64
	Delivered     atomic.Uint64
	Failed        atomic.Uint64
	Retransmitted atomic.Uint64
	AcksSent      atomic.Uint64
	NacksSent     atomic.Uint64
	NacksReceived atomic.Uint64
	Received      atomic.Uint64
}

// StatsSnapshot is a plain-value, point-in-time copy of Statistics.
type StatsSnapshot struct {
	Sent          uint64
	Delivered     uint64
	Failed        uint64
	Retransmitted uint64
	AcksSent      uint64
	NacksSent     uint64
	NacksReceived uint64
	Received      uint64
}

// Snapshot returns a consistent point-in-time copy of all counters.
func (s *Statistics) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Sent:          s.Sent.Load(),
		Delivered:     s.Delivered.Load(),
		Failed:        s.Failed.Load(),
		Retransmitted: s.Retransmitted.Load(),
		AcksSent:      s.AcksSent.Load(),
		NacksSent:     s.NacksSent.Load(),
		NacksReceived: s.NacksReceived.Load(),
		Received:      s.Received.Load(),
	}
}

// Reset zeroes all counters.
func (s *Statistics) Reset() {
	s.Sent.Store(0)
	s.Delivered.Store(0)
	s.Failed.Store(0)
	s.Retransmitted.Store(0)
	s.AcksSent.Store(0)
	s.NacksSent.Store(0)
	s.NacksReceived.Store(0)
	s.Received.Store(0)
}

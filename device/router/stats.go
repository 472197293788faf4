package router

import (
	"sync"
	"sync/atomic"

	"github.com/oletizi/midi-fabric/core/classify"
)

// Statistics tracks MessageRouter send activity. TotalBytes/TotalMessages
// are always maintained; ByType is only populated when Config.DetailedTracking
// is enabled, since it costs a mutex-guarded map update per send.
type Statistics struct {
	TotalBytes    atomic.Uint64
	TotalMessages atomic.Uint64

	detailed bool
	typeMu   sync.Mutex
	byType   map[classify.MessageType]uint64
}

func newStatistics(detailed bool) *Statistics {
	return &Statistics{
		detailed: detailed,
		byType:   make(map[classify.MessageType]uint64),
	}
}

func (s *Statistics) record(ty classify.MessageType, n int) {
	s.TotalMessages.Add(1)
	s.TotalBytes.Add(uint64(n))
	if !s.detailed {
		return
	}
	s.typeMu.Lock()
	s.byType[ty]++
	s.typeMu.Unlock()
}

// StatsSnapshot is a plain-value, point-in-time copy of Statistics.
type StatsSnapshot struct {
	TotalBytes    uint64
	TotalMessages uint64
	ByType        map[classify.MessageType]uint64 // nil unless detailed tracking is enabled
}

// Snapshot returns a consistent point-in-time copy of all counters.
func (s *Statistics) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalBytes:    s.TotalBytes.Load(),
		TotalMessages: s.TotalMessages.Load(),
	}
	if !s.detailed {
		return snap
	}
	s.typeMu.Lock()
	defer s.typeMu.Unlock()
	snap.ByType = make(map[classify.MessageType]uint64, len(s.byType))
	for k, v := range s.byType {
		snap.ByType[k] = v
	}
	return snap
}

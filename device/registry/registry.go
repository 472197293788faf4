// Package registry implements DeviceRegistry: the inventory of local and
// remote MIDI devices known to this node.
package registry

import (
	"log/slog"
	"sync"

	"github.com/oletizi/midi-fabric/core/id"
)

// Kind distinguishes an input from an output device.
type Kind uint8

const (
	KindInput Kind = iota
	KindOutput
)

func (k Kind) String() string {
	if k == KindInput {
		return "input"
	}
	return "output"
}

// Record describes a single device, local or remote. For any (Owner, ID)
// there is at most one Record.
type Record struct {
	ID           id.DeviceId
	Owner        id.NodeId
	Name         string
	Kind         Kind
	Manufacturer string
}

// Config configures a Registry.
type Config struct {
	Logger *slog.Logger
}

// Registry is a DeviceRegistry.
type Registry struct {
	log *slog.Logger

	mu     sync.RWMutex
	local  map[id.DeviceId]Record
	remote map[id.NodeId]map[id.DeviceId]Record
}

// New constructs an empty Registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:    logger.WithGroup("registry"),
		local:  make(map[id.DeviceId]Record),
		remote: make(map[id.NodeId]map[id.DeviceId]Record),
	}
}

// AddLocal registers or replaces (upsert) a locally-owned device.
func (r *Registry) AddLocal(rec Record) {
	rec.Owner = id.Local
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[rec.ID] = rec
}

// AddRemote registers or replaces (upsert) a device owned by a remote
// peer.
func (r *Registry) AddRemote(owner id.NodeId, rec Record) {
	rec.Owner = owner
	r.mu.Lock()
	defer r.mu.Unlock()
	devices, ok := r.remote[owner]
	if !ok {
		devices = make(map[id.DeviceId]Record)
		r.remote[owner] = devices
	}
	devices[rec.ID] = rec
}

// RemoveLocal removes a single locally-owned device record.
func (r *Registry) RemoveLocal(devID id.DeviceId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.local, devID)
}

// RemoveRemote removes a single device record owned by owner.
func (r *Registry) RemoveRemote(owner id.NodeId, devID id.DeviceId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if devices, ok := r.remote[owner]; ok {
		delete(devices, devID)
		if len(devices) == 0 {
			delete(r.remote, owner)
		}
	}
}

// ClearLocalDevices removes every locally-owned device record.
func (r *Registry) ClearLocalDevices() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = make(map[id.DeviceId]Record)
}

// RemoveNodeDevices atomically removes every device record owned by
// owner, e.g. when a peer disconnects.
func (r *Registry) RemoveNodeDevices(owner id.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.remote, owner)
}

// Get returns the device record for (owner, devID), if any.
func (r *Registry) Get(owner id.NodeId, devID id.DeviceId) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if owner.IsZero() || owner == id.Local {
		rec, ok := r.local[devID]
		return rec, ok
	}
	devices, ok := r.remote[owner]
	if !ok {
		return Record{}, false
	}
	rec, ok := devices[devID]
	return rec, ok
}

// GetLocal returns every locally-owned device record.
func (r *Registry) GetLocal() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.local))
	for _, rec := range r.local {
		out = append(out, rec)
	}
	return out
}

// GetRemote returns every remotely-owned device record across all peers.
func (r *Registry) GetRemote() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, devices := range r.remote {
		for _, rec := range devices {
			out = append(out, rec)
		}
	}
	return out
}

// GetByNode returns every device record owned by owner (local or remote).
func (r *Registry) GetByNode(owner id.NodeId) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if owner.IsZero() || owner == id.Local {
		out := make([]Record, 0, len(r.local))
		for _, rec := range r.local {
			out = append(out, rec)
		}
		return out
	}
	devices, ok := r.remote[owner]
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(devices))
	for _, rec := range devices {
		out = append(out, rec)
	}
	return out
}

// IsAvailable reports whether devID is unused among local devices.
func (r *Registry) IsAvailable(devID id.DeviceId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, taken := r.local[devID]
	return !taken
}

// NextAvailable returns the smallest DeviceId not currently assigned to a
// local device.
func (r *Registry) NextAvailable() id.DeviceId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for candidate := id.DeviceId(0); ; candidate++ {
		if _, taken := r.local[candidate]; !taken {
			return candidate
		}
	}
}

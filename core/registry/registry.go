// Package registry implements UuidRegistry: a compact 32-bit hash to
// 128-bit NodeId mapping used to reference peer nodes inside packets.
package registry

import (
	"log/slog"
	"sync"

	"github.com/oletizi/midi-fabric/core/id"
)

// Registry maps NodeHash to NodeId for every peer currently known.
// Registrations are idempotent; lookups are safe for heavy concurrent use
// while registrations are comparatively rare.
type Registry struct {
	log *slog.Logger

	mu         sync.RWMutex
	byHash     map[id.NodeHash]id.NodeId
	collisions map[id.NodeHash]bool
}

// Config configures a Registry.
type Config struct {
	// Logger for registration and collision events. Falls back to
	// slog.Default() if nil.
	Logger *slog.Logger
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:        logger.WithGroup("registry"),
		byHash:     make(map[id.NodeHash]id.NodeId),
		collisions: make(map[id.NodeHash]bool),
	}
}

// Register adds nodeID to the registry under its computed hash. If the
// hash is already registered to a different NodeId, the first registrant
// wins: the existing mapping is kept, the collision is recorded and
// logged, and the caller is expected to regenerate its own NodeId if it
// detects (via HasCollision) that it lost the race. Re-registering the
// same NodeId is a no-op.
func (r *Registry) Register(nodeID id.NodeId) {
	hash := nodeID.ComputeHash()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byHash[hash]
	if !ok {
		r.byHash[hash] = nodeID
		return
	}
	if existing == nodeID {
		return
	}
	r.collisions[hash] = true
	r.log.Warn("node hash collision detected",
		"hash", hash, "incumbent", existing.String(), "rejected", nodeID.String())
}

// Unregister removes nodeID's mapping, if its hash currently maps to it.
func (r *Registry) Unregister(nodeID id.NodeId) {
	hash := nodeID.ComputeHash()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byHash[hash]; ok && existing == nodeID {
		delete(r.byHash, hash)
	}
}

// Lookup resolves a NodeHash to its registered NodeId. ok is false if no
// node is currently registered under that hash.
func (r *Registry) Lookup(hash id.NodeHash) (id.NodeId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byHash[hash]
	return n, ok
}

// ComputeHash is a convenience wrapper around NodeId.ComputeHash, kept on
// Registry so callers that only have a Registry handy don't need to
// import core/id separately.
func (r *Registry) ComputeHash(nodeID id.NodeId) id.NodeHash {
	return nodeID.ComputeHash()
}

// HasCollision reports whether a second, different NodeId was ever
// rejected for the given hash.
func (r *Registry) HasCollision(hash id.NodeHash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collisions[hash]
}

// Count returns the number of currently registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHash)
}

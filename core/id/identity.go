package id

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Identity is a stable per-host NodeId plus a derived display name. It is
// created once and persists for the life of the host install.
type Identity struct {
	ID   NodeId
	Name string
}

// DefaultDir is the directory NodeIdentity state lives under, relative to
// the user's home directory.
const DefaultDir = ".midi-network"

// IdentityFileName is the name of the single-line file holding the
// persisted NodeId.
const IdentityFileName = "node-id"

var (
	defaultOnce     sync.Once
	defaultIdentity *Identity
	defaultErr      error
)

// Default returns the process-wide Identity, lazily creating or loading it
// from disk on first access. Safe for concurrent use.
func Default() (*Identity, error) {
	defaultOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			defaultErr = fmt.Errorf("resolve home directory: %w", err)
			return
		}
		path := filepath.Join(home, DefaultDir, IdentityFileName)
		defaultIdentity, defaultErr = LoadOrCreate(path)
	})
	return defaultIdentity, defaultErr
}

// LoadOrCreate reads a persisted NodeId from path, or generates and
// persists a new one if the file does not exist.
func LoadOrCreate(path string) (*Identity, error) {
	nodeID, err := loadFromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		nodeID = NewNodeId()
		if err := saveToFile(path, nodeID); err != nil {
			return nil, err
		}
	}
	return &Identity{ID: nodeID, Name: deriveName(nodeID)}, nil
}

func loadFromFile(path string) (NodeId, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NodeId{}, err
	}
	line := strings.TrimSpace(string(data))
	return ParseNodeId(line)
}

func saveToFile(path string, nodeID NodeId) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(nodeID.String()+"\n"), 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit identity file: %w", err)
	}
	return nil
}

// deriveName produces a short, stable, human-friendly name from a NodeId
// (its first 8 hex characters), so nodes have something readable to log
// without a separate naming scheme.
func deriveName(nodeID NodeId) string {
	s := strings.ReplaceAll(nodeID.String(), "-", "")
	if len(s) < 8 {
		return "node-" + s
	}
	return "node-" + s[:8]
}

package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/oletizi/midi-fabric/core/id"
	"github.com/oletizi/midi-fabric/core/metrics"
	"github.com/oletizi/midi-fabric/device/registry"
)

// ErrUnknownDevice is returned when a rule references a src/dst device that
// DeviceLookup does not recognize.
var ErrUnknownDevice = errors.New("rules: unknown device")

// ErrRuleNotFound is returned by operations on a rule id that does not
// exist.
var ErrRuleNotFound = errors.New("rules: rule not found")

// DeviceLookup is the subset of device/registry.Registry that rule
// validation needs. Satisfied by *registry.Registry.
type DeviceLookup interface {
	Get(owner id.NodeId, devID id.DeviceId) (registry.Record, bool)
	GetByNode(owner id.NodeId) []registry.Record
}

// Config configures a Manager.
type Config struct {
	Logger *slog.Logger
	Metrics *metrics.Registry
	Devices DeviceLookup
}

type entry struct {
	rule  Rule
	order int
}

// Manager is a RouteManager: the CRUD+priority+filter rule store that
// drives MidiRouter's forwarding decisions.
type Manager struct {
	log     *slog.Logger
	devices DeviceLookup

	ruleCount *metrics.Gauge

	mu      sync.RWMutex
	rules   map[string]*entry
	nextOrd int
}

// New constructs an empty Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:       logger.WithGroup("rules"),
		devices:   cfg.Devices,
		ruleCount: cfg.Metrics.NewGauge("rules_active", "Number of enabled forwarding rules"),
		rules:     make(map[string]*entry),
	}
}

// validate checks that a rule's src/dst device pairs are known to the
// configured DeviceLookup. Self-routing (same node and device) is
// permitted; MidiRouter's loop prevention, not validation, guards against
// routing storms.
func (m *Manager) validate(r Rule) error {
	if m.devices == nil {
		return nil
	}
	if _, ok := m.devices.Get(r.SrcNode, r.SrcDev); !ok {
		return fmt.Errorf("%w: src node=%s dev=%d", ErrUnknownDevice, r.SrcNode, r.SrcDev)
	}
	if _, ok := m.devices.Get(r.DstNode, r.DstDev); !ok {
		return fmt.Errorf("%w: dst node=%s dev=%d", ErrUnknownDevice, r.DstNode, r.DstDev)
	}
	return nil
}

// AddRule validates and stores rule, assigning it a fresh id. The
// assigned id is returned.
func (m *Manager) AddRule(r Rule) (string, error) {
	if err := m.validate(r); err != nil {
		return "", err
	}
	r.ID = uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = &entry{rule: r, order: m.nextOrd}
	m.nextOrd++
	m.updateGaugeLocked()
	return r.ID, nil
}

// UpdateRule replaces the rule stored under id, preserving its
// insertion-order position and existing Stats. Validation runs against
// the new src/dst devices.
func (m *Manager) UpdateRule(ruleID string, r Rule) error {
	if err := m.validate(r); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rules[ruleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	r.ID = ruleID
	r.Stats = e.rule.Stats
	e.rule = r
	m.updateGaugeLocked()
	return nil
}

// RemoveRule deletes a rule by id. Removing an unknown id is a no-op.
func (m *Manager) RemoveRule(ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, ruleID)
	m.updateGaugeLocked()
}

// GetRule returns a copy of the rule stored under id.
func (m *Manager) GetRule(ruleID string) (Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rules[ruleID]
	if !ok {
		return Rule{}, false
	}
	return e.rule, true
}

// GetAllRules returns every rule, ordered by priority descending, ties
// broken by insertion order.
func (m *Manager) GetAllRules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked(nil)
}

// ClearAllRules removes every rule.
func (m *Manager) ClearAllRules() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = make(map[string]*entry)
	m.nextOrd = 0
	m.updateGaugeLocked()
}

// GetDestinations returns every enabled rule whose source matches
// (srcNode, srcDev), ordered by priority descending, ties broken by
// insertion order. MidiRouter walks this list in order, applying each
// rule's channel and message-type filters as it goes.
func (m *Manager) GetDestinations(srcNode id.NodeId, srcDev id.DeviceId) []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	match := func(r Rule) bool {
		return r.Enabled && r.SrcNode == srcNode && r.SrcDev == srcDev
	}
	return m.sortedLocked(match)
}

func (m *Manager) sortedLocked(keep func(Rule) bool) []Rule {
	type scored struct {
		rule  Rule
		order int
	}
	var out []scored
	for _, e := range m.rules {
		if keep != nil && !keep(e.rule) {
			continue
		}
		out = append(out, scored{rule: e.rule, order: e.order})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rule.Priority != out[j].rule.Priority {
			return out[i].rule.Priority > out[j].rule.Priority
		}
		return out[i].order < out[j].order
	})
	rules := make([]Rule, len(out))
	for i, s := range out {
		rules[i] = s.rule
	}
	return rules
}

// UpdateRuleStatistics records a forward or drop decision against ruleID,
// updating its last-used timestamp on a forward. nowMicros is the caller's
// current time in microseconds since epoch (injected so Manager carries no
// wall-clock dependency of its own).
func (m *Manager) UpdateRuleStatistics(ruleID string, forwarded bool, nowMicros int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rules[ruleID]
	if !ok {
		return
	}
	if forwarded {
		e.rule.Stats.Forwarded++
		e.rule.Stats.LastUsedUnixMicros = nowMicros
	} else {
		e.rule.Stats.Dropped++
	}
}

// ResetStatistics zeroes every rule's Stats.
func (m *Manager) ResetStatistics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.rules {
		e.rule.Stats = Stats{}
	}
}

func (m *Manager) updateGaugeLocked() {
	n := 0
	for _, e := range m.rules {
		if e.rule.Enabled {
			n++
		}
	}
	m.ruleCount.Set(float64(n))
}

// persistedFile is the on-disk shape of the rule set. id.NodeId's MarshalText /
// UnmarshalText methods keep SrcNode/DstNode readable UUID strings rather
// than raw byte arrays.
type persistedFile struct {
	Rules []Rule `json:"rules"`
}

// SaveToFile writes every rule to path as JSON, atomically via
// write-temp-then-rename so a crash mid-write never corrupts the file
// readers see.
func (m *Manager) SaveToFile(path string) error {
	m.mu.RLock()
	doc := persistedFile{Rules: m.sortedLocked(nil)}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create rules directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write rules file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit rules file: %w", err)
	}
	return nil
}

// LoadFromFile replaces the current rule set with the contents of path.
// A missing or corrupt file is treated as an empty rule set: LoadFromFile
// logs the problem and returns nil rather than leaving the fabric
// unable to start because of a damaged rules.json.
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.log.Info("rules file does not exist, starting with an empty rule set", "path", path)
			m.ClearAllRules()
			return nil
		}
		return fmt.Errorf("read rules file: %w", err)
	}

	var doc persistedFile
	if err := json.Unmarshal(data, &doc); err != nil {
		m.log.Warn("rules file is corrupt, starting with an empty rule set", "path", path, "error", err)
		m.ClearAllRules()
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = make(map[string]*entry, len(doc.Rules))
	m.nextOrd = 0
	for _, r := range doc.Rules {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		m.rules[r.ID] = &entry{rule: r, order: m.nextOrd}
		m.nextOrd++
	}
	m.updateGaugeLocked()
	return nil
}

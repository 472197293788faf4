// Package reliable implements ReliableTransport: ACK/NACK-driven, retried
// delivery layered on top of a DatagramTransport. It does not reorder;
// packets are handed to its PacketHandler in arrival order, leaving
// reassembly and dedup to the component above it (MessageBuffer).
package reliable

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oletizi/midi-fabric/core/codec"
	"github.com/oletizi/midi-fabric/core/metrics"
	"github.com/oletizi/midi-fabric/transport/datagram"
)

const (
	// DefaultBaseTimeout is the initial retransmission timeout.
	DefaultBaseTimeout = 100 * time.Millisecond
	// DefaultMaxRetries bounds timeout-driven retransmission attempts
	// (Nack-triggered retransmits don't count against this).
	DefaultMaxRetries = 5
	// DefaultNackInterval throttles how often a single gap re-requests a
	// Nack from the receiver side.
	DefaultNackInterval = 200 * time.Millisecond
	// defaultSweepInterval governs how often the retry sweep examines
	// unacked entries for timeout.
	defaultSweepInterval = 20 * time.Millisecond
)

// Datagram is the subset of DatagramTransport's API ReliableTransport
// depends on, matching transport/datagram.Transport.
type Datagram interface {
	Send(pkt *codec.Packet, host string, port int) error
	SendRaw(pkt *codec.Packet, host string, port int) error
	SetPacketHandler(fn datagram.PacketHandler)
}

// DeliveredFunc is invoked once a reliable send's Ack arrives.
type DeliveredFunc func(seq uint16)

// FailedFunc is invoked when a reliable send exhausts its retries or is
// cancelled. reason is a short machine-readable string ("timeout",
// "cancelled").
type FailedFunc func(seq uint16, reason string)

// PacketHandler receives every valid Data/Heartbeat packet, whether or not
// its Reliable flag is set, in the order it arrived off the wire. It must
// not block.
type PacketHandler func(pkt *codec.Packet, srcHost string, srcPort int)

// Config configures a Transport.
type Config struct {
	Logger        *slog.Logger
	Metrics       *metrics.Registry
	BaseTimeout   time.Duration
	MaxRetries    int
	NackInterval  time.Duration
	SweepInterval time.Duration
	// NowFn is the time source, overridable in tests.
	NowFn func() time.Time
}

func (c Config) baseTimeout() time.Duration {
	if c.BaseTimeout <= 0 {
		return DefaultBaseTimeout
	}
	return c.BaseTimeout
}

func (c Config) maxRetries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

func (c Config) nackInterval() time.Duration {
	if c.NackInterval <= 0 {
		return DefaultNackInterval
	}
	return c.NackInterval
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval <= 0 {
		return defaultSweepInterval
	}
	return c.SweepInterval
}

type unackedKey struct {
	destHash uint32
	seq      uint16
}

type unackedEntry struct {
	pkt         *codec.Packet
	host        string
	port        int
	firstSent   time.Time
	lastSent    time.Time
	retries     int
	onDelivered DeliveredFunc
	onFailed    FailedFunc
}

// Transport is a Datagram-backed ReliableTransport.
type Transport struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
	dg  Datagram

	stats Statistics

	mu      sync.Mutex
	unacked map[unackedKey]*unackedEntry

	expectMu sync.Mutex
	expected map[uint32]uint16
	lastNack map[uint32]time.Time

	onPacket PacketHandler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Transport layered on dg. It registers itself as dg's
// packet handler, so callers must not also install their own handler on
// dg directly.
func New(cfg Config, dg Datagram) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.NowFn
	if now == nil {
		now = time.Now
	}
	t := &Transport{
		cfg:      cfg,
		log:      logger.WithGroup("reliable"),
		now:      now,
		dg:       dg,
		unacked:  make(map[unackedKey]*unackedEntry),
		expected: make(map[uint32]uint16),
		lastNack: make(map[uint32]time.Time),
		stopCh:   make(chan struct{}),
	}
	dg.SetPacketHandler(t.handleInbound)

	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// SetPacketHandler sets the callback that receives valid Data/Heartbeat
// packets in arrival order.
func (t *Transport) SetPacketHandler(fn PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPacket = fn
}

// Stop halts the retry sweep goroutine. It does not touch the underlying
// Datagram transport, which the caller owns.
func (t *Transport) Stop() {
	select {
	case <-t.stopCh:
		return
	default:
		close(t.stopCh)
	}
	t.wg.Wait()
}

// Send transmits pkt reliably to host:port, setting the Reliable flag and
// tracking it until Ack, Nack-then-Ack, or retry exhaustion.
func (t *Transport) Send(pkt *codec.Packet, host string, port int, onDelivered DeliveredFunc, onFailed FailedFunc) error {
	pkt.Flags |= codec.FlagReliable
	if err := t.dg.Send(pkt, host, port); err != nil {
		return err
	}
	t.stats.Sent.Add(1)

	now := t.now()
	entry := &unackedEntry{
		pkt:         pkt,
		host:        host,
		port:        port,
		firstSent:   now,
		lastSent:    now,
		onDelivered: onDelivered,
		onFailed:    onFailed,
	}

	t.mu.Lock()
	t.unacked[unackedKey{destHash: pkt.DestNodeHash, seq: pkt.Sequence}] = entry
	t.mu.Unlock()
	return nil
}

// Cancel removes the unacked entry for (destNodeHash, seq), if present, and
// fires its onFailed callback with reason "cancelled". Returns true if an
// entry was found. The literal spec signature cancel(seq) is refined here
// to include the destination, since sequence counters are per-destination
// and seq alone does not disambiguate entries.
func (t *Transport) Cancel(destNodeHash uint32, seq uint16) bool {
	key := unackedKey{destHash: destNodeHash, seq: seq}

	t.mu.Lock()
	entry, ok := t.unacked[key]
	if ok {
		delete(t.unacked, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.stats.Failed.Add(1)
	if entry.onFailed != nil {
		entry.onFailed(seq, "cancelled")
	}
	return true
}

// Statistics returns a point-in-time snapshot of transport counters.
func (t *Transport) Statistics() StatsSnapshot {
	return t.stats.Snapshot()
}

// ResetStatistics zeroes every counter.
func (t *Transport) ResetStatistics() {
	t.stats.Reset()
}

func (t *Transport) handleInbound(pkt *codec.Packet, srcHost string, srcPort int) {
	switch pkt.Type() {
	case codec.TypeAck:
		t.handleAck(pkt)
	case codec.TypeNack:
		t.handleNack(pkt, srcHost, srcPort)
	default:
		t.handleData(pkt, srcHost, srcPort)
	}
}

func (t *Transport) handleAck(pkt *codec.Packet) {
	key := unackedKey{destHash: pkt.SourceNodeHash, seq: pkt.Sequence}

	t.mu.Lock()
	entry, ok := t.unacked[key]
	if ok {
		delete(t.unacked, key)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.stats.Delivered.Add(1)
	if entry.onDelivered != nil {
		entry.onDelivered(pkt.Sequence)
	}
}

func (t *Transport) handleNack(pkt *codec.Packet, srcHost string, srcPort int) {
	t.stats.NacksReceived.Add(1)
	key := unackedKey{destHash: pkt.SourceNodeHash, seq: pkt.Sequence}

	t.mu.Lock()
	entry, ok := t.unacked[key]
	if ok {
		entry.lastSent = t.now()
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	if err := t.dg.SendRaw(entry.pkt, entry.host, entry.port); err != nil {
		t.log.Debug("nack-triggered retransmit failed", "error", err, "seq", pkt.Sequence)
		return
	}
	t.stats.Retransmitted.Add(1)
}

func (t *Transport) handleData(pkt *codec.Packet, srcHost string, srcPort int) {
	if pkt.IsReliable() {
		t.stats.Received.Add(1)
		t.ack(pkt, srcHost, srcPort)
		t.checkGap(pkt, srcHost, srcPort)
	}

	t.mu.Lock()
	handler := t.onPacket
	t.mu.Unlock()
	if handler != nil {
		handler(pkt, srcHost, srcPort)
	}
}

func (t *Transport) ack(pkt *codec.Packet, srcHost string, srcPort int) {
	reply := &codec.Packet{
		Flags:          codec.FlagAck,
		Sequence:       pkt.Sequence,
		DeviceId:       pkt.DeviceId,
		SourceNodeHash: pkt.DestNodeHash,
		DestNodeHash:   pkt.SourceNodeHash,
	}
	if err := t.dg.SendRaw(reply, srcHost, srcPort); err != nil {
		t.log.Debug("ack send failed", "error", err, "seq", pkt.Sequence)
		return
	}
	t.stats.AcksSent.Add(1)
}

// nack requests retransmission of expected from the peer at srcHost:srcPort
// by sending a Nack packet carrying that sequence number.
func (t *Transport) nack(pkt *codec.Packet, expected uint16, srcHost string, srcPort int) {
	reply := &codec.Packet{
		Flags:          codec.FlagNack,
		Sequence:       expected,
		DeviceId:       pkt.DeviceId,
		SourceNodeHash: pkt.DestNodeHash,
		DestNodeHash:   pkt.SourceNodeHash,
	}
	if err := t.dg.SendRaw(reply, srcHost, srcPort); err != nil {
		t.log.Debug("nack send failed", "error", err, "seq", expected)
		return
	}
	t.stats.NacksSent.Add(1)
	t.log.Debug("gap detected, requested retransmit", "src", pkt.SourceNodeHash, "expected", expected, "got", pkt.Sequence)
}

// checkGap tracks, per source node, the next sequence this transport
// expects to see and requests a Nack at most once per NackInterval when a
// gap opens up. It never drops or reorders the packet itself.
func (t *Transport) checkGap(pkt *codec.Packet, srcHost string, srcPort int) {
	t.expectMu.Lock()

	expected, known := t.expected[pkt.SourceNodeHash]
	if !known {
		t.expected[pkt.SourceNodeHash] = pkt.Sequence + 1
		t.expectMu.Unlock()
		return
	}

	delta := int16(pkt.Sequence - expected)
	switch {
	case delta == 0:
		t.expected[pkt.SourceNodeHash] = expected + 1
		t.expectMu.Unlock()
	case delta > 0:
		now := t.now()
		if last, ok := t.lastNack[pkt.SourceNodeHash]; ok && now.Sub(last) < t.cfg.nackInterval() {
			t.expectMu.Unlock()
			return
		}
		t.lastNack[pkt.SourceNodeHash] = now
		t.expectMu.Unlock()
		t.nack(pkt, expected, srcHost, srcPort)
	default:
		// Older than expected: a late or duplicate arrival, not a new gap.
		t.expectMu.Unlock()
	}
}

func (t *Transport) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

func (t *Transport) sweepOnce() {
	now := t.now()
	base := t.cfg.baseTimeout()
	maxRetries := t.cfg.maxRetries()

	var toRetransmit []unackedKey
	var toFail []unackedKey

	t.mu.Lock()
	for key, entry := range t.unacked {
		backoff := base << uint(entry.retries)
		if now.Sub(entry.lastSent) < backoff {
			continue
		}
		if entry.retries >= maxRetries {
			toFail = append(toFail, key)
			continue
		}
		toRetransmit = append(toRetransmit, key)
	}
	t.mu.Unlock()

	for _, key := range toFail {
		t.mu.Lock()
		entry, ok := t.unacked[key]
		if ok {
			delete(t.unacked, key)
		}
		t.mu.Unlock()
		if !ok {
			continue
		}
		t.stats.Failed.Add(1)
		if entry.onFailed != nil {
			entry.onFailed(key.seq, "timeout")
		}
	}

	for _, key := range toRetransmit {
		t.mu.Lock()
		entry, ok := t.unacked[key]
		if ok {
			entry.retries++
			entry.lastSent = now
		}
		t.mu.Unlock()
		if !ok {
			continue
		}
		if err := t.dg.SendRaw(entry.pkt, entry.host, entry.port); err != nil {
			t.log.Debug("timeout retransmit failed", "error", err, "seq", key.seq)
			continue
		}
		t.stats.Retransmitted.Add(1)
	}
}

// Package buffer implements MessageBuffer: per-flow, in-order,
// exactly-once delivery of Reliable packets arriving out of order or with
// gaps, using circular sequence-number arithmetic modulo 2^16.
package buffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oletizi/midi-fabric/core/codec"
	"github.com/oletizi/midi-fabric/core/metrics"
)

const (
	// DefaultMaxBufferSize bounds how many out-of-order packets are held
	// awaiting their predecessors.
	DefaultMaxBufferSize = 64
	// DefaultMaxSequenceGap is the largest forward jump treated as a
	// recoverable reorder rather than a permanent skip.
	DefaultMaxSequenceGap = 32
	// DefaultDeliveryTimeoutMillis bounds how long a buffered packet waits
	// for its predecessors before the gap is declared permanently lost.
	DefaultDeliveryTimeoutMillis = 200
)

// PacketReadyFunc is invoked, in delivery order, for every packet the
// buffer releases.
type PacketReadyFunc func(pkt *codec.Packet)

// GapDetectedFunc is invoked for a missing sequence number when a later
// packet is first buffered past it, and again for each sequence the buffer
// gives up on waiting for (a jump beyond MaxSequenceGap or a delivery
// timeout).
type GapDetectedFunc func(missingSeq uint16)

// DuplicateDetectedFunc is invoked when a sequence already delivered or
// already buffered arrives again.
type DuplicateDetectedFunc func(seq uint16)

// Config configures a Buffer.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	MaxBufferSize         int
	MaxSequenceGap        int
	AllowDuplicates       bool
	DeliveryTimeoutMillis int

	// NowFn is the time source, overridable in tests.
	NowFn func() time.Time
}

func (c Config) maxBufferSize() int {
	if c.MaxBufferSize <= 0 {
		return DefaultMaxBufferSize
	}
	return c.MaxBufferSize
}

func (c Config) maxSequenceGap() int {
	if c.MaxSequenceGap <= 0 {
		return DefaultMaxSequenceGap
	}
	return c.MaxSequenceGap
}

func (c Config) deliveryTimeout() time.Duration {
	ms := c.DeliveryTimeoutMillis
	if ms <= 0 {
		ms = DefaultDeliveryTimeoutMillis
	}
	return time.Duration(ms) * time.Millisecond
}

// delta returns a-b interpreted as a signed value in [-2^15, 2^15) under
// modulo-2^16 arithmetic. A negative result means a is older than b.
func delta(a, b uint16) int16 {
	return int16(a - b)
}

type bufferedEntry struct {
	pkt     *codec.Packet
	arrival time.Time
}

// events accumulates callback invocations produced while Buffer.mu is
// held, so they can be fired after the lock is released.
type events struct {
	delivered  []*codec.Packet
	gaps       []uint16
	duplicates []uint16
}

// Buffer is a MessageBuffer for a single (source node, destination device)
// flow. The zero value is not usable; construct with New.
type Buffer struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	onReady     PacketReadyFunc
	onGap       GapDetectedFunc
	onDuplicate DuplicateDetectedFunc

	mu            sync.Mutex
	nextExpected  uint16
	buffered      map[uint16]*bufferedEntry
	announcedGaps map[uint16]bool
	stats         Statistics

	// deliveredHistory remembers the most recently delivered sequence
	// numbers (bounded to maxBufferSize entries) so a stale resend of one
	// of them is reported as a duplicate rather than just a drop — see
	// spec.md §8 scenario S3. Sequences evicted from this window that
	// resend are still counted as plain drops: the buffer only remembers
	// so much history.
	deliveredHistory map[uint16]struct{}
	deliveredOrder   []uint16

	deliveredGauge *metrics.Gauge

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Buffer starting with nextExpected == 0 and begins its
// timeout-sweep goroutine.
func New(cfg Config) *Buffer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.NowFn
	if now == nil {
		now = time.Now
	}
	b := &Buffer{
		cfg:              cfg,
		log:              logger.WithGroup("buffer"),
		now:              now,
		buffered:         make(map[uint16]*bufferedEntry),
		announcedGaps:    make(map[uint16]bool),
		deliveredHistory: make(map[uint16]struct{}),
		stopCh:           make(chan struct{}),
	}
	b.deliveredGauge = cfg.Metrics.NewGauge("buffer_current_size", "Packets currently held in a MessageBuffer")

	b.wg.Add(1)
	go b.sweepLoop()
	return b
}

// SetPacketReadyHandler sets the callback invoked for every delivered
// packet, in delivery order.
func (b *Buffer) SetPacketReadyHandler(fn PacketReadyFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReady = fn
}

// SetGapDetectedHandler sets the callback invoked for missing sequence
// numbers; see GapDetectedFunc for when it fires.
func (b *Buffer) SetGapDetectedHandler(fn GapDetectedFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onGap = fn
}

// SetDuplicateDetectedHandler sets the callback invoked when a sequence
// arrives a second time.
func (b *Buffer) SetDuplicateDetectedHandler(fn DuplicateDetectedFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDuplicate = fn
}

// Stop halts the timeout-sweep goroutine.
func (b *Buffer) Stop() {
	select {
	case <-b.stopCh:
		return
	default:
		close(b.stopCh)
	}
	b.wg.Wait()
}

// Statistics returns a point-in-time snapshot of buffer counters.
func (b *Buffer) Statistics() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// NextExpected returns the sequence the buffer next expects to deliver.
func (b *Buffer) NextExpected() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextExpected
}

// AddPacket offers pkt to the buffer. See spec §4.7 for the four-branch
// algorithm this implements exactly.
func (b *Buffer) AddPacket(pkt *codec.Packet) {
	var ev events

	b.mu.Lock()
	b.stats.PacketsReceived++
	seq := pkt.Sequence

	switch {
	case seq == b.nextExpected:
		b.deliverImmediateLocked(pkt, &ev)
		b.nextExpected++
		b.drainLocked(&ev)
		b.updateBufferSizeLocked()

	case delta(seq, b.nextExpected) < 0 && b.buffered[seq] == nil:
		// Strictly older than nextExpected and not a buffered duplicate: a
		// packet whose slot has already been delivered and passed. If it's
		// still within the recently-delivered window, it's a duplicate
		// resend rather than a packet arriving too late to ever have been
		// seen; never redelivered either way (spec §9 Open Question 2: an
		// older-than-nextExpected duplicate is not redelivered even with
		// AllowDuplicates).
		if _, wasDelivered := b.deliveredHistory[seq]; wasDelivered {
			b.stats.Duplicates++
			ev.duplicates = append(ev.duplicates, seq)
		} else {
			b.stats.PacketsDropped++
		}

	case b.buffered[seq] != nil:
		b.stats.Duplicates++
		ev.duplicates = append(ev.duplicates, seq)
		if b.cfg.AllowDuplicates && delta(seq, b.nextExpected) >= 0 {
			ev.delivered = append(ev.delivered, pkt)
		}

	default:
		gap := int(delta(seq, b.nextExpected))
		if gap > b.cfg.maxSequenceGap() {
			for s := b.nextExpected; s != seq; s++ {
				ev.gaps = append(ev.gaps, s)
				b.stats.GapsDetected++
				delete(b.announcedGaps, s)
			}
			b.nextExpected = seq
			b.deliverImmediateLocked(pkt, &ev)
			b.nextExpected++
			b.drainLocked(&ev)
			b.updateBufferSizeLocked()
		} else {
			b.buffered[seq] = &bufferedEntry{pkt: pkt, arrival: b.now()}
			b.updateBufferSizeLocked()
			if len(b.buffered) > b.cfg.maxBufferSize() {
				oldestSeq := b.oldestBufferedKeyLocked()
				delete(b.buffered, oldestSeq)
				b.stats.PacketsDropped++
				b.updateBufferSizeLocked()
			}
			for s := b.nextExpected; s != seq; s++ {
				if _, present := b.buffered[s]; present {
					continue
				}
				if !b.announcedGaps[s] {
					b.announcedGaps[s] = true
					ev.gaps = append(ev.gaps, s)
					b.stats.GapsDetected++
				}
			}
		}
	}

	b.mu.Unlock()
	b.fire(ev)
}

func (b *Buffer) deliverImmediateLocked(pkt *codec.Packet, ev *events) {
	b.stats.PacketsDelivered++
	ev.delivered = append(ev.delivered, pkt)
	b.recordDeliveredLocked(pkt.Sequence)
}

// recordDeliveredLocked adds seq to the recently-delivered window, evicting
// the oldest entry once the window exceeds maxBufferSize.
func (b *Buffer) recordDeliveredLocked(seq uint16) {
	b.deliveredHistory[seq] = struct{}{}
	b.deliveredOrder = append(b.deliveredOrder, seq)
	if limit := b.cfg.maxBufferSize(); len(b.deliveredOrder) > limit {
		oldest := b.deliveredOrder[0]
		b.deliveredOrder = b.deliveredOrder[1:]
		delete(b.deliveredHistory, oldest)
	}
}

// drainLocked releases any contiguous run of buffered packets starting at
// nextExpected. Each one is reordered relative to its arrival, so it's
// counted separately from immediate, in-sequence deliveries.
func (b *Buffer) drainLocked(ev *events) {
	for {
		entry, ok := b.buffered[b.nextExpected]
		if !ok {
			return
		}
		delete(b.buffered, b.nextExpected)
		delete(b.announcedGaps, b.nextExpected)
		b.stats.PacketsDelivered++
		b.stats.PacketsReordered++
		ev.delivered = append(ev.delivered, entry.pkt)
		b.recordDeliveredLocked(b.nextExpected)
		b.nextExpected++
	}
}

func (b *Buffer) updateBufferSizeLocked() {
	b.stats.CurrentBufferSize = len(b.buffered)
	if b.stats.CurrentBufferSize > b.stats.MaxBufferSizeReached {
		b.stats.MaxBufferSizeReached = b.stats.CurrentBufferSize
	}
	b.deliveredGauge.Set(float64(b.stats.CurrentBufferSize))
}

// oldestBufferedKeyLocked returns the buffered key with the earliest
// arrival timestamp: the straggler that has waited longest for its
// predecessors to show up.
func (b *Buffer) oldestBufferedKeyLocked() uint16 {
	var oldest uint16
	var oldestArrival time.Time
	first := true
	for k, entry := range b.buffered {
		if first || entry.arrival.Before(oldestArrival) {
			oldest = k
			oldestArrival = entry.arrival
			first = false
		}
	}
	return oldest
}

// lowestBufferedKeyLocked returns the buffered key closest to nextExpected
// in forward circular order.
func (b *Buffer) lowestBufferedKeyLocked() (uint16, bool) {
	if len(b.buffered) == 0 {
		return 0, false
	}
	var lowest uint16
	var lowestDelta int16 = -1
	for k := range b.buffered {
		d := delta(k, b.nextExpected)
		if lowestDelta == -1 || d < lowestDelta {
			lowestDelta = d
			lowest = k
		}
	}
	return lowest, true
}

func (b *Buffer) fire(ev events) {
	for _, seq := range ev.duplicates {
		if b.onDuplicate != nil {
			b.onDuplicate(seq)
		}
	}
	for _, seq := range ev.gaps {
		if b.onGap != nil {
			b.onGap(seq)
		}
	}
	for _, pkt := range ev.delivered {
		if b.onReady != nil {
			b.onReady(pkt)
		}
	}
}

func (b *Buffer) sweepLoop() {
	defer b.wg.Done()
	interval := b.cfg.deliveryTimeout() / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweepTimeouts()
		}
	}
}

// sweepTimeouts implements the permanent-loss recovery path: if the
// lowest buffered entry has aged past deliveryTimeoutMillis, the gap
// before it is declared permanently lost and nextExpected skips to it.
func (b *Buffer) sweepTimeouts() {
	var ev events

	b.mu.Lock()
	lowest, ok := b.lowestBufferedKeyLocked()
	if !ok {
		b.mu.Unlock()
		return
	}
	entry := b.buffered[lowest]
	if b.now().Sub(entry.arrival) < b.cfg.deliveryTimeout() {
		b.mu.Unlock()
		return
	}

	for s := b.nextExpected; s != lowest; s++ {
		ev.gaps = append(ev.gaps, s)
		b.stats.GapsDetected++
		delete(b.announcedGaps, s)
	}
	b.nextExpected = lowest
	b.drainLocked(&ev)
	b.updateBufferSizeLocked()
	b.mu.Unlock()

	b.fire(ev)
}

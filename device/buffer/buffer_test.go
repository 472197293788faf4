package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/oletizi/midi-fabric/core/codec"
)

type recorder struct {
	mu         sync.Mutex
	delivered  []uint16
	gaps       []uint16
	duplicates []uint16
}

func (r *recorder) ready(pkt *codec.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, pkt.Sequence)
}

func (r *recorder) gap(seq uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gaps = append(r.gaps, seq)
}

func (r *recorder) dup(seq uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicates = append(r.duplicates, seq)
}

func (r *recorder) deliveredSeqs() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint16, len(r.delivered))
	copy(out, r.delivered)
	return out
}

func newTestBuffer(t *testing.T, cfg Config) (*Buffer, *recorder) {
	t.Helper()
	rec := &recorder{}
	b := New(cfg)
	b.SetPacketReadyHandler(rec.ready)
	b.SetGapDetectedHandler(rec.gap)
	b.SetDuplicateDetectedHandler(rec.dup)
	t.Cleanup(b.Stop)
	return b, rec
}

func pkt(seq uint16) *codec.Packet {
	return &codec.Packet{Sequence: seq, MIDI: []byte{0x90, 60, 100}}
}

func TestDeltaCircularComparison(t *testing.T) {
	if delta(5, 3) != 2 {
		t.Fatalf("delta(5,3) = %d, want 2", delta(5, 3))
	}
	if delta(3, 5) != -2 {
		t.Fatalf("delta(3,5) = %d, want -2", delta(3, 5))
	}
	if delta(0, 65535) != 1 {
		t.Fatalf("delta(0,65535) = %d, want 1", delta(0, 65535))
	}
	if delta(65535, 0) != -1 {
		t.Fatalf("delta(65535,0) = %d, want -1", delta(65535, 0))
	}
}

func TestInOrderDeliveryIsImmediate(t *testing.T) {
	b, rec := newTestBuffer(t, Config{})
	b.AddPacket(pkt(0))
	b.AddPacket(pkt(1))
	b.AddPacket(pkt(2))

	if got := rec.deliveredSeqs(); len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("delivered = %v, want [0 1 2]", got)
	}
	if b.NextExpected() != 3 {
		t.Fatalf("NextExpected = %d, want 3", b.NextExpected())
	}
}

func TestOutOfOrderReorderedOnDrain(t *testing.T) {
	b, rec := newTestBuffer(t, Config{})
	b.AddPacket(pkt(0))
	b.AddPacket(pkt(2))
	b.AddPacket(pkt(3))
	if got := rec.deliveredSeqs(); len(got) != 1 {
		t.Fatalf("expected only seq 0 delivered so far, got %v", got)
	}
	b.AddPacket(pkt(1))

	got := rec.deliveredSeqs()
	want := []uint16{0, 1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("delivered = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered = %v, want %v", got, want)
		}
	}

	stats := b.Statistics()
	if stats.PacketsReordered != 2 {
		t.Fatalf("PacketsReordered = %d, want 2", stats.PacketsReordered)
	}
}

func TestResendOfRecentlyDeliveredIsDuplicate(t *testing.T) {
	// spec.md §8 scenario S3: inputs [0,1,1], allowDuplicates=false ->
	// delivered [0,1], duplicates=1. A resend of a sequence already
	// delivered (and still within the recently-delivered window) is a
	// duplicate, not a plain drop, even though it is older than
	// nextExpected and not currently buffered.
	b, rec := newTestBuffer(t, Config{})
	b.AddPacket(pkt(0))
	b.AddPacket(pkt(1))
	b.AddPacket(pkt(1)) // resend of the just-delivered sequence

	if stats := b.Statistics(); stats.Duplicates != 1 {
		t.Fatalf("Duplicates = %d, want 1", stats.Duplicates)
	}
	if stats := b.Statistics(); stats.PacketsDropped != 0 {
		t.Fatalf("PacketsDropped = %d, want 0", stats.PacketsDropped)
	}
	if got := rec.deliveredSeqs(); len(got) != 2 {
		t.Fatalf("delivered = %v, want exactly [0 1]", got)
	}
	if len(rec.duplicates) != 1 || rec.duplicates[0] != 1 {
		t.Fatalf("duplicate callback = %v, want [1]", rec.duplicates)
	}
}

func TestOlderThanExpectedIsDroppedOnceHistoryEvicted(t *testing.T) {
	b, rec := newTestBuffer(t, Config{MaxBufferSize: 1})
	b.AddPacket(pkt(0))
	for seq := uint16(1); seq <= 3; seq++ {
		b.AddPacket(pkt(seq)) // pushes seq 0 out of the recently-delivered window
	}
	b.AddPacket(pkt(0)) // stale resend, long since evicted from history

	if stats := b.Statistics(); stats.PacketsDropped != 1 {
		t.Fatalf("PacketsDropped = %d, want 1", stats.PacketsDropped)
	}
	if stats := b.Statistics(); stats.Duplicates != 0 {
		t.Fatalf("Duplicates = %d, want 0", stats.Duplicates)
	}
	if got := rec.deliveredSeqs(); len(got) != 4 {
		t.Fatalf("delivered = %v, want exactly [0 1 2 3]", got)
	}
}

func TestDuplicateOfBufferedKeyIsIgnoredByDefault(t *testing.T) {
	b, rec := newTestBuffer(t, Config{})
	b.AddPacket(pkt(0))
	b.AddPacket(pkt(2))
	b.AddPacket(pkt(2)) // duplicate of the buffered future key

	if stats := b.Statistics(); stats.Duplicates != 1 {
		t.Fatalf("Duplicates = %d, want 1", stats.Duplicates)
	}
	if len(rec.duplicates) != 1 || rec.duplicates[0] != 2 {
		t.Fatalf("duplicate callback = %v, want [2]", rec.duplicates)
	}
	// still only seq 0 delivered; 2 remains buffered awaiting 1
	if got := rec.deliveredSeqs(); len(got) != 1 {
		t.Fatalf("delivered = %v, want only [0]", got)
	}
}

func TestDuplicateRedeliveredWhenAllowed(t *testing.T) {
	b, rec := newTestBuffer(t, Config{AllowDuplicates: true})
	b.AddPacket(pkt(0))
	b.AddPacket(pkt(2))
	b.AddPacket(pkt(2)) // duplicate copy is delivered immediately
	b.AddPacket(pkt(1)) // releases the buffered original of seq 2

	got := rec.deliveredSeqs()
	count := 0
	for _, s := range got {
		if s == 2 {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected seq 2 delivered twice with AllowDuplicates, got %v", got)
	}
}

func TestGapBeyondMaxSequenceGapSkipsImmediately(t *testing.T) {
	b, rec := newTestBuffer(t, Config{MaxSequenceGap: 2})
	b.AddPacket(pkt(0))
	b.AddPacket(pkt(10)) // gap of 9 > maxSequenceGap of 2

	if got := rec.deliveredSeqs(); len(got) != 2 || got[1] != 10 {
		t.Fatalf("delivered = %v, want [0 10]", got)
	}
	if len(rec.gaps) != 9 {
		t.Fatalf("gaps fired = %d, want 9", len(rec.gaps))
	}
	if b.NextExpected() != 11 {
		t.Fatalf("NextExpected = %d, want 11", b.NextExpected())
	}
}

func TestSmallGapBuffersAndAnnouncesOnce(t *testing.T) {
	b, rec := newTestBuffer(t, Config{MaxSequenceGap: 32})
	b.AddPacket(pkt(0))
	b.AddPacket(pkt(3)) // within gap tolerance, buffered

	if got := rec.deliveredSeqs(); len(got) != 1 {
		t.Fatalf("delivered = %v, want only [0] (seq 3 stays buffered)", got)
	}
	if len(rec.gaps) != 2 {
		t.Fatalf("gaps fired = %d, want 2 (seq 1 and 2)", len(rec.gaps))
	}

	// a second future packet shouldn't re-announce already-announced gaps
	b.AddPacket(pkt(4))
	if len(rec.gaps) != 2 {
		t.Fatalf("gaps fired after second future packet = %d, want still 2", len(rec.gaps))
	}
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	b, rec := newTestBuffer(t, Config{MaxBufferSize: 2, MaxSequenceGap: 100})
	b.AddPacket(pkt(0))
	b.AddPacket(pkt(5))
	b.AddPacket(pkt(6))
	b.AddPacket(pkt(7)) // buffer now has 3 entries (5,6,7), exceeds max of 2

	stats := b.Statistics()
	if stats.CurrentBufferSize != 2 {
		t.Fatalf("CurrentBufferSize = %d, want 2", stats.CurrentBufferSize)
	}
	if stats.PacketsDropped != 1 {
		t.Fatalf("PacketsDropped = %d, want 1", stats.PacketsDropped)
	}
	_ = rec
}

func TestWraparoundSequenceDeliversInOrder(t *testing.T) {
	b, rec := newTestBuffer(t, Config{})
	b.mu.Lock()
	b.nextExpected = 65534
	b.mu.Unlock()

	b.AddPacket(pkt(65534))
	b.AddPacket(pkt(65535))
	b.AddPacket(pkt(0))
	b.AddPacket(pkt(1))

	want := []uint16{65534, 65535, 0, 1}
	got := rec.deliveredSeqs()
	if len(got) != len(want) {
		t.Fatalf("delivered = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered = %v, want %v", got, want)
		}
	}
	if b.NextExpected() != 2 {
		t.Fatalf("NextExpected = %d, want 2", b.NextExpected())
	}
}

type syncClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *syncClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *syncClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestPermanentLossRecoveryOnTimeout(t *testing.T) {
	clock := &syncClock{now: time.Unix(0, 0)}
	b, rec := newTestBuffer(t, Config{
		DeliveryTimeoutMillis: 10,
		NowFn:                 clock.Now,
	})

	b.AddPacket(pkt(0))
	b.AddPacket(pkt(3)) // 1 and 2 missing, buffered at 3

	clock.Advance(50 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(rec.deliveredSeqs()) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for permanent-loss sweep to deliver seq 3")
		}
		time.Sleep(time.Millisecond)
	}

	got := rec.deliveredSeqs()
	if got[len(got)-1] != 3 {
		t.Fatalf("delivered = %v, want last entry 3", got)
	}
	if b.NextExpected() != 4 {
		t.Fatalf("NextExpected = %d, want 4", b.NextExpected())
	}
}

package datagram

import (
	"sync"
	"testing"
	"time"

	"github.com/oletizi/midi-fabric/core/codec"
)

func TestStartStopIdempotent(t *testing.T) {
	tr := New(Config{})
	if err := tr.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Start(0); err != nil {
		t.Fatalf("second Start should be a no-op, got: %v", err)
	}
	if tr.GetPort() == 0 {
		t.Fatal("expected a nonzero ephemeral port after Start(0)")
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}

func TestGetPortZeroBeforeStart(t *testing.T) {
	tr := New(Config{})
	if got := tr.GetPort(); got != 0 {
		t.Fatalf("GetPort() before Start = %d, want 0", got)
	}
}

func TestSendBeforeStartFails(t *testing.T) {
	tr := New(Config{})
	pkt := &codec.Packet{MIDI: []byte{0x90, 60, 100}}
	if err := tr.Send(pkt, "127.0.0.1", 9); err != ErrNotStarted {
		t.Fatalf("Send before Start = %v, want ErrNotStarted", err)
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	recv := New(Config{})
	if err := recv.Start(0); err != nil {
		t.Fatalf("recv.Start: %v", err)
	}
	defer recv.Stop()

	var mu sync.Mutex
	var got *codec.Packet
	done := make(chan struct{})
	recv.SetPacketHandler(func(pkt *codec.Packet, host string, port int) {
		mu.Lock()
		got = pkt
		mu.Unlock()
		close(done)
	})

	send := New(Config{})
	if err := send.Start(0); err != nil {
		t.Fatalf("send.Start: %v", err)
	}
	defer send.Stop()

	pkt := &codec.Packet{DeviceId: 3, DestNodeHash: 0xAABBCCDD, MIDI: []byte{0x90, 60, 100}}
	if err := send.Send(pkt, "127.0.0.1", recv.GetPort()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("expected a decoded packet")
	}
	if got.DeviceId != 3 || string(got.MIDI) != string([]byte{0x90, 60, 100}) {
		t.Fatalf("unexpected decoded packet: %+v", got)
	}

	sendStats := send.Statistics()
	if sendStats.PacketsSent != 1 {
		t.Fatalf("send PacketsSent = %d, want 1", sendStats.PacketsSent)
	}
	recvStats := recv.Statistics()
	if recvStats.PacketsRecv != 1 {
		t.Fatalf("recv PacketsRecv = %d, want 1", recvStats.PacketsRecv)
	}
}

func TestSequenceIncrementsPerDestination(t *testing.T) {
	send := New(Config{})
	if err := send.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer send.Stop()

	recv := New(Config{})
	if err := recv.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer recv.Stop()

	first := &codec.Packet{DestNodeHash: 0x01, MIDI: []byte{0x90, 1, 1}}
	second := &codec.Packet{DestNodeHash: 0x01, MIDI: []byte{0x90, 2, 2}}
	other := &codec.Packet{DestNodeHash: 0x02, MIDI: []byte{0x90, 3, 3}}

	if err := send.Send(first, "127.0.0.1", recv.GetPort()); err != nil {
		t.Fatal(err)
	}
	if err := send.Send(second, "127.0.0.1", recv.GetPort()); err != nil {
		t.Fatal(err)
	}
	if err := send.Send(other, "127.0.0.1", recv.GetPort()); err != nil {
		t.Fatal(err)
	}

	if first.Sequence != 0 || second.Sequence != 1 {
		t.Fatalf("expected sequences 0,1 for same destination, got %d,%d", first.Sequence, second.Sequence)
	}
	if other.Sequence != 0 {
		t.Fatalf("expected a fresh sequence counter for a different destination, got %d", other.Sequence)
	}
}

func TestInvalidPacketCountedAndDropped(t *testing.T) {
	recv := New(Config{})
	if err := recv.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer recv.Stop()

	called := make(chan struct{}, 1)
	recv.SetPacketHandler(func(pkt *codec.Packet, host string, port int) {
		called <- struct{}{}
	})

	raw := New(Config{})
	if err := raw.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer raw.Stop()

	conn := raw.conn
	garbage := []byte{0xFF, 0xFF, 0x01, 0x00}
	addr := recv.conn.LocalAddr()
	if _, err := conn.WriteTo(garbage, addr); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	select {
	case <-called:
		t.Fatal("handler should not be invoked for an invalid datagram")
	case <-time.After(200 * time.Millisecond):
	}

	if recv.Statistics().InvalidPackets != 1 {
		t.Fatalf("InvalidPackets = %d, want 1", recv.Statistics().InvalidPackets)
	}
}

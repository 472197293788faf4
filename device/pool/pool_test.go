package pool

import (
	"testing"

	"github.com/oletizi/midi-fabric/core/id"
)

func TestAddConnectionRejectsDuplicate(t *testing.T) {
	p := New(Config{})
	node := id.NewNodeId()
	if err := p.AddConnection(&Connection{Node: node, Host: "10.0.0.1", Port: 9000}); err != nil {
		t.Fatalf("first AddConnection failed: %v", err)
	}
	if err := p.AddConnection(&Connection{Node: node, Host: "10.0.0.2", Port: 9001}); err == nil {
		t.Fatal("expected duplicate registration to be rejected")
	}
}

func TestAddConnectionRejectsNil(t *testing.T) {
	p := New(Config{})
	if err := p.AddConnection(nil); err == nil {
		t.Fatal("expected nil connection to be rejected")
	}
}

func TestGetAndHasConnection(t *testing.T) {
	p := New(Config{})
	node := id.NewNodeId()
	p.AddConnection(&Connection{Node: node, State: Connected})

	if !p.HasConnection(node) {
		t.Fatal("expected HasConnection to be true")
	}
	c, ok := p.GetConnection(node)
	if !ok || c.State != Connected {
		t.Fatalf("GetConnection = %+v, ok=%v", c, ok)
	}
	if p.HasConnection(id.NewNodeId()) {
		t.Fatal("expected unknown node to have no connection")
	}
}

func TestRemoveConnection(t *testing.T) {
	p := New(Config{})
	node := id.NewNodeId()
	p.AddConnection(&Connection{Node: node})
	p.RemoveConnection(node)
	if p.HasConnection(node) {
		t.Fatal("expected connection to be removed")
	}
}

func TestGetConnectionsByState(t *testing.T) {
	p := New(Config{})
	a, b, c := id.NewNodeId(), id.NewNodeId(), id.NewNodeId()
	p.AddConnection(&Connection{Node: a, State: Connected})
	p.AddConnection(&Connection{Node: b, State: Connected})
	p.AddConnection(&Connection{Node: c, State: Failed})

	connected := p.GetConnectionsByState(Connected)
	if len(connected) != 2 {
		t.Fatalf("expected 2 connected, got %d", len(connected))
	}
	failed := p.GetConnectionsByState(Failed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed, got %d", len(failed))
	}
}

func TestRemoveDeadConnectionsSweepsFailedOnly(t *testing.T) {
	p := New(Config{})
	alive, dead := id.NewNodeId(), id.NewNodeId()
	p.AddConnection(&Connection{Node: alive, State: Connected})
	p.AddConnection(&Connection{Node: dead, State: Failed})

	removed := p.RemoveDeadConnections()
	if len(removed) != 1 || removed[0] != dead {
		t.Fatalf("expected only dead node removed, got %v", removed)
	}
	if !p.HasConnection(alive) {
		t.Fatal("expected alive connection to survive the sweep")
	}
	if p.HasConnection(dead) {
		t.Fatal("expected dead connection to be gone")
	}
}

func TestClear(t *testing.T) {
	p := New(Config{})
	p.AddConnection(&Connection{Node: id.NewNodeId()})
	p.AddConnection(&Connection{Node: id.NewNodeId()})
	p.Clear()
	if len(p.GetAllConnections()) != 0 {
		t.Fatal("expected Clear to empty the pool")
	}
}

func TestStatisticsTotalsAndByState(t *testing.T) {
	p := New(Config{})
	p.AddConnection(&Connection{Node: id.NewNodeId(), State: Connected})
	p.AddConnection(&Connection{Node: id.NewNodeId(), State: Connecting})
	p.AddConnection(&Connection{Node: id.NewNodeId(), State: Connected})

	stats := p.Statistics()
	if stats.Total != 3 {
		t.Fatalf("expected total 3, got %d", stats.Total)
	}
	if stats.ByState[Connected] != 2 || stats.ByState[Connecting] != 1 {
		t.Fatalf("unexpected ByState breakdown: %+v", stats.ByState)
	}
}

func TestResolveAddress(t *testing.T) {
	p := New(Config{})
	node := id.NewNodeId()
	p.AddConnection(&Connection{Node: node, Host: "192.168.1.10", Port: 9100})

	host, port, ok := p.ResolveAddress(node)
	if !ok || host != "192.168.1.10" || port != 9100 {
		t.Fatalf("ResolveAddress = (%q, %d, %v), want (192.168.1.10, 9100, true)", host, port, ok)
	}

	if _, _, ok := p.ResolveAddress(id.NewNodeId()); ok {
		t.Fatal("expected ResolveAddress to fail for an unregistered node")
	}
}

func TestConcurrentAccess(t *testing.T) {
	p := New(Config{})
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			node := id.NewNodeId()
			p.AddConnection(&Connection{Node: node, State: Connected})
			p.GetConnection(node)
			p.HasConnection(node)
			p.GetAllConnections()
			p.RemoveDeadConnections()
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}

package hashring

import (
	"fmt"
	"testing"
)

func TestRing_AddRemoveNode(t *testing.T) {
	ring := NewRing(10)

	node1 := Node{ID: 1, Name: "node1"}
	ring.AddNode(node1)

	if len(ring.nodes) != 1 {
		t.Errorf("Expected 1 node, got %d", len(ring.nodes))
	}
	if len(ring.vnodes) != 10 {
		t.Errorf("Expected 10 vnodes, got %d", len(ring.vnodes))
	}

	node2 := Node{ID: 2, Name: "node2"}
	ring.AddNode(node2)

	if len(ring.nodes) != 2 {
		t.Errorf("Expected 2 nodes, got %d", len(ring.nodes))
	}
	if len(ring.vnodes) != 20 {
		t.Errorf("Expected 20 vnodes, got %d", len(ring.vnodes))
	}

	ring.RemoveNode("node1")
	if len(ring.nodes) != 1 {
		t.Errorf("Expected 1 node, got %d", len(ring.nodes))
	}
	if len(ring.vnodes) != 10 {
		t.Errorf("Expected 10 vnodes, got %d", len(ring.vnodes))
	}

	for _, vn := range ring.vnodes {
		if vn.NodeName != "node2" {
			t.Errorf("Expected vnode to belong to node2, got %s", vn.NodeName)
		}
	}
}

func TestRing_LocateKey(t *testing.T) {
	ring := NewRing(10)
	ring.AddNode(Node{ID: 1, Name: "node1"})
	ring.AddNode(Node{ID: 2, Name: "node2"})

	owner, ok := ring.LocateKey([]byte("some-destination-name"))
	if !ok {
		t.Fatal("LocateKey returned ok=false with nodes present")
	}
	if owner.Name != "node1" && owner.Name != "node2" {
		t.Errorf("LocateKey returned unknown node: %v", owner)
	}
}

func TestRing_LocateToken_Empty(t *testing.T) {
	ring := NewRing(10)
	if _, ok := ring.LocateToken(42); ok {
		t.Error("expected ok=false on an empty ring")
	}
}

func TestRing_LocateToken_Stable(t *testing.T) {
	ring := NewRing(32)
	for i := 1; i <= 5; i++ {
		ring.AddNode(Node{ID: uint64(i), Name: fmt.Sprintf("node%d", i)})
	}

	token := uint64(987654321)
	first, ok := ring.LocateToken(token)
	if !ok {
		t.Fatal("expected a node")
	}
	for i := 0; i < 10; i++ {
		again, _ := ring.LocateToken(token)
		if again.Name != first.Name {
			t.Fatalf("LocateToken is not stable across calls: %v != %v", again, first)
		}
	}
}

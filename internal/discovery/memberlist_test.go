package discovery

import (
	"net"
	"strconv"
	"testing"
	"time"
)

// freePort asks the OS for a port and releases it immediately; memberlist
// needs an explicit BindPort (not 0) to advertise to peers.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestMemberlistSet_IndexesSelfOnCreate(t *testing.T) {
	port := freePort(t)
	s, err := NewMemberlistSet(MemberlistConfig{
		NodeID:   1,
		NodeName: "node-a",
		BindAddr: "127.0.0.1",
		BindPort: port,
	})
	if err != nil {
		t.Fatalf("NewMemberlistSet: %v", err)
	}
	defer s.Leave()

	node, ok := s.ByID(1)
	if !ok || node.Name != "node-a" {
		t.Fatalf("expected self indexed under id 1, got %+v ok=%v", node, ok)
	}
	if _, ok := s.ByName("node-a"); !ok {
		t.Fatal("expected self indexed under name node-a")
	}
}

func TestMemberlistSet_JoinFormsCluster(t *testing.T) {
	portA := freePort(t)
	a, err := NewMemberlistSet(MemberlistConfig{NodeID: 1, NodeName: "node-a", BindAddr: "127.0.0.1", BindPort: portA})
	if err != nil {
		t.Fatalf("NewMemberlistSet a: %v", err)
	}
	defer a.Leave()

	portB := freePort(t)
	b, err := NewMemberlistSet(MemberlistConfig{NodeID: 2, NodeName: "node-b", BindAddr: "127.0.0.1", BindPort: portB})
	if err != nil {
		t.Fatalf("NewMemberlistSet b: %v", err)
	}
	defer b.Leave()

	if err := b.Join([]string{"127.0.0.1:" + strconv.Itoa(portA)}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := b.ByID(1); ok {
			if _, ok := a.ByID(2); ok {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for gossip convergence")
}


package adminserver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeCommandHandler struct {
	mu       sync.Mutex
	received []string
	fail     bool
}

func (h *fakeCommandHandler) HandleCommand(cmd string, args []string, upgrade bool) ([]string, error) {
	h.mu.Lock()
	h.received = append(h.received, cmd)
	h.mu.Unlock()

	if h.fail {
		return nil, fmt.Errorf("command %s failed", cmd)
	}
	return []string{"ok: " + cmd}, nil
}

func (h *fakeCommandHandler) seenCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func waitForAddr(t *testing.T, s *Server) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.ListenAddr(); addr != nil {
			return addr.String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for admin server to bind")
	return ""
}

func TestSendCommand_RoundTrip(t *testing.T) {
	handler := &fakeCommandHandler{}
	s := NewServer("127.0.0.1:0", handler)

	go func() {
		_ = s.Start()
	}()
	defer func() {
		_ = s.Stop(context.Background())
	}()

	addr := waitForAddr(t, s)

	lines, err := SendCommand(addr, "reload", []string{"--upgrade"}, true)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if len(lines) != 1 || lines[0] != "ok: reload" {
		t.Fatalf("unexpected lines: %v", lines)
	}
	if handler.seenCount() != 1 {
		t.Fatalf("expected handler invoked once, got %d", handler.seenCount())
	}
}

func TestSendCommand_PropagatesHandlerError(t *testing.T) {
	handler := &fakeCommandHandler{fail: true}
	s := NewServer("127.0.0.1:0", handler)

	go func() {
		_ = s.Start()
	}()
	defer func() {
		_ = s.Stop(context.Background())
	}()

	addr := waitForAddr(t, s)

	_, err := SendCommand(addr, "stop", nil, false)
	if err == nil {
		t.Fatal("expected error from failing handler")
	}
}

func TestSendCommand_RejectsEmptyCommand(t *testing.T) {
	handler := &fakeCommandHandler{}
	s := NewServer("127.0.0.1:0", handler)

	go func() {
		_ = s.Start()
	}()
	defer func() {
		_ = s.Stop(context.Background())
	}()

	addr := waitForAddr(t, s)

	_, err := SendCommand(addr, "", nil, false)
	if err == nil {
		t.Fatal("expected error for empty command")
	}
	if handler.seenCount() != 0 {
		t.Fatalf("handler should not have been invoked, got %d calls", handler.seenCount())
	}
}

package grpcbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anthanhphan/atapp/internal/connector"
	"github.com/anthanhphan/atapp/internal/errs"
)

type fakeEndpoint struct {
	id   uint64
	name string

	mu        sync.Mutex
	responses []string
}

func (e *fakeEndpoint) ID() uint64   { return e.id }
func (e *fakeEndpoint) Name() string { return e.name }

func (e *fakeEndpoint) ReceiveForwardResponse(h *connector.Handle, msgType int32, seq uint64, errCode int, payload []byte) {
	e.mu.Lock()
	e.responses = append(e.responses, fmt.Sprintf("%d:%d:%d:%s", msgType, seq, errCode, string(payload)))
	e.mu.Unlock()
}

func (e *fakeEndpoint) waitForResponse(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		n := len(e.responses)
		e.mu.Unlock()
		if n > 0 {
			e.mu.Lock()
			last := e.responses[n-1]
			e.mu.Unlock()
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for forward_response")
	return ""
}

type fakeRequestHandler struct {
	mu       sync.Mutex
	received []string
	code     errs.Code
}

func (h *fakeRequestHandler) OnForwardRequest(fromID uint64, fromName string, msgType int32, seq uint64, payload []byte, metadata map[string]string) errs.Code {
	h.mu.Lock()
	h.received = append(h.received, fmt.Sprintf("%d:%s:%d:%d:%s", fromID, fromName, msgType, seq, string(payload)))
	h.mu.Unlock()
	return h.code
}

// TestStartListenAndSendForwardRequest exercises a real loopback gRPC
// connection: a server-side Connector accepts a stream, a client-side
// Connector dials it, sends one forward_request, and the server's
// acknowledging forward_response arrives back through
// Endpoint.ReceiveForwardResponse.
func TestStartListenAndSendForwardRequest(t *testing.T) {
	server := New(100, "server-node", nil)
	handler := &fakeRequestHandler{code: errs.CodeSuccess}
	server.SetRequestHandler(handler)

	if err := server.StartListen(context.Background(), "grpc://127.0.0.1:0"); err != nil {
		t.Fatalf("StartListen: %v", err)
	}
	defer server.Close()

	addr := server.ListenAddr()
	if addr == nil {
		t.Fatal("expected a bound listen address")
	}
	dialAddr := fmt.Sprintf("grpc://%s", addr.String())

	client := New(200, "client-node", nil)
	defer client.Close()

	ep := &fakeEndpoint{id: 200, name: "client-node"}
	h, err := client.StartConnect(context.Background(), connector.Node{ID: 100, Name: "server-node"}, dialAddr, ep)
	if err != nil {
		t.Fatalf("StartConnect: %v", err)
	}
	if !h.Ready() {
		t.Fatal("expected handle to be marked ready")
	}

	if err := client.SendForwardRequest(h, 7, 42, []byte("hello"), map[string]string{"k": "v"}); err != nil {
		t.Fatalf("SendForwardRequest: %v", err)
	}

	got := ep.waitForResponse(t)
	want := fmt.Sprintf("7:42:%d:", int(errs.CodeSuccess))
	if len(got) < len(want) || got[:len(want)] != want {
		t.Fatalf("unexpected response %q, want prefix %q", got, want)
	}

	handler.mu.Lock()
	n := len(handler.received)
	received := append([]string(nil), handler.received...)
	handler.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected server handler invoked once, got %d", n)
	}
	wantReceived := fmt.Sprintf("%d:%s:%d:%d:%s", 200, "client-node", 7, 42, "hello")
	if received[0] != wantReceived {
		t.Fatalf("expected the server to receive the sent payload, got %q want %q", received[0], wantReceived)
	}
}

func TestAddressType_ClassifiesLoopbackAsLocal(t *testing.T) {
	c := New(1, "n", nil)
	flags := c.AddressType("grpc://127.0.0.1:9000")
	if flags&connector.AddressLocal == 0 {
		t.Fatalf("expected AddressLocal set, got %v", flags)
	}
}

func TestSchemes_ReportsGRPC(t *testing.T) {
	c := New(1, "n", nil)
	schemes := c.Schemes()
	if len(schemes) != 1 || schemes[0] != "grpc" {
		t.Fatalf("unexpected schemes: %v", schemes)
	}
}

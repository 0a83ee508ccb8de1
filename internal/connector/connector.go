// Package connector defines the pluggable-transport contract the core
// routes through: a Connector implements exactly one or more address
// schemes (e.g. "tcp", "unix", "mem") and the core never looks past the
// scheme to decide routing.
package connector

import (
	"context"
	"sync"
)

// AddressFlags advisorily classifies an address for tooling; the core
// itself never branches on it.
type AddressFlags uint32

const (
	AddressLocal AddressFlags = 1 << iota
	AddressPipe
	AddressIPv4
	AddressIPv6
	AddressResolvable
)

// DiscoveryAction distinguishes a node being advertised from one being
// withdrawn, mirroring the PUT/DELETE event stream spec.md's DiscoverySet
// is described as emitting.
type DiscoveryAction int

const (
	DiscoveryPut DiscoveryAction = iota
	DiscoveryDelete
)

// Node is the minimal view of a discovery node a Connector needs to dial
// or to react to a membership change; it is a structural subset of
// discovery.Node, kept here to avoid connector importing the discovery
// package.
type Node struct {
	ID       uint64
	Name     string
	Hostname string
}

// Endpoint is the minimal view of an endpoint.Endpoint a Handle needs to
// call back into. endpoint.Endpoint implements this interface without
// this package importing endpoint (avoiding an import cycle, since
// endpoint needs to call through to Connector).
type Endpoint interface {
	ID() uint64
	Name() string
	// ReceiveForwardResponse is how a Connector reports the outcome of a
	// send_forward_request (or a transport-level disconnect) back onto the
	// owning Endpoint.
	ReceiveForwardResponse(h *Handle, msgType int32, seq uint64, errCode int, payload []byte)
}

// Handle is one live connection to one peer: ConnectionHandle from
// spec.md §3. It holds a non-owning reference to its Connector and to its
// Endpoint.
type Handle struct {
	mu        sync.RWMutex
	Connector Connector
	Endpoint  Endpoint
	ready     bool

	// Private carries connector-specific session state (e.g. a grpc
	// stream) opaque to the core.
	Private interface{}
}

// NewHandle creates a not-yet-ready handle bound to the given connector and
// endpoint.
func NewHandle(c Connector, e Endpoint) *Handle {
	return &Handle{Connector: c, Endpoint: e}
}

// Ready reports whether the transport has confirmed this handle usable.
func (h *Handle) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// MarkReady flips the handle ready; called by a Connector once the
// transport confirms the session (spec.md §4.3: "handle starts not-ready
// and flips via handle.mark_ready()").
func (h *Handle) MarkReady() {
	h.mu.Lock()
	h.ready = true
	h.mu.Unlock()
}

// Connector is the pluggable transport shim the core's Router and Endpoint
// dial through.
type Connector interface {
	// Schemes returns the lowercase address schemes this connector handles.
	Schemes() []string
	// AddressType advisorily classifies addr.
	AddressType(addr string) AddressFlags
	// StartListen binds a listener for addr.
	StartListen(ctx context.Context, addr string) error
	// StartConnect begins (possibly asynchronously) a connection to node at
	// addr. On success the returned handle is not-ready until the
	// transport confirms via handle.MarkReady.
	StartConnect(ctx context.Context, node Node, addr string, endpoint Endpoint) (*Handle, error)
	// CloseHandle tears down a previously returned handle.
	CloseHandle(h *Handle) error
	// SendForwardRequest attempts to deliver one message over h. A nil
	// return means the transport has taken responsibility for delivery
	// signaling (it will call back through Endpoint.ReceiveForwardResponse
	// eventually); any non-nil error is a synchronous send failure. metadata
	// may be nil.
	SendForwardRequest(h *Handle, msgType int32, seq uint64, payload []byte, metadata map[string]string) error
	// OnDiscoveryEvent notifies the connector of a PUT/DELETE so it may
	// optimistically manage dialed connections.
	OnDiscoveryEvent(action DiscoveryAction, node Node)
}

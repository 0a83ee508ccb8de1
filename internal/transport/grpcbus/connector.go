package grpcbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/anthanhphan/atapp/internal/connector"
	"github.com/anthanhphan/atapp/internal/errs"
	"github.com/anthanhphan/atapp/internal/netaddr"
	"github.com/anthanhphan/atapp/internal/obslog"
	"github.com/anthanhphan/atapp/pkg/resilience"
)

// RequestHandler is the app-level dispatcher an inbound forward_request
// frame is delivered to; the returned code becomes the ack's "ret" field,
// mirroring the atbus wire header's ret field (spec.md §6). Its shape
// matches router.Router.OnForwardRequest exactly, so a *router.Router
// can be wired in directly with SetRequestHandler.
type RequestHandler interface {
	OnForwardRequest(fromID uint64, fromName string, msgType int32, seq uint64, payload []byte, metadata map[string]string) errs.Code
}

// Connector is the default, always-present transport: one persistent
// bidirectional gRPC stream per dialed peer, multiplexing forward_request
// and forward_response frames in both directions over that single stream.
type Connector struct {
	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	breakers map[string]*resilience.PeerBreaker

	pool *resilience.DispatchPool

	localID   uint64
	localName string

	requestHandler RequestHandler

	listenMu sync.Mutex
	listener net.Listener
	server   *grpc.Server
}

// New creates a Connector identifying itself as (localID, localName) to
// every peer it dials or accepts. pool may be nil (each forward_request
// frame is then dispatched inline on the stream's receive goroutine instead
// of on a bounded dispatch pool).
func New(localID uint64, localName string, pool *resilience.DispatchPool) *Connector {
	return &Connector{
		conns:     make(map[string]*grpc.ClientConn),
		breakers:  make(map[string]*resilience.PeerBreaker),
		pool:      pool,
		localID:   localID,
		localName: localName,
	}
}

// SetRequestHandler wires the single app-level forward-request dispatcher.
func (c *Connector) SetRequestHandler(h RequestHandler) {
	c.requestHandler = h
}

func (c *Connector) Schemes() []string { return []string{"grpc"} }

// DispatchBacklog reports how many accepted forward_request frames are
// queued on the shared DispatchPool waiting for a worker; zero when no pool
// was configured. lifecycle.Lifecycle.Tick includes this in its periodic
// STATISTICS log when the Transport it was built with implements this
// method.
func (c *Connector) DispatchBacklog() int {
	if c.pool == nil {
		return 0
	}
	return c.pool.Pending()
}

// Advance satisfies lifecycle.Transport. Every listener and outbound stream
// already reads on its own background goroutine (StartListen's serve loop,
// StartConnect's readLoop), so there is no per-tick I/O step to drive here;
// Connector is still wired in as the Transport so Lifecycle's periodic
// STATISTICS log can reach it through DispatchBacklog.
func (c *Connector) Advance() error { return nil }

func (c *Connector) AddressType(addr string) connector.AddressFlags {
	a, err := netaddr.Parse(addr)
	if err != nil {
		return 0
	}
	return connector.AddressFlags(netaddr.Classify(a))
}

// StartListen binds a gRPC server on addr and serves the hand-written
// Forward service in the background.
func (c *Connector) StartListen(ctx context.Context, addr string) error {
	a, err := netaddr.Parse(addr)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.Host, a.Port))
	if err != nil {
		return errs.New(errs.CodeSetupAtbus, err.Error())
	}

	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, c)

	c.listenMu.Lock()
	c.listener = lis
	c.server = srv
	c.listenMu.Unlock()

	go func() {
		if serveErr := srv.Serve(lis); serveErr != nil {
			obslog.Warnw("grpcbus listener stopped", "addr", addr, "error", serveErr)
		}
	}()
	return nil
}

// StopListen tears down the listener started by StartListen, if any.
func (c *Connector) StopListen() {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	if c.server != nil {
		c.server.GracefulStop()
		c.server = nil
	}
	c.listener = nil
}

// ListenAddr reports the address StartListen actually bound, or nil if not
// listening; useful when addr asked for an ephemeral port ("...:0").
func (c *Connector) ListenAddr() net.Addr {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// outboundSession is the per-handle state StartConnect stores in
// Handle.Private: the live client stream and the remote address it was
// opened against (for breaker/conn-cache bookkeeping on teardown).
type outboundSession struct {
	addr   string
	toID   uint64
	toName string
	stream grpc.ClientStream
}

// StartConnect dials addr (caching the underlying *grpc.ClientConn per
// address) and opens one Stream call toward node. The handle is marked
// ready immediately: gRPC's HTTP/2 stream setup is itself the readiness
// signal here, there is no further handshake frame.
func (c *Connector) StartConnect(ctx context.Context, node connector.Node, addr string, ep connector.Endpoint) (*connector.Handle, error) {
	conn, err := c.getConn(addr)
	if err != nil {
		return nil, errs.New(errs.CodeConnectPeerFailed, err.Error())
	}

	stream, err := grpc.NewClientStream(context.Background(), &grpc.StreamDesc{
		StreamName:    "Stream",
		ServerStreams: true,
		ClientStreams: true,
	}, conn, streamFullName)
	if err != nil {
		return nil, errs.New(errs.CodeConnectPeerFailed, err.Error())
	}

	h := connector.NewHandle(c, ep)
	h.Private = &outboundSession{addr: addr, toID: node.ID, toName: node.Name, stream: stream}
	h.MarkReady()

	go c.readLoop(h, stream)

	return h, nil
}

func (c *Connector) readLoop(h *connector.Handle, stream grpc.ClientStream) {
	for {
		f, err := recvFrame(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				obslog.Warnw("grpcbus read loop ended", "error", err.Error())
			}
			return
		}
		if f.Cmd != cmdForwardResponse {
			continue
		}
		h.Endpoint.ReceiveForwardResponse(h, f.MsgType, f.Seq, int(f.Ret), f.Payload)
	}
}

// CloseHandle ends the handle's client stream. The underlying ClientConn
// stays cached for reuse by a future StartConnect to the same address.
func (c *Connector) CloseHandle(h *connector.Handle) error {
	sess, ok := h.Private.(*outboundSession)
	if !ok || sess == nil {
		return nil
	}
	return sess.stream.CloseSend()
}

// SendForwardRequest writes one forward_request frame on h's stream,
// protected by a circuit breaker keyed on the remote address.
func (c *Connector) SendForwardRequest(h *connector.Handle, msgType int32, seq uint64, payload []byte, metadata map[string]string) error {
	sess, ok := h.Private.(*outboundSession)
	if !ok || sess == nil {
		return errs.ErrConnectorClosed
	}

	breaker := c.getBreaker(sess.addr)
	return breaker.Execute(context.Background(), func(ctx context.Context) error {
		return sendFrame(sess.stream, frame{
			Cmd:      cmdForwardRequest,
			MsgType:  msgType,
			Seq:      seq,
			FromID:   c.localID,
			FromName: c.localName,
			ToID:     sess.toID,
			ToName:   sess.toName,
			Payload:  payload,
			Metadata: metadata,
		})
	})
}

// OnDiscoveryEvent is a no-op: this Connector dials lazily from
// mutable_endpoint and drops connections only when the endpoint closes.
func (c *Connector) OnDiscoveryEvent(action connector.DiscoveryAction, node connector.Node) {}

// handleStream implements streamHandler: one inbound peer's persistent
// stream. Each frame's dispatch to the app-level request handler runs as a
// short job on the shared worker pool (mirroring how upload_service bounds
// concurrent chunk replication) so one slow handler doesn't stall the next
// frame's receipt; sendMu serializes the resulting forward_response acks,
// since concurrent SendMsg calls on one grpc.ServerStream are not safe.
func (c *Connector) handleStream(stream grpc.ServerStream) error {
	var sendMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		f, err := recvFrame(stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if f.Cmd != cmdForwardRequest {
			continue
		}

		dispatch := func() {
			var code errs.Code
			if c.requestHandler != nil {
				code = c.requestHandler.OnForwardRequest(f.FromID, f.FromName, f.MsgType, f.Seq, f.Payload, f.Metadata)
			}
			resp := frame{
				Cmd:      cmdForwardResponse,
				MsgType:  f.MsgType,
				Seq:      f.Seq,
				Ret:      int32(code),
				FromID:   c.localID,
				FromName: c.localName,
			}
			sendMu.Lock()
			defer sendMu.Unlock()
			if sendErr := sendFrame(stream, resp); sendErr != nil {
				obslog.Warnw("grpcbus failed to ack forward_request", "error", sendErr.Error())
			}
		}

		if c.pool != nil {
			wg.Add(1)
			job := func() { defer wg.Done(); dispatch() }
			if submitErr := c.pool.Submit(context.Background(), job); submitErr != nil {
				wg.Done()
				dispatch()
			}
		} else {
			dispatch()
		}
	}
}

func (c *Connector) getConn(addr string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	conn, ok := c.conns[addr]
	c.mu.RUnlock()
	if ok {
		return conn, nil
	}

	a, err := netaddr.Parse(addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}

	target := fmt.Sprintf("%s:%d", a.Host, a.Port)
	newConn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	c.conns[addr] = newConn
	return newConn, nil
}

// getBreaker returns the PeerBreaker guarding addr, creating it on first
// use. OnOpen evicts addr's cached *grpc.ClientConn: by the time the breaker
// trips, that conn has already failed FailureThreshold sends, so keeping it
// cached would just hand the eventual half-open probe the same broken conn.
func (c *Connector) getBreaker(addr string) *resilience.PeerBreaker {
	c.mu.RLock()
	cb, ok := c.breakers[addr]
	c.mu.RUnlock()
	if ok {
		return cb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok = c.breakers[addr]; ok {
		return cb
	}
	cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		PeerAddr: addr,
		OnOpen:   func() { c.evictConn(addr) },
	})
	c.breakers[addr] = cb
	return cb
}

// evictConn drops addr's cached *grpc.ClientConn so the next dial to it
// starts fresh instead of reusing a connection a tripped PeerBreaker has
// already given up on.
func (c *Connector) evictConn(addr string) {
	c.mu.Lock()
	conn, ok := c.conns[addr]
	if ok {
		delete(c.conns, addr)
	}
	c.mu.Unlock()

	if ok {
		if err := conn.Close(); err != nil {
			obslog.Warnw("grpcbus failed to close evicted connection", "addr", addr, "error", err.Error())
		}
	}
}

// Close tears down every cached client connection and the listener, if any.
func (c *Connector) Close() error {
	c.StopListen()

	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		_ = conn.Close()
		delete(c.conns, addr)
	}
	return nil
}

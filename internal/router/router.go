// Package router implements the Router facade spec.md §4.1 describes: the
// six send_by_* entry points, the by_id/by_name endpoint indices kept
// consistent by mutable_endpoint, and the tick-driven waker drain that
// retries or expires buffered messages.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthanhphan/atapp/internal/connector"
	"github.com/anthanhphan/atapp/internal/discovery"
	"github.com/anthanhphan/atapp/internal/endpoint"
	"github.com/anthanhphan/atapp/internal/errs"
	"github.com/anthanhphan/atapp/internal/gatewaymatcher"
	"github.com/anthanhphan/atapp/internal/identity"
	"github.com/anthanhphan/atapp/internal/obslog"
	"github.com/anthanhphan/atapp/pkg/idgen"
)

// ResponseHandler receives the outcome of every send, synchronous or
// deferred, across every Endpoint the Router owns. Exactly one is wired per
// Router (spec.md §9: "a single dispatcher holds the implementation").
type ResponseHandler interface {
	OnForwardResponse(fromID uint64, fromName string, msgType int32, seq uint64, errCode errs.Code, payload []byte)
}

// ForwardRequestHandler receives every inbound forward_request this
// process is the destination of, regardless of which Connector the request
// arrived over. spec.md §4.3 only names the outbound receive_forward_response
// callback explicitly; an inbound delivery path is just as required by
// scenario 1 ("B's forward-request callback fires"), so the Router exposes
// the symmetric hook here.
type ForwardRequestHandler interface {
	OnForwardRequest(fromID uint64, fromName string, msgType int32, seq uint64, payload []byte, metadata map[string]string) errs.Code
}

// Config configures a Router.
type Config struct {
	Limits          endpoint.Limits
	FallbackEnabled bool // DISABLE_ATBUS_FALLBACK cleared: id-targeted sends may fall back to LegacyConnector
}

// Router is the App facade: endpoint indices, discovery-backed resolution,
// and the waker heap that drives retries.
type Router struct {
	mu     sync.Mutex
	byID   map[uint64]*endpoint.Endpoint
	byName map[string]*endpoint.Endpoint

	wakerMu sync.Mutex
	waker   wakerHeap

	discoverySet    discovery.Set
	registry        *connector.Registry
	legacyConnector connector.Connector
	local           gatewaymatcher.LocalMeta
	limits          endpoint.Limits
	fallbackEnabled bool

	seqMu sync.Mutex
	seq   *idgen.SequenceGenerator

	handlerMu sync.RWMutex
	handler   ResponseHandler

	requestHandlerMu sync.RWMutex
	requestHandler   ForwardRequestHandler
}

// New creates a Router. registry resolves gateway addresses to Connectors;
// discoverySet may be nil (all discovery-backed sends then fail NodeNotFound,
// but cache-hit sends and send_by_discovery still work).
func New(cfg Config, registry *connector.Registry, discoverySet discovery.Set, local gatewaymatcher.LocalMeta, seq *idgen.SequenceGenerator) *Router {
	r := &Router{
		byID:            make(map[uint64]*endpoint.Endpoint),
		byName:          make(map[string]*endpoint.Endpoint),
		discoverySet:    discoverySet,
		registry:        registry,
		local:           local,
		limits:          cfg.Limits,
		fallbackEnabled: cfg.FallbackEnabled,
		seq:             seq,
	}
	if seq != nil {
		seq.WatchStalls(r.logSeqStall)
	}
	return r
}

// logSeqStall fires when nextSeq's generator exhausts its 4096-per-millisecond
// budget and has to spin until the clock advances; sustained stalls mean this
// node is minting outgoing seq numbers faster than the clock resolution
// supports, which is the same kind of backpressure signal DispatchBacklog
// reports for inbound frames.
func (r *Router) logSeqStall() {
	obslog.Warnw("sequence generator stalled waiting for next millisecond")
}

// SetResponseHandler wires the single app-level dispatcher for forward
// responses. Replacing it mid-flight is safe; in-flight responses use
// whichever handler is current at delivery time.
func (r *Router) SetResponseHandler(h ResponseHandler) {
	r.handlerMu.Lock()
	r.handler = h
	r.handlerMu.Unlock()
}

// SetLegacyConnector wires the always-present atbus-style Connector used by
// the id-targeted fallback path when discovery has no answer.
func (r *Router) SetLegacyConnector(c connector.Connector) {
	r.legacyConnector = c
}

// SetForwardRequestHandler wires the single app-level dispatcher for
// inbound forward requests. Replacing it mid-flight is safe.
func (r *Router) SetForwardRequestHandler(h ForwardRequestHandler) {
	r.requestHandlerMu.Lock()
	r.requestHandler = h
	r.requestHandlerMu.Unlock()
}

// OnForwardRequest hands an inbound forward_request frame to the wired
// ForwardRequestHandler, regardless of which Connector it arrived over. A
// Connector's server-side stream handler calls this once per frame and
// relays the returned code back to the sender as the forward_response ack.
// Its signature matches grpcbus.RequestHandler, so *Router can be wired in
// directly via Connector.SetRequestHandler.
func (r *Router) OnForwardRequest(fromID uint64, fromName string, msgType int32, seq uint64, payload []byte, metadata map[string]string) errs.Code {
	r.requestHandlerMu.RLock()
	h := r.requestHandler
	r.requestHandlerMu.RUnlock()
	if h == nil {
		return errs.CodeChannelNotSupported
	}
	return h.OnForwardRequest(fromID, fromName, msgType, seq, payload, metadata)
}

func (r *Router) nextSeq() uint64 {
	if r.seq == nil {
		return 0
	}
	r.seqMu.Lock()
	id, err := r.seq.Next()
	r.seqMu.Unlock()
	if err != nil {
		obslog.Warnw("sequence generator unavailable, falling back to seq=0", "error", err.Error())
		return 0
	}
	return uint64(id)
}

func (r *Router) resolveSeq(seq uint64) uint64 {
	if seq != 0 {
		return seq
	}
	return r.nextSeq()
}

// OnForwardResponse implements endpoint.ResponseObserver: every Endpoint the
// Router creates is wired with the Router itself as observer, so every
// response (synthesized or connector-reported) funnels through one place.
func (r *Router) OnForwardResponse(ep *endpoint.Endpoint, msgType int32, seq uint64, errCode errs.Code, payload []byte) {
	if errCode == errs.CodeTimeout {
		r.logTimeoutAge(seq)
	}

	r.handlerMu.RLock()
	h := r.handler
	r.handlerMu.RUnlock()
	if h == nil {
		return
	}
	h.OnForwardResponse(ep.ID(), ep.Name(), msgType, seq, errCode, payload)
}

// logTimeoutAge decodes seq back into the node and millisecond it was
// minted on, so a CodeTimeout response can be logged with how long ago the
// request was actually sent rather than just the timeout error itself. A
// seq of 0 means nextSeq minted nothing (no generator wired, or the
// generator failed); a caller's own seq is never 0, since resolveSeq treats
// 0 as "mint one". Either way there is nothing to decode.
func (r *Router) logTimeoutAge(seq uint64) {
	if seq == 0 {
		return
	}
	mintedAtMs, nodeID, _ := idgen.Decode(int64(seq))
	age := time.Since(time.UnixMilli(mintedAtMs))
	obslog.Warnw("forward request timed out", "seq", seq, "origin_node", nodeID, "age", age.String())
}

// ScheduleWake implements endpoint.WakerSink.
func (r *Router) ScheduleWake(at time.Time, ep *endpoint.Endpoint) {
	r.wakerMu.Lock()
	pushWaker(&r.waker, wakerItem{at: at, ep: ep})
	r.wakerMu.Unlock()
}

func (r *Router) newEndpoint(id uint64, name string) *endpoint.Endpoint {
	return endpoint.New(id, name, r.limits, r, r)
}

// GetEndpoint returns the endpoint currently indexed under id, if any.
func (r *Router) GetEndpoint(id uint64) (*endpoint.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.byID[id]
	return ep, ok
}

// RemoveEndpoint purges id (and its reverse by_name entry, if consistent)
// from the indices and resets the endpoint. Idempotent: a second call on an
// already-removed id is a no-op.
func (r *Router) RemoveEndpoint(id uint64) bool {
	r.mu.Lock()
	ep, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, id)
	if node, has := ep.Discovery(); has {
		if r.byName[node.Name] == ep {
			delete(r.byName, node.Name)
		}
	}
	r.mu.Unlock()

	ep.Reset()
	return true
}

func (r *Router) removeEndpointByPointer(ep *endpoint.Endpoint) {
	r.mu.Lock()
	for id, e := range r.byID {
		if e == ep {
			delete(r.byID, id)
		}
	}
	for name, e := range r.byName {
		if e == ep {
			delete(r.byName, name)
		}
	}
	r.mu.Unlock()
	ep.Reset()
}

// mutableEndpoint implements spec.md §4.1's reconciliation: find-or-create
// the Endpoint for node, keep both indices consistent, and on first creation
// dial the first matching, successfully-connected gateway.
func (r *Router) mutableEndpoint(node discovery.Node) *endpoint.Endpoint {
	r.mu.Lock()

	byID, hasID := r.byID[node.ID]
	byName, hasName := r.byName[node.Name]

	var ep *endpoint.Endpoint
	var dropped *endpoint.Endpoint
	isNew := false

	switch {
	case hasID && hasName && byID != byName:
		// Two live endpoints disagree: drop the id-indexed one (spec.md §9
		// Open Questions — the stale entry's pending messages are cancelled,
		// not migrated).
		dropped = byID
		delete(r.byID, node.ID)
		ep = byName
	case hasID:
		ep = byID
	case hasName:
		ep = byName
	default:
		ep = r.newEndpoint(node.ID, node.Name)
		isNew = true
	}

	if prev, has := ep.Discovery(); has {
		if prev.ID != node.ID {
			delete(r.byID, prev.ID)
		}
		if prev.Name != node.Name {
			delete(r.byName, prev.Name)
		}
	}
	r.byID[node.ID] = ep
	r.byName[node.Name] = ep
	r.mu.Unlock()

	ep.UpdateDiscovery(node)

	if dropped != nil {
		dropped.Reset()
	}
	if isNew {
		r.connectGateways(ep, node)
	}
	return ep
}

// connectGateways walks node.Gateways in advertised order, skipping any the
// local GatewayMatcher rejects, and stops at the first one that yields a
// bound, ready-or-pending handle.
func (r *Router) connectGateways(ep *endpoint.Endpoint, node discovery.Node) {
	if r.registry == nil {
		return
	}
	for _, gw := range node.Gateways {
		if !gatewaymatcher.Match(gw, r.local) {
			continue
		}
		c, err := r.registry.ResolveAddress(gw.Address)
		if err != nil {
			continue
		}
		target := connector.Node{ID: node.ID, Name: node.Name, Hostname: node.Hostname}
		h, err := c.StartConnect(context.Background(), target, gw.Address, ep)
		if err != nil || h == nil {
			continue
		}
		ep.BindHandle(h)
		return
	}
}

func (r *Router) enqueue(ep *endpoint.Endpoint, msgType int32, seq uint64, payload []byte, meta endpoint.Metadata) error {
	return ep.Push(time.Now(), msgType, seq, payload, meta)
}

// SendByID sends to the endpoint currently known (or discoverable) under
// target_id. Resolution order: index cache, DiscoverySet, legacy atbus
// fallback (only reachable from this entry point), else NodeNotFound.
func (r *Router) SendByID(targetID uint64, msgType int32, seq uint64, payload []byte, meta endpoint.Metadata) (uint64, error) {
	seq = r.resolveSeq(seq)

	r.mu.Lock()
	ep, ok := r.byID[targetID]
	r.mu.Unlock()
	if ok {
		return seq, r.enqueue(ep, msgType, seq, payload, meta)
	}

	if r.discoverySet != nil {
		if node, found := r.discoverySet.ByID(targetID); found {
			ep := r.mutableEndpoint(node)
			return seq, r.enqueue(ep, msgType, seq, payload, meta)
		}
	}

	if r.fallbackEnabled && r.legacyConnector != nil {
		return seq, r.legacySendByID(targetID, msgType, seq, payload, meta)
	}

	return seq, errs.ErrNodeNotFound
}

// legacySendByID opens an on-demand connection through the legacy Connector
// when discovery has no answer for an id-targeted send. The resulting
// endpoint is not indexed: it exists only for the lifetime of this call's
// connection attempt, per spec.md §4.1's "may open an on-demand connection".
func (r *Router) legacySendByID(targetID uint64, msgType int32, seq uint64, payload []byte, meta endpoint.Metadata) error {
	ep := r.newEndpoint(targetID, fmt.Sprintf("legacy-%d", targetID))
	h, err := r.legacyConnector.StartConnect(context.Background(), connector.Node{ID: targetID}, "", ep)
	if err != nil {
		return errs.New(errs.CodeConnectPeerFailed, err.Error())
	}
	ep.BindHandle(h)
	return r.enqueue(ep, msgType, seq, payload, meta)
}

// SendByName mirrors SendByID's resolution order, minus the legacy
// fallback: spec.md §4.1 scopes that path to id targets only.
func (r *Router) SendByName(targetName string, msgType int32, seq uint64, payload []byte, meta endpoint.Metadata) (uint64, error) {
	seq = r.resolveSeq(seq)

	r.mu.Lock()
	ep, ok := r.byName[targetName]
	r.mu.Unlock()
	if ok {
		return seq, r.enqueue(ep, msgType, seq, payload, meta)
	}

	if r.discoverySet != nil {
		if node, found := r.discoverySet.ByName(targetName); found {
			ep := r.mutableEndpoint(node)
			return seq, r.enqueue(ep, msgType, seq, payload, meta)
		}
	}

	return seq, errs.ErrNodeNotFound
}

// SendByDiscovery enqueues against an already-resolved DiscoveryNode,
// skipping the by_id/by_name cache lookup entirely.
func (r *Router) SendByDiscovery(node discovery.Node, msgType int32, seq uint64, payload []byte, meta endpoint.Metadata) (uint64, error) {
	seq = r.resolveSeq(seq)
	ep := r.mutableEndpoint(node)
	return seq, r.enqueue(ep, msgType, seq, payload, meta)
}

// HashKey is the union of key forms SendByConsistentHash accepts: []byte,
// uint64, int64, or string.
type HashKey interface{}

func hashToken(key HashKey) (uint64, error) {
	switch k := key.(type) {
	case []byte:
		return identity.HashToken(string(k)), nil
	case string:
		return identity.HashToken(k), nil
	case uint64:
		return k, nil
	case int64:
		return uint64(k), nil
	default:
		return 0, errs.New(errs.CodeParams, fmt.Sprintf("unsupported consistent-hash key type %T", key))
	}
}

// SendByConsistentHash routes to whichever node the DiscoverySet's
// consistent-hash selection picks for key; every caller with the same
// DiscoverySet contents converges on the same node (spec.md §8).
func (r *Router) SendByConsistentHash(key HashKey, msgType int32, seq uint64, payload []byte, meta endpoint.Metadata) (uint64, error) {
	if r.discoverySet == nil {
		return 0, errs.ErrNodeNotFound
	}
	token, err := hashToken(key)
	if err != nil {
		return 0, err
	}
	node, found := r.discoverySet.ConsistentHash(token)
	if !found {
		return 0, errs.ErrNodeNotFound
	}
	seq = r.resolveSeq(seq)
	ep := r.mutableEndpoint(node)
	return seq, r.enqueue(ep, msgType, seq, payload, meta)
}

// SendByRandom routes to an arbitrary live node from the DiscoverySet.
func (r *Router) SendByRandom(msgType int32, seq uint64, payload []byte, meta endpoint.Metadata) (uint64, error) {
	if r.discoverySet == nil {
		return 0, errs.ErrNodeNotFound
	}
	node, found := r.discoverySet.Random()
	if !found {
		return 0, errs.ErrNodeNotFound
	}
	seq = r.resolveSeq(seq)
	ep := r.mutableEndpoint(node)
	return seq, r.enqueue(ep, msgType, seq, payload, meta)
}

// SendByRoundRobin routes to the DiscoverySet's next node in its shared
// rotation; spec.md §8 requires ⌊N/M⌋ or ⌈N/M⌉ visits per live peer across N
// calls, which holds as long as the DiscoverySet's RoundRobin is stable.
func (r *Router) SendByRoundRobin(msgType int32, seq uint64, payload []byte, meta endpoint.Metadata) (uint64, error) {
	if r.discoverySet == nil {
		return 0, errs.ErrNodeNotFound
	}
	node, found := r.discoverySet.RoundRobin()
	if !found {
		return 0, errs.ErrNodeNotFound
	}
	seq = r.resolveSeq(seq)
	ep := r.mutableEndpoint(node)
	return seq, r.enqueue(ep, msgType, seq, payload, meta)
}

// DrainWakers is called once per tick by the lifecycle loop (spec.md §4.6
// step 4): pop every waker entry due by now, retry its endpoint up to
// loopTimes messages, and drop the endpoint from the indices if it ends up
// with no remaining connection handles.
func (r *Router) DrainWakers(now time.Time, loopTimes int) {
	var due []wakerItem

	r.wakerMu.Lock()
	for len(r.waker) > 0 && !r.waker[0].at.After(now) {
		due = append(due, popWaker(&r.waker))
	}
	r.wakerMu.Unlock()

	for _, item := range due {
		item.ep.Retry(now, loopTimes)
		if len(item.ep.Handles()) == 0 {
			r.removeEndpointByPointer(item.ep)
		}
	}
}

// EndpointCount reports the number of distinct endpoints currently indexed,
// used by the STATISTICS tick log line.
func (r *Router) EndpointCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*endpoint.Endpoint]struct{}, len(r.byID))
	for _, ep := range r.byID {
		seen[ep] = struct{}{}
	}
	for _, ep := range r.byName {
		seen[ep] = struct{}{}
	}
	return len(seen)
}

// WakerCount reports the number of armed waker entries, used by the
// STATISTICS tick log line.
func (r *Router) WakerCount() int {
	r.wakerMu.Lock()
	defer r.wakerMu.Unlock()
	return len(r.waker)
}

package router

import (
	"context"
	"testing"
	"time"

	"github.com/anthanhphan/atapp/internal/connector"
	"github.com/anthanhphan/atapp/internal/discovery"
	"github.com/anthanhphan/atapp/internal/endpoint"
	"github.com/anthanhphan/atapp/internal/errs"
	"github.com/anthanhphan/atapp/internal/gatewaymatcher"
	"github.com/anthanhphan/atapp/pkg/idgen"
)

// fakeDiscoverySet is a hand-written discovery.Set backed by plain maps;
// no mocking framework is used anywhere in this package's tests.
type fakeDiscoverySet struct {
	byID   map[uint64]discovery.Node
	byName map[string]discovery.Node
	order  []string
	cursor int
}

func newFakeDiscoverySet(nodes ...discovery.Node) *fakeDiscoverySet {
	s := &fakeDiscoverySet{byID: map[uint64]discovery.Node{}, byName: map[string]discovery.Node{}}
	for _, n := range nodes {
		s.put(n)
	}
	return s
}

func (s *fakeDiscoverySet) put(n discovery.Node) {
	s.byID[n.ID] = n
	if _, exists := s.byName[n.Name]; !exists {
		s.order = append(s.order, n.Name)
	}
	s.byName[n.Name] = n
}

func (s *fakeDiscoverySet) ByID(id uint64) (discovery.Node, bool)     { n, ok := s.byID[id]; return n, ok }
func (s *fakeDiscoverySet) ByName(name string) (discovery.Node, bool) { n, ok := s.byName[name]; return n, ok }
func (s *fakeDiscoverySet) ConsistentHash(token uint64) (discovery.Node, bool) {
	if len(s.order) == 0 {
		return discovery.Node{}, false
	}
	return s.byName[s.order[token%uint64(len(s.order))]], true
}
func (s *fakeDiscoverySet) Random() (discovery.Node, bool) {
	if len(s.order) == 0 {
		return discovery.Node{}, false
	}
	return s.byName[s.order[0]], true
}
func (s *fakeDiscoverySet) RoundRobin() (discovery.Node, bool) {
	if len(s.order) == 0 {
		return discovery.Node{}, false
	}
	n := s.byName[s.order[s.cursor%len(s.order)]]
	s.cursor++
	return n, true
}
func (s *fakeDiscoverySet) All() []discovery.Node {
	out := make([]discovery.Node, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}
func (s *fakeDiscoverySet) Watch(fn func(discovery.Event)) func() { return func() {} }

// fakeConnector binds instantly-ready handles, so mutableEndpoint's
// connect-first-matching-gateway step always succeeds synchronously.
type fakeConnector struct {
	schemes []string
	sent    []sentMsg
}

type sentMsg struct {
	msgType int32
	seq     uint64
}

func (c *fakeConnector) Schemes() []string                              { return c.schemes }
func (c *fakeConnector) AddressType(addr string) connector.AddressFlags { return 0 }
func (c *fakeConnector) StartListen(ctx context.Context, addr string) error { return nil }
func (c *fakeConnector) StartConnect(ctx context.Context, node connector.Node, addr string, ep connector.Endpoint) (*connector.Handle, error) {
	h := connector.NewHandle(c, ep)
	h.MarkReady()
	return h, nil
}
func (c *fakeConnector) CloseHandle(h *connector.Handle) error { return nil }
func (c *fakeConnector) SendForwardRequest(h *connector.Handle, msgType int32, seq uint64, payload []byte, metadata map[string]string) error {
	c.sent = append(c.sent, sentMsg{msgType, seq})
	return nil
}
func (c *fakeConnector) OnDiscoveryEvent(action connector.DiscoveryAction, node connector.Node) {}

// fakeHandler records every forward response delivered by the Router.
type fakeHandler struct {
	responses []fakeResp
}

type fakeResp struct {
	fromID  uint64
	msgType int32
	seq     uint64
	code    errs.Code
}

func (h *fakeHandler) OnForwardResponse(fromID uint64, fromName string, msgType int32, seq uint64, errCode errs.Code, payload []byte) {
	h.responses = append(h.responses, fakeResp{fromID, msgType, seq, errCode})
}

func newTestRouter(ds discovery.Set, registry *connector.Registry, local gatewaymatcher.LocalMeta) *Router {
	return New(Config{Limits: endpoint.Limits{MessageTimeout: time.Minute}}, registry, ds, local, nil)
}

func TestSendByID_CacheHitEnqueues(t *testing.T) {
	registry := connector.NewRegistry()
	c := &fakeConnector{schemes: []string{"tcp"}}
	registry.Register(c)

	r := newTestRouter(nil, registry, gatewaymatcher.LocalMeta{})
	node := discovery.Node{ID: 2, Name: "b", Gateways: []discovery.Gateway{{Address: "tcp://h:1"}}}
	ep := r.mutableEndpoint(node)
	if _, ok := r.GetEndpoint(2); !ok {
		t.Fatal("expected endpoint indexed by id")
	}

	seq, err := r.SendByID(2, 7, 42, []byte("hi"), nil)
	if err != nil {
		t.Fatalf("SendByID: %v", err)
	}
	if seq != 42 {
		t.Fatalf("expected caller-supplied seq 42 preserved, got %d", seq)
	}
	if len(c.sent) != 1 {
		t.Fatalf("expected 1 send via fast path, got %d", len(c.sent))
	}
	_ = ep
}

func TestSendByID_DiscoveryFallbackCreatesEndpoint(t *testing.T) {
	registry := connector.NewRegistry()
	c := &fakeConnector{schemes: []string{"tcp"}}
	registry.Register(c)

	node := discovery.Node{ID: 9, Name: "svc-b", Gateways: []discovery.Gateway{{Address: "tcp://h:1"}}}
	ds := newFakeDiscoverySet(node)

	r := newTestRouter(ds, registry, gatewaymatcher.LocalMeta{})
	seq, err := r.SendByID(9, 1, 5, []byte("x"), nil)
	if err != nil {
		t.Fatalf("SendByID: %v", err)
	}
	if seq != 5 {
		t.Fatalf("expected caller-supplied seq 5 preserved, got %d", seq)
	}
	if _, ok := r.GetEndpoint(9); !ok {
		t.Fatal("expected mutable_endpoint to index the resolved node")
	}
}

func TestSendByID_NotFoundWithoutFallback(t *testing.T) {
	registry := connector.NewRegistry()
	r := newTestRouter(newFakeDiscoverySet(), registry, gatewaymatcher.LocalMeta{})
	if _, err := r.SendByID(42, 1, 0, nil, nil); err != errs.ErrNodeNotFound {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

// TestMutableEndpoint_IndexReconciliation mirrors spec.md scenario 5.
func TestMutableEndpoint_IndexReconciliation(t *testing.T) {
	r := newTestRouter(nil, connector.NewRegistry(), gatewaymatcher.LocalMeta{})

	e1 := r.mutableEndpoint(discovery.Node{ID: 5, Name: "svc-a"})
	if _, ok := r.GetEndpoint(5); !ok {
		t.Fatal("expected id 5 indexed")
	}

	e2 := r.mutableEndpoint(discovery.Node{ID: 6, Name: "svc-a"})
	if e1 != e2 {
		t.Fatal("expected the same endpoint to be reused across the id change")
	}
	if _, ok := r.GetEndpoint(5); ok {
		t.Fatal("expected stale id 5 purged")
	}
	ep, ok := r.GetEndpoint(6)
	if !ok || ep != e1 {
		t.Fatal("expected id 6 to now map to the original endpoint")
	}
	node, has := ep.Discovery()
	if !has || node.ID != 6 {
		t.Fatalf("expected discovery snapshot to reflect id 6, got %+v", node)
	}
}

// TestMutableEndpoint_GatewayFiltering mirrors spec.md scenario 6.
func TestMutableEndpoint_GatewayFiltering(t *testing.T) {
	registry := connector.NewRegistry()
	c := &fakeConnector{schemes: []string{"tcp"}}
	registry.Register(c)

	local := gatewaymatcher.LocalMeta{Hostname: "hostY", Labels: map[string]string{"zone": "z1"}}
	r := newTestRouter(nil, registry, local)

	node := discovery.Node{
		ID:   10,
		Name: "remote",
		Gateways: []discovery.Gateway{
			{Address: "tcp://h1:9", MatchHosts: []string{"hostX"}},
			{Address: "tcp://h2:9", MatchLabels: map[string]string{"zone": "z1"}},
		},
	}
	ep := r.mutableEndpoint(node)
	handles := ep.Handles()
	if len(handles) != 1 {
		t.Fatalf("expected exactly one bound handle, got %d", len(handles))
	}
	if !handles[0].Ready() {
		t.Fatal("expected the bound handle to be ready")
	}
}

func TestRemoveEndpoint_Idempotent(t *testing.T) {
	r := newTestRouter(nil, connector.NewRegistry(), gatewaymatcher.LocalMeta{})
	r.mutableEndpoint(discovery.Node{ID: 1, Name: "a"})

	if !r.RemoveEndpoint(1) {
		t.Fatal("expected first RemoveEndpoint to report removal")
	}
	if r.RemoveEndpoint(1) {
		t.Fatal("expected second RemoveEndpoint to be a no-op")
	}
	if _, ok := r.GetEndpoint(1); ok {
		t.Fatal("expected endpoint purged from the id index")
	}
}

func TestDrainWakers_ExpiresAndDropsHandlelessEndpoint(t *testing.T) {
	handler := &fakeHandler{}
	r := newTestRouter(nil, connector.NewRegistry(), gatewaymatcher.LocalMeta{})
	r.SetResponseHandler(handler)

	ep := r.mutableEndpoint(discovery.Node{ID: 3, Name: "c"})
	now := time.Now()
	if err := ep.Push(now, 1, 1, []byte("a"), nil); err != nil {
		t.Fatalf("Push: %v", err)
	}

	later := now.Add(time.Hour)
	r.DrainWakers(later, 0)

	if len(handler.responses) != 1 || handler.responses[0].code != errs.CodeTimeout {
		t.Fatalf("expected a single CodeTimeout response, got %+v", handler.responses)
	}
	if _, ok := r.GetEndpoint(3); ok {
		t.Fatal("expected the handle-less endpoint to be dropped from the index")
	}
}

func TestOnForwardResponse_TimeoutWithSelfMintedSeqDoesNotPanic(t *testing.T) {
	handler := &fakeHandler{}
	r := newTestRouter(nil, connector.NewRegistry(), gatewaymatcher.LocalMeta{})
	r.SetResponseHandler(handler)

	gen, err := idgen.New(1, nil)
	if err != nil {
		t.Fatalf("idgen.New: %v", err)
	}
	mintedSeq, err := gen.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	ep := r.mutableEndpoint(discovery.Node{ID: 5, Name: "d"})
	r.OnForwardResponse(ep, 1, uint64(mintedSeq), errs.CodeTimeout, nil)

	if len(handler.responses) != 1 || handler.responses[0].seq != uint64(mintedSeq) {
		t.Fatalf("expected the timeout response to still reach the handler with its seq intact, got %+v", handler.responses)
	}
}

func TestOnForwardResponse_TimeoutWithZeroSeqSkipsDecode(t *testing.T) {
	handler := &fakeHandler{}
	r := newTestRouter(nil, connector.NewRegistry(), gatewaymatcher.LocalMeta{})
	r.SetResponseHandler(handler)

	ep := r.mutableEndpoint(discovery.Node{ID: 6, Name: "e"})
	r.OnForwardResponse(ep, 1, 0, errs.CodeTimeout, nil)

	if len(handler.responses) != 1 || handler.responses[0].seq != 0 {
		t.Fatalf("expected the timeout response to still reach the handler, got %+v", handler.responses)
	}
}

// Package discovery models the external DiscoverySet collaborator
// spec.md §3/§4 describes: a read-only, eventually-consistent catalog of
// peers supporting lookup-by-id, lookup-by-name, consistent-hash, random,
// and round-robin selection, plus a PUT/DELETE change stream.
package discovery

import "github.com/anthanhphan/atapp/internal/identity"

// Gateway is one advertised ingress point on a remote node.
type Gateway struct {
	Address         string
	MatchHosts      []string
	MatchNamespaces []string
	MatchLabels     map[string]string
}

// Node is the read-only view of a peer the core consumes: DiscoveryNode
// from spec.md §3.
type Node struct {
	ID       uint64
	Name     string
	TypeID   uint64
	TypeName string
	Hostname string
	Version  string

	NamespaceName string
	Labels        map[string]string

	Gateways []Gateway

	// nextGateway is the round-robin cursor for NextIngressGateway.
	nextGateway int
}

// HashCode returns the stable 128-bit hash pair over Name used to break
// selection ties (spec.md §3's "stable paired 64-bit hashes over name").
func (n Node) HashCode() string {
	return identity.HashCode(n.Name)
}

// IngressSize returns the number of advertised gateways.
func (n Node) IngressSize() int {
	return len(n.Gateways)
}

// NextIngressGateway cycles through n.Gateways, one step per call.
func (n *Node) NextIngressGateway() (Gateway, bool) {
	if len(n.Gateways) == 0 {
		return Gateway{}, false
	}
	gw := n.Gateways[n.nextGateway%len(n.Gateways)]
	n.nextGateway++
	return gw, true
}

// Action distinguishes a PUT (advertised/updated) from a DELETE
// (withdrawn) discovery event.
type Action int

const (
	ActionPut Action = iota
	ActionDelete
)

// Event is one membership change delivered to Set.Watch subscribers.
type Event struct {
	Action Action
	Node   Node
}

// Set is the external collaborator the core consumes for all non-cache
// node resolution.
type Set interface {
	// ByID looks up a node by numeric id.
	ByID(id uint64) (Node, bool)
	// ByName looks up a node by name.
	ByName(name string) (Node, bool)
	// ConsistentHash returns the node owning token among all known nodes.
	// Ties are broken by the stable node-name hash so all callers agree.
	ConsistentHash(token uint64) (Node, bool)
	// Random returns an arbitrary live node.
	Random() (Node, bool)
	// RoundRobin returns the next node in a stable rotation shared by all
	// callers of this Set instance.
	RoundRobin() (Node, bool)
	// All returns every currently known node.
	All() []Node
	// Watch registers fn to be called for every future PUT/DELETE event.
	// It returns an unsubscribe function.
	Watch(fn func(Event)) (unsubscribe func())
}

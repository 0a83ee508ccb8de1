package hashring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"
)

const (
	// DefaultVNodesPerNode is the default number of virtual nodes per physical node.
	// A higher number improves distribution balance but increases ring size.
	DefaultVNodesPerNode = 256
)

// Ring is the consistent-hash ring backing Router.SendByConsistentHash: one
// named destination node owns any given token, found by walking clockwise
// from the token's position to the nearest vnode.
type Ring struct {
	mu            sync.RWMutex
	vnodes        []VNode // Sorted list of all vnodes on the ring
	nodes         map[string]Node
	vnodesPerNode int
}

// NewRing creates a new consistent hashing ring.
func NewRing(vnodesPerNode int) *Ring {
	if vnodesPerNode <= 0 {
		vnodesPerNode = DefaultVNodesPerNode
	}
	return &Ring{
		vnodes:        make([]VNode, 0),
		nodes:         make(map[string]Node),
		vnodesPerNode: vnodesPerNode,
	}
}

// AddNode adds a destination node to the ring.
func (r *Ring) AddNode(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node.Status == "" {
		node.Status = NodeStatusHealthy
	}

	if existing, exists := r.nodes[node.Name]; exists {
		// Keep vnode ownership stable by node name while allowing metadata
		// refresh (e.g. id/status changes after a reconnect).
		if existing.ID != node.ID || existing.Status != node.Status {
			r.nodes[node.Name] = node
		}
		return
	}

	r.nodes[node.Name] = node

	for i := 0; i < r.vnodesPerNode; i++ {
		token := r.hashKey(fmt.Sprintf("%s-%d", node.Name, i))
		r.vnodes = append(r.vnodes, VNode{
			Token:    token,
			NodeName: node.Name,
		})
	}

	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].Token != r.vnodes[j].Token {
			return r.vnodes[i].Token < r.vnodes[j].Token
		}
		// Equal tokens: order by the 128-bit murmur3 hash of the node name
		// so every ring built from the same nodes picks the same owner.
		hi1, lo1 := murmur3.Sum128([]byte(r.vnodes[i].NodeName))
		hi2, lo2 := murmur3.Sum128([]byte(r.vnodes[j].NodeName))
		if hi1 != hi2 {
			return hi1 < hi2
		}
		return lo1 < lo2
	})
}

// SetNodeStatus updates a node's reachability without removing its vnodes.
func (r *Ring) SetNodeStatus(nodeName string, status NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node, exists := r.nodes[nodeName]; exists {
		node.Status = status
		r.nodes[nodeName] = node
	}
}

// RemoveNode removes a node and all of its vnodes from the ring.
func (r *Ring) RemoveNode(nodeName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeName]; !exists {
		return
	}

	delete(r.nodes, nodeName)

	newVNodes := make([]VNode, 0, len(r.vnodes))
	for _, vn := range r.vnodes {
		if vn.NodeName != nodeName {
			newVNodes = append(newVNodes, vn)
		}
	}
	r.vnodes = newVNodes
}

// LocateKey finds the node that owns the given key.
func (r *Ring) LocateKey(key []byte) (Node, bool) {
	return r.LocateToken(r.hashData(key))
}

// LocateToken finds the node that owns the given token.
func (r *Ring) LocateToken(token uint64) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 {
		return Node{}, false
	}

	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].Token >= token
	})
	if idx == len(r.vnodes) {
		idx = 0
	}

	nodeName := r.vnodes[idx].NodeName
	node, ok := r.nodes[nodeName]
	return node, ok
}

// GetNodes returns all nodes currently on the ring.
func (r *Ring) GetNodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

func (r *Ring) hashKey(key string) uint64 {
	return r.hashData([]byte(key))
}

func (r *Ring) hashData(data []byte) uint64 {
	return murmur3.Sum64(data)
}

package hashring

import "fmt"

// NodeStatus reflects whether a ring member is currently reachable.
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// Node is a destination placed on the consistent-hash ring: an atapp node
// name paired with the numeric node id SendByConsistentHash ultimately
// resolves to.
type Node struct {
	ID     uint64
	Name   string
	Status NodeStatus
}

func (n Node) String() string {
	return fmt.Sprintf("%s(%d)[%s]", n.Name, n.ID, n.Status)
}

// VNode is one virtual-node token on the ring, pointing at a physical Node
// by name.
type VNode struct {
	Token    uint64
	NodeName string
}

// Package graph contains the page dependency graph: network and CPU nodes
// linked by "must finish before" edges, and the builder that derives it from
// network records and a processed trace.
package graph

import (
	"github.com/m-lab/lantern/netrecord"
	"github.com/m-lab/lantern/trace"
)

// Kind discriminates the payload of a Node.
type Kind string

// Node kinds.
const (
	KindNetwork = Kind("network")
	KindCPU     = Kind("cpu")
)

// Node is a unit of work in the graph. Exactly one of Network and CPU is
// set, according to Kind. Nodes are immutable and may be shared by many
// graphs; edges are owned by Graph.
type Node struct {
	ID      string
	Kind    Kind
	Network *NetworkNode
	CPU     *CPUNode
}

// NetworkNode is the payload of a network request node.
type NetworkNode struct {
	Record         *netrecord.Record
	IsMainDocument bool
}

// CPUNode is the payload of a main thread task node.
type CPUNode struct {
	Event       *trace.Event
	ChildEvents []*trace.Event
}

// NewNetworkNode returns a node for the given record.
func NewNetworkNode(id string, r *netrecord.Record) *Node {
	return &Node{ID: id, Kind: KindNetwork, Network: &NetworkNode{Record: r}}
}

// NewCPUNode returns a node for a top-level task and its nested events.
func NewCPUNode(e *trace.Event, children []*trace.Event) *Node {
	return &Node{ID: e.ID(), Kind: KindCPU, CPU: &CPUNode{Event: e, ChildEvents: children}}
}

// StartTime returns the observed start of the node in microseconds.
func (n *Node) StartTime() float64 {
	if n.Kind == KindNetwork {
		return n.Network.Record.StartTime * 1e6
	}
	return n.CPU.Event.Ts
}

// EndTime returns the observed end of the node in microseconds.
func (n *Node) EndTime() float64 {
	if n.Kind == KindNetwork {
		return n.Network.Record.EndTime * 1e6
	}
	return n.CPU.Event.End()
}

// CanDependOn returns whether other started no later than n.
func (n *Node) CanDependOn(other *Node) bool {
	return other.StartTime() <= n.StartTime()
}

// IsMainDocument returns whether n is the main document request.
func (n *Node) IsMainDocument() bool {
	return n.Kind == KindNetwork && n.Network.IsMainDocument
}

// ConnectionKey returns the key used to assign the request to a connection.
func (n *NetworkNode) ConnectionKey() string {
	return n.Record.Origin
}

// InitiatorType returns the devtools initiator type of the request.
func (n *NetworkNode) InitiatorType() string {
	return n.Record.Initiator.Type
}

// FromDiskCache returns whether the request was served from the disk cache.
func (n *NetworkNode) FromDiskCache() bool {
	return n.Record.FromDiskCache
}

// IsNonNetworkProtocol returns whether the request never touched a socket,
// e.g. data: or blob: URLs.
func (n *NetworkNode) IsNonNetworkProtocol() bool {
	return n.Record.IsNonNetwork()
}

// IsConnectionless returns whether the request can complete without a
// connection.
func (n *NetworkNode) IsConnectionless() bool {
	return n.FromDiskCache() || n.IsNonNetworkProtocol()
}

// HasRenderBlockingPriority returns whether the browser loaded the request
// at a priority that blocks the first paint.
func (n *NetworkNode) HasRenderBlockingPriority() bool {
	p := n.Record.Priority
	t := n.Record.ResourceType
	return p == netrecord.VeryHigh ||
		(p == netrecord.High && (t == netrecord.Script || t == netrecord.Document))
}

// DidPerformLayout returns whether the task contains a Layout event.
func (c *CPUNode) DidPerformLayout() bool {
	return c.hasChildNamed("Layout")
}

// EvaluateScriptURLs returns the distinct URLs of the scripts evaluated by
// the task, in evaluation order.
func (c *CPUNode) EvaluateScriptURLs() []string {
	var urls []string
	seen := map[string]bool{}
	for _, e := range c.ChildEvents {
		if e.Name != "EvaluateScript" {
			continue
		}
		u := e.DataURL()
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

// hasChildNamed returns whether any nested event has the given name.
func (c *CPUNode) hasChildNamed(name string) bool {
	for _, e := range c.ChildEvents {
		if e.Name == name {
			return true
		}
	}
	return false
}

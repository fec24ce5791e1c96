package graph

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ErrCycle is returned when the dependency edges form a cycle.
var ErrCycle = errors.New("dependency graph contains a cycle")

// UnreachableError lists the nodes that cannot be reached from the root.
type UnreachableError struct {
	IDs []string
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("dependency graph has %d node(s) unreachable from the root: %s",
		len(e.IDs), strings.Join(e.IDs, ", "))
}

// Graph is a set of nodes and the dependency edges between them. Edge lists
// keep insertion order so that every traversal is deterministic. A Graph is
// not safe for concurrent mutation; once built it is only read.
type Graph struct {
	root       *Node
	nodes      []*Node
	byID       map[string]*Node
	deps       map[string][]*Node
	dependents map[string][]*Node
}

// New returns a graph containing only root.
func New(root *Node) *Graph {
	g := &Graph{
		byID:       map[string]*Node{},
		deps:       map[string][]*Node{},
		dependents: map[string][]*Node{},
	}
	g.root = root
	g.Add(root)
	return g
}

// Root returns the node every other node descends from.
func (g *Graph) Root() *Node {
	return g.root
}

// Add inserts n without edges. Adding a node twice is a no-op.
func (g *Graph) Add(n *Node) {
	if _, ok := g.byID[n.ID]; ok {
		return
	}
	g.byID[n.ID] = n
	g.nodes = append(g.nodes, n)
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.byID[id]
}

// Has returns whether n belongs to the graph.
func (g *Graph) Has(n *Node) bool {
	return g.byID[n.ID] == n
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns the nodes in insertion order. The caller must not modify
// the returned slice.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Dependencies returns the nodes that must finish before n starts.
func (g *Graph) Dependencies(n *Node) []*Node {
	return g.deps[n.ID]
}

// Dependents returns the nodes waiting for n.
func (g *Graph) Dependents(n *Node) []*Node {
	return g.dependents[n.ID]
}

// AddEdge records that from must finish before to starts. Both nodes are
// added to the graph if needed. Duplicate edges and self edges are ignored.
func (g *Graph) AddEdge(from, to *Node) {
	if from == to {
		return
	}
	g.Add(from)
	g.Add(to)
	if slices.Contains(g.dependents[from.ID], to) {
		return
	}
	g.dependents[from.ID] = append(g.dependents[from.ID], to)
	g.deps[to.ID] = append(g.deps[to.ID], from)
}

// RemoveEdge deletes the edge from -> to if present.
func (g *Graph) RemoveEdge(from, to *Node) {
	if i := slices.Index(g.dependents[from.ID], to); i >= 0 {
		g.dependents[from.ID] = slices.Delete(g.dependents[from.ID], i, i+1)
	}
	if i := slices.Index(g.deps[to.ID], from); i >= 0 {
		g.deps[to.ID] = slices.Delete(g.deps[to.ID], i, i+1)
	}
}

// Remove deletes n and all of its edges.
func (g *Graph) Remove(n *Node) {
	if !g.Has(n) || n == g.root {
		return
	}
	for _, d := range slices.Clone(g.deps[n.ID]) {
		g.RemoveEdge(d, n)
	}
	for _, d := range slices.Clone(g.dependents[n.ID]) {
		g.RemoveEdge(n, d)
	}
	delete(g.byID, n.ID)
	delete(g.deps, n.ID)
	delete(g.dependents, n.ID)
	if i := slices.Index(g.nodes, n); i >= 0 {
		g.nodes = slices.Delete(g.nodes, i, i+1)
	}
}

// Traverse visits every node reachable from the root once, breadth first
// over dependents.
func (g *Graph) Traverse(visit func(n *Node)) {
	g.bfs(g.root, g.Dependents, visit)
}

func (g *Graph) bfs(start *Node, next func(*Node) []*Node, visit func(*Node)) {
	queue := []*Node{start}
	seen := map[string]bool{start.ID: true}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visit(n)
		for _, m := range next(n) {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			queue = append(queue, m)
		}
	}
}

// IsDependentOn returns whether n transitively depends on other.
func (g *Graph) IsDependentOn(n, other *Node) bool {
	found := false
	g.bfs(n, g.Dependencies, func(m *Node) {
		if m == other {
			found = true
		}
	})
	return found
}

// TopologicalOrder returns the nodes ordered so that every node follows its
// dependencies. Ties keep insertion order.
func (g *Graph) TopologicalOrder() ([]*Node, error) {
	pending := make(map[string]int, len(g.nodes))
	var ready []*Node
	for _, n := range g.nodes {
		pending[n.ID] = len(g.deps[n.ID])
		if pending[n.ID] == 0 {
			ready = append(ready, n)
		}
	}
	order := make([]*Node, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, d := range g.dependents[n.ID] {
			pending[d.ID]--
			if pending[d.ID] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, ErrCycle
	}
	return order, nil
}

// Validate checks that the graph is acyclic and that every node is
// reachable from the root.
func (g *Graph) Validate() error {
	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	seen := map[string]bool{}
	g.Traverse(func(n *Node) {
		seen[n.ID] = true
	})
	var unreachable []string
	for _, n := range g.nodes {
		if !seen[n.ID] {
			unreachable = append(unreachable, n.ID)
		}
	}
	if len(unreachable) > 0 {
		return &UnreachableError{IDs: unreachable}
	}
	return nil
}

// Clone returns a copy of the graph sharing the node payloads.
func (g *Graph) Clone() *Graph {
	return g.CloneWithRelationships(nil)
}

// CloneWithRelationships returns a new graph with the nodes matching keep
// and all of their ancestors, so that every kept node is still reachable
// from the root. A nil keep clones every reachable node. Node payloads are
// shared; edge lists are fresh.
func (g *Graph) CloneWithRelationships(keep func(*Node) bool) *Graph {
	included := map[string]bool{g.root.ID: true}
	g.Traverse(func(n *Node) {
		if included[n.ID] && n != g.root {
			return
		}
		if keep != nil && !keep(n) {
			return
		}
		g.bfs(n, func(m *Node) []*Node {
			var parents []*Node
			for _, p := range g.deps[m.ID] {
				if !included[p.ID] {
					parents = append(parents, p)
				}
			}
			return parents
		}, func(m *Node) {
			included[m.ID] = true
		})
	})
	clone := New(g.root)
	for _, n := range g.nodes {
		if included[n.ID] {
			clone.Add(n)
		}
	}
	for _, n := range clone.nodes {
		for _, d := range g.deps[n.ID] {
			if included[d.ID] {
				clone.AddEdge(d, n)
			}
		}
	}
	return clone
}

package dependency

import (
	"fmt"
	"sort"
)

// NodeID is the unique identifier for a node inside a dependency graph.
// It is a string alias so that callers can freely choose an encoding
// scheme (e.g. "module:billing", "migration:0003_add_index").
type NodeID string

// EdgeKind categorises dependency edges.
type EdgeKind int

const (
	EdgeRequired EdgeKind = iota
	EdgeOptional
	EdgeConflicting
)

// Node represents a unit (module, migration, validation rule, plan step)
// inside the graph. Edges are stored separately on the graph; nodes carry
// no back-pointers, so lookups always go through the arena index.
type Node struct {
	ID    NodeID
	Label string
}

// Edge is a directed dependency: From depends on To.
type Edge struct {
	From NodeID
	To   NodeID
	Kind EdgeKind
}

// Graph is an arena of nodes indexed by id with a separate edge list.
// It is not thread-safe by itself; callers must synchronise if they write
// concurrently.
type Graph struct {
	nodes map[NodeID]Node
	edges []Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[NodeID]Node)}
}

// AddNode adds (or replaces) a node in the graph.
func (g *Graph) AddNode(n Node) {
	if g.nodes == nil {
		g.nodes = make(map[NodeID]Node)
	}
	g.nodes[n.ID] = n
}

// AddEdge records that from depends on to. Unknown endpoints are added
// implicitly so callers can declare edges before nodes.
func (g *Graph) AddEdge(from, to NodeID, kind EdgeKind) {
	if _, ok := g.nodes[from]; !ok {
		g.AddNode(Node{ID: from})
	}
	if _, ok := g.nodes[to]; !ok {
		g.AddNode(Node{ID: to})
	}
	g.edges = append(g.edges, Edge{From: from, To: to, Kind: kind})
}

// Has reports whether the node exists.
func (g *Graph) Has(id NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Dependencies returns the immediate required-or-optional dependency ids
// of the given node, sorted for determinism.
func (g *Graph) Dependencies(id NodeID) []NodeID {
	var res []NodeID
	for _, e := range g.edges {
		if e.From == id && e.Kind != EdgeConflicting {
			res = append(res, e.To)
		}
	}
	sortIDs(res)
	return res
}

// Dependents returns all node ids that directly depend on the given node,
// sorted for determinism.
func (g *Graph) Dependents(id NodeID) []NodeID {
	var res []NodeID
	for _, e := range g.edges {
		if e.To == id && e.Kind != EdgeConflicting {
			res = append(res, e.From)
		}
	}
	sortIDs(res)
	return res
}

// Levels partitions the nodes into dependency levels: every node in level
// i depends only on nodes in levels < i. Nodes within a level are sorted
// lexicographically. Cycles are broken deterministically by promoting the
// lexicographically smallest remaining node, so Levels always covers every
// node.
func (g *Graph) Levels() [][]NodeID {
	remaining := make(map[NodeID]int, len(g.nodes))
	for id := range g.nodes {
		remaining[id] = 0
	}
	for _, e := range g.edges {
		if e.Kind == EdgeConflicting {
			continue
		}
		if _, ok := remaining[e.From]; ok {
			remaining[e.From]++
		}
	}

	var levels [][]NodeID
	for len(remaining) > 0 {
		var level []NodeID
		for id, degree := range remaining {
			if degree == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			// Cycle: promote the smallest id to force progress.
			var smallest NodeID
			for id := range remaining {
				if smallest == "" || id < smallest {
					smallest = id
				}
			}
			level = append(level, smallest)
		}
		sortIDs(level)

		for _, id := range level {
			delete(remaining, id)
		}
		for _, id := range level {
			for _, e := range g.edges {
				if e.Kind == EdgeConflicting {
					continue
				}
				if e.To == id {
					if _, ok := remaining[e.From]; ok {
						remaining[e.From]--
					}
				}
			}
		}
		levels = append(levels, level)
	}
	return levels
}

// TopoSort returns all node ids in dependency order: a node appears only
// after everything it depends on. Ties inside a level break
// lexicographically, so the order is deterministic.
func (g *Graph) TopoSort() []NodeID {
	var order []NodeID
	for _, level := range g.Levels() {
		order = append(order, level...)
	}
	return order
}

// ReverseOrder returns TopoSort reversed; this is the execution order for
// compensating plans.
func (g *Graph) ReverseOrder() []NodeID {
	order := g.TopoSort()
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// Cycles returns every dependency cycle found in the graph, each as the
// list of node ids on the cycle. An empty result means the graph is a DAG.
func (g *Graph) Cycles() [][]NodeID {
	adjacency := make(map[NodeID][]NodeID)
	for _, e := range g.edges {
		if e.Kind == EdgeConflicting {
			continue
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}
	for _, next := range adjacency {
		sortIDs(next)
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[NodeID]int, len(g.nodes))
	var cycles [][]NodeID
	var stack []NodeID

	var visit func(id NodeID)
	visit = func(id NodeID) {
		state[id] = inStack
		stack = append(stack, id)
		for _, next := range adjacency[id] {
			switch state[next] {
			case unvisited:
				visit(next)
			case inStack:
				// Found a cycle: slice the stack from next to id.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle := make([]NodeID, len(stack)-i)
						copy(cycle, stack[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}

	ids := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sortIDs(ids)
	for _, id := range ids {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}

// Validate returns an error when the graph contains a cycle among
// required edges.
func (g *Graph) Validate() error {
	if cycles := g.Cycles(); len(cycles) > 0 {
		return fmt.Errorf("dependency cycle detected: %v", cycles[0])
	}
	return nil
}

func sortIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// Package graph orders resources by their declared dependencies.
//
// Edges mean "must be applied before": an edge from the registry to the
// build trigger means the registry exists before anything is pushed to it.
// Destroy walks the same order backwards.
package graph

import (
	"fmt"
	"strings"
)

type (
	// CycleError indicates that the graph contains a cycle, preventing topological ordering.
	CycleError struct {
		Cycle []string
	}

	// UnknownNodeError is returned when an edge references a node that was never added.
	UnknownNodeError struct {
		Node string
	}

	// Graph is a directed graph keyed by resource address.
	Graph struct {
		adjacency map[string][]string
		incoming  map[string][]string
		nodes     []string
		nodeSet   map[string]bool
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown dependency %q", e.Node)
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		adjacency: make(map[string][]string),
		incoming:  make(map[string][]string),
		nodeSet:   make(map[string]bool),
	}
}

// AddNode adds a node to the graph. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	if g.nodeSet[name] {
		return
	}
	g.nodeSet[name] = true
	g.nodes = append(g.nodes, name)
}

// Has reports whether the node exists.
func (g *Graph) Has(name string) bool {
	return g.nodeSet[name]
}

// AddEdge adds a directed edge from -> to, meaning "from" is applied before "to".
// Both nodes must already exist.
func (g *Graph) AddEdge(from, to string) error {
	if !g.nodeSet[from] {
		return &UnknownNodeError{Node: from}
	}
	if !g.nodeSet[to] {
		return &UnknownNodeError{Node: to}
	}
	g.adjacency[from] = append(g.adjacency[from], to)
	g.incoming[to] = append(g.incoming[to], from)
	return nil
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// DependenciesOf returns the nodes that must be applied before name.
func (g *Graph) DependenciesOf(name string) []string {
	out := make([]string, len(g.incoming[name]))
	copy(out, g.incoming[name])
	return out
}

// TopologicalSort returns an apply order using Kahn's algorithm.
// Among the nodes that are ready, the one added first goes next, so the
// result is deterministic and follows declaration order wherever the
// edges allow it.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	for _, node := range g.nodes {
		inDegree[node] = len(g.incoming[node])
	}

	done := make(map[string]bool, len(g.nodes))
	var result []string
	for len(result) < len(g.nodes) {
		next := ""
		for _, node := range g.nodes {
			if !done[node] && inDegree[node] == 0 {
				next = node
				break
			}
		}
		if next == "" {
			break
		}
		done[next] = true
		result = append(result, next)

		for _, neighbor := range g.adjacency[next] {
			inDegree[neighbor]--
		}
	}

	if len(result) != len(g.nodes) {
		var cycleNodes []string
		for _, node := range g.nodes {
			if inDegree[node] > 0 {
				cycleNodes = append(cycleNodes, node)
			}
		}
		return nil, &CycleError{Cycle: cycleNodes}
	}

	return result, nil
}

// ReverseTopologicalSort returns the destroy order: dependents before their dependencies.
func (g *Graph) ReverseTopologicalSort() ([]string, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

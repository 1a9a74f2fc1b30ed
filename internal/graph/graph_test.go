package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraph(t *testing.T, nodes []string, edges [][2]string) *Graph {
	t.Helper()
	g := New()
	for _, n := range nodes {
		g.AddNode(n)
	}
	for _, e := range edges {
		require.NoError(t, g.AddEdge(e[0], e[1]))
	}
	return g
}

func TestTopologicalSort_EmptyGraph(t *testing.T) {
	order, err := New().TopologicalSort()
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestTopologicalSort_DeploymentChain(t *testing.T) {
	g := newGraph(t,
		[]string{"registry", "trigger", "role", "logs", "function"},
		[][2]string{
			{"registry", "trigger"},
			{"trigger", "function"},
			{"role", "function"},
			{"logs", "function"},
		},
	)

	order, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"registry", "trigger", "role", "logs", "function"}, order)

	reverse, err := g.ReverseTopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"function", "logs", "role", "trigger", "registry"}, reverse)
}

func TestTopologicalSort_InsertionOrderWithinLevel(t *testing.T) {
	g := newGraph(t, []string{"C", "A", "B"}, nil)
	order, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, order)
}

func TestTopologicalSort_PrefersDeclarationOrder(t *testing.T) {
	g := newGraph(t, []string{"A", "B", "C", "D"}, [][2]string{{"C", "D"}, {"B", "D"}})
	order, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

func TestTopologicalSort_Cycle(t *testing.T) {
	g := newGraph(t, []string{"A", "B", "C"}, [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}})

	_, err := g.TopologicalSort()
	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Len(t, cycleErr.Cycle, 3)
	assert.Contains(t, err.Error(), "A -> B -> C")
}

func TestTopologicalSort_SelfLoop(t *testing.T) {
	g := newGraph(t, []string{"A"}, [][2]string{{"A", "A"}})
	_, err := g.ReverseTopologicalSort()
	var cycleErr *CycleError
	assert.True(t, errors.As(err, &cycleErr))
}

func TestAddEdge_UnknownNode(t *testing.T) {
	g := New()
	g.AddNode("A")
	err := g.AddEdge("A", "missing")
	var unknown *UnknownNodeError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "missing", unknown.Node)
}

func TestDependenciesOf(t *testing.T) {
	g := newGraph(t,
		[]string{"registry", "trigger", "function"},
		[][2]string{{"registry", "trigger"}, {"trigger", "function"}},
	)
	assert.Equal(t, []string{"registry"}, g.DependenciesOf("trigger"))
	assert.Empty(t, g.DependenciesOf("registry"))
	assert.True(t, g.Has("function"))
	assert.False(t, g.Has("nope"))
}

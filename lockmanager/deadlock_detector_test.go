package lockmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keelbase/transaction"
)

func TestGraph_AddEdgeThenGetEdgeListReflectsIt(t *testing.T) {
	g := NewGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)

	edges := g.GetEdgeList()
	assert.ElementsMatch(t, []Edge{{Waiter: 1, Holder: 2}, {Waiter: 2, Holder: 3}}, edges)
}

func TestGraph_RemoveEdgeDropsIt(t *testing.T) {
	g := NewGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)

	g.RemoveEdge(1, 2)

	assert.ElementsMatch(t, []Edge{{Waiter: 2, Holder: 3}}, g.GetEdgeList())
}

func TestGraph_HasCycleFalseOnAcyclicChain(t *testing.T) {
	g := NewGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	g.AddEdge(3, 4)

	_, found := g.HasCycle()
	assert.False(t, found)
}

func TestGraph_HasCycleFindsYoungestMemberOfCycle(t *testing.T) {
	g := NewGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	g.AddEdge(3, 1) // closes a 1->2->3->1 cycle

	victim, found := g.HasCycle()
	require.True(t, found)
	assert.Equal(t, transaction.ID(3), victim, "youngest picks the highest id among {1,2,3}")
}

func TestGraph_RemoveEdgeBreaksCycle(t *testing.T) {
	g := NewGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	g.AddEdge(3, 1)

	g.RemoveEdge(3, 1)

	_, found := g.HasCycle()
	assert.False(t, found, "removing the closing edge must make the cycle finder see a plain chain")
}

package lockmanager

import (
	"sync"
	"time"

	"keelbase/kerrors"
	"keelbase/storage/heap"
	"keelbase/transaction"
)

// Edge is one entry of the waits-for graph: waiter is blocked behind holder.
type Edge struct {
	Waiter transaction.ID
	Holder transaction.ID
}

// Graph is a standalone waits-for graph with its own AddEdge/RemoveEdge/GetEdgeList surface, so
// the cycle finder can be driven directly by a hand-built graph instead of only through a live
// Manager's lock state. runDetectionPass builds one from Manager.GetEdgeList on every pass; tests
// can build one from scratch with AddEdge and call HasCycle directly.
type Graph struct {
	mu  sync.Mutex
	adj map[transaction.ID]map[transaction.ID]bool
}

func NewGraph() *Graph {
	return &Graph{adj: make(map[transaction.ID]map[transaction.ID]bool)}
}

// AddEdge records that waiter waits for holder.
func (g *Graph) AddEdge(waiter, holder transaction.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.adj[waiter] == nil {
		g.adj[waiter] = make(map[transaction.ID]bool)
	}
	g.adj[waiter][holder] = true
}

// RemoveEdge forgets that waiter waits for holder.
func (g *Graph) RemoveEdge(waiter, holder transaction.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if holders := g.adj[waiter]; holders != nil {
		delete(holders, holder)
	}
}

// GetEdgeList flattens the graph into the same []Edge shape Manager.GetEdgeList returns.
func (g *Graph) GetEdgeList() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	var edges []Edge
	for waiter, holders := range g.adj {
		for holder := range holders {
			edges = append(edges, Edge{Waiter: waiter, Holder: holder})
		}
	}
	return edges
}

// HasCycle runs the same DFS runDetectionPass uses and reports the youngest transaction id in
// any cycle found.
func (g *Graph) HasCycle() (transaction.ID, bool) {
	g.mu.Lock()
	adj := g.adj
	g.mu.Unlock()

	visited := make(map[transaction.ID]bool)
	for txn := range adj {
		if cycle := findCycle(adj, txn, visited, nil); len(cycle) > 0 {
			return youngest(cycle), true
		}
	}
	return 0, false
}

func (m *Manager) detectLoop() {
	ticker := time.NewTicker(m.detectEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runDetectionPass()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) runDetectionPass() {
	g := NewGraph()
	for _, e := range m.GetEdgeList() {
		g.AddEdge(e.Waiter, e.Holder)
	}

	if victim, ok := g.HasCycle(); ok {
		log.WithField("victim", victim).Warn("deadlock detected")
		m.abort(victim)
	}
}

// findCycle runs a DFS from start, with path holding the recursion stack in order, and, if a cycle
// is found, returns the cycle's members: the part of path from the node the closing edge points
// back to, excluding any nodes on the way into the cycle.
func findCycle(adj map[transaction.ID]map[transaction.ID]bool, start transaction.ID, visited map[transaction.ID]bool, path []transaction.ID) []transaction.ID {
	visited[start] = true
	path = append(path, start)

	for next := range adj[start] {
		for i, id := range path {
			if id == next {
				return append([]transaction.ID(nil), path[i:]...)
			}
		}
		if !visited[next] {
			if cyc := findCycle(adj, next, visited, path); len(cyc) > 0 {
				return cyc
			}
		}
	}
	return nil
}

// youngest picks the highest transaction id in the cycle as the abort victim: younger
// transactions have accumulated less work, so aborting one wastes less than aborting the oldest
// (the tradeoff, per the source's own findLargestTxID note, is that very young transactions can
// be starved by a workload that keeps creating new ones faster than the cycle reforms).
func youngest(cycle []transaction.ID) transaction.ID {
	max := cycle[0]
	for _, id := range cycle[1:] {
		if id > max {
			max = id
		}
	}
	return max
}

// abort resolves every queued wait request belonging to id with kerrors.ErrDeadlock, so whichever
// goroutine is blocked in acquire/upgrade wakes up and returns the error to its caller. It does
// not itself roll back the transaction's effects; that is transaction manager's job once the
// blocked caller propagates the error up.
func (m *Manager) abort(id transaction.ID) {
	m.locks.Range(func(_ heap.Rid, ls *lockState) bool {
		ls.Lock()
		kept := ls.waitQueue[:0]
		for _, req := range ls.waitQueue {
			if req.txnID == id {
				req.response <- kerrors.ErrDeadlock
			} else {
				kept = append(kept, req)
			}
		}
		ls.waitQueue = kept
		ls.Unlock()
		return true
	})
}

// GetEdgeList rebuilds the waits-for graph from every rid's current wait queue and owner set, for
// both the detector loop and tests that want to assert its shape directly.
func (m *Manager) GetEdgeList() []Edge {
	var edges []Edge
	m.locks.Range(func(_ heap.Rid, ls *lockState) bool {
		ls.Lock()
		for _, req := range ls.waitQueue {
			for owner := range ls.owners {
				if owner != req.txnID {
					edges = append(edges, Edge{Waiter: req.txnID, Holder: owner})
				}
			}
		}
		ls.Unlock()
		return true
	})
	return edges
}

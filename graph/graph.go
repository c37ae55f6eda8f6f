package graph

import (
	"sort"
	"sync"
	"time"
)

// Node is the graph's record for one tracked item.
type Node struct {
	ID string
	// Dependencies are the items this node reads from.
	Dependencies map[string]struct{}
	// Dependents are the items that read from this node. Kept symmetric with
	// Dependencies on the other side.
	Dependents     map[string]struct{}
	NeedsExecution bool
	ModifiedAt     time.Time

	seq uint64
}

func newNode(id string, seq uint64) *Node {
	return &Node{
		ID:           id,
		Dependencies: make(map[string]struct{}),
		Dependents:   make(map[string]struct{}),
		ModifiedAt:   time.Now(),
		seq:          seq,
	}
}

// Graph tracks dependency edges between items and answers which items have to
// re-run after a set of edits. The relation is kept acyclic: an edge that
// would close a cycle is silently not applied.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	nextSeq uint64

	topo      []string
	topoValid bool
}

func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
	}
}

// AddItem creates an empty node for id if none exists.
func (g *Graph) AddItem(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensure(id)
}

func (g *Graph) ensure(id string) *Node {
	if n, ok := g.nodes[id]; ok {
		return n
	}
	n := newNode(id, g.nextSeq)
	g.nextSeq++
	g.nodes[id] = n
	g.topoValid = false
	return n
}

// RemoveItem deletes the node and strips it from every neighbour.
func (g *Graph) RemoveItem(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for dep := range n.Dependencies {
		if d, ok := g.nodes[dep]; ok {
			delete(d.Dependents, id)
		}
	}
	for dep := range n.Dependents {
		if d, ok := g.nodes[dep]; ok {
			delete(d.Dependencies, id)
		}
	}
	delete(g.nodes, id)
	g.topoValid = false
}

// Has reports whether id is tracked.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// AddDependency records that dependent reads from dependency. Both nodes are
// created if missing. Self edges and edges that would introduce a cycle are
// ignored without error, and re-adding an existing edge is a no-op.
func (g *Graph) AddDependency(dependent, dependency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	from := g.ensure(dependent)
	to := g.ensure(dependency)
	if dependent == dependency {
		return
	}
	if _, ok := from.Dependencies[dependency]; ok {
		return
	}
	if g.reachable(dependency, dependent) {
		return
	}
	from.Dependencies[dependency] = struct{}{}
	to.Dependents[dependent] = struct{}{}
	from.ModifiedAt = time.Now()
	g.topoValid = false
}

// reachable reports whether target can be reached from start by following
// dependency edges. Caller holds the lock.
func (g *Graph) reachable(start, target string) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		n, ok := g.nodes[cur]
		if !ok {
			continue
		}
		for dep := range n.Dependencies {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// RemoveDependency strips the edge in both directions.
func (g *Graph) RemoveDependency(dependent, dependency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlink(dependent, dependency)
}

func (g *Graph) unlink(dependent, dependency string) {
	if n, ok := g.nodes[dependent]; ok {
		if _, linked := n.Dependencies[dependency]; linked {
			delete(n.Dependencies, dependency)
			n.ModifiedAt = time.Now()
			g.topoValid = false
		}
	}
	if n, ok := g.nodes[dependency]; ok {
		delete(n.Dependents, dependent)
	}
}

// ClearDependencies removes every outgoing dependency edge of id, leaving the
// edges that point at it intact. Used when an item's references are
// recomputed from scratch.
func (g *Graph) ClearDependencies(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for dep := range n.Dependencies {
		g.unlink(id, dep)
	}
}

// HasDependency reports whether the edge dependent -> dependency exists.
func (g *Graph) HasDependency(dependent, dependency string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[dependent]
	if !ok {
		return false
	}
	_, linked := n.Dependencies[dependency]
	return linked
}

// Dependencies returns the direct dependencies of id in insertion order.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return g.sortedIDs(n.Dependencies)
}

// Dependents returns the direct dependents of id in insertion order.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return g.sortedIDs(n.Dependents)
}

func (g *Graph) sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return g.nodes[out[i]].seq < g.nodes[out[j]].seq
	})
	return out
}

// TopologicalOrder returns every tracked id with each dependency ahead of its
// dependents. Ties follow insertion order. The result is cached until the
// next mutation; callers get their own copy.
func (g *Graph) TopologicalOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	order := g.topological()
	out := make([]string, len(order))
	copy(out, order)
	return out
}

// topological runs Kahn's algorithm. Caller holds the write lock.
func (g *Graph) topological() []string {
	if g.topoValid {
		return g.topo
	}
	all := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		all = append(all, n)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	inDegree := make(map[string]int, len(all))
	var ready []string
	for _, n := range all {
		inDegree[n.ID] = len(n.Dependencies)
		if len(n.Dependencies) == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(all))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range g.sortedIDs(g.nodes[id].Dependents) {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	g.topo = order
	g.topoValid = true
	return order
}

// ItemsToExecute marks every id in modified dirty along with everything that
// transitively depends on it, and returns all dirty ids in topological order.
// Unknown ids are added to the graph.
func (g *Graph) ItemsToExecute(modified []string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	stack := make([]string, 0, len(modified))
	for _, id := range modified {
		n := g.ensure(id)
		n.NeedsExecution = true
		n.ModifiedAt = now
		stack = append(stack, id)
	}
	seen := make(map[string]bool, len(modified))
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for dep := range g.nodes[id].Dependents {
			g.nodes[dep].NeedsExecution = true
			if !seen[dep] {
				stack = append(stack, dep)
			}
		}
	}

	var out []string
	for _, id := range g.topological() {
		if g.nodes[id].NeedsExecution {
			out = append(out, id)
		}
	}
	return out
}

// MarkDirty flags id as needing execution without propagating.
func (g *Graph) MarkDirty(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensure(id).NeedsExecution = true
}

// MarkExecuted clears the dirty flag of id.
func (g *Graph) MarkExecuted(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.NeedsExecution = false
	}
}

// IsDirty reports whether id still needs execution.
func (g *Graph) IsDirty(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return ok && n.NeedsExecution
}

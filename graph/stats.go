package graph

// Stats is a point-in-time summary of the graph.
type Stats struct {
	Nodes int
	Edges int
	Dirty int
	// HasCycles should never be true; AddDependency refuses cyclic edges.
	HasCycles bool
}

// Statistics returns node, edge and dirty counts and runs a cycle check.
func (g *Graph) Statistics() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	var s Stats
	s.Nodes = len(g.nodes)
	for _, n := range g.nodes {
		s.Edges += len(n.Dependencies)
		if n.NeedsExecution {
			s.Dirty++
		}
	}
	s.HasCycles = len(g.topological()) != len(g.nodes)
	return s
}

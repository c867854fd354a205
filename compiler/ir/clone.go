package ir

// Clone returns an independent copy of the graph with the same node ids.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Name:   g.Name,
		Nodes:  make([]Node, len(g.Nodes)),
		Start:  g.Start,
		slices: append([]string(nil), g.slices...),
		initm:  append([]ID(nil), g.initm...),
	}

	for i, n := range g.Nodes {
		n.In = append([]ID(nil), n.In...)
		n.Slices = append([]Slice(nil), n.Slices...)

		c.Nodes[i] = n
	}

	return c
}

// CloneNode adds a copy of the node with its own input list.
func (g *Graph) CloneNode(id ID) ID {
	n := g.Nodes[id]

	n.In = append([]ID(nil), n.In...)
	n.Slices = append([]Slice(nil), n.Slices...)

	return g.Add(n)
}

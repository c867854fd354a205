package ir

import (
	"github.com/oleiade/lane"

	"github.com/slowlang/gcbar/compiler/set"
)

// FoldBranch replaces the If by the path it always takes.
// The other path becomes unreachable and is swept by RemoveDead.
func FoldBranch(g *Graph, ifn ID, taken bool) {
	Assert(g.Op(ifn) == OpIf, "fold %v: not an If", g.Op(ifn))

	keep := g.IfProj(ifn, taken)
	c := g.Ctrl(ifn)

	if keep != Nil {
		g.ReplaceUses(keep, c)
		g.Kill(keep)
	}

	g.Kill(ifn)
}

// RemoveDead prunes unreachable control paths, collapses single-entry
// regions and kills every node not needed by the live control skeleton.
// It returns the number of nodes killed.
func RemoveDead(g *Graph) (killed int) {
	reach := reachable(g)

	for _, r := range reach.Slice() {
		if g.Nodes[r].Op.IsRegion() {
			pruneRegion(g, r, &reach)
		}
	}

	for id := range g.Nodes {
		n := &g.Nodes[id]

		if n.Op == OpCountedLoop && n.Flags&FlagStripMined != 0 && g.Op(n.In[1]) != OpOuterStripMinedLoop {
			n.Flags &^= FlagStripMined
		}
	}

	reach = reachable(g)

	live := reach.Copy()
	stack := lane.NewStack()

	reach.Range(func(c ID) bool {
		stack.Push(c)

		return true
	})

	for !stack.Empty() {
		x := stack.Pop().(ID)

		for _, y := range g.Nodes[x].In {
			if y != Nil && live.Add(y) {
				stack.Push(y)
			}
		}
	}

	for id := range g.Nodes {
		x := ID(id)

		if x == g.Start || g.Nodes[x].Op == OpDead || live.IsSet(x) {
			continue
		}

		g.Kill(x)
		killed++
	}

	return killed
}

func reachable(g *Graph) set.Bits[ID] {
	r := set.MakeBits[ID](len(g.Nodes))

	for _, c := range PostOrder(g, g.Start) {
		r.Set(c)
	}

	return r
}

func pruneRegion(g *Graph, r ID, reach *set.Bits[ID]) {
	for i := len(g.Nodes[r].In) - 1; i >= 1; i-- {
		p := g.Nodes[r].In[i]

		if p != Nil && reach.IsSet(p) && g.Nodes[p].Op != OpDead {
			continue
		}

		for _, phi := range g.Phis(r) {
			g.DelIn(phi, i)
		}

		g.DelIn(r, i)
	}

	if len(g.Nodes[r].In) != 2 {
		return
	}

	pred := g.Nodes[r].In[1]

	for _, phi := range g.Phis(r) {
		x := g.Nodes[phi].In[1]

		if x == phi {
			x = Nil
		}

		g.ReplaceUses(phi, x)
		g.Kill(phi)
	}

	g.ReplaceUses(r, pred)
	g.Kill(r)

	reach.Clear(r)
}

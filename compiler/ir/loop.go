package ir

import (
	"sort"

	"github.com/oleiade/lane"

	"github.com/slowlang/gcbar/compiler/set"
)

type (
	Loop struct {
		Head  ID
		Tails []ID
		Body  set.Bits[ID] // control nodes

		Parent   *Loop
		Children []*Loop
		Depth    int
	}

	// LoopTree is the nest of natural loops of the reachable control graph.
	LoopTree struct {
		Loops []*Loop

		inner map[ID]*Loop
	}
)

func ComputeLoops(g *Graph, d *Dom) *LoopTree {
	t := &LoopTree{
		inner: map[ID]*Loop{},
	}

	heads := map[ID]*Loop{}

	for _, h := range d.RPO() {
		if !g.Nodes[h].Op.IsRegion() {
			continue
		}

		for _, p := range g.Preds(h) {
			if p == Nil || !d.Reachable(p) || !d.Dominates(h, p) {
				continue
			}

			l := heads[h]
			if l == nil {
				l = &Loop{Head: h, Body: set.MakeBits[ID](len(g.Nodes))}
				l.Body.Set(h)

				heads[h] = l
				t.Loops = append(t.Loops, l)
			}

			l.Tails = append(l.Tails, p)

			collectBody(g, d, l, p)
		}
	}

	// outer loops first
	sort.SliceStable(t.Loops, func(i, j int) bool {
		return t.Loops[i].Body.Size() > t.Loops[j].Body.Size()
	})

	for i, l := range t.Loops {
		for j := i - 1; j >= 0; j-- {
			p := t.Loops[j]

			if p.Body.IsSet(l.Head) {
				l.Parent = p
				break
			}
		}

		if l.Parent != nil {
			l.Parent.Children = append(l.Parent.Children, l)
			l.Depth = l.Parent.Depth + 1
		} else {
			l.Depth = 1
		}

		l.Body.Range(func(c ID) bool {
			if in := t.inner[c]; in == nil || in.Depth < l.Depth {
				t.inner[c] = l
			}

			return true
		})
	}

	return t
}

func collectBody(g *Graph, d *Dom, l *Loop, tail ID) {
	stack := lane.NewStack()

	if l.Body.Add(tail) {
		stack.Push(tail)
	}

	for !stack.Empty() {
		c := stack.Pop().(ID)

		for _, p := range g.Preds(c) {
			if p == Nil || !d.Reachable(p) {
				continue
			}

			if l.Body.Add(p) {
				stack.Push(p)
			}
		}
	}
}

// Innermost returns the innermost loop containing the control node, or nil.
func (t *LoopTree) Innermost(c ID) *Loop { return t.inner[c] }

func (t *LoopTree) Depth(c ID) int {
	if l := t.inner[c]; l != nil {
		return l.Depth
	}

	return 0
}

func (t *LoopTree) MaxDepth() (r int) {
	for _, l := range t.Loops {
		if l.Depth > r {
			r = l.Depth
		}
	}

	return r
}

// Leaves returns the loops with no nested loops.
func (t *LoopTree) Leaves() (r []*Loop) {
	for _, l := range t.Loops {
		if len(l.Children) == 0 {
			r = append(r, l)
		}
	}

	return r
}

// Contains reports whether the loop contains the control node.
func (l *Loop) Contains(c ID) bool { return l.Body.IsSet(c) }

// Exits returns the edges leaving the loop as (inside, outside) pairs.
func (l *Loop) Exits(g *Graph) (r [][2]ID) {
	l.Body.Range(func(c ID) bool {
		for _, s := range g.Succs(c) {
			if !l.Body.IsSet(s) {
				r = append(r, [2]ID{c, s})
			}
		}

		return true
	})

	return r
}

// StripMined reports whether the loop is either half of a strip-mined nest.
func (l *Loop) StripMined(g *Graph) bool {
	n := &g.Nodes[l.Head]

	return n.Op == OpOuterStripMinedLoop || n.Op == OpCountedLoop && n.Flags&FlagStripMined != 0
}

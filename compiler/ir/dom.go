package ir

import (
	"github.com/oleiade/lane"

	"github.com/slowlang/gcbar/compiler/set"
)

// Dom is the dominator tree over the reachable control skeleton.
// It is a snapshot: any splice of control nodes requires a recompute.
type Dom struct {
	g *Graph

	rpo   []ID
	num   []int32 // rpo position; -1 if unreachable
	idom  []ID
	depth []int32

	pre, post []int32

	early []ID
}

func ComputeDom(g *Graph) *Dom {
	n := len(g.Nodes)

	d := &Dom{
		g:     g,
		num:   make([]int32, n),
		idom:  make([]ID, n),
		depth: make([]int32, n),
		pre:   make([]int32, n),
		post:  make([]int32, n),
		early: make([]ID, n),
	}

	for i := range d.num {
		d.num[i] = -1
		d.idom[i] = Nil
		d.early[i] = Nil
	}

	d.rpo = PostOrder(g, g.Start)

	for i, j := 0, len(d.rpo)-1; i < j; i, j = i+1, j-1 {
		d.rpo[i], d.rpo[j] = d.rpo[j], d.rpo[i]
	}

	for i, id := range d.rpo {
		d.num[id] = int32(i)
	}

	d.compute()
	d.number()

	return d
}

// PostOrder returns the control nodes reachable from root in post order.
func PostOrder(g *Graph, root ID) []ID {
	var r []ID

	visited := set.MakeBits[ID](len(g.Nodes))
	succs := map[ID][]ID{}

	stack := lane.NewStack()

	visited.Set(root)
	stack.Push(root)

	for !stack.Empty() {
		tail := true
		this := stack.Head().(ID)

		ss, ok := succs[this]
		if !ok {
			ss = g.Succs(this)
			succs[this] = ss
		}

		for len(ss) != 0 {
			s := ss[0]
			ss = ss[1:]

			if visited.Add(s) {
				tail = false
				stack.Push(s)
				break
			}
		}

		succs[this] = ss

		if tail {
			r = append(r, stack.Pop().(ID))
		}
	}

	return r
}

func (d *Dom) compute() {
	g := d.g
	start := g.Start

	d.idom[start] = start

	for changed := true; changed; {
		changed = false

		for _, b := range d.rpo[1:] {
			nidom := Nil

			for _, p := range g.Preds(b) {
				if p == Nil || d.num[p] < 0 || d.idom[p] == Nil {
					continue
				}

				if nidom == Nil {
					nidom = p
					continue
				}

				nidom = d.intersect(p, nidom)
			}

			if d.idom[b] != nidom {
				d.idom[b] = nidom
				changed = true
			}
		}
	}

	d.idom[start] = Nil
}

func (d *Dom) intersect(a, b ID) ID {
	for a != b {
		for d.num[a] > d.num[b] {
			a = d.idom[a]
		}

		for d.num[b] > d.num[a] {
			b = d.idom[b]
		}
	}

	return a
}

func (d *Dom) number() {
	children := make(map[ID][]ID, len(d.rpo))

	for _, b := range d.rpo[1:] {
		p := d.idom[b]
		children[p] = append(children[p], b)
		d.depth[b] = -1
	}

	var clock int32

	stack := lane.NewStack()
	stack.Push(d.g.Start)
	d.pre[d.g.Start] = clock
	clock++

	for !stack.Empty() {
		this := stack.Head().(ID)

		if ch := children[this]; len(ch) != 0 {
			c := ch[0]
			children[this] = ch[1:]

			d.depth[c] = d.depth[this] + 1
			d.pre[c] = clock
			clock++

			stack.Push(c)

			continue
		}

		d.post[this] = clock
		clock++

		stack.Pop()
	}
}

// RPO returns reachable control nodes in reverse post order.
func (d *Dom) RPO() []ID { return d.rpo }

func (d *Dom) Reachable(c ID) bool {
	return c >= 0 && int(c) < len(d.num) && d.num[c] >= 0
}

// Idom returns the immediate dominator of a control node, Nil for Start.
func (d *Dom) Idom(c ID) ID {
	if !d.Reachable(c) {
		return Nil
	}

	return d.idom[c]
}

func (d *Dom) Depth(c ID) int { return int(d.depth[c]) }

// Dominates reports whether control a dominates control b. Every node dominates itself.
func (d *Dom) Dominates(a, b ID) bool {
	if !d.Reachable(a) || !d.Reachable(b) {
		return false
	}

	return d.pre[a] <= d.pre[b] && d.post[b] <= d.post[a]
}

// LCA returns the closest common dominator of two controls.
// Nil is the identity element.
func (d *Dom) LCA(a, b ID) ID {
	if a == Nil {
		return b
	}

	if b == Nil {
		return a
	}

	for d.depth[a] > d.depth[b] {
		a = d.idom[a]
	}

	for d.depth[b] > d.depth[a] {
		b = d.idom[b]
	}

	for a != b {
		a = d.idom[a]
		b = d.idom[b]
	}

	return a
}

// Place returns the control a node's value becomes available at.
// Control nodes are their own placement, pinned nodes use their
// control input and floating nodes are placed as early as their inputs allow.
func (d *Dom) Place(id ID) ID {
	g := d.g

	if g.IsControl(id) {
		return id
	}

	if c := g.Ctrl(id); c != Nil {
		return c
	}

	if int(id) >= len(d.early) {
		return d.earlyOf(id)
	}

	if e := d.early[id]; e != Nil {
		return e
	}

	e := d.earlyOf(id)
	d.early[id] = e

	return e
}

func (d *Dom) earlyOf(id ID) ID {
	e := d.g.Start

	for _, x := range d.g.Nodes[id].In {
		if x == Nil {
			continue
		}

		p := d.Place(x)

		if d.Reachable(p) && d.depth[p] > d.depth[e] {
			e = p
		}
	}

	return e
}

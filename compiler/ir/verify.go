package ir

import (
	"fmt"
	"strings"

	"tlog.app/go/errors"
)

type (
	verifier struct {
		g *Graph
		d *Dom

		errs []string
	}

	// memWalk answers memory state queries for one slice by walking dominators.
	memWalk struct {
		g *Graph
		d *Dom
		s Slice

		atEnd    map[ID]ID
		entering map[ID]ID
	}
)

const maxVerifyErrors = 20

// Verify checks placement, dominance and memory consistency of the graph.
func Verify(g *Graph) error {
	v := &verifier{g: g, d: ComputeDom(g)}

	v.nodes()
	v.dominance()

	for _, s := range g.Slices() {
		v.memory(s)
	}

	v.stripMined()

	return v.err()
}

// VerifyExpanded additionally checks no barrier awaits expansion.
func VerifyExpanded(g *Graph) error {
	err := Verify(g)
	if err != nil {
		return err
	}

	v := &verifier{g: g}

	for id := range g.Nodes {
		n := &g.Nodes[id]

		if n.Op.IsBarrier() {
			v.errorf("%v %v survived expansion", n.Op, ID(id))
		}

		if n.Op == OpClone && n.Flags&FlagCloneBarrier != 0 {
			v.errorf("clone %v has a pending barrier", ID(id))
		}
	}

	return v.err()
}

func (v *verifier) errorf(format string, args ...any) {
	if len(v.errs) < maxVerifyErrors {
		v.errs = append(v.errs, fmt.Sprintf(format, args...))
	}
}

func (v *verifier) err() error {
	if len(v.errs) == 0 {
		return nil
	}

	return errors.New("%d problems: %v", len(v.errs), strings.Join(v.errs, "; "))
}

func (v *verifier) nodes() {
	g := v.g

	for id := range g.Nodes {
		n := &g.Nodes[id]
		if n.Op == OpDead {
			continue
		}

		for i, x := range n.In {
			if x == Nil {
				continue
			}

			if int(x) >= len(g.Nodes) || g.Nodes[x].Op == OpDead {
				v.errorf("%v %v: input %d is dead (%v)", n.Op, ID(id), i, x)
			}
		}
	}
}

func (v *verifier) live(id ID) bool {
	g := v.g
	n := &g.Nodes[id]

	if n.Op == OpDead {
		return false
	}

	if g.IsControl(id) {
		return v.d.Reachable(id)
	}

	c := g.Ctrl(id)

	return c == Nil || v.d.Reachable(c)
}

func (v *verifier) dominance() {
	g, d := v.g, v.d

	for id := range g.Nodes {
		x := ID(id)
		n := &g.Nodes[x]

		if !v.live(x) {
			continue
		}

		switch {
		case n.Op == OpPhi:
			r := n.In[0]

			for i := 1; i < len(n.In); i++ {
				p := g.In(r, i)
				if p == Nil || !d.Reachable(p) || n.In[i] == Nil {
					continue
				}

				if pl := d.Place(n.In[i]); !d.Dominates(pl, p) {
					v.errorf("phi %v: input %d (%v at %v) not available at pred %v", x, i, n.In[i], pl, p)
				}
			}

			continue
		case g.IsControl(x):
			if n.Op.IsRegion() {
				continue
			}
		case g.Ctrl(x) == Nil:
			continue
		}

		at := d.Place(x)

		for i, y := range n.In {
			if i == 0 || y == Nil {
				continue
			}

			if pl := d.Place(y); !d.Dominates(pl, at) {
				v.errorf("%v %v at %v: input %d (%v %v at %v) does not dominate", n.Op, x, at, i, g.Nodes[y].Op, y, pl)
			}
		}
	}
}

func (v *verifier) memory(s Slice) {
	g, d := v.g, v.d

	w := newMemWalk(g, d, s)

	for _, c := range d.RPO() {
		// producers at c form one chain starting from the entering state
		var heads int
		inputs := map[ID]ID{}

		for _, p := range v.producers(c, s) {
			in := g.ProducerInput(p)

			if q, ok := inputs[in]; ok {
				v.errorf("slice %v: memory fork at %v: %v and %v both consume %v", g.SliceName(s), c, q, p, in)
			}

			inputs[in] = p

			if in == w.Entering(c) {
				heads++
			} else if !g.IsPinned(in) || g.Ctrl(in) != c {
				v.errorf("slice %v: producer %v at %v consumes %v, want %v", g.SliceName(s), p, c, in, w.Entering(c))
			}
		}

		if heads > 1 {
			v.errorf("slice %v: %d chains at %v", g.SliceName(s), heads, c)
		}

		if g.Nodes[c].Op.IsRegion() {
			v.regionMemory(w, c)
		}
	}

	for id := range g.Nodes {
		x := ID(id)

		if !v.live(x) {
			continue
		}

		i := g.MemoryIn(x, s)
		if i < 0 {
			continue
		}

		m := g.Nodes[x].In[i]

		if g.IsControl(x) {
			if want := w.Entering(x); m != want {
				v.errorf("slice %v: %v %v uses memory %v, want %v", g.SliceName(s), g.Nodes[x].Op, x, m, want)
			}

			continue
		}

		c := g.Ctrl(x)

		if m == w.Entering(c) {
			continue
		}

		if _, ok := g.MemoryOut(m); ok && g.IsPinned(m) && g.Ctrl(m) == c && g.Nodes[m].Op != OpPhi {
			continue
		}

		v.errorf("slice %v: %v %v at %v uses memory %v, want %v", g.SliceName(s), g.Nodes[x].Op, x, c, m, w.Entering(c))
	}
}

func (v *verifier) regionMemory(w *memWalk, r ID) {
	g, d := v.g, v.d
	s := w.s

	phi := g.MemPhi(r, s)

	var first ID = Nil

	for i, p := range g.Preds(r) {
		if p == Nil || !d.Reachable(p) {
			continue
		}

		end := w.AtEnd(p)

		if phi != Nil {
			if in := g.Nodes[phi].In[1+i]; in != end {
				v.errorf("slice %v: phi %v at %v: input %d is %v, state at pred %v is %v", g.SliceName(s), phi, r, 1+i, in, p, end)
			}

			continue
		}

		if first == Nil {
			first = end
		} else if end != first {
			v.errorf("slice %v: region %v merges %v and %v without a phi", g.SliceName(s), r, first, end)
		}
	}
}

func (v *verifier) producers(c ID, s Slice) (r []ID) {
	for _, p := range v.g.Pinned(c) {
		if op := v.g.Nodes[p].Op; op == OpPhi || op == OpProj {
			continue
		}

		if ps, ok := v.g.MemoryOut(p); ok && ps == s {
			r = append(r, p)
		}
	}

	return r
}

func (v *verifier) stripMined() {
	g, d := v.g, v.d

	var lt *LoopTree

	for _, c := range d.RPO() {
		n := &g.Nodes[c]

		if n.Op != OpCountedLoop || n.Flags&FlagStripMined == 0 {
			continue
		}

		if g.Op(n.In[1]) != OpOuterStripMinedLoop {
			v.errorf("strip-mined loop %v: entry is %v %v, want OuterStripMinedLoop", c, g.Op(n.In[1]), n.In[1])
		}

		if lt == nil {
			lt = ComputeLoops(g, d)
		}

		var l *Loop

		for _, x := range lt.Loops {
			if x.Head == c {
				l = x
			}
		}

		if l == nil {
			v.errorf("strip-mined loop %v: no back edge", c)
			continue
		}

		l.Body.Range(func(b ID) bool {
			if op := g.Nodes[b].Op; op == OpCall || op == OpSafePoint {
				v.errorf("strip-mined loop %v: contains %v %v", c, op, b)
			}

			return true
		})
	}
}

func newMemWalk(g *Graph, d *Dom, s Slice) *memWalk {
	return &memWalk{
		g:        g,
		d:        d,
		s:        s,
		atEnd:    map[ID]ID{},
		entering: map[ID]ID{},
	}
}

// AtEnd returns the last state of the slice produced at or before control c.
func (w *memWalk) AtEnd(c ID) ID {
	if m, ok := w.atEnd[c]; ok {
		return m
	}

	g := w.g
	var m ID = Nil

	switch g.Nodes[c].Op {
	case OpCall:
		m = g.ProjOf(c, ProjMemory, w.s)
	case OpStart:
		m = w.tail(c)

		if m == Nil {
			m = g.ProjOf(c, ProjMemory, w.s)
		}
	default:
		m = w.tail(c)
	}

	if m == Nil {
		m = w.Entering(c)
	}

	w.atEnd[c] = m

	return m
}

// Entering returns the state of the slice live on entry to control c.
func (w *memWalk) Entering(c ID) ID {
	if m, ok := w.entering[c]; ok {
		return m
	}

	g := w.g
	n := &g.Nodes[c]
	var m ID = Nil

	switch {
	case n.Op == OpStart:
		m = Nil
	case n.Op.IsRegion():
		m = g.MemPhi(c, w.s)

		if m == Nil {
			if id := w.d.Idom(c); id != Nil {
				m = w.AtEnd(id)
			}
		}
	default:
		m = w.AtEnd(n.In[0])
	}

	w.entering[c] = m

	return m
}

func (w *memWalk) tail(c ID) ID {
	g := w.g

	var prods []ID
	used := map[ID]bool{}

	for _, p := range g.Pinned(c) {
		if op := g.Nodes[p].Op; op == OpPhi || op == OpProj {
			continue
		}

		if s, ok := g.MemoryOut(p); ok && s == w.s {
			prods = append(prods, p)
			used[g.ProducerInput(p)] = true
		}
	}

	for _, p := range prods {
		if !used[p] {
			return p
		}
	}

	return Nil
}

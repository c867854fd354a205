package memfix

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/tp"
)

type (
	// Fixer recomputes the memory state of one slice after control flow
	// was spliced and rethreads every consumer onto it.
	Fixer struct {
		g *ir.Graph
		s ir.Slice

		d     *ir.Dom
		loops *ir.LoopTree

		entering map[ir.ID]ir.ID
		atEnd    map[ir.ID]ir.ID

		phis map[ir.ID]ir.ID // region -> phi in use, existing or new

		created int
	}
)

func New(g *ir.Graph, s ir.Slice) *Fixer {
	d := ir.ComputeDom(g)

	return &Fixer{
		g:        g,
		s:        s,
		d:        d,
		loops:    ir.ComputeLoops(g, d),
		entering: map[ir.ID]ir.ID{},
		atEnd:    map[ir.ID]ir.ID{},
		phis:     map[ir.ID]ir.ID{},
	}
}

// Fix computes the states and rewires the graph.
// It returns the number of phis created.
func (f *Fixer) Fix(ctx context.Context) int {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "memfix", "slice", f.g.SliceName(f.s))
	defer tr.Finish()

	limit := f.loops.MaxDepth() + 2

	pass := 0

	for ; ; pass++ {
		changed := f.sweep()
		if !changed {
			break
		}

		if pass > limit {
			tr.Printw("memory state does not converge, irreducible control flow", "passes", pass, "limit", limit)
			break
		}
	}

	f.applyPhis()
	f.rewire()

	tr.V("memfix").Printw("fixed", "passes", pass, "phis_created", f.created)

	return f.created
}

// StateAt returns the memory state at the end of control c.
func (f *Fixer) StateAt(c ir.ID) ir.ID {
	m, ok := f.atEnd[c]
	ir.Assert(ok, "slice %v: no memory state at the end of %v %v", f.g.SliceName(f.s), f.g.Op(c), c)

	return m
}

// StateEntering returns the memory state live on entry to control c.
func (f *Fixer) StateEntering(c ir.ID) ir.ID {
	m, ok := f.entering[c]
	ir.Assert(ok, "slice %v: no memory state entering %v %v", f.g.SliceName(f.s), f.g.Op(c), c)

	return m
}

func (f *Fixer) sweep() (changed bool) {
	for _, c := range f.d.RPO() {
		in := f.computeEntering(c)
		if old, ok := f.entering[c]; !ok || old != in {
			changed = true
		}

		f.entering[c] = in

		end := f.computeEnd(c, in)
		if old, ok := f.atEnd[c]; !ok || old != end {
			changed = true
		}

		f.atEnd[c] = end
	}

	return changed
}

func (f *Fixer) computeEntering(c ir.ID) ir.ID {
	g := f.g
	n := g.Node(c)

	switch {
	case n.Op == ir.OpStart:
		return g.InitialMemory(f.s)
	case n.Op.IsRegion():
		return f.regionEntering(c)
	}

	m, ok := f.atEnd[n.In[0]]
	ir.Assert(ok, "slice %v: %v %v: no state at its predecessor %v", g.SliceName(f.s), n.Op, c, n.In[0])

	return m
}

func (f *Fixer) regionEntering(r ir.ID) ir.ID {
	g := f.g

	phi, ok := f.phis[r]
	if !ok {
		phi = g.MemPhi(r, f.s)
		f.phis[r] = phi
	}

	var common ir.ID = ir.Nil
	distinct := 0
	unknown := false

	preds := g.Preds(r)
	vals := make([]ir.ID, len(preds))

	for i, p := range preds {
		vals[i] = ir.Nil

		if p == ir.Nil || !f.d.Reachable(p) {
			continue
		}

		m, ok := f.atEnd[p]
		if !ok {
			unknown = true
			continue
		}

		vals[i] = m

		if m == phi || m == common {
			continue
		}

		if common == ir.Nil {
			common = m
		}

		if m != common {
			distinct++
		}
	}

	ir.Assert(common != ir.Nil, "slice %v: region %v: no reachable predecessor has a state", g.SliceName(f.s), r)

	if phi == ir.Nil {
		if distinct == 0 {
			return common
		}

		phi = g.Add(ir.Node{Op: ir.OpPhi, In: append([]ir.ID{r}, vals...), Slice: f.s, Type: tp.Mem})
		f.phis[r] = phi
		f.created++

		tlog.V("memfix").Printw("new phi", "region", r, "phi", phi, "vals", vals)

		return phi
	}

	for i, m := range vals {
		if m != ir.Nil {
			g.SetIn(phi, 1+i, m)
		}
	}

	if distinct == 0 && !unknown {
		return common
	}

	return phi
}

func (f *Fixer) computeEnd(c ir.ID, in ir.ID) ir.ID {
	g := f.g
	n := g.Node(c)

	if n.Op == ir.OpCall {
		for _, s := range n.Slices {
			if s != f.s {
				continue
			}

			m := g.ProjOf(c, ir.ProjMemory, f.s)
			ir.Assert(m != ir.Nil, "call %v: no memory projection of slice %v", c, g.SliceName(f.s))

			return m
		}

		return in
	}

	if t := f.tail(c); t != ir.Nil {
		return t
	}

	return in
}

// producers returns the memory producers of the slice pinned at c.
func (f *Fixer) producers(c ir.ID) (r []ir.ID) {
	g := f.g

	for _, p := range g.Pinned(c) {
		if op := g.Op(p); op == ir.OpPhi || op == ir.OpProj {
			continue
		}

		if s, ok := g.MemoryOut(p); ok && s == f.s {
			r = append(r, p)
		}
	}

	return r
}

// tail returns the last producer of the chain at c.
func (f *Fixer) tail(c ir.ID) ir.ID {
	g := f.g

	prods := f.producers(c)
	if len(prods) == 0 {
		return ir.Nil
	}

	used := map[ir.ID]bool{}

	for _, p := range prods {
		used[g.ProducerInput(p)] = true
	}

	var t ir.ID = ir.Nil

	for _, p := range prods {
		if used[p] {
			continue
		}

		ir.Assert(t == ir.Nil, "slice %v: memory fork at %v: %v and %v", g.SliceName(f.s), c, t, p)

		t = p
	}

	ir.Assert(t != ir.Nil, "slice %v: memory cycle at %v", g.SliceName(f.s), c)

	return t
}

func (f *Fixer) applyPhis() {
	g := f.g

	for r, phi := range f.phis {
		if phi == ir.Nil || !g.Live(phi) {
			continue
		}

		in := f.entering[r]
		if in == phi {
			continue
		}

		tlog.V("memfix").Printw("remove phi", "region", r, "phi", phi, "replace", in)

		g.ReplaceUses(phi, in)
		g.Kill(phi)

		f.phis[r] = ir.Nil
	}
}

func (f *Fixer) rewire() {
	g := f.g

	for id := range g.Nodes {
		x := ir.ID(id)

		if !g.Live(x) {
			continue
		}

		i := g.MemoryIn(x, f.s)
		if i < 0 {
			continue
		}

		if g.IsControl(x) {
			if in, ok := f.entering[x]; ok {
				g.SetIn(x, i, in)
			}

			continue
		}

		c := g.Ctrl(x)

		in, ok := f.entering[c]
		if !ok {
			continue
		}

		m := g.Node(x).In[i]

		if f.sameControlProducer(m, c) {
			continue
		}

		g.SetIn(x, i, in)
	}
}

func (f *Fixer) sameControlProducer(m, c ir.ID) bool {
	g := f.g

	if m == ir.Nil || !g.Live(m) {
		return false
	}

	if op := g.Op(m); op == ir.OpPhi || op == ir.OpProj {
		return false
	}

	s, ok := g.MemoryOut(m)

	return ok && s == f.s && g.Ctrl(m) == c
}

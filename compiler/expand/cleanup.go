package expand

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/opt"
	"github.com/slowlang/gcbar/compiler/tp"
)

type gcTest struct {
	ifn  ir.ID
	mask int64
}

// Cleanup runs after all barriers are expanded.
// It merges repeated gc_state tests, unswitches loops on them
// and folds what became constant.
func (e *Expander) Cleanup(ctx context.Context, g *ir.Graph) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "expand_cleanup", "graph", g.Name)
	defer tr.Finish("err", &err)

	e.g = g

	c := &e.cfg.Collector

	if c.MergeTests {
		n := e.mergeTests()
		tr.V("merge_tests").Printw("merged gc state tests", "merged", n)
	}

	if c.Unswitch {
		n, err := e.unswitchLoops(ctx)
		if err != nil {
			return errors.Wrap(err, "unswitch")
		}

		tr.V("unswitch").Printw("unswitched loops", "loops", n)

		if n != 0 && c.MergeTests {
			n = e.mergeTests()
			tr.V("merge_tests").Printw("merged gc state tests after unswitching", "merged", n)
		}
	}

	opt.Simplify(ctx, g, nil)

	if c.Verify {
		err = ir.VerifyExpanded(g)
		if err != nil {
			return errors.Wrap(err, "verify")
		}
	}

	return nil
}

// DuplicateTests counts the gc_state tests dominated by an equivalent one
// with no safepoint in between.
func DuplicateTests(g *ir.Graph) (n int) {
	d := ir.ComputeDom(g)
	tests := findTests(g, d)

	for _, t := range tests {
		if dominatingTest(g, d, tests, t).ifn != ir.Nil {
			n++
		}
	}

	return n
}

func (e *Expander) mergeTests() (n int) {
	g := e.g
	d := ir.ComputeDom(g)

	tests := findTests(g, d)

	for _, t := range tests {
		dom := dominatingTest(g, d, tests, t)
		if dom.ifn == ir.Nil {
			continue
		}

		s := newSSA(g, d, tp.Int,
			def{ctrl: g.IfProj(dom.ifn, true), val: g.ConI(1)},
			def{ctrl: g.IfProj(dom.ifn, false), val: g.ConI(0)},
		)

		c := g.Ctrl(t.ifn)

		if !s.reaches(c) {
			continue
		}

		v := s.valueAt(c)

		cmp := g.Add(ir.Node{Op: ir.OpCmpI, In: []ir.ID{ir.Nil, v, g.ConI(0)}, Type: tp.Int})
		b := g.Add(ir.Node{Op: ir.OpBool, In: []ir.ID{ir.Nil, cmp}, Aux: int64(ir.CondNE), Type: tp.Bool})

		g.SetIn(t.ifn, 1, b)

		tlog.V("merge_tests").Printw("merge gc state test", "test", t.ifn, "into", dom.ifn, "mask", t.mask, "phis", len(s.phis))

		n++
	}

	return n
}

func findTests(g *ir.Graph, d *ir.Dom) (r []gcTest) {
	for _, c := range d.RPO() {
		if g.Op(c) != ir.OpIf {
			continue
		}

		if mask, ok := gcStateTest(g, c); ok {
			r = append(r, gcTest{ifn: c, mask: mask})
		}
	}

	return r
}

// dominatingTest returns the closest test equivalent to t that dominates it,
// or a test with Nil If.
func dominatingTest(g *ir.Graph, d *ir.Dom, tests []gcTest, t gcTest) (r gcTest) {
	r.ifn = ir.Nil

	for _, x := range tests {
		if x.ifn == t.ifn || x.mask != t.mask || !d.Dominates(x.ifn, t.ifn) {
			continue
		}

		if r.ifn != ir.Nil && d.Depth(x.ifn) <= d.Depth(r.ifn) {
			continue
		}

		if !noSafepointBetween(g, x.ifn, t.ifn) {
			continue
		}

		r = x
	}

	return r
}

// noSafepointBetween reports whether no path from the dominating control
// from to to crosses a safepoint or a call that may reach one.
func noSafepointBetween(g *ir.Graph, from, to ir.ID) bool {
	visited := map[ir.ID]bool{}
	stack := []ir.ID{g.Ctrl(to)}

	for len(stack) != 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if x == ir.Nil || x == from || visited[x] {
			continue
		}

		visited[x] = true

		n := g.Node(x)

		switch {
		case n.Op == ir.OpSafePoint:
			return false
		case n.Op == ir.OpCall && n.Flags&ir.FlagLeaf == 0:
			return false
		}

		stack = append(stack, g.Preds(x)...)
	}

	return true
}

// gcStateTest matches If(Bool(ne, CmpI(AndI(Load(tls + gc_state), mask), 0))).
func gcStateTest(g *ir.Graph, ifn ir.ID) (mask int64, ok bool) {
	b := g.In(ifn, 1)
	if g.Op(b) != ir.OpBool || ir.Cond(g.Node(b).Aux) != ir.CondNE {
		return 0, false
	}

	cmp := g.In(b, 1)
	if g.Op(cmp) != ir.OpCmpI {
		return 0, false
	}

	if z, ok := g.IsCon(g.In(cmp, 2)); !ok || z != 0 {
		return 0, false
	}

	and := g.In(cmp, 1)
	if g.Op(and) != ir.OpAndI {
		return 0, false
	}

	mask, ok = g.IsCon(g.In(and, 2))
	if !ok {
		return 0, false
	}

	ld := g.In(and, 1)
	if g.Op(ld) != ir.OpLoad || g.Node(ld).Slice != ir.SliceRaw {
		return 0, false
	}

	addr := g.In(ld, ir.InAddr)
	if g.Op(addr) != ir.OpAddP || g.Op(g.In(addr, 1)) != ir.OpThreadLocal {
		return 0, false
	}

	return mask, ok
}

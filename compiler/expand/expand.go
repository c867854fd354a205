package expand

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/gc"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/memfix"
)

type (
	// Expander lowers abstract barriers into explicit control flow
	// and cleans the result up.
	Expander struct {
		cfg *config.Config
		l   *config.Layout

		g     *ir.Graph
		d     *ir.Dom
		loops *ir.LoopTree

		work heap.Heap[item]
	}

	item struct {
		id    ir.ID
		depth int
	}
)

// ErrBailout is returned when a graph shape is outside what the pass handles.
// The caller is expected to drop the compilation.
var ErrBailout = errors.New("bailout")

var _ gc.Expander = &Expander{}

func New(cfg *config.Config) *Expander {
	return &Expander{
		cfg: cfg,
		l:   &cfg.Layout,
	}
}

// deeper loops first, then creation order
func itemLess(d []item, i, j int) bool {
	if d[i].depth != d[j].depth {
		return d[i].depth > d[j].depth
	}

	return d[i].id < d[j].id
}

// Expand replaces the barriers with their fast and slow paths.
// It returns the number of barriers expanded.
func (e *Expander) Expand(ctx context.Context, g *ir.Graph, barriers []ir.ID) (n int, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "expand", "graph", g.Name, "barriers", len(barriers))
	defer tr.Finish("err", &err, "expanded", &n)

	e.g = g
	e.work = heap.Heap[item]{Less: itemLess}

	e.analyze()

	for _, b := range barriers {
		if g.Live(b) && gc.IsBarrier(g, b) {
			e.push(b)
		}
	}

	for e.work.Len() != 0 {
		it := e.work.Pop()

		if !g.Live(it.id) || !gc.IsBarrier(g, it.id) {
			continue
		}

		e.analyze()

		ok, err := e.expand(ctx, it.id)
		if err != nil {
			return n, errors.Wrap(err, "%v %v", g.Op(it.id), it.id)
		}

		if ok {
			n++
		}
	}

	return n, nil
}

func (e *Expander) analyze() {
	e.d = ir.ComputeDom(e.g)
	e.loops = ir.ComputeLoops(e.g, e.d)
}

func (e *Expander) push(b ir.ID) {
	e.work.Push(item{id: b, depth: e.loops.Depth(e.d.Place(b))})
}

// expand reports false if the barrier was split in copies queued for expansion.
func (e *Expander) expand(ctx context.Context, b ir.ID) (expanded bool, err error) {
	g := e.g

	c := g.Ctrl(b)
	if c == ir.Nil {
		c = e.d.Place(b)
	}

	if g.Op(c) == ir.OpCall {
		c = g.ProjOf(c, ir.ProjControl, 0)
	}

	g.SetIn(b, ir.InCtrl, c)

	if e.unwrapStripMined(c) {
		e.analyze()
	}

	if call, ok := e.callProj(c); ok {
		split, err := e.exceptionEdge(ctx, b, c, call)
		if err != nil || split {
			return false, err
		}

		c = g.Ctrl(b)
		e.analyze()
	}

	tlog.V("expand").Printw("expand barrier", "id", b, "op", g.Op(b), "ctrl", c, "ctrl_op", g.Op(c))

	before := e.before(b, c)
	after := e.after(b, c, before)
	succs := g.Succs(c)

	k := kit.New(g)
	k.SetCtrl(c)

	if g.Op(b) == ir.OpSATBPreBarrier {
		k.SetMem(ir.SliceRaw, g.In(b, ir.InMem))
	}

	var res ir.ID = ir.Nil

	switch g.Op(b) {
	case ir.OpLoadRefBarrier:
		res = e.loadRef(k, b)
	case ir.OpSATBPreBarrier:
		e.satb(k, b)
	case ir.OpIUBarrier:
		res = e.update(k, b)
	case ir.OpClone:
		e.cloneFixup(k, b)
	default:
		panic(g.Op(b))
	}

	r := k.Ctrl()

	for _, x := range after {
		g.SetIn(x, ir.InCtrl, r)
	}

	for _, s := range succs {
		e.redirect(s, c, r)
	}

	switch g.Op(b) {
	case ir.OpLoadRefBarrier, ir.OpIUBarrier:
		g.ReplaceUses(b, res)
		g.Kill(b)
	case ir.OpSATBPreBarrier:
		g.ReplaceUses(b, g.In(b, ir.InMem))
		g.Kill(b)
	case ir.OpClone:
		n := g.Node(b)
		n.Flags &^= ir.FlagCloneBarrier
		n.Aux = 0
	}

	memfix.New(g, ir.SliceRaw).Fix(ctx)

	return true, nil
}

// redirect makes s continue from r where it continued from c.
func (e *Expander) redirect(s, c, r ir.ID) {
	g := e.g

	if !g.Op(s).IsRegion() {
		g.SetIn(s, ir.InCtrl, r)
		return
	}

	for i, p := range g.Node(s).In {
		if i > 0 && p == c {
			g.SetIn(s, i, r)
		}
	}
}

// before returns the nodes at c the barrier depends on.
// They stay in front of the expanded code.
func (e *Expander) before(b, c ir.ID) map[ir.ID]bool {
	g := e.g

	set := map[ir.ID]bool{}
	var stack []ir.ID

	add := func(x ir.ID) {
		if x == ir.Nil || set[x] || g.IsControl(x) || g.Op(x) == ir.OpPhi {
			return
		}

		if p := g.Ctrl(x); p != ir.Nil && p != c {
			return
		}

		set[x] = true
		stack = append(stack, x)

		// an atomic and its memory projection are one access
		if g.Op(x).IsLoadStore() {
			for _, u := range g.Users(x) {
				if g.Op(u) == ir.OpSCMemProj {
					set[u] = true
				}
			}
		}
	}

	if g.Op(b) == ir.OpClone {
		add(b)
	} else {
		for _, x := range g.Node(b).In[1:] {
			add(x)
		}
	}

	for {
		for len(stack) != 0 {
			x := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			for _, y := range g.Node(x).In[1:] {
				add(y)
			}
		}

		// a consumer of a state overwritten by a staying producer must stay too
		consumed := map[ir.ID]bool{}

		for x := range set {
			if _, ok := g.MemoryOut(x); ok {
				consumed[g.ProducerInput(x)] = true
			}
		}

		for _, p := range g.Pinned(c) {
			if set[p] || p == b {
				continue
			}

			if m := memInput(g, p); m != ir.Nil && consumed[m] {
				add(p)
			}
		}

		if len(stack) == 0 {
			return set
		}
	}
}

// after returns the nodes at c moving behind the expanded code.
func (e *Expander) after(b, c ir.ID, before map[ir.ID]bool) (r []ir.ID) {
	g := e.g

	for _, x := range g.Pinned(c) {
		if x == b || before[x] {
			continue
		}

		switch g.Op(x) {
		case ir.OpPhi, ir.OpProj, ir.OpParm:
			continue
		}

		r = append(r, x)
	}

	return r
}

func memInput(g *ir.Graph, id ir.ID) ir.ID {
	n := g.Node(id)

	for _, s := range g.Slices() {
		if i := g.MemoryIn(id, s); i >= 0 {
			return n.In[i]
		}
	}

	return ir.Nil
}

// unwrapStripMined turns the strip-mined nest around c into plain loops,
// since expanded barriers add calls to the inner loop.
func (e *Expander) unwrapStripMined(c ir.ID) bool {
	g := e.g

	l := e.loops.Innermost(c)
	if l == nil || !l.StripMined(g) {
		return false
	}

	inner, outer := l.Head, ir.Nil

	if g.Op(inner) == ir.OpOuterStripMinedLoop {
		outer, inner = inner, ir.Nil

		for _, ch := range l.Children {
			if n := g.Node(ch.Head); n.Op == ir.OpCountedLoop && n.In[1] == outer {
				inner = ch.Head
			}
		}
	} else {
		outer = g.In(inner, 1)
	}

	if inner != ir.Nil {
		g.Node(inner).Flags &^= ir.FlagStripMined
	}

	if outer != ir.Nil && g.Op(outer) == ir.OpOuterStripMinedLoop {
		g.Node(outer).Op = ir.OpLoop
	}

	tlog.V("expand").Printw("unwrap strip mined", "inner", inner, "outer", outer)

	return true
}

// callProj reports whether c is the control projection of a call
// with an exception edge.
func (e *Expander) callProj(c ir.ID) (call ir.ID, ok bool) {
	g := e.g
	n := g.Node(c)

	if n.Op != ir.OpProj || n.Aux != ir.ProjControl || g.Op(n.In[0]) != ir.OpCall {
		return ir.Nil, false
	}

	return n.In[0], catchOf(g, c) != ir.Nil
}

func catchOf(g *ir.Graph, proj ir.ID) ir.ID {
	for _, u := range g.Users(proj) {
		if g.Op(u) == ir.OpCatch {
			return u
		}
	}

	return ir.Nil
}

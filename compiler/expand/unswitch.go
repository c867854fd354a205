package expand

import (
	"context"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/memfix"
	"github.com/slowlang/gcbar/compiler/tp"
)

type unswitchLoop struct {
	l *ir.Loop

	head  ir.ID
	entry int // head input index of the entry edge
	test  ir.ID
	mask  int64

	exit [2]ir.ID // inside, outside
}

// unswitchLoops hoists a gc_state test out of innermost loops with no
// safepoints and runs the loop in two versions, one per outcome.
func (e *Expander) unswitchLoops(ctx context.Context) (n int, err error) {
	done := map[ir.ID]bool{}

	for {
		d := ir.ComputeDom(e.g)
		loops := ir.ComputeLoops(e.g, d)

		var u *unswitchLoop

		for _, l := range loops.Leaves() {
			if done[l.Head] {
				continue
			}

			done[l.Head] = true

			x, err := e.unswitchable(d, l)
			if errors.Is(err, ErrBailout) {
				tlog.V("unswitch").Printw("loop not unswitched", "head", l.Head, "reason", err)
				continue
			}
			if err != nil {
				return n, err
			}

			u = x

			break
		}

		if u == nil {
			return n, nil
		}

		clone := e.unswitch(ctx, u)
		done[clone] = true

		n++
	}
}

func (e *Expander) unswitchable(d *ir.Dom, l *ir.Loop) (u *unswitchLoop, err error) {
	g := e.g
	h := l.Head

	if len(l.Tails) != 1 || len(g.Node(h).In) != 3 {
		return nil, errors.Wrap(ErrBailout, "not a simple loop")
	}

	u = &unswitchLoop{l: l, head: h, entry: 1, test: ir.Nil}

	if l.Contains(g.In(h, 1)) {
		u.entry = 2
	}

	if l.Contains(g.In(h, u.entry)) {
		return nil, errors.Wrap(ErrBailout, "no entry edge")
	}

	if len(g.Succs(g.In(h, u.entry))) != 1 {
		return nil, errors.Wrap(ErrBailout, "entry control branches")
	}

	exits := l.Exits(g)
	if len(exits) != 1 {
		return nil, errors.Wrap(ErrBailout, "%d exits", len(exits))
	}

	u.exit = exits[0]

	if op := g.Op(u.exit[1]); (op != ir.OpIfTrue && op != ir.OpIfFalse) || g.In(u.exit[1], 0) != u.exit[0] {
		return nil, errors.Wrap(ErrBailout, "exit is %v", op)
	}

	for _, c := range d.RPO() {
		if !l.Contains(c) {
			continue
		}

		n := g.Node(c)

		switch {
		case n.Op == ir.OpSafePoint, n.Op == ir.OpCall && n.Flags&ir.FlagLeaf == 0:
			return nil, errors.Wrap(ErrBailout, "%v %v in the loop", n.Op, c)
		case n.Op == ir.OpIf && u.test == ir.Nil:
			if mask, ok := gcStateTest(g, c); ok {
				u.test, u.mask = c, mask
			}
		}
	}

	if u.test == ir.Nil {
		return nil, errors.Wrap(ErrBailout, "no gc state test")
	}

	return u, nil
}

// unswitch returns the head of the loop copy.
func (e *Expander) unswitch(ctx context.Context, u *unswitchLoop) ir.ID {
	g := e.g

	h := u.head
	entry := g.In(h, u.entry)
	out := u.exit[1]

	k := kit.New(g)
	k.SetCtrl(entry)

	f0 := e.gcStateTest(k, u.mask)
	t0 := k.Ctrl()

	g.SetIn(h, u.entry, f0)

	nodes := e.loopNodes(u.l, out)

	m := make(map[ir.ID]ir.ID, len(nodes))

	for _, x := range nodes {
		m[x] = g.CloneNode(x)
	}

	for _, x := range nodes {
		c := m[x]

		for i, y := range g.Node(c).In {
			if z, ok := m[y]; ok {
				g.SetIn(c, i, z)
			}
		}
	}

	g.SetIn(m[h], u.entry, t0)

	rx := g.Add(ir.Node{Op: ir.OpRegion, In: []ir.ID{ir.Nil, out, m[out]}, Type: tp.Ctrl})

	for _, s := range g.Succs(out) {
		if s != rx {
			e.redirect(s, out, rx)
		}
	}

	for _, x := range g.Pinned(out) {
		g.SetIn(x, ir.InCtrl, rx)
	}

	clones := make(map[ir.ID]bool, len(m))
	for _, c := range m {
		clones[c] = true
	}

	for _, x := range nodes {
		t := g.Node(x).Type
		if g.IsControl(x) || t == tp.Mem || t == tp.Ctrl || t == tp.Tuple || t == tp.None {
			continue
		}

		var phi ir.ID = ir.Nil

		for _, user := range dedupIDs(g.Users(x)) {
			if clones[user] || user == rx || inSet(nodes, user) {
				continue
			}

			if phi == ir.Nil {
				phi = g.Add(ir.Node{Op: ir.OpPhi, In: []ir.ID{rx, x, m[x]}, Type: t})
			}

			for i, y := range g.Node(user).In {
				if y == x {
					g.SetIn(user, i, phi)
				}
			}
		}
	}

	ir.FoldBranch(g, u.test, false)
	ir.FoldBranch(g, m[u.test], true)

	for _, s := range g.Slices() {
		memfix.New(g, s).Fix(ctx)
	}

	ir.RemoveDead(g)

	tlog.V("unswitch").Printw("unswitched loop", "head", h, "copy", m[h], "test", u.test, "mask", u.mask, "nodes", len(nodes))

	return m[h]
}

// loopNodes returns the loop controls with everything placed at them,
// the exit projection and the floating nodes computed from them.
func (e *Expander) loopNodes(l *ir.Loop, out ir.ID) []ir.ID {
	g := e.g

	in := map[ir.ID]bool{}
	var r []ir.ID

	add := func(x ir.ID) {
		if !in[x] {
			in[x] = true
			r = append(r, x)
		}
	}

	l.Body.Range(func(c ir.ID) bool {
		add(c)

		for _, x := range g.Pinned(c) {
			add(x)
		}

		return true
	})

	add(out)

	for i := 0; i < len(r); i++ {
		for _, u := range g.Users(r[i]) {
			if in[u] || g.IsControl(u) || g.Op(u) == ir.OpPhi || g.Ctrl(u) != ir.Nil {
				continue
			}

			add(u)
		}
	}

	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })

	return r
}

func inSet(l []ir.ID, x ir.ID) bool {
	i := sort.Search(len(l), func(i int) bool { return l[i] >= x })

	return i < len(l) && l[i] == x
}

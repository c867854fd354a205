package opt

import (
	"context"

	"github.com/oleiade/lane"
	"tlog.app/go/tlog"

	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/set"
)

// IdealFunc is an identity rule hook. It returns the node to replace id with,
// or id and whether id was changed in place.
type IdealFunc func(g *ir.Graph, id ir.ID) (ir.ID, bool)

type simplifier struct {
	g     *ir.Graph
	ideal IdealFunc

	work   *lane.Stack
	queued set.Bits[ir.ID]

	replaced int
}

const maxRounds = 8

// Simplify applies the identity rules and constant folding until nothing changes,
// folding constant branches and sweeping dead code between rounds.
// It returns the number of nodes replaced.
func Simplify(ctx context.Context, g *ir.Graph, ideal IdealFunc) (replaced int) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "simplify", "graph", g.Name)
	defer tr.Finish()

	for round := 0; round < maxRounds; round++ {
		s := &simplifier{
			g:      g,
			ideal:  ideal,
			work:   lane.NewStack(),
			queued: set.MakeBits[ir.ID](g.Len()),
		}

		for id := g.Len() - 1; id >= 0; id-- {
			s.push(ir.ID(id))
		}

		for !s.work.Empty() {
			id := s.work.Pop().(ir.ID)
			s.queued.Clear(id)

			s.visit(id)
		}

		folded := FoldIfs(g)
		killed := ir.RemoveDead(g)

		replaced += s.replaced

		tr.V("simplify").Printw("round", "round", round, "replaced", s.replaced, "folded_ifs", folded, "killed", killed)

		if s.replaced == 0 && folded == 0 && killed == 0 {
			break
		}
	}

	return replaced
}

func (s *simplifier) push(id ir.ID) {
	if !s.g.Live(id) || s.queued.IsSet(id) {
		return
	}

	s.queued.Set(id)
	s.work.Push(id)
}

func (s *simplifier) pushUsers(id ir.ID) {
	for _, u := range s.g.Users(id) {
		s.push(u)
	}
}

func (s *simplifier) visit(id ir.ID) {
	g := s.g

	if !g.Live(id) || g.IsControl(id) {
		return
	}

	r := Fold(g, id)

	if r == id && s.ideal != nil {
		var changed bool

		r, changed = s.ideal(g, id)

		if changed && r == id {
			s.push(id)
			s.pushUsers(id)

			return
		}
	}

	if r == id {
		return
	}

	tlog.V("simplify").Printw("replace", "id", id, "op", g.Op(id), "with", r, "with_op", g.Op(r))

	users := append([]ir.ID(nil), g.Users(id)...)

	g.ReplaceUses(id, r)
	g.Kill(id)
	s.replaced++

	for _, u := range users {
		s.push(u)
	}

	s.push(r)
}

// Fold returns a constant or an existing node equal to id, or id itself.
func Fold(g *ir.Graph, id ir.ID) ir.ID {
	n := g.Node(id)

	switch n.Op {
	case ir.OpAddI, ir.OpSubI, ir.OpAndI, ir.OpOrI, ir.OpURShift, ir.OpMinI:
		x, xok := g.IsCon(n.In[1])
		y, yok := g.IsCon(n.In[2])

		if xok && yok {
			return g.ConI(Arith(n.Op, x, y))
		}

		if yok && y == 0 && (n.Op == ir.OpAddI || n.Op == ir.OpSubI || n.Op == ir.OpOrI || n.Op == ir.OpURShift) {
			return n.In[1]
		}
	case ir.OpCmpI, ir.OpCmpP:
		if n.In[1] == n.In[2] {
			return g.ConI(0)
		}

		x, xok := g.IsCon(n.In[1])
		y, yok := g.IsCon(n.In[2])

		if xok && yok {
			return g.ConI(Compare(x, y))
		}
	case ir.OpBool:
		if v, ok := g.IsCon(n.In[1]); ok && g.Op(n.In[1]) == ir.OpConI {
			return g.ConI(B2I(ir.Cond(n.Aux).Eval(v)))
		}
	case ir.OpPhi:
		return foldPhi(g, id)
	}

	return id
}

func foldPhi(g *ir.Graph, id ir.ID) ir.ID {
	n := g.Node(id)

	if !g.Live(n.In[0]) || len(n.In) != len(g.Node(n.In[0]).In) {
		return id
	}

	var v ir.ID = ir.Nil

	for _, x := range n.In[1:] {
		if x == id || x == ir.Nil {
			continue
		}

		if v != ir.Nil && x != v {
			return id
		}

		v = x
	}

	if v == ir.Nil {
		return id
	}

	return v
}

// FoldIfs replaces branches on constant conditions with the taken path.
func FoldIfs(g *ir.Graph) (n int) {
	for _, ifn := range g.Find(ir.OpIf) {
		v, ok := g.IsCon(g.In(ifn, 1))
		if !ok {
			continue
		}

		ir.FoldBranch(g, ifn, v != 0)
		n++
	}

	return n
}

func Arith(op ir.Op, x, y int64) int64 {
	switch op {
	case ir.OpAddI:
		return x + y
	case ir.OpSubI:
		return x - y
	case ir.OpAndI:
		return x & y
	case ir.OpOrI:
		return x | y
	case ir.OpURShift:
		return int64(uint64(x) >> uint64(y&63))
	case ir.OpMinI:
		if x < y {
			return x
		}

		return y
	}

	panic(op)
}

// Compare is the three-way comparison of CmpI and CmpP.
func Compare(x, y int64) int64 {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

func B2I(b bool) int64 {
	if b {
		return 1
	}

	return 0
}

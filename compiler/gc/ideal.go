package gc

import (
	"github.com/slowlang/gcbar/compiler/ir"
)

// HealAddr is the result of the self-heal address search.
type HealAddr struct {
	Found bool
	Addr  ir.ID
}

const healDepth = 8

func IsBarrier(g *ir.Graph, id ir.ID) bool {
	n := g.Node(id)

	return n.Op.IsBarrier() || n.Op == ir.OpClone && n.Flags&ir.FlagCloneBarrier != 0
}

// StepOver returns the value a value barrier wraps.
func StepOver(g *ir.Graph, id ir.ID) ir.ID {
	for {
		switch g.Op(id) {
		case ir.OpLoadRefBarrier, ir.OpIUBarrier:
			id = g.In(id, ir.InBarrierValue)
		default:
			return id
		}
	}
}

// stepOverNullable strips casts and the barriers that keep a value null
// exactly when it was null. A weak load-reference barrier may clear
// a live referent, so it is not stepped over.
func stepOverNullable(g *ir.Graph, id ir.ID) ir.ID {
	for {
		n := g.Node(id)

		switch {
		case n.Op == ir.OpLoadRefBarrier && Strength(n.Aux) != StrengthStrong:
			return id
		case n.Op == ir.OpLoadRefBarrier, n.Op == ir.OpIUBarrier, n.Op == ir.OpCastPP, n.Op == ir.OpCheckCastPP:
			id = n.In[1]
		default:
			return id
		}
	}
}

// FindHealAddr finds the heap slot the value v was read from,
// so the load-reference barrier can write the forwarded value back.
func FindHealAddr(g *ir.Graph, v ir.ID) HealAddr {
	return healAddr(g, v, healDepth)
}

func healAddr(g *ir.Graph, v ir.ID, depth int) HealAddr {
	if depth == 0 || v == ir.Nil {
		return HealAddr{}
	}

	n := g.Node(v)

	switch n.Op {
	case ir.OpLoad, ir.OpCompareAndExchange, ir.OpGetAndSet:
		return HealAddr{Found: true, Addr: n.In[ir.InAddr]}
	case ir.OpCastPP, ir.OpCheckCastPP:
		return healAddr(g, n.In[1], depth-1)
	case ir.OpPhi:
		var r HealAddr

		for _, x := range n.In[1:] {
			if x == v {
				continue
			}

			h := healAddr(g, x, depth-1)
			if !h.Found || r.Found && h.Addr != r.Addr {
				return HealAddr{}
			}

			r = h
		}

		return r
	}

	return HealAddr{}
}

// Ideal applies the barrier identity rules to one node.
// It returns the node to replace id with, or id itself and whether
// the node was changed in place.
func Ideal(g *ir.Graph, id ir.ID) (ir.ID, bool) {
	n := g.Node(id)

	switch n.Op {
	case ir.OpLoadRefBarrier:
		v := n.In[ir.InBarrierValue]

		if needsNoBarrier(g, v, Strength(n.Aux), healDepth) {
			return v, true
		}
	case ir.OpIUBarrier:
		v := n.In[ir.InBarrierValue]

		if needsNoUpdate(g, v, healDepth) {
			return v, true
		}
	case ir.OpSATBPreBarrier:
		if g.IsNull(n.In[ir.InSATBPrev]) {
			return n.In[ir.InMem], true
		}
	case ir.OpCmpP:
		return id, stepOverCmpNull(g, id)
	}

	return id, false
}

// needsNoBarrier reports whether a load-reference barrier of strength st
// over v would return v unchanged.
// Arguments, call results and exception objects are to-space references already.
// A barrier result is too, but a non-strong barrier must still see
// the value a strong one let through, it may have to clear it.
func needsNoBarrier(g *ir.Graph, v ir.ID, st Strength, depth int) bool {
	if depth == 0 {
		return false
	}

	n := g.Node(v)

	switch n.Op {
	case ir.OpConP, ir.OpAllocate, ir.OpClone, ir.OpParm:
		return true
	case ir.OpProj:
		return n.Aux == ir.ProjResult && g.Op(n.In[0]) == ir.OpCall
	case ir.OpLoadRefBarrier:
		return st == StrengthStrong || Strength(n.Aux) != StrengthStrong
	case ir.OpCastPP, ir.OpCheckCastPP:
		return needsNoBarrier(g, n.In[1], st, depth-1)
	case ir.OpPhi:
		for _, x := range n.In[1:] {
			if x != v && !needsNoBarrier(g, x, st, depth-1) {
				return false
			}
		}

		return true
	}

	return false
}

// needsNoUpdate reports whether storing v never has to be logged:
// it is null, a constant, an object allocated while marking
// or a value logged already.
func needsNoUpdate(g *ir.Graph, v ir.ID, depth int) bool {
	if depth == 0 {
		return false
	}

	n := g.Node(v)

	switch n.Op {
	case ir.OpConP, ir.OpAllocate, ir.OpClone, ir.OpIUBarrier:
		return true
	case ir.OpCastPP, ir.OpCheckCastPP:
		return needsNoUpdate(g, n.In[1], depth-1)
	case ir.OpPhi:
		for _, x := range n.In[1:] {
			if x != v && !needsNoUpdate(g, x, depth-1) {
				return false
			}
		}

		return true
	}

	return false
}

func stepOverCmpNull(g *ir.Graph, cmp ir.ID) (changed bool) {
	n := g.Node(cmp)

	for i, j := 1, 2; i <= 2; i, j = i+1, j-1 {
		if !g.IsNull(n.In[j]) {
			continue
		}

		x := stepOverNullable(g, n.In[i])
		if x != n.In[i] {
			g.SetIn(cmp, i, x)
			changed = true
		}
	}

	return changed
}

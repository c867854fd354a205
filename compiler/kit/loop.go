package kit

import (
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/tp"
)

// BeginLoop opens a loop head of the given op entered from the current
// control. Every slice gets a memory phi; the ones the body never changes
// are removed by EndLoop.
func (k *Kit) BeginLoop(op ir.Op) *Loop {
	ir.Assert(op.IsLoop(), "%v is not a loop", op)

	h := k.G.Add(ir.Node{Op: op, In: []ir.ID{ir.Nil, k.ctrl, ir.Nil}, Type: tp.Ctrl})

	l := &Loop{Head: h, k: k}

	for _, s := range k.G.Slices() {
		phi := k.G.Add(ir.Node{Op: ir.OpPhi, In: []ir.ID{h, k.Mem(s), ir.Nil}, Slice: s, Type: tp.Mem})

		for int(s) >= len(l.phis) {
			l.phis = append(l.phis, ir.Nil)
		}

		l.phis[s] = phi
		k.SetMem(s, phi)
	}

	k.ctrl = h

	return l
}

// Phi adds a value phi to the loop head. Its back edge input is set with SetBack.
func (l *Loop) Phi(t tp.Type, init ir.ID) ir.ID {
	return l.k.G.Add(ir.Node{Op: ir.OpPhi, In: []ir.ID{l.Head, init, ir.Nil}, Type: t})
}

func (l *Loop) SetBack(phi, v ir.ID) {
	l.k.G.SetIn(phi, 2, v)
}

// EndLoop closes the back edge from the current control.
func (k *Kit) EndLoop(l *Loop) {
	g := k.G

	g.SetIn(l.Head, 2, k.ctrl)

	for s, phi := range l.phis {
		if phi == ir.Nil {
			continue
		}

		back := k.Mem(ir.Slice(s))

		if back != phi {
			g.SetIn(phi, 2, back)
			continue
		}

		entry := g.Nodes[phi].In[1]

		g.ReplaceUses(phi, entry)
		g.Kill(phi)

		for i, m := range k.mem {
			if m == phi {
				k.mem[i] = entry
			}
		}
	}
}

// CountedLoop emits for i := 0; i < n; i++ { body(i) }.
// A strip-mined loop runs the body in an inner counted loop of at most
// Chunk iterations with no safepoint, nested directly in an outer loop
// that polls a safepoint between chunks.
func (k *Kit) CountedLoop(n ir.ID, o LoopOpts, body func(i ir.ID)) {
	t, f := k.If(k.Test(ir.CondGT, n, k.ConI(0)))

	k.ctrl = f
	skip := k.Save()

	k.ctrl = t

	if o.StripMined {
		k.stripMined(n, o, body)
	} else {
		k.counted(n, o, body)
	}

	k.Merge(k.Save(), skip)
}

func (k *Kit) counted(n ir.ID, o LoopOpts, body func(i ir.ID)) {
	l := k.BeginLoop(ir.OpCountedLoop)
	i := l.Phi(tp.Int, k.ConI(0))

	body(i)

	if o.SafePoint {
		k.SafePoint()
	}

	i1 := k.Bin(ir.OpAddI, i, k.ConI(1))

	t, f := k.If(k.Test(ir.CondLT, i1, n))

	k.ctrl = t
	k.EndLoop(l)
	l.SetBack(i, i1)

	k.ctrl = f
}

func (k *Kit) stripMined(n ir.ID, o LoopOpts, body func(i ir.ID)) {
	chunk := o.Chunk
	if chunk <= 0 {
		chunk = DefaultChunk
	}

	outer := k.BeginLoop(ir.OpOuterStripMinedLoop)
	j := outer.Phi(tp.Int, k.ConI(0))

	lim := k.Bin(ir.OpMinI, k.Bin(ir.OpAddI, j, k.ConI(chunk)), n)

	inner := k.BeginLoop(ir.OpCountedLoop)
	k.G.Nodes[inner.Head].Flags |= ir.FlagStripMined

	i := inner.Phi(tp.Int, j)

	body(i)

	i1 := k.Bin(ir.OpAddI, i, k.ConI(1))

	t, f := k.If(k.Test(ir.CondLT, i1, lim))

	k.ctrl = t
	k.EndLoop(inner)
	inner.SetBack(i, i1)

	k.ctrl = f
	k.SafePoint()

	t, f = k.If(k.Test(ir.CondLT, i1, n))

	k.ctrl = t
	k.EndLoop(outer)
	outer.SetBack(j, i1)

	k.ctrl = f
}

package kit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/tp"
)

func TestMergeMemory(t *testing.T) {
	g := ir.New(t.Name())
	k := New(g)

	f := g.NewSlice("f")
	h := g.NewSlice("h")

	p := k.Parm(0, tp.Raw)

	tr, fl := k.If(k.Test(ir.CondEQ, p, k.ConRaw(0)))
	entry := k.Save()

	k.SetCtrl(tr)
	st := k.Store(f, p, k.ConI(1), 8, 0)
	a := k.Save()

	k.Restore(entry)
	k.SetCtrl(fl)
	b := k.Save()

	r := k.Merge(a, b)

	assert.Equal(t, r, k.Ctrl())

	phi := k.Mem(f)
	require.Equal(t, ir.OpPhi, g.Op(phi))
	assert.Equal(t, []ir.ID{r, st, g.InitialMemory(f)}, g.Node(phi).In)
	assert.Equal(t, f, g.Node(phi).Slice)

	assert.Equal(t, g.InitialMemory(h), k.Mem(h))
	assert.Equal(t, phi, g.MemPhi(r, f))

	k.Return(ir.Nil)

	require.NoError(t, ir.Verify(g))
}

func TestCountedLoopMemory(t *testing.T) {
	g := ir.New(t.Name())
	k := New(g)

	f := g.NewSlice("f")
	h := g.NewSlice("h")

	p := k.Parm(0, tp.Raw)
	n := k.Parm(1, tp.Int)

	var head ir.ID

	k.CountedLoop(n, LoopOpts{}, func(i ir.ID) {
		head = k.Ctrl()
		k.Store(f, p, i, 8, 0)
	})

	k.Return(ir.Nil)

	require.NoError(t, ir.Verify(g))

	assert.Equal(t, ir.OpCountedLoop, g.Op(head))
	assert.NotEqual(t, ir.Nil, g.MemPhi(head, f))
	assert.Equal(t, ir.Nil, g.MemPhi(head, h), "unchanged slice has no phi")
}

func TestCallCatch(t *testing.T) {
	g := ir.New(t.Name())
	k := New(g)

	f := g.NewSlice("f")

	x := k.Parm(0, tp.Ref)

	res, exc := k.CallCatch(100, 0, tp.Ref, x)

	normal := k.Ctrl()
	require.Equal(t, ir.OpCatchProj, g.Op(normal))
	assert.Equal(t, ir.CatchNormal, g.Node(normal).Aux)

	catch := g.In(normal, 0)
	proj := g.In(catch, 0)
	call := g.In(proj, 0)

	assert.Equal(t, ir.OpCall, g.Op(call))
	assert.Equal(t, []ir.ID{x}, g.Args(call))
	assert.Equal(t, call, g.In(res, 0))
	assert.Equal(t, g.ProjOf(call, ir.ProjMemory, f), k.Mem(f))

	assert.Equal(t, g.CatchProj(catch, ir.CatchException), exc.Ctrl)

	k.Return(res)

	k.Restore(exc)
	k.Halt(res)

	require.NoError(t, ir.Verify(g))
}

func TestLeafCall(t *testing.T) {
	g := ir.New(t.Name())
	k := New(g)

	f := g.NewSlice("f")
	m := k.Mem(f)

	k.Call(1, ir.FlagLeaf, tp.None, k.ConI(0))

	assert.Equal(t, m, k.Mem(f), "leaf calls touch raw memory only")
	assert.Equal(t, ir.OpProj, g.Op(k.Mem(ir.SliceRaw)))
}

package ir_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/tp"
)

func diamond(t *testing.T) (g *ir.Graph, k *kit.Kit, ifn, tr, fl, r ir.ID) {
	t.Helper()

	g = ir.New(t.Name())
	k = kit.New(g)

	x := k.Parm(0, tp.Int)

	tr, fl = k.If(k.Test(ir.CondLT, x, k.ConI(0)))
	ifn = g.In(tr, 0)

	k.SetCtrl(tr)
	a := k.Save()

	k.SetCtrl(fl)
	b := k.Save()

	r = k.Merge(a, b)

	k.Return(k.Phi(r, tp.Int, k.ConI(1), k.ConI(2)))

	return
}

func TestDom(t *testing.T) {
	g, _, ifn, tr, fl, r := diamond(t)

	require.NoError(t, ir.Verify(g))

	d := ir.ComputeDom(g)

	assert.Equal(t, g.Start, d.RPO()[0])
	assert.Equal(t, ifn, d.Idom(tr))
	assert.Equal(t, ifn, d.Idom(fl))
	assert.Equal(t, ifn, d.Idom(r))

	assert.True(t, d.Dominates(g.Start, r))
	assert.True(t, d.Dominates(r, r))
	assert.False(t, d.Dominates(tr, r))
	assert.Equal(t, ifn, d.LCA(tr, fl))
	assert.Less(t, d.Depth(ifn), d.Depth(r))
}

func TestVerifyDominance(t *testing.T) {
	g := ir.New(t.Name())
	k := kit.New(g)
	s := g.NewSlice("f")

	p := k.Parm(0, tp.Raw)

	tr, fl := k.If(k.Test(ir.CondEQ, p, k.ConRaw(0)))

	k.SetCtrl(tr)
	x := k.Load(s, p, tp.Int, 8, 0)
	k.Return(x)

	k.SetCtrl(fl)
	k.Return(x)

	err := ir.Verify(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not dominate")
}

func TestVerifyExpanded(t *testing.T) {
	g := ir.New(t.Name())
	k := kit.New(g)

	v := k.Pin(ir.Node{Op: ir.OpLoadRefBarrier, In: []ir.ID{ir.Nil, k.Parm(0, tp.Ref)}, Type: tp.Ref})
	k.Return(v)

	require.NoError(t, ir.Verify(g))
	assert.Error(t, ir.VerifyExpanded(g))
}

func TestLoops(t *testing.T) {
	g := ir.New(t.Name())
	k := kit.New(g)

	n := k.Parm(0, tp.Int)

	k.CountedLoop(n, kit.LoopOpts{}, func(i ir.ID) {})
	k.CountedLoop(n, kit.LoopOpts{StripMined: true}, func(i ir.ID) {})
	k.Return(ir.Nil)

	require.NoError(t, ir.Verify(g))

	d := ir.ComputeDom(g)
	lt := ir.ComputeLoops(g, d)

	require.Len(t, lt.Loops, 3)
	assert.Equal(t, 2, lt.MaxDepth())

	leaves := lt.Leaves()
	require.Len(t, leaves, 2)

	var mined int

	for _, l := range leaves {
		assert.Equal(t, ir.OpCountedLoop, g.Op(l.Head))
		assert.Len(t, l.Tails, 1)
		assert.Len(t, l.Exits(g), 1)
		assert.True(t, l.Contains(l.Head))

		if l.StripMined(g) {
			mined++

			require.NotNil(t, l.Parent)
			assert.Equal(t, ir.OpOuterStripMinedLoop, g.Op(l.Parent.Head))
			assert.Equal(t, 2, lt.Depth(l.Head))
		}
	}

	assert.Equal(t, 1, mined)
}

func TestClone(t *testing.T) {
	g, _, _, _, _, r := diamond(t)

	c := g.Clone()
	require.Equal(t, g.Len(), c.Len())

	c.DelIn(r, 2)

	assert.Len(t, g.Node(r).In, 3)
	assert.Len(t, c.Node(r).In, 2)
}

func TestRemoveDead(t *testing.T) {
	g, _, ifn, _, _, r := diamond(t)

	unused := g.Add(ir.Node{Op: ir.OpAddI, In: []ir.ID{ir.Nil, g.ConI(3), g.ConI(4)}, Type: tp.Int})

	ir.FoldBranch(g, ifn, true)

	killed := ir.RemoveDead(g)
	assert.NotZero(t, killed)

	assert.False(t, g.Live(ifn))
	assert.False(t, g.Live(r))
	assert.False(t, g.Live(unused))

	require.NoError(t, ir.Verify(g))

	ret := g.Find(ir.OpReturn)
	require.Len(t, ret, 1)

	v, ok := g.IsCon(g.ReturnValue(ret[0]))
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)
}

func TestCond(t *testing.T) {
	for _, c := range []ir.Cond{ir.CondEQ, ir.CondNE, ir.CondLT, ir.CondGT} {
		for _, cmp := range []int64{-1, 0, 1} {
			assert.NotEqual(t, c.Eval(cmp), c.Negate().Eval(cmp), "%v %d", c, cmp)
		}
	}
}

func TestAssert(t *testing.T) {
	assert.NotPanics(t, func() { ir.Assert(true, "fine") })

	defer func() {
		e, ok := recover().(ir.AssertionError)
		require.True(t, ok)
		assert.Equal(t, "bad 1", e.Msg)
	}()

	ir.Assert(false, "bad %d", 1)
}

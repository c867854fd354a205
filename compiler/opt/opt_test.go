package opt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/tp"
)

func TestFold(t *testing.T) {
	g := ir.New(t.Name())
	k := kit.New(g)

	x := k.Parm(0, tp.Int)

	for _, tc := range []struct {
		op   ir.Op
		x, y int64
		r    int64
	}{
		{ir.OpAddI, 2, 3, 5},
		{ir.OpSubI, 2, 3, -1},
		{ir.OpAndI, 6, 3, 2},
		{ir.OpOrI, 6, 3, 7},
		{ir.OpURShift, -1, 60, 15},
		{ir.OpMinI, 4, -4, -4},
	} {
		id := k.Bin(tc.op, k.ConI(tc.x), k.ConI(tc.y))

		v, ok := g.IsCon(Fold(g, id))
		assert.True(t, ok, "%v", tc.op)
		assert.Equal(t, tc.r, v, "%v", tc.op)
	}

	assert.Equal(t, x, Fold(g, k.Bin(ir.OpAddI, x, k.ConI(0))))

	add := k.Bin(ir.OpAddI, x, k.ConI(1))
	assert.Equal(t, add, Fold(g, add))

	v, ok := g.IsCon(Fold(g, k.Bin(ir.OpCmpI, x, x)))
	assert.True(t, ok)
	assert.Zero(t, v)

	b := k.Test(ir.CondLT, k.ConI(1), k.ConI(2))
	assert.Equal(t, b, Fold(g, b), "compare not folded yet")

	g.SetIn(b, 1, Fold(g, g.In(b, 1)))

	v, ok = g.IsCon(Fold(g, b))
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)
}

func TestSimplify(t *testing.T) {
	g := ir.New(t.Name())
	k := kit.New(g)

	x := k.Parm(0, tp.Int)

	tr, fl := k.If(k.Test(ir.CondGT, k.ConI(2), k.ConI(1)))

	k.SetCtrl(tr)
	a := k.Save()

	k.SetCtrl(fl)
	b := k.Save()

	r := k.Merge(a, b)
	phi := k.Phi(r, tp.Int, k.Bin(ir.OpAddI, x, k.ConI(0)), k.ConI(7))

	wrap := k.Bin(ir.OpOrI, phi, k.ConI(8))

	ret := k.Return(wrap)

	var calls int

	ideal := func(g *ir.Graph, id ir.ID) (ir.ID, bool) {
		if g.Op(id) != ir.OpOrI {
			return id, false
		}

		calls++

		return g.In(id, 1), true
	}

	n := Simplify(context.Background(), g, ideal)
	assert.NotZero(t, n)
	assert.NotZero(t, calls)

	require.NoError(t, ir.Verify(g))

	assert.Equal(t, x, g.ReturnValue(ret))
	assert.Equal(t, g.Start, g.Ctrl(ret))
	assert.Zero(t, g.Count(ir.OpIf))
	assert.Zero(t, g.Count(ir.OpRegion))
}

func TestCompare(t *testing.T) {
	assert.Equal(t, int64(-1), Compare(1, 2))
	assert.Equal(t, int64(0), Compare(2, 2))
	assert.Equal(t, int64(1), Compare(3, 2))

	assert.Equal(t, int64(1), B2I(true))
	assert.Equal(t, int64(0), B2I(false))
}

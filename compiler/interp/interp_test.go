package interp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tlog.app/go/errors"

	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/gc"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/tp"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()

	return NewRuntime(config.DefaultLayout())
}

func TestRuntimeQueue(t *testing.T) {
	rt := newRuntime(t)

	slots := int(rt.L.SATBBufferSize / config.WordSize)
	n := 2*slots + 3

	for i := 0; i < n; i++ {
		rt.Enqueue(int64(i + 1))
	}

	l := rt.Logged()
	require.Len(t, l, n)

	for i, v := range l {
		assert.Equal(t, int64(i+1), v)
	}

	idx := rt.Load(rt.L.TLSBase+rt.L.SATBIndexOffset, config.WordSize)
	assert.Equal(t, int64(rt.L.SATBBufferSize)-3*config.WordSize, idx)
}

func TestRuntimeLoadRef(t *testing.T) {
	rt := newRuntime(t)

	holder := rt.NewObject(2, 0b11)

	rt.NewRegion()
	obj := rt.NewObject(1, 0)
	rt.SetField(obj, 0, 42)

	rt.SetField(holder, 0, obj)

	rt.AddToCset(obj)
	assert.True(t, rt.InCset(obj))
	assert.False(t, rt.InCset(holder))

	addr := holder + config.FieldOffset(0)

	rt.SetPhase(config.Marking)
	assert.Equal(t, obj, rt.LoadRef(gc.StrengthStrong, obj, addr))

	rt.SetPhase(config.HasForwarded | config.Evacuation)

	r := rt.LoadRef(gc.StrengthStrong, obj, addr)
	assert.NotEqual(t, obj, r)
	assert.Equal(t, r, rt.Resolve(obj))
	assert.Equal(t, r, rt.Field(holder, 0), "healed")
	assert.Equal(t, int64(42), rt.Field(r, 0))
	assert.False(t, rt.InCset(r))

	assert.Equal(t, r, rt.LoadRef(gc.StrengthStrong, obj, 0))
}

func TestRuntimeWeak(t *testing.T) {
	rt := newRuntime(t)

	live := rt.NewObject(0, 0)
	dead := rt.NewObject(0, 0)

	rt.Mark(live)
	rt.SetPhase(config.Marking | config.WeakRoots)

	assert.Equal(t, live, rt.LoadRef(gc.StrengthWeak, live, 0))
	assert.Zero(t, rt.LoadRef(gc.StrengthWeak, dead, 0))
	assert.Zero(t, rt.LoadRef(gc.StrengthPhantom, dead, 0))
	assert.Equal(t, dead, rt.LoadRef(gc.StrengthStrong, dead, 0))
}

func TestRuntimeCloneFixup(t *testing.T) {
	rt := newRuntime(t)

	x := rt.NewObject(0, 0)
	src := rt.NewObject(2, 0b01)
	rt.SetField(src, 0, x)
	rt.SetField(src, 1, 7)

	rt.AddToCset(x)
	fx := rt.Evacuate(x)

	c := rt.CloneObject(src)
	assert.Equal(t, x, rt.Field(c, 0))

	rt.SetPhase(config.HasForwarded | config.Marking)
	rt.CloneFixup(c)

	assert.Equal(t, fx, rt.Field(c, 0))
	assert.Equal(t, int64(7), rt.Field(c, 1))
	assert.Equal(t, []int64{fx}, rt.Logged())
}

func TestMachineLoop(t *testing.T) {
	g := ir.New(t.Name())
	k := kit.New(g)
	s := g.NewSlice("f")

	obj := k.Parm(0, tp.Ref)
	n := k.Parm(1, tp.Int)

	addr := k.AddP(obj, obj, k.ConI(config.FieldOffset(0)))

	k.CountedLoop(n, kit.LoopOpts{StripMined: true, Chunk: 4}, func(i ir.ID) {
		x := k.Load(s, addr, tp.Int, 8, 0)
		k.Store(s, addr, k.Bin(ir.OpAddI, x, i), 8, 0)
	})

	k.Return(k.Load(s, addr, tp.Int, 8, 0))

	require.NoError(t, ir.Verify(g))

	rt := newRuntime(t)
	o := rt.NewObject(1, 0)

	var polls int

	m := New(g, rt)
	m.OnSafepoint = func(m *Machine) { polls++ }

	res, err := m.Run(context.Background(), o, 10)
	require.NoError(t, err)

	assert.Equal(t, int64(45), res.Result)
	assert.False(t, res.Threw)
	assert.Equal(t, 3, polls)

	res, err = m.Run(context.Background(), o, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(45), res.Result)
}

func TestMachineCatch(t *testing.T) {
	g := ir.New(t.Name())
	k := kit.New(g)

	obj := k.Parm(0, tp.Ref)
	flag := k.Parm(1, tp.Int)

	res, exc := k.CallCatch(EntryMayThrow, 0, tp.Ref, obj, flag)
	k.Return(k.ConI(1))

	k.Restore(exc)
	k.Halt(res)

	require.NoError(t, ir.Verify(g))

	rt := newRuntime(t)
	x := rt.NewObject(0, 0)

	m := New(g, rt)

	o, err := m.Run(context.Background(), x, 0)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Result: 1, Steps: o.Steps}, o)

	o, err = m.Run(context.Background(), x, 1)
	require.NoError(t, err)
	assert.True(t, o.Threw)
	assert.True(t, o.Ref)
	assert.Equal(t, x, o.Result)
}

func TestMachineFault(t *testing.T) {
	g := ir.New(t.Name())
	k := kit.New(g)

	p := k.Parm(0, tp.Raw)
	k.Return(k.Load(ir.SliceRaw, p, tp.Int, 8, 0))

	_, err := New(g, newRuntime(t)).Run(context.Background(), 8)

	var f Fault
	require.True(t, errors.As(err, &f), "%v", err)
	assert.Equal(t, int64(8), f.Addr)
}

func TestSnapshot(t *testing.T) {
	mk := func(evacuate bool) Snapshot {
		rt := newRuntime(t)

		a := rt.NewObject(2, 0b11)
		b := rt.NewObject(2, 0b01)

		rt.SetField(a, 0, b)
		rt.SetField(a, 1, a)
		rt.SetField(b, 1, 5)

		if evacuate {
			rt.AddToCset(b)
			rt.Evacuate(b)
		}

		rt.Enqueue(b)

		return TakeSnapshot(rt, Outcome{Result: b, Ref: true}, a)
	}

	s := mk(false)

	assert.Equal(t, [][]int64{{2, 1}, {0, 5}}, s.Objects)
	assert.Equal(t, int64(2), s.Result)
	assert.Equal(t, []int64{2}, s.Logged)

	assert.Equal(t, s, mk(true))
}

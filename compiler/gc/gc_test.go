package gc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/gc"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/tp"
)

type env struct {
	g *ir.Graph
	k *kit.Kit
	s ir.Slice
	p gc.Policy

	obj ir.ID
}

func newEnv(t *testing.T, opts string) *env {
	t.Helper()

	cfg := config.Default()
	require.NoError(t, cfg.ApplyOpts(opts))

	g := ir.New(t.Name())
	k := kit.New(g)

	return &env{
		g:   g,
		k:   k,
		s:   g.NewSlice("field"),
		p:   gc.New(cfg, nil),
		obj: k.Parm(0, tp.Ref),
	}
}

func (e *env) field(i int, d gc.Decorators) gc.Access {
	return gc.Field(e.k, e.obj, i, e.s, tp.Ref, d)
}

func (e *env) finish(t *testing.T, v ir.ID) {
	t.Helper()

	e.k.Return(v)

	require.NoError(t, ir.Verify(e.g))
	require.NoError(t, gc.CheckCompleteness(e.g, e.p))
}

func TestDecorators(t *testing.T) {
	d := gc.Decorators(0).Normalize()

	assert.True(t, d.Has(gc.Strong|gc.InHeap|gc.MOUnordered))
	assert.Equal(t, gc.StrengthStrong, d.Strength())
	assert.Equal(t, "strong|in_heap|unordered", d.String())

	d = (gc.Phantom | gc.InNative).Normalize()

	assert.False(t, d.Has(gc.InHeap))
	assert.Equal(t, gc.StrengthPhantom, d.Strength())
	assert.Equal(t, "phantom", d.Strength().String())
}

func TestConcurrentStore(t *testing.T) {
	e := newEnv(t, "")

	a := e.field(0, 0)
	e.p.Store(e.k, a, e.k.Parm(1, tp.Ref))

	e.finish(t, ir.Nil)

	satb := e.g.Find(ir.OpSATBPreBarrier)
	require.Len(t, satb, 1)

	n := e.g.Node(satb[0])
	assert.Equal(t, a.Addr, n.In[ir.InSATBAddr])
	assert.Equal(t, ir.OpLoad, e.g.Op(n.In[ir.InSATBPrev]))
	assert.Equal(t, ir.SliceRaw, n.Slice)

	assert.Equal(t, []ir.ID{satb[0]}, e.p.Barriers())
	assert.Equal(t, 1, e.p.Stats().Inserted)
}

func TestConcurrentLoad(t *testing.T) {
	e := newEnv(t, "")

	a := e.field(1, 0)
	v := e.p.Load(e.k, a)

	e.finish(t, v)

	n := e.g.Node(v)
	require.Equal(t, ir.OpLoadRefBarrier, n.Op)
	assert.Equal(t, int64(gc.StrengthStrong), n.Aux)
	assert.Equal(t, a.Addr, n.In[ir.InBarrierAddr])
	assert.Equal(t, ir.OpLoad, e.g.Op(n.In[ir.InBarrierValue]))

	assert.Zero(t, e.g.Count(ir.OpSATBPreBarrier))
}

func TestConcurrentWeakLoadKeepAlive(t *testing.T) {
	e := newEnv(t, "")

	v := e.p.Load(e.k, e.field(0, gc.Weak))
	w := e.p.Load(e.k, e.field(1, gc.Phantom|gc.NoKeepAlive))

	e.finish(t, ir.Nil)

	assert.Equal(t, int64(gc.StrengthWeak), e.g.Node(v).Aux)
	assert.Equal(t, int64(gc.StrengthPhantom), e.g.Node(w).Aux)

	satb := e.g.Find(ir.OpSATBPreBarrier)
	require.Len(t, satb, 1)
	assert.Equal(t, v, e.g.In(satb[0], ir.InSATBPrev))
}

func TestConcurrentPrimitiveAndNative(t *testing.T) {
	e := newEnv(t, "")

	e.p.Store(e.k, gc.Field(e.k, e.obj, 0, e.s, tp.Int, 0), e.k.ConI(5))
	e.p.Load(e.k, e.field(1, gc.InNative))

	e.finish(t, ir.Nil)

	assert.Empty(t, e.p.Barriers())
}

func TestConcurrentAtomics(t *testing.T) {
	e := newEnv(t, "")

	val := e.k.Parm(1, tp.Ref)

	e.p.CompareAndSwap(e.k, e.field(0, 0), e.k.Parm(2, tp.Ref), val)
	w := e.p.CompareAndExchange(e.k, e.field(1, 0), e.k.Parm(2, tp.Ref), val)
	old := e.p.Swap(e.k, e.field(2, 0), val)

	e.finish(t, ir.Nil)

	assert.Equal(t, 3, e.g.Count(ir.OpSATBPreBarrier))
	assert.Equal(t, 2, e.g.Count(ir.OpLoadRefBarrier))

	assert.Equal(t, ir.OpLoadRefBarrier, e.g.Op(w))
	assert.Equal(t, ir.OpGetAndSet, e.g.Op(e.g.In(old, ir.InBarrierValue)))

	heal := e.g.In(old, ir.InBarrierAddr)
	assert.Equal(t, e.g.In(e.g.In(old, ir.InBarrierValue), ir.InAddr), heal)

	// the swapped out value is logged as the barrier resolved it
	var logged bool

	for _, b := range e.g.Find(ir.OpSATBPreBarrier) {
		if e.g.In(b, ir.InSATBPrev) == old {
			logged = true
		}
	}

	assert.True(t, logged)
}

func TestConcurrentNotNullStore(t *testing.T) {
	e := newEnv(t, "")

	e.p.Store(e.k, e.field(0, gc.NotNull), e.k.Parm(1, tp.Ref))
	v := e.p.Load(e.k, e.field(1, gc.Weak|gc.NotNull))

	e.finish(t, v)

	satb := e.g.Find(ir.OpSATBPreBarrier)
	require.Len(t, satb, 2)

	for _, b := range satb {
		assert.False(t, gc.Decorators(e.g.Node(b).Desc).Has(gc.NotNull), "%v", b)
	}

	assert.True(t, gc.Decorators(e.g.Node(v).Desc).Has(gc.NotNull))
}

func TestConcurrentTightlyCoupledAlloc(t *testing.T) {
	e := newEnv(t, "")

	obj := e.k.Allocate(2, 0b11)
	e.p.Store(e.k, gc.Field(e.k, obj, 0, e.s, tp.Ref, gc.TightlyCoupledAlloc), e.obj)

	e.finish(t, obj)

	assert.Zero(t, e.g.Count(ir.OpSATBPreBarrier))
	assert.Zero(t, e.g.Count(ir.OpLoad))
	assert.Empty(t, e.p.Barriers())
}

func TestIUMode(t *testing.T) {
	e := newEnv(t, "mode=iu")

	e.p.Store(e.k, e.field(0, 0), e.k.Parm(1, tp.Ref))

	e.finish(t, ir.Nil)

	assert.Zero(t, e.g.Count(ir.OpSATBPreBarrier))
	assert.Equal(t, 1, e.g.Count(ir.OpIUBarrier))
}

func TestGenerationalCardMark(t *testing.T) {
	e := newEnv(t, "generational")

	e.p.Store(e.k, e.field(0, gc.IsArray), e.k.Parm(1, tp.Ref))

	e.finish(t, ir.Nil)

	assert.Equal(t, 1, internalStores(e.g))
}

func TestCardTable(t *testing.T) {
	e := newEnv(t, "collector=card")
	require.Equal(t, config.CollectorCard, e.p.Name())

	e.p.Store(e.k, e.field(0, 0), e.k.Parm(1, tp.Ref))
	e.p.Store(e.k, e.field(1, 0), e.k.Null())
	e.p.Store(e.k, e.field(2, gc.TightlyCoupledAlloc), e.k.Parm(1, tp.Ref))

	e.finish(t, ir.Nil)

	assert.Equal(t, 1, internalStores(e.g))
	assert.Empty(t, e.p.Barriers())
	assert.Equal(t, 1, e.p.Stats().Inserted)
}

func TestCardTableConditional(t *testing.T) {
	e := newEnv(t, "collector=card conditional_card_mark=true")

	e.p.Store(e.k, e.field(0, 0), e.k.Parm(1, tp.Ref))

	e.finish(t, ir.Nil)

	assert.Equal(t, 1, internalStores(e.g))
	assert.Equal(t, 1, e.g.Count(ir.OpIf))
	assert.Equal(t, 1, e.g.Count(ir.OpRegion))
}

func TestCheckCompletenessMissing(t *testing.T) {
	e := newEnv(t, "")

	gc.NoBarrier{}.Store(e.k, e.field(0, 0), e.k.Parm(1, tp.Ref))
	v := gc.NoBarrier{}.Load(e.k, e.field(1, 0))
	e.k.Return(v)

	err := gc.CheckCompleteness(e.g, e.p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 missing barriers")
}

func TestIdeal(t *testing.T) {
	e := newEnv(t, "")

	e.p.Store(e.k, e.field(0, 0), e.k.Null())

	obj := e.k.Allocate(2, 0b11)
	e.p.Store(e.k, gc.Field(e.k, obj, 0, e.s, tp.Ref, gc.TightlyCoupledAlloc), e.obj)

	fresh := e.p.Load(e.k, gc.Field(e.k, obj, 0, e.s, tp.Ref, 0))
	cast := e.k.Cast(ir.OpCheckCastPP, obj)
	old := e.p.CompareAndExchange(e.k, e.field(1, 0), e.k.Null(), cast)

	e.finish(t, old)

	g := e.g

	// the barrier of a load is kept, the one of a loaded value of a fresh object too
	r, ok := e.p.Ideal(g, fresh)
	assert.False(t, ok)
	assert.Equal(t, fresh, r)

	// null prev of the compare-and-exchange
	var elim int

	for _, b := range e.p.Barriers() {
		r, ok := e.p.Ideal(g, b)
		if !ok || r == b {
			continue
		}

		require.Equal(t, ir.OpSATBPreBarrier, g.Op(b))
		assert.Equal(t, g.In(b, ir.InMem), r)

		elim++
	}

	assert.Equal(t, 1, elim)
	assert.Equal(t, 1, e.p.Stats().Eliminated)

	// lrb of lrb
	lrb := g.Add(ir.Node{Op: ir.OpLoadRefBarrier, In: []ir.ID{ir.Nil, fresh, ir.Nil}, Type: tp.Ref})
	r, ok = gc.Ideal(g, lrb)
	assert.True(t, ok)
	assert.Equal(t, fresh, r)

	// lrb of a cast of an allocation
	lrb = g.Add(ir.Node{Op: ir.OpLoadRefBarrier, In: []ir.ID{ir.Nil, cast, ir.Nil}, Type: tp.Ref})
	r, ok = gc.Ideal(g, lrb)
	assert.True(t, ok)
	assert.Equal(t, cast, r)

	// weak over strong stays
	lrb = g.Add(ir.Node{Op: ir.OpLoadRefBarrier, In: []ir.ID{ir.Nil, fresh, ir.Nil}, Aux: int64(gc.StrengthWeak), Type: tp.Ref})
	_, ok = gc.Ideal(g, lrb)
	assert.False(t, ok)
}

func TestIdealCmpNull(t *testing.T) {
	e := newEnv(t, "")

	v := e.p.Load(e.k, e.field(0, 0))
	c := e.k.Cast(ir.OpCheckCastPP, v)
	cmp := e.k.Bin(ir.OpCmpP, c, e.k.Null())

	e.finish(t, e.k.Bool(ir.CondEQ, cmp))

	r, ok := gc.Ideal(e.g, cmp)
	require.True(t, ok)
	assert.Equal(t, cmp, r)
	assert.Equal(t, ir.OpLoad, e.g.Op(e.g.In(cmp, 1)))

	r, ok = gc.Ideal(e.g, cmp)
	assert.False(t, ok)
	assert.Equal(t, cmp, r)
}

func TestIdealCmpNullWeak(t *testing.T) {
	e := newEnv(t, "")

	v := e.p.Load(e.k, e.field(0, gc.Weak|gc.NoKeepAlive))
	c := e.k.Cast(ir.OpCheckCastPP, v)
	cmp := e.k.Bin(ir.OpCmpP, e.k.Null(), c)

	e.finish(t, e.k.Bool(ir.CondEQ, cmp))

	r, ok := gc.Ideal(e.g, cmp)
	require.True(t, ok, "cast stripped")
	assert.Equal(t, cmp, r)
	assert.Equal(t, v, e.g.In(cmp, 2), "a weak barrier may clear the value")

	_, ok = gc.Ideal(e.g, cmp)
	assert.False(t, ok)
}

func TestIdealToSpaceValues(t *testing.T) {
	e := newEnv(t, "")
	g, k := e.g, e.k

	res := k.Call(config.UserEntry, 0, tp.Ref, e.obj)
	weak := e.p.Load(k, e.field(0, gc.Weak|gc.NoKeepAlive))
	strong := e.p.Load(k, e.field(1, 0))
	cast := k.Cast(ir.OpCastPP, res)

	e.finish(t, ir.Nil)

	lrb := func(v ir.ID, st gc.Strength) ir.ID {
		return g.Add(ir.Node{Op: ir.OpLoadRefBarrier, In: []ir.ID{ir.Nil, v, ir.Nil}, Aux: int64(st), Type: tp.Ref})
	}

	for _, tc := range []struct {
		v    ir.ID
		st   gc.Strength
		elim bool
	}{
		{e.obj, gc.StrengthStrong, true},
		{e.obj, gc.StrengthWeak, true},
		{res, gc.StrengthStrong, true},
		{cast, gc.StrengthPhantom, true},
		{weak, gc.StrengthStrong, true},
		{weak, gc.StrengthPhantom, true},
		{strong, gc.StrengthWeak, false},
		{g.In(strong, ir.InBarrierValue), gc.StrengthStrong, false},
	} {
		b := lrb(tc.v, tc.st)

		r, ok := gc.Ideal(g, b)
		assert.Equal(t, tc.elim, ok, "%v %v", g.Op(tc.v), tc.st)

		if tc.elim {
			assert.Equal(t, tc.v, r)
		}
	}

	// stored arguments are still logged
	iu := g.Add(ir.Node{Op: ir.OpIUBarrier, In: []ir.ID{ir.Nil, e.obj}, Type: tp.Ref})
	_, ok := gc.Ideal(g, iu)
	assert.False(t, ok)

	iu2 := g.Add(ir.Node{Op: ir.OpIUBarrier, In: []ir.ID{ir.Nil, iu}, Type: tp.Ref})
	r, ok := gc.Ideal(g, iu2)
	assert.True(t, ok)
	assert.Equal(t, iu, r)
}

func TestFindHealAddr(t *testing.T) {
	e := newEnv(t, "")
	g, k := e.g, e.k

	a := e.field(0, 0)
	x := gc.NoBarrier{}.Load(k, a)
	y := gc.NoBarrier{}.Load(k, a)
	z := gc.NoBarrier{}.Load(k, e.field(1, 0))

	tb, fb := k.If(k.Test(ir.CondEQ, e.obj, k.Null()))
	r := g.Add(ir.Node{Op: ir.OpRegion, In: []ir.ID{ir.Nil, tb, fb}, Type: tp.Ctrl})

	same := k.Phi(r, tp.Ref, x, k.Cast(ir.OpCastPP, y))
	diff := k.Phi(r, tp.Ref, x, z)

	assert.Equal(t, gc.HealAddr{Found: true, Addr: a.Addr}, gc.FindHealAddr(g, same))
	assert.Equal(t, gc.HealAddr{}, gc.FindHealAddr(g, diff))
	assert.Equal(t, gc.HealAddr{}, gc.FindHealAddr(g, e.obj))
}

func TestCloneBarrier(t *testing.T) {
	e := newEnv(t, "")

	c := e.p.Clone(e.k, e.obj, true)
	p := e.p.Clone(e.k, e.k.Allocate(1, 0), false)

	e.finish(t, c)

	assert.True(t, gc.IsBarrier(e.g, c))
	assert.False(t, gc.IsBarrier(e.g, p))
	assert.Equal(t, int64(config.HasForwarded|config.Marking), e.g.Node(c).Aux)
	assert.Equal(t, []ir.ID{c}, e.p.Barriers())
}

func internalStores(g *ir.Graph) (n int) {
	for _, id := range g.Find(ir.OpStore) {
		if gc.Decorators(g.Node(id).Desc)&gc.BarrierInternal != 0 && g.Node(id).Slice == ir.SliceRaw {
			n++
		}
	}

	return n
}

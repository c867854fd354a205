package expand_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/expand"
	"github.com/slowlang/gcbar/compiler/gc"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/tp"
)

type env struct {
	cfg *config.Config
	g   *ir.Graph
	k   *kit.Kit
	s   ir.Slice
	p   gc.Policy

	obj ir.ID
}

func newEnv(t *testing.T, opts string) *env {
	t.Helper()

	cfg := config.Default()
	require.NoError(t, cfg.ApplyOpts(opts))

	g := ir.New(t.Name())
	k := kit.New(g)

	return &env{
		cfg: cfg,
		g:   g,
		k:   k,
		s:   g.NewSlice("field"),
		p:   gc.New(cfg, expand.New(cfg)),
		obj: k.Parm(0, tp.Ref),
	}
}

func (e *env) field(obj ir.ID, i int, t tp.Type, d gc.Decorators) gc.Access {
	return gc.Field(e.k, obj, i, e.s, t, d)
}

func (e *env) expand(t *testing.T) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, ir.Verify(e.g))
	require.NoError(t, e.p.ExpandBarriers(ctx, e.g))
	require.NoError(t, ir.VerifyExpanded(e.g))
}

func (e *env) cleanup(t *testing.T) {
	t.Helper()

	require.NoError(t, e.p.OptimizeAfterExpansion(context.Background(), e.g))
	require.NoError(t, ir.VerifyExpanded(e.g))
}

func calls(g *ir.Graph, entry int64) (n int) {
	for _, c := range g.Find(ir.OpCall) {
		if g.Node(c).Aux == entry {
			n++
		}
	}

	return n
}

func TestExpandLoadRef(t *testing.T) {
	e := newEnv(t, "")

	v := e.p.Load(e.k, e.field(e.obj, 0, tp.Ref, 0))
	e.k.Return(v)

	e.expand(t)

	assert.Zero(t, e.g.Count(ir.OpLoadRefBarrier))
	assert.Equal(t, 1, calls(e.g, config.LoadRefStrong))
	assert.Equal(t, 3, e.g.Count(ir.OpIf)) // gc state, null, cset
	assert.Equal(t, 1, e.p.Stats().Expanded)

	ret := e.g.Find(ir.OpReturn)
	require.Len(t, ret, 1)

	phi := e.g.ReturnValue(ret[0])
	assert.Equal(t, ir.OpPhi, e.g.Op(phi))
	assert.Len(t, e.g.Node(phi).In, 5)

	e.cleanup(t)
}

func TestExpandLoadRefNotNullWeak(t *testing.T) {
	e := newEnv(t, "")

	v := e.p.Load(e.k, e.field(e.obj, 0, tp.Ref, gc.Weak|gc.NotNull|gc.NoKeepAlive))
	e.k.Return(v)

	e.expand(t)

	assert.Equal(t, 1, calls(e.g, config.LoadRefWeak))
	assert.Equal(t, 1, e.g.Count(ir.OpIf), "weak loads skip the cset test, not null skips the null test")
}

func TestExpandSATB(t *testing.T) {
	e := newEnv(t, "")

	a := e.field(e.obj, 0, tp.Ref, 0)
	e.p.Store(e.k, a, e.k.Parm(1, tp.Ref))
	e.k.Return(ir.Nil)

	e.expand(t)

	assert.Zero(t, e.g.Count(ir.OpSATBPreBarrier))
	assert.Equal(t, 1, calls(e.g, config.WriteQueueFlush))
	assert.Equal(t, 3, e.g.Count(ir.OpIf)) // marking, null, queue full

	var user, internal int

	for _, st := range e.g.Find(ir.OpStore) {
		if gc.Decorators(e.g.Node(st).Desc).Has(gc.BarrierInternal) {
			internal++
		} else {
			user++
		}
	}

	assert.Equal(t, 1, user)
	assert.Equal(t, 2, internal) // index and buffer slot

	e.cleanup(t)
}

func TestExpandIU(t *testing.T) {
	e := newEnv(t, "mode=iu")

	val := e.k.Parm(1, tp.Ref)

	a := e.field(e.obj, 0, tp.Ref, 0)
	e.p.Store(e.k, a, val)
	e.k.Return(ir.Nil)

	e.expand(t)

	assert.Zero(t, e.g.Count(ir.OpIUBarrier))
	assert.Equal(t, 1, calls(e.g, config.WriteQueueFlush))
	assert.Equal(t, 3, e.g.Count(ir.OpIf)) // marking, null, queue full

	var user, logged int

	for _, st := range e.g.Find(ir.OpStore) {
		n := e.g.Node(st)

		switch {
		case n.In[ir.InValue] != val:
		case gc.Decorators(n.Desc).Has(gc.BarrierInternal):
			logged++
		default:
			user++
		}
	}

	assert.Equal(t, 1, user, "stored value passes through")
	assert.Equal(t, 1, logged, "stored value appended to the queue")

	e.cleanup(t)
}

func TestExpandClone(t *testing.T) {
	e := newEnv(t, "")

	c := e.p.Clone(e.k, e.obj, true)
	e.k.Return(c)

	e.expand(t)

	assert.Equal(t, 1, calls(e.g, config.CloneFixup))
	assert.Zero(t, e.g.Node(c).Flags&ir.FlagCloneBarrier)

	e.cleanup(t)
}

func TestExpandStripMined(t *testing.T) {
	e := newEnv(t, "unswitch=false")

	n := e.k.Parm(1, tp.Int)

	e.k.CountedLoop(n, kit.LoopOpts{StripMined: true, Chunk: 16}, func(i ir.ID) {
		v := e.p.Load(e.k, e.field(e.obj, 0, tp.Ref, 0))
		x := e.p.Load(e.k, e.field(v, 1, tp.Int, 0))
		e.p.Store(e.k, e.field(e.obj, 2, tp.Int, 0), x)
	})

	e.k.Return(ir.Nil)

	require.Equal(t, 1, e.g.Count(ir.OpOuterStripMinedLoop))

	e.expand(t)

	assert.Zero(t, e.g.Count(ir.OpOuterStripMinedLoop))

	for _, h := range e.g.Find(ir.OpCountedLoop) {
		assert.Zero(t, e.g.Node(h).Flags&ir.FlagStripMined)
	}

	e.cleanup(t)
}

func TestMergeTests(t *testing.T) {
	e := newEnv(t, "unswitch=false")

	v := e.p.Load(e.k, e.field(e.obj, 0, tp.Ref, 0))
	w := e.p.Load(e.k, e.field(v, 1, tp.Ref, 0))
	e.k.Return(w)

	e.expand(t)

	assert.Equal(t, 2, calls(e.g, config.LoadRefStrong))
	assert.Equal(t, 1, expand.DuplicateTests(e.g))

	e.cleanup(t)

	assert.Zero(t, expand.DuplicateTests(e.g))
	assert.Equal(t, 2, calls(e.g, config.LoadRefStrong))
}

func TestMergeTestsStopAtSafePoint(t *testing.T) {
	e := newEnv(t, "unswitch=false")

	v := e.p.Load(e.k, e.field(e.obj, 0, tp.Ref, 0))
	e.k.SafePoint()
	w := e.p.Load(e.k, e.field(v, 1, tp.Ref, 0))
	e.k.Return(w)

	e.expand(t)

	assert.Zero(t, expand.DuplicateTests(e.g))

	e.cleanup(t)

	assert.Equal(t, 6, e.g.Count(ir.OpIf))
	assert.Equal(t, 2, calls(e.g, config.LoadRefStrong))
}

func TestUnswitch(t *testing.T) {
	e := newEnv(t, "")

	n := e.k.Parm(1, tp.Int)

	e.k.CountedLoop(n, kit.LoopOpts{}, func(i ir.ID) {
		v := e.p.Load(e.k, e.field(e.obj, 0, tp.Ref, 0))
		x := e.p.Load(e.k, e.field(v, 1, tp.Int, 0))
		e.p.Store(e.k, e.field(e.obj, 2, tp.Int, 0), x)
	})

	e.k.Return(ir.Nil)

	e.expand(t)

	require.Equal(t, 1, e.g.Count(ir.OpCountedLoop))

	e.cleanup(t)

	assert.Equal(t, 2, e.g.Count(ir.OpCountedLoop))
	assert.Equal(t, 1, calls(e.g, config.LoadRefStrong))
	assert.Zero(t, expand.DuplicateTests(e.g))
}

func TestUnswitchSkipsSafePointLoops(t *testing.T) {
	e := newEnv(t, "")

	n := e.k.Parm(1, tp.Int)

	e.k.CountedLoop(n, kit.LoopOpts{SafePoint: true}, func(i ir.ID) {
		v := e.p.Load(e.k, e.field(e.obj, 0, tp.Ref, 0))
		e.p.Store(e.k, e.field(e.obj, 2, tp.Int, 0), e.p.Load(e.k, e.field(v, 1, tp.Int, 0)))
	})

	e.k.Return(ir.Nil)

	e.expand(t)
	e.cleanup(t)

	assert.Equal(t, 1, e.g.Count(ir.OpCountedLoop))
	assert.Equal(t, 1, calls(e.g, config.LoadRefStrong))
}

func TestExpandExceptionEdge(t *testing.T) {
	e := newEnv(t, "")
	g, k := e.g, e.k

	res, exc := k.CallCatch(config.UserEntry, 0, tp.Ref, e.obj)

	b := g.Add(ir.Node{Op: ir.OpLoadRefBarrier, In: []ir.ID{ir.Nil, res, ir.Nil}, Type: tp.Ref})

	k.Return(b)

	k.Restore(exc)
	k.Halt(b)

	ctx := context.Background()

	require.NoError(t, ir.Verify(g))

	n, err := expand.New(e.cfg).Expand(ctx, g, []ir.ID{b})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, ir.VerifyExpanded(g))

	assert.False(t, g.Live(b))
	assert.Equal(t, 2, calls(g, config.LoadRefStrong))

	for _, x := range append(g.Find(ir.OpReturn), g.Find(ir.OpHalt)...) {
		v := g.In(x, len(g.Node(x).In)-1)
		assert.Equal(t, ir.OpPhi, g.Op(v), "%v", g.Op(x))
	}
}

func TestExpandRethrowHoist(t *testing.T) {
	e := newEnv(t, "")
	g, k := e.g, e.k

	v := e.p.Load(k, e.field(e.obj, 0, tp.Ref, 0))
	lrb := g.Find(ir.OpLoadRefBarrier)
	require.Len(t, lrb, 1)

	_, exc := k.CallCatch(config.UserEntry, ir.FlagRethrow, tp.None)

	call := g.Find(ir.OpCall)
	require.Len(t, call, 1)

	g.SetIn(lrb[0], ir.InCtrl, g.ProjOf(call[0], ir.ProjControl, 0))

	k.Return(v)

	k.Restore(exc)
	k.Halt(v)

	ctx := context.Background()

	require.NoError(t, ir.Verify(g))

	n, err := expand.New(e.cfg).Expand(ctx, g, lrb)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, ir.VerifyExpanded(g))

	d := ir.ComputeDom(g)
	assert.True(t, d.Dominates(g.Ctrl(g.ReturnValue(g.Find(ir.OpReturn)[0])), call[0]))
}

func TestExpandRethrowBailout(t *testing.T) {
	e := newEnv(t, "")
	g, k := e.g, e.k

	res, exc := k.CallCatch(config.UserEntry, ir.FlagRethrow, tp.Ref)

	b := g.Add(ir.Node{Op: ir.OpLoadRefBarrier, In: []ir.ID{ir.Nil, res, ir.Nil}, Type: tp.Ref})

	k.Return(b)

	k.Restore(exc)
	k.Halt(res)

	_, err := expand.New(e.cfg).Expand(context.Background(), g, []ir.ID{b})
	assert.ErrorIs(t, err, expand.ErrBailout)
}

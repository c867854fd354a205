package scenario

import (
	"github.com/slowlang/gcbar/compiler/gc"
	"github.com/slowlang/gcbar/compiler/interp"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/tp"
)

func loopStore(b *Builder) {
	k := b.K

	obj := k.Parm(0, tp.Ref)
	n := k.Parm(1, tp.Int)

	k.CountedLoop(n, kit.LoopOpts{}, func(i ir.ID) {
		v := b.Load(obj, 1, 0)
		b.Store(obj, 0, v, 0)
	})

	k.Return(ir.Nil)
}

func nullCompare(b *Builder) {
	compareNull(b, 0)
}

func weakNullCompare(b *Builder) {
	compareNull(b, gc.Weak)
}

func compareNull(b *Builder, d gc.Decorators) {
	k := b.K

	obj := k.Parm(0, tp.Ref)

	v := b.Load(obj, 0, d)
	c := k.Cast(ir.OpCheckCastPP, v)

	t, f := k.If(k.Test(ir.CondEQ, c, k.Null()))

	k.SetCtrl(t)
	isNull := k.Save()

	k.SetCtrl(f)
	notNull := k.Save()

	r := k.Merge(isNull, notNull)

	k.Return(k.Phi(r, tp.Int, k.ConI(1), k.ConI(0)))
}

func atomics(b *Builder) {
	k, p := b.K, b.P

	obj := k.Parm(0, tp.Ref)
	x := k.Parm(1, tp.Ref)

	exp := b.Load(obj, 0, 0)
	ok := p.CompareAndSwap(k, b.Field(obj, 0, 0), exp, x)

	old := p.CompareAndExchange(k, b.Field(obj, 1, 0), x, obj)
	prev := p.Swap(k, b.Field(obj, 0, 0), old)

	p.FetchAdd(k, b.Field(obj, 2, 0), ok)
	b.Store(x, 1, prev, 0)

	k.Return(prev)
}

func cloneObject(b *Builder) {
	k := b.K

	obj := k.Parm(0, tp.Ref)

	c := b.P.Clone(k, obj, true)
	v := b.Load(c, 0, 0)

	b.Store(obj, 1, c, 0)

	k.Return(v)
}

func exceptionEdge(b *Builder) {
	k := b.K

	obj := k.Parm(0, tp.Ref)
	flag := k.Parm(1, tp.Int)

	v := b.Load(obj, 0, 0)

	_, exc := k.CallCatch(interp.EntryMayThrow, 0, tp.Ref, obj, flag)
	b.sink(v)

	k.Return(v)

	k.Restore(exc)
	k.Halt(v)
}

func rethrow(b *Builder) {
	k := b.K

	obj := k.Parm(0, tp.Ref)

	v := b.Load(obj, 0, 0)

	_, exc := k.CallCatch(interp.EntryIdentity, ir.FlagRethrow, tp.None, obj)
	b.sink(v)

	k.Return(v)

	k.Restore(exc)
	k.Halt(v)
}

func stripMined(b *Builder) {
	k := b.K

	obj := k.Parm(0, tp.Ref)
	n := k.Parm(1, tp.Int)

	k.CountedLoop(n, kit.LoopOpts{StripMined: true, Chunk: 16}, func(i ir.ID) {
		v := b.Load(obj, 0, 0)
		x := b.Load(v, 2, 0)
		sum := b.Load(obj, 3, 0)

		b.Store(obj, 3, k.Bin(ir.OpAddI, sum, x), 0)
		b.Store(obj, 1, v, 0)
	})

	k.Return(b.Load(obj, 3, 0))
}

func loadChain(b *Builder) {
	k := b.K

	obj := k.Parm(0, tp.Ref)

	x := b.Load(obj, 0, 0)
	y := b.Load(x, 0, 0)
	z := b.Load(y, 1, gc.NotNull)

	w := b.Load(x, 1, gc.Weak)
	b.Store(z, 1, w, 0)

	k.Return(z)
}

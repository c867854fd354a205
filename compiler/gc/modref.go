package gc

import (
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
)

type (
	// Hooks are the collector specific parts of a mod-ref policy.
	// Either may emit nothing.
	Hooks interface {
		// PreBarrier runs before a reference is overwritten.
		// If prev is Nil and doLoad is set it loads the old value itself.
		PreBarrier(k *kit.Kit, doLoad bool, a Access, prev ir.ID)

		// PostBarrier runs after val is written.
		// precise asks for the exact slot rather than the object base.
		PostBarrier(k *kit.Kit, a Access, val ir.ID, precise bool)
	}

	// ModRef implements reference writes in terms of Hooks.
	// Reads are plain.
	ModRef struct {
		NoBarrier

		Hooks Hooks
	}
)

func (p *ModRef) Store(k *kit.Kit, a Access, val ir.ID) {
	if !a.IsRef() {
		p.NoBarrier.Store(k, a, val)
		return
	}

	p.Hooks.PreBarrier(k, true, a, ir.Nil)
	p.NoBarrier.Store(k, a, val)
	p.Hooks.PostBarrier(k, a, val, a.Deco&IsArray != 0)
}

func (p *ModRef) CompareAndSwap(k *kit.Kit, a Access, expected, val ir.ID) ir.ID {
	if !a.IsRef() {
		return p.NoBarrier.CompareAndSwap(k, a, expected, val)
	}

	p.Hooks.PreBarrier(k, false, a, expected)
	res := p.NoBarrier.CompareAndSwap(k, a, expected, val)
	p.Hooks.PostBarrier(k, a, val, a.Deco&IsArray != 0)

	return res
}

func (p *ModRef) CompareAndExchange(k *kit.Kit, a Access, expected, val ir.ID) ir.ID {
	if !a.IsRef() {
		return p.NoBarrier.CompareAndExchange(k, a, expected, val)
	}

	p.Hooks.PreBarrier(k, false, a, expected)
	res := p.NoBarrier.CompareAndExchange(k, a, expected, val)
	p.Hooks.PostBarrier(k, a, val, a.Deco&IsArray != 0)

	return res
}

func (p *ModRef) Swap(k *kit.Kit, a Access, val ir.ID) ir.ID {
	if !a.IsRef() {
		return p.NoBarrier.Swap(k, a, val)
	}

	res := p.NoBarrier.Swap(k, a, val)
	p.Hooks.PreBarrier(k, false, a, res)
	p.Hooks.PostBarrier(k, a, val, a.Deco&IsArray != 0)

	return res
}

// Clone copies the object and marks the whole copy when it holds references.
func (p *ModRef) Clone(k *kit.Kit, src ir.ID, refs bool) ir.ID {
	dst := p.NoBarrier.Clone(k, src, refs)

	if refs {
		p.Hooks.PostBarrier(k, Access{Base: dst, Addr: dst, Slice: ir.SliceRaw, Deco: InHeap}, ir.Nil, false)
	}

	return dst
}

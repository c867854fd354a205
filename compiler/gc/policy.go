package gc

import (
	"context"

	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/tp"
)

type (
	// Access describes one memory access: the object, the address within it,
	// the alias class, the value type and the access decorators.
	Access struct {
		Base  ir.ID
		Addr  ir.ID
		Slice ir.Slice
		Type  tp.Type
		Deco  Decorators
	}

	// Policy lowers memory accesses for one collector.
	// One Policy value serves one compilation unit.
	Policy interface {
		Name() string

		Load(k *kit.Kit, a Access) ir.ID
		Store(k *kit.Kit, a Access, val ir.ID)
		CompareAndSwap(k *kit.Kit, a Access, expected, val ir.ID) ir.ID
		CompareAndExchange(k *kit.Kit, a Access, expected, val ir.ID) ir.ID
		Swap(k *kit.Kit, a Access, val ir.ID) ir.ID
		FetchAdd(k *kit.Kit, a Access, delta ir.ID) ir.ID
		Clone(k *kit.Kit, src ir.ID, refs bool) ir.ID

		IsBarrier(g *ir.Graph, id ir.ID) bool
		StepOver(g *ir.Graph, id ir.ID) ir.ID
		Ideal(g *ir.Graph, id ir.ID) (ir.ID, bool)

		Barriers() []ir.ID

		ExpandBarriers(ctx context.Context, g *ir.Graph) error
		OptimizeAfterExpansion(ctx context.Context, g *ir.Graph) error

		Stats() Stats
	}

	// Expander lowers abstract barriers into control flow.
	Expander interface {
		Expand(ctx context.Context, g *ir.Graph, barriers []ir.ID) (int, error)
		Cleanup(ctx context.Context, g *ir.Graph) error
	}

	Stats struct {
		Inserted   int `tlog:"inserted"`
		Eliminated int `tlog:"eliminated"`
		Expanded   int `tlog:"expanded"`
	}

	// NoBarrier emits plain accesses. Every policy uses it for off-heap
	// and primitive accesses.
	NoBarrier struct{}
)

// Field describes an access to field i of obj.
func Field(k *kit.Kit, obj ir.ID, i int, s ir.Slice, t tp.Type, d Decorators) Access {
	return Access{
		Base:  obj,
		Addr:  k.AddP(obj, obj, k.ConI(config.FieldOffset(i))),
		Slice: s,
		Type:  t,
		Deco:  (d | IsField).Normalize(),
	}
}

// Element describes an access to the element i of the array arr.
func Element(k *kit.Kit, arr ir.ID, i int, s ir.Slice, t tp.Type, d Decorators) Access {
	a := Field(k, arr, i, s, t, d|IsArray)
	a.Deco &^= IsField

	return a
}

// IsRef reports whether the access moves heap references and so needs barriers.
func (a Access) IsRef() bool {
	return a.Type == tp.Ref && a.Deco&InHeap != 0 && a.Deco&BarrierInternal == 0
}

func (NoBarrier) Name() string { return config.CollectorNone }

func (NoBarrier) Load(k *kit.Kit, a Access) ir.ID {
	return k.Load(a.Slice, a.Addr, a.Type, a.Type.Size(), uint32(a.Deco))
}

func (NoBarrier) Store(k *kit.Kit, a Access, val ir.ID) {
	k.Store(a.Slice, a.Addr, val, a.Type.Size(), uint32(a.Deco))
}

func (NoBarrier) CompareAndSwap(k *kit.Kit, a Access, expected, val ir.ID) ir.ID {
	return k.LoadStore(ir.OpCompareAndSwap, a.Slice, a.Addr, val, expected, a.Type, uint32(a.Deco))
}

func (NoBarrier) CompareAndExchange(k *kit.Kit, a Access, expected, val ir.ID) ir.ID {
	return k.LoadStore(ir.OpCompareAndExchange, a.Slice, a.Addr, val, expected, a.Type, uint32(a.Deco))
}

func (NoBarrier) Swap(k *kit.Kit, a Access, val ir.ID) ir.ID {
	return k.LoadStore(ir.OpGetAndSet, a.Slice, a.Addr, val, ir.Nil, a.Type, uint32(a.Deco))
}

func (NoBarrier) FetchAdd(k *kit.Kit, a Access, delta ir.ID) ir.ID {
	return k.LoadStore(ir.OpGetAndAdd, a.Slice, a.Addr, delta, ir.Nil, a.Type, uint32(a.Deco))
}

func (NoBarrier) Clone(k *kit.Kit, src ir.ID, refs bool) ir.ID {
	return k.Clone(src)
}

func (NoBarrier) IsBarrier(g *ir.Graph, id ir.ID) bool { return false }

func (NoBarrier) StepOver(g *ir.Graph, id ir.ID) ir.ID { return id }

func (NoBarrier) Ideal(g *ir.Graph, id ir.ID) (ir.ID, bool) { return id, false }

func (NoBarrier) Barriers() []ir.ID { return nil }

func (NoBarrier) ExpandBarriers(ctx context.Context, g *ir.Graph) error { return nil }

func (NoBarrier) OptimizeAfterExpansion(ctx context.Context, g *ir.Graph) error { return nil }

func (NoBarrier) Stats() Stats { return Stats{} }

// New returns the policy selected by the config.
func New(cfg *config.Config, exp Expander) Policy {
	switch cfg.Collector.Name {
	case config.CollectorCard:
		return NewCardTable(cfg)
	case config.CollectorConcurrent:
		return NewConcurrent(cfg, exp)
	default:
		return NoBarrier{}
	}
}

package gc

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/tp"
)

// Concurrent is the policy of the concurrent relocating collector.
// It emits abstract barrier nodes while the graph is built
// and leaves them to the Expander.
type Concurrent struct {
	ModRef

	cfg *config.Config
	exp Expander

	g        *ir.Graph
	barriers []ir.ID

	stats Stats
}

func NewConcurrent(cfg *config.Config, exp Expander) *Concurrent {
	p := &Concurrent{
		cfg: cfg,
		exp: exp,
	}

	p.Hooks = p

	return p
}

func (p *Concurrent) Name() string { return config.CollectorConcurrent }

func (p *Concurrent) Stats() Stats { return p.stats }

func (p *Concurrent) iu() bool { return p.cfg.Collector.Mode == config.ModeIU }

func (p *Concurrent) Load(k *kit.Kit, a Access) ir.ID {
	if !a.IsRef() {
		return p.NoBarrier.Load(k, a)
	}

	v := p.NoBarrier.Load(k, a)
	lrb := p.loadRef(k, v, a.Deco)

	if a.Deco.Strength() != StrengthStrong && a.Deco&NoKeepAlive == 0 && !p.iu() {
		p.satb(k, lrb, ir.Nil, a.Deco)
	}

	return lrb
}

func (p *Concurrent) Store(k *kit.Kit, a Access, val ir.ID) {
	if a.IsRef() && p.iu() {
		val = p.update(k, val, a.Deco)
	}

	p.ModRef.Store(k, a, val)
}

func (p *Concurrent) CompareAndSwap(k *kit.Kit, a Access, expected, val ir.ID) ir.ID {
	if a.IsRef() && p.iu() {
		val = p.update(k, val, a.Deco)
	}

	return p.ModRef.CompareAndSwap(k, a, expected, val)
}

func (p *Concurrent) CompareAndExchange(k *kit.Kit, a Access, expected, val ir.ID) ir.ID {
	if !a.IsRef() {
		return p.NoBarrier.CompareAndExchange(k, a, expected, val)
	}

	if p.iu() {
		val = p.update(k, val, a.Deco)
	}

	res := p.ModRef.CompareAndExchange(k, a, expected, val)

	return p.loadRef(k, res, a.Deco)
}

func (p *Concurrent) Swap(k *kit.Kit, a Access, val ir.ID) ir.ID {
	if !a.IsRef() {
		return p.NoBarrier.Swap(k, a, val)
	}

	if p.iu() {
		val = p.update(k, val, a.Deco)
	}

	res := p.NoBarrier.Swap(k, a, val)
	lrb := p.loadRef(k, res, a.Deco)

	p.PreBarrier(k, false, a, lrb)
	p.PostBarrier(k, a, val, a.Deco&IsArray != 0)

	return lrb
}

func (p *Concurrent) Clone(k *kit.Kit, src ir.ID, refs bool) ir.ID {
	dst := p.NoBarrier.Clone(k, src, refs)

	if !refs {
		return dst
	}

	n := k.G.Node(dst)
	n.Flags |= ir.FlagCloneBarrier
	n.Aux = config.HasForwarded | config.Marking

	p.register(k.G, dst)

	if p.cfg.Collector.Generational {
		markCard(k, &p.cfg.Layout, dst, p.cfg.Collector.ConditionalCardMark)
	}

	return dst
}

// PreBarrier emits the snapshot barrier logging the value about to be overwritten.
// A store into an object just allocated overwrites nothing the marker could miss.
func (p *Concurrent) PreBarrier(k *kit.Kit, doLoad bool, a Access, prev ir.ID) {
	if p.iu() || a.Deco&TightlyCoupledAlloc != 0 {
		return
	}

	if prev == ir.Nil {
		if !doLoad {
			return
		}

		prev = k.Load(a.Slice, a.Addr, tp.Ref, tp.Ref.Size(), uint32(a.Deco|BarrierInternal))
	}

	p.satb(k, prev, a.Addr, a.Deco)
}

// PostBarrier marks the card in generational mode only.
func (p *Concurrent) PostBarrier(k *kit.Kit, a Access, val ir.ID, precise bool) {
	if !p.cfg.Collector.Generational || skipCardMark(k.G, a, val) {
		return
	}

	addr := a.Base
	if precise {
		addr = a.Addr
	}

	markCard(k, &p.cfg.Layout, addr, p.cfg.Collector.ConditionalCardMark)
}

func (p *Concurrent) loadRef(k *kit.Kit, v ir.ID, d Decorators) ir.ID {
	heal := FindHealAddr(k.G, v)

	addr := ir.Nil
	if heal.Found {
		addr = heal.Addr
	}

	id := k.Pin(ir.Node{
		Op:   ir.OpLoadRefBarrier,
		In:   []ir.ID{ir.Nil, v, addr},
		Aux:  int64(d.Strength()),
		Type: tp.Ref,
		Desc: uint32(d),
	})

	p.register(k.G, id)

	return id
}

// satb logs prev while marking. The access decorators describe
// the value written or loaded, so whether prev may be null is left to the expansion.
func (p *Concurrent) satb(k *kit.Kit, prev, addr ir.ID, d Decorators) ir.ID {
	d &^= NotNull

	id := k.Pin(ir.Node{
		Op:    ir.OpSATBPreBarrier,
		In:    []ir.ID{ir.Nil, k.Mem(ir.SliceRaw), prev, addr},
		Slice: ir.SliceRaw,
		Type:  tp.Mem,
		Desc:  uint32(d),
	})

	k.SetMem(ir.SliceRaw, id)

	p.register(k.G, id)

	return id
}

func (p *Concurrent) update(k *kit.Kit, val ir.ID, d Decorators) ir.ID {
	id := k.Pin(ir.Node{
		Op:   ir.OpIUBarrier,
		In:   []ir.ID{ir.Nil, val},
		Type: tp.Ref,
		Desc: uint32(d),
	})

	p.register(k.G, id)

	return id
}

func (p *Concurrent) register(g *ir.Graph, id ir.ID) {
	ir.Assert(p.g == nil || p.g == g, "policy shared between graphs")

	p.g = g
	p.barriers = append(p.barriers, id)
	p.stats.Inserted++
}

func (p *Concurrent) IsBarrier(g *ir.Graph, id ir.ID) bool {
	return IsBarrier(g, id)
}

func (p *Concurrent) StepOver(g *ir.Graph, id ir.ID) ir.ID {
	return StepOver(g, id)
}

func (p *Concurrent) Ideal(g *ir.Graph, id ir.ID) (ir.ID, bool) {
	r, ok := Ideal(g, id)

	if ok && r != id {
		p.stats.Eliminated++
	}

	return r, ok
}

// Barriers returns the registered barriers still present in the graph.
func (p *Concurrent) Barriers() []ir.ID {
	if p.g == nil {
		return nil
	}

	return p.live(p.g)
}

func (p *Concurrent) live(g *ir.Graph) []ir.ID {
	r := p.barriers[:0]

	for _, id := range p.barriers {
		if int(id) < g.Len() && IsBarrier(g, id) {
			r = append(r, id)
		}
	}

	p.barriers = r

	return append([]ir.ID(nil), r...)
}

func (p *Concurrent) ExpandBarriers(ctx context.Context, g *ir.Graph) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "expand_barriers", "graph", g.Name)
	defer tr.Finish("err", &err)

	if p.exp == nil {
		return errors.New("no expander")
	}

	list := p.live(g)

	n, err := p.exp.Expand(ctx, g, list)
	p.stats.Expanded += n
	if err != nil {
		return errors.Wrap(err, "expand barriers")
	}

	p.barriers = p.barriers[:0]

	tr.Printw("expanded", "barriers", n, "registered", len(list))

	return nil
}

func (p *Concurrent) OptimizeAfterExpansion(ctx context.Context, g *ir.Graph) (err error) {
	if p.exp == nil {
		return errors.New("no expander")
	}

	err = p.exp.Cleanup(ctx, g)
	if err != nil {
		return errors.Wrap(err, "post-expansion cleanup")
	}

	return nil
}

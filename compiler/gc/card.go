package gc

import (
	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/tp"
)

// CardTable is the card marking collector: no pre-barrier,
// the post-barrier dirties the card of the written address.
type CardTable struct {
	ModRef

	layout      config.Layout
	conditional bool

	stats Stats
}

func NewCardTable(cfg *config.Config) *CardTable {
	p := &CardTable{
		layout:      cfg.Layout,
		conditional: cfg.Collector.ConditionalCardMark,
	}

	p.Hooks = p

	return p
}

func (p *CardTable) Name() string { return config.CollectorCard }

func (p *CardTable) Stats() Stats { return p.stats }

func (p *CardTable) PreBarrier(k *kit.Kit, doLoad bool, a Access, prev ir.ID) {}

func (p *CardTable) PostBarrier(k *kit.Kit, a Access, val ir.ID, precise bool) {
	if skipCardMark(k.G, a, val) {
		return
	}

	addr := a.Base
	if precise {
		addr = a.Addr
	}

	markCard(k, &p.layout, addr, p.conditional)

	p.stats.Inserted++
}

func skipCardMark(g *ir.Graph, a Access, val ir.ID) bool {
	return a.Deco&TightlyCoupledAlloc != 0 || val != ir.Nil && g.IsNull(val)
}

// markCard emits card[addr >> card_shift] = dirty on the raw slice.
func markCard(k *kit.Kit, l *config.Layout, addr ir.ID, conditional bool) {
	deco := uint32(InNative | MOUnordered | BarrierInternal)

	base := k.ConRaw(l.CardBase())
	idx := k.Bin(ir.OpURShift, k.CastP2X(addr), k.ConI(int64(l.CardShift())))
	card := k.AddP(base, base, idx)
	dirty := k.ConI(config.CardDirty)

	if !conditional {
		k.Store(ir.SliceRaw, card, dirty, 1, deco)
		return
	}

	v := k.Load(ir.SliceRaw, card, tp.Int, 1, deco)

	t, f := k.If(k.Test(ir.CondNE, v, dirty))

	k.SetCtrl(f)
	clean := k.Save()

	k.SetCtrl(t)
	k.Store(ir.SliceRaw, card, dirty, 1, deco)

	k.Merge(k.Save(), clean)
}

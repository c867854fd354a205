package expand

import (
	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/gc"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/tp"
)

type path struct {
	st kit.State
	v  ir.ID
}

const internal = uint32(gc.InNative | gc.MOUnordered | gc.BarrierInternal)

// gcStateTest branches on the thread's gc_state byte masked with mask.
// The kit is left at the taken projection, the other one is returned.
func (e *Expander) gcStateTest(k *kit.Kit, mask int64) (idle ir.ID) {
	tls := k.ThreadLocal()

	gs := k.Load(ir.SliceRaw, k.AddP(tls, tls, k.ConI(e.l.GCStateOffset)), tp.Int, 1, internal)

	t, f := k.If(k.Test(ir.CondNE, k.Bin(ir.OpAndI, gs, k.ConI(mask)), k.ConI(0)))

	k.G.Node(k.G.Ctrl(t)).Flags |= ir.FlagExpanded

	k.SetCtrl(t)

	return f
}

// branch tests cond and continues on its true side,
// saving the false side with value v as a path to the merge.
func branch(k *kit.Kit, cond ir.ID, paths []path, v ir.ID) []path {
	t, f := k.If(cond)

	k.SetCtrl(f)
	paths = append(paths, path{st: k.Save(), v: v})

	k.SetCtrl(t)

	return paths
}

func merge(k *kit.Kit, paths []path, t tp.Type) ir.ID {
	states := make([]kit.State, len(paths))
	vals := make([]ir.ID, len(paths))

	for i, p := range paths {
		states[i] = p.st
		vals[i] = p.v
	}

	r := k.Merge(states...)

	if t == tp.None {
		return ir.Nil
	}

	return k.Phi(r, t, vals...)
}

func (e *Expander) loadRef(k *kit.Kit, b ir.ID) ir.ID {
	g := k.G
	n := *g.Node(b)

	v := n.In[ir.InBarrierValue]
	addr := n.In[ir.InBarrierAddr]
	st := gc.Strength(n.Aux)
	deco := gc.Decorators(n.Desc)

	mask := int64(config.HasForwarded)
	if st != gc.StrengthStrong {
		mask |= config.WeakRoots
	}

	var paths []path

	idle := e.gcStateTest(k, mask)
	paths = append(paths, path{st: e.at(k, idle), v: v})

	if !deco.Has(gc.NotNull) {
		paths = branch(k, k.Test(ir.CondNE, v, k.Null()), paths, v)
	}

	if st == gc.StrengthStrong {
		base := k.ConRaw(e.l.CsetBase())
		idx := k.Bin(ir.OpURShift, k.CastP2X(v), k.ConI(int64(e.l.RegionShift())))
		in := k.Load(ir.SliceRaw, k.AddP(base, base, idx), tp.Int, 1, internal)

		paths = branch(k, k.Test(ir.CondNE, in, k.ConI(0)), paths, v)
	}

	if addr == ir.Nil {
		addr = k.ConRaw(0)
	}

	res := k.Call(loadRefEntry(st), ir.FlagLeaf, tp.Ref, v, addr)
	paths = append(paths, path{st: k.Save(), v: res})

	return merge(k, paths, tp.Ref)
}

func loadRefEntry(st gc.Strength) int64 {
	switch st {
	case gc.StrengthWeak:
		return config.LoadRefWeak
	case gc.StrengthPhantom:
		return config.LoadRefPhantom
	default:
		return config.LoadRefStrong
	}
}

func (e *Expander) satb(k *kit.Kit, b ir.ID) {
	n := *k.G.Node(b)

	e.enqueue(k, n.In[ir.InSATBPrev], gc.Decorators(n.Desc))
}

// update logs the stored value. The value itself passes through unchanged.
func (e *Expander) update(k *kit.Kit, b ir.ID) ir.ID {
	n := *k.G.Node(b)

	v := n.In[ir.InBarrierValue]

	e.enqueue(k, v, gc.Decorators(n.Desc))

	return v
}

// enqueue appends v to the thread snapshot queue while marking.
// The index counts down. The runtime is called only when the queue is full.
func (e *Expander) enqueue(k *kit.Kit, v ir.ID, deco gc.Decorators) {
	var paths []path

	idle := e.gcStateTest(k, config.Marking)
	paths = append(paths, path{st: e.at(k, idle)})

	if !deco.Has(gc.NotNull) {
		paths = branch(k, k.Test(ir.CondNE, v, k.Null()), paths, ir.Nil)
	}

	tls := k.ThreadLocal()
	idxAddr := k.AddP(tls, tls, k.ConI(e.l.SATBIndexOffset))

	idx := k.Load(ir.SliceRaw, idxAddr, tp.Int, config.WordSize, internal)

	t, f := k.If(k.Test(ir.CondNE, idx, k.ConI(0)))

	k.SetCtrl(t)

	nidx := k.Bin(ir.OpSubI, idx, k.ConI(config.WordSize))
	k.Store(ir.SliceRaw, idxAddr, nidx, config.WordSize, internal)

	buf := k.Load(ir.SliceRaw, k.AddP(tls, tls, k.ConI(e.l.SATBBufferOffset)), tp.Raw, config.WordSize, internal)
	k.Store(ir.SliceRaw, k.AddP(buf, buf, nidx), v, config.WordSize, internal)

	paths = append(paths, path{st: k.Save()})

	k.SetCtrl(f)
	k.Call(config.WriteQueueFlush, ir.FlagLeaf, tp.None, v)

	paths = append(paths, path{st: k.Save()})

	merge(k, paths, tp.None)
}

func (e *Expander) cloneFixup(k *kit.Kit, b ir.ID) {
	mask := k.G.Node(b).Aux
	if mask == 0 {
		mask = config.HasForwarded | config.Marking
	}

	var paths []path

	idle := e.gcStateTest(k, mask)
	paths = append(paths, path{st: e.at(k, idle)})

	k.Call(config.CloneFixup, ir.FlagLeaf, tp.None, b)
	paths = append(paths, path{st: k.Save()})

	merge(k, paths, tp.None)
}

// at returns the kit state moved to control c, keeping the memory.
func (e *Expander) at(k *kit.Kit, c ir.ID) kit.State {
	st := k.Save()
	st.Ctrl = c

	return st
}

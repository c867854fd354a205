package kit

import (
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/tp"
)

type (
	// State is a control point together with the memory state of every slice there.
	State struct {
		Ctrl ir.ID
		Mem  []ir.ID
	}

	// Kit builds IR at a current control point, keeping the memory state of
	// every slice up to date. Every emitted pinned node is placed at Ctrl.
	Kit struct {
		G *ir.Graph

		ctrl ir.ID
		mem  []ir.ID
	}

	Loop struct {
		Head ir.ID

		k    *Kit
		phis []ir.ID // memory phis by slice
	}

	LoopOpts struct {
		StripMined bool
		SafePoint  bool

		// Chunk is the inner trip count of a strip-mined loop.
		Chunk int64
	}
)

const DefaultChunk = 1000

func New(g *ir.Graph) *Kit {
	return &Kit{
		G:    g,
		ctrl: g.Start,
	}
}

func (k *Kit) Ctrl() ir.ID { return k.ctrl }

func (k *Kit) SetCtrl(c ir.ID) { k.ctrl = c }

// Stopped reports whether the current path ended in a Return or Halt.
func (k *Kit) Stopped() bool { return k.ctrl == ir.Nil }

// Mem returns the current memory state of the slice.
func (k *Kit) Mem(s ir.Slice) ir.ID {
	k.grow(s)

	if k.mem[s] == ir.Nil {
		k.mem[s] = k.G.InitialMemory(s)
	}

	return k.mem[s]
}

func (k *Kit) SetMem(s ir.Slice, m ir.ID) {
	k.grow(s)
	k.mem[s] = m
}

func (k *Kit) grow(s ir.Slice) {
	for int(s) >= len(k.mem) {
		k.mem = append(k.mem, ir.Nil)
	}
}

func (k *Kit) Save() State {
	return State{
		Ctrl: k.ctrl,
		Mem:  append([]ir.ID(nil), k.mem...),
	}
}

func (k *Kit) Restore(st State) {
	k.ctrl = st.Ctrl
	k.mem = append(k.mem[:0], st.Mem...)
}

// Pin adds the node placed at the current control.
func (k *Kit) Pin(n ir.Node) ir.ID {
	if len(n.In) == 0 {
		n.In = []ir.ID{k.ctrl}
	} else {
		n.In[0] = k.ctrl
	}

	return k.G.Add(n)
}

func (k *Kit) Parm(i int, t tp.Type) ir.ID {
	return k.G.Add(ir.Node{Op: ir.OpParm, In: []ir.ID{k.G.Start}, Aux: int64(i), Type: t})
}

func (k *Kit) ConI(v int64) ir.ID { return k.G.ConI(v) }

func (k *Kit) Null() ir.ID { return k.G.ConP(0, tp.Ref) }

// ConRaw returns a constant untyped pointer.
func (k *Kit) ConRaw(v int64) ir.ID { return k.G.ConP(v, tp.Raw) }

// ThreadLocal returns the pointer to the current thread block.
func (k *Kit) ThreadLocal() ir.ID {
	for id := range k.G.Nodes {
		if k.G.Nodes[id].Op == ir.OpThreadLocal {
			return ir.ID(id)
		}
	}

	return k.G.Add(ir.Node{Op: ir.OpThreadLocal, In: []ir.ID{ir.Nil}, Type: tp.Raw})
}

func (k *Kit) AddP(base, addr, off ir.ID) ir.ID {
	return k.G.Add(ir.Node{Op: ir.OpAddP, In: []ir.ID{ir.Nil, base, addr, off}, Type: tp.Raw})
}

// Bin emits an integer or compare op.
func (k *Kit) Bin(op ir.Op, x, y ir.ID) ir.ID {
	return k.G.Add(ir.Node{Op: op, In: []ir.ID{ir.Nil, x, y}, Type: tp.Int})
}

func (k *Kit) Bool(c ir.Cond, cmp ir.ID) ir.ID {
	return k.G.Add(ir.Node{Op: ir.OpBool, In: []ir.ID{ir.Nil, cmp}, Aux: int64(c), Type: tp.Bool})
}

// Test returns Bool(c, Cmp(x, y)) picking the compare by the operand type.
func (k *Kit) Test(c ir.Cond, x, y ir.ID) ir.ID {
	op := ir.OpCmpI
	if k.G.Nodes[x].Type.IsPtr() {
		op = ir.OpCmpP
	}

	return k.Bool(c, k.Bin(op, x, y))
}

func (k *Kit) CastP2X(x ir.ID) ir.ID {
	return k.G.Add(ir.Node{Op: ir.OpCastP2X, In: []ir.ID{ir.Nil, x}, Type: tp.Int})
}

func (k *Kit) Cast(op ir.Op, x ir.ID) ir.ID {
	return k.Pin(ir.Node{Op: op, In: []ir.ID{ir.Nil, x}, Type: k.G.Nodes[x].Type})
}

func (k *Kit) Load(s ir.Slice, addr ir.ID, t tp.Type, size int, desc uint32) ir.ID {
	return k.Pin(ir.Node{Op: ir.OpLoad, In: []ir.ID{ir.Nil, k.Mem(s), addr}, Aux: int64(size), Slice: s, Type: t, Desc: desc})
}

func (k *Kit) Store(s ir.Slice, addr, val ir.ID, size int, desc uint32) ir.ID {
	st := k.Pin(ir.Node{Op: ir.OpStore, In: []ir.ID{ir.Nil, k.Mem(s), addr, val}, Aux: int64(size), Slice: s, Type: tp.Mem, Desc: desc})

	k.SetMem(s, st)

	return st
}

// LoadStore emits an atomic read-modify-write and its memory projection.
// expected is used by the compare ops only.
func (k *Kit) LoadStore(op ir.Op, s ir.Slice, addr, val, expected ir.ID, t tp.Type, desc uint32) ir.ID {
	ir.Assert(op.IsLoadStore(), "%v is not a load-store", op)

	in := []ir.ID{ir.Nil, k.Mem(s), addr, val}

	if op == ir.OpCompareAndSwap || op == ir.OpCompareAndExchange {
		in = append(in, expected)
	}

	rt := t
	if op == ir.OpCompareAndSwap || op == ir.OpGetAndAdd {
		rt = tp.Int
	}

	ls := k.Pin(ir.Node{Op: op, In: in, Aux: int64(t.Size()), Slice: s, Type: rt, Desc: desc})
	scm := k.Pin(ir.Node{Op: ir.OpSCMemProj, In: []ir.ID{ir.Nil, ls}, Slice: s, Type: tp.Mem})

	k.SetMem(s, scm)

	return ls
}

// Allocate emits a new object with nfields words; refs marks the reference fields.
func (k *Kit) Allocate(nfields int, refs uint32) ir.ID {
	return k.Pin(ir.Node{Op: ir.OpAllocate, Aux: int64(nfields), Desc: refs, Type: tp.Ref})
}

func (k *Kit) Clone(src ir.ID) ir.ID {
	return k.Pin(ir.Node{Op: ir.OpClone, In: []ir.ID{ir.Nil, src}, Type: tp.Ref})
}

// If ends the current control at a branch and returns both projections.
// The kit is left at neither of them.
func (k *Kit) If(b ir.ID) (t, f ir.ID) {
	ifn := k.G.Add(ir.Node{Op: ir.OpIf, In: []ir.ID{k.ctrl, b}, Type: tp.Ctrl})

	t = k.G.Add(ir.Node{Op: ir.OpIfTrue, In: []ir.ID{ifn}, Type: tp.Ctrl})
	f = k.G.Add(ir.Node{Op: ir.OpIfFalse, In: []ir.ID{ifn}, Type: tp.Ctrl})

	return t, f
}

func (k *Kit) SafePoint() ir.ID {
	k.ctrl = k.G.Add(ir.Node{Op: ir.OpSafePoint, In: []ir.ID{k.ctrl}, Type: tp.Ctrl})

	return k.ctrl
}

// Merge joins the states in a new region, adding memory phis where the
// states disagree. The kit continues at the region.
func (k *Kit) Merge(states ...State) ir.ID {
	in := []ir.ID{ir.Nil}

	for _, st := range states {
		in = append(in, st.Ctrl)
	}

	r := k.G.Add(ir.Node{Op: ir.OpRegion, In: in, Type: tp.Ctrl})

	mem := make([]ir.ID, 0, len(k.mem))

	for _, s := range k.G.Slices() {
		vals := make([]ir.ID, len(states))
		same := true

		for i, st := range states {
			vals[i] = k.stateMem(st, s)
			same = same && vals[i] == vals[0]
		}

		for int(s) >= len(mem) {
			mem = append(mem, ir.Nil)
		}

		if same {
			mem[s] = vals[0]
			continue
		}

		mem[s] = k.Phi(r, tp.Mem, vals...)
		k.G.Nodes[mem[s]].Slice = s
	}

	k.ctrl = r
	k.mem = mem

	return r
}

func (k *Kit) stateMem(st State, s ir.Slice) ir.ID {
	if int(s) < len(st.Mem) && st.Mem[s] != ir.Nil {
		return st.Mem[s]
	}

	return k.G.InitialMemory(s)
}

func (k *Kit) Phi(r ir.ID, t tp.Type, vals ...ir.ID) ir.ID {
	return k.G.Add(ir.Node{Op: ir.OpPhi, In: append([]ir.ID{r}, vals...), Type: t})
}

// Call emits a call that never throws.
// Leaf runtime calls touch the raw slice only.
// It returns the result projection, or Nil if t is tp.None.
func (k *Kit) Call(entry int64, flags ir.Flags, t tp.Type, args ...ir.ID) ir.ID {
	call, res := k.call(entry, flags, t, args)

	k.ctrl = k.G.ProjOf(call, ir.ProjControl, 0)

	return res
}

// CallCatch emits a call with an exception edge.
// The kit continues on the normal path; the exceptional state is returned.
// The result projection carries the exception object on the exceptional path.
func (k *Kit) CallCatch(entry int64, flags ir.Flags, t tp.Type, args ...ir.ID) (res ir.ID, exc State) {
	call, res := k.call(entry, flags, t, args)

	proj := k.G.ProjOf(call, ir.ProjControl, 0)

	catch := k.G.Add(ir.Node{Op: ir.OpCatch, In: []ir.ID{proj}, Type: tp.Ctrl})
	normal := k.G.Add(ir.Node{Op: ir.OpCatchProj, In: []ir.ID{catch}, Aux: ir.CatchNormal, Type: tp.Ctrl})
	excp := k.G.Add(ir.Node{Op: ir.OpCatchProj, In: []ir.ID{catch}, Aux: ir.CatchException, Type: tp.Ctrl})

	k.ctrl = excp
	exc = k.Save()

	k.ctrl = normal

	return res, exc
}

func (k *Kit) call(entry int64, flags ir.Flags, t tp.Type, args []ir.ID) (call, res ir.ID) {
	slices := k.G.Slices()
	if flags&ir.FlagLeaf != 0 {
		slices = []ir.Slice{ir.SliceRaw}
	}

	in := []ir.ID{k.ctrl}

	for _, s := range slices {
		in = append(in, k.Mem(s))
	}

	in = append(in, args...)

	call = k.G.Add(ir.Node{Op: ir.OpCall, In: in, Aux: entry, Flags: flags, Slices: slices, Type: tp.Tuple})

	k.G.Add(ir.Node{Op: ir.OpProj, In: []ir.ID{call}, Aux: ir.ProjControl, Type: tp.Ctrl})

	for _, s := range slices {
		m := k.G.Add(ir.Node{Op: ir.OpProj, In: []ir.ID{call}, Aux: ir.ProjMemory, Slice: s, Type: tp.Mem})
		k.SetMem(s, m)
	}

	res = ir.Nil

	if t != tp.None {
		res = k.G.Add(ir.Node{Op: ir.OpProj, In: []ir.ID{call}, Aux: ir.ProjResult, Type: t})
	}

	return call, res
}

// Return ends the path returning v, or nothing if v is Nil.
func (k *Kit) Return(v ir.ID) ir.ID {
	return k.exit(ir.OpReturn, v)
}

// Halt ends the path by throwing exc out of the method.
func (k *Kit) Halt(exc ir.ID) ir.ID {
	return k.exit(ir.OpHalt, exc)
}

func (k *Kit) exit(op ir.Op, v ir.ID) ir.ID {
	slices := k.G.Slices()

	in := []ir.ID{k.ctrl}

	for _, s := range slices {
		in = append(in, k.Mem(s))
	}

	if v != ir.Nil {
		in = append(in, v)
	}

	id := k.G.Add(ir.Node{Op: op, In: in, Slices: slices, Type: tp.Ctrl})

	k.ctrl = ir.Nil

	return id
}

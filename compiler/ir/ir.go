package ir

import (
	"fmt"

	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/gcbar/compiler/tp"
)

/*
Input layout by op. In[0] is always the control input or Nil.

	Start                  []
	Region                 [Nil, pred...]
	Loop, CountedLoop, ..  [Nil, entry, backedge]
	If                     [ctrl, bool]
	IfTrue, IfFalse        [if]
	SafePoint              [ctrl]
	Call                   [ctrl, mem per Slices..., arg...]      Aux: entry
	Catch                  [call control proj]
	CatchProj              [catch]                                Aux: CatchNormal, CatchException
	Return                 [ctrl, mem per Slices..., value?]
	Halt                   [ctrl, mem per Slices...]
	Proj                   [src]                                  Aux: ProjControl, ProjMemory, ProjResult
	Parm                   [start]                                Aux: index
	ConI, ConP             [Nil]                                  Aux: value
	ThreadLocal            [Nil]
	AddP                   [Nil, base, addr, offset]
	AddI .. MinI, CmpI/P   [Nil, x, y]
	CastP2X                [Nil, x]
	Bool                   [Nil, cmp]                             Aux: Cond
	Phi                    [region, value per pred...]
	CastPP, CheckCastPP    [ctrl?, x]
	Allocate               [ctrl]                                 Aux: fields
	Load                   [ctrl, mem, addr]                      Aux: size
	Store                  [ctrl, mem, addr, value]               Aux: size
	CompareAndSwap, ..     [ctrl, mem, addr, value, expected?]
	SCMemProj              [ctrl, loadstore]
	Clone                  [ctrl, src]                            Aux: gc-state mask of a pending barrier
	LoadRefBarrier         [ctrl?, value, heal address?]          Aux: strength
	SATBPreBarrier         [ctrl, raw mem, prev value, address?]
	IUBarrier              [ctrl?, value]
*/

type (
	ID    int32
	Slice int32

	Node struct {
		Op    Op
		In    []ID
		Aux   int64
		Slice Slice
		Type  tp.Type
		Flags Flags

		// Desc holds the access descriptor bits of memory accesses.
		Desc uint32

		// Slices lists the memory inputs of calls, returns and halts.
		Slices []Slice

		Name string
	}

	Graph struct {
		Name  string
		Nodes []Node
		Start ID

		slices []string
		initm  []ID

		users      [][]ID
		usersValid bool
	}
)

const Nil ID = -1

const (
	SliceBottom Slice = iota
	SliceRaw
)

// Input indexes shared by memory accesses and barriers.
const (
	InCtrl     = 0
	InMem      = 1
	InAddr     = 2
	InValue    = 3
	InExpected = 4

	InBarrierValue = 1
	InBarrierAddr  = 2
	InSATBPrev     = 2
	InSATBAddr     = 3
)

func New(name string) *Graph {
	g := &Graph{
		Name:   name,
		slices: []string{"bottom", "raw"},
		initm:  []ID{Nil, Nil},
	}

	g.Start = g.Add(Node{Op: OpStart, Type: tp.Ctrl})

	return g
}

func (g *Graph) Len() int { return len(g.Nodes) }

// NewSlice allocates a new alias class.
func (g *Graph) NewSlice(name string) Slice {
	g.slices = append(g.slices, name)
	g.initm = append(g.initm, Nil)

	return Slice(len(g.slices) - 1)
}

func (g *Graph) SliceName(s Slice) string {
	if s >= 0 && int(s) < len(g.slices) {
		return g.slices[s]
	}

	return fmt.Sprintf("slice%d", s)
}

// Slices returns all usable slices, raw first.
func (g *Graph) Slices() []Slice {
	r := make([]Slice, 0, len(g.slices)-1)

	for s := SliceRaw; int(s) < len(g.slices); s++ {
		r = append(r, s)
	}

	return r
}

// InitialMemory returns the memory projection of Start for the slice.
func (g *Graph) InitialMemory(s Slice) ID {
	Assert(s > SliceBottom && int(s) < len(g.slices), "bad slice %d", s)

	if id := g.initm[s]; id != Nil && g.Nodes[id].Op == OpProj {
		return id
	}

	id := g.Add(Node{Op: OpProj, In: []ID{g.Start}, Aux: ProjMemory, Slice: s, Type: tp.Mem})
	g.initm[s] = id

	return id
}

func (g *Graph) Add(n Node) ID {
	id := ID(len(g.Nodes))
	g.Nodes = append(g.Nodes, n)

	if g.usersValid {
		g.users = append(g.users, nil)

		for _, x := range n.In {
			if x != Nil {
				g.users[x] = append(g.users[x], id)
			}
		}
	}

	return id
}

func (g *Graph) Node(id ID) *Node { return &g.Nodes[id] }

func (g *Graph) Op(id ID) Op {
	if id == Nil {
		return OpDead
	}

	return g.Nodes[id].Op
}

func (g *Graph) In(id ID, i int) ID {
	in := g.Nodes[id].In
	if i >= len(in) {
		return Nil
	}

	return in[i]
}

func (g *Graph) Live(id ID) bool {
	return id != Nil && g.Nodes[id].Op != OpDead
}

// SetIn replaces one input keeping the users index current.
func (g *Graph) SetIn(id ID, i int, x ID) {
	n := &g.Nodes[id]
	old := n.In[i]

	if old == x {
		return
	}

	n.In[i] = x

	if !g.usersValid {
		return
	}

	if old != Nil {
		g.users[old] = removeOne(g.users[old], id)
	}

	if x != Nil {
		g.users[x] = append(g.users[x], id)
	}
}

// AddIn appends an input.
func (g *Graph) AddIn(id ID, x ID) {
	n := &g.Nodes[id]
	n.In = append(n.In, x)

	if g.usersValid && x != Nil {
		g.users[x] = append(g.users[x], id)
	}
}

// DelIn removes input i shifting the rest down.
func (g *Graph) DelIn(id ID, i int) {
	n := &g.Nodes[id]
	old := n.In[i]

	n.In = append(n.In[:i], n.In[i+1:]...)

	if g.usersValid && old != Nil {
		g.users[old] = removeOne(g.users[old], id)
	}
}

// Users returns the nodes using id. A user appears once per use edge.
// The index is rebuilt lazily after bulk changes.
func (g *Graph) Users(id ID) []ID {
	if !g.usersValid {
		g.rebuildUsers()
	}

	return g.users[id]
}

func (g *Graph) InvalidateUsers() { g.usersValid = false }

func (g *Graph) rebuildUsers() {
	if cap(g.users) >= len(g.Nodes) {
		g.users = g.users[:len(g.Nodes)]

		for i := range g.users {
			g.users[i] = g.users[i][:0]
		}
	} else {
		g.users = make([][]ID, len(g.Nodes))
	}

	for id := range g.Nodes {
		for _, x := range g.Nodes[id].In {
			if x != Nil {
				g.users[x] = append(g.users[x], ID(id))
			}
		}
	}

	g.usersValid = true
}

// ReplaceUses redirects every use of old to x.
func (g *Graph) ReplaceUses(old, x ID) int {
	return g.ReplaceUsesIf(old, x, nil)
}

// ReplaceUsesIf redirects the uses of old selected by f.
func (g *Graph) ReplaceUsesIf(old, x ID, f func(user ID, i int) bool) (n int) {
	users := dedup(g.Users(old))

	for _, u := range users {
		if u == x {
			continue
		}

		for i, in := range g.Nodes[u].In {
			if in != old {
				continue
			}

			if f != nil && !f(u, i) {
				continue
			}

			g.SetIn(u, i, x)
			n++
		}
	}

	return n
}

// Kill turns the node into a dead one dropping its inputs.
func (g *Graph) Kill(id ID) {
	n := &g.Nodes[id]

	if g.usersValid {
		for _, x := range n.In {
			if x != Nil {
				g.users[x] = removeOne(g.users[x], id)
			}
		}
	}

	*n = Node{Op: OpDead}
}

// IsControl reports whether the node is part of the control skeleton.
func (g *Graph) IsControl(id ID) bool {
	n := &g.Nodes[id]

	switch n.Op {
	case OpStart, OpRegion, OpLoop, OpCountedLoop, OpOuterStripMinedLoop,
		OpIf, OpIfTrue, OpIfFalse, OpSafePoint, OpCall, OpCatch, OpCatchProj, OpReturn, OpHalt:
		return true
	case OpProj:
		return n.Aux == ProjControl
	}

	return false
}

// Ctrl returns the placement of a non-control node, or Nil for floating ones.
func (g *Graph) Ctrl(id ID) ID {
	n := &g.Nodes[id]

	if len(n.In) == 0 {
		return Nil
	}

	return n.In[0]
}

// IsPinned reports whether a non-control node has a fixed placement.
func (g *Graph) IsPinned(id ID) bool {
	return !g.IsControl(id) && g.Ctrl(id) != Nil
}

// Preds returns the control predecessors.
func (g *Graph) Preds(c ID) []ID {
	n := &g.Nodes[c]

	if n.Op.IsRegion() {
		return n.In[1:]
	}

	if len(n.In) == 0 {
		return nil
	}

	return n.In[:1]
}

// Succs returns the control nodes fed by c.
func (g *Graph) Succs(c ID) (r []ID) {
	for _, u := range dedup(g.Users(c)) {
		if !g.IsControl(u) {
			continue
		}

		un := &g.Nodes[u]

		if un.Op.IsRegion() {
			for _, p := range un.In[1:] {
				if p == c {
					r = append(r, u)
				}
			}

			continue
		}

		if un.In[0] == c {
			r = append(r, u)
		}
	}

	return r
}

// Pinned returns the non-control nodes placed at c, phis included.
func (g *Graph) Pinned(c ID) (r []ID) {
	for _, u := range dedup(g.Users(c)) {
		if g.IsControl(u) {
			continue
		}

		if g.Nodes[u].In[0] == c {
			r = append(r, u)
		}
	}

	return r
}

// Phis returns the phis of region r.
func (g *Graph) Phis(r ID) (l []ID) {
	for _, u := range g.Pinned(r) {
		if g.Nodes[u].Op == OpPhi {
			l = append(l, u)
		}
	}

	return l
}

// MemPhi returns the memory phi of the slice at region r or Nil.
func (g *Graph) MemPhi(r ID, s Slice) ID {
	for _, u := range g.Phis(r) {
		n := &g.Nodes[u]
		if n.Type == tp.Mem && n.Slice == s {
			return u
		}
	}

	return Nil
}

// PredIndex returns the input index of pred in region r, or -1.
func (g *Graph) PredIndex(r, pred ID) int {
	for i, p := range g.Nodes[r].In {
		if i > 0 && p == pred {
			return i
		}
	}

	return -1
}

// ProjOf finds the projection of src with the given kind and slice.
func (g *Graph) ProjOf(src ID, kind int64, s Slice) ID {
	for _, u := range g.Users(src) {
		n := &g.Nodes[u]
		if n.Op == OpProj && n.Aux == kind && (kind != ProjMemory || n.Slice == s) && n.In[0] == src {
			return u
		}
	}

	return Nil
}

// IfProj returns the IfTrue or IfFalse projection of an If.
func (g *Graph) IfProj(ifn ID, taken bool) ID {
	op := OpIfFalse
	if taken {
		op = OpIfTrue
	}

	for _, u := range g.Users(ifn) {
		if g.Nodes[u].Op == op {
			return u
		}
	}

	return Nil
}

// CatchProj returns the catch projection of the given kind.
func (g *Graph) CatchProj(catch ID, kind int64) ID {
	for _, u := range g.Users(catch) {
		n := &g.Nodes[u]
		if n.Op == OpCatchProj && n.Aux == kind {
			return u
		}
	}

	return Nil
}

// MemoryOut returns the slice of memory produced by the node.
// Phis and projections count, loads do not.
func (g *Graph) MemoryOut(id ID) (Slice, bool) {
	n := &g.Nodes[id]

	switch n.Op {
	case OpStore, OpSATBPreBarrier, OpSCMemProj:
		return n.Slice, true
	case OpPhi, OpProj:
		if n.Type == tp.Mem {
			return n.Slice, true
		}
	}

	return 0, false
}

// MemoryIn returns the input index holding memory of the slice, or -1.
func (g *Graph) MemoryIn(id ID, s Slice) int {
	n := &g.Nodes[id]

	switch n.Op {
	case OpLoad, OpStore, OpSATBPreBarrier,
		OpCompareAndSwap, OpCompareAndExchange, OpGetAndSet, OpGetAndAdd:
		if n.Slice == s {
			return InMem
		}
	case OpCall, OpReturn, OpHalt:
		for i, ms := range n.Slices {
			if ms == s {
				return 1 + i
			}
		}
	}

	return -1
}

// ProducerInput returns the memory state a producer pinned at a control
// consumes, as seen by the chain at that control.
func (g *Graph) ProducerInput(id ID) ID {
	n := &g.Nodes[id]

	switch n.Op {
	case OpStore, OpSATBPreBarrier:
		return n.In[InMem]
	case OpSCMemProj:
		return g.Nodes[n.In[1]].In[InMem]
	}

	return Nil
}

// Args returns the argument inputs of a call.
func (g *Graph) Args(call ID) []ID {
	n := &g.Nodes[call]

	return n.In[1+len(n.Slices):]
}

// ReturnValue returns the value returned, or Nil.
func (g *Graph) ReturnValue(ret ID) ID {
	n := &g.Nodes[ret]

	if len(n.In) > 1+len(n.Slices) {
		return n.In[len(n.In)-1]
	}

	return Nil
}

// IsCon reports whether the node is a constant and returns its value.
func (g *Graph) IsCon(id ID) (int64, bool) {
	if id == Nil {
		return 0, false
	}

	n := &g.Nodes[id]

	if n.Op == OpConI || n.Op == OpConP {
		return n.Aux, true
	}

	return 0, false
}

// IsNull reports whether the node is the null reference constant.
func (g *Graph) IsNull(id ID) bool {
	v, ok := g.IsCon(id)

	return ok && v == 0 && g.Nodes[id].Op == OpConP
}

// ConI returns a shared integer constant.
func (g *Graph) ConI(v int64) ID {
	return g.con(OpConI, tp.Int, v)
}

// ConP returns a shared pointer constant. Zero is null.
func (g *Graph) ConP(v int64, t tp.Type) ID {
	for id := range g.Nodes {
		n := &g.Nodes[id]
		if n.Op == OpConP && n.Aux == v && n.Type == t {
			return ID(id)
		}
	}

	return g.Add(Node{Op: OpConP, In: []ID{Nil}, Aux: v, Type: t})
}

func (g *Graph) con(op Op, t tp.Type, v int64) ID {
	for id := range g.Nodes {
		n := &g.Nodes[id]
		if n.Op == op && n.Aux == v && n.Type == t {
			return ID(id)
		}
	}

	return g.Add(Node{Op: op, In: []ID{Nil}, Aux: v, Type: t})
}

// Count returns the number of live nodes with the op.
func (g *Graph) Count(op Op) (r int) {
	for i := range g.Nodes {
		if g.Nodes[i].Op == op {
			r++
		}
	}

	return r
}

// Find returns the live nodes with the op.
func (g *Graph) Find(op Op) (r []ID) {
	for i := range g.Nodes {
		if g.Nodes[i].Op == op {
			r = append(r, ID(i))
		}
	}

	return r
}

func (id ID) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if id == Nil {
		return e.AppendNil(b)
	}

	return e.AppendInt(b, int(id))
}

func (n Node) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 3)
	b = e.AppendKeyString(b, "op", n.Op.String())
	b = e.AppendString(b, "in")
	b = e.AppendTag(b, tlwire.Array, len(n.In))

	for _, x := range n.In {
		b = x.TlogAppend(b)
	}

	b = e.AppendKeyInt64(b, "aux", n.Aux)

	return b
}

func removeOne(l []ID, x ID) []ID {
	for i, y := range l {
		if y == x {
			return append(l[:i], l[i+1:]...)
		}
	}

	return l
}

func dedup(l []ID) []ID {
	if len(l) < 2 {
		return append([]ID(nil), l...)
	}

	r := make([]ID, 0, len(l))

outer:
	for _, x := range l {
		for _, y := range r {
			if x == y {
				continue outer
			}
		}

		r = append(r, x)
	}

	return r
}

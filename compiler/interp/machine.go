package interp

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/gc"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/opt"
	"github.com/slowlang/gcbar/compiler/tp"
)

type (
	// Machine executes a graph over a Runtime, abstract barriers included.
	// Control is walked node by node; nodes pinned at a control run when
	// it is reached, floating nodes are computed on use.
	Machine struct {
		G  *ir.Graph
		RT *Runtime

		// OnSafepoint runs at every safepoint and every call that is not a leaf.
		OnSafepoint func(m *Machine)

		// MaxSteps bounds the control steps of one run. Zero is no limit.
		MaxSteps int64

		vals   []int64
		stamp  []uint32
		stored []bool
		epoch  uint32

		result []ir.ID // result projection by call
		next   [][2]ir.ID
		phis   map[ir.ID][]ir.ID
		sched  map[ir.ID][]ir.ID

		taken [][2]int64
		steps int64
		threw bool

		args []int64
	}

	Outcome struct {
		Result int64
		Ref    bool // Result is a reference
		Threw  bool
		Steps  int64
	}
)

// User call entries the machine implements.
const (
	// EntryIdentity returns its first argument.
	EntryIdentity = config.UserEntry
	// EntryMayThrow throws its first argument if the second is not zero
	// and returns it otherwise.
	EntryMayThrow = config.UserEntry + 1
)

func New(g *ir.Graph, rt *Runtime) *Machine {
	n := g.Len()

	m := &Machine{
		G:      g,
		RT:     rt,
		vals:   make([]int64, n),
		stamp:  make([]uint32, n),
		stored: make([]bool, n),
		result: make([]ir.ID, n),
		next:   make([][2]ir.ID, n),
		phis:   map[ir.ID][]ir.ID{},
		sched:  map[ir.ID][]ir.ID{},
		taken:  make([][2]int64, n),
	}

	for id := range g.Nodes {
		x := ir.ID(id)

		m.result[x] = ir.Nil
		m.next[x] = [2]ir.ID{ir.Nil, ir.Nil}

		if g.Nodes[x].Op == ir.OpDead || g.IsControl(x) {
			continue
		}

		m.stored[x] = g.Ctrl(x) != ir.Nil
	}

	for id := range g.Nodes {
		nd := &g.Nodes[id]

		if nd.Op == ir.OpProj && nd.Aux == ir.ProjResult {
			m.result[nd.In[0]] = ir.ID(id)
		}
	}

	return m
}

// Run executes the graph from Start until a Return or Halt.
func (m *Machine) Run(ctx context.Context, args ...int64) (o Outcome, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "interp", "graph", m.G.Name, "args", args)
	defer tr.Finish("err", &err, "steps", &m.steps)

	defer func() {
		p := recover()
		if p == nil {
			return
		}

		f, ok := p.(Fault)
		if !ok {
			panic(p)
		}

		err = errors.Wrap(f, "step %d", m.steps)
	}()

	g := m.G

	m.reset(args)

	prev, c := ir.Nil, g.Start

	for {
		if m.MaxSteps != 0 && m.steps >= m.MaxSteps {
			return o, errors.New("step limit exceeded: %d", m.MaxSteps)
		}

		m.steps++
		m.epoch++

		n := &g.Nodes[c]

		if n.Op.IsRegion() {
			m.enter(c, prev)
		}

		for _, x := range m.schedule(c) {
			m.vals[x] = m.compute(x)
		}

		var next ir.ID

		switch n.Op {
		case ir.OpIf:
			taken := m.val(n.In[1]) != 0

			i := opt.B2I(taken)
			m.taken[c][i]++

			next = m.succ(c, int(i))
		case ir.OpCall:
			err = m.call(c)
			if err != nil {
				return o, errors.Wrap(err, "call %v", c)
			}

			next = m.succ(c, 0)
		case ir.OpCatch:
			next = m.succ(c, int(opt.B2I(m.threw)))
		case ir.OpSafePoint:
			m.safepoint()

			next = m.succ(c, 0)
		case ir.OpReturn, ir.OpHalt:
			o = Outcome{
				Threw: n.Op == ir.OpHalt,
				Steps: m.steps,
			}

			if v := g.ReturnValue(c); v != ir.Nil {
				o.Result = m.val(v)
				o.Ref = g.Nodes[v].Type == tp.Ref
			}

			return o, nil
		default:
			next = m.succ(c, 0)
		}

		if next == ir.Nil {
			return o, errors.New("%v %v: no successor", n.Op, c)
		}

		prev, c = c, next
	}
}

func (m *Machine) reset(args []int64) {
	m.args = args
	m.steps = 0
	m.threw = false

	for i := range m.taken {
		m.taken[i] = [2]int64{}
	}

	for id := range m.G.Nodes {
		n := &m.G.Nodes[id]

		if n.Op != ir.OpParm {
			continue
		}

		m.vals[id] = 0
		if int(n.Aux) < len(args) {
			m.vals[id] = args[n.Aux]
		}
	}
}

// Taken returns how many times the If went false and true.
func (m *Machine) Taken(ifn ir.ID) [2]int64 { return m.taken[ifn] }

// ExpandedTaken sums the outcomes of the gc_state tests emitted by expansion.
func (m *Machine) ExpandedTaken() (r [2]int64) {
	for id, n := range m.G.Nodes {
		if n.Op != ir.OpIf || n.Flags&ir.FlagExpanded == 0 {
			continue
		}

		r[0] += m.taken[id][0]
		r[1] += m.taken[id][1]
	}

	return r
}

func (m *Machine) safepoint() {
	if m.OnSafepoint != nil {
		m.OnSafepoint(m)
	}
}

// enter moves region phis to the values of the incoming edge, all at once.
func (m *Machine) enter(r, pred ir.ID) {
	g := m.G

	i := g.PredIndex(r, pred)
	ir.Assert(i > 0, "region %v entered from %v", r, pred)

	phis, ok := m.phis[r]
	if !ok {
		for _, p := range g.Phis(r) {
			if g.Nodes[p].Type != tp.Mem {
				phis = append(phis, p)
			}
		}

		m.phis[r] = phis
	}

	var buf [8]int64
	vals := buf[:0]

	for _, p := range phis {
		vals = append(vals, m.val(g.Nodes[p].In[i]))
	}

	for j, p := range phis {
		m.vals[p] = vals[j]
	}

	m.epoch++
}

func (m *Machine) succ(c ir.ID, i int) ir.ID {
	if x := m.next[c][i]; x != ir.Nil {
		return x
	}

	g := m.G
	n := &g.Nodes[c]

	var x ir.ID = ir.Nil

	switch n.Op {
	case ir.OpIf:
		x = g.IfProj(c, i == 1)
	case ir.OpCatch:
		kind := ir.CatchNormal
		if i == 1 {
			kind = ir.CatchException
		}

		x = g.CatchProj(c, kind)
	case ir.OpCall:
		x = g.ProjOf(c, ir.ProjControl, 0)
	default:
		if s := g.Succs(c); len(s) == 1 {
			x = s[0]
		}
	}

	m.next[c][i] = x

	return x
}

func (m *Machine) val(id ir.ID) int64 {
	if id == ir.Nil {
		return 0
	}

	if m.stored[id] || m.stamp[id] == m.epoch {
		return m.vals[id]
	}

	v := m.compute(id)

	m.vals[id] = v
	m.stamp[id] = m.epoch

	return v
}

func (m *Machine) compute(id ir.ID) int64 {
	g := m.G
	n := &g.Nodes[id]
	rt := m.RT

	in := func(i int) int64 { return m.val(n.In[i]) }

	switch n.Op {
	case ir.OpConI, ir.OpConP:
		return n.Aux
	case ir.OpThreadLocal:
		return rt.L.TLSBase
	case ir.OpAddP:
		return in(2) + in(3)
	case ir.OpAddI, ir.OpSubI, ir.OpAndI, ir.OpOrI, ir.OpURShift, ir.OpMinI:
		return opt.Arith(n.Op, in(1), in(2))
	case ir.OpCmpI, ir.OpCmpP:
		return opt.Compare(in(1), in(2))
	case ir.OpBool:
		return opt.B2I(ir.Cond(n.Aux).Eval(in(1)))
	case ir.OpCastP2X, ir.OpCastPP, ir.OpCheckCastPP:
		return in(1)
	case ir.OpAllocate:
		return rt.NewObject(int(n.Aux), n.Desc)
	case ir.OpLoad:
		return rt.Load(in(ir.InAddr), int(n.Aux))
	case ir.OpStore:
		rt.Store(in(ir.InAddr), in(ir.InValue), int(n.Aux))
	case ir.OpCompareAndSwap, ir.OpCompareAndExchange, ir.OpGetAndSet, ir.OpGetAndAdd:
		return m.loadStore(n)
	case ir.OpSCMemProj:
	case ir.OpClone:
		c := rt.CloneObject(in(1))

		if n.Flags&ir.FlagCloneBarrier != 0 && rt.Phase()&cloneMask(n) != 0 {
			rt.Call(config.CloneFixup, []int64{c})
		}

		return c
	case ir.OpLoadRefBarrier:
		return m.loadRef(n)
	case ir.OpSATBPreBarrier:
		prev := in(ir.InSATBPrev)

		if rt.Phase()&config.Marking != 0 && (prev != 0 || gc.Decorators(n.Desc).Has(gc.NotNull)) {
			rt.Enqueue(prev)
		}
	case ir.OpIUBarrier:
		v := in(ir.InBarrierValue)

		if rt.Phase()&config.Marking != 0 && (v != 0 || gc.Decorators(n.Desc).Has(gc.NotNull)) {
			rt.Enqueue(v)
		}

		return v
	case ir.OpPhi, ir.OpProj, ir.OpParm:
		return m.vals[id]
	default:
		panic(errors.New("%v %v: can't execute", n.Op, id))
	}

	return 0
}

// loadRef runs the load-reference barrier with the same filters
// its expansion tests before calling the runtime.
func (m *Machine) loadRef(n *ir.Node) int64 {
	rt := m.RT

	v := m.val(n.In[ir.InBarrierValue])
	st := gc.Strength(n.Aux)

	mask := int64(config.HasForwarded)
	if st != gc.StrengthStrong {
		mask |= config.WeakRoots
	}

	if rt.Phase()&mask == 0 {
		return v
	}

	if v == 0 && !gc.Decorators(n.Desc).Has(gc.NotNull) {
		return v
	}

	if st == gc.StrengthStrong && !rt.InCset(v) {
		return v
	}

	var addr int64
	if a := n.In[ir.InBarrierAddr]; a != ir.Nil {
		addr = m.val(a)
	}

	entry := config.LoadRefStrong

	switch st {
	case gc.StrengthWeak:
		entry = config.LoadRefWeak
	case gc.StrengthPhantom:
		entry = config.LoadRefPhantom
	}

	return rt.Call(entry, []int64{v, addr})
}

func cloneMask(n *ir.Node) int64 {
	if n.Aux == 0 {
		return config.HasForwarded | config.Marking
	}

	return n.Aux
}

// loadStore runs an atomic. Reference comparisons see through forwarding.
func (m *Machine) loadStore(n *ir.Node) int64 {
	rt := m.RT

	addr := m.val(n.In[ir.InAddr])
	v := m.val(n.In[ir.InValue])
	size := int(n.Aux)

	old := rt.Load(addr, size)

	switch n.Op {
	case ir.OpGetAndSet:
		rt.Store(addr, v, size)

		return old
	case ir.OpGetAndAdd:
		rt.Store(addr, old+v, size)

		return old
	}

	exp := m.val(n.In[ir.InExpected])

	eq := old == exp
	if m.G.Nodes[n.In[ir.InValue]].Type == tp.Ref {
		eq = rt.Resolve(old) == rt.Resolve(exp)
	}

	if eq {
		rt.Store(addr, v, size)
	}

	if n.Op == ir.OpCompareAndSwap {
		return opt.B2I(eq)
	}

	return old
}

func (m *Machine) call(c ir.ID) error {
	g := m.G
	n := &g.Nodes[c]

	args := make([]int64, 0, 4)

	for _, a := range g.Args(c) {
		args = append(args, m.val(a))
	}

	arg := func(i int) int64 {
		if i < len(args) {
			return args[i]
		}

		return 0
	}

	var res int64
	threw := false

	switch {
	case n.Flags&ir.FlagLeaf != 0 || n.Aux < config.UserEntry:
		res = m.RT.Call(n.Aux, args)
	case n.Flags&ir.FlagRethrow != 0:
		m.safepoint()

		res, threw = arg(0), true
	case n.Aux == EntryIdentity:
		m.safepoint()

		res = arg(0)
	case n.Aux == EntryMayThrow:
		m.safepoint()

		res, threw = arg(0), arg(1) != 0
	default:
		return errors.New("unknown entry %v", config.EntryName(n.Aux))
	}

	m.threw = threw

	if r := m.result[c]; r != ir.Nil {
		m.vals[r] = res
	}

	return nil
}

// schedule orders the nodes pinned at c: inputs first, including those
// reached through floating nodes, and readers of a memory state before
// the producer overwriting it. Ties go to the lower id.
func (m *Machine) schedule(c ir.ID) []ir.ID {
	if s, ok := m.sched[c]; ok {
		return s
	}

	g := m.G

	var nodes []ir.ID
	in := map[ir.ID]bool{}

	for _, x := range g.Pinned(c) {
		switch g.Nodes[x].Op {
		case ir.OpPhi, ir.OpProj, ir.OpParm:
			continue
		}

		nodes = append(nodes, x)
		in[x] = true
	}

	deps := map[ir.ID][]ir.ID{}

	for _, x := range nodes {
		deps[x] = m.pinnedDeps(x, in)
	}

	for _, p := range nodes {
		st := g.ProducerInput(p)
		if st == ir.Nil {
			continue
		}

		for _, x := range nodes {
			if x == p || g.Op(p) == ir.OpSCMemProj && g.In(p, 1) == x {
				continue
			}

			xn := &g.Nodes[x]

			if i := g.MemoryIn(x, xn.Slice); i >= 0 && xn.In[i] == st {
				deps[p] = append(deps[p], x)
			}
		}
	}

	indeg := map[ir.ID]int{}
	users := map[ir.ID][]ir.ID{}

	for _, x := range nodes {
		seen := map[ir.ID]bool{}

		for _, d := range deps[x] {
			if seen[d] {
				continue
			}

			seen[d] = true

			indeg[x]++
			users[d] = append(users[d], x)
		}
	}

	h := heap.Heap[ir.ID]{Less: func(d []ir.ID, i, j int) bool { return d[i] < d[j] }}

	for _, x := range nodes {
		if indeg[x] == 0 {
			h.Push(x)
		}
	}

	r := make([]ir.ID, 0, len(nodes))

	for h.Len() != 0 {
		x := h.Pop()
		r = append(r, x)

		for _, u := range users[x] {
			indeg[u]--

			if indeg[u] == 0 {
				h.Push(u)
			}
		}
	}

	ir.Assert(len(r) == len(nodes), "control %v: dependency cycle among %v pinned nodes", c, len(nodes))

	m.sched[c] = r

	return r
}

// pinnedDeps returns the nodes of the set x depends on,
// directly or through floating nodes.
func (m *Machine) pinnedDeps(x ir.ID, set map[ir.ID]bool) (r []ir.ID) {
	g := m.G

	visited := map[ir.ID]bool{}

	var walk func(y ir.ID)
	walk = func(y ir.ID) {
		for i, z := range g.Nodes[y].In {
			if i == 0 || z == ir.Nil || visited[z] {
				continue
			}

			visited[z] = true

			switch {
			case set[z]:
				r = append(r, z)
			case !m.stored[z] && !g.IsControl(z):
				walk(z)
			}
		}
	}

	walk(x)

	return r
}

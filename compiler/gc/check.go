package gc

import (
	"tlog.app/go/errors"

	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/tp"
)

type checker struct {
	g  *ir.Graph
	iu bool

	errs []error
}

// CheckCompleteness verifies that every heap reference access in g
// carries the barriers the policy requires.
// It is meant to run after construction and before expansion.
func CheckCompleteness(g *ir.Graph, p Policy) error {
	c := &checker{g: g}

	switch p := p.(type) {
	case *Concurrent:
		c.iu = p.iu()
	case *CardTable:
		c.cardOnly()

		return c.err()
	default:
		return nil
	}

	for id := range g.Nodes {
		c.node(ir.ID(id))
	}

	return c.err()
}

func (c *checker) errorf(format string, args ...any) {
	c.errs = append(c.errs, errors.New(format, args...))
}

func (c *checker) err() error {
	if len(c.errs) == 0 {
		return nil
	}

	return errors.New("%d missing barriers: %v", len(c.errs), c.errs)
}

func (c *checker) refAccess(id ir.ID) bool {
	n := c.g.Node(id)
	d := Decorators(n.Desc)

	if d&InHeap == 0 || d&BarrierInternal != 0 {
		return false
	}

	switch n.Op {
	case ir.OpStore, ir.OpCompareAndSwap:
		return c.g.Node(n.In[ir.InValue]).Type == tp.Ref
	}

	return n.Type == tp.Ref
}

func (c *checker) node(id ir.ID) {
	g := c.g
	n := g.Node(id)

	switch n.Op {
	case ir.OpLoad:
		if !c.refAccess(id) {
			return
		}

		c.wrapped(id, false)
	case ir.OpStore:
		if !c.refAccess(id) {
			return
		}

		c.overwrite(id, n.In[ir.InAddr], ir.Nil, n.In[ir.InValue])
	case ir.OpCompareAndSwap:
		if !c.refAccess(id) {
			return
		}

		c.overwrite(id, n.In[ir.InAddr], n.In[ir.InExpected], n.In[ir.InValue])
	case ir.OpCompareAndExchange:
		if !c.refAccess(id) {
			return
		}

		c.overwrite(id, n.In[ir.InAddr], n.In[ir.InExpected], n.In[ir.InValue])
		c.wrapped(id, true)
	case ir.OpGetAndSet:
		if !c.refAccess(id) {
			return
		}

		c.overwrite(id, n.In[ir.InAddr], id, n.In[ir.InValue])
		c.wrapped(id, true)
	case ir.OpClone:
		if n.Flags&ir.FlagCloneBarrier != 0 {
			return
		}

		src := g.Node(n.In[1])
		if src.Op == ir.OpAllocate && src.Desc == 0 {
			return
		}

		c.errorf("clone %v: no clone barrier", id)
	}
}

// wrapped checks that a reference read is used through a load-reference barrier only.
func (c *checker) wrapped(id ir.ID, atomic bool) {
	g := c.g

	var lrb, other int

	for _, u := range g.Users(id) {
		un := g.Node(u)

		switch {
		case un.Op == ir.OpLoadRefBarrier && un.In[ir.InBarrierValue] == id:
			lrb++
		case atomic && un.Op == ir.OpSCMemProj:
		case atomic && un.Op == ir.OpSATBPreBarrier && un.In[ir.InSATBPrev] == id:
		default:
			other++
		}
	}

	if lrb != 1 || other != 0 {
		c.errorf("%v %v: %d load-reference barriers, %d uses past the barrier", g.Op(id), id, lrb, other)
	}
}

// overwrite checks the barrier of an access replacing a reference.
func (c *checker) overwrite(id, addr, prev, val ir.ID) {
	g := c.g

	if c.iu {
		if !needsNoUpdate(g, val, healDepth) {
			c.errorf("%v %v: stored value %v has no update barrier", g.Op(id), id, val)
		}

		return
	}

	if prev != ir.Nil && g.IsNull(prev) || Decorators(g.Node(id).Desc)&TightlyCoupledAlloc != 0 {
		return
	}

	ctrl := g.Ctrl(id)

	for _, u := range g.Pinned(ctrl) {
		un := g.Node(u)
		if un.Op != ir.OpSATBPreBarrier {
			continue
		}

		if un.In[ir.InSATBAddr] == addr || prev != ir.Nil && un.In[ir.InSATBPrev] == prev {
			return
		}
	}

	c.errorf("%v %v: no snapshot barrier", g.Op(id), id)
}

// cardOnly checks every reference store is followed by a card mark at the same control.
func (c *checker) cardOnly() {
	g := c.g

	for i := range g.Nodes {
		id := ir.ID(i)
		n := g.Node(id)

		if n.Op != ir.OpStore || !c.refAccess(id) {
			continue
		}

		if Decorators(n.Desc)&TightlyCoupledAlloc != 0 || g.IsNull(n.In[ir.InValue]) {
			continue
		}

		if !c.marked(id) {
			c.errorf("store %v: no card mark", id)
		}
	}
}

func (c *checker) marked(st ir.ID) bool {
	g := c.g

	for _, u := range g.Pinned(g.Ctrl(st)) {
		un := g.Node(u)

		if u > st && un.Slice == ir.SliceRaw && Decorators(un.Desc)&BarrierInternal != 0 &&
			(un.Op == ir.OpStore || un.Op == ir.OpLoad) {
			return true
		}
	}

	return false
}

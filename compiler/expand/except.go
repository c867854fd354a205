package expand

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/memfix"
)

// exceptionEdge handles a barrier placed right after a call that may throw.
// Nothing can be inserted between the call and its catch, so the barrier
// is either hoisted above a rethrow or copied onto both catch projections.
// split is false if the barrier was moved and still needs expanding.
func (e *Expander) exceptionEdge(ctx context.Context, b, c, call ir.ID) (split bool, err error) {
	g := e.g

	if g.Node(call).Flags&ir.FlagRethrow != 0 {
		return false, e.hoist(ctx, b, call)
	}

	if g.Op(b) == ir.OpClone {
		return false, errors.Wrap(ErrBailout, "clone barrier at exception edge of %v", call)
	}

	catch := catchOf(g, c)
	normal := g.CatchProj(catch, ir.CatchNormal)
	exc := g.CatchProj(catch, ir.CatchException)

	if normal == ir.Nil || exc == ir.Nil {
		return false, errors.Wrap(ErrBailout, "catch %v: missing projection", catch)
	}

	s := newSSA(g, e.d, g.Node(b).Type, def{ctrl: normal}, def{ctrl: exc})

	ok := true

	s.sites(b, map[ir.ID]bool{}, func(site ir.ID) {
		ok = ok && site != c && s.reaches(site)
	})

	if !ok {
		return false, errors.Wrap(ErrBailout, "uses of %v are not reached from both catch projections", b)
	}

	b1 := g.CloneNode(b)
	b2 := g.CloneNode(b)

	g.SetIn(b1, ir.InCtrl, normal)
	g.SetIn(b2, ir.InCtrl, exc)

	s.defs[0].val = b1
	s.defs[1].val = b2

	if g.Op(b) == ir.OpSATBPreBarrier {
		g.ReplaceUses(b, g.In(b, ir.InMem))
		g.Kill(b)

		memfix.New(g, ir.SliceRaw).Fix(ctx)
	} else {
		s.rewrite(b)
		g.Kill(b)
	}

	tlog.V("expand").Printw("barrier split at exception edge", "barrier", b, "call", call, "normal", b1, "exception", b2, "phis", len(s.phis))

	e.analyze()

	e.push(b1)
	e.push(b2)

	return true, nil
}

// hoist moves the barrier above a rethrow call.
func (e *Expander) hoist(ctx context.Context, b, call ir.ID) error {
	g := e.g
	to := g.Ctrl(call)

	for _, x := range g.Node(b).In[1:] {
		if x == ir.Nil || x == g.In(b, ir.InMem) && g.Op(b) == ir.OpSATBPreBarrier {
			continue
		}

		if !e.d.Dominates(e.d.Place(x), to) {
			return errors.Wrap(ErrBailout, "hoist %v above rethrow %v: input %v is not available", b, call, x)
		}
	}

	g.SetIn(b, ir.InCtrl, to)

	if g.Op(b) == ir.OpSATBPreBarrier {
		g.SetIn(b, ir.InMem, g.In(call, g.MemoryIn(call, ir.SliceRaw)))

		memfix.New(g, ir.SliceRaw).Fix(ctx)
	}

	tlog.V("expand").Printw("barrier hoisted above rethrow", "barrier", b, "call", call, "to", to)

	return nil
}

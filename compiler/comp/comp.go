package comp

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/expand"
	"github.com/slowlang/gcbar/compiler/format"
	"github.com/slowlang/gcbar/compiler/gc"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/opt"
)

type (
	Phase int

	// Unit is one compilation: a graph, the kit building it
	// and the barrier policy owning its barriers.
	Unit struct {
		Name string
		Cfg  *config.Config

		G      *ir.Graph
		K      *kit.Kit
		Policy gc.Policy

		done [phaseCount]bool
	}
)

const (
	PhaseOptimize Phase = iota
	PhaseExpandBarriers
	PhasePostExpansion

	phaseCount
)

// ErrBailout is returned wrapped when a unit can not be compiled
// with the requested optimizations.
var ErrBailout = expand.ErrBailout

var phaseNames = [...]string{
	PhaseOptimize:       "optimize",
	PhaseExpandBarriers: "expand_barriers",
	PhasePostExpansion:  "post_expansion",
}

func New(name string, cfg *config.Config) *Unit {
	g := ir.New(name)

	return &Unit{
		Name:   name,
		Cfg:    cfg,
		G:      g,
		K:      kit.New(g),
		Policy: gc.New(cfg, expand.New(cfg)),
	}
}

// Check verifies the graph and that every reference access has its barriers.
// It is only meaningful before the first phase.
func (u *Unit) Check() error {
	err := ir.Verify(u.G)
	if err != nil {
		return errors.Wrap(err, "verify")
	}

	err = gc.CheckCompleteness(u.G, u.Policy)
	if err != nil {
		return errors.Wrap(err, "barriers")
	}

	return nil
}

// Done reports whether the phase has run.
func (u *Unit) Done(p Phase) bool { return u.done[p] }

// Run runs one phase. Phases run once each and in order.
func (u *Unit) Run(ctx context.Context, p Phase) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "phase", "unit", u.Name, "phase", p)
	defer tr.Finish("err", &err)

	ir.Assert(p >= 0 && p < phaseCount, "bad phase %d", p)
	ir.Assert(!u.done[p], "phase %v scheduled twice", p)

	for q := Phase(0); q < p; q++ {
		ir.Assert(u.done[q], "phase %v before %v", p, q)
	}

	u.done[p] = true

	switch p {
	case PhaseOptimize:
		n := opt.Simplify(ctx, u.G, u.Policy.Ideal)

		tr.V("optimize").Printw("simplified", "replaced", n, "barriers", len(u.Policy.Barriers()))
	case PhaseExpandBarriers:
		err = u.Policy.ExpandBarriers(ctx, u.G)
	case PhasePostExpansion:
		err = u.Policy.OptimizeAfterExpansion(ctx, u.G)
	}

	if err != nil {
		return errors.Wrap(err, "%v", p)
	}

	if tr.If("dump_graph") {
		tr.Printw("graph", "phase", p, "graph", format.Graph(nil, u.G))
	}

	verify := ir.Verify
	if p != PhaseOptimize {
		verify = ir.VerifyExpanded
	}

	if u.Cfg.Collector.Verify {
		err = verify(u.G)
		if err != nil {
			return errors.Wrap(err, "verify after %v", p)
		}
	}

	return nil
}

// Compile runs all the phases not run yet.
func (u *Unit) Compile(ctx context.Context) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile", "unit", u.Name, "collector", u.Policy.Name())
	defer tr.Finish("err", &err)

	for p := Phase(0); p < phaseCount; p++ {
		if u.done[p] {
			continue
		}

		err = u.Run(ctx, p)
		if err != nil {
			return err
		}
	}

	tr.Printw("barrier stats", "stats", u.Policy.Stats(), "nodes", u.G.Len())

	return nil
}

func (p Phase) String() string {
	if p >= 0 && p < phaseCount {
		return phaseNames[p]
	}

	return "phase?"
}

func (p Phase) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, p.String())
}

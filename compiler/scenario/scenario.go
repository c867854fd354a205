package scenario

import (
	"context"
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/gcbar/compiler/comp"
	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/gc"
	"github.com/slowlang/gcbar/compiler/interp"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/kit"
	"github.com/slowlang/gcbar/compiler/tp"
)

type (
	// Scenario is a canned method and the heap it runs on.
	Scenario struct {
		Name        string
		Description string

		Build func(b *Builder)
		Setup func(rt *interp.Runtime, iters int) []int64
	}

	// Phase is a collector state the runtime is put in before a run.
	Phase struct {
		Name  string
		Apply func(rt *interp.Runtime)
	}

	// Builder emits scenario code into a unit.
	// Every object has the same shape: two reference fields then two ints.
	Builder struct {
		U *comp.Unit
		K *kit.Kit
		P gc.Policy

		slices [NFields]ir.Slice
	}
)

const (
	NFields = 4
	Refs    = 0b0011
)

var All = []*Scenario{
	{
		Name:        "loop_store",
		Description: "copy obj.f1 to obj.f0 n times",
		Build:       loopStore,
		Setup:       ringSetup(4, true),
	},
	{
		Name:        "null_compare",
		Description: "load a reference, cast it and compare with null",
		Build:       nullCompare,
		Setup:       ringSetup(2, false),
	},
	{
		Name:        "weak_null_compare",
		Description: "load a weak reference and compare it with null",
		Build:       weakNullCompare,
		Setup:       ringSetup(2, false),
	},
	{
		Name:        "atomics",
		Description: "compare-and-swap, compare-and-exchange, swap and fetch-add",
		Build:       atomics,
		Setup:       atomicsSetup,
	},
	{
		Name:        "clone",
		Description: "clone an object with reference fields",
		Build:       cloneObject,
		Setup:       ringSetup(4, false),
	},
	{
		Name:        "exception_edge",
		Description: "a loaded reference used on both edges of a throwing call",
		Build:       exceptionEdge,
		Setup:       flagSetup,
	},
	{
		Name:        "rethrow",
		Description: "a loaded reference used after a rethrow",
		Build:       rethrow,
		Setup:       ringSetup(4, false),
	},
	{
		Name:        "strip_mined",
		Description: "strip mined loop summing a field of a loaded object",
		Build:       stripMined,
		Setup:       ringSetup(4, true),
	},
	{
		Name:        "load_chain",
		Description: "dependent loads and a weak load kept alive",
		Build:       loadChain,
		Setup:       ringSetup(4, false),
	},
}

var Phases = []Phase{
	{Name: "idle", Apply: func(rt *interp.Runtime) {}},
	{Name: "marking", Apply: marking},
	{Name: "evacuation", Apply: evacuation},
	{Name: "update_refs", Apply: updateRefs},
	{Name: "weak", Apply: weakRoots},
}

func Find(name string) *Scenario {
	for _, s := range All {
		if s.Name == name {
			return s
		}
	}

	return nil
}

func FindPhase(name string) (Phase, bool) {
	for _, p := range Phases {
		if p.Name == name {
			return p, true
		}
	}

	return Phase{}, false
}

func NewBuilder(u *comp.Unit) *Builder {
	b := &Builder{
		U: u,
		K: u.K,
		P: u.Policy,
	}

	for i := range b.slices {
		b.slices[i] = u.G.NewSlice(fmt.Sprintf("f%d", i))
	}

	return b
}

func (b *Builder) Field(obj ir.ID, i int, d gc.Decorators) gc.Access {
	t := tp.Int
	if Refs&(1<<i) != 0 {
		t = tp.Ref
	}

	return gc.Field(b.K, obj, i, b.slices[i], t, d)
}

func (b *Builder) Load(obj ir.ID, i int, d gc.Decorators) ir.ID {
	return b.P.Load(b.K, b.Field(obj, i, d))
}

func (b *Builder) Store(obj ir.ID, i int, v ir.ID, d gc.Decorators) {
	b.P.Store(b.K, b.Field(obj, i, d), v)
}

// sink moves a load-reference barrier down to the control projection
// of the call the kit has just passed.
func (b *Builder) sink(v ir.ID) {
	g := b.U.G

	if g.Op(v) != ir.OpLoadRefBarrier {
		return
	}

	catch := g.In(b.K.Ctrl(), 0)
	g.SetIn(v, ir.InCtrl, g.In(catch, 0))
}

// Compile builds the scenario and optimizes it. It returns a copy of
// the graph as built, before any barrier was simplified, and the unit
// with the expansion phases still pending.
func Compile(ctx context.Context, s *Scenario, cfg *config.Config) (u *comp.Unit, abstract *ir.Graph, err error) {
	u = comp.New(s.Name, cfg)

	s.Build(NewBuilder(u))

	err = u.Check()
	if err != nil {
		return nil, nil, errors.Wrap(err, "check %v", s.Name)
	}

	abstract = u.G.Clone()

	err = u.Run(ctx, comp.PhaseOptimize)
	if err != nil {
		return nil, nil, errors.Wrap(err, "optimize %v", s.Name)
	}

	return u, abstract, nil
}

// Execute runs the graph on a fresh runtime set up by the scenario
// and put into the phase.
func Execute(ctx context.Context, s *Scenario, g *ir.Graph, l config.Layout, ph Phase, iters int) (snap interp.Snapshot, m *interp.Machine, err error) {
	rt := interp.NewRuntime(l)

	args := s.Setup(rt, iters)
	ph.Apply(rt)

	m = interp.New(g, rt)

	o, err := m.Run(ctx, args...)
	if err != nil {
		return snap, m, errors.Wrap(err, "run %v in %v", s.Name, ph.Name)
	}

	var roots []int64

	for _, p := range g.Find(ir.OpParm) {
		n := g.Node(p)

		if n.Type == tp.Ref && int(n.Aux) < len(args) {
			roots = append(roots, args[n.Aux])
		}
	}

	snap = interp.TakeSnapshot(rt, o, roots...)

	tlog.V("scenario").Printw("executed", "scenario", s.Name, "phase", ph.Name, "steps", o.Steps, "logged", len(snap.Logged), "calls", rt.Calls)

	return snap, m, nil
}

// NewObject allocates an object of the scenario shape in its own region.
func NewObject(rt *interp.Runtime) int64 {
	rt.NewRegion()

	return rt.NewObject(NFields, Refs)
}

// ringSetup links n objects: o[i].f0 = o[i+1], o[i].f1 = o[i+2], o[i].f2 = i.
// The first object is the argument, followed by iters if loop is set.
func ringSetup(n int, loop bool) func(rt *interp.Runtime, iters int) []int64 {
	return func(rt *interp.Runtime, iters int) []int64 {
		objs := ring(rt, n)

		args := []int64{objs[0]}
		if loop {
			args = append(args, int64(iters))
		}

		return args
	}
}

func ring(rt *interp.Runtime, n int) []int64 {
	objs := make([]int64, n)

	for i := range objs {
		objs[i] = NewObject(rt)
	}

	for i, o := range objs {
		rt.SetField(o, 0, objs[(i+1)%n])
		rt.SetField(o, 1, objs[(i+2)%n])
		rt.SetField(o, 2, int64(i))
	}

	return objs
}

func atomicsSetup(rt *interp.Runtime, iters int) []int64 {
	objs := ring(rt, 4)

	return []int64{objs[0], objs[3]}
}

func flagSetup(rt *interp.Runtime, iters int) []int64 {
	objs := ring(rt, 4)

	return []int64{objs[0], int64(iters % 2)}
}

func marking(rt *interp.Runtime) {
	rt.SetPhase(config.Marking)
	rt.NewRegion()
}

// evacuation puts every other object region into the collection set.
func evacuation(rt *interp.Runtime) {
	for i, o := range rt.Objects() {
		if i%2 == 1 {
			rt.AddToCset(o)
		}
	}

	rt.SetPhase(config.HasForwarded | config.Evacuation)
	rt.NewRegion()
}

// updateRefs evacuates every other object leaving the references
// to the old copies for the barriers to fix.
func updateRefs(rt *interp.Runtime) {
	objs := append([]int64(nil), rt.Objects()...)

	for i, o := range objs {
		if i%2 == 1 {
			rt.AddToCset(o)
			rt.Evacuate(o)
		}
	}

	rt.SetPhase(config.HasForwarded | config.UpdateRefs)
	rt.NewRegion()
}

// weakRoots marks every other object and leaves the rest
// to be cleared from weak references.
func weakRoots(rt *interp.Runtime) {
	for i, o := range rt.Objects() {
		if i%2 == 0 {
			rt.Mark(o)
		}
	}

	rt.SetPhase(config.Marking | config.WeakRoots)
	rt.NewRegion()
}

package comp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/gc"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/tp"
)

func loadField(t *testing.T, opts string) *Unit {
	t.Helper()

	cfg := config.Default()
	require.NoError(t, cfg.ApplyOpts(opts))

	u := New(t.Name(), cfg)
	k := u.K

	s := u.G.NewSlice("f")
	obj := k.Parm(0, tp.Ref)

	v := u.Policy.Load(k, gc.Field(k, obj, 0, s, tp.Ref, 0))
	u.Policy.Store(k, gc.Field(k, obj, 1, s, tp.Ref, 0), v)
	k.Return(v)

	return u
}

func TestCompile(t *testing.T) {
	u := loadField(t, "")

	require.NoError(t, u.Check())
	require.NoError(t, u.Compile(context.Background()))

	for p := Phase(0); p < phaseCount; p++ {
		assert.True(t, u.Done(p), "%v", p)
	}

	for op := ir.OpLoadRefBarrier; op <= ir.OpIUBarrier; op++ {
		assert.Zero(t, u.G.Count(op), "%v", op)
	}

	st := u.Policy.Stats()
	assert.Equal(t, 2, st.Inserted)
	assert.Equal(t, st.Inserted-st.Eliminated, st.Expanded)
}

func TestCompileCardTable(t *testing.T) {
	u := loadField(t, "collector=card")

	require.NoError(t, u.Check())
	require.NoError(t, u.Compile(context.Background()))

	assert.Equal(t, 1, u.Policy.Stats().Inserted)
	assert.Zero(t, u.G.Count(ir.OpCall))
}

func TestRunInOrder(t *testing.T) {
	ctx := context.Background()

	u := loadField(t, "")

	assert.Panics(t, func() { _ = u.Run(ctx, PhaseExpandBarriers) })

	u = loadField(t, "")

	require.NoError(t, u.Run(ctx, PhaseOptimize))
	assert.Panics(t, func() { _ = u.Run(ctx, PhaseOptimize) })

	require.NoError(t, u.Run(ctx, PhaseExpandBarriers))
	assert.Zero(t, len(u.Policy.Barriers()))

	require.NoError(t, u.Compile(ctx))
	assert.True(t, u.Done(PhasePostExpansion))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "expand_barriers", PhaseExpandBarriers.String())
	assert.Equal(t, "phase?", Phase(10).String())
}

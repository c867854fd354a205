package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOpts(t *testing.T) {
	c := Default()

	err := c.ApplyOpts(`mode=iu generational conditional_card_mark=true region_size="32 KB"`)
	require.NoError(t, err)

	assert.Equal(t, ModeIU, c.Collector.Mode)
	assert.True(t, c.Collector.Generational)
	assert.True(t, c.Collector.ConditionalCardMark)
	assert.Equal(t, Size(32<<10), c.Layout.RegionSize)
	assert.Equal(t, uint(15), c.Layout.RegionShift())

	assert.Error(t, Default().ApplyOpts("no_such_option=1"))
	assert.Error(t, Default().ApplyOpts("collector=refcount"))
	assert.Error(t, Default().ApplyOpts("card_size=100"))
	assert.Error(t, Default().ApplyOpts("gc_state_offset=0x1000"))
	assert.Error(t, Default().ApplyOpts(`mode="iu`))
}

func TestLoad(t *testing.T) {
	name := filepath.Join(t.TempDir(), "gcbar.yaml")

	err := os.WriteFile(name, []byte(`
collector:
  name: card
  conditional_card_mark: true
layout:
  card_size: 1 KB
`), 0o644)
	require.NoError(t, err)

	c, err := Load(name)
	require.NoError(t, err)

	assert.Equal(t, CollectorCard, c.Collector.Name)
	assert.True(t, c.Collector.ConditionalCardMark)
	assert.True(t, c.Collector.MergeTests, "defaults kept")
	assert.Equal(t, Size(1<<10), c.Layout.CardSize)
	assert.Equal(t, int(c.Layout.HeapSize>>10), c.Layout.Cards())

	err = os.WriteFile(name, []byte("collector:\n  colour: red\n"), 0o644)
	require.NoError(t, err)

	_, err = Load(name)
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(OptsEnv, "collector=none")

	c := Default()
	require.NoError(t, c.FromEnv(OptsEnv))

	assert.Equal(t, CollectorNone, c.Collector.Name)
}

func TestLayout(t *testing.T) {
	l := DefaultLayout()
	require.NoError(t, l.Validate())

	a := l.HeapBase + 3*int64(l.RegionSize) + 100

	assert.Equal(t, l.CsetTable+3, l.CsetBase()+a>>l.RegionShift())
	assert.Equal(t, l.CardTable+a/int64(l.CardSize)-l.HeapBase/int64(l.CardSize), l.CardBase()+a>>l.CardShift())

	assert.Equal(t, int64(16), FieldOffset(0))
	assert.Equal(t, "write_queue_flush", EntryName(WriteQueueFlush))
	assert.Equal(t, "call100", EntryName(UserEntry))
}

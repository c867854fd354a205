package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBits(t *testing.T) {
	s := MakeBits[int32](10)

	assert.Zero(t, s.Size())
	assert.True(t, s.Add(3))
	assert.False(t, s.Add(3))

	for _, k := range []int32{64, 130, 1} {
		s.Set(k)
	}

	assert.True(t, s.IsSet(130))
	assert.False(t, s.IsSet(131))
	assert.False(t, s.IsSet(-1))
	assert.Equal(t, 4, s.Size())
	assert.Equal(t, []int32{1, 3, 64, 130}, s.Slice())

	s.Clear(64)
	s.Clear(1000)
	assert.Equal(t, []int32{1, 3, 130}, s.Slice())
}

func TestBitsCopy(t *testing.T) {
	a := MakeBits[int](0)
	a.Set(1)
	a.Set(200)

	c := a.Copy()
	c.Set(7)
	c.Clear(1)

	require.Equal(t, []int{1, 200}, a.Slice())
	require.Equal(t, []int{7, 200}, c.Slice())

	var got []int

	c.Range(func(k int) bool {
		got = append(got, k)
		return false
	})

	require.Equal(t, []int{7}, got)
}

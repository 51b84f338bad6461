package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetCount(t *testing.T) {
	b := New(160)
	assert.Equal(t, uint32(160), b.Len())
	assert.Equal(t, uint32(0), b.Count())

	require.NoError(t, b.Set(0))
	require.NoError(t, b.Set(42))
	require.NoError(t, b.Set(159))

	assert.True(t, b.Get(0))
	assert.True(t, b.Get(42))
	assert.True(t, b.Get(159))
	assert.False(t, b.Get(1))
	assert.Equal(t, uint32(3), b.Count())
}

func TestSetIdempotent(t *testing.T) {
	b := New(5)
	require.NoError(t, b.Set(3))
	before := b.Count()
	require.NoError(t, b.Set(3))
	assert.Equal(t, before, b.Count(), "re-setting a bit must not change the count")
}

func TestSetOutOfRange(t *testing.T) {
	b := New(5)
	assert.ErrorIs(t, b.Set(5), ErrIndexOutOfRange)
	assert.ErrorIs(t, b.Clear(100), ErrIndexOutOfRange)
	assert.False(t, b.Get(5))
}

func TestComplete(t *testing.T) {
	b := New(5)
	for i := uint32(0); i < 4; i++ {
		require.NoError(t, b.Set(i))
	}
	assert.False(t, b.Complete())
	require.NoError(t, b.Set(4))
	assert.True(t, b.Complete())
}

func TestMissing(t *testing.T) {
	b := New(5)
	require.NoError(t, b.Set(0))
	require.NoError(t, b.Set(1))
	require.NoError(t, b.Set(2))
	assert.Equal(t, []uint32{3, 4}, b.Missing())
}

func TestMissingIn(t *testing.T) {
	mine := New(5)
	theirs := New(5)
	for _, i := range []uint32{0, 1, 2, 3, 4} {
		require.NoError(t, mine.Set(i))
	}
	require.NoError(t, theirs.Set(0))
	require.NoError(t, theirs.Set(2))

	diff, err := mine.MissingIn(theirs)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3, 4}, diff)

	_, err = mine.MissingIn(New(6))
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestMerge(t *testing.T) {
	a := New(70)
	b := New(70)
	require.NoError(t, a.Set(1))
	require.NoError(t, b.Set(65))
	require.NoError(t, a.Merge(b))
	assert.True(t, a.Get(1))
	assert.True(t, a.Get(65))
	assert.Equal(t, uint32(2), a.Count())

	assert.ErrorIs(t, a.Merge(New(3)), ErrLengthMismatch)
}

func TestMarshalRoundTrip(t *testing.T) {
	b := New(161)
	require.NoError(t, b.Set(0))
	require.NoError(t, b.Set(63))
	require.NoError(t, b.Set(64))
	require.NoError(t, b.Set(160))

	data, err := b.MarshalBinary()
	require.NoError(t, err)

	got, err := FromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, b.Len(), got.Len())
	assert.Equal(t, b.Count(), got.Count())
	assert.Equal(t, b.Missing(), got.Missing())
}

func TestUnmarshalMalformed(t *testing.T) {
	_, err := FromBytes([]byte{1, 2})
	assert.ErrorIs(t, err, ErrMalformed)

	// Length claims 100 bits but payload is truncated.
	_, err = FromBytes([]byte{0, 0, 0, 100, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestClone(t *testing.T) {
	a := New(10)
	require.NoError(t, a.Set(7))
	c := a.Clone()
	require.NoError(t, c.Set(3))
	assert.True(t, c.Get(7))
	assert.False(t, a.Get(3), "mutating the clone must not affect the original")
}

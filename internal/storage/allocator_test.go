package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAllocator_AllocContiguous(t *testing.T) {
	t.Parallel()

	a := NewAllocator(10, zap.NewNop())

	first, err := a.Alloc(4)
	require.NoError(t, err)
	assert.Equal(t, PageId(0), first)
	assert.Equal(t, uint32(4), a.HighWater())

	second, err := a.Alloc(3)
	require.NoError(t, err)
	assert.Equal(t, PageId(4), second)
}

func TestAllocator_AllocAtLimitSucceeds(t *testing.T) {
	t.Parallel()

	a := NewAllocator(8, zap.NewNop())

	first, err := a.Alloc(a.Limit())
	require.NoError(t, err)
	assert.Equal(t, PageId(0), first)
}

func TestAllocator_AllocPastLimitFailsOutOfSpace(t *testing.T) {
	t.Parallel()

	a := NewAllocator(8, zap.NewNop())

	_, err := a.Alloc(a.Limit() + 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfSpace))
}

func TestAllocator_FreeThenRealloc(t *testing.T) {
	t.Parallel()

	a := NewAllocator(4, zap.NewNop())

	first, err := a.Alloc(4)
	require.NoError(t, err)

	require.NoError(t, a.Free(first+1, 2))
	assert.False(t, a.IsAllocated(first+1))
	assert.False(t, a.IsAllocated(first+2))

	reused, err := a.Alloc(2)
	require.NoError(t, err)
	assert.Equal(t, first+1, reused)
}

func TestAllocator_FreeNotAllocatedFails(t *testing.T) {
	t.Parallel()

	a := NewAllocator(4, zap.NewNop())

	err := a.Free(0, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPageNotAllocated))
}

func TestAllocator_FragmentedSpaceForcesOutOfSpace(t *testing.T) {
	t.Parallel()

	a := NewAllocator(4, zap.NewNop())

	_, err := a.Alloc(4)
	require.NoError(t, err)
	require.NoError(t, a.Free(1, 1))
	require.NoError(t, a.Free(3, 1))

	// Two free pages exist (1 and 3) but not contiguously.
	_, err = a.Alloc(2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfSpace))
}

func TestAllocator_UnfreeAndClearUnsupported(t *testing.T) {
	t.Parallel()

	a := NewAllocator(4, zap.NewNop())
	assert.True(t, errors.Is(a.Unfree(0), ErrUnsupported))
	assert.True(t, errors.Is(a.Clear(), ErrUnsupported))
}

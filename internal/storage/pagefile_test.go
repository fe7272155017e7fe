package storage

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPageFile(t *testing.T, pageSize uint32) (*PageFile, func()) {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "pagefile_*.db")
	require.NoError(t, err)

	pf, err := NewPageFile(f, pageSize, zap.NewNop())
	require.NoError(t, err)

	return pf, func() { f.Close() }
}

func TestPageFile_WriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	pf, cleanup := newTestPageFile(t, 64)
	defer cleanup()

	require.NoError(t, pf.Grow(2))

	payload := bytes.Repeat([]byte{0xAB}, 64)
	require.NoError(t, pf.Write(1, payload))

	buf := make([]byte, 64)
	require.NoError(t, pf.Read(1, buf))
	require.Equal(t, payload, buf)
}

func TestPageFile_PagesCeilDiv(t *testing.T) {
	t.Parallel()

	pf, cleanup := newTestPageFile(t, 100)
	defer cleanup()

	require.Equal(t, uint32(0), pf.Pages(0))
	require.Equal(t, uint32(1), pf.Pages(1))
	require.Equal(t, uint32(1), pf.Pages(100))
	require.Equal(t, uint32(2), pf.Pages(101))
}

func TestPageFile_SliceUnsliceReadOnly(t *testing.T) {
	t.Parallel()

	pf, cleanup := newTestPageFile(t, 16)
	defer cleanup()

	require.NoError(t, pf.Grow(2))
	require.NoError(t, pf.Write(0, bytes.Repeat([]byte{0x01}, 16)))
	require.NoError(t, pf.Write(1, bytes.Repeat([]byte{0x02}, 16)))

	w, err := pf.Slice(Read, 0, 2)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0x01}, 16), w.Bytes[:16])
	require.Equal(t, bytes.Repeat([]byte{0x02}, 16), w.Bytes[16:])

	// Mutating a READ window must not persist on Unslice.
	w.Bytes[0] = 0xFF
	require.NoError(t, pf.Unslice(w))

	buf := make([]byte, 16)
	require.NoError(t, pf.Read(0, buf))
	require.Equal(t, byte(0x01), buf[0])
}

func TestPageFile_SliceWriteThenUnslicePersists(t *testing.T) {
	t.Parallel()

	pf, cleanup := newTestPageFile(t, 8)
	defer cleanup()

	require.NoError(t, pf.Grow(1))

	w, err := pf.Slice(Write, 0, 1)
	require.NoError(t, err)
	copy(w.Bytes, []byte("deadbeef"))
	require.NoError(t, pf.Unslice(w))

	buf := make([]byte, 8)
	require.NoError(t, pf.Read(0, buf))
	require.Equal(t, []byte("deadbeef"), buf)
}

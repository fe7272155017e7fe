package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// Invariant (spec.md §8, scenario 6): within the same transaction, a Get
// immediately after a Put on the same page observes the Put's value, without
// going through the snapshot at all.
func TestTransaction_ReadYourOwnWrites(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	codec := stubCodec{name: "msg"}

	tx := e.Begin(false)
	defer tx.Rollback()

	page, err := tx.Allocator().Alloc(1)
	require.NoError(t, err)

	require.NoError(t, tx.Put(codec, page, "first"))
	v, err := tx.Get(codec, page)
	require.NoError(t, err)
	require.Equal(t, "first", v)

	require.NoError(t, tx.Put(codec, page, "second"))
	v, err = tx.Get(codec, page)
	require.NoError(t, err)
	require.Equal(t, "second", v)
}

func TestTransaction_GetOnFreedPageFailsPaging(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	codec := stubCodec{name: "msg"}

	setup := e.Begin(false)
	page, err := setup.Allocator().Alloc(1)
	require.NoError(t, err)
	require.NoError(t, setup.Put(codec, page, "x"))
	require.NoError(t, setup.Commit())

	tx := e.Begin(false)
	defer tx.Rollback()

	require.NoError(t, codec.Remove(tx, page))
	_, err = tx.Get(codec, page)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrPaging))
}

// Scenario 4 (spec.md §8): Slice(READ_WRITE) copies the snapshot's current
// bytes into a freshly allocated extent before handing back a writable
// window, so partial in-place mutation of an existing record works without
// a prior full Get/decode/Put cycle.
func TestTransaction_SliceReadWriteCopiesExistingBytes(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	setup := e.Begin(false)
	page, err := setup.Allocator().Alloc(1)
	require.NoError(t, err)
	raw := make([]byte, e.PageSize())
	copy(raw, "0123456789ABCDEF")
	require.NoError(t, setup.Write(page, raw))
	require.NoError(t, setup.Commit())

	tx := e.Begin(false)
	defer tx.Rollback()

	w, err := tx.Slice(ReadWrite, page, 1)
	require.NoError(t, err)
	require.Equal(t, byte('0'), w.Bytes[0])

	w.Bytes[0] = 'Z'
	require.NoError(t, tx.Unslice(w))

	buf, err := tx.Read(page)
	require.NoError(t, err)
	require.Equal(t, byte('Z'), buf[0])

	require.NoError(t, tx.Commit())

	tx2 := e.Begin(true)
	defer tx2.Rollback()
	buf2, err := tx2.Read(page)
	require.NoError(t, err)
	require.Equal(t, byte('Z'), buf2[0])
}

// Scenario 4 (spec.md §8), count > 1: a rolled-back multi-page
// Slice(READ_WRITE) must leave the allocator's free set bitwise identical
// to its pre-transaction state, per §8 invariant 2. The old extent's
// interior pages are pre-existing, live pages the transaction never owned;
// they must not be freed just because Rollback ran.
func TestTransaction_SliceReadWriteRollbackLeavesAllocatorUnchanged(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	setup := e.Begin(false)
	page, err := setup.Allocator().Alloc(3)
	require.NoError(t, err)
	buf := make([]byte, 3*int(e.PageSize()))
	for i := range buf {
		buf[i] = byte(i)
	}
	w, err := setup.Slice(Write, page, 3)
	require.NoError(t, err)
	copy(w.Bytes, buf)
	require.NoError(t, setup.Unslice(w))
	require.NoError(t, setup.Commit())

	before := e.Allocator().snapshotBits()

	tx := e.Begin(false)
	rw, err := tx.Slice(ReadWrite, page, 3)
	require.NoError(t, err)
	rw.Bytes[0] = 'Z'
	require.NoError(t, tx.Unslice(rw))
	tx.Rollback()

	after := e.Allocator().snapshotBits()
	require.Equal(t, before, after)

	// The old extent is still intact and readable through a fresh
	// transaction, since the rolled-back copy never touched it.
	verify := e.Begin(true)
	defer verify.Rollback()
	got, err := verify.Slice(Read, page, 3)
	require.NoError(t, err)
	require.NoError(t, verify.Unslice(got))
	require.Equal(t, buf, got.Bytes)
}

// Scenario 4 (spec.md §8), count > 1, commit path: the old multi-page
// extent a Slice(READ_WRITE) superseded stays live while a snapshot opened
// before the commit remains open, and the whole extent becomes reclaimable
// (not just its head page) once that snapshot closes.
func TestTransaction_SliceReadWriteCommitReclaimsWholeOldExtent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	setup := e.Begin(false)
	page, err := setup.Allocator().Alloc(3)
	require.NoError(t, err)
	w, err := setup.Slice(Write, page, 3)
	require.NoError(t, err)
	require.NoError(t, setup.Unslice(w))
	require.NoError(t, setup.Commit())

	reader := e.OpenSnapshot()

	tx := e.Begin(false)
	rw, err := tx.Slice(ReadWrite, page, 3)
	require.NoError(t, err)
	rw.Bytes[0] = 'Z'
	require.NoError(t, tx.Unslice(rw))
	require.NoError(t, tx.Commit())

	// Still observable to the pre-commit snapshot: none of the old extent
	// may be reused yet.
	require.True(t, e.Allocator().IsAllocated(page))
	require.True(t, e.Allocator().IsAllocated(page+1))
	require.True(t, e.Allocator().IsAllocated(page+2))

	e.CloseSnapshot(reader)

	// Reclamation runs synchronously inside CloseSnapshot: every page of
	// the old extent, not just its head, is now free.
	require.False(t, e.Allocator().IsAllocated(page))
	require.False(t, e.Allocator().IsAllocated(page+1))
	require.False(t, e.Allocator().IsAllocated(page+2))
}

func TestTransaction_WriteOnReadOnlyFailsUnsupported(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	tx := e.Begin(true)
	defer tx.Rollback()

	require.True(t, tx.IsReadOnly())
	err := tx.Write(0, make([]byte, e.PageSize()))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnsupported))
}

func TestTransaction_CommitTwiceFails(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	tx := e.Begin(false)
	require.NoError(t, tx.Commit())
	require.Error(t, tx.Commit())
}

func TestTransaction_RollbackIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	tx := e.Begin(false)
	tx.Rollback()
	tx.Rollback() // must not panic or double-free
}

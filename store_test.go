package pagestore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/pagestore/internal/broker"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := DefaultConfig(t.TempDir())
	cfg.FlushDelay = -1 // immediate flush, so tests don't need to sleep
	cfg.PageSize = 256

	store, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func submitAndWait(t *testing.T, store *Store, u *broker.UOW) (failed bool) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	u.OnComplete(func(f bool) {
		failed = f
		wg.Done()
	})
	store.SubmitUOW(u)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("uow did not complete in time")
	}
	return failed
}

func TestStore_OpenCreatesDirectoryAndCloses(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.Close())
	// Close is idempotent.
	require.NoError(t, store.Close())
}

func TestStore_OpenRejectsNilAndEmptyConfig(t *testing.T) {
	t.Parallel()

	_, err := Open(nil)
	require.Error(t, err)

	_, err = Open(&Config{})
	require.Error(t, err)
}

func TestStore_StoreEnqueueThenQueryStatus(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	q := store.AddQueue()

	u := store.CreateStoreUOW()
	key := store.NextMessageKey()
	u.Store(key, []byte("hello"))
	u.Enqueue(broker.QueueEntryRecord{Queue: q, Seq: 1, Message: key})

	require.False(t, submitAndWait(t, store, u))

	status, ok := store.GetQueueStatus(q)
	require.True(t, ok)
	require.Equal(t, 1, status.EntryCount)
	require.Equal(t, broker.QueueSeq(1), status.FirstSeq)

	rec, ok, err := store.LoadMessage(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), rec.Body)
}

func TestStore_GetQueueStatusUnknownQueueFails(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, ok := store.GetQueueStatus(broker.QueueKey(999))
	require.False(t, ok)
}

func TestStore_RemoveQueueForgetsIt(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	q := store.AddQueue()
	require.True(t, store.RemoveQueue(q))
	require.False(t, store.RemoveQueue(q))

	_, ok := store.GetQueueStatus(q)
	require.False(t, ok)
}

func TestStore_FlushMessageInvokesCallbackImmediately(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	called := make(chan bool, 1)
	store.FlushMessage(broker.MessageKey(1), func(failed bool) { called <- failed })

	select {
	case failed := <-called:
		require.False(t, failed)
	case <-time.After(time.Second):
		t.Fatal("FlushMessage callback never invoked")
	}
}

func TestStore_PurgeResetsMessagesAndQueueEntries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	q := store.AddQueue()
	key := store.NextMessageKey()

	u := store.CreateStoreUOW()
	u.Store(key, []byte("hello"))
	u.Enqueue(broker.QueueEntryRecord{Queue: q, Seq: 1, Message: key})
	require.False(t, submitAndWait(t, store, u))

	require.NoError(t, store.Purge())

	_, ok, err := store.LoadMessage(key)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, store.ListQueueEntries(q, 0, ^broker.QueueSeq(0)))

	// The store is still usable after a purge.
	newKey := store.NextMessageKey()
	u2 := store.CreateStoreUOW()
	u2.Store(newKey, []byte("world"))
	require.False(t, submitAndWait(t, store, u2))

	rec, ok, err := store.LoadMessage(newKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("world"), rec.Body)
}

func TestStore_PurgeFailsOnClosedStore(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.Close())
	require.Error(t, store.Purge())
}

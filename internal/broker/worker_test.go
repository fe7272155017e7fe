package broker

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaydb/pagestore/internal/storage"
)

func newTestWorker(t *testing.T) *FlushWorker {
	t.Helper()

	engine, err := storage.Open(storage.EngineConfig{
		Directory: t.TempDir(),
		PageSize:  256,
		Capacity:  256,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	w := NewFlushWorker(engine, NewMessageRecordCodec(0), NewQueueEntryRecordCodec(), zap.NewNop())
	t.Cleanup(w.Close)
	return w
}

func storeAndWait(t *testing.T, w *FlushWorker, u *UOW) (failed bool) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	w.Store([]*UOW{u}, func(_ *UOW, f bool) {
		failed = f
		wg.Done()
	})
	wg.Wait()
	return failed
}

func TestFlushWorker_StoreThenLoadMessage(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)

	u := newUOW(1)
	u.Store(MessageKey(1), []byte("payload"))
	require.False(t, storeAndWait(t, w, u))

	rec, ok, err := w.LoadMessage(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), rec.Body)
}

func TestFlushWorker_EnqueueThenQueueEntriesAndRanges(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)

	u := newUOW(1)
	u.Store(MessageKey(1), []byte("m1"))
	u.Enqueue(QueueEntryRecord{Queue: 5, Seq: 1, Message: 1})
	u.Enqueue(QueueEntryRecord{Queue: 5, Seq: 2, Message: 1})
	require.False(t, storeAndWait(t, w, u))

	entries := w.QueueEntries(5, 0, 100)
	require.Len(t, entries, 2)

	ranges := w.QueueEntryRanges(0)
	require.Contains(t, ranges, QueueKey(5))
	require.Equal(t, [2]QueueSeq{1, 2}, ranges[5])
}

func TestFlushWorker_DequeueClearsSlot(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)

	produce := newUOW(1)
	produce.Store(MessageKey(1), []byte("m1"))
	entry := QueueEntryRecord{Queue: 1, Seq: 1, Message: 1}
	produce.Enqueue(entry)
	require.False(t, storeAndWait(t, w, produce))
	require.Len(t, w.QueueEntries(1, 0, 10), 1)

	consume := newUOW(2)
	consume.Dequeue(entry)
	require.False(t, storeAndWait(t, w, consume))
	require.Empty(t, w.QueueEntries(1, 0, 10))
}

func TestFlushWorker_LoadMessageUnknownKeyReturnsFalse(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)
	rec, ok, err := w.LoadMessage(999)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, rec)
}

func TestFlushWorker_BatchIsStampedOnUOWs(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)
	u := newUOW(1)
	u.Store(MessageKey(1), []byte("m1"))
	require.False(t, storeAndWait(t, w, u))

	require.NotEqual(t, uuid.Nil, u.BatchID())
}

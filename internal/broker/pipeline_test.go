package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeWorker records batches handed to it by the coordinator and, by
// default, completes each UOW successfully on the caller's goroutine.
type fakeWorker struct {
	mu      sync.Mutex
	batches [][]*UOW
	storeFn func(uows []*UOW, onDone func(uow *UOW, failed bool))
}

func (w *fakeWorker) Store(uows []*UOW, onDone func(uow *UOW, failed bool)) {
	w.mu.Lock()
	w.batches = append(w.batches, uows)
	w.mu.Unlock()

	if w.storeFn != nil {
		w.storeFn(uows, onDone)
		return
	}
	for _, u := range uows {
		onDone(u, false)
	}
}

func (w *fakeWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

// submitAndWait registers a completion listener before handing u to p, to
// avoid racing against an immediate (no-delay) flush completing before the
// listener is attached.
func submitAndWait(t *testing.T, p *Pipeline, u *UOW) (failed bool) {
	t.Helper()
	done := make(chan bool, 1)
	u.OnComplete(func(f bool) { done <- f })
	p.Submit(u)
	select {
	case f := <-done:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("uow %d never completed", u.ID())
		return false
	}
}

func TestPipeline_ImmediateFlushWithNoDelay(t *testing.T) {
	t.Parallel()

	w := &fakeWorker{}
	p := NewPipeline(-1, w, zap.NewNop())
	defer p.Close()

	u := p.CreateUOW()
	key := p.NextMessageKey()
	u.Store(key, []byte("hello"))

	failed := submitAndWait(t, p, u)
	assert.False(t, failed)
	assert.Equal(t, 1, w.callCount())
}

// Scenario 2 (spec.md §8): an enqueue followed, before it flushes, by a
// dequeue of the same (queue, seq) cancels both sides without ever reaching
// the worker.
func TestPipeline_MatchedEnqueueDequeueCancelsBothSidesWithoutFlush(t *testing.T) {
	t.Parallel()

	w := &fakeWorker{}
	p := NewPipeline(200*time.Millisecond, w, zap.NewNop())
	defer p.Close()

	producer := p.CreateUOW()
	msgKey := p.NextMessageKey()
	producer.Store(msgKey, []byte("body"))
	entry := QueueEntryRecord{Queue: 1, Seq: 1, Message: msgKey}
	producer.Enqueue(entry)

	consumer := p.CreateUOW()
	consumer.Dequeue(entry)

	var wg sync.WaitGroup
	wg.Add(2)
	var producerFailed, consumerFailed bool
	producer.OnComplete(func(f bool) { producerFailed = f; wg.Done() })
	consumer.OnComplete(func(f bool) { consumerFailed = f; wg.Done() })

	p.Submit(producer)
	p.Submit(consumer)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("uows did not complete in time")
	}

	assert.False(t, producerFailed)
	assert.False(t, consumerFailed)
	assert.Equal(t, 0, w.callCount(), "matched enqueue/dequeue must never reach the worker")
}

// Scenario 3 (spec.md §8): CompleteASAP forces an immediate flush even when
// the pipeline's delay window is large.
func TestPipeline_CompleteASAPForcesImmediateFlush(t *testing.T) {
	t.Parallel()

	w := &fakeWorker{}
	p := NewPipeline(time.Hour, w, zap.NewNop())
	defer p.Close()

	u := p.CreateUOW()
	key := p.NextMessageKey()
	u.Store(key, []byte("urgent"))
	u.CompleteASAP()

	failed := submitAndWait(t, p, u)
	assert.False(t, failed)
	assert.Equal(t, 1, w.callCount())
}

func TestPipeline_DelayableUOWFlushesOnlyAfterWindow(t *testing.T) {
	t.Parallel()

	w := &fakeWorker{}
	delay := 150 * time.Millisecond
	p := NewPipeline(delay, w, zap.NewNop())
	defer p.Close()

	u := p.CreateUOW()
	key := p.NextMessageKey()
	u.Store(key, []byte("delayed"))
	start := time.Now()

	submitAndWait(t, p, u)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, delay/2, "a delayable UOW must not flush immediately")
	assert.Equal(t, 1, w.callCount())
}

// The flush drain batches every UOW whose delay window lapses at the same
// tick into one Worker.Store call, per spec.md §4.G's "collects all
// currently pending IDs … hands the batch to the Flush Worker" rule.
func TestPipeline_UOWsDueInTheSameWindowFlushAsOneBatch(t *testing.T) {
	t.Parallel()

	w := &fakeWorker{}
	delay := 150 * time.Millisecond
	p := NewPipeline(delay, w, zap.NewNop())
	defer p.Close()

	u1 := p.CreateUOW()
	u1.Store(p.NextMessageKey(), []byte("first"))
	u2 := p.CreateUOW()
	u2.Store(p.NextMessageKey(), []byte("second"))

	var wg sync.WaitGroup
	wg.Add(2)
	var failed1, failed2 bool
	u1.OnComplete(func(f bool) { failed1 = f; wg.Done() })
	u2.OnComplete(func(f bool) { failed2 = f; wg.Done() })

	p.Submit(u1)
	p.Submit(u2)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("uows did not complete in time")
	}

	assert.False(t, failed1)
	assert.False(t, failed2)
	require.Equal(t, 1, w.callCount(), "both UOWs fell due in the same delay window and must reach the worker in one batch")
	assert.Len(t, w.batches[0], 2)
}

func TestPipeline_WorkerFailurePropagatesToCompletionListener(t *testing.T) {
	t.Parallel()

	w := &fakeWorker{
		storeFn: func(uows []*UOW, onDone func(uow *UOW, failed bool)) {
			for _, u := range uows {
				onDone(u, true)
			}
		},
	}
	p := NewPipeline(-1, w, zap.NewNop())
	defer p.Close()

	u := p.CreateUOW()
	key := p.NextMessageKey()
	u.Store(key, []byte("will fail"))

	failed := submitAndWait(t, p, u)
	assert.True(t, failed)
}

func TestPipeline_KeysAreMonotonicAndDistinct(t *testing.T) {
	t.Parallel()

	w := &fakeWorker{}
	p := NewPipeline(-1, w, zap.NewNop())
	defer p.Close()

	require.Equal(t, MessageKey(1), p.NextMessageKey())
	require.Equal(t, MessageKey(2), p.NextMessageKey())
	require.Equal(t, QueueKey(1), p.NextQueueKey())
	require.Equal(t, uint64(1), p.CreateUOW().ID())
	require.Equal(t, uint64(2), p.CreateUOW().ID())
}

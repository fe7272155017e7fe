package broker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker is the sole writer the pipeline dispatches flush batches to.
type Worker interface {
	// Store persists uows into the paged engine and calls onDone exactly
	// once per UOW once the batch's transaction has committed (or failed).
	Store(uows []*UOW, onDone func(uow *UOW, failed bool))
}

// event is a message submitted to the coordinator's single serial queue.
// Exactly one of its fields is set.
type event struct {
	submit *UOW
	done   *flushResult
}

type flushResult struct {
	uows   []*UOW
	failed bool
}

// Pipeline is the single-writer UOW coordinator (component G). External
// goroutines call Submit/NextMessageKey/NextQueueKey; the coordinator itself
// runs on one goroutine reading a serial events channel, preserving the
// "touched only on the coordinator queue" invariant for pendingStores,
// pendingEnqueues, and delayedUOWs without needing a lock around them.
type Pipeline struct {
	flushDelay time.Duration
	worker     Worker
	logger     *zap.Logger

	nextUOWID      uint64
	nextMessageKey uint64
	nextQueueKey   uint64
	keysMu         sync.Mutex

	events       chan event
	flushSignals chan uint64
	quit         chan struct{}
	wg           sync.WaitGroup

	// coordinator-owned state; touched only from run().
	pendingStores   map[MessageKey]*MessageAction
	pendingEnqueues map[queueEntryKey]*MessageAction
	delayedUOWs     map[uint64]*UOW
}

// NewPipeline creates a Pipeline dispatching batched flushes to worker.
// flushDelay < 0 disables delay (every UOW flushes immediately);
// flushDelay >= 0 is the upper bound a delayable UOW may wait before its
// drain forces a flush.
func NewPipeline(flushDelay time.Duration, worker Worker, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		flushDelay:      flushDelay,
		worker:          worker,
		logger:          logger,
		events:          make(chan event, 256),
		flushSignals:    make(chan uint64, 256),
		quit:            make(chan struct{}),
		pendingStores:   make(map[MessageKey]*MessageAction),
		pendingEnqueues: make(map[queueEntryKey]*MessageAction),
		delayedUOWs:     make(map[uint64]*UOW),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Close stops the coordinator goroutine. It does not wait for in-flight
// flushes to complete; callers that need drain-to-completion semantics
// should stop submitting and wait for outstanding completion listeners
// themselves.
func (p *Pipeline) Close() {
	close(p.quit)
	p.wg.Wait()
}

// NextMessageKey reserves and returns the next monotonically increasing
// message key, for the caller to pass to UOW.Store.
func (p *Pipeline) NextMessageKey() MessageKey {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()
	p.nextMessageKey++
	return MessageKey(p.nextMessageKey)
}

// NextQueueKey reserves and returns the next monotonically increasing queue
// key.
func (p *Pipeline) NextQueueKey() QueueKey {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()
	p.nextQueueKey++
	return QueueKey(p.nextQueueKey)
}

// CreateUOW returns a new UOW in the Building state, not yet visible to the
// coordinator.
func (p *Pipeline) CreateUOW() *UOW {
	p.keysMu.Lock()
	p.nextUOWID++
	id := p.nextUOWID
	p.keysMu.Unlock()
	return newUOW(id)
}

// Submit hands u to the coordinator (the "dispose" step of the UOW
// lifecycle: releasing the last handle to a building UOW). It is safe to
// call from any goroutine.
func (p *Pipeline) Submit(u *UOW) {
	u.mu.Lock()
	u.state = uowSubmitted
	u.mu.Unlock()
	p.events <- event{submit: u}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	timers := make(map[uint64]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	flushTimer := func(id uint64) {
		if t, ok := timers[id]; ok {
			t.Stop()
			delete(timers, id)
		}
		timers[id] = time.AfterFunc(p.flushDelay, func() {
			select {
			case p.flushSignals <- id:
			case <-p.quit:
			}
		})
	}

	for {
		select {
		case <-p.quit:
			return
		case ev := <-p.events:
			switch {
			case ev.submit != nil:
				p.drain(ev.submit, flushTimer)
			case ev.done != nil:
				p.completeBatch(ev.done)
			}
		case id := <-p.flushSignals:
			// The flush drain: id is due now, plus every other id that
			// happens to already be buffered at this same tick, per
			// §4.G's "the flush drain collects all currently pending IDs"
			// rule. Ids whose timer hasn't fired yet stay queued for a
			// later tick; this only batches ids that are simultaneously
			// ready, it never delays a ready one to wait for a late one.
			p.flushBatch(p.drainPendingFlushIDs(id))
		}
	}
}

// drainPendingFlushIDs returns seed plus every other flush id already
// waiting on p.flushSignals, without blocking for ids whose timer has not
// fired yet.
func (p *Pipeline) drainPendingFlushIDs(seed uint64) []uint64 {
	ids := []uint64{seed}
	for {
		select {
		case id := <-p.flushSignals:
			ids = append(ids, id)
		default:
			return ids
		}
	}
}

// drain implements the coordinator's per-submission algorithm (§4.G step
// 2-3): insert into delayedUOWs, cancel matched enqueue/dequeue pairs
// against pendingEnqueues, then schedule this UOW's own flush.
func (p *Pipeline) drain(u *UOW, scheduleFlush func(id uint64)) {
	p.delayedUOWs[u.id] = u

	u.mu.Lock()
	state := uowDelayed
	u.state = state
	actions := u.actions
	u.mu.Unlock()

	for msgKey, action := range actions {
		p.registerStore(msgKey, action)

		// Copy the dequeue list; removeEnqueue/removeDequeue mutate it.
		dequeues := append([]QueueEntryRecord(nil), action.dequeues...)
		for _, dq := range dequeues {
			key := queueEntryKey{queue: dq.Queue, seq: dq.Seq}
			prior, ok := p.pendingEnqueues[key]
			if !ok {
				continue
			}
			prior.uow.mu.Lock()
			priorFlushing := prior.uow.state == uowFlushing
			prior.uow.mu.Unlock()
			if priorFlushing {
				continue
			}

			prior.removeEnqueue(key)
			delete(p.pendingEnqueues, key)
			prior.uow.mu.Lock()
			prior.uow.delayableActions--
			prior.uow.mu.Unlock()

			if len(prior.enqueues) == 0 && prior.record != nil {
				delete(p.pendingStores, prior.message)
				prior.record = nil
				prior.uow.mu.Lock()
				prior.uow.delayableActions--
				prior.uow.mu.Unlock()
			}

			if prior.isEmpty() {
				p.cancelAction(prior, scheduleFlush)
			} else {
				prior.uow.mu.Lock()
				priorNotDelayable := prior.uow.disableDelay || prior.uow.delayableActions <= 0
				prior.uow.mu.Unlock()
				if priorNotDelayable {
					scheduleFlush(prior.uow.id)
				}
			}

			action.removeDequeue(key)
		}

		if action.isEmpty() {
			p.cancelAction(action, scheduleFlush)
		}
	}

	p.scheduleSelf(u, scheduleFlush)
}

// registerStore records action's store/enqueue footprint in the
// coordinator's pending maps, so a later UOW's dequeue can find it.
func (p *Pipeline) registerStore(msgKey MessageKey, action *MessageAction) {
	if action.record != nil {
		p.pendingStores[msgKey] = action
	}
	for _, e := range action.enqueues {
		p.pendingEnqueues[queueEntryKey{queue: e.Queue, seq: e.Seq}] = action
	}
}

// cancelAction removes action from its owning UOW; if the UOW has no
// actions left, the UOW itself is canceled.
func (p *Pipeline) cancelAction(action *MessageAction, scheduleFlush func(id uint64)) {
	u := action.uow
	u.mu.Lock()
	delete(u.actions, action.message)
	empty := len(u.actions) == 0
	u.mu.Unlock()

	if empty {
		p.cancelUOW(u)
	}
}

func (p *Pipeline) cancelUOW(u *UOW) {
	u.mu.Lock()
	if u.state == uowCanceled || u.state == uowFlushed {
		u.mu.Unlock()
		return
	}
	u.state = uowCanceled
	u.mu.Unlock()

	delete(p.delayedUOWs, u.id)
	u.fireCompletion(false)
}

// scheduleSelf computes delayability for u and either schedules a delayed
// flush or flushes immediately, per §4.G step 3.
func (p *Pipeline) scheduleSelf(u *UOW, scheduleFlush func(id uint64)) {
	u.mu.Lock()
	_, stillTracked := p.delayedUOWs[u.id]
	if !stillTracked {
		u.mu.Unlock()
		return
	}
	delayable := !u.disableDelay && u.delayableActions > 0 && p.flushDelay >= 0
	u.mu.Unlock()

	if delayable {
		scheduleFlush(u.id)
		return
	}
	p.flushBatch([]uint64{u.id})
}

// flushBatch resolves ids against delayedUOWs (an id is absent if its UOW
// already canceled or flushed via an earlier batch this tick), marks every
// survivor flushing, and hands them to the worker as a single batch: this
// is the coordinator's half of §4.G's "collects all currently pending IDs …
// hands the batch to the Flush Worker" batching contract.
func (p *Pipeline) flushBatch(ids []uint64) {
	batch := make([]*UOW, 0, len(ids))
	for _, id := range ids {
		u, ok := p.delayedUOWs[id]
		if !ok {
			continue
		}
		u.mu.Lock()
		skip := u.state == uowFlushing || u.state == uowFlushed || u.state == uowCanceled
		if !skip {
			u.state = uowFlushing
		}
		u.mu.Unlock()
		if skip {
			continue
		}
		batch = append(batch, u)
	}
	if len(batch) == 0 {
		return
	}

	p.worker.Store(batch, func(uow *UOW, failed bool) {
		p.events <- event{done: &flushResult{uows: []*UOW{uow}, failed: failed}}
	})
}

// completeBatch runs on the coordinator after the worker invokes onDone: it
// clears the flushed UOWs from pendingStores/pendingEnqueues, fires their
// completion listeners, and retires them.
func (p *Pipeline) completeBatch(r *flushResult) {
	for _, u := range r.uows {
		u.mu.Lock()
		u.state = uowFlushed
		actions := u.actions
		u.mu.Unlock()

		for msgKey, action := range actions {
			delete(p.pendingStores, msgKey)
			for _, e := range action.enqueues {
				delete(p.pendingEnqueues, queueEntryKey{queue: e.Queue, seq: e.Seq})
			}
		}

		delete(p.delayedUOWs, u.id)
		u.fireCompletion(r.failed)
	}
}

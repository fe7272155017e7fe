package broker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydb/pagestore/internal/storage"
)

// flushJob is one batch dispatched to the worker's single goroutine.
type flushJob struct {
	uows   []*UOW
	onDone func(uow *UOW, failed bool)
}

// FlushWorker is the single-thread pool (component H) that is the only
// writer into the paged engine: it serializes each UOW in a batch into one
// transaction, commits, and reports completion back to the coordinator.
// Running all flushes through one goroutine removes the need for
// multi-writer transaction isolation in internal/storage.
type FlushWorker struct {
	engine       *storage.Engine
	messageCodec storage.Codec
	queueCodec   storage.Codec
	messagePages map[MessageKey]storage.PageId
	queuePages   map[queueEntryKey]queueEntrySlot
	pagesMu      sync.Mutex
	logger       *zap.Logger

	jobs chan flushJob
	quit chan struct{}
	wg   sync.WaitGroup
}

// queueEntrySlot is the durable location of one committed queue placement.
type queueEntrySlot struct {
	page    storage.PageId
	message MessageKey
}

// NewFlushWorker creates a worker that persists UOWs against engine, using
// messageCodec and queueCodec to encode MessageRecord and QueueEntryRecord
// values respectively.
func NewFlushWorker(engine *storage.Engine, messageCodec, queueCodec storage.Codec, logger *zap.Logger) *FlushWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &FlushWorker{
		engine:       engine,
		messageCodec: messageCodec,
		queueCodec:   queueCodec,
		messagePages: make(map[MessageKey]storage.PageId),
		queuePages:   make(map[queueEntryKey]queueEntrySlot),
		logger:       logger,
		jobs:         make(chan flushJob, 64),
		quit:         make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Close stops the worker goroutine and waits for it to exit. A job already
// being processed finishes; jobs still queued are not processed.
func (w *FlushWorker) Close() {
	close(w.quit)
	w.wg.Wait()
}

// Store implements Pipeline's Worker interface: it enqueues the batch for
// the worker goroutine and returns immediately.
func (w *FlushWorker) Store(uows []*UOW, onDone func(uow *UOW, failed bool)) {
	select {
	case w.jobs <- flushJob{uows: uows, onDone: onDone}:
	case <-w.quit:
	}
}

func (w *FlushWorker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case job := <-w.jobs:
			w.process(job)
		}
	}
}

func (w *FlushWorker) process(job flushJob) {
	batchID := uuid.New()
	for _, u := range job.uows {
		u.setBatchID(batchID)
	}

	tx := w.engine.Begin(false)

	for _, u := range job.uows {
		if err := w.applyUOW(tx, u); err != nil {
			w.logger.Error("flush worker: apply UOW failed, rolling back batch",
				zap.String("batch_id", batchID.String()),
				zap.Uint64("uow_id", u.ID()),
				zap.Error(err),
			)
			tx.Rollback()
			for _, failed := range job.uows {
				job.onDone(failed, true)
			}
			return
		}
	}

	if err := tx.Commit(); err != nil {
		w.logger.Error("flush worker: commit failed",
			zap.String("batch_id", batchID.String()),
			zap.Error(err),
		)
		for _, failed := range job.uows {
			job.onDone(failed, true)
		}
		return
	}

	w.logger.Debug("flush worker: batch committed",
		zap.String("batch_id", batchID.String()),
		zap.Int("uow_count", len(job.uows)),
	)
	for _, u := range job.uows {
		job.onDone(u, false)
	}
}

// applyUOW persists one UOW's message and queue-entry actions into tx. A
// store allocates (or reuses) a page for the message, enqueues/dequeues
// allocate or release queue-entry pages tracked in w.queuePages.
func (w *FlushWorker) applyUOW(tx *storage.Transaction, u *UOW) error {
	u.mu.Lock()
	actions := u.actions
	u.mu.Unlock()

	for msgKey, action := range actions {
		if action.record != nil {
			page, ok := w.pageForMessage(msgKey)
			if !ok {
				newPage, err := tx.Allocator().Alloc(1)
				if err != nil {
					return fmt.Errorf("allocate message page: %w", err)
				}
				page = newPage
				w.setPageForMessage(msgKey, page)
			}
			if err := tx.Put(w.messageCodec, page, *action.record); err != nil {
				return fmt.Errorf("store message %d: %w", msgKey, err)
			}
		}

		for _, e := range action.enqueues {
			key := queueEntryKey{queue: e.Queue, seq: e.Seq}
			page, err := tx.Allocator().Alloc(1)
			if err != nil {
				return fmt.Errorf("allocate queue entry page: %w", err)
			}
			if err := tx.Put(w.queueCodec, page, e); err != nil {
				return fmt.Errorf("enqueue %v: %w", key, err)
			}
			w.setQueueEntrySlot(key, queueEntrySlot{page: page, message: e.Message})
		}

		for _, d := range action.dequeues {
			key := queueEntryKey{queue: d.Queue, seq: d.Seq}
			slot, ok := w.queueEntrySlot(key)
			if !ok {
				// Already flushed in an earlier batch and not tracked
				// here after a process restart; nothing to release.
				continue
			}
			if err := tx.Remove(w.queueCodec, slot.page); err != nil {
				return fmt.Errorf("dequeue %v: %w", key, err)
			}
			w.clearQueueEntrySlot(key)
		}
	}

	return nil
}

// Reset drops every tracked message/queue-entry page, for use after the
// underlying engine has been purged. Callers must ensure no flush job is
// in flight when calling it.
func (w *FlushWorker) Reset() {
	w.pagesMu.Lock()
	defer w.pagesMu.Unlock()
	w.messagePages = make(map[MessageKey]storage.PageId)
	w.queuePages = make(map[queueEntryKey]queueEntrySlot)
}

func (w *FlushWorker) pageForMessage(key MessageKey) (storage.PageId, bool) {
	w.pagesMu.Lock()
	defer w.pagesMu.Unlock()
	p, ok := w.messagePages[key]
	return p, ok
}

func (w *FlushWorker) setPageForMessage(key MessageKey, page storage.PageId) {
	w.pagesMu.Lock()
	defer w.pagesMu.Unlock()
	w.messagePages[key] = page
}

func (w *FlushWorker) queueEntrySlot(key queueEntryKey) (queueEntrySlot, bool) {
	w.pagesMu.Lock()
	defer w.pagesMu.Unlock()
	s, ok := w.queuePages[key]
	return s, ok
}

func (w *FlushWorker) setQueueEntrySlot(key queueEntryKey, slot queueEntrySlot) {
	w.pagesMu.Lock()
	defer w.pagesMu.Unlock()
	w.queuePages[key] = slot
}

func (w *FlushWorker) clearQueueEntrySlot(key queueEntryKey) {
	w.pagesMu.Lock()
	defer w.pagesMu.Unlock()
	delete(w.queuePages, key)
}

// QueueEntries returns every committed placement currently known for queue,
// within [firstSeq, lastSeq]. It reflects only durably flushed state, not
// UOWs still delayed or in flight.
func (w *FlushWorker) QueueEntries(queue QueueKey, firstSeq, lastSeq QueueSeq) []QueueEntryRecord {
	w.pagesMu.Lock()
	defer w.pagesMu.Unlock()

	var out []QueueEntryRecord
	for key, slot := range w.queuePages {
		if key.queue != queue {
			continue
		}
		if key.seq < firstSeq || key.seq > lastSeq {
			continue
		}
		out = append(out, QueueEntryRecord{Queue: key.queue, Seq: key.seq, Message: slot.message})
	}
	return out
}

// QueueEntryRanges returns, for every queue with at least one committed
// entry, its minimum and maximum known sequence number. limit caps the
// number of queues returned; 0 means unlimited.
func (w *FlushWorker) QueueEntryRanges(limit int) map[QueueKey][2]QueueSeq {
	w.pagesMu.Lock()
	defer w.pagesMu.Unlock()

	ranges := make(map[QueueKey][2]QueueSeq)
	for key := range w.queuePages {
		r, ok := ranges[key.queue]
		if !ok {
			ranges[key.queue] = [2]QueueSeq{key.seq, key.seq}
			continue
		}
		if key.seq < r[0] {
			r[0] = key.seq
		}
		if key.seq > r[1] {
			r[1] = key.seq
		}
		ranges[key.queue] = r
	}
	if limit > 0 && len(ranges) > limit {
		trimmed := make(map[QueueKey][2]QueueSeq, limit)
		n := 0
		for k, v := range ranges {
			if n >= limit {
				break
			}
			trimmed[k] = v
			n++
		}
		return trimmed
	}
	return ranges
}

// LoadMessage returns the message record stored at the page currently
// tracked for key, reading through a fresh read-only transaction against
// engine. The bool result is false if no message is tracked under key.
func (w *FlushWorker) LoadMessage(key MessageKey) (*MessageRecord, bool, error) {
	page, ok := w.pageForMessage(key)
	if !ok {
		return nil, false, nil
	}

	tx := w.engine.Begin(true)
	defer tx.Rollback()

	v, err := tx.Get(w.messageCodec, page)
	if err != nil {
		return nil, true, err
	}
	rec, ok := v.(MessageRecord)
	if !ok {
		return nil, true, fmt.Errorf("broker: unexpected decoded type %T for message %d", v, key)
	}
	return &rec, true, nil
}

// Package broker implements the asynchronous unit-of-work pipeline that
// batches, cancels, and flushes broker-level message and queue operations
// against the paged storage core: a single-writer coordinator accepting
// store/enqueue/dequeue actions, eliding matched enqueue/dequeue pairs
// before they touch disk, delaying flush within a bounded window, and
// dispatching batched flushes to a worker that persists them through
// internal/storage.
package broker

import (
	"sync"

	"github.com/google/uuid"
)

// MessageKey identifies a stored message, assigned monotonically by the
// pipeline at store time.
type MessageKey uint64

// QueueKey identifies a queue.
type QueueKey uint64

// QueueSeq is a message's sequence number within one queue.
type QueueSeq uint64

// queueEntryKey is the (queueKey, queueSeq) pair enqueue/dequeue
// cancellation matches against.
type queueEntryKey struct {
	queue QueueKey
	seq   QueueSeq
}

// MessageRecord is the broker-supplied payload of a stored message. Body is
// opaque to the pipeline; only the codecs in codecs.go interpret it.
type MessageRecord struct {
	Key  MessageKey
	Body []byte
}

// QueueEntryRecord names one (queue, sequence) placement of a message.
type QueueEntryRecord struct {
	Queue   QueueKey
	Seq     QueueSeq
	Message MessageKey
}

// MessageAction is the UOW-scoped bundle of work touching one message: at
// most one MessageRecord plus ordered enqueue/dequeue lists. An action with
// no record and empty enqueue/dequeue lists is empty and eligible for
// cancellation — see isEmpty.
type MessageAction struct {
	uow      *UOW
	message  MessageKey
	record   *MessageRecord
	enqueues []QueueEntryRecord
	dequeues []QueueEntryRecord
}

func (a *MessageAction) isEmpty() bool {
	return a.record == nil && len(a.enqueues) == 0 && len(a.dequeues) == 0
}

func (a *MessageAction) removeEnqueue(key queueEntryKey) bool {
	for i, e := range a.enqueues {
		if e.Queue == key.queue && e.Seq == key.seq {
			a.enqueues = append(a.enqueues[:i], a.enqueues[i+1:]...)
			return true
		}
	}
	return false
}

func (a *MessageAction) removeDequeue(key queueEntryKey) bool {
	for i, d := range a.dequeues {
		if d.Queue == key.queue && d.Seq == key.seq {
			a.dequeues = append(a.dequeues[:i], a.dequeues[i+1:]...)
			return true
		}
	}
	return false
}

// uowState is a UOW's position in its Building -> Submitted -> (Canceled |
// Delayed -> Flushing -> Flushed) lifecycle.
type uowState int

const (
	uowBuilding uowState = iota
	uowSubmitted
	uowDelayed
	uowFlushing
	uowFlushed
	uowCanceled
)

// CompletionListener is invoked exactly once when a UOW reaches a terminal
// state, successfully flushed or canceled; failed is set only on a worker
// failure, never on cancellation (the pipeline treats cancellation and a
// successful flush identically from the listener's point of view).
type CompletionListener func(failed bool)

// UOW is a broker-level batch of message and queue actions that commits (or
// cancels) atomically. Its own actions and completion listeners may be
// touched by the submitting goroutine before dispose and by the coordinator
// afterward; mu serializes that handover.
type UOW struct {
	id uint64

	mu                sync.Mutex
	state             uowState
	actions           map[MessageKey]*MessageAction
	completeListeners []CompletionListener
	disableDelay      bool
	delayableActions  int

	// batchID correlates this UOW with the flush batch it was persisted
	// in, for log correlation only; it carries no ordering meaning.
	batchID uuid.UUID
}

func newUOW(id uint64) *UOW {
	return &UOW{
		id:      id,
		state:   uowBuilding,
		actions: make(map[MessageKey]*MessageAction),
	}
}

// ID returns the UOW's monotonically increasing identifier.
func (u *UOW) ID() uint64 { return u.id }

// BatchID returns the flush batch this UOW was persisted in, for log
// correlation. It is the zero UUID until the worker has assigned one.
func (u *UOW) BatchID() uuid.UUID {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.batchID
}

func (u *UOW) setBatchID(id uuid.UUID) {
	u.mu.Lock()
	u.batchID = id
	u.mu.Unlock()
}

func (u *UOW) actionFor(key MessageKey) *MessageAction {
	a, ok := u.actions[key]
	if !ok {
		a = &MessageAction{uow: u, message: key}
		u.actions[key] = a
	}
	return a
}

// Store attaches record to this UOW under messageKey and counts it as a
// delayable action. Callers obtain messageKey from Pipeline.NextMessageKey
// (mirroring the coordinator's own key assignment) before calling Store.
func (u *UOW) Store(messageKey MessageKey, body []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	a := u.actionFor(messageKey)
	a.record = &MessageRecord{Key: messageKey, Body: body}
	u.delayableActions++
}

// Enqueue appends entry to its message's action and counts it as delayable.
func (u *UOW) Enqueue(entry QueueEntryRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	a := u.actionFor(entry.Message)
	a.enqueues = append(a.enqueues, entry)
	u.delayableActions++
}

// Dequeue appends entry to its message's action. Dequeues are never
// themselves delayable; they exist to be matched against a pending enqueue
// during the coordinator drain.
func (u *UOW) Dequeue(entry QueueEntryRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	a := u.actionFor(entry.Message)
	a.dequeues = append(a.dequeues, entry)
}

// OnComplete registers a listener invoked exactly once when the UOW reaches
// a terminal state.
func (u *UOW) OnComplete(cb CompletionListener) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.completeListeners = append(u.completeListeners, cb)
}

// CompleteASAP disables this UOW's delay eligibility; if the coordinator has
// not yet drained it, the next drain flushes it immediately instead of
// scheduling a delayed flush.
func (u *UOW) CompleteASAP() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.disableDelay = true
}

func (u *UOW) fireCompletion(failed bool) {
	u.mu.Lock()
	listeners := u.completeListeners
	u.completeListeners = nil
	u.mu.Unlock()
	for _, cb := range listeners {
		cb(failed)
	}
}

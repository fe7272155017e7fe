package pagestore

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relaydb/pagestore/internal/broker"
	"github.com/relaydb/pagestore/internal/pkg/logging"
	"github.com/relaydb/pagestore/internal/storage"
)

// QueueStatus summarizes one queue's known entry range, as reported by
// GetQueueStatus.
type QueueStatus struct {
	Queue      broker.QueueKey
	FirstSeq   broker.QueueSeq
	LastSeq    broker.QueueSeq
	EntryCount int
}

// Store is the broker-facing façade over the paged engine and the UOW
// pipeline: it is the thing a message broker opens once and keeps for the
// lifetime of the process.
type Store struct {
	cfg    *Config
	engine *storage.Engine
	worker *broker.FlushWorker
	pipe   *broker.Pipeline
	logger *zap.Logger

	mu     sync.RWMutex
	queues map[broker.QueueKey]struct{}
	closed bool
}

// Open opens (creating if necessary) a Store under cfg.Directory.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pagestore: config is required")
	}
	if cfg.Directory == "" {
		return nil, fmt.Errorf("pagestore: config.Directory is required")
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("pagestore: invalid log level %q: %w", cfg.LogLevel, err)
	}
	zapCfg := logging.DefaultConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("pagestore: build logger: %w", err)
	}

	engine, err := storage.Open(storage.EngineConfig{
		Directory:      cfg.Directory,
		PageSize:       cfg.PageSize,
		MaxCachedPages: cfg.MaxCachedPages,
		JournalEnabled: cfg.JournalEnabled,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("pagestore: open engine: %w", err)
	}

	snappyThreshold := 0
	if cfg.CompressPages {
		snappyThreshold = 256
	}
	messageCodec := broker.NewMessageRecordCodec(snappyThreshold)
	queueCodec := broker.NewQueueEntryRecordCodec()

	worker := broker.NewFlushWorker(engine, messageCodec, queueCodec, logger)
	pipe := broker.NewPipeline(cfg.FlushDelay, worker, logger)

	return &Store{
		cfg:    cfg,
		engine: engine,
		worker: worker,
		pipe:   pipe,
		logger: logger,
		queues: make(map[broker.QueueKey]struct{}),
	}, nil
}

// Close stops the pipeline and worker goroutines and closes the underlying
// engine. It does not wait for in-flight flushes' completion listeners.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pipe.Close()
	s.worker.Close()
	return s.engine.Close()
}

// Config returns the configuration this Store was opened with.
func (s *Store) Config() *Config {
	return s.cfg
}

// AddQueue registers a new, empty queue and returns its key.
func (s *Store) AddQueue() broker.QueueKey {
	key := s.pipe.NextQueueKey()
	s.mu.Lock()
	s.queues[key] = struct{}{}
	s.mu.Unlock()
	return key
}

// RemoveQueue drops a queue from this Store's known set. It reports whether
// the queue was known. It does not delete any already-committed entries
// against that key; the broker is expected to have dequeued them first.
func (s *Store) RemoveQueue(key broker.QueueKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[key]; !ok {
		return false
	}
	delete(s.queues, key)
	return true
}

// GetQueueStatus reports a queue's durably committed first/last sequence
// and entry count. The bool result is false if the queue is unknown.
func (s *Store) GetQueueStatus(key broker.QueueKey) (QueueStatus, bool) {
	s.mu.RLock()
	_, known := s.queues[key]
	s.mu.RUnlock()
	if !known {
		return QueueStatus{}, false
	}

	entries := s.worker.QueueEntries(key, 0, ^broker.QueueSeq(0))
	status := QueueStatus{Queue: key, EntryCount: len(entries)}
	for i, e := range entries {
		if i == 0 || e.Seq < status.FirstSeq {
			status.FirstSeq = e.Seq
		}
		if i == 0 || e.Seq > status.LastSeq {
			status.LastSeq = e.Seq
		}
	}
	return status, true
}

// ListQueues returns every known queue key.
func (s *Store) ListQueues() []broker.QueueKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]broker.QueueKey, 0, len(s.queues))
	for k := range s.queues {
		out = append(out, k)
	}
	return out
}

// ListQueueEntryRanges returns, for every queue with at least one durably
// committed entry, its minimum and maximum known sequence number, up to
// limit queues (0 = unlimited).
func (s *Store) ListQueueEntryRanges(limit int) map[broker.QueueKey][2]broker.QueueSeq {
	return s.worker.QueueEntryRanges(limit)
}

// ListQueueEntries returns the durably committed placements on key within
// [firstSeq, lastSeq]. Entries still in the pipeline (delayed or flushing)
// are not reflected until their flush commits.
func (s *Store) ListQueueEntries(key broker.QueueKey, firstSeq, lastSeq broker.QueueSeq) []broker.QueueEntryRecord {
	return s.worker.QueueEntries(key, firstSeq, lastSeq)
}

// LoadMessage returns the durably committed body of messageKey, if any.
func (s *Store) LoadMessage(messageKey broker.MessageKey) (*broker.MessageRecord, bool, error) {
	return s.worker.LoadMessage(messageKey)
}

// CreateStoreUOW creates a new UOW. The caller populates it via UOW.Store/
// Enqueue/Dequeue and then disposes it with SubmitUOW.
func (s *Store) CreateStoreUOW() *broker.UOW {
	return s.pipe.CreateUOW()
}

// NextMessageKey reserves the next monotonically increasing message key, for
// use with UOW.Store.
func (s *Store) NextMessageKey() broker.MessageKey {
	return s.pipe.NextMessageKey()
}

// SubmitUOW hands u to the pipeline: the "dispose" step of its lifecycle,
// after which the caller must not touch u directly again except through its
// completion listener.
func (s *Store) SubmitUOW(u *broker.UOW) {
	s.pipe.Submit(u)
}

// FlushMessage requests an out-of-band flush of messageKey's current state
// and invokes callback once that flush completes. Every store already
// flushes through the normal UOW pipeline in this implementation, so
// FlushMessage invokes callback immediately: there is no separate
// out-of-band path to wait on. It is provided for Store API completeness.
func (s *Store) FlushMessage(messageKey broker.MessageKey, callback func(failed bool)) {
	callback(false)
}

// Purge destructively resets the store to an empty database: every message
// and queue entry is discarded, and the underlying paged file is truncated
// back to its initial (header + bitmap only) extent. It does not remove
// known queue keys registered via AddQueue. Purge is a Store API primitive
// (§6), not the administrative CLI/REPL surface that remains out of scope;
// callers must quiesce the pipeline (stop submitting UOWs and wait for
// in-flight ones to complete) before calling it, since it does not itself
// wait for or cancel in-flight flushes.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("pagestore: store is closed")
	}
	if err := s.engine.Purge(); err != nil {
		return fmt.Errorf("pagestore: purge: %w", err)
	}
	s.worker.Reset()
	return nil
}

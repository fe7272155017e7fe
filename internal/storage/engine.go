package storage

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	headerMagic      = "PGSTORE1"
	headerSize       = 56
	headerChecksumAt = 52
)

// header is the root record persisted at page 0: {lastMessageKey,
// lastQueueKey, free-page bitmap root, snapshot head} plus the bookkeeping
// needed to reopen the allocator, per the persisted-state-layout contract.
type header struct {
	version            uint32
	pageSize           uint32
	capacity           uint32 // allocator page-count limit
	highWater          uint32
	bitmapPages        uint32
	snapshotGeneration uint64
	lastMessageKey     uint64
	lastQueueKey       uint64
}

func (h header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], headerMagic)
	putUint32(buf[8:12], h.version)
	putUint32(buf[12:16], h.pageSize)
	putUint32(buf[16:20], h.capacity)
	putUint32(buf[20:24], h.highWater)
	putUint32(buf[24:28], h.bitmapPages)
	putUint64(buf[28:36], h.snapshotGeneration)
	putUint64(buf[36:44], h.lastMessageKey)
	putUint64(buf[44:52], h.lastQueueKey)
	putUint32(buf[headerChecksumAt:headerChecksumAt+4], crc32.ChecksumIEEE(buf[0:headerChecksumAt]))
	return buf
}

func unmarshalHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerSize {
		return h, fmt.Errorf("storage: header buffer too small")
	}
	if string(buf[0:8]) != headerMagic {
		return h, fmt.Errorf("storage: not a pagestore database file")
	}
	if getUint32(buf[headerChecksumAt:headerChecksumAt+4]) != crc32.ChecksumIEEE(buf[0:headerChecksumAt]) {
		return h, fmt.Errorf("storage: header checksum mismatch")
	}
	h.version = getUint32(buf[8:12])
	h.pageSize = getUint32(buf[12:16])
	h.capacity = getUint32(buf[16:20])
	h.highWater = getUint32(buf[20:24])
	h.bitmapPages = getUint32(buf[24:28])
	h.snapshotGeneration = getUint64(buf[28:36])
	h.lastMessageKey = getUint64(buf[36:44])
	h.lastQueueKey = getUint64(buf[44:52])
	return h, nil
}

func putUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func getUint64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}

// EngineConfig configures a freshly opened Engine.
type EngineConfig struct {
	Directory      string
	PageSize       uint32
	Capacity       uint32 // max pages the allocator can ever hand out
	MaxCachedPages int
	JournalEnabled bool
	Logger         *zap.Logger
}

// Engine is the paged engine (component F): it owns the page file, the
// allocator, and the snapshot manager, and is the only place a commit is
// atomically applied and published.
type Engine struct {
	mu             sync.Mutex
	dbPath         string
	pageFile       *PageFile
	allocator      *Allocator
	snapshots      *SnapshotManager
	journalEnabled bool
	lastMessageKey uint64
	lastQueueKey   uint64
	logger         *zap.Logger
	closed         int32
}

// Open opens (creating if necessary) the paged database under
// cfg.Directory, recovering from any leftover rollback journal first.
func Open(cfg EngineConfig) (*Engine, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("storage: directory is required")
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1 << 20 // ~4GB at a 4KB page size
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dbPath := filepath.Join(cfg.Directory, "store.db")

	if err := RecoverJournal(dbPath, cfg.PageSize); err != nil {
		return nil, fmt.Errorf("recover journal: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open database file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat database file: %w", err)
	}

	pf, err := NewPageFile(file, cfg.PageSize, logger)
	if err != nil {
		file.Close()
		return nil, err
	}

	e := &Engine{
		dbPath:         dbPath,
		pageFile:       pf,
		journalEnabled: cfg.JournalEnabled,
		logger:         logger,
	}

	if info.Size() == 0 {
		if err := e.initEmpty(cfg); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := e.loadExisting(cfg); err != nil {
			file.Close()
			return nil, err
		}
	}

	e.snapshots = NewSnapshotManager(pf, e.allocator, cfg.MaxCachedPages, logger)
	return e, nil
}

func (e *Engine) initEmpty(cfg EngineConfig) error {
	bitmapWords := (int(cfg.Capacity) + 63) / 64
	bitmapBytes := bitmapWords * 8
	bitmapPages := (bitmapBytes + int(cfg.PageSize) - 1) / int(cfg.PageSize)
	if bitmapPages == 0 {
		bitmapPages = 1
	}

	e.allocator = NewAllocator(cfg.Capacity, e.logger)
	// Reserve page 0 (header) and the bitmap pages up front.
	if _, err := e.allocator.Alloc(uint32(1 + bitmapPages)); err != nil {
		return fmt.Errorf("reserve header pages: %w", err)
	}

	if err := e.pageFile.Grow(uint32(1 + bitmapPages)); err != nil {
		return fmt.Errorf("grow database file: %w", err)
	}

	h := header{
		version:     1,
		pageSize:    cfg.PageSize,
		capacity:    cfg.Capacity,
		highWater:   uint32(1 + bitmapPages),
		bitmapPages: uint32(bitmapPages),
	}
	if err := e.writeHeaderAndBitmap(h); err != nil {
		return err
	}
	return e.pageFile.Sync()
}

func (e *Engine) loadExisting(cfg EngineConfig) error {
	buf := make([]byte, e.pageFile.PageSize())
	if err := e.pageFile.Read(0, buf); err != nil {
		return fmt.Errorf("read header page: %w", err)
	}
	h, err := unmarshalHeader(buf)
	if err != nil {
		return err
	}
	if cfg.PageSize != 0 && h.pageSize != cfg.PageSize {
		return fmt.Errorf("storage: database page size %d does not match requested %d", h.pageSize, cfg.PageSize)
	}

	e.allocator = NewAllocator(h.capacity, e.logger)
	e.lastMessageKey = h.lastMessageKey
	e.lastQueueKey = h.lastQueueKey

	bits := make([]uint64, (h.capacity+63)/64)
	raw := make([]byte, len(bits)*8)
	read := 0
	for p := uint32(0); p < h.bitmapPages && read < len(raw); p++ {
		page := make([]byte, e.pageFile.PageSize())
		if err := e.pageFile.Read(PageId(1+p), page); err != nil {
			return fmt.Errorf("read bitmap page %d: %w", p, err)
		}
		n := copy(raw[read:], page)
		read += n
	}
	for i := range bits {
		bits[i] = getUint64(raw[i*8 : i*8+8])
	}
	e.allocator.bits = bits
	e.allocator.highWater = h.highWater

	return nil
}

func (e *Engine) writeHeaderAndBitmap(h header) error {
	if err := e.pageFile.Write(0, h.marshal()); err != nil {
		return fmt.Errorf("write header page: %w", err)
	}

	bits := e.allocator.snapshotBits()
	raw := make([]byte, len(bits)*8)
	for i, w := range bits {
		putUint64(raw[i*8:i*8+8], w)
	}
	pageSize := int(e.pageFile.PageSize())
	for p := uint32(0); p < h.bitmapPages; p++ {
		page := make([]byte, pageSize)
		start := int(p) * pageSize
		if start < len(raw) {
			end := start + pageSize
			if end > len(raw) {
				end = len(raw)
			}
			copy(page, raw[start:end])
		}
		if err := e.pageFile.Write(PageId(1+p), page); err != nil {
			return fmt.Errorf("write bitmap page %d: %w", p, err)
		}
	}
	return nil
}

// Begin starts a new transaction. Read-only transactions have no update map
// and cannot write.
func (e *Engine) Begin(readOnly bool) *Transaction {
	return newTransaction(e, readOnly)
}

// OpenSnapshot returns the engine's current published snapshot.
func (e *Engine) OpenSnapshot() *Snapshot { return e.snapshots.OpenSnapshot() }

// CloseSnapshot releases a snapshot obtained from OpenSnapshot.
func (e *Engine) CloseSnapshot(s *Snapshot) { e.snapshots.CloseSnapshot(s) }

// PageSize returns the engine's fixed page size.
func (e *Engine) PageSize() uint32 { return e.pageFile.PageSize() }

// Allocator exposes the database-wide allocator for diagnostics (e.g. the
// store's purge/status operations); transactions must go through their own
// txAllocator instead.
func (e *Engine) Allocator() *Allocator { return e.allocator }

// NextMessageKey atomically reserves and returns the next message key.
func (e *Engine) NextMessageKey() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastMessageKey++
	return e.lastMessageKey
}

// NextQueueKey atomically reserves and returns the next queue key.
func (e *Engine) NextQueueKey() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastQueueKey++
	return e.lastQueueKey
}

// Flush forces any buffered writes to stable storage.
func (e *Engine) Flush() error { return e.pageFile.Sync() }

// Close syncs and closes the underlying page file.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	if err := e.pageFile.Sync(); err != nil {
		e.pageFile.file.Close()
		return err
	}
	return e.pageFile.file.Close()
}

// commit is the atomic publication step (§4.F): encode every deferred
// update through its codec, persist the written pages and updated free/
// alloc state, publish a new snapshot, and schedule reclamation of the
// pages superseded by remapping and of the durable pages the transaction
// freed. Failure at any stage before publication
// leaves the engine in its pre-commit state.
func (e *Engine) commit(tx *Transaction, snapshot *Snapshot, updates map[PageId]UpdateState, deferred map[PageId]DeferredUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if atomic.LoadInt32(&e.closed) == 1 {
		return ErrClosed
	}

	// Step 1: encode every deferred update and write it into its page.
	for _, d := range deferred {
		buf, err := d.Codec.Encode(d.Value)
		if err != nil {
			return fmt.Errorf("encode page %d: %w", d.Page, err)
		}
		if uint32(len(buf)) > e.pageFile.PageSize() {
			return fmt.Errorf("encode page %d: encoded value exceeds page size", d.Page)
		}
		padded := make([]byte, e.pageFile.PageSize())
		copy(padded, buf)
		if err := e.pageFile.Write(d.Page, padded); err != nil {
			return fmt.Errorf("persist page %d: %w", d.Page, err)
		}
	}

	// Step 2: persist the updated free/alloc state (and root record),
	// guarded by a before-image journal of the header page so a crash
	// mid-write leaves a recoverable prior header.
	newHighWater := e.allocator.HighWater()
	h := header{
		version:            1,
		pageSize:           e.pageFile.PageSize(),
		capacity:           e.allocator.Limit(),
		highWater:          newHighWater,
		bitmapPages:        e.bitmapPageCount(),
		snapshotGeneration: e.snapshots.current.Generation() + 1,
		lastMessageKey:     e.lastMessageKey,
		lastQueueKey:       e.lastQueueKey,
	}

	var journal *RollbackJournal
	if e.journalEnabled {
		var err error
		journal, err = CreateJournal(e.dbPath, e.pageFile.PageSize())
		if err != nil {
			return fmt.Errorf("create rollback journal: %w", err)
		}
		defer func() {
			if journal != nil {
				journal.Close()
			}
		}()

		oldHeader := make([]byte, e.pageFile.PageSize())
		if err := e.pageFile.Read(0, oldHeader); err != nil {
			return fmt.Errorf("read header for journal: %w", err)
		}
		if err := journal.WritePageBefore(0, oldHeader); err != nil {
			return fmt.Errorf("journal header page: %w", err)
		}
		if err := journal.Finalize(1); err != nil {
			return fmt.Errorf("finalize journal: %w", err)
		}
	}

	if err := e.writeHeaderAndBitmap(h); err != nil {
		return fmt.Errorf("persist root record: %w", err)
	}
	if err := e.pageFile.Sync(); err != nil {
		return fmt.Errorf("sync commit: %w", err)
	}

	if journal != nil {
		if err := journal.Delete(); err != nil {
			e.logger.Warn("failed to delete rollback journal after commit", zap.Error(err))
		}
		journal = nil
	}

	// Step 3 & 4: publish a new snapshot and schedule reclamation of pages
	// superseded by remapping and of durable pages freed by the transaction.
	// A page the transaction both allocated and freed was already returned
	// to the allocator by txAllocator.Free, so it is no longer allocated
	// here and is skipped.
	var reclaim []ReclaimEntry
	for oldPage, st := range updates {
		if st.Kind == Remapped {
			count := st.Count
			if count == 0 {
				count = 1
			}
			reclaim = append(reclaim, ReclaimEntry{Page: oldPage, Count: count})
		} else if st.Kind == Freed && e.allocator.IsAllocated(oldPage) {
			reclaim = append(reclaim, ReclaimEntry{Page: oldPage, Count: 1})
		}
	}
	e.snapshots.Publish(reclaim)

	return nil
}

// Purge resets the engine to a fresh, empty-store state: every page beyond
// the header and bitmap is returned to the allocator, the backing file is
// truncated to match, and a new generation-0 snapshot is published in place
// of all prior history. It is the paged-engine half of the Store API's
// purge() (§6); the caller must ensure no transaction or snapshot is
// outstanding when calling it.
func (e *Engine) Purge() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if atomic.LoadInt32(&e.closed) == 1 {
		return ErrClosed
	}

	bitmapPages := e.bitmapPageCount()
	reserved := 1 + bitmapPages

	allocator := NewAllocator(e.allocator.Limit(), e.logger)
	if _, err := allocator.Alloc(reserved); err != nil {
		return fmt.Errorf("purge: reserve header pages: %w", err)
	}
	if err := e.pageFile.Grow(reserved); err != nil {
		return fmt.Errorf("purge: truncate database file: %w", err)
	}
	e.allocator = allocator

	h := header{
		version:        1,
		pageSize:       e.pageFile.PageSize(),
		capacity:       e.allocator.Limit(),
		highWater:      reserved,
		bitmapPages:    bitmapPages,
		lastMessageKey: e.lastMessageKey,
		lastQueueKey:   e.lastQueueKey,
	}
	if err := e.writeHeaderAndBitmap(h); err != nil {
		return fmt.Errorf("purge: persist root record: %w", err)
	}
	if err := e.pageFile.Sync(); err != nil {
		return fmt.Errorf("purge: sync: %w", err)
	}

	e.snapshots.reset(e.allocator)

	e.logger.Info("purged store", zap.Uint32("reserved_pages", reserved))
	return nil
}

func (e *Engine) bitmapPageCount() uint32 {
	bits := e.allocator.snapshotBits()
	bytes := len(bits) * 8
	pages := (bytes + int(e.pageFile.PageSize()) - 1) / int(e.pageFile.PageSize())
	if pages == 0 {
		pages = 1
	}
	return uint32(pages)
}

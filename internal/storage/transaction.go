package storage

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Transaction owns one optional snapshot (lazily opened), one optional
// update map, and one optional deferred-update map. It is single-threaded
// by contract: the caller must not share a Transaction across goroutines.
type Transaction struct {
	engine   *Engine
	readOnly bool
	logger   *zap.Logger

	mu        sync.Mutex
	snapshot  *Snapshot
	updates   map[PageId]UpdateState
	deferred  map[PageId]DeferredUpdate
	allocator *txAllocator
	done      bool
}

func newTransaction(engine *Engine, readOnly bool) *Transaction {
	tx := &Transaction{
		engine:   engine,
		readOnly: readOnly,
		logger:   engine.logger,
	}
	if !readOnly {
		tx.updates = make(map[PageId]UpdateState)
		tx.deferred = make(map[PageId]DeferredUpdate)
		tx.allocator = newTxAllocator(engine.allocator, tx)
	}
	return tx
}

// IsReadOnly reports whether this transaction has no update map, i.e. it
// was opened without intent to write.
func (tx *Transaction) IsReadOnly() bool { return tx.updates == nil }

// PageSize returns the engine's fixed page size.
func (tx *Transaction) PageSize() uint32 { return tx.engine.pageFile.PageSize() }

// Pages returns ceil(byteLen / PageSize()).
func (tx *Transaction) Pages(byteLen uint64) uint32 { return tx.engine.pageFile.Pages(byteLen) }

// Allocator returns this transaction's allocator wrapper, the only
// allocator codecs and callers should use inside a transaction.
func (tx *Transaction) Allocator() *txAllocator {
	if tx.allocator == nil {
		panic("storage: allocator requested on a read-only transaction")
	}
	return tx.allocator
}

func (tx *Transaction) snapshotLocked() *Snapshot {
	if tx.snapshot == nil {
		tx.snapshot = tx.engine.snapshots.OpenSnapshot()
	}
	return tx.snapshot
}

// Snapshot returns (lazily opening) the snapshot this transaction reads
// through.
func (tx *Transaction) Snapshot() *Snapshot {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.snapshotLocked()
}

// Get returns the value at page, decoded through codec: a buffered
// deferred-update value if one exists, otherwise the snapshot's cached
// load. Fails with ErrPaging if page is locally marked Freed.
func (tx *Transaction) Get(codec Codec, page PageId) (any, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.deferred != nil {
		if d, ok := tx.deferred[page]; ok {
			return d.Value, nil
		}
	}
	if tx.updates != nil {
		if st, ok := tx.updates[page]; ok {
			switch st.Kind {
			case Remapped:
				return codec.Load(tx, st.NewPage)
			case Allocated:
				return codec.Load(tx, page)
			case Freed, Superseded:
				return nil, fmt.Errorf("get page %d: %w", page, ErrPaging)
			}
		}
	}

	return tx.snapshotLocked().CacheLoad(codec, page)
}

// Put performs an intra-transaction upsert of value at page through codec.
func (tx *Transaction) Put(codec Codec, page PageId, value any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.updates == nil {
		return fmt.Errorf("put page %d: %w", page, ErrUnsupported)
	}

	st, exists := tx.updates[page]
	if !exists {
		newPage, err := tx.allocator.allocLocked(1)
		if err != nil {
			return err
		}
		tx.updates[page] = UpdateState{Kind: Remapped, NewPage: newPage, Count: 1}
		tx.deferred[page] = DeferredUpdate{Page: newPage, Value: value, Codec: codec}
		return nil
	}

	switch st.Kind {
	case Freed, Superseded:
		return fmt.Errorf("put page %d: %w", page, ErrPaging)
	case Allocated:
		tx.deferred[page] = DeferredUpdate{Page: page, Value: value, Codec: codec}
		return nil
	case Remapped:
		if _, buffered := tx.deferred[page]; buffered {
			tx.deferred[page] = DeferredUpdate{Page: st.NewPage, Value: value, Codec: codec}
			return nil
		}
		return fmt.Errorf("put page %d: cannot mix cached and raw updates to the same page: %w", page, ErrPaging)
	}
	return fmt.Errorf("put page %d: unreachable update kind", page)
}

// Remove delegates to codec, which schedules whatever updates releasing
// page (and any auxiliary pages it owns) requires.
func (tx *Transaction) Remove(codec Codec, page PageId) error {
	return codec.Remove(tx, page)
}

// ReadPage implements PageReader: reads through a local remap if one
// exists, otherwise falls through to the snapshot.
func (tx *Transaction) ReadPage(page PageId) ([]byte, error) {
	return tx.Read(page)
}

// Read reads page into a fresh buffer: redirected through a local Remapped
// entry if present, failing ErrPaging on Freed/Allocated, else falling
// through to the snapshot.
func (tx *Transaction) Read(page PageId) ([]byte, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.readLocked(page)
}

func (tx *Transaction) readLocked(page PageId) ([]byte, error) {
	if tx.updates != nil {
		if st, ok := tx.updates[page]; ok {
			switch st.Kind {
			case Remapped:
				buf := make([]byte, tx.PageSize())
				if err := tx.engine.pageFile.Read(st.NewPage, buf); err != nil {
					return nil, err
				}
				return buf, nil
			case Freed, Allocated, Superseded:
				return nil, fmt.Errorf("read page %d: %w", page, ErrPaging)
			}
		}
	}
	return tx.snapshotLocked().ReadPage(page)
}

// Write performs a raw byte write of buffer to page: allocating and
// remapping on first write, writing the remapped target if already
// Remapped, writing in place if locally Allocated, failing on Freed.
func (tx *Transaction) Write(page PageId, buffer []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.updates == nil {
		return fmt.Errorf("write page %d: %w", page, ErrUnsupported)
	}

	st, exists := tx.updates[page]
	if !exists {
		newPage, err := tx.allocator.allocLocked(1)
		if err != nil {
			return err
		}
		if err := tx.engine.pageFile.Write(newPage, buffer); err != nil {
			return err
		}
		tx.updates[page] = UpdateState{Kind: Remapped, NewPage: newPage, Count: 1}
		return nil
	}

	switch st.Kind {
	case Remapped:
		return tx.engine.pageFile.Write(st.NewPage, buffer)
	case Allocated:
		return tx.engine.pageFile.Write(page, buffer)
	case Freed, Superseded:
		return fmt.Errorf("write page %d: %w", page, ErrPaging)
	}
	return fmt.Errorf("write page %d: unreachable update kind", page)
}

// SlicePage implements PageReader.
func (tx *Transaction) SlicePage(page PageId, count uint32) (*Window, error) {
	return tx.Slice(Read, page, count)
}

// UnslicePage implements PageReader.
func (tx *Transaction) UnslicePage(w *Window) error {
	return tx.Unslice(w)
}

// Slice returns a page-aligned window over [page, page+count) according to
// mode. READ_WRITE and WRITE modes allocate a fresh extent on first access
// and redirect this transaction's view of page to it; READ_WRITE also
// copies the snapshot's current content into the new extent first.
func (tx *Transaction) Slice(mode SliceMode, page PageId, count uint32) (*Window, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if mode == Read {
		if tx.updates != nil {
			if st, ok := tx.updates[page]; ok {
				switch st.Kind {
				case Remapped:
					return tx.engine.pageFile.Slice(Read, st.NewPage, count)
				case Freed, Allocated, Superseded:
					return nil, fmt.Errorf("slice page %d: %w", page, ErrPaging)
				}
			}
		}
		return tx.snapshotLocked().SlicePage(page, count)
	}

	if tx.updates == nil {
		return nil, fmt.Errorf("slice page %d: %w", page, ErrUnsupported)
	}

	st, exists := tx.updates[page]
	if exists {
		switch st.Kind {
		case Remapped:
			return tx.engine.pageFile.Slice(mode, st.NewPage, count)
		case Allocated:
			return tx.engine.pageFile.Slice(mode, page, count)
		case Freed, Superseded:
			return nil, fmt.Errorf("slice page %d: %w", page, ErrPaging)
		}
	}

	newPage, err := tx.allocator.allocLocked(count)
	if err != nil {
		return nil, err
	}

	if mode == ReadWrite {
		src, err := tx.snapshotLocked().SlicePage(page, count)
		if err != nil {
			return nil, err
		}
		dst, err := tx.engine.pageFile.Slice(Write, newPage, count)
		if err != nil {
			_ = tx.snapshotLocked().UnslicePage(src)
			return nil, err
		}
		copy(dst.Bytes, src.Bytes)
		if err := tx.engine.pageFile.Unslice(dst); err != nil {
			return nil, err
		}
		if err := tx.snapshotLocked().UnslicePage(src); err != nil {
			return nil, err
		}
	}

	// The old extent's interior pages (if any) are pre-existing,
	// database-owned pages being superseded together with the head, not
	// fresh allocations of this transaction: they must not be freed on
	// rollback, only reclaimed (as one extent, via the head's Remapped
	// entry) once the commit that supersedes them publishes.
	for i := uint32(1); i < count; i++ {
		tx.updates[page+PageId(i)] = UpdateState{Kind: Superseded}
	}
	tx.updates[page] = UpdateState{Kind: Remapped, NewPage: newPage, Count: count}

	return tx.engine.pageFile.Slice(mode, newPage, count)
}

// Unslice releases a Window obtained from Slice.
func (tx *Transaction) Unslice(w *Window) error {
	return tx.engine.pageFile.Unslice(w)
}

// Commit hands (snapshot, updates, deferredUpdates) to the paged engine for
// atomic publication. On any failure it frees every page this transaction
// allocated before re-raising; on both success and failure it always closes
// its snapshot and clears local state.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return fmt.Errorf("storage: transaction already closed")
	}
	tx.done = true
	snapshot := tx.snapshot
	updates := tx.updates
	deferred := tx.deferred
	tx.mu.Unlock()

	defer tx.close(snapshot)

	if tx.updates == nil {
		return nil
	}

	if err := tx.engine.commit(tx, snapshot, updates, deferred); err != nil {
		tx.freeAllocatedPages(updates)
		return err
	}
	return nil
}

// Rollback frees every page this transaction locally allocated or
// remapped, then closes its snapshot and clears local state.
func (tx *Transaction) Rollback() {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return
	}
	tx.done = true
	snapshot := tx.snapshot
	updates := tx.updates
	tx.mu.Unlock()

	defer tx.close(snapshot)

	if updates != nil {
		tx.freeAllocatedPages(updates)
	}
}

// freeAllocatedPages walks the update map and returns every page this
// transaction itself allocated back to the underlying allocator: Allocated
// entries (each already keyed at the fresh physical page txAllocator
// handed out) and Remapped entries (whose NewPage is the fresh physical
// page; the old logical extent they superseded is untouched). FREED entries
// name durable pages released only at commit and Superseded entries name
// pre-existing pages this transaction never owned; per §8 invariant 2,
// rollback must leave the allocator bitwise identical to its pre-tx state,
// so both are skipped entirely.
func (tx *Transaction) freeAllocatedPages(updates map[PageId]UpdateState) {
	for page, st := range updates {
		var target PageId
		count := uint32(1)
		switch st.Kind {
		case Allocated:
			target = page
		case Remapped:
			target = st.NewPage
			if st.Count > 0 {
				count = st.Count
			}
		default:
			continue
		}
		if err := tx.engine.allocator.Free(target, count); err != nil {
			tx.logger.Warn("free allocated page on abort failed",
				zap.Uint32("page", uint32(target)),
				zap.Uint32("count", count),
				zap.Error(err),
			)
		}
	}
}

func (tx *Transaction) close(snapshot *Snapshot) {
	if snapshot != nil {
		tx.engine.snapshots.CloseSnapshot(snapshot)
	}
	tx.mu.Lock()
	tx.snapshot = nil
	tx.updates = nil
	tx.deferred = nil
	tx.mu.Unlock()
}

package storage

import "fmt"

// txAllocator wraps the engine-wide Allocator for the lifetime of a single
// transaction. It never owns the transaction; it holds a plain back
// reference and mutates the transaction's update map directly, avoiding the
// cyclic-ownership trap of a Transaction and its allocator holding strong
// references to each other.
type txAllocator struct {
	underlying *Allocator
	tx         *Transaction
}

func newTxAllocator(underlying *Allocator, tx *Transaction) *txAllocator {
	return &txAllocator{underlying: underlying, tx: tx}
}

// Alloc allocates count pages directly from the underlying allocator and
// records each as Allocated in the transaction's update map.
func (a *txAllocator) Alloc(count uint32) (PageId, error) {
	a.tx.mu.Lock()
	defer a.tx.mu.Unlock()
	return a.allocLocked(count)
}

// allocLocked is the lock-free variant used by Transaction methods that
// already hold tx.mu.
func (a *txAllocator) allocLocked(count uint32) (PageId, error) {
	first, err := a.underlying.Alloc(count)
	if err != nil {
		return 0, err
	}
	for i := uint32(0); i < count; i++ {
		a.tx.updates[first+PageId(i)] = UpdateState{Kind: Allocated}
	}
	return first, nil
}

// Free records each page in [pageId, pageId+count) as Freed. A page that
// was locally Allocated within this same transaction never enters the
// durable update stream: it is returned to the underlying allocator
// immediately instead, since no other transaction can have observed it.
func (a *txAllocator) Free(pageId PageId, count uint32) error {
	a.tx.mu.Lock()
	defer a.tx.mu.Unlock()

	for i := uint32(0); i < count; i++ {
		p := pageId + PageId(i)
		if st, ok := a.tx.updates[p]; ok && st.Kind == Allocated {
			if err := a.underlying.Free(p, 1); err != nil {
				return err
			}
			a.tx.updates[p] = UpdateState{Kind: Freed}
			continue
		}
		a.tx.updates[p] = UpdateState{Kind: Freed}
	}
	return nil
}

// Unfree and Clear are not supported at the transaction-allocator layer.
func (a *txAllocator) Unfree(PageId) error { return fmt.Errorf("unfree: %w", ErrUnsupported) }
func (a *txAllocator) Clear() error        { return fmt.Errorf("clear: %w", ErrUnsupported) }

// IsAllocated reports whether page is currently allocated in the
// underlying, database-wide allocator (not scoped to this transaction's
// uncommitted view).
func (a *txAllocator) IsAllocated(page PageId) bool { return a.underlying.IsAllocated(page) }

// Limit returns the underlying allocator's page-count ceiling.
func (a *txAllocator) Limit() uint32 { return a.underlying.Limit() }

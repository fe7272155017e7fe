package storage

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relaydb/pagestore/pkg/bitwise"
)

// Allocator assigns and frees fixed-size page ids out of a backing-file
// extent. Its free/allocated state is a bitmap, one bit per page, the same
// bit-twiddling primitives the teacher's bitwise package provides.
//
// Allocator is safe for concurrent use, but in the single-writer regime
// described by the UOW pipeline only one transaction ever calls Alloc/Free
// at a time; the mutex exists so read-only snapshot machinery can still call
// IsAllocated/Limit/HighWater concurrently with a write.
type Allocator struct {
	mu        sync.Mutex
	bits      []uint64 // bits[i] holds pages [i*64, i*64+64)
	limit     uint32   // maximum number of pages this extent can hold
	highWater uint32   // highest page id ever allocated, plus one
	logger    *zap.Logger
}

// NewAllocator creates an allocator over an extent capable of holding limit
// pages, none of which are allocated yet.
func NewAllocator(limit uint32, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	words := (int(limit) + 63) / 64
	return &Allocator{
		bits:   make([]uint64, words),
		limit:  limit,
		logger: logger,
	}
}

// Limit returns the maximum number of pages this allocator can hand out.
func (a *Allocator) Limit() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limit
}

// HighWater returns the highest page id ever allocated, plus one; it is the
// number of pages the backing file must be sized to hold.
func (a *Allocator) HighWater() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highWater
}

// IsAllocated reports whether page is currently marked allocated.
func (a *Allocator) IsAllocated(page PageId) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isSetLocked(page)
}

func (a *Allocator) isSetLocked(page PageId) bool {
	word, bit := bitIndex(page)
	if int(word) >= len(a.bits) {
		return false
	}
	return bitwise.IsSet(a.bits[word], bit)
}

// Alloc assigns count contiguous pages and returns the first page id. It
// fails with ErrOutOfSpace when no contiguous free extent of that length
// exists within the configured limit.
func (a *Allocator) Alloc(count uint32) (PageId, error) {
	if count == 0 {
		return 0, fmt.Errorf("storage: alloc count must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	first, ok := a.findFreeRunLocked(count)
	if !ok {
		return 0, fmt.Errorf("alloc %d pages: %w", count, ErrOutOfSpace)
	}

	for p := first; p < first+count; p++ {
		a.setLocked(PageId(p))
	}

	if first+count > a.highWater {
		a.highWater = first + count
	}

	a.logger.Debug("allocated pages",
		zap.Uint32("first_page", first),
		zap.Uint32("count", count),
	)

	return PageId(first), nil
}

// Free releases count contiguous pages starting at pageId. Freeing a page
// that is not currently allocated is a contract violation and returns
// ErrPageNotAllocated; Free is otherwise idempotent only in the sense that
// freeing the same already-freed extent a second time errors cleanly rather
// than corrupting the bitmap.
func (a *Allocator) Free(pageId PageId, count uint32) error {
	if count == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for p := pageId; p < pageId+PageId(count); p++ {
		if !a.isSetLocked(p) {
			return fmt.Errorf("free page %d: %w", p, ErrPageNotAllocated)
		}
	}
	for p := pageId; p < pageId+PageId(count); p++ {
		a.unsetLocked(p)
	}

	a.logger.Debug("freed pages",
		zap.Uint32("first_page", uint32(pageId)),
		zap.Uint32("count", count),
	)

	return nil
}

// Unfree and Clear are not supported at the transaction-allocator layer;
// exposed here only so the transaction-scoped wrapper has a uniform error to
// forward.
func (a *Allocator) Unfree(PageId) error { return fmt.Errorf("unfree: %w", ErrUnsupported) }
func (a *Allocator) Clear() error        { return fmt.Errorf("clear: %w", ErrUnsupported) }

func (a *Allocator) findFreeRunLocked(count uint32) (uint32, bool) {
	run := uint32(0)
	start := uint32(0)
	for p := uint32(0); p < a.limit; p++ {
		if a.isSetLocked(PageId(p)) {
			run = 0
			continue
		}
		if run == 0 {
			start = p
		}
		run++
		if run == count {
			return start, true
		}
	}
	return 0, false
}

func (a *Allocator) setLocked(page PageId) {
	word, bit := bitIndex(page)
	a.bits[word] = bitwise.Set(a.bits[word], bit)
}

func (a *Allocator) unsetLocked(page PageId) {
	word, bit := bitIndex(page)
	a.bits[word] = bitwise.Unset(a.bits[word], bit)
}

// snapshotBits returns a copy of the allocator's current bitmap words, for
// persisting to the bitmap pages at commit time or on initial format.
func (a *Allocator) snapshotBits() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, len(a.bits))
	copy(out, a.bits)
	return out
}

func bitIndex(page PageId) (word uint32, bit int) {
	return uint32(page) / 64, int(uint32(page) % 64)
}

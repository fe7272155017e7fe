package storage

import "errors"

// Error taxonomy for the paged storage core. Wrapped with fmt.Errorf at each
// call site so callers can still errors.Is against these sentinels.
var (
	// ErrOutOfSpace is returned when the allocator has no contiguous extent
	// of the requested length.
	ErrOutOfSpace = errors.New("storage: out of space")

	// ErrPaging signals a contract violation against a transaction's update
	// map: reading or writing a page marked FREED, or mixing a cached
	// (codec) write with a raw write on the same page.
	ErrPaging = errors.New("storage: paging violation")

	// ErrUnsupported is returned by the transaction-scoped allocator's
	// unfree/clear operations, which the engine does not support.
	ErrUnsupported = errors.New("storage: unsupported operation")

	// ErrPageNotAllocated is returned by the allocator when asked to free a
	// page that it does not consider allocated.
	ErrPageNotAllocated = errors.New("storage: page not allocated")

	// ErrClosed is returned by operations attempted on a closed engine.
	ErrClosed = errors.New("storage: engine closed")
)

// Package storage implements the transactional paged storage core: a
// fixed-size paged file with copy-on-write snapshot isolation, reached
// through a per-transaction update map with page remapping.
package storage

const (
	// DefaultPageSize is used when a database is created without an
	// explicit page size. Once a database file exists its page size is
	// fixed for its lifetime.
	DefaultPageSize = 4096
)

// PageId identifies a fixed-size page within a page file. It is always
// non-negative.
type PageId uint32

// UpdateKind discriminates the four states a page can be in within a
// transaction's update map.
type UpdateKind int

const (
	// Freed marks a page as released within this transaction. A freed page
	// must never be read or written via that transaction again.
	Freed UpdateKind = iota + 1
	// Allocated marks a page as freshly allocated within this transaction;
	// it has no prior content worth preserving.
	Allocated
	// Remapped marks a pre-existing page whose new content lives at a
	// different page id; reads of the logical id redirect there.
	Remapped
	// Superseded marks a pre-existing page that was the interior of a
	// multi-page copy-on-write extent whose head page is Remapped. It is
	// still a live, database-owned page as far as the allocator and
	// rollback are concerned: a Superseded entry only blocks this
	// transaction's own further access to that logical id. The head's
	// Remapped.Count carries the whole extent, so commit reclaims it, and
	// rollback does nothing with Superseded entries at all.
	Superseded
)

// UpdateState is one entry of a transaction's update map.
type UpdateState struct {
	Kind    UpdateKind
	NewPage PageId // valid only when Kind == Remapped
	Count   uint32 // valid when Kind == Remapped: size of the old extent being superseded, including the head page itself
}

// DeferredUpdate buffers a typed value to be encoded through its codec at
// commit time. It lets a transaction see its own latest in-memory value
// before that value has touched a page.
type DeferredUpdate struct {
	Page  PageId
	Value any
	Codec Codec
}

// Window is a page-aligned byte window returned by PageFile.Slice. Callers
// must pass it back to Unslice on every exit path.
type Window struct {
	FirstPage PageId
	Count     uint32
	Bytes     []byte
	mode      SliceMode
}

// SliceMode selects the access mode of a Window.
type SliceMode int

const (
	Read SliceMode = iota + 1
	ReadWrite
	Write
)

// Package pagestore is a transactional paged storage core extracted from a
// message-broker subsystem: a fixed-size paged file with copy-on-write
// snapshot isolation, reached through a per-transaction update map with
// page remapping, fed by an asynchronous unit-of-work pipeline that
// batches, cancels, and flushes broker-level message and queue operations.
//
// internal/storage implements the paged transaction engine (snapshot
// acquisition, page redirection, copy-on-write allocation, deferred object
// caching, and atomic commit/rollback). internal/broker implements the
// single-writer UOW pipeline and its flush worker on top of it. Store, in
// this package, is the façade a broker opens once and keeps for the life of
// the process.
package pagestore

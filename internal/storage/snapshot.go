package storage

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/relaydb/pagestore/pkg/lrucache"
)

// DefaultSnapshotCacheSize bounds the per-snapshot decoded-object cache,
// mirroring the teacher's PageCacheSize default.
const DefaultSnapshotCacheSize = 2000

// cacheKey disambiguates cached objects by the codec that decoded them and
// the page they live at; two codecs are never expected to share a page, but
// the key keeps the cache correct even if they did.
type cacheKey struct {
	codec string
	page  PageId
}

// Snapshot is an immutable, reference-counted view of the paged state as of
// a commit boundary. While its refcount is nonzero, no page it can observe
// may be reused by the allocator.
type Snapshot struct {
	manager    *SnapshotManager
	generation uint64
	pageFile   *PageFile
	refCount   int32
	cache      *lrucache.Cache[cacheKey]
}

// Generation returns the commit boundary this snapshot reflects.
func (s *Snapshot) Generation() uint64 { return s.generation }

// ReadPage implements PageReader by reading committed bytes directly; a
// snapshot never redirects.
func (s *Snapshot) ReadPage(page PageId) ([]byte, error) {
	buf := make([]byte, s.pageFile.PageSize())
	if err := s.pageFile.Read(page, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SlicePage returns a read-only window over committed pages.
func (s *Snapshot) SlicePage(page PageId, count uint32) (*Window, error) {
	return s.pageFile.Slice(Read, page, count)
}

// UnslicePage releases a window obtained from SlicePage.
func (s *Snapshot) UnslicePage(w *Window) error {
	return s.pageFile.Unslice(w)
}

// CacheLoad returns the cached object for (codec, page) within this
// snapshot, decoding via codec and caching on a miss. Cache entries never
// outlive the snapshot they belong to.
func (s *Snapshot) CacheLoad(codec Codec, page PageId) (any, error) {
	key := cacheKey{codec: codec.Name(), page: page}
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}
	v, err := codec.Load(s, page)
	if err != nil {
		return nil, err
	}
	s.cache.Put(key, v, true)
	return v, nil
}

func (s *Snapshot) retain() {
	atomic.AddInt32(&s.refCount, 1)
}

// ReclaimEntry names an extent of pages that becomes reclaimable once no
// live snapshot can still observe it.
type ReclaimEntry struct {
	Page  PageId
	Count uint32
}

// SnapshotManager hands out immutable read snapshots, reference-counts
// outstanding readers, and gates page reclamation: pages superseded by a
// commit are only returned to the allocator once every snapshot that could
// still observe them has closed.
type SnapshotManager struct {
	mu             sync.Mutex
	pageFile       *PageFile
	allocator      *Allocator
	current        *Snapshot
	live           map[uint64]*Snapshot // generation -> snapshot, while refCount > 0
	pending        []pendingReclaim
	nextGeneration uint64
	cacheSize      int
	logger         *zap.Logger
}

type pendingReclaim struct {
	threshold uint64 // reclaimable once no live snapshot has generation <= threshold
	entries   []ReclaimEntry
}

// NewSnapshotManager creates a manager publishing an initial empty snapshot
// at generation 0.
func NewSnapshotManager(pf *PageFile, allocator *Allocator, cacheSize int, logger *zap.Logger) *SnapshotManager {
	if cacheSize <= 0 {
		cacheSize = DefaultSnapshotCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sm := &SnapshotManager{
		pageFile:  pf,
		allocator: allocator,
		live:      make(map[uint64]*Snapshot),
		cacheSize: cacheSize,
		logger:    logger,
	}
	sm.current = sm.newSnapshotLocked(0)
	return sm
}

func (sm *SnapshotManager) newSnapshotLocked(generation uint64) *Snapshot {
	return &Snapshot{
		manager:    sm,
		generation: generation,
		pageFile:   sm.pageFile,
		cache:      lrucache.New[cacheKey](sm.cacheSize),
	}
}

// OpenSnapshot returns the current published snapshot and increments its
// refcount.
func (sm *SnapshotManager) OpenSnapshot() *Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s := sm.current
	s.retain()
	sm.live[s.generation] = s
	return s
}

// CloseSnapshot decrements s's refcount; on reaching zero it drops s from
// the live set and reclaims any pending page extents whose threshold
// generation no longer has a live observer.
func (sm *SnapshotManager) CloseSnapshot(s *Snapshot) {
	if s == nil {
		return
	}
	if atomic.AddInt32(&s.refCount, -1) > 0 {
		return
	}

	sm.mu.Lock()
	delete(sm.live, s.generation)
	sm.reclaimEligibleLocked()
	sm.mu.Unlock()
}

// Publish atomically replaces the current snapshot with a new one at the
// next generation and schedules reclaim entries superseded by the commit
// that produced it. The pre-commit snapshot's generation becomes the
// reclaim threshold: those pages stay alive until every snapshot at or
// before that generation has closed.
func (sm *SnapshotManager) Publish(reclaim []ReclaimEntry) *Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	threshold := sm.current.generation
	sm.nextGeneration = threshold + 1
	next := sm.newSnapshotLocked(sm.nextGeneration)
	sm.current = next

	if len(reclaim) > 0 {
		sm.pending = append(sm.pending, pendingReclaim{threshold: threshold, entries: reclaim})
		sm.reclaimEligibleLocked()
	}

	return next
}

// reclaimEligibleLocked frees every pending reclaim whose threshold
// generation has no remaining live observer. Must be called with sm.mu held.
func (sm *SnapshotManager) reclaimEligibleLocked() {
	if len(sm.pending) == 0 {
		return
	}

	minLive, anyLive := sm.minLiveGenerationLocked()

	kept := sm.pending[:0:0]
	for _, pr := range sm.pending {
		if anyLive && minLive <= pr.threshold {
			kept = append(kept, pr)
			continue
		}
		for _, e := range pr.entries {
			if err := sm.allocator.Free(e.Page, e.Count); err != nil {
				sm.logger.Warn("reclaim: free superseded pages failed",
					zap.Uint32("page", uint32(e.Page)),
					zap.Uint32("count", e.Count),
					zap.Error(err),
				)
			}
		}
		sm.logger.Debug("reclaimed superseded pages",
			zap.Uint64("threshold_generation", pr.threshold),
			zap.Int("extents", len(pr.entries)),
		)
	}
	sm.pending = kept
}

// reset discards all snapshot history and pending reclaims and republishes
// a fresh generation-0 snapshot against allocator. Called only from
// Engine.Purge, whose caller is responsible for there being no outstanding
// transaction or snapshot left to observe the discarded history.
func (sm *SnapshotManager) reset(allocator *Allocator) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.allocator = allocator
	sm.live = make(map[uint64]*Snapshot)
	sm.pending = nil
	sm.nextGeneration = 0
	sm.current = sm.newSnapshotLocked(0)
}

func (sm *SnapshotManager) minLiveGenerationLocked() (uint64, bool) {
	min := uint64(0)
	found := false
	for gen := range sm.live {
		if !found || gen < min {
			min = gen
			found = true
		}
	}
	return min, found
}

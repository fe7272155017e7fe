package storage

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// BackingFile is the minimal file interface the page file needs; satisfied
// by *os.File and swappable in tests.
type BackingFile interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// PageFile provides raw page-aligned read/write access to a backing file.
// It is the only component that knows about byte offsets; everything above
// it deals exclusively in PageIds and page-aligned windows.
type PageFile struct {
	mu       sync.RWMutex
	file     BackingFile
	pageSize uint32
	logger   *zap.Logger
}

// NewPageFile wraps file for page-aligned access. pageSize must be positive
// and is fixed for the lifetime of the returned PageFile.
func NewPageFile(file BackingFile, pageSize uint32, logger *zap.Logger) (*PageFile, error) {
	if pageSize == 0 {
		return nil, fmt.Errorf("storage: page size must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageFile{file: file, pageSize: pageSize, logger: logger}, nil
}

// PageSize returns the fixed page size of this file.
func (f *PageFile) PageSize() uint32 {
	return f.pageSize
}

// Pages returns the number of pages needed to hold byteLen bytes,
// ceil(byteLen / pageSize).
func (f *PageFile) Pages(byteLen uint64) uint32 {
	if byteLen == 0 {
		return 0
	}
	ps := uint64(f.pageSize)
	return uint32((byteLen + ps - 1) / ps)
}

func (f *PageFile) offset(id PageId) int64 {
	return int64(id) * int64(f.pageSize)
}

// Read fills buffer (which must be exactly pageSize long) with the contents
// of page pageId.
func (f *PageFile) Read(pageId PageId, buffer []byte) error {
	if uint32(len(buffer)) != f.pageSize {
		return fmt.Errorf("storage: read buffer must be %d bytes, got %d", f.pageSize, len(buffer))
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, err := f.file.ReadAt(buffer, f.offset(pageId))
	if err != nil && err != io.EOF {
		return fmt.Errorf("read page %d: %w", pageId, err)
	}
	return nil
}

// Write persists buffer (exactly pageSize long) as the contents of page
// pageId.
func (f *PageFile) Write(pageId PageId, buffer []byte) error {
	if uint32(len(buffer)) != f.pageSize {
		return fmt.Errorf("storage: write buffer must be %d bytes, got %d", f.pageSize, len(buffer))
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.file.WriteAt(buffer, f.offset(pageId)); err != nil {
		return fmt.Errorf("write page %d: %w", pageId, err)
	}
	return nil
}

// Sync flushes buffered writes to stable storage.
func (f *PageFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Sync()
}

// Grow sets the backing file's size to exactly totalPages pages; a value
// below the current size shrinks the file.
func (f *PageFile) Grow(totalPages uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Truncate(int64(totalPages) * int64(f.pageSize))
}

// Slice returns a page-aligned byte window over [pageId, pageId+count).
// mode is advisory bookkeeping for Unslice; READ/WRITE/READ_WRITE windows
// are all backed by a private copy so callers never see torn writes from
// concurrent I/O. Every Slice must be paired with Unslice on every exit
// path; for WRITE and READ_WRITE windows Unslice persists the bytes.
func (f *PageFile) Slice(mode SliceMode, pageId PageId, count uint32) (*Window, error) {
	buf := make([]byte, uint64(count)*uint64(f.pageSize))

	if mode != Write {
		for i := uint32(0); i < count; i++ {
			page := make([]byte, f.pageSize)
			if err := f.Read(pageId+PageId(i), page); err != nil {
				return nil, err
			}
			copy(buf[uint64(i)*uint64(f.pageSize):], page)
		}
	}

	return &Window{
		FirstPage: pageId,
		Count:     count,
		Bytes:     buf,
		mode:      mode,
	}, nil
}

// Unslice releases a Window obtained from Slice, persisting it to disk when
// it was opened in WRITE or READ_WRITE mode.
func (f *PageFile) Unslice(w *Window) error {
	if w == nil {
		return nil
	}
	if w.mode == Read {
		return nil
	}
	for i := uint32(0); i < w.Count; i++ {
		start := uint64(i) * uint64(f.pageSize)
		if err := f.Write(w.FirstPage+PageId(i), w.Bytes[start:start+uint64(f.pageSize)]); err != nil {
			return err
		}
	}
	return nil
}

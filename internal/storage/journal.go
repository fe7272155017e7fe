package storage

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Rollback journal: a before-image write-ahead log around a commit,
// ambient durability carried from the teacher's RollbackJournal even though
// a full crash-recovery journal format is out of scope for this core (see
// SPEC_FULL.md §7.2). The engine's commit uses it to record the old bytes
// of the header page before overwriting the header and bitmap, and deletes
// it once those writes are synced, before the new snapshot is published.
const (
	journalMagic      = "pgstore\n" // 8 bytes
	journalVersion    = uint32(1)
	journalHeaderSize = 24 // magic(8) + version(4) + pageSize(4) + numPages(4) + checksum(4)
)

// RollbackJournal is a single-use, single-transaction before-image log.
type RollbackJournal struct {
	file     *os.File
	path     string
	pageSize uint32
}

// CreateJournal creates a new journal file alongside dbPath.
func CreateJournal(dbPath string, pageSize uint32) (*RollbackJournal, error) {
	path := dbPath + "-journal"
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create journal file: %w", err)
	}

	j := &RollbackJournal{file: file, path: path, pageSize: pageSize}
	if err := j.writeHeader(0); err != nil {
		j.file.Close()
		return nil, fmt.Errorf("write journal header: %w", err)
	}
	return j, nil
}

// WritePageBefore appends the original (pre-commit) bytes of page to the
// journal.
func (j *RollbackJournal) WritePageBefore(page PageId, original []byte) error {
	idx := make([]byte, 4)
	putUint32(idx, uint32(page))
	if _, err := j.file.Write(idx); err != nil {
		return fmt.Errorf("write journal page index: %w", err)
	}
	if _, err := j.file.Write(original); err != nil {
		return fmt.Errorf("write journal page data: %w", err)
	}
	return nil
}

// Finalize rewrites the header with the final page count and syncs the
// journal to disk; this is the point after which a crash can be recovered
// from.
func (j *RollbackJournal) Finalize(numPages int) error {
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek journal header: %w", err)
	}
	if err := j.writeHeader(numPages); err != nil {
		return fmt.Errorf("rewrite journal header: %w", err)
	}
	return j.file.Sync()
}

// Delete removes the journal file; called once the commit it guarded has
// fully succeeded.
func (j *RollbackJournal) Delete() error {
	j.file.Close()
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete journal: %w", err)
	}
	return nil
}

// Close closes the journal file without deleting it, leaving it in place
// for crash recovery.
func (j *RollbackJournal) Close() error {
	return j.file.Close()
}

func (j *RollbackJournal) writeHeader(numPages int) error {
	header := make([]byte, journalHeaderSize)
	copy(header[0:8], []byte(journalMagic))
	putUint32(header[8:12], journalVersion)
	putUint32(header[12:16], j.pageSize)
	putUint32(header[16:20], uint32(numPages))
	putUint32(header[20:24], crc32.ChecksumIEEE(header[0:20]))
	_, err := j.file.Write(header)
	return err
}

func putUint32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func getUint32(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// RecoverJournal restores dbPath's pages from a leftover journal, if one
// exists (meaning the process crashed between writing pages and deleting
// the journal). Call once, before opening the page file for normal use.
func RecoverJournal(dbPath string, pageSize uint32) error {
	path := dbPath + "-journal"
	jf, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jf.Close()

	header := make([]byte, journalHeaderSize)
	if _, err := io.ReadFull(jf, header); err != nil {
		return fmt.Errorf("read journal header: %w", err)
	}
	if string(header[0:8]) != journalMagic {
		return fmt.Errorf("storage: corrupt journal magic in %s", path)
	}
	if getUint32(header[20:24]) != crc32.ChecksumIEEE(header[0:20]) {
		return fmt.Errorf("storage: corrupt journal header checksum in %s", path)
	}
	journaledPageSize := getUint32(header[12:16])
	if journaledPageSize != pageSize {
		return fmt.Errorf("storage: journal page size %d does not match %d", journaledPageSize, pageSize)
	}
	numPages := getUint32(header[16:20])

	dbFile, err := os.OpenFile(dbPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open database for journal recovery: %w", err)
	}
	defer dbFile.Close()

	idx := make([]byte, 4)
	data := make([]byte, pageSize)
	for i := uint32(0); i < numPages; i++ {
		if _, err := io.ReadFull(jf, idx); err != nil {
			return fmt.Errorf("read journal page index %d: %w", i, err)
		}
		if _, err := io.ReadFull(jf, data); err != nil {
			return fmt.Errorf("read journal page data %d: %w", i, err)
		}
		page := getUint32(idx)
		if _, err := dbFile.WriteAt(data, int64(page)*int64(pageSize)); err != nil {
			return fmt.Errorf("restore page %d: %w", page, err)
		}
	}
	if err := dbFile.Sync(); err != nil {
		return fmt.Errorf("sync recovered database: %w", err)
	}

	jf.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete journal after recovery: %w", err)
	}
	return nil
}

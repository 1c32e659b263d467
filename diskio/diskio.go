// Package diskio is the disk manager: file registration, byte-length
// tracking, resize, and positional whole-page read/write, plus WriteAt
// for writes at an arbitrary byte offset. It never re-orders or batches anything — that is the
// I/O backend and I/O server's job (packages iobackend and ioserver).
package diskio

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"bufferpool/errs"
)

// FileHandle is the small integer handle identifying an open file.
type FileHandle uint32

type fileEntry struct {
	path string
	file *os.File
	fd   int // raw OS descriptor, for unix.Pread/Pwrite
	size atomic.Int64
	open atomic.Bool
}

// Manager opens and tracks files, and performs their positional I/O.
// Handles are assigned monotonically and never reused, even after
// Close.
type Manager struct {
	pageSize int

	mu    sync.RWMutex
	files []*fileEntry
}

// New returns a disk manager for the given page size.
func New(pageSize int) *Manager {
	return &Manager{pageSize: pageSize}
}

// PageSize returns the configured page size.
func (m *Manager) PageSize() int { return m.pageSize }

// Open registers path, creating it if flags includes os.O_CREATE, and
// returns its handle.
func (m *Manager) Open(path string, flags int) (FileHandle, error) {
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", errs.ErrIoError, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("%w: stat %s: %v", errs.ErrIoError, path, err)
	}

	entry := &fileEntry{path: path, file: f, fd: int(f.Fd())}
	entry.size.Store(info.Size())
	entry.open.Store(true)

	m.mu.Lock()
	handle := FileHandle(len(m.files))
	m.files = append(m.files, entry)
	m.mu.Unlock()

	return handle, nil
}

func (m *Manager) entry(fh FileHandle) (*fileEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(fh) >= len(m.files) {
		return nil, fmt.Errorf("%w: handle %d", errs.ErrInvalidHandle, fh)
	}
	e := m.files[fh]
	if !e.open.Load() {
		return nil, fmt.Errorf("%w: handle %d is closed", errs.ErrInvalidHandle, fh)
	}
	return e, nil
}

// Close invalidates fh. The slot is never reused.
func (m *Manager) Close(fh FileHandle) error {
	e, err := m.entry(fh)
	if err != nil {
		return err
	}
	if err := e.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync on close: %v", errs.ErrIoError, err)
	}
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", errs.ErrIoError, err)
	}
	e.open.Store(false)
	return nil
}

// Size returns the cached byte length of fh.
func (m *Manager) Size(fh FileHandle) (int64, error) {
	e, err := m.entry(fh)
	if err != nil {
		return 0, err
	}
	return e.size.Load(), nil
}

// Resize truncates or extends fh to newSize bytes. Callers (the buffer
// pool manager) must drain pins on pages past newSize before
// shrinking.
func (m *Manager) Resize(fh FileHandle, newSize int64) error {
	e, err := m.entry(fh)
	if err != nil {
		return err
	}
	if err := e.file.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: resize: %v", errs.ErrIoError, err)
	}
	e.size.Store(newSize)
	return nil
}

// ReadPage reads exactly one page at fpage's offset into buf, which
// must be at least PageSize bytes. Returns the number of bytes actually
// read, which is less than PageSize only when the page straddles EOF;
// the caller zero-fills the remainder.
func (m *Manager) ReadPage(fh FileHandle, fpage uint64, buf []byte) (int, error) {
	e, err := m.entry(fh)
	if err != nil {
		return 0, err
	}
	off := int64(fpage) * int64(m.pageSize)
	n, err := unix.Pread(e.fd, buf[:m.pageSize], off)
	if err != nil {
		return 0, fmt.Errorf("%w: pread fd=%d fpage=%d: %v", errs.ErrIoError, fh, fpage, err)
	}
	return n, nil
}

// WritePage writes exactly one page of data (len(buf) == PageSize) at
// fpage's offset.
func (m *Manager) WritePage(fh FileHandle, fpage uint64, buf []byte) error {
	e, err := m.entry(fh)
	if err != nil {
		return err
	}
	if len(buf) != m.pageSize {
		return fmt.Errorf("%w: write buffer is %d bytes, want %d", errs.ErrAlignmentError, len(buf), m.pageSize)
	}
	off := int64(fpage) * int64(m.pageSize)
	if _, err := unix.Pwrite(e.fd, buf, off); err != nil {
		return fmt.Errorf("%w: pwrite fd=%d fpage=%d: %v", errs.ErrIoError, fh, fpage, err)
	}
	end := off + int64(len(buf))
	for {
		cur := e.size.Load()
		if end <= cur || e.size.CompareAndSwap(cur, end) {
			break
		}
	}
	return nil
}

// WriteAt issues a partial, non-page-aligned positional write and
// extends the tracked size if the write ends past it. The manager's
// SetBlock does not use it; it writes through whole-page frames.
func (m *Manager) WriteAt(fh FileHandle, offset int64, data []byte) error {
	e, err := m.entry(fh)
	if err != nil {
		return err
	}
	if _, err := unix.Pwrite(e.fd, data, offset); err != nil {
		return fmt.Errorf("%w: pwrite fd=%d offset=%d: %v", errs.ErrIoError, fh, offset, err)
	}
	end := offset + int64(len(data))
	for {
		cur := e.size.Load()
		if end <= cur || e.size.CompareAndSwap(cur, end) {
			break
		}
	}
	return nil
}

// Sync flushes fh's data to stable storage.
func (m *Manager) Sync(fh FileHandle) error {
	e, err := m.entry(fh)
	if err != nil {
		return err
	}
	if err := unix.Fdatasync(e.fd); err != nil {
		return fmt.Errorf("%w: fdatasync: %v", errs.ErrIoError, err)
	}
	return nil
}

// IsAligned reports whether offset is a multiple of the page size, the
// constraint direct-I/O paths require.
func (m *Manager) IsAligned(offset int64) bool {
	return offset%int64(m.pageSize) == 0
}

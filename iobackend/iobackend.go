// Package iobackend implements two interchangeable I/O backend
// variants: a blocking positional-syscall backend, and an asynchronous
// submission/completion ring backend. Both are driven by package
// ioserver, never directly by client code.
package iobackend

import (
	"fmt"
	"sync"

	"bufferpool/diskio"
	"bufferpool/errs"
)

// Completion is the caller-owned completion signal passed alongside
// every request. It supports both a blocking Wait (the
// mutex+condvar-equivalent primitive a request's submitter needs) and a
// non-blocking Done poll (used by the manager's batch state machine).
type Completion struct {
	mu   sync.Mutex
	cond *sync.Cond
	done bool
	err  error
}

// NewCompletion returns an unsignalled completion.
func NewCompletion() *Completion {
	c := &Completion{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Signal marks the completion done with the given error (nil on
// success). Safe to call exactly once.
func (c *Completion) Signal(err error) {
	c.mu.Lock()
	c.done = true
	c.err = err
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Wait blocks until Signal is called and returns its error.
func (c *Completion) Wait() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.done {
		c.cond.Wait()
	}
	return c.err
}

// Done is the non-blocking poll the manager's batch state machine uses
// while a request is in the Waiting phase.
func (c *Completion) Done() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done, c.err
}

// Backend is the interface both I/O backend variants satisfy. iov holds
// one []byte per page, each exactly the disk manager's page size; Read
// fills them from disk (zero-filling past EOF), Write persists them.
type Backend interface {
	Read(fh diskio.FileHandle, fpageStart uint64, iov [][]byte, completion *Completion) error
	Write(fh diskio.FileHandle, fpageStart uint64, iov [][]byte, completion *Completion) error
	// Progress drives the backend's internal submission/completion
	// cycle. The syscall backend's Progress is a no-op — it completes
	// synchronously inside Read/Write.
	Progress()
}

// Syscall is the blocking positional backend: each Read/Write performs
// its syscalls inline and signals its completion before returning.
type Syscall struct {
	disk *diskio.Manager
}

// NewSyscall returns a Syscall backend over disk.
func NewSyscall(disk *diskio.Manager) *Syscall {
	return &Syscall{disk: disk}
}

func (s *Syscall) Read(fh diskio.FileHandle, fpageStart uint64, iov [][]byte, completion *Completion) error {
	err := readPages(s.disk, fh, fpageStart, iov)
	if completion != nil {
		completion.Signal(err)
	}
	return err
}

func (s *Syscall) Write(fh diskio.FileHandle, fpageStart uint64, iov [][]byte, completion *Completion) error {
	err := writePages(s.disk, fh, fpageStart, iov)
	if err == nil {
		err = s.disk.Sync(fh)
	}
	if completion != nil {
		completion.Signal(err)
	}
	return err
}

func (s *Syscall) Progress() {}

func readPages(disk *diskio.Manager, fh diskio.FileHandle, fpageStart uint64, iov [][]byte) error {
	for i, buf := range iov {
		n, err := disk.ReadPage(fh, fpageStart+uint64(i), buf)
		if err != nil {
			return err
		}
		for j := n; j < len(buf); j++ {
			buf[j] = 0 // reads past EOF zero-fill
		}
	}
	return nil
}

func writePages(disk *diskio.Manager, fh diskio.FileHandle, fpageStart uint64, iov [][]byte) error {
	for i, buf := range iov {
		if err := disk.WritePage(fh, fpageStart+uint64(i), buf); err != nil {
			return err
		}
	}
	return nil
}

// submission is one queued ring entry.
type submission struct {
	fh         diskio.FileHandle
	fpageStart uint64
	iov        [][]byte
	read       bool
	completion *Completion
}

// Ring is the asynchronous submission/completion ring backend.
// Read/Write append to a fixed-depth queue; Progress drains it,
// performing the positional I/O and signalling each completion.
// Completion order across entries is not guaranteed.
//
// Real io_uring bindings aren't available anywhere in the reference
// pack (no repo imports one), so Progress performs each queued entry's
// syscall inline rather than truly overlapping them — see DESIGN.md for
// the open-question resolution. The external submission/completion
// contract (requests only complete when Progress is called) is
// preserved regardless.
type Ring struct {
	disk  *diskio.Manager
	depth int

	mu      sync.Mutex
	pending []submission
}

// NewRing returns a ring backend with the given in-flight depth.
func NewRing(disk *diskio.Manager, depth int) *Ring {
	if depth < 1 {
		depth = 1
	}
	return &Ring{disk: disk, depth: depth}
}

func (r *Ring) enqueue(s submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.depth {
		return fmt.Errorf("%w: ring at depth %d", errs.ErrResourceExhausted, r.depth)
	}
	r.pending = append(r.pending, s)
	return nil
}

func (r *Ring) Read(fh diskio.FileHandle, fpageStart uint64, iov [][]byte, completion *Completion) error {
	return r.enqueue(submission{fh: fh, fpageStart: fpageStart, iov: iov, read: true, completion: completion})
}

func (r *Ring) Write(fh diskio.FileHandle, fpageStart uint64, iov [][]byte, completion *Completion) error {
	return r.enqueue(submission{fh: fh, fpageStart: fpageStart, iov: iov, read: false, completion: completion})
}

// Progress submits every pending entry and reaps its completion.
func (r *Ring) Progress() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, s := range batch {
		var err error
		if s.read {
			err = readPages(r.disk, s.fh, s.fpageStart, s.iov)
		} else {
			err = writePages(r.disk, s.fh, s.fpageStart, s.iov)
		}
		if s.completion != nil {
			s.completion.Signal(err)
		}
	}
}

var (
	_ Backend = (*Syscall)(nil)
	_ Backend = (*Ring)(nil)
)

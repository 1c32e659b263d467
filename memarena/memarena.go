// Package memarena is the single aligned allocation of N x page_size
// bytes backing a partition's frames, plus the frame_id <-> address
// arithmetic every other component uses to address into it.
package memarena

import (
	"fmt"
	"unsafe"

	"bufferpool/pagetable"
)

// Arena owns one contiguous, page-aligned allocation sized for exactly
// frameCount frames of pageSize bytes each.
type Arena struct {
	raw      []byte // the oversized backing allocation
	aligned  []byte // the page-aligned view callers actually use
	pageSize int
	frames   int
}

// New allocates an arena of frameCount x pageSize bytes, aligned to
// pageSize so the syscall and ring I/O backends can use it as a
// direct-I/O destination, which requires page-aligned buffers.
func New(pageSize, frameCount int) *Arena {
	size := pageSize * frameCount
	// Over-allocate by one page so there is always a pageSize-aligned
	// address inside the slice to slice from — the same trick used by
	// direct-I/O-aware Go storage engines to get aligned buffers without
	// cgo or mmap.
	raw := make([]byte, size+pageSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	offset := (uintptr(pageSize) - base%uintptr(pageSize)) % uintptr(pageSize)
	aligned := raw[offset : offset+uintptr(size)]

	return &Arena{
		raw:      raw,
		aligned:  aligned,
		pageSize: pageSize,
		frames:   frameCount,
	}
}

// FrameCount returns the number of frames the arena holds.
func (a *Arena) FrameCount() int { return a.frames }

// PageSize returns the configured frame size in bytes.
func (a *Arena) PageSize() int { return a.pageSize }

// Bytes returns the total number of bytes backing the arena's
// page-aligned view (excludes the alignment slack).
func (a *Arena) Bytes() int { return len(a.aligned) }

// Frame returns the byte slice backing frame, of exactly PageSize bytes.
func (a *Arena) Frame(frame pagetable.FrameID) []byte {
	off := int(frame) * a.pageSize
	if off < 0 || off+a.pageSize > len(a.aligned) {
		panic(fmt.Sprintf("memarena: frame %d out of range for %d frames", frame, a.frames))
	}
	return a.aligned[off : off+a.pageSize]
}

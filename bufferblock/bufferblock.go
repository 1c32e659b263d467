// Package bufferblock implements the client-facing pinned-view /
// owned-copy handle: a resolved block either owns a linearised copy, or
// holds live pins into the buffer pool's frames, modeled as a variant
// with two cases rather than one struct trying to be both.
package bufferblock

import (
	"bufferpool/diskio"
	"bufferpool/pagetable"
)

// Releaser is the narrow interface a BufferBlock needs from its owning
// partition to release pins on Close — satisfied by *partition.Partition
// without bufferblock importing it (which would cycle: partition would
// need bufferblock for return types, bufferblock would need partition
// for release).
type Releaser interface {
	Unpin(frame pagetable.FrameID, dirty bool)
}

// pageView is one page's worth of the assembled block: the frame it
// pins, the byte range within that frame the request actually covers,
// and whether the caller intends to modify it.
type pageView struct {
	owner Releaser
	frame pagetable.FrameID
	bytes []byte // sliced to exactly the requested range within the page
	dirty bool
}

// BufferBlock is the handle returned to callers. A single-page request
// yields a zero-copy Bytes() straight into the pinned frame; a
// multi-page request either holds every page's pin (Bytes() gathers a
// copy lazily only if asked). A block built by NewOwnedCopy instead
// owns a heap copy and holds no pins at all.
type BufferBlock struct {
	fd     diskio.FileHandle
	offset int64
	length int

	pages []pageView // nil when owned

	owned    []byte // non-nil when this block owns a materialised copy
	released bool
}

// NewPinnedView builds a block over one or more pinned pages, each
// potentially owned by a different partition (owners[i] releases
// frames[i]). Each byte slice must already be sliced to the exact
// sub-range that page contributes to the request; dirty marks pages
// set_block wrote into, so Close releases them with the dirty bit set.
func NewPinnedView(fd diskio.FileHandle, offset int64, length int, owners []Releaser, frames []pagetable.FrameID, slices [][]byte, dirty []bool) *BufferBlock {
	pages := make([]pageView, len(frames))
	for i := range frames {
		d := false
		if i < len(dirty) {
			d = dirty[i]
		}
		pages[i] = pageView{owner: owners[i], frame: frames[i], bytes: slices[i], dirty: d}
	}
	return &BufferBlock{fd: fd, offset: offset, length: length, pages: pages}
}

// NewOwnedCopy builds a block that owns a heap-allocated copy and holds
// no pins. The manager returns one for zero-length requests.
func NewOwnedCopy(fd diskio.FileHandle, offset int64, data []byte) *BufferBlock {
	return &BufferBlock{fd: fd, offset: offset, length: len(data), owned: data}
}

// FD returns the file handle this block was read from.
func (b *BufferBlock) FD() diskio.FileHandle { return b.fd }

// Offset returns the byte offset the block starts at.
func (b *BufferBlock) Offset() int64 { return b.offset }

// Len returns the block's byte length.
func (b *BufferBlock) Len() int { return b.length }

// Bytes returns the block's contents. For a single-page pinned view
// this is a zero-copy slice into the resident frame; for a
// multi-page pinned view or an owned copy it gathers (or returns the
// existing) contiguous buffer. The returned slice must not be
// retained past Close.
func (b *BufferBlock) Bytes() []byte {
	if b.owned != nil {
		return b.owned
	}
	if len(b.pages) == 1 {
		return b.pages[0].bytes
	}
	out := make([]byte, 0, b.length)
	for _, pg := range b.pages {
		out = append(out, pg.bytes...)
	}
	return out
}

// MarkDirty flags every page this block holds as modified, so Close
// releases them dirty even if the block was originally opened read-only
// and mutated in place by the caller. A no-op on an owned copy, which
// holds no pins to mark.
func (b *BufferBlock) MarkDirty() {
	for i := range b.pages {
		b.pages[i].dirty = true
	}
}

// Close unpins every frame the block holds, marking dirty ones along
// the way. Safe to call once; a second call is a no-op. Owned copies
// have nothing to release.
func (b *BufferBlock) Close() {
	if b.released {
		return
	}
	b.released = true
	for _, pg := range b.pages {
		pg.owner.Unpin(pg.frame, pg.dirty)
	}
}

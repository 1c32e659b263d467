// Package pagetable implements the concurrent (fd, fpage) -> frame_id
// mapping and the per-frame metadata (PTE): a reverse record on every
// frame, a busy-bit spinlock guarding mapping transitions, and a
// sharded forward map for lookups.
package pagetable

import (
	"sync/atomic"
)

// FrameID indexes a frame within a partition's memory arena.
type FrameID uint32

// EmptyFD is the sentinel file handle stored on a frame with no
// resident page.
const EmptyFD = ^uint32(0)

// FrameState is a frame's lifecycle state.
type FrameState int32

const (
	StateFree FrameState = iota
	StateLoading
	StateResident
	StateEvicting
)

// PTE is the per-frame page-table entry: reverse (fd, fpage) lookup plus
// pin count, dirty flag, reference hint, the busy-bit slot lock, and the
// coarser frame lifecycle state.
//
// Every field is manipulated with atomics so that pin/unpin never take
// a lock.
type PTE struct {
	frame FrameID

	fd    atomic.Uint32
	fpage atomic.Uint64

	refCount  atomic.Int32
	dirty     atomic.Bool
	reference atomic.Bool
	busy      atomic.Uint32 // 0 = free, 1 = held
	state     atomic.Int32
	epoch     atomic.Uint64
}

// NewPTE returns a PTE for the given frame, initialised to the empty
// (FREE) state.
func NewPTE(frame FrameID) *PTE {
	p := &PTE{frame: frame}
	p.fd.Store(EmptyFD)
	p.state.Store(int32(StateFree))
	return p
}

// State returns the frame's current lifecycle state.
func (p *PTE) State() FrameState { return FrameState(p.state.Load()) }

// SetState transitions the frame's lifecycle state. Callers are
// responsible for only making valid transitions.
func (p *PTE) SetState(s FrameState) { p.state.Store(int32(s)) }

// Frame returns the frame this PTE describes.
func (p *PTE) Frame() FrameID { return p.frame }

// FD and FPage are the reverse-lookup identity of the resident page.
func (p *PTE) FD() uint32      { return p.fd.Load() }
func (p *PTE) FPage() uint64   { return p.fpage.Load() }
func (p *PTE) IsEmpty() bool   { return p.fd.Load() == EmptyFD }
func (p *PTE) RefCount() int32 { return p.refCount.Load() }
func (p *PTE) Dirty() bool     { return p.dirty.Load() }
func (p *PTE) Reference() bool { return p.reference.Load() }

// Epoch returns the frame's current identity generation. The direct
// cache (package directcache) stores this alongside a frame hint and
// must compare it on every hit before trusting the hint.
func (p *PTE) Epoch() uint64 { return p.epoch.Load() }

// SetDirty marks the frame modified since its last write-back.
func (p *PTE) SetDirty(v bool) { p.dirty.Store(v) }

// SetReference sets the replacement-policy hint bit. Called on every
// successful pin so a frame revisited while sitting in the replacer
// gets one more lap before eviction.
func (p *PTE) SetReference(v bool) { p.reference.Store(v) }

// TryLockBusy attempts to acquire the slot's busy bit with a single
// CAS. Callers must complete bounded work and call UnlockBusy.
func (p *PTE) TryLockBusy() bool {
	return p.busy.CompareAndSwap(0, 1)
}

// UnlockBusy releases the busy bit. Must only be called by the holder.
func (p *PTE) UnlockBusy() {
	p.busy.Store(0)
}

// IsBusy reports whether the slot is mid-transition, for callers that
// only want to observe a transition rather than acquire the bit
// themselves.
func (p *PTE) IsBusy() bool {
	return p.busy.Load() == 1
}

// IncRefCount increments ref_count and returns the new value.
func (p *PTE) IncRefCount() int32 { return p.refCount.Add(1) }

// DecRefCount decrements ref_count and returns the new value. Callers
// must never drive it negative.
func (p *PTE) DecRefCount() int32 { return p.refCount.Add(-1) }

// CompareAndSwapRefCount is the CAS primitive pin() uses to bump
// ref_count without taking a lock.
func (p *PTE) CompareAndSwapRefCount(old, new int32) bool {
	return p.refCount.CompareAndSwap(old, new)
}

// SetIdentity installs (fd, fpage) on the PTE. The caller must own the
// frame exclusively: either hold its busy bit, or hold a FREE frame it
// has just taken off the free list or out of the eviction path, which
// no lookup can reach yet.
func (p *PTE) SetIdentity(fd uint32, fpage uint64) {
	p.fd.Store(fd)
	p.fpage.Store(fpage)
}

// Clear resets the PTE to FREE: no identity, zero ref count, clean,
// no reference hint. Requires the busy bit to be held by the caller.
// Bumps the epoch so any direct-cache hint pointing at this frame's
// former identity is invalidated on its next probe.
func (p *PTE) Clear() {
	p.fd.Store(EmptyFD)
	p.fpage.Store(0)
	p.refCount.Store(0)
	p.dirty.Store(false)
	p.reference.Store(false)
	p.state.Store(int32(StateFree))
	p.epoch.Add(1)
}

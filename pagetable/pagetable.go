package pagetable

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PageKey identifies a file page uniquely within a partition.
type PageKey struct {
	FD    uint32
	FPage uint64
}

// reservedFrame is the placeholder installed by LockMapping(creating=true)
// while a load is in flight but no real frame has been chosen yet. It lets
// a second miss on the same key discover "someone is already loading this"
// without the page table ever exposing an incorrect binding: concurrent
// lookups see either no mapping or the loading frame, never a wrong one.
const reservedFrame = FrameID(^uint32(0))

// Reserved reports whether frame is the placeholder LockMapping(creating=true)
// installs while a load is in flight — the caller's signal to back off
// rather than start a duplicate load.
func Reserved(frame FrameID) bool { return frame == reservedFrame }

type shard struct {
	mu sync.RWMutex
	m  map[PageKey]FrameID
}

// PageTable is the concurrent (fd, fpage) -> frame_id map.
// Forward lookups are served by a set of striped shards so that mutating
// one key's binding never blocks lookups of unrelated keys; the per-frame
// busy bit (pagetable.PTE) is the finer-grained lock that guards an
// individual mapping's identity transitions.
type PageTable struct {
	shards []*shard
	ptes   []*PTE // frame-indexed reverse records, owned by the partition
}

// New builds a page table over the given frame-indexed PTE array, with
// shardCount independently-locked shards for the forward map.
func New(ptes []*PTE, shardCount int) *PageTable {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{m: make(map[PageKey]FrameID)}
	}
	return &PageTable{shards: shards, ptes: ptes}
}

func (t *PageTable) shardFor(key PageKey) *shard {
	var buf [12]byte
	buf[0] = byte(key.FD)
	buf[1] = byte(key.FD >> 8)
	buf[2] = byte(key.FD >> 16)
	buf[3] = byte(key.FD >> 24)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(key.FPage >> (8 * i))
	}
	h := xxhash.Sum64(buf[:])
	return t.shards[h%uint64(len(t.shards))]
}

// PTE returns the frame-indexed reverse record for frame.
func (t *PageTable) PTE(frame FrameID) *PTE { return t.ptes[frame] }

// Lookup is the wait-free happy path: it returns the frame currently bound
// to (fd, fpage), if any. The result may be stale by the time the caller
// acts on it; pin()-style callers must revalidate identity after bumping
// ref_count.
func (t *PageTable) Lookup(fd uint32, fpage uint64) (FrameID, bool) {
	key := PageKey{fd, fpage}
	s := t.shardFor(key)
	s.mu.RLock()
	frame, ok := s.m[key]
	s.mu.RUnlock()
	if !ok || frame == reservedFrame {
		return 0, false
	}
	return frame, true
}

// LockMapping acquires the per-slot busy bit for (fd, fpage).
//
// creating=false (the eviction/revalidation path): scans for the frame
// currently bound to the key, spins to acquire that frame's busy bit, and
// re-reads the PTE to confirm its identity hasn't changed underneath.
// Returns (false, 0) if no mapping exists.
//
// creating=true (the miss path): reserves the key for a fresh load by
// installing the placeholder binding. Returns (false, existingFrame) if
// another goroutine already reserved or installed this key — the caller
// must not start a duplicate load.
func (t *PageTable) LockMapping(fd uint32, fpage uint64, creating bool) (bool, FrameID) {
	key := PageKey{fd, fpage}
	s := t.shardFor(key)

	if !creating {
		for {
			s.mu.RLock()
			frame, ok := s.m[key]
			s.mu.RUnlock()
			if !ok || frame == reservedFrame {
				return false, 0
			}
			pte := t.ptes[frame]
			if !pte.TryLockBusy() {
				continue
			}
			if pte.FD() != fd || pte.FPage() != fpage {
				pte.UnlockBusy()
				continue
			}
			return true, frame
		}
	}

	s.mu.Lock()
	if existing, ok := s.m[key]; ok {
		s.mu.Unlock()
		return false, existing
	}
	s.m[key] = reservedFrame
	s.mu.Unlock()
	return true, 0
}

// CreateMapping installs or overwrites the binding for (fd, fpage) to
// frame and sets the frame's reverse identity. The caller must hold the
// frame's busy bit (typically via a prior LockMapping or a freshly
// allocated FREE frame it owns exclusively).
func (t *PageTable) CreateMapping(fd uint32, fpage uint64, frame FrameID) {
	key := PageKey{fd, fpage}
	s := t.shardFor(key)
	t.ptes[frame].SetIdentity(fd, fpage)
	s.mu.Lock()
	s.m[key] = frame
	s.mu.Unlock()
}

// DeleteMapping clears the binding for (fd, fpage). The caller must hold
// the busy bit of the frame currently bound to this key.
func (t *PageTable) DeleteMapping(fd uint32, fpage uint64) {
	key := PageKey{fd, fpage}
	s := t.shardFor(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// CancelReservation removes a placeholder installed by
// LockMapping(creating=true) without ever installing a real frame —
// used when a load fails before a frame was chosen.
func (t *PageTable) CancelReservation(fd uint32, fpage uint64) {
	key := PageKey{fd, fpage}
	s := t.shardFor(key)
	s.mu.Lock()
	if s.m[key] == reservedFrame {
		delete(s.m, key)
	}
	s.mu.Unlock()
}

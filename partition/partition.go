// Package partition implements one independently locked shard: a
// memory arena, free list, page table, and replacer, plus the
// pin/unpin/fetch/evict/flush contract that operates on them. Routing
// a page to its owning partition is the manager's job (package
// manager); a partition never looks outside its own arena.
package partition

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"bufferpool/config"
	"bufferpool/diskio"
	"bufferpool/errs"
	"bufferpool/ioserver"
	"bufferpool/memarena"
	"bufferpool/pagetable"
	"bufferpool/replacer"
)

// maxLoadAttempts bounds the retry loop fetch_page_async runs when it
// races another goroutine loading the same page: concurrent lookups
// see either no mapping or the loading frame, never a stale one.
const maxLoadAttempts = 64

// Stats is a partition's point-in-time counters, surfaced by
// manager.Manager.Stats.
type Stats struct {
	AccessCount    uint64
	MissCount      uint64
	FreeFrames     int
	ResidentFrames int
	ReplacerSize   int
}

// Partition owns one shard's arena, page table, replacer, and free
// list, plus the I/O server it submits loads and write-backs to.
type Partition struct {
	id   int
	cfg  config.Config
	disk *diskio.Manager

	arena    *memarena.Arena
	table    *pagetable.PageTable
	ptes     []*pagetable.PTE
	replacer replacer.Replacer
	server   *ioserver.Server

	freeMu   sync.Mutex
	freeList []pagetable.FrameID

	accessCount atomic.Uint64
	missCount   atomic.Uint64

	logger *log.Logger
}

// New builds partition id over its own arena of cfg.FramesPerPartition
// frames, driving I/O through server.
func New(id int, cfg config.Config, disk *diskio.Manager, server *ioserver.Server) *Partition {
	ptes := make([]*pagetable.PTE, cfg.FramesPerPartition)
	freeList := make([]pagetable.FrameID, cfg.FramesPerPartition)
	for i := range ptes {
		ptes[i] = pagetable.NewPTE(pagetable.FrameID(i))
		freeList[i] = pagetable.FrameID(i)
	}

	shardCount := cfg.FramesPerPartition / 64
	if shardCount < 1 {
		shardCount = 1
	}

	return &Partition{
		id:       id,
		cfg:      cfg,
		disk:     disk,
		arena:    memarena.New(cfg.PageSize, cfg.FramesPerPartition),
		table:    pagetable.New(ptes, shardCount),
		ptes:     ptes,
		replacer: replacer.New(ptes),
		server:   server,
		freeList: freeList,
		logger:   log.New(log.Writer(), fmt.Sprintf("[partition %d] ", id), log.LstdFlags),
	}
}

// Future is the handle fetch_page_async returns: a load already
// submitted to the I/O server, not yet known to have completed.
type Future struct {
	partition *Partition
	frame     pagetable.FrameID
	pte       *pagetable.PTE
	data      []byte
	req       *ioserver.Request // nil when already resolved (another goroutine had already loaded the page)
	resolved  atomic.Bool
	err       error
}

func doneFuture(pte *pagetable.PTE, data []byte) *Future {
	f := &Future{pte: pte, data: data}
	f.resolved.Store(true)
	return f
}

// Done polls without blocking, for the manager's batch Waiting phase.
func (f *Future) Done() (bool, error) {
	if f.resolved.Load() {
		return true, f.err
	}
	done, err := f.req.Completion.Done()
	if !done {
		return false, nil
	}
	f.finish(err)
	return true, f.err
}

// Wait blocks until the load resolves and returns the pinned frame.
func (f *Future) Wait() (*pagetable.PTE, []byte, error) {
	if !f.resolved.Load() {
		err := f.req.Completion.Wait()
		f.finish(err)
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.pte, f.data, nil
}

// finish transitions the frame out of Loading exactly once.
func (f *Future) finish(err error) {
	if !f.resolved.CompareAndSwap(false, true) {
		return
	}
	f.err = err
	if err != nil {
		f.partition.abortLoad(f.frame, f.pte)
		return
	}
	f.pte.SetState(pagetable.StateResident)
	f.pte.SetReference(true)
	f.data = f.partition.arena.Frame(f.frame)
}

// Pin is the lock-free happy path: lookup, bump
// ref_count with a CAS that revalidates identity, never blocks.
func (p *Partition) Pin(fd diskio.FileHandle, fpage uint64) (*pagetable.PTE, []byte, bool) {
	frame, ok := p.table.Lookup(uint32(fd), fpage)
	if !ok {
		return nil, nil, false
	}
	pte := p.ptes[frame]

	for {
		if pte.State() != pagetable.StateResident || pte.FD() != uint32(fd) || pte.FPage() != fpage {
			return nil, nil, false
		}
		old := pte.RefCount()
		if old < 0 {
			return nil, nil, false
		}
		if pte.CompareAndSwapRefCount(old, old+1) {
			// Re-validate after the bump: an eviction may have raced us
			// between the read above and the CAS succeeding.
			if pte.FD() != uint32(fd) || pte.FPage() != fpage {
				pte.DecRefCount()
				return nil, nil, false
			}
			if old == 0 {
				p.replacer.Erase(frame)
			}
			pte.SetReference(true)
			p.accessCount.Add(1)
			return pte, p.arena.Frame(frame), true
		}
	}
}

// PinDirect is the direct cache's fast-path pin: given
// a frame hint already believed to hold (fd, fpage) at epoch, attempt
// the same CAS-style bump Pin uses but skip the page-table lookup
// entirely. Any mismatch — wrong identity, wrong epoch, wrong state —
// falls through by returning false, exactly like a page-table miss.
func (p *Partition) PinDirect(frame pagetable.FrameID, fd uint32, fpage uint64, epoch uint64) (*pagetable.PTE, []byte, bool) {
	if int(frame) >= len(p.ptes) {
		return nil, nil, false
	}
	pte := p.ptes[frame]

	for {
		if pte.State() != pagetable.StateResident || pte.FD() != fd || pte.FPage() != fpage || pte.Epoch() != epoch {
			return nil, nil, false
		}
		old := pte.RefCount()
		if old < 0 {
			return nil, nil, false
		}
		if pte.CompareAndSwapRefCount(old, old+1) {
			if pte.FD() != fd || pte.FPage() != fpage || pte.Epoch() != epoch {
				pte.DecRefCount()
				return nil, nil, false
			}
			if old == 0 {
				p.replacer.Erase(frame)
			}
			pte.SetReference(true)
			p.accessCount.Add(1)
			return pte, p.arena.Frame(frame), true
		}
	}
}

// Unpin decrements ref_count and, on reaching zero, re-inserts the
// frame into the replacer.
func (p *Partition) Unpin(frame pagetable.FrameID, dirty bool) {
	pte := p.ptes[frame]
	if dirty {
		pte.SetDirty(true)
	}
	n := pte.DecRefCount()
	if n < 0 {
		p.logger.Printf("FATAL ref_count underflow on frame %d", frame)
		return
	}
	if n == 0 {
		p.replacer.Insert(frame)
	}
}

// ReleasePage is an alias for callers that already
// hold a frame handle rather than a (fd, fpage) key.
func (p *Partition) ReleasePage(frame pagetable.FrameID, dirty bool) {
	p.Unpin(frame, dirty)
}

// FetchPageAsync allocates or evicts a frame, marks it Loading, and
// submits a read to the I/O server. The returned future resolves to
// the pinned frame once the server signals completion.
func (p *Partition) FetchPageAsync(fd diskio.FileHandle, fpage uint64) (*Future, error) {
	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		locked, existing := p.table.LockMapping(uint32(fd), fpage, true)
		if !locked {
			if pagetable.Reserved(existing) {
				runtime.Gosched()
				continue
			}
			if pte, data, ok := p.Pin(fd, fpage); ok {
				return doneFuture(pte, data), nil
			}
			runtime.Gosched()
			continue
		}

		frame, err := p.acquireFrame()
		if err != nil {
			p.table.CancelReservation(uint32(fd), fpage)
			return nil, err
		}

		pte := p.ptes[frame]
		pte.SetIdentity(uint32(fd), fpage)
		pte.SetState(pagetable.StateLoading)
		p.table.CreateMapping(uint32(fd), fpage, frame)
		p.missCount.Add(1)

		req := ioserver.NewRequest(fd, fpage, [][]byte{p.arena.Frame(frame)}, true)
		p.server.Submit(req, true)

		pte.CompareAndSwapRefCount(0, 1)
		return &Future{partition: p, frame: frame, pte: pte, req: req}, nil
	}
	return nil, fmt.Errorf("%w: partition %d could not install mapping for fd=%d fpage=%d", errs.ErrResourceExhausted, p.id, fd, fpage)
}

// abortLoad releases a frame whose load failed back to FREE.
func (p *Partition) abortLoad(frame pagetable.FrameID, pte *pagetable.PTE) {
	fd, fpage := pte.FD(), pte.FPage()
	p.table.DeleteMapping(fd, fpage)
	pte.Clear()
	p.freeMu.Lock()
	p.freeList = append(p.freeList, frame)
	p.freeMu.Unlock()
}

// acquireFrame returns a FREE frame, popping the free list or, if
// empty, running the eviction protocol.
func (p *Partition) acquireFrame() (pagetable.FrameID, error) {
	p.freeMu.Lock()
	if n := len(p.freeList); n > 0 {
		frame := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		p.freeMu.Unlock()
		return frame, nil
	}
	p.freeMu.Unlock()
	return p.evictOne()
}

// evictOne selects a validated victim (replacer.Victim already
// performs the busy-bit hold and identity check), writes it back if
// dirty, deletes its mapping, clears its PTE, and releases the busy
// bit.
func (p *Partition) evictOne() (pagetable.FrameID, error) {
	frame, ok := p.replacer.Victim()
	if !ok {
		return 0, fmt.Errorf("%w: partition %d has no eviction candidate", errs.ErrResourceExhausted, p.id)
	}
	pte := p.ptes[frame]

	if pte.Dirty() {
		if err := p.writeBack(pte, frame); err != nil {
			pte.SetState(pagetable.StateResident)
			pte.UnlockBusy()
			p.replacer.Insert(frame)
			return 0, err
		}
	}

	fd, fpage := pte.FD(), pte.FPage()
	p.table.DeleteMapping(fd, fpage)
	pte.Clear()
	pte.UnlockBusy()
	return frame, nil
}

// writeBack submits a synchronous write-back and waits for it.
func (p *Partition) writeBack(pte *pagetable.PTE, frame pagetable.FrameID) error {
	req := ioserver.NewRequest(diskio.FileHandle(pte.FD()), pte.FPage(), [][]byte{p.arena.Frame(frame)}, false)
	p.server.Submit(req, true)
	if err := req.Completion.Wait(); err != nil {
		return err
	}
	pte.SetDirty(false)
	return nil
}

// FlushPage writes fd/fpage back if dirty, optionally evicting it to
// the free list afterward.
func (p *Partition) FlushPage(fd diskio.FileHandle, fpage uint64, deleteFromMemory bool) error {
	locked, frame := p.table.LockMapping(uint32(fd), fpage, false)
	if !locked {
		return nil
	}
	pte := p.ptes[frame]

	if pte.Dirty() {
		if err := p.writeBack(pte, frame); err != nil {
			pte.UnlockBusy()
			return err
		}
	}

	if !deleteFromMemory {
		pte.UnlockBusy()
		return nil
	}

	if pte.RefCount() != 0 {
		pte.UnlockBusy()
		return fmt.Errorf("%w: page fd=%d fpage=%d is pinned", errs.ErrResourceExhausted, fd, fpage)
	}

	p.replacer.Erase(frame)
	p.table.DeleteMapping(uint32(fd), fpage)
	pte.Clear()
	pte.UnlockBusy()

	p.freeMu.Lock()
	p.freeList = append(p.freeList, frame)
	p.freeMu.Unlock()
	return nil
}

// FlushFile flushes every resident page belonging to fd without
// evicting them.
func (p *Partition) FlushFile(fd diskio.FileHandle) error {
	for _, pte := range p.ptes {
		if pte.State() == pagetable.StateResident && pte.FD() == uint32(fd) {
			if err := p.FlushPage(fd, pte.FPage(), false); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushAll flushes every resident dirty page in this partition,
// regardless of which file it belongs to.
func (p *Partition) FlushAll() error {
	for _, pte := range p.ptes {
		if pte.State() == pagetable.StateResident && pte.Dirty() {
			if err := p.FlushPage(diskio.FileHandle(pte.FD()), pte.FPage(), false); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloseFile flushes then tears down every mapping belonging to fd.
func (p *Partition) CloseFile(fd diskio.FileHandle) error {
	for _, pte := range p.ptes {
		if pte.State() == pagetable.StateResident && pte.FD() == uint32(fd) {
			if err := p.FlushPage(fd, pte.FPage(), true); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvictPagesPastSize eagerly evicts every resident unpinned page of fd
// at or beyond newPageCount, for the manager's resize path, rather than
// waiting for replacement pressure. Those pages are dropped without a
// write-back, since writing them would extend the file past its new
// size again. A pinned page past the size is an error.
func (p *Partition) EvictPagesPastSize(fd diskio.FileHandle, newPageCount uint64) error {
	for _, pte := range p.ptes {
		if pte.State() != pagetable.StateResident || pte.FD() != uint32(fd) || pte.FPage() < newPageCount {
			continue
		}
		fpage := pte.FPage()
		locked, frame := p.table.LockMapping(uint32(fd), fpage, false)
		if !locked {
			continue
		}
		victim := p.ptes[frame]
		if victim.RefCount() != 0 {
			victim.UnlockBusy()
			return fmt.Errorf("%w: page fd=%d fpage=%d past new size is pinned", errs.ErrResourceExhausted, fd, fpage)
		}
		p.replacer.Erase(frame)
		p.table.DeleteMapping(uint32(fd), fpage)
		victim.Clear()
		victim.UnlockBusy()

		p.freeMu.Lock()
		p.freeList = append(p.freeList, frame)
		p.freeMu.Unlock()
	}
	return nil
}

// FreeCount returns the number of frames currently on the free list.
func (p *Partition) FreeCount() int {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	return len(p.freeList)
}

// Refill evicts frames into the free list until it holds at least
// target, or until the replacer has no more candidates. Returns the
// number of frames actually added. Used by the background eviction
// server to keep pin misses off the hot path.
func (p *Partition) Refill(target int) int {
	filled := 0
	for p.FreeCount() < target {
		frame, err := p.evictOne()
		if err != nil {
			break
		}
		p.freeMu.Lock()
		p.freeList = append(p.freeList, frame)
		p.freeMu.Unlock()
		filled++
	}
	return filled
}

// Stats reports the partition's current counters.
func (p *Partition) Stats() Stats {
	p.freeMu.Lock()
	free := len(p.freeList)
	p.freeMu.Unlock()

	resident := 0
	for _, pte := range p.ptes {
		if pte.State() == pagetable.StateResident {
			resident++
		}
	}

	return Stats{
		AccessCount:    p.accessCount.Load(),
		MissCount:      p.missCount.Load(),
		FreeFrames:     free,
		ResidentFrames: resident,
		ReplacerSize:   p.replacer.Size(),
	}
}

// FrameEpoch returns frame's current identity generation, for callers
// (the direct cache) that only have a frame id in hand.
func (p *Partition) FrameEpoch(frame pagetable.FrameID) uint64 {
	return p.ptes[frame].Epoch()
}

// ID returns the partition's index within its manager.
func (p *Partition) ID() int { return p.id }

// PageSize returns the frame size this partition's arena uses.
func (p *Partition) PageSize() int { return p.arena.PageSize() }

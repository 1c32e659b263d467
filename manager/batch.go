package manager

import (
	"runtime"

	"bufferpool/bufferblock"
	"bufferpool/diskio"
	"bufferpool/pagetable"
	"bufferpool/partition"
)

// BlockFuture is get_block_async's result: a resolution already in
// flight across one or more partitions.
type BlockFuture struct {
	m      *Manager
	fd     diskio.FileHandle
	offset int64
	length int

	resolved bool
	block    *bufferblock.BufferBlock
	err      error

	pr      pageRange
	frames  []pagetable.FrameID
	slices  [][]byte
	owners  []*partition.Partition
	futures []*partition.Future
}

// GetBlockAsync performs identical page resolution to GetBlock, but
// returns immediately with a future rather than blocking.
func (m *Manager) GetBlockAsync(fd diskio.FileHandle, offset int64, length int) (*BlockFuture, error) {
	if err := m.checkShutdown(); err != nil {
		return nil, err
	}
	if length == 0 {
		return &BlockFuture{resolved: true, block: bufferblock.NewOwnedCopy(fd, offset, nil)}, nil
	}

	pr := m.decompose(offset, length)
	f := &BlockFuture{
		m: m, fd: fd, offset: offset, length: length, pr: pr,
		frames:  make([]pagetable.FrameID, pr.pageCount),
		slices:  make([][]byte, pr.pageCount),
		owners:  make([]*partition.Partition, pr.pageCount),
		futures: make([]*partition.Future, pr.pageCount),
	}

	for i := 0; i < pr.pageCount; i++ {
		fpage := pr.fpageStart + uint64(i)
		p := m.partitionFor(fd, fpage)
		f.owners[i] = p
		if pte, data, ok := p.Pin(fd, fpage); ok {
			f.frames[i] = pte.Frame()
			f.slices[i] = data
			continue
		}
		fut, err := p.FetchPageAsync(fd, fpage)
		if err != nil {
			m.unwindPartial(f.owners, f.frames, f.futures, i)
			return nil, err
		}
		f.futures[i] = fut
	}

	return f, nil
}

// Done polls non-blockingly, driving any still-pending page futures
// one step. Used directly by the batch pipeline's Waiting phase.
func (f *BlockFuture) Done() (bool, error) {
	if f.resolved {
		return true, f.err
	}
	for i, fut := range f.futures {
		if fut == nil {
			continue
		}
		done, err := fut.Done()
		if !done {
			return false, nil
		}
		if err != nil {
			f.resolved, f.err = true, err
			return true, err
		}
		pte, data, _ := fut.Wait() // already signalled; Wait returns immediately
		f.frames[i] = pte.Frame()
		f.slices[i] = data
		f.futures[i] = nil
	}
	f.finish()
	return true, f.err
}

// Wait blocks until every page resolves and returns the assembled
// block.
func (f *BlockFuture) Wait() (*bufferblock.BufferBlock, error) {
	if f.resolved {
		return f.block, f.err
	}
	for i, fut := range f.futures {
		if fut == nil {
			continue
		}
		pte, data, err := fut.Wait()
		if err != nil {
			f.resolved, f.err = true, err
			return nil, err
		}
		f.frames[i] = pte.Frame()
		f.slices[i] = data
	}
	f.finish()
	return f.block, f.err
}

// finish assembles the final BufferBlock once every page is resolved.
// Safe to call more than once.
func (f *BlockFuture) finish() {
	if f.resolved {
		return
	}
	f.resolved = true

	if f.pr.pageCount == 1 {
		lo, hi := f.pr.firstOff, f.pr.firstOff+f.length
		f.m.cache.Record(f.fd, f.pr.fpageStart, f.frames[0], f.owners[0].FrameEpoch(f.frames[0]))
		f.block = bufferblock.NewPinnedView(f.fd, f.offset, f.length,
			[]bufferblock.Releaser{f.owners[0]}, f.frames[:1], [][]byte{f.slices[0][lo:hi]}, []bool{false})
		return
	}

	gathered := make([][]byte, f.pr.pageCount)
	for i := range gathered {
		lo, hi := 0, f.m.cfg.PageSize
		if i == 0 {
			lo = f.pr.firstOff
		}
		if i == f.pr.pageCount-1 {
			hi = f.pr.lastLen
		}
		gathered[i] = f.slices[i][lo:hi]
	}
	releasers := make([]bufferblock.Releaser, f.pr.pageCount)
	for i, p := range f.owners {
		releasers[i] = p
	}
	f.block = bufferblock.NewPinnedView(f.fd, f.offset, f.length, releasers, f.frames, gathered, make([]bool, f.pr.pageCount))
}

// batchPhase is the phased state machine a batch request moves through:
// Begin -> Waiting -> FinishWaiting -> End.
type batchPhase int

const (
	phaseBegin batchPhase = iota
	phaseWaiting
	phaseFinishWaiting
	phaseEnd
)

// BatchRequest is one entry of a get_block_batch call.
type BatchRequest struct {
	FD     diskio.FileHandle
	Offset int64
	Length int
}

// BatchResult is one entry of get_block_batch's result, in the same
// order as the input requests.
type BatchResult struct {
	Block *bufferblock.BufferBlock
	Err   error
}

type batchItem struct {
	req    BatchRequest
	phase  batchPhase
	future *BlockFuture
	result BatchResult
}

// GetBlockBatch drives a single batch of requests, interleaving each
// one through Begin -> Waiting -> FinishWaiting -> End, bounded to
// cfg.BatchWindow requests in flight at once.
// Ordering between requests is not preserved by completion time, but
// the returned slice is in input order.
func (m *Manager) GetBlockBatch(reqs []BatchRequest) []BatchResult {
	items := make([]*batchItem, len(reqs))
	for i, r := range reqs {
		items[i] = &batchItem{req: r}
	}

	window := m.cfg.BatchWindow
	if window > len(items) {
		window = len(items)
	}

	next := 0
	inFlight := make([]*batchItem, 0, window)
	for len(inFlight) < window && next < len(items) {
		it := items[next]
		next++
		m.beginItem(it)
		inFlight = append(inFlight, it)
	}

	completed := 0
	for completed < len(items) {
		live := inFlight[:0]
		for _, it := range inFlight {
			m.advanceItem(it)
			if it.phase == phaseEnd {
				completed++
				if next < len(items) {
					nit := items[next]
					next++
					m.beginItem(nit)
					live = append(live, nit)
				}
				continue
			}
			live = append(live, it)
		}
		inFlight = live
		if completed < len(items) {
			runtime.Gosched()
		}
	}

	results := make([]BatchResult, len(items))
	for i, it := range items {
		results[i] = it.result
	}
	return results
}

// beginItem issues get_block_async for the request and classifies it
// immediately if every page resolved synchronously.
func (m *Manager) beginItem(it *batchItem) {
	fut, err := m.GetBlockAsync(it.req.FD, it.req.Offset, it.req.Length)
	if err != nil {
		it.result = BatchResult{Err: err}
		it.phase = phaseEnd
		return
	}
	it.future = fut
	if done, derr := fut.Done(); done {
		it.result = BatchResult{Block: fut.block, Err: derr}
		it.phase = phaseEnd
		return
	}
	it.phase = phaseWaiting
}

// advanceItem drives one item's Waiting -> FinishWaiting -> End steps.
func (m *Manager) advanceItem(it *batchItem) {
	switch it.phase {
	case phaseWaiting:
		done, err := it.future.Done()
		if !done {
			return
		}
		if err != nil {
			it.result = BatchResult{Err: err}
			it.phase = phaseEnd
			return
		}
		it.phase = phaseFinishWaiting
	case phaseFinishWaiting:
		it.result = BatchResult{Block: it.future.block, Err: it.future.err}
		it.phase = phaseEnd
	}
}

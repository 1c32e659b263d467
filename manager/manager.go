// Package manager implements the top-level buffer pool coordinator:
// partition routing, block assembly (sync and async), the phased batch
// pipeline, set_block, and the pool-wide lifecycle operations (warmup,
// flush, resize, stats).
package manager

import (
	"fmt"
	"log"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"

	"bufferpool/bufferblock"
	"bufferpool/config"
	"bufferpool/diskio"
	"bufferpool/directcache"
	"bufferpool/errs"
	"bufferpool/iobackend"
	"bufferpool/ioserver"
	"bufferpool/pagetable"
	"bufferpool/partition"
)

// Manager owns every partition, the shared I/O server(s), the disk
// manager, and the optional direct cache. It is the only exported
// entry point client code calls into: a single optional singleton
// with explicit construction via New(config).
type Manager struct {
	cfg  config.Config
	disk *diskio.Manager

	partitions []*partition.Partition
	servers    []*ioserver.Server
	cache      *directcache.Cache

	logger *log.Logger

	shutdownMu sync.RWMutex
	shutdown   bool

	evictStop chan struct{}
	evictWg   sync.WaitGroup
}

// New initialises a manager per cfg: validates it, opens the disk
// manager, builds cfg.IOServerCount I/O servers (round-robin shared
// across cfg.PartitionCount partitions), and starts the background
// eviction server. Operations issued before New returns are undefined.
func New(cfg config.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	disk := diskio.New(cfg.PageSize)
	logger := log.New(log.Writer(), "[manager] ", log.LstdFlags)

	var backend iobackend.Backend
	switch cfg.IOBackend {
	case config.BackendRing:
		backend = iobackend.NewRing(disk, cfg.RingDepth)
	default:
		backend = iobackend.NewSyscall(disk)
	}

	servers := make([]*ioserver.Server, cfg.IOServerCount)
	for i := range servers {
		servers[i] = ioserver.New(backend, cfg.RingDepth, cfg.RingDepth, log.New(log.Writer(), fmt.Sprintf("[io-server %d] ", i), log.LstdFlags))
		servers[i].Start()
	}

	partitions := make([]*partition.Partition, cfg.PartitionCount)
	for i := range partitions {
		partitions[i] = partition.New(i, cfg, disk, servers[i%len(servers)])
	}

	cache, err := directcache.New(cfg.DirectCacheCapacity)
	if err != nil {
		for _, s := range servers {
			s.Stop()
		}
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		disk:       disk,
		partitions: partitions,
		servers:    servers,
		cache:      cache,
		logger:     logger,
		evictStop:  make(chan struct{}),
	}

	totalBytes := cfg.PartitionCount * cfg.FramesPerPartition * cfg.PageSize
	logger.Printf("initialised: partitions=%d frames/partition=%d page_size=%d arena=%s backend=%s",
		cfg.PartitionCount, cfg.FramesPerPartition, cfg.PageSize, humanize.Bytes(uint64(totalBytes)), cfg.IOBackend)

	m.evictWg.Add(1)
	go m.runEvictionServer()

	return m, nil
}

// partitionFor routes an fpage to its owning partition. For a given
// fpage, exactly one partition may hold its mapping at any time; xxhash
// gives a better distribution across files than a bare fpage%P when
// many files share the same small page indices.
func (m *Manager) partitionFor(fd diskio.FileHandle, fpage uint64) *partition.Partition {
	var buf [12]byte
	v := uint32(fd)
	buf[0], buf[1], buf[2], buf[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(fpage >> (8 * i))
	}
	h := xxhash.Sum64(buf[:])
	return m.partitions[h%uint64(len(m.partitions))]
}

func (m *Manager) checkShutdown() error {
	m.shutdownMu.RLock()
	defer m.shutdownMu.RUnlock()
	if m.shutdown {
		return errs.ErrShutdown
	}
	return nil
}

// OpenFile registers path with the disk manager.
func (m *Manager) OpenFile(path string, flags int) (diskio.FileHandle, error) {
	if err := m.checkShutdown(); err != nil {
		return 0, err
	}
	return m.disk.Open(path, flags)
}

// CloseFile flushes and tears down every partition's mappings for fd,
// then closes it at the disk manager.
func (m *Manager) CloseFile(fd diskio.FileHandle) error {
	if err := m.checkShutdown(); err != nil {
		return err
	}
	if err := m.forEachPartition(func(p *partition.Partition) error {
		return p.CloseFile(fd)
	}); err != nil {
		return err
	}
	return m.disk.Close(fd)
}

// Resize delegates to the disk manager, then eagerly evicts any
// resident unpinned pages past the new size from every partition.
func (m *Manager) Resize(fd diskio.FileHandle, newBytes int64) error {
	if err := m.checkShutdown(); err != nil {
		return err
	}
	if err := m.disk.Resize(fd, newBytes); err != nil {
		return err
	}
	newPageCount := uint64(newBytes) / uint64(m.cfg.PageSize)
	if uint64(newBytes)%uint64(m.cfg.PageSize) != 0 {
		newPageCount++
	}
	return m.forEachPartition(func(p *partition.Partition) error {
		return p.EvictPagesPastSize(fd, newPageCount)
	})
}

// pageRange decomposes (offset, length) into the page span it covers.
type pageRange struct {
	fpageStart uint64
	pageCount  int
	firstOff   int
	lastLen    int
}

func (m *Manager) decompose(offset int64, length int) pageRange {
	ps := int64(m.cfg.PageSize)
	fpageStart := uint64(offset / ps)
	firstOff := int(offset % ps)
	end := offset + int64(length)
	lastPage := uint64((end - 1) / ps)
	if length == 0 {
		lastPage = fpageStart
	}
	pageCount := int(lastPage-fpageStart) + 1
	lastLen := int(end - int64(lastPage)*ps)
	return pageRange{fpageStart: fpageStart, pageCount: pageCount, firstOff: firstOff, lastLen: lastLen}
}

// GetBlock resolves a byte range into a
// BufferBlock, pinning synchronously on a hit and falling through to
// the I/O server on a miss.
func (m *Manager) GetBlock(fd diskio.FileHandle, offset int64, length int) (*bufferblock.BufferBlock, error) {
	if err := m.checkShutdown(); err != nil {
		return nil, err
	}
	if length == 0 {
		return bufferblock.NewOwnedCopy(fd, offset, nil), nil
	}

	pr := m.decompose(offset, length)

	if pr.pageCount == 1 {
		p := m.partitionFor(fd, pr.fpageStart)

		if m.cache.Enabled() {
			if frame, epoch, hit := m.cache.Probe(fd, pr.fpageStart); hit {
				if pte, data, ok := p.PinDirect(frame, uint32(fd), pr.fpageStart, epoch); ok {
					lo, hi := pr.firstOff, pr.firstOff+length
					return bufferblock.NewPinnedView(fd, offset, length, []bufferblock.Releaser{p}, []pagetable.FrameID{pte.Frame()}, [][]byte{data[lo:hi]}, []bool{false}), nil
				}
			}
		}

		pte, data, ok := p.Pin(fd, pr.fpageStart)
		if !ok {
			var err error
			pte, data, err = m.loadSync(p, fd, pr.fpageStart)
			if err != nil {
				return nil, err
			}
		}
		m.cache.Record(fd, pr.fpageStart, pte.Frame(), pte.Epoch())

		lo, hi := pr.firstOff, pr.firstOff+length
		return bufferblock.NewPinnedView(fd, offset, length, []bufferblock.Releaser{p}, []pagetable.FrameID{pte.Frame()}, [][]byte{data[lo:hi]}, []bool{false}), nil
	}

	return m.getMultiPage(fd, offset, length, pr)
}

// loadSync issues fetch_page_async and waits for it, for the single
// async-fetch sub-case of get_block.
func (m *Manager) loadSync(p *partition.Partition, fd diskio.FileHandle, fpage uint64) (*pagetable.PTE, []byte, error) {
	fut, err := p.FetchPageAsync(fd, fpage)
	if err != nil {
		return nil, nil, err
	}
	return fut.Wait()
}

func (m *Manager) getMultiPage(fd diskio.FileHandle, offset int64, length int, pr pageRange) (*bufferblock.BufferBlock, error) {
	frames := make([]pagetable.FrameID, pr.pageCount)
	slices := make([][]byte, pr.pageCount)
	owners := make([]*partition.Partition, pr.pageCount)
	futures := make([]*partition.Future, pr.pageCount)

	for i := 0; i < pr.pageCount; i++ {
		fpage := pr.fpageStart + uint64(i)
		p := m.partitionFor(fd, fpage)
		owners[i] = p
		if pte, data, ok := p.Pin(fd, fpage); ok {
			frames[i] = pte.Frame()
			slices[i] = data
			continue
		}
		fut, err := p.FetchPageAsync(fd, fpage)
		if err != nil {
			m.unwindPartial(owners, frames, futures, i)
			return nil, err
		}
		futures[i] = fut
	}

	for i, fut := range futures {
		if fut == nil {
			continue
		}
		pte, data, err := fut.Wait()
		if err != nil {
			m.unwindPartial(owners, frames, futures, i)
			return nil, err
		}
		frames[i] = pte.Frame()
		slices[i] = data
	}

	pageLo := make([]int, pr.pageCount)
	pageHi := make([]int, pr.pageCount)
	for i := range pageLo {
		pageLo[i] = 0
		pageHi[i] = m.cfg.PageSize
	}
	pageLo[0] = pr.firstOff
	pageHi[pr.pageCount-1] = pr.lastLen

	gathered := make([][]byte, pr.pageCount)
	for i := range gathered {
		gathered[i] = slices[i][pageLo[i]:pageHi[i]]
	}
	dirty := make([]bool, pr.pageCount)

	releasers := make([]bufferblock.Releaser, pr.pageCount)
	for i, p := range owners {
		releasers[i] = p
	}

	return bufferblock.NewPinnedView(fd, offset, length, releasers, frames, gathered, dirty), nil
}

// unwindPartial releases every pin already held by indices [0, upTo) of
// a multi-page request abandoned after a partial failure. An index
// whose page resolved synchronously is unpinned directly from frames;
// an index still holding a pending or just-resolved future is waited on
// first so the real frame it was granted is released rather than a
// stale zero value — otherwise the unwind would unpin frame 0 of that
// partition regardless of whether this request ever held it. A future
// that itself resolves with an error never obtained a pin and needs no
// release.
func (m *Manager) unwindPartial(owners []*partition.Partition, frames []pagetable.FrameID, futures []*partition.Future, upTo int) {
	for i := 0; i < upTo; i++ {
		p := owners[i]
		if p == nil {
			continue
		}
		if futures[i] != nil {
			pte, _, err := futures[i].Wait()
			if err != nil {
				continue
			}
			p.Unpin(pte.Frame(), false)
			continue
		}
		p.Unpin(frames[i], false)
	}
}

// SetBlock pins the target pages
// (allocating/evicting/extending as needed), copies bytes in, marks
// them dirty, and optionally flushes synchronously.
func (m *Manager) SetBlock(fd diskio.FileHandle, offset int64, data []byte, flush bool) error {
	if err := m.checkShutdown(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	end := offset + int64(len(data))
	size, err := m.disk.Size(fd)
	if err != nil {
		return err
	}
	if end > size {
		if err := m.Resize(fd, end); err != nil {
			return err
		}
	}

	pr := m.decompose(offset, len(data))
	written := 0
	for i := 0; i < pr.pageCount; i++ {
		fpage := pr.fpageStart + uint64(i)
		p := m.partitionFor(fd, fpage)

		pte, buf, ok := p.Pin(fd, fpage)
		if !ok {
			pte, buf, err = m.loadSync(p, fd, fpage)
			if err != nil {
				return err
			}
		}

		lo := 0
		if i == 0 {
			lo = pr.firstOff
		}
		hi := m.cfg.PageSize
		if i == pr.pageCount-1 {
			hi = pr.lastLen
		}
		n := copy(buf[lo:hi], data[written:])
		written += n

		pte.SetDirty(true)
		if flush {
			if err := p.FlushPage(fd, fpage, false); err != nil {
				p.Unpin(pte.Frame(), false)
				return err
			}
			p.Unpin(pte.Frame(), false)
		} else {
			p.Unpin(pte.Frame(), true)
		}
	}
	return nil
}

// FlushFile flushes every resident dirty page of fd across partitions.
func (m *Manager) FlushFile(fd diskio.FileHandle) error {
	if err := m.checkShutdown(); err != nil {
		return err
	}
	return m.forEachPartition(func(p *partition.Partition) error {
		return p.FlushFile(fd)
	})
}

// FlushAll flushes every resident dirty page in every partition,
// regardless of which file it belongs to.
func (m *Manager) FlushAll() error {
	if err := m.checkShutdown(); err != nil {
		return err
	}
	return m.forEachPartition(func(p *partition.Partition) error {
		return p.FlushAll()
	})
}

func (m *Manager) forEachPartition(fn func(*partition.Partition) error) error {
	errCh := make(chan error, len(m.partitions))
	var wg sync.WaitGroup
	for _, p := range m.partitions {
		wg.Add(1)
		go func(p *partition.Partition) {
			defer wg.Done()
			errCh <- fn(p)
		}(p)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stats is the pool-wide snapshot manager.Stats aggregates from every
// partition.
type Stats struct {
	Partitions  []partition.Stats
	MemoryUsage uint64
}

// Stats returns a point-in-time snapshot across every partition.
func (m *Manager) Stats() Stats {
	out := Stats{Partitions: make([]partition.Stats, len(m.partitions))}
	for i, p := range m.partitions {
		out.Partitions[i] = p.Stats()
	}
	out.MemoryUsage = uint64(m.cfg.PartitionCount * m.cfg.FramesPerPartition * m.cfg.PageSize)
	return out
}

// Shutdown stops the eviction server and every I/O server, joining
// them before returning. Operations issued after Shutdown returns
// receive ErrShutdown.
func (m *Manager) Shutdown() {
	m.shutdownMu.Lock()
	m.shutdown = true
	m.shutdownMu.Unlock()

	close(m.evictStop)
	m.evictWg.Wait()

	for _, s := range m.servers {
		s.Stop()
	}
	if m.cache != nil {
		m.cache.Close()
	}
	m.logger.Printf("shutdown complete")
}

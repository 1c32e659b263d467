package manager

import (
	"context"
	"sync"

	"bufferpool/diskio"
)

// Warmup forces every page of each given file resident by sequentially
// pinning and immediately unpinning it, one goroutine per file, per
// SPEC_FULL.md §4's WarmUp supplement grounded on the original
// buffer_pool_manager.h's WarmUp(). Each file's goroutine stops at its
// first error or when ctx is cancelled; Warmup waits for all of them
// and returns the first error seen.
func (m *Manager) Warmup(ctx context.Context, fds []diskio.FileHandle) error {
	if err := m.checkShutdown(); err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, fd := range fds {
		wg.Add(1)
		go func(fd diskio.FileHandle) {
			defer wg.Done()
			if err := m.warmupFile(ctx, fd); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(fd)
	}
	wg.Wait()
	return firstErr
}

func (m *Manager) warmupFile(ctx context.Context, fd diskio.FileHandle) error {
	size, err := m.disk.Size(fd)
	if err != nil {
		return err
	}
	pageCount := uint64(size) / uint64(m.cfg.PageSize)
	if uint64(size)%uint64(m.cfg.PageSize) != 0 {
		pageCount++
	}

	for fpage := uint64(0); fpage < pageCount; fpage++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p := m.partitionFor(fd, fpage)
		pte, _, ok := p.Pin(fd, fpage)
		if !ok {
			fut, err := p.FetchPageAsync(fd, fpage)
			if err != nil {
				return err
			}
			pte, _, err = fut.Wait()
			if err != nil {
				return err
			}
		}
		p.Unpin(pte.Frame(), false)
	}
	return nil
}

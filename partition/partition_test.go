package partition

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"bufferpool/config"
	"bufferpool/diskio"
	"bufferpool/iobackend"
	"bufferpool/ioserver"
)

const testPageSize = 64

func newTestPartition(t *testing.T, frames int) (*Partition, diskio.FileHandle, *ioserver.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.PageSize = testPageSize
	cfg.FramesPerPartition = frames

	disk := diskio.New(testPageSize)
	path := filepath.Join(t.TempDir(), "partition_test.dat")
	fh, err := disk.Open(path, os.O_RDWR|os.O_CREATE)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := disk.Resize(fh, int64(frames*4*testPageSize)); err != nil {
		t.Fatalf("resize: %v", err)
	}

	server := ioserver.New(iobackend.NewSyscall(disk), 8, 8, nil)
	server.Start()
	t.Cleanup(server.Stop)

	p := New(0, cfg, disk, server)
	return p, fh, server
}

func TestPinMissWithoutLoad(t *testing.T) {
	p, fh, _ := newTestPartition(t, 4)
	if _, _, ok := p.Pin(fh, 0); ok {
		t.Fatal("expected Pin to miss before any load")
	}
}

func TestFetchPageAsyncThenPinHits(t *testing.T) {
	p, fh, _ := newTestPartition(t, 4)

	fut, err := p.FetchPageAsync(fh, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	pte, data, err := fut.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(data) != testPageSize {
		t.Fatalf("expected %d-byte frame, got %d", testPageSize, len(data))
	}
	if pte.RefCount() != 1 {
		t.Fatalf("expected ref_count 1 after load, got %d", pte.RefCount())
	}
	p.Unpin(pte.Frame(), false)

	pte2, _, ok := p.Pin(fh, 0)
	if !ok {
		t.Fatal("expected Pin to hit after a completed load")
	}
	if pte2.Frame() != pte.Frame() {
		t.Fatalf("expected the same frame on re-pin, got %d vs %d", pte2.Frame(), pte.Frame())
	}
	p.Unpin(pte2.Frame(), false)
}

func TestUnpinReinsertsIntoReplacer(t *testing.T) {
	p, fh, _ := newTestPartition(t, 4)

	fut, _ := p.FetchPageAsync(fh, 0)
	pte, _, _ := fut.Wait()

	if p.Stats().ReplacerSize != 0 {
		t.Fatal("expected pinned frame to not be in the replacer")
	}
	p.Unpin(pte.Frame(), false)
	if p.Stats().ReplacerSize != 1 {
		t.Fatalf("expected unpinned frame back in the replacer, got size %d", p.Stats().ReplacerSize)
	}
}

func TestEvictionReusesFrameWhenFreeListExhausted(t *testing.T) {
	p, fh, _ := newTestPartition(t, 2)

	for i := uint64(0); i < 2; i++ {
		fut, err := p.FetchPageAsync(fh, i)
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		pte, _, err := fut.Wait()
		if err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
		p.Unpin(pte.Frame(), false)
	}
	if p.FreeCount() != 0 {
		t.Fatalf("expected free list exhausted, got %d free", p.FreeCount())
	}

	// A third distinct page must evict one of the first two.
	fut, err := p.FetchPageAsync(fh, 2)
	if err != nil {
		t.Fatalf("fetch after exhaustion: %v", err)
	}
	pte, _, err := fut.Wait()
	if err != nil {
		t.Fatalf("wait after exhaustion: %v", err)
	}
	p.Unpin(pte.Frame(), false)

	if _, _, ok := p.Pin(fh, 0); ok {
		t.Fatal("expected page 0 to have been evicted")
	}
}

func TestDirtyEvictionWritesBack(t *testing.T) {
	p, fh, _ := newTestPartition(t, 1)

	fut, _ := p.FetchPageAsync(fh, 0)
	pte, data, _ := fut.Wait()
	data[0] = 0x7A
	pte.SetDirty(true)
	p.Unpin(pte.Frame(), true)

	// Evict the only frame by loading a second page.
	fut2, err := p.FetchPageAsync(fh, 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	pte2, _, err := fut2.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	p.Unpin(pte2.Frame(), false)

	// Re-load page 0 and confirm the dirty byte survived the write-back.
	fut3, err := p.FetchPageAsync(fh, 0)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	_, data3, err := fut3.Wait()
	if err != nil {
		t.Fatalf("refetch wait: %v", err)
	}
	if data3[0] != 0x7A {
		t.Fatalf("expected write-back to persist dirty byte, got 0x%x", data3[0])
	}
}

func TestConcurrentFetchOfSamePageConverges(t *testing.T) {
	p, fh, _ := newTestPartition(t, 4)

	const workers = 8
	var wg sync.WaitGroup
	frames := make([]uint32, workers)
	errsOut := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if pte, _, ok := p.Pin(fh, 0); ok {
				frames[i] = uint32(pte.Frame())
				p.Unpin(pte.Frame(), false)
				return
			}
			fut, err := p.FetchPageAsync(fh, 0)
			if err != nil {
				errsOut[i] = err
				return
			}
			pte, _, err := fut.Wait()
			if err != nil {
				errsOut[i] = err
				return
			}
			frames[i] = uint32(pte.Frame())
			p.Unpin(pte.Frame(), false)
		}(i)
	}
	wg.Wait()

	var want uint32 = ^uint32(0)
	for i, err := range errsOut {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
		if want == ^uint32(0) {
			want = frames[i]
		} else if frames[i] != want {
			t.Fatalf("worker %d resolved a different frame (%d) than worker 0 (%d)", i, frames[i], want)
		}
	}
}

func TestFlushPageDeleteFromMemory(t *testing.T) {
	p, fh, _ := newTestPartition(t, 4)

	fut, _ := p.FetchPageAsync(fh, 0)
	pte, data, _ := fut.Wait()
	data[0] = 0x11
	pte.SetDirty(true)
	p.Unpin(pte.Frame(), true)

	if err := p.FlushPage(fh, 0, true); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, _, ok := p.Pin(fh, 0); ok {
		t.Fatal("expected page to be gone from memory after FlushPage(delete=true)")
	}
	if p.FreeCount() != 4 {
		t.Fatalf("expected frame returned to free list, got free=%d", p.FreeCount())
	}
}

func TestFlushPageRefusesPinnedDelete(t *testing.T) {
	p, fh, _ := newTestPartition(t, 4)

	fut, _ := p.FetchPageAsync(fh, 0)
	pte, _, _ := fut.Wait()
	defer p.Unpin(pte.Frame(), false)

	if err := p.FlushPage(fh, 0, true); err == nil {
		t.Fatal("expected FlushPage(delete=true) to refuse a pinned page")
	}
}

func TestStatsReflectsMissesAndAccesses(t *testing.T) {
	p, fh, _ := newTestPartition(t, 4)

	fut, _ := p.FetchPageAsync(fh, 0)
	pte, _, _ := fut.Wait()
	p.Unpin(pte.Frame(), false)
	p.Pin(fh, 0)
	p.Unpin(pte.Frame(), false)

	stats := p.Stats()
	if stats.MissCount != 1 {
		t.Fatalf("expected 1 miss, got %d", stats.MissCount)
	}
	if stats.AccessCount != 1 {
		t.Fatalf("expected 1 recorded pin access, got %d", stats.AccessCount)
	}
	if stats.ResidentFrames != 1 {
		t.Fatalf("expected 1 resident frame, got %d", stats.ResidentFrames)
	}
}

func TestRefillPopulatesFreeList(t *testing.T) {
	p, fh, _ := newTestPartition(t, 4)

	for i := uint64(0); i < 4; i++ {
		fut, _ := p.FetchPageAsync(fh, i)
		pte, _, _ := fut.Wait()
		p.Unpin(pte.Frame(), false)
	}
	if p.FreeCount() != 0 {
		t.Fatalf("expected 0 free frames after filling the partition, got %d", p.FreeCount())
	}

	n := p.Refill(2)
	if n != 2 {
		t.Fatalf("expected Refill to add 2 frames, got %d", n)
	}
	if p.FreeCount() != 2 {
		t.Fatalf("expected 2 free frames after refill, got %d", p.FreeCount())
	}
}

package manager

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bufferpool/config"
	"bufferpool/diskio"
)

func TestWarmupPinsEveryPage(t *testing.T) {
	cfg := config.Default()
	cfg.PageSize = 64
	cfg.PartitionCount = 2
	cfg.FramesPerPartition = 32

	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	path := filepath.Join(t.TempDir(), "warmup_test.dat")
	fd, err := m.OpenFile(path, os.O_RDWR|os.O_CREATE)
	require.NoError(t, err)

	const pages = 6
	for i := 0; i < pages; i++ {
		page := bytes.Repeat([]byte{byte(i)}, cfg.PageSize)
		require.NoError(t, m.SetBlock(fd, int64(i*cfg.PageSize), page, true))
	}
	// Evict every page so Warmup has to load from disk, not find a hit.
	for _, p := range m.partitions {
		for fpage := uint64(0); fpage < pages; fpage++ {
			p.FlushPage(fd, fpage, true)
		}
	}

	require.NoError(t, m.Warmup(context.Background(), []diskio.FileHandle{fd}))

	for i := 0; i < pages; i++ {
		block, err := m.GetBlock(fd, int64(i*cfg.PageSize), cfg.PageSize)
		require.NoError(t, err)
		want := bytes.Repeat([]byte{byte(i)}, cfg.PageSize)
		require.Equal(t, want, block.Bytes(), "page %d", i)
		block.Close()
	}
}

func TestWarmupRespectsContextCancellation(t *testing.T) {
	cfg := config.Default()
	cfg.PageSize = 64
	cfg.PartitionCount = 1
	cfg.FramesPerPartition = 4

	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	path := filepath.Join(t.TempDir(), "warmup_cancel_test.dat")
	fd, err := m.OpenFile(path, os.O_RDWR|os.O_CREATE)
	require.NoError(t, err)
	require.NoError(t, m.Resize(fd, int64(cfg.PageSize*100)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = m.Warmup(ctx, []diskio.FileHandle{fd})
	require.ErrorIs(t, err, context.Canceled)
}

// Package config holds the buffer pool's recognized configuration
// options.
package config

import (
	"fmt"

	"bufferpool/errs"
)

// BackendKind selects the I/O backend variant.
type BackendKind int

const (
	// BackendSyscall is the blocking positional syscall backend.
	BackendSyscall BackendKind = iota
	// BackendRing is the asynchronous submission/completion ring backend.
	BackendRing
)

func (k BackendKind) String() string {
	switch k {
	case BackendSyscall:
		return "syscall"
	case BackendRing:
		return "ring"
	default:
		return fmt.Sprintf("BackendKind(%d)", int(k))
	}
}

// Config is the set of recognized buffer pool options.
type Config struct {
	// PageSize is a power-of-two byte count, >= 512. The on-disk page
	// size always equals the in-memory frame size.
	PageSize int

	// PartitionCount is the number of independently locked shards, >= 1.
	PartitionCount int

	// FramesPerPartition is the arena size of each partition, in pages.
	FramesPerPartition int

	// IOServerCount is the number of dedicated I/O server worker
	// threads shared round-robin across partitions.
	IOServerCount int

	// IOBackend selects the syscall or ring backend.
	IOBackend BackendKind

	// RingDepth bounds in-flight I/O per server.
	RingDepth int

	// BatchWindow bounds concurrent batch requests per manager worker.
	BatchWindow int

	// DirectCacheCapacity is the direct-cache entry budget; 0 disables
	// the fast path.
	DirectCacheCapacity int
}

// Default returns a reasonable baseline configuration: a 4 KiB page,
// four partitions, one I/O server on the blocking syscall backend, and
// a small direct cache.
func Default() Config {
	return Config{
		PageSize:            4096,
		PartitionCount:      4,
		FramesPerPartition:  1024,
		IOServerCount:       1,
		IOBackend:           BackendSyscall,
		RingDepth:           128,
		BatchWindow:         64,
		DirectCacheCapacity: 4096,
	}
}

// Validate collects every violated constraint instead of stopping at
// the first, so a caller can fix every problem in one pass.
func (c Config) Validate() error {
	var violations []string

	if c.PageSize < 512 || !isPowerOfTwo(c.PageSize) {
		violations = append(violations, fmt.Sprintf("page_size must be a power of two >= 512, got %d", c.PageSize))
	}
	if c.PartitionCount < 1 {
		violations = append(violations, fmt.Sprintf("partition_count must be >= 1, got %d", c.PartitionCount))
	}
	if c.FramesPerPartition < 1 {
		violations = append(violations, fmt.Sprintf("frames_per_partition must be >= 1, got %d", c.FramesPerPartition))
	}
	if c.IOServerCount < 1 {
		violations = append(violations, fmt.Sprintf("io_server_count must be >= 1, got %d", c.IOServerCount))
	}
	if c.IOBackend != BackendSyscall && c.IOBackend != BackendRing {
		violations = append(violations, fmt.Sprintf("io_backend must be syscall or ring, got %d", int(c.IOBackend)))
	}
	if c.RingDepth < 1 {
		violations = append(violations, fmt.Sprintf("ring_depth must be >= 1, got %d", c.RingDepth))
	}
	if c.BatchWindow < 1 {
		violations = append(violations, fmt.Sprintf("batch_window must be >= 1, got %d", c.BatchWindow))
	}
	if c.DirectCacheCapacity < 0 {
		violations = append(violations, fmt.Sprintf("direct_cache_capacity must be >= 0, got %d", c.DirectCacheCapacity))
	}

	if len(violations) > 0 {
		return &errs.ConfigError{Violations: violations}
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

package manager

import "time"

// evictionInterval is how often the background eviction server checks
// each partition's free-list depth.
const evictionInterval = 20 * time.Millisecond

// lowWaterFraction and targetFraction bound the refill band: below
// lowWaterFraction of frames_per_partition free, refill up to
// targetFraction, mirroring the original's WarmUp/background-thread
// free-list replenishment (see SPEC_FULL.md §4).
const (
	lowWaterFraction = 0.10
	targetFraction   = 0.25
)

// runEvictionServer is the single background goroutine that
// proactively refills every partition's free list so foreground pin
// misses rarely pay the full eviction cost synchronously.
func (m *Manager) runEvictionServer() {
	defer m.evictWg.Done()

	lowWater := int(float64(m.cfg.FramesPerPartition) * lowWaterFraction)
	target := int(float64(m.cfg.FramesPerPartition) * targetFraction)
	if target < 1 {
		target = 1
	}

	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.evictStop:
			return
		case <-ticker.C:
			for _, p := range m.partitions {
				if p.FreeCount() < lowWater {
					n := p.Refill(target)
					if n > 0 {
						m.logger.Printf("eviction server refilled partition %d by %d frames", p.ID(), n)
					}
				}
			}
		}
	}
}

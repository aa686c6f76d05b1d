package bwtree

import (
	"fmt"
	"sync"
	"time"
)

// CLOCK eviction over the page table, replacing the teacher's
// clockHandle (swapper.go), which walked a skiplist-node cursor with a
// saved position key; ours walks the flat PageID space the pageTable
// shards cover, remembering only the next id to resume from. There is no
// reference bit and no second chance: every resident page a sweep
// reaches is an eviction candidate on that same pass.

const (
	swapperWorkBatchSize   = 16
	swapperWaitInterval    = time.Microsecond * 10
	swapperEvictionTimeout = time.Minute * 5
)

type clockCursor struct {
	mu  sync.Mutex
	pos PageID
}

func (s *PageStore) acquireClock() *clockCursor {
	s.clock.mu.Lock()
	return s.clock
}

func (s *PageStore) releaseClock(c *clockCursor) { c.mu.Unlock() }

// sweep walks forward from the cursor's last position, collecting up to
// swapperWorkBatchSize candidate ids that currently hold an in-memory
// frame, and advances the cursor (spec §4.4 "Page-out").
func (s *PageStore) sweep(c *clockCursor) []PageID {
	ids := make([]PageID, 0, swapperWorkBatchSize)
	id := c.pos
	n := uint64(s.table.nextID)

	for scanned := uint64(0); scanned < n && len(ids) < swapperWorkBatchSize; scanned++ {
		if id == 0 {
			id = 1 // RootID is never evicted
		}
		sv := s.table.load(id)
		if sv != nil && !sv.onDisk && sv.frame != nil {
			ids = append(ids, id)
		}
		id++
		if uint64(id) >= n {
			id = 1
		}
	}
	c.pos = id
	return ids
}

// tryEvictPages runs CLOCK sweeps until residency drops under budget or
// the timeout elapses, mirroring the teacher's tryEvictPages loop
// structure (acquire cursor, sweep a batch, evict candidates, repeat).
func (s *PageStore) tryEvictPages() error {
	start := time.Now()
	for s.overBudget() {
		c := s.acquireClock()
		ids := s.sweep(c)
		s.releaseClock(c)

		for _, id := range ids {
			if !s.overBudget() {
				break
			}
			s.evict(id)
		}
		if len(ids) == 0 {
			break
		}
		if time.Since(start) > swapperEvictionTimeout {
			return fmt.Errorf("bwtree: timeout evicting to budget, in-use %d bytes", s.memoryInUse())
		}
	}
	return nil
}

func (s *PageStore) overBudget() bool {
	return s.memoryInUse() > s.opts.CacheSizeBytes
}

func (s *PageStore) memoryInUse() int64 {
	return s.alloc.usedBytes()
}

// swapperLoop runs tryEvictPages and epoch reclamation on a timer until
// stopped; started by Open, stopped by Close (spec §6 "Background work").
// Reclamation runs every tick regardless of memory pressure: it's what
// actually frees retired frames and recycles tombstoned page ids (spec
// §4.3 Garbage state), not just an eviction-budget concern.
func (s *PageStore) swapperLoop() {
	ticker := time.NewTicker(swapperWaitInterval * 100)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSwapper:
			return
		case <-ticker.C:
			s.reclaim()
			if s.overBudget() {
				if err := s.tryEvictPages(); err != nil {
					s.opts.Logger.Warnf("swapper: %v", err)
				}
			}
		}
	}
}

// Copyright (c) 2017 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package bwtree

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/couchbase/nitro/skiplist"
)

// epochManager is the engine's only memory-safety mechanism for retired
// frames (spec §5). A reader enters a guard before loading a page-table
// slot and exits it before any blocking I/O; a retired frame is only
// freed once every guard active when it retired has since exited.
//
// Retired batches are held in a skiplist keyed by the retirement epoch —
// the same role the teacher's package-level dbInstances registry and its
// clockHandle cursor play (a concurrently walkable, ordered index), so a
// background reclaimer can stream the oldest-to-newest batches and stop
// at the first one still protected, without a global lock.
type epochManager struct {
	current atomic.Uint64

	guardMu sync.Mutex
	active  map[uint64]uint64 // guard id -> epoch observed on entry
	nextID  uint64

	retireList *skiplist.Skiplist
	bufPool    sync.Pool
}

func newEpochManager() *epochManager {
	em := &epochManager{
		active:     make(map[uint64]uint64),
		retireList: skiplist.New(),
	}
	em.bufPool.New = func() any { return em.retireList.MakeBuf() }
	return em
}

type guard struct {
	mgr *epochManager
	id  uint64
}

// enter registers this caller as observing the current epoch; must be
// paired with exit before the caller blocks on I/O (spec §5).
func (em *epochManager) enter() *guard {
	em.guardMu.Lock()
	em.nextID++
	id := em.nextID
	em.active[id] = em.current.Load()
	em.guardMu.Unlock()
	return &guard{mgr: em, id: id}
}

func (g *guard) exit() {
	g.mgr.guardMu.Lock()
	delete(g.mgr.active, g.id)
	g.mgr.guardMu.Unlock()
}

func (em *epochManager) bumpEpoch() uint64 {
	return em.current.Add(1)
}

// retireBatch groups frames unlinked in the same SMO/consolidation step so
// reclamation amortizes the skiplist insert across many frames. removedIDs
// carries any logical page id whose slot was tombstoned by this batch (a
// completed merge's absorbed sibling, spec §4.3 Garbage state) so the id can
// be handed back to pageTable.free once the batch clears.
type retireBatch struct {
	epoch      uint64
	frames     []*pageFrame
	removedIDs []PageID
}

func compareRetireBatch(a, b unsafe.Pointer) int {
	ea := (*retireBatch)(a).epoch
	eb := (*retireBatch)(b).epoch
	switch {
	case ea < eb:
		return -1
	case ea > eb:
		return 1
	default:
		return 0
	}
}

// retire queues frames for reclamation once no guard could still observe
// them. Each frame must already have been unlinked (spec §9: unlink
// before freeing so Drop doesn't cascade through a live tail). removedIDs
// is optional: pass the logical page id(s) a completed merge tombstoned so
// reclaim can recycle them once this batch clears.
func (em *epochManager) retire(frames []*pageFrame, removedIDs ...PageID) {
	if len(frames) == 0 && len(removedIDs) == 0 {
		return
	}
	for _, f := range frames {
		unlink(f)
	}
	batch := &retireBatch{epoch: em.current.Load(), frames: frames, removedIDs: removedIDs}
	buf := em.bufPool.Get().(*skiplist.ActionBuffer)
	em.retireList.Insert(unsafe.Pointer(batch), compareRetireBatch, buf, &em.retireList.Stats)
	em.bufPool.Put(buf)
}

// reclaim advances the global epoch and drops every retired batch older
// than the oldest epoch any guard is still observing. Safe to call from
// multiple goroutines (the skiplist's own Insert/Delete are its
// concurrency boundary). onFrame is invoked once per drained frame (so the
// caller can release any off-heap buffer it owns) and onID once per
// drained removedID (so the caller can recycle the page id); either may be
// nil. Returns the number of frames freed.
func (em *epochManager) reclaim(onFrame func(*pageFrame), onID func(PageID)) int {
	em.bumpEpoch()

	em.guardMu.Lock()
	safe := em.current.Load()
	for _, e := range em.active {
		if e < safe {
			safe = e
		}
	}
	em.guardMu.Unlock()

	buf := em.bufPool.Get().(*skiplist.ActionBuffer)
	defer em.bufPool.Put(buf)

	itr := em.retireList.NewIterator(compareRetireBatch, buf)

	freed := 0
	var toDelete []*retireBatch
	for itr.SeekFirst(); itr.Valid(); itr.Next() {
		batch := (*retireBatch)(itr.Get())
		if batch.epoch >= safe {
			break
		}
		freed += len(batch.frames)
		toDelete = append(toDelete, batch)
	}
	for _, batch := range toDelete {
		em.retireList.Delete(unsafe.Pointer(batch), compareRetireBatch, buf, &em.retireList.Stats)
		if onFrame != nil {
			for _, f := range batch.frames {
				onFrame(f)
			}
		}
		if onID != nil {
			for _, id := range batch.removedIDs {
				onID(id)
			}
		}
	}
	return freed
}

// Copyright (c) 2017 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package bwtree

import "sort"

// pageKind is the closed set of frame kinds from spec §3. Chain walkers
// dispatch on this discriminant rather than through an interface hierarchy
// (see DESIGN.md's page.go entry).
type pageKind uint8

const (
	BaseData pageKind = iota + 1
	DeltaData
	SplitData
	MergeData
	RemoveData

	BaseIndex
	DeltaIndex
	SplitIndex
	MergeIndex
	RemoveIndex
)

func (k pageKind) String() string {
	switch k {
	case BaseData:
		return "BaseData"
	case DeltaData:
		return "DeltaData"
	case SplitData:
		return "SplitData"
	case MergeData:
		return "MergeData"
	case RemoveData:
		return "RemoveData"
	case BaseIndex:
		return "BaseIndex"
	case DeltaIndex:
		return "DeltaIndex"
	case SplitIndex:
		return "SplitIndex"
	case MergeIndex:
		return "MergeIndex"
	case RemoveIndex:
		return "RemoveIndex"
	default:
		return "Unknown"
	}
}

// pageTier distinguishes leaf pages (hold key/value records) from inner
// pages (hold separator/child-pointer records).
type pageTier uint8

const (
	Leaf pageTier = iota
	Inner
)

// dataEntry is one leaf-tier record.
type dataEntry struct {
	Key   Key
	Value Value
}

// indexEntry is one inner-tier record: the greatest separator <= a routed
// raw key maps to Child.
type indexEntry struct {
	Sep   []byte
	Child Index
}

// pageFrame is one immutable link in a delta chain. Frames are never
// mutated after publish (§3 "Page frame ... immutable once published");
// a new frame is built, linked atop the old head, and CAS-installed by
// the page table.
type pageFrame struct {
	kind     pageKind
	tier     pageTier
	epoch    uint64
	chainLen uint16
	next     *pageFrame

	// Bounds, meaningful only on base frames (BaseData/BaseIndex). A
	// half-open [lowest, highest); nil/empty highest means +inf.
	lowest, highest []byte

	// rightSibling is the logical page id immediately to the right of
	// this one at the same tier, 0 if this is the rightmost page. Split
	// copies the original page's value onto the new right half
	// (splitRightHalf) but does not point the original page at the new
	// one, and the base frame encoding does not store it, so it stays 0.
	// The merge SMO reads it to find a merge partner and does nothing
	// when it is 0.
	rightSibling PageID

	// BaseData/DeltaData payload, sorted by Key (spec's data-page entries).
	dataEntries []dataEntry

	// BaseIndex/DeltaIndex payload, sorted by Sep.
	indexEntries []indexEntry

	// SplitData/SplitIndex descriptor.
	splitMiddle []byte
	splitRight  Index

	// MergeData/MergeIndex descriptor: dataEntries/indexEntries above (for
	// the matching tier) carry the absorbed sibling's payload; mergeSibling
	// names the logical page being merged away, still pending parent
	// cleanup.
	mergeSibling PageID

	// disk provenance, set once this frame has been flushed so a clean
	// base can be evicted without re-encoding (spec §4.4 page-out).
	onDisk   bool
	diskAddr PageAddr

	// acctBytes is the off-heap buffer this base frame was decoded out of
	// (pagestore.go pageIn); every dataEntries/indexEntries/lowest/highest
	// slice above aliases into it when onDisk is true. Freed by
	// PageStore.freeFrame once epoch reclamation confirms no guard can
	// still be reading it — nil for in-memory-built frames (deltas and
	// consolidated bases, whether or not WriteBase has flushed them).
	acctBytes []byte
}

func newBasePage(tier pageTier, lowest, highest []byte) *pageFrame {
	kind := BaseData
	if tier == Inner {
		kind = BaseIndex
	}
	return &pageFrame{kind: kind, tier: tier, chainLen: 1, lowest: lowest, highest: highest}
}

// link builds a new head frame sitting on top of next: it inherits next's
// epoch and bumps chainLen, per spec §4.1.
func link(head *pageFrame, next *pageFrame) *pageFrame {
	head.next = next
	if next != nil {
		head.epoch = next.epoch
		head.chainLen = next.chainLen + 1
	} else {
		head.chainLen = 1
	}
	return head
}

// linkWithNewEpoch is link plus incrementing epoch, used by SMO deltas.
func linkWithNewEpoch(head *pageFrame, next *pageFrame) *pageFrame {
	link(head, next)
	if next != nil {
		head.epoch = next.epoch + 1
	} else {
		head.epoch = 1
	}
	return head
}

// unlink clears next before a frame is queued for reclamation, so a chain
// walk over a still-live tail never cascades through a frame being freed
// (spec §9 design note; original_source archive/page.rs Drop).
func unlink(f *pageFrame) {
	f.next = nil
}

func isRemoved(k pageKind) bool { return k == RemoveData || k == RemoveIndex }
func isSplit(k pageKind) bool   { return k == SplitData || k == SplitIndex }
func isMerge(k pageKind) bool   { return k == MergeData || k == MergeIndex }
func isBase(k pageKind) bool    { return k == BaseData || k == BaseIndex }

// bounds walks the chain down to the base frame and returns its [lowest,
// highest) bounds — deltas never change a logical page's advertised
// bounds (only a posted-and-completed split does, by creating a new
// logical page).
func bounds(head *pageFrame) (lowest, highest []byte) {
	f := head
	for f.next != nil {
		f = f.next
	}
	return f.lowest, f.highest
}

// --- leaf search -------------------------------------------------------

// searchDataEntries returns the index of the first entry with the same raw
// key as target and LSN <= target.LSN, or (-1, false) if no such entry
// exists in entries. entries must be sorted by Key (raw asc, lsn desc).
func searchDataEntries(entries []dataEntry, target Key) (int, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Key.Compare(target) >= 0
	})
	if i < len(entries) && bytesCompare(entries[i].Key.Raw, target.Raw) == 0 {
		return i, true
	}
	return -1, false
}

// lookupInChain scans the delta chain head-to-base looking for the
// requested raw key at or below lsn; the first match (Put or Delete) wins
// per spec §4.3 "Read".
func lookupInChain(head *pageFrame, raw []byte, lsn uint64) (Value, bool) {
	target := Key{Raw: raw, LSN: lsn}
	for f := head; f != nil; f = f.next {
		if f.tier != Leaf {
			return Value{}, false
		}
		switch f.kind {
		case BaseData, DeltaData, MergeData:
			if i, ok := searchDataEntries(f.dataEntries, target); ok {
				return f.dataEntries[i].Value, true
			}
		case SplitData:
			// A reader that has already redirected past the split point
			// never sees this descriptor on the covering half it's
			// scanning; nothing to contribute here.
		case RemoveData:
			// Logically empty; helped-complete by the caller before
			// reaching here in normal operation.
		}
	}
	return Value{}, false
}

// --- inner search --------------------------------------------------------

func searchIndexEntries(entries []indexEntry, raw []byte) (int, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return bytesCompare(entries[i].Sep, raw) > 0
	})
	if i == 0 {
		return -1, false
	}
	return i - 1, true
}

// childFor returns the child Index the chain routes raw to, scanning
// deltas head-to-base so the newest separator for a given range wins.
func childFor(head *pageFrame, raw []byte) (Index, bool) {
	for f := head; f != nil; f = f.next {
		if f.tier != Inner {
			return Index{}, false
		}
		switch f.kind {
		case BaseIndex, DeltaIndex, MergeIndex:
			if i, ok := searchIndexEntries(f.indexEntries, raw); ok {
				return f.indexEntries[i].Child, true
			}
		}
	}
	return Index{}, false
}

// encodedSize estimates the on-the-wire size of a base frame's payload,
// used to decide when to trigger a split (spec §4.3).
func (f *pageFrame) encodedSize() int {
	switch f.tier {
	case Leaf:
		size := len(f.dataEntries) * 4
		for _, e := range f.dataEntries {
			size += keySize(e.Key) + valueSize(e.Value)
		}
		return size
	default:
		size := len(f.indexEntries) * 4
		for _, e := range f.indexEntries {
			size += rawKeySize(e.Sep) + indexSize(e.Child)
		}
		return size
	}
}

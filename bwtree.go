package bwtree

import "sort"

// Tree is the latch-free B+-tree index (spec §4). It descends the page
// table from RootID, redirecting across any in-progress split it meets;
// writes consolidate the leaf chain they extend and start structure
// modification operations (SMOs) from there, the way the
// teacher's Writer/Reader traverse the skiplist-backed index in
// plasma.go — reworked here onto pagetable.go's CAS'd slots and
// page.go's delta chains instead of the teacher's packed-pointer
// records.
type Tree struct {
	store *PageStore
	opts  Options
	stats *engineStats
}

// OpenTree creates or recovers a tree rooted at opts.Dir.
func OpenTree(opts Options) (*Tree, error) {
	store, err := OpenPageStore(opts)
	if err != nil {
		return nil, err
	}
	t := &Tree{store: store, opts: store.opts, stats: store.stats}

	if store.table.load(RootID) == nil {
		root := newBasePage(Leaf, nil, nil)
		root.epoch = 1
		if err := store.Install(RootID, nil, root); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tree) Close() error { return t.store.Close() }

func (t *Tree) Stats() Stats { return t.stats.snapshot() }

// --- traversal ----------------------------------------------------------

// pathStep records one hop of a root-to-leaf descent, so a split or
// merge at the bottom knows which parent id to patch.
type pathStep struct {
	id PageID
}

// descend walks from RootID to the leaf that should hold raw, following
// childFor on inner chains and transparently redirecting across any
// split a reader encounters mid-chain (spec §4.2 "Read redirection
// across an in-progress split"). Returns the full root-to-leaf path and
// the still-open guard under which the leaf frame was loaded: the caller
// must finish walking/reading the leaf chain before calling g.exit(),
// since that's the read the guard exists to protect (spec §5).
func (t *Tree) descend(raw []byte) ([]pathStep, *pageFrame, *guard, error) {
	path := make([]pathStep, 0, 8)
	id := RootID

	for {
		g := t.store.epoch.enter()
		frame, err := t.store.Load(id)
		if err != nil {
			g.exit()
			return nil, nil, nil, err
		}
		if frame == nil {
			g.exit()
			return nil, nil, nil, &CorruptedError{Reason: "dangling page id in traversal"}
		}

		if redirectID, ok := splitRedirect(frame, raw); ok {
			g.exit()
			id = redirectID
			continue
		}

		path = append(path, pathStep{id: id})
		if frame.tier == Leaf {
			return path, frame, g, nil
		}

		child, ok := childFor(frame, raw)
		g.exit()
		if !ok {
			return nil, nil, nil, &CorruptedError{Reason: "no routing entry for key"}
		}
		id = child.ID
	}
}

// splitRedirect reports whether frame carries a SplitData/SplitIndex
// descriptor whose separator is at or below raw, meaning raw logically
// belongs on the split-off right sibling now.
func splitRedirect(frame *pageFrame, raw []byte) (PageID, bool) {
	for f := frame; f != nil; f = f.next {
		if isSplit(f.kind) && bytesCompare(f.splitMiddle, raw) <= 0 {
			return f.splitRight.ID, true
		}
		if isBase(f.kind) {
			break
		}
	}
	return 0, false
}

// --- reads ---------------------------------------------------------------

// Get returns the value visible to lsn for raw, or (Value{}, false) if
// absent or tombstoned (spec §4.3 "Read").
func (t *Tree) Get(raw []byte, lsn uint64) (Value, bool, error) {
	_, leaf, g, err := t.descend(raw)
	if err != nil {
		return Value{}, false, err
	}
	v, ok := lookupInChain(leaf, raw, lsn)
	if ok && !v.IsDelete() {
		// v.Data may alias a page-in'd base frame's off-heap buffer
		// (pagestore.go pageIn); copy it out before the guard protecting
		// that buffer is released.
		v.Data = append([]byte(nil), v.Data...)
	}
	g.exit()
	if !ok || v.IsDelete() {
		return Value{}, false, nil
	}
	return v, true, nil
}

// --- writes ----------------------------------------------------------------

// Put installs a new version of raw at lsn (spec §4.3 "Write"): a
// DeltaData frame is CAS-linked atop the leaf's current head; on a lost
// race the whole descent restarts (spec's internal Conflict).
func (t *Tree) Put(raw []byte, value []byte, lsn uint64) error {
	return t.write(raw, PutValue(value), lsn)
}

func (t *Tree) Delete(raw []byte, lsn uint64) error {
	return t.write(raw, DeleteValue(), lsn)
}

func (t *Tree) write(raw []byte, value Value, lsn uint64) error {
	for {
		path, leaf, g, err := t.descend(raw)
		if err != nil {
			return err
		}
		leafID := path[len(path)-1].id

		delta := &pageFrame{
			kind:        DeltaData,
			tier:        Leaf,
			dataEntries: []dataEntry{{Key: Key{Raw: raw, LSN: lsn}, Value: value}},
		}
		link(delta, leaf)
		g.exit()

		if err := t.store.Install(leafID, leaf, delta); err != nil {
			if err == errConflict {
				t.bumpRestart(value)
				continue
			}
			return err
		}
		t.bumpSuccess(value)
		t.stats.bytesIncoming.Add(int64(len(raw) + len(value.Data)))

		t.maybeConsolidate(path, delta)
		return nil
	}
}

func (t *Tree) bumpSuccess(v Value) {
	if v.IsDelete() {
		t.stats.success.del.Add(1)
	} else {
		t.stats.success.put.Add(1)
	}
}

func (t *Tree) bumpRestart(v Value) {
	if v.IsDelete() {
		t.stats.restart.del.Add(1)
	} else {
		t.stats.restart.put.Add(1)
	}
}

// --- consolidation ---------------------------------------------------------

// maybeConsolidate opportunistically rebuilds leafID's chain into a
// fresh base frame once its length reaches the configured threshold (spec
// §4.1 "Consolidation"), then considers a split or merge on the result.
// Any CAS loss here is informational only — another thread already did
// the same work — so it's never retried.
func (t *Tree) maybeConsolidate(path []pathStep, head *pageFrame) {
	threshold := t.opts.ConsolidateThresholdLeaf
	if head.tier == Inner {
		threshold = t.opts.ConsolidateThresholdInner
	}
	if int(head.chainLen) < threshold {
		return
	}

	id := path[len(path)-1].id
	base, retired, oldAddr, hadOldAddr := consolidateChain(head)
	if err := t.store.Install(id, head, base); err != nil {
		return
	}
	t.stats.success.consolid.Add(1)
	t.store.epoch.retire(retired)

	// Durability: a freshly consolidated base is the unit the store ever
	// writes out (deltas never are). A write failure here is logged and
	// left for the next consolidation to retry, per spec §7's "put
	// failures surface, but consolidation/SMO failures are recoverable
	// and retried on subsequent operations".
	var obsoletes []PageAddr
	if hadOldAddr {
		obsoletes = []PageAddr{oldAddr}
	}
	if addr, err := t.store.WriteBase(id, base, obsoletes); err != nil {
		t.opts.Logger.Warnf("consolidate: write base for page %d: %v", id, err)
	} else {
		base.onDisk = true
		base.diskAddr = addr
	}

	if base.tier == Leaf {
		if base.encodedSize() > t.opts.SplitSizeBytes {
			t.trySplit(path, id, base)
			return
		}
		if t.opts.EnableMergeSMO && base.encodedSize() < t.opts.MergeThresholdBytes {
			t.tryMerge(path, id, base)
		}
	} else if base.encodedSize() > t.opts.SplitSizeBytes {
		t.trySplit(path, id, base)
	}
}

// consolidateChain flattens a delta chain into one base frame: deltas
// overwrite/shadow base entries with the same key (raw key and LSN on
// leaves, separator on inner pages), newest (head) wins. Every LSN
// version of a raw key is kept.
// Returns the new base, every chain frame being replaced (for
// retirement), and the prior durable address of this logical page, if
// any (for obsoleting that copy in the next WriteBase).
func consolidateChain(head *pageFrame) (base *pageFrame, retired []*pageFrame, oldAddr PageAddr, hadOldAddr bool) {
	base = &pageFrame{tier: head.tier, chainLen: 1, epoch: head.epoch + 1}

	if head.tier == Leaf {
		type version struct {
			raw string
			lsn uint64
		}
		merged := map[version]dataEntry{}
		order := []version{}
		for f := head; f != nil; f = f.next {
			retired = append(retired, f)
			if isBase(f.kind) {
				base.lowest, base.highest = f.lowest, f.highest
				base.rightSibling = f.rightSibling
				if f.onDisk {
					oldAddr, hadOldAddr = f.diskAddr, true
					// f is about to be retired, and its bounds alias its
					// own off-heap buffer (pagestore.go pageIn) rather
					// than a copy; the new base must own its bytes.
					base.lowest = append([]byte(nil), f.lowest...)
					base.highest = append([]byte(nil), f.highest...)
				}
			}
			for _, e := range f.dataEntries {
				if f.onDisk {
					e.Key.Raw = append([]byte(nil), e.Key.Raw...)
					if !e.Value.IsDelete() {
						e.Value.Data = append([]byte(nil), e.Value.Data...)
					}
				}
				k := version{raw: string(e.Key.Raw), lsn: e.Key.LSN}
				if _, seen := merged[k]; !seen {
					order = append(order, k)
					merged[k] = e
				}
			}
		}
		base.kind = BaseData
		entries := make([]dataEntry, 0, len(order))
		for _, k := range order {
			entries = append(entries, merged[k])
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Key.Compare(entries[j].Key) < 0 })
		base.dataEntries = entries
	} else {
		merged := map[string]indexEntry{}
		order := []string{}
		for f := head; f != nil; f = f.next {
			retired = append(retired, f)
			if isBase(f.kind) {
				base.lowest, base.highest = f.lowest, f.highest
				base.rightSibling = f.rightSibling
				if f.onDisk {
					oldAddr, hadOldAddr = f.diskAddr, true
					base.lowest = append([]byte(nil), f.lowest...)
					base.highest = append([]byte(nil), f.highest...)
				}
			}
			for _, e := range f.indexEntries {
				if f.onDisk {
					e.Sep = append([]byte(nil), e.Sep...)
				}
				k := string(e.Sep)
				if _, seen := merged[k]; !seen {
					order = append(order, k)
					merged[k] = e
				}
			}
		}
		base.kind = BaseIndex
		entries := make([]indexEntry, 0, len(order))
		for _, k := range order {
			entries = append(entries, merged[k])
		}
		sort.Slice(entries, func(i, j int) bool { return bytesCompare(entries[i].Sep, entries[j].Sep) < 0 })
		base.indexEntries = entries
	}
	return base, retired, oldAddr, hadOldAddr
}

// --- split SMO --------------------------------------------------------------

// trySplit breaks a too-large base page in two, posting a split
// descriptor on the left half and threading a new separator into the
// parent (or, if id is the tree root, promoting a fresh index root).
// Any lost CAS here simply abandons the attempt; the next writer to
// consolidate this page will retry (spec §4.2 "Split").
func (t *Tree) trySplit(path []pathStep, id PageID, base *pageFrame) {
	mid, ok := splitPoint(base)
	if !ok {
		return
	}

	rightID := t.store.AllocID()
	right := splitRightHalf(base, mid)
	if err := t.store.Install(rightID, nil, right); err != nil {
		return
	}

	splitDelta := &pageFrame{
		kind:        splitDeltaKind(base.tier),
		tier:        base.tier,
		splitMiddle: splitSepAt(base, mid),
		splitRight:  Index{ID: rightID, Epoch: right.epoch},
	}
	link(splitDelta, base)
	if err := t.store.Install(id, base, splitDelta); err != nil {
		return
	}
	t.stats.success.split.Add(1)

	t.postIndexTerm(path, id, splitDelta.splitMiddle, Index{ID: rightID, Epoch: right.epoch})
}

func splitDeltaKind(tier pageTier) pageKind {
	if tier == Leaf {
		return SplitData
	}
	return SplitIndex
}

// splitPoint picks the middle record index of base, the classic
// half-the-entries split (spec doesn't mandate a policy beyond "roughly
// balanced"). On leaves the index is moved back to the first version of
// its raw key, so all versions of a key stay on one side.
func splitPoint(base *pageFrame) (int, bool) {
	if base.tier == Leaf {
		if len(base.dataEntries) < 2 {
			return 0, false
		}
		mid := len(base.dataEntries) / 2
		for mid > 0 && bytesCompare(base.dataEntries[mid-1].Key.Raw, base.dataEntries[mid].Key.Raw) == 0 {
			mid--
		}
		return mid, mid > 0
	}
	if len(base.indexEntries) < 2 {
		return 0, false
	}
	return len(base.indexEntries) / 2, true
}

func splitSepAt(base *pageFrame, mid int) []byte {
	if base.tier == Leaf {
		return base.dataEntries[mid].Key.Raw
	}
	return base.indexEntries[mid].Sep
}

// splitRightHalf builds the new right-sibling base page holding
// everything from mid onward.
func splitRightHalf(base *pageFrame, mid int) *pageFrame {
	right := &pageFrame{tier: base.tier, chainLen: 1, epoch: 1, highest: base.highest, rightSibling: base.rightSibling}
	if base.tier == Leaf {
		right.kind = BaseData
		right.lowest = base.dataEntries[mid].Key.Raw
		right.dataEntries = append([]dataEntry(nil), base.dataEntries[mid:]...)
	} else {
		right.kind = BaseIndex
		right.lowest = base.indexEntries[mid].Sep
		right.indexEntries = append([]indexEntry(nil), base.indexEntries[mid:]...)
	}
	return right
}

// postIndexTerm installs the new (sep, child) routing entry into the
// parent found in path, or promotes a new index root if id was the
// root (spec §4.2 "Root split").
func (t *Tree) postIndexTerm(path []pathStep, id PageID, sep []byte, child Index) {
	if len(path) < 2 {
		if id == RootID {
			t.promoteRoot(sep, child)
		}
		return
	}
	parentID := path[len(path)-2].id

	for {
		g := t.store.epoch.enter()
		parent, err := t.store.Load(parentID)
		if err != nil || parent == nil {
			g.exit()
			return
		}
		delta := &pageFrame{
			kind:         DeltaIndex,
			tier:         Inner,
			indexEntries: []indexEntry{{Sep: sep, Child: child}},
		}
		link(delta, parent)
		g.exit()
		if t.store.Install(parentID, parent, delta) == nil {
			return
		}
		// Lost race: reload and retry posting the same term; it's still
		// correct to apply on a newer parent head.
	}
}

// promoteRoot handles a split of the root page itself: it installs the
// current root chain (split delta included) under a freshly allocated
// page id, then replaces RootID with a brand-new two-entry index base
// routing to that id and to right.
func (t *Tree) promoteRoot(sep []byte, right Index) {
	g := t.store.epoch.enter()
	oldRoot, err := t.store.Load(RootID)
	if err != nil || oldRoot == nil {
		g.exit()
		return
	}

	leftID := t.store.AllocID()
	if err := t.store.Install(leftID, nil, oldRoot); err != nil {
		g.exit()
		return
	}

	newRoot := &pageFrame{
		kind: BaseIndex,
		tier: Inner,
		indexEntries: []indexEntry{
			{Sep: nil, Child: Index{ID: leftID, Epoch: oldRoot.epoch}},
			{Sep: sep, Child: right},
		},
		epoch: oldRoot.epoch + 1,
	}
	g.exit()
	_ = t.store.Install(RootID, oldRoot, newRoot)
}

// --- merge SMO --------------------------------------------------------------

// tryMerge absorbs id's right sibling when id has shrunk below
// MergeThresholdBytes, removing the sibling's routing entry from the
// parent (spec §4.2 "Merge/Remove"). Simplified relative to split: the
// merge is applied as a single consolidated rebuild of both pages
// rather than a Merge-delta-then-parent-delta sequence (see DESIGN.md).
func (t *Tree) tryMerge(path []pathStep, id PageID, left *pageFrame) {
	if left.rightSibling == 0 || len(path) < 2 {
		return
	}
	parentID := path[len(path)-2].id

	g := t.store.epoch.enter()
	right, err := t.store.Load(left.rightSibling)
	if err != nil || right == nil || !isBase(right.kind) {
		g.exit()
		return
	}

	merged := &pageFrame{
		kind:         left.kind,
		tier:         left.tier,
		lowest:       left.lowest,
		highest:      right.highest,
		rightSibling: right.rightSibling,
		chainLen:     1,
		epoch:        left.epoch + 1,
	}
	if left.tier == Leaf {
		merged.dataEntries = append(append([]dataEntry(nil), left.dataEntries...), right.dataEntries...)
	} else {
		merged.indexEntries = append(append([]indexEntry(nil), left.indexEntries...), right.indexEntries...)
	}
	tombstone := &pageFrame{kind: removeKindFor(right.tier), tier: right.tier, chainLen: 1}
	g.exit()

	if err := t.store.Install(id, left, merged); err != nil {
		return
	}
	t.stats.success.merge.Add(1)

	// If this loses the race — a concurrent writer posted a fresh delta
	// onto right after it was read into merged but before this CAS — that
	// delta was never folded into merged. Abort here rather than still
	// dropping the parent's route to right: the next consolidation pass
	// will retry the merge from scratch, with right's current content.
	if err := t.store.Install(left.rightSibling, right, tombstone); err != nil {
		return
	}
	t.stats.success.remove.Add(1)

	t.removeIndexTerm(parentID, left.rightSibling)
	t.store.epoch.retire([]*pageFrame{right}, left.rightSibling)
}

func removeKindFor(tier pageTier) pageKind {
	if tier == Leaf {
		return RemoveData
	}
	return RemoveIndex
}

// removeIndexTerm drops the routing entry pointing at removedChild from
// parentID's consolidated view, the parent-side half of completing a
// merge.
func (t *Tree) removeIndexTerm(parentID PageID, removedChild PageID) {
	g := t.store.epoch.enter()
	parent, err := t.store.Load(parentID)
	if err != nil || parent == nil {
		g.exit()
		return
	}
	base, retired, oldAddr, hadOldAddr := consolidateChain(parent)
	g.exit()
	kept := base.indexEntries[:0]
	for _, e := range base.indexEntries {
		if e.Child.ID != removedChild {
			kept = append(kept, e)
		}
	}
	base.indexEntries = kept
	if t.store.Install(parentID, parent, base) != nil {
		return
	}
	t.store.epoch.retire(retired)

	var obsoletes []PageAddr
	if hadOldAddr {
		obsoletes = []PageAddr{oldAddr}
	}
	if addr, err := t.store.WriteBase(parentID, base, obsoletes); err == nil {
		base.onDisk = true
		base.diskAddr = addr
	}
}

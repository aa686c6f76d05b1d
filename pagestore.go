package bwtree

import (
	"encoding/binary"
	"sync"
)

// PageStore owns the page table, the in-memory frame cache, and the
// durable page files backing it (spec §4.4). It is the teacher's
// storeCtx/LSS pairing reworked onto pagefile.go's builder/reader and
// pagetable.go's CAS'd slots instead of the teacher's packed-pointer
// skiplist nodes and its LSS circular log.
type PageStore struct {
	opts Options

	table *pageTable
	alloc *pageAlloc
	epoch *epochManager
	stats *engineStats

	files *pageFiles

	mu            sync.Mutex // guards builder/currentFileID/fileInfos rollover
	currentFileID uint32
	builder       *fileBuilder
	fileInfos     map[uint32]*fileInfo

	clock       *clockCursor
	stopSwapper chan struct{}
}

// OpenPageStore opens (or creates) the page store rooted at opts.Dir,
// replaying any existing page files to rebuild the page table (spec
// §4.4 "Recovery").
func OpenPageStore(opts Options) (*PageStore, error) {
	opts = applyOptionDefaults(opts)

	s := &PageStore{
		opts:        opts,
		table:       newPageTable(),
		alloc:       newPageAlloc(),
		epoch:       newEpochManager(),
		stats:       &engineStats{},
		files:       newPageFiles(opts.Dir, opts.FilePrefix, opts.UseDirectIO),
		clock:       &clockCursor{pos: 1},
		stopSwapper: make(chan struct{}),
	}

	known, err := discoverFileIDs(opts.Dir, opts.FilePrefix)
	if err != nil {
		return nil, &IoError{Op: "discover page files", Err: err}
	}

	infos, err := s.files.recoveryBaseFileInfos(known)
	if err != nil {
		if _, ok := err.(*CorruptedError); ok {
			return nil, err
		}
		return nil, &IoError{Op: "recover page files", Err: err}
	}
	s.fileInfos = infos

	var maxID uint32
	for fid, fi := range infos {
		if fid > maxID {
			maxID = fid
		}
		for addr, entry := range fi.entries {
			s.table.slotFor(entry.ID).Store(diskSlot(addr))
			s.stats.numPages.Add(1)
			if uint64(entry.ID) >= s.table.nextID {
				s.table.nextID = uint64(entry.ID) + 1
			}
		}
	}
	s.currentFileID = maxID + 1

	builder, err := s.files.newFileBuilder(s.currentFileID)
	if err != nil {
		return nil, &IoError{Op: "open page file", Err: err}
	}
	s.builder = builder

	go s.swapperLoop()
	return s, nil
}

func (s *PageStore) Close() error {
	close(s.stopSwapper)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder != nil && len(s.builder.entries) > 0 {
		obsoletes := s.builder.deletes
		info, err := s.builder.finish()
		if err != nil {
			return &IoError{Op: "finish page file on close", Err: err}
		}
		s.fileInfos = addFileInfo(s.fileInfos, info, obsoletes)
	}
	return nil
}

// AllocID reserves a fresh logical page id with a nil slot.
func (s *PageStore) AllocID() PageID { return s.table.alloc() }

// Load returns the frame chain currently installed for id, reading it
// off disk and installing it into the table on first touch (spec §4.4
// "Page-in").
func (s *PageStore) Load(id PageID) (*pageFrame, error) {
	sv := s.table.load(id)
	if sv == nil {
		return nil, nil
	}
	if !sv.onDisk {
		return sv.frame, nil
	}
	return s.pageIn(id, sv)
}

func (s *PageStore) pageIn(id PageID, sv *slotValue) (*pageFrame, error) {
	fi, ok := s.fileInfos[sv.diskAddr.FileID()]
	if !ok {
		return nil, &CorruptedError{Reason: "page references unknown file"}
	}
	h, ok := fi.GetPageHandle(sv.diskAddr)
	if !ok {
		return nil, &CorruptedError{Reason: "page missing from file's live set"}
	}

	blockSize := int(fi.blockSize)
	reader, err := s.files.openPageReader(sv.diskAddr.FileID(), blockSize)
	if err != nil {
		return nil, &IoError{Op: "open page file for read", Err: err}
	}
	defer reader.Close()

	payload, err := reader.readCompressedAt(h)
	if err != nil {
		return nil, &IoError{Op: "read page", Err: err}
	}

	// The frame's own backing memory: copy the decompressed bytes into an
	// mm-managed buffer once, then decode directly out of that buffer so
	// every []byte a decoded entry points at (key raw bytes, value data,
	// page bounds) aliases the off-heap allocation instead of a separate
	// GC'd copy (spec §4.1 allocator contract; §6 "Memory accounting").
	buf := s.alloc.alloc(len(payload))
	copy(buf, payload)

	frame, err := decodeBaseFrame(buf)
	if err != nil {
		s.alloc.free(buf)
		return nil, err
	}
	frame.onDisk = true
	frame.diskAddr = sv.diskAddr
	frame.acctBytes = buf
	s.stats.memSize.Add(int64(len(buf)))

	s.stats.cacheMisses.Add(1)
	// Best-effort install: if another reader already paged this in and
	// won the CAS, defer to their frame rather than retry — both are
	// identical decodings of the same durable bytes.
	if s.table.install(id, sv, memSlot(frame)) {
		s.stats.numPages.Add(1)
	} else if cur := s.table.load(id); cur != nil && !cur.onDisk {
		return cur.frame, nil
	}
	return frame, nil
}

// Install publishes next atop whatever sv currently holds for id,
// failing with errConflict if the table has moved on (spec §6,
// internal Conflict).
func (s *PageStore) Install(id PageID, expected *pageFrame, next *pageFrame) error {
	cur := s.table.load(id)
	if (cur == nil) != (expected == nil) {
		return errConflict
	}
	if cur != nil && (cur.onDisk || cur.frame != expected) {
		return errConflict
	}
	if !s.table.install(id, cur, memSlot(next)) {
		return errConflict
	}
	return nil
}

// WriteBase persists a consolidated base frame, rolling the active file
// over once it would exceed PageFileSizeBytes (spec §4.4 "File
// rollover"). obsoletes names any prior on-disk copy of this same page
// that this write supersedes; it is recorded in the delete_pages section
// so recovery drops the stale copy instead of racing on map-iteration
// order over files that each hold a version of the same page id. The
// returned PageAddr is stashed on the frame so a later evict can demote
// it without re-encoding.
func (s *PageStore) WriteBase(id PageID, frame *pageFrame, obsoletes []PageAddr) (PageAddr, error) {
	payload, err := encodeBaseFrame(frame)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.builder.totalPageSize()+int64(len(payload)) > s.opts.PageFileSizeBytes {
		if err := s.rolloverLocked(); err != nil {
			return 0, err
		}
	}

	addr := NewPageAddr(s.currentFileID, uint32(len(s.builder.entries)))
	if _, err := s.builder.addPage(id, addr, frame.epoch, payload); err != nil {
		return 0, &IoError{Op: "append page", Err: err}
	}
	s.builder.addDeletePages(obsoletes)
	s.stats.bytesWritten.Add(int64(len(payload)))
	return addr, nil
}

func (s *PageStore) rolloverLocked() error {
	obsoletes := s.builder.deletes
	info, err := s.builder.finish()
	if err != nil {
		return &IoError{Op: "finish page file", Err: err}
	}
	s.fileInfos = addFileInfo(s.fileInfos, info, obsoletes)
	s.stats.filesCreated.Add(1)

	s.currentFileID++
	builder, err := s.files.newFileBuilder(s.currentFileID)
	if err != nil {
		return &IoError{Op: "open page file", Err: err}
	}
	s.builder = builder
	return nil
}

// evict demotes a clean, on-disk-backed frame to a disk slot and retires
// its in-memory chain (spec §4.4 "Page-out"); called only by the
// swapper, never inline with a traversal. The frame's off-heap buffer is
// freed later by reclaim, once no guard can still be mid-read of it — not
// here, where a concurrent Load could have already raced the CAS above
// and still be copy-decoding out of it.
func (s *PageStore) evict(id PageID) {
	sv := s.table.load(id)
	if sv == nil || sv.onDisk || sv.frame == nil || !sv.frame.onDisk {
		return
	}
	if !s.table.install(id, sv, diskSlot(sv.frame.diskAddr)) {
		return
	}
	s.epoch.retire([]*pageFrame{sv.frame})
}

// reclaim drains every epoch-safe retired batch, freeing each frame's
// off-heap buffer and recycling any page id a completed merge tombstoned
// (spec §4.3 Garbage state). Driven by swapperLoop.
func (s *PageStore) reclaim() int {
	return s.epoch.reclaim(s.freeFrame, s.table.free)
}

func (s *PageStore) freeFrame(f *pageFrame) {
	if len(f.acctBytes) == 0 {
		return
	}
	s.stats.memSize.Add(-int64(len(f.acctBytes)))
	s.alloc.free(f.acctBytes)
}

// --- base frame wire encoding -----------------------------------------

// encodeBaseFrame serializes a consolidated (chainLen == 1) base frame
// using the sorted-page codec from codec.go, prefixed with the tier,
// kind, epoch, and bounds needed to reconstruct a pageFrame on page-in.
func encodeBaseFrame(f *pageFrame) ([]byte, error) {
	var body []byte
	if f.tier == Leaf {
		keys := make([]Key, len(f.dataEntries))
		vals := make([]Value, len(f.dataEntries))
		for i, e := range f.dataEntries {
			keys[i], vals[i] = e.Key, e.Value
		}
		body = buildSortedPage(dataEntryCodec, keys, vals, simpleAlloc)
	} else {
		seps := make([][]byte, len(f.indexEntries))
		idxs := make([]Index, len(f.indexEntries))
		for i, e := range f.indexEntries {
			seps[i], idxs[i] = e.Sep, e.Child
		}
		body = buildSortedPage(indexEntryCodec, seps, idxs, simpleAlloc)
	}

	head := make([]byte, 2+8+4+len(f.lowest)+4+len(f.highest))
	head[0] = byte(f.tier)
	head[1] = byte(f.kind)
	binary.LittleEndian.PutUint64(head[2:10], f.epoch)
	binary.LittleEndian.PutUint32(head[10:14], uint32(len(f.lowest)))
	copy(head[14:14+len(f.lowest)], f.lowest)
	off := 14 + len(f.lowest)
	binary.LittleEndian.PutUint32(head[off:off+4], uint32(len(f.highest)))
	copy(head[off+4:], f.highest)

	return append(head, body...), nil
}

func decodeBaseFrame(buf []byte) (*pageFrame, error) {
	if len(buf) < 14 {
		return nil, &CorruptedError{Reason: "base frame header truncated"}
	}
	tier := pageTier(buf[0])
	kind := pageKind(buf[1])
	epoch := binary.LittleEndian.Uint64(buf[2:10])
	lowLen := binary.LittleEndian.Uint32(buf[10:14])
	off := 14
	if len(buf) < off+int(lowLen)+4 {
		return nil, &CorruptedError{Reason: "base frame bounds truncated"}
	}
	// lowest/highest alias buf directly rather than copying: buf is the
	// frame's own off-heap allocation (see pageIn), owned by this frame
	// for as long as it's resident, so there's nothing to copy out of.
	lowest := buf[off : off+int(lowLen)]
	off += int(lowLen)
	highLen := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if len(buf) < off+int(highLen) {
		return nil, &CorruptedError{Reason: "base frame bounds truncated"}
	}
	highest := buf[off : off+int(highLen)]
	off += int(highLen)

	f := &pageFrame{kind: kind, tier: tier, epoch: epoch, chainLen: 1, lowest: lowest, highest: highest}
	body := buf[off:]
	if tier == Leaf {
		sp := newSortedPage(dataEntryCodec, body)
		f.dataEntries = make([]dataEntry, sp.Len())
		for i := 0; i < sp.Len(); i++ {
			k, v := sp.At(i)
			f.dataEntries[i] = dataEntry{Key: k, Value: v}
		}
	} else {
		sp := newSortedPage(indexEntryCodec, body)
		f.indexEntries = make([]indexEntry, sp.Len())
		for i := 0; i < sp.Len(); i++ {
			sep, idx := sp.At(i)
			f.indexEntries[i] = indexEntry{Sep: sep, Child: idx}
		}
	}
	return f, nil
}

// simpleAlloc backs buildSortedPage's alloc(int) []byte contract for
// wire encoding, which needn't go through the off-heap pageAlloc — it's
// a transient buffer headed straight for compression and write.
func simpleAlloc(n int) []byte { return make([]byte, n) }

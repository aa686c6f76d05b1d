package bwtree

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// discoverFileIDs lists dir for files named "{filePrefix}_{file_id}" and
// returns their ids, the directory-enumeration-based recovery the spec
// calls for in place of a separate manifest file.
func discoverFileIDs(dir, filePrefix string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
			return nil, mkErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := filePrefix + "_"
	var ids []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".quarantine") {
			continue
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.ParseUint(name[len(prefix):], 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	return ids, nil
}

// Page file layout (spec §4.4), all section offsets multiples of
// blockSize:
//
//	[ page0 payload | padding ]
//	[ page1 payload | padding ]
//	...
//	[ page_table:   length-prefixed {page_id, addr, offset, size, epoch} entries ]
//	[ delete_pages: length-prefixed page addresses obsoleted by this file ]
//	[ file_meta:    fixed-size struct ]
//	[ footer:       {magic, meta_off, meta_len, checksum} ]

const (
	footerMagic = 0x42775472 // "BwTr"
	footerSize  = 4 + 4 + 4 + 4
	metaSize    = 4*5 + 4 + 4
	ptEntrySize = 8 + 8 + 4 + 4 + 8 // id, addr, offset, size, epoch
	defaultBlockSize = 4096
)

// pageHandle locates a page's compressed payload within its file.
type pageHandle struct {
	Offset uint32
	Size   uint32
}

type pageTableEntry struct {
	ID     PageID
	Addr   PageAddr
	Offset uint32
	Size   uint32
	Epoch  uint64
}

// fileMeta is the fixed-size trailer summarizing a page file, written
// just before the footer.
type fileMeta struct {
	TotalPageSize  uint32
	PageTableOff   uint32
	PageTableLen   uint32
	DeletePagesOff uint32
	DeletePagesLen uint32
	BlockSize      uint32
	FileID         uint32
}

func (m fileMeta) encode() []byte {
	b := make([]byte, metaSize)
	binary.LittleEndian.PutUint32(b[0:4], m.TotalPageSize)
	binary.LittleEndian.PutUint32(b[4:8], m.PageTableOff)
	binary.LittleEndian.PutUint32(b[8:12], m.PageTableLen)
	binary.LittleEndian.PutUint32(b[12:16], m.DeletePagesOff)
	binary.LittleEndian.PutUint32(b[16:20], m.DeletePagesLen)
	binary.LittleEndian.PutUint32(b[20:24], m.BlockSize)
	binary.LittleEndian.PutUint32(b[24:28], m.FileID)
	return b
}

func decodeFileMeta(b []byte) fileMeta {
	return fileMeta{
		TotalPageSize:  binary.LittleEndian.Uint32(b[0:4]),
		PageTableOff:   binary.LittleEndian.Uint32(b[4:8]),
		PageTableLen:   binary.LittleEndian.Uint32(b[8:12]),
		DeletePagesOff: binary.LittleEndian.Uint32(b[12:16]),
		DeletePagesLen: binary.LittleEndian.Uint32(b[16:20]),
		BlockSize:      binary.LittleEndian.Uint32(b[20:24]),
		FileID:         binary.LittleEndian.Uint32(b[24:28]),
	}
}

func alignUp(n, block int) int {
	if block == 0 {
		return n
	}
	rem := n % block
	if rem == 0 {
		return n
	}
	return n + (block - rem)
}

// fileInfo summarizes a page file's live pages: the per-address handle
// used for positional reads, and the page-table entries needed to
// reinstall page-table slots at recovery.
type fileInfo struct {
	fileID        uint32
	blockSize     uint32
	handles       map[PageAddr]pageHandle
	entries       map[PageAddr]pageTableEntry
	effectiveSize int64
}

func newFileInfo(fileID, blockSize uint32) *fileInfo {
	return &fileInfo{
		fileID:    fileID,
		blockSize: blockSize,
		handles:   make(map[PageAddr]pageHandle),
		entries:   make(map[PageAddr]pageTableEntry),
	}
}

func (fi *fileInfo) EffectiveSize() int64 { return fi.effectiveSize }

func (fi *fileInfo) GetPageHandle(addr PageAddr) (pageHandle, bool) {
	h, ok := fi.handles[addr]
	return h, ok
}

func (fi *fileInfo) clone() *fileInfo {
	n := newFileInfo(fi.fileID, fi.blockSize)
	for k, v := range fi.handles {
		n.handles[k] = v
	}
	for k, v := range fi.entries {
		n.entries[k] = v
	}
	n.effectiveSize = fi.effectiveSize
	return n
}

// fileBuilder implements the append-only page-file writer contract of
// spec §4.4: add_page/add_delete_pages/finish, direct-I/O aligned,
// fsync'd on finish.
type fileBuilder struct {
	fileID    uint32
	f         *os.File
	useDirect bool
	blockSize int

	pos     int64 // logical (unpadded) append position
	entries []pageTableEntry
	deletes []PageAddr
}

func newFileBuilder(fileID uint32, f *os.File, useDirect bool, blockSize int) *fileBuilder {
	return &fileBuilder{fileID: fileID, f: f, useDirect: useDirect, blockSize: blockSize}
}

// addPage compresses payload with snappy (the teacher's persistor.go
// Marshal step, same concern: shrink the bytes handed to the durable
// store) and appends it block-aligned, returning the handle the store
// should remember for this addr.
func (b *fileBuilder) addPage(id PageID, addr PageAddr, epoch uint64, payload []byte) (pageHandle, error) {
	compressed := snappy.Encode(nil, payload)

	offset := uint32(b.pos)
	if err := b.writeAligned(compressed); err != nil {
		return pageHandle{}, err
	}

	h := pageHandle{Offset: offset, Size: uint32(len(compressed))}
	b.entries = append(b.entries, pageTableEntry{ID: id, Addr: addr, Offset: h.Offset, Size: h.Size, Epoch: epoch})
	return h, nil
}

func (b *fileBuilder) addDeletePages(addrs []PageAddr) {
	b.deletes = append(b.deletes, addrs...)
}

// writeAligned pads bs up to the next block boundary before writing, so
// every section starts block-aligned, and uses a directio-aligned
// scratch block when direct I/O is in play.
func (b *fileBuilder) writeAligned(bs []byte) error {
	padded := alignUp(len(bs), b.blockSize)
	var out []byte
	if b.useDirect {
		out = directio.AlignedBlock(padded)
	} else {
		out = make([]byte, padded)
	}
	copy(out, bs)
	n, err := b.f.Write(out)
	if err != nil {
		return err
	}
	b.pos += int64(n)
	return nil
}

func (b *fileBuilder) writeSection(bs []byte) (offset, length uint32, err error) {
	offset = uint32(b.pos)
	length = uint32(len(bs))
	if err = b.writeAligned(bs); err != nil {
		return 0, 0, err
	}
	return offset, length, nil
}

func encodePageTable(entries []pageTableEntry) []byte {
	out := make([]byte, 4+len(entries)*ptEntrySize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.LittleEndian.PutUint64(out[off:off+8], uint64(e.ID))
		binary.LittleEndian.PutUint64(out[off+8:off+16], uint64(e.Addr))
		binary.LittleEndian.PutUint32(out[off+16:off+20], e.Offset)
		binary.LittleEndian.PutUint32(out[off+20:off+24], e.Size)
		binary.LittleEndian.PutUint64(out[off+24:off+32], e.Epoch)
		off += ptEntrySize
	}
	return out
}

func decodePageTable(bs []byte) []pageTableEntry {
	if len(bs) < 4 {
		return nil
	}
	n := binary.LittleEndian.Uint32(bs[0:4])
	entries := make([]pageTableEntry, 0, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		id := PageID(binary.LittleEndian.Uint64(bs[off : off+8]))
		addr := PageAddr(binary.LittleEndian.Uint64(bs[off+8 : off+16]))
		offset := binary.LittleEndian.Uint32(bs[off+16 : off+20])
		size := binary.LittleEndian.Uint32(bs[off+20 : off+24])
		epoch := binary.LittleEndian.Uint64(bs[off+24 : off+32])
		entries = append(entries, pageTableEntry{ID: id, Addr: addr, Offset: offset, Size: size, Epoch: epoch})
		off += ptEntrySize
	}
	return entries
}

func encodeDeletePages(addrs []PageAddr) []byte {
	out := make([]byte, 4+len(addrs)*8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(addrs)))
	off := 4
	for _, a := range addrs {
		binary.LittleEndian.PutUint64(out[off:off+8], uint64(a))
		off += 8
	}
	return out
}

func decodeDeletePages(bs []byte) []PageAddr {
	if len(bs) < 4 {
		return nil
	}
	n := binary.LittleEndian.Uint32(bs[0:4])
	addrs := make([]PageAddr, 0, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		addrs = append(addrs, PageAddr(binary.LittleEndian.Uint64(bs[off:off+8])))
		off += 8
	}
	return addrs
}

// finish writes the page-table, delete-pages, meta, and footer sections,
// fsyncs, and returns the live-page summary (spec §4.4 "File builder
// contract").
func (b *fileBuilder) finish() (*fileInfo, error) {
	ptOff, ptLen, err := b.writeSection(encodePageTable(b.entries))
	if err != nil {
		return nil, err
	}
	dpOff, dpLen, err := b.writeSection(encodeDeletePages(b.deletes))
	if err != nil {
		return nil, err
	}

	meta := fileMeta{
		TotalPageSize:  uint32(b.totalPageSize()),
		PageTableOff:   ptOff,
		PageTableLen:   ptLen,
		DeletePagesOff: dpOff,
		DeletePagesLen: dpLen,
		BlockSize:      uint32(b.blockSize),
		FileID:         b.fileID,
	}
	metaOff, metaLen, err := b.writeSection(meta.encode())
	if err != nil {
		return nil, err
	}

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(footer[0:4], footerMagic)
	binary.LittleEndian.PutUint32(footer[4:8], metaOff)
	binary.LittleEndian.PutUint32(footer[8:12], metaLen)
	checksum := crc32.ChecksumIEEE(meta.encode())
	binary.LittleEndian.PutUint32(footer[12:16], checksum)
	if err := b.writeAligned(footer); err != nil {
		return nil, err
	}

	if err := unix.Fdatasync(int(b.f.Fd())); err != nil {
		return nil, err
	}
	if err := b.f.Sync(); err != nil {
		return nil, err
	}

	info := newFileInfo(b.fileID, uint32(b.blockSize))
	for _, e := range b.entries {
		h := pageHandle{Offset: e.Offset, Size: e.Size}
		info.handles[e.Addr] = h
		info.entries[e.Addr] = e
		info.effectiveSize += int64(e.Size)
	}
	return info, nil
}

func (b *fileBuilder) totalPageSize() int64 {
	var total int64
	for _, e := range b.entries {
		total += int64(e.Size)
	}
	return total
}

// pageFileReader is a positional reader honoring direct-I/O alignment:
// read_exact_at always reads a block-aligned window covering the
// requested range into an aligned scratch buffer and copies the
// requested slice out, which correctly subsumes all three alignment
// classes from spec §4.4 (aligned; tail-unaligned; both-unaligned)
// without three separate code paths.
type pageFileReader struct {
	f         *os.File
	useDirect bool
	blockSize int

	mu      sync.Mutex
	scratch []byte
}

func openPageFileReader(path string, useDirect bool, blockSize int) (*pageFileReader, error) {
	var f *os.File
	var err error
	if useDirect {
		f, err = directio.OpenFile(path, os.O_RDONLY, 0)
	} else {
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, err
	}
	return &pageFileReader{f: f, useDirect: useDirect, blockSize: blockSize}, nil
}

func (r *pageFileReader) Close() error { return r.f.Close() }

func (r *pageFileReader) scratchBuf(size int) []byte {
	if r.useDirect {
		return directio.AlignedBlock(size)
	}
	if cap(r.scratch) < size {
		r.scratch = make([]byte, size)
	}
	return r.scratch[:size]
}

// readExactAt fills buf with the len(buf) bytes at offset.
func (r *pageFileReader) readExactAt(buf []byte, offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	block := int64(r.blockSize)
	if block == 0 {
		block = defaultBlockSize
	}
	alignedStart := (offset / block) * block
	alignedEnd := ((offset + int64(len(buf)) + block - 1) / block) * block
	window := r.scratchBuf(int(alignedEnd - alignedStart))

	n, err := r.f.ReadAt(window, alignedStart)
	if err != nil && err != io.EOF {
		return err
	}
	if int64(n) < offset+int64(len(buf))-alignedStart {
		return io.ErrUnexpectedEOF
	}
	copy(buf, window[offset-alignedStart:offset-alignedStart+int64(len(buf))])
	return nil
}

// readCompressedAt reads and decompresses the page at handle h.
func (r *pageFileReader) readCompressedAt(h pageHandle) ([]byte, error) {
	compressed := make([]byte, h.Size)
	if err := r.readExactAt(compressed, int64(h.Offset)); err != nil {
		return nil, err
	}
	return snappy.Decode(nil, compressed)
}

// metaReader opens just the footer+meta+tables of a file, used both by
// finish()'s caller (never needed there) and by recovery.
type metaReader struct {
	reader *pageFileReader
	fileID uint32
	meta   fileMeta
}

func openMetaReader(path string, fileID uint32) (*metaReader, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	blockSize := detectBlockSize(path)
	r, err := openPageFileReader(path, false, blockSize)
	if err != nil {
		return nil, err
	}

	footer := make([]byte, footerSize)
	if err := r.readExactAt(footer, st.Size()-int64(alignUp(footerSize, blockSize))); err != nil {
		r.Close()
		return nil, err
	}
	magic := binary.LittleEndian.Uint32(footer[0:4])
	if magic != footerMagic {
		r.Close()
		return nil, &CorruptedError{Reason: "footer magic mismatch"}
	}
	metaOff := binary.LittleEndian.Uint32(footer[4:8])
	metaLen := binary.LittleEndian.Uint32(footer[8:12])
	wantChecksum := binary.LittleEndian.Uint32(footer[12:16])

	metaBytes := make([]byte, metaLen)
	if err := r.readExactAt(metaBytes, int64(metaOff)); err != nil {
		r.Close()
		return nil, err
	}
	if crc32.ChecksumIEEE(metaBytes) != wantChecksum {
		r.Close()
		return nil, &CorruptedError{Reason: "footer checksum mismatch"}
	}

	meta := decodeFileMeta(metaBytes)
	return &metaReader{reader: r, fileID: fileID, meta: meta}, nil
}

func (mr *metaReader) readPageTable() ([]pageTableEntry, error) {
	bs := make([]byte, mr.meta.PageTableLen)
	if err := mr.reader.readExactAt(bs, int64(mr.meta.PageTableOff)); err != nil {
		return nil, err
	}
	return decodePageTable(bs), nil
}

func (mr *metaReader) readDeletePages() ([]PageAddr, error) {
	bs := make([]byte, mr.meta.DeletePagesLen)
	if err := mr.reader.readExactAt(bs, int64(mr.meta.DeletePagesOff)); err != nil {
		return nil, err
	}
	return decodeDeletePages(bs), nil
}

func (mr *metaReader) Close() error { return mr.reader.Close() }

// detectBlockSize asks the device for its logical block size (e.g. via
// BLKSSZGET on Linux block devices); regular files on a filesystem fall
// back to the conventional 4096.
func detectBlockSize(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return defaultBlockSize
	}
	defer f.Close()
	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil || sz <= 0 {
		return defaultBlockSize
	}
	return sz
}

// pageFiles is the facade over the directory of page files, mirroring
// original_source's PageFiles: it hides physical file layout from the
// store once a file is built.
type pageFiles struct {
	dir        string
	filePrefix string
	useDirect  bool
}

func newPageFiles(dir, filePrefix string, useDirect bool) *pageFiles {
	return &pageFiles{dir: dir, filePrefix: filePrefix, useDirect: useDirect}
}

func (pf *pageFiles) path(fileID uint32) string {
	return filepath.Join(pf.dir, filePrefix(pf.filePrefix, fileID))
}

func filePrefix(prefix string, fileID uint32) string {
	return prefix + "_" + itoa(fileID)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (pf *pageFiles) newFileBuilder(fileID uint32) (*fileBuilder, error) {
	path := pf.path(fileID)
	var f *os.File
	var err error
	blockSize := detectBlockSize(pf.dir)
	if pf.useDirect {
		f, err = directio.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	} else {
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	}
	if err != nil {
		return nil, err
	}
	return newFileBuilder(fileID, f, pf.useDirect, blockSize), nil
}

func (pf *pageFiles) openPageReader(fileID uint32, blockSize int) (*pageFileReader, error) {
	return openPageFileReader(pf.path(fileID), pf.useDirect, blockSize)
}

func (pf *pageFiles) openMetaReader(fileID uint32) (*metaReader, error) {
	return openMetaReader(pf.path(fileID), fileID)
}

func (pf *pageFiles) removeFile(fileID uint32) error {
	return os.Remove(pf.path(fileID))
}

// quarantine renames a file whose footer failed verification instead of
// deleting it, so an operator can inspect what crashed mid-finalization
// (spec §9 open question c).
func (pf *pageFiles) quarantine(fileID uint32) error {
	return os.Rename(pf.path(fileID), pf.path(fileID)+".quarantine")
}

// addFileInfo applies a newly finished file's info to current, removing
// any delete_pages entries from their source file's live set (spec §4.4
// "File-info maintenance").
func addFileInfo(current map[uint32]*fileInfo, newInfo *fileInfo, deletePages []PageAddr) map[uint32]*fileInfo {
	next := make(map[uint32]*fileInfo, len(current)+1)
	for id, fi := range current {
		next[id] = fi.clone()
	}
	next[newInfo.fileID] = newInfo

	for _, addr := range deletePages {
		fid := addr.FileID()
		fi, ok := next[fid]
		if !ok {
			continue
		}
		if h, ok := fi.handles[addr]; ok {
			delete(fi.handles, addr)
			delete(fi.entries, addr)
			fi.effectiveSize -= int64(h.Size)
		}
	}
	return next
}

// emptyFileIDs returns file IDs whose effective_size has dropped to zero,
// eligible for removal (spec §4.4).
func emptyFileIDs(files map[uint32]*fileInfo) []uint32 {
	var out []uint32
	for id, fi := range files {
		if fi.effectiveSize <= 0 {
			out = append(out, id)
		}
	}
	return out
}

// recoveryBaseFileInfos rebuilds the FileInfo map for the known set of
// files by reading each file's footer, meta, page-table, and
// delete-pages sections, replaying delete-page records in file-id order
// (spec §4.4 "Recovery"). A file present in knownFiles but missing from
// disk is a Corrupted error; a file on disk but absent from knownFiles is
// ignored. A file whose footer fails verification is quarantined and
// treated as absent, per spec §9's open question (c).
func (pf *pageFiles) recoveryBaseFileInfos(knownFiles []uint32) (map[uint32]*fileInfo, error) {
	sorted := append([]uint32(nil), knownFiles...)
	sortUint32(sorted)

	infos := make(map[uint32]*fileInfo, len(sorted))
	for _, fileID := range sorted {
		mr, err := pf.openMetaReader(fileID)
		if err != nil {
			if _, ok := err.(*CorruptedError); ok {
				_ = pf.quarantine(fileID)
				continue
			}
			if os.IsNotExist(err) {
				return nil, &CorruptedError{Reason: "known file missing: " + itoa(fileID)}
			}
			return nil, err
		}

		table, err := mr.readPageTable()
		if err != nil {
			mr.Close()
			return nil, err
		}
		deletes, err := mr.readDeletePages()
		if err != nil {
			mr.Close()
			return nil, err
		}
		mr.Close()

		fi := newFileInfo(fileID, mr.meta.BlockSize)
		for _, e := range table {
			fi.handles[e.Addr] = pageHandle{Offset: e.Offset, Size: e.Size}
			fi.entries[e.Addr] = e
			fi.effectiveSize += int64(e.Size)
		}
		infos[fileID] = fi

		infos = addFileInfo(infos, fi, deletes)
	}
	return infos, nil
}

func sortUint32(xs []uint32) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

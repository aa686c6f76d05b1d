package bwtree

import (
	"encoding/binary"
	"sort"
)

// Sorted-page wire format:
//
//	[offsets: u32 * N][payload bytes]
//
// offsets[0] doubles as "byte size of the offsets table" (N*4), so a reader
// recovers N from the first word alone, per spec §4.1. Each offset is the
// little-endian byte offset, from the start of the page (offsets table
// included), of the encoded (key, value) pair at that index.

// entryCodec encodes/decodes one (K, V) pair into/out of a byte slice.
// Kept as a pair of plain functions (not an interface) so the hot path
// avoids an allocation per call.
type entryCodec[K any, V any] struct {
	encodeKey   func(K, []byte) []byte
	keySize     func(K) int
	decodeKey   func([]byte) (K, int)
	encodeValue func(V, []byte) []byte
	valueSize   func(V) int
	decodeValue func([]byte) (V, int)
	compareKey  func(K, K) int
}

// buildSortedPage encodes entries (already sorted by cd.compareKey) into a
// single contiguous buffer using the layout above.
func buildSortedPage[K any, V any](cd entryCodec[K, V], keys []K, values []V, alloc func(int) []byte) []byte {
	n := len(keys)
	offTableSize := n * 4
	size := offTableSize
	for i := range keys {
		size += cd.keySize(keys[i]) + cd.valueSize(values[i])
	}

	buf := alloc(size)
	content := buf[offTableSize:]
	pos := 0
	for i := range keys {
		off := uint32(offTableSize + pos)
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], off)
		rest := content[pos:]
		rest = cd.encodeKey(keys[i], rest)
		written := cd.keySize(keys[i])
		rest = content[pos+written:]
		cd.encodeValue(values[i], rest)
		pos += written + cd.valueSize(values[i])
	}
	if n == 0 {
		return buf[:0]
	}
	return buf
}

// sortedPage is a read-only view over an encoded page body.
type sortedPage[K any, V any] struct {
	cd      entryCodec[K, V]
	content []byte
	offsets []uint32
}

func newSortedPage[K any, V any](cd entryCodec[K, V], buf []byte) sortedPage[K, V] {
	if len(buf) == 0 {
		return sortedPage[K, V]{cd: cd}
	}
	tableSize := binary.LittleEndian.Uint32(buf[0:4])
	n := tableSize / 4
	offsets := make([]uint32, n)
	for i := uint32(0); i < n; i++ {
		offsets[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return sortedPage[K, V]{cd: cd, content: buf, offsets: offsets}
}

func (p sortedPage[K, V]) Len() int { return len(p.offsets) }

func (p sortedPage[K, V]) itemBytes(i int) []byte {
	start := p.offsets[i]
	var end uint32
	if i+1 < len(p.offsets) {
		end = p.offsets[i+1]
	} else {
		end = uint32(len(p.content))
	}
	return p.content[start:end]
}

// At decodes the i'th (key, value) pair.
func (p sortedPage[K, V]) At(i int) (K, V) {
	b := p.itemBytes(i)
	k, n := p.cd.decodeKey(b)
	v, _ := p.cd.decodeValue(b[n:])
	return k, v
}

// KeyAt decodes only the key at index i, for binary search.
func (p sortedPage[K, V]) KeyAt(i int) K {
	k, _ := p.cd.decodeKey(p.itemBytes(i))
	return k
}

// rank returns (index, true) on an exact match, else (insertion point, false).
func (p sortedPage[K, V]) rank(target K) (int, bool) {
	n := p.Len()
	i := sort.Search(n, func(i int) bool {
		return p.cd.compareKey(p.KeyAt(i), target) >= 0
	})
	if i < n && p.cd.compareKey(p.KeyAt(i), target) == 0 {
		return i, true
	}
	return i, false
}

// seek returns the index of the first entry >= target.
func (p sortedPage[K, V]) seek(target K) int {
	i, _ := p.rank(target)
	return i
}

// seekBack returns the index of the last entry <= target, or -1.
func (p sortedPage[K, V]) seekBack(target K) int {
	i, exact := p.rank(target)
	if exact {
		return i
	}
	return i - 1
}

// --- concrete codecs -------------------------------------------------

func keySize(k Key) int { return 4 + len(k.Raw) + 8 }

func encodeKey(k Key, b []byte) []byte {
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(k.Raw)))
	copy(b[4:4+len(k.Raw)], k.Raw)
	binary.LittleEndian.PutUint64(b[4+len(k.Raw):4+len(k.Raw)+8], k.LSN)
	return b
}

func decodeKey(b []byte) (Key, int) {
	kl := int(binary.LittleEndian.Uint32(b[0:4]))
	raw := b[4 : 4+kl]
	lsn := binary.LittleEndian.Uint64(b[4+kl : 4+kl+8])
	return Key{Raw: raw, LSN: lsn}, 4 + kl + 8
}

func compareKey(a, b Key) int { return a.Compare(b) }

func valueSize(v Value) int { return v.EncodedSize() }

func encodeValue(v Value, b []byte) []byte {
	if v.IsDelete() {
		b[0] = byte(ValueDelete)
		return b
	}
	b[0] = byte(ValuePut)
	copy(b[1:1+len(v.Data)], v.Data)
	return b
}

func decodeValue(b []byte) (Value, int) {
	kind := ValueKind(b[0])
	if kind == ValueDelete {
		return DeleteValue(), 1
	}
	// The remaining bytes in this item's slice belong entirely to the
	// value; the caller must have sliced b to the item's bounds already.
	data := b[1:]
	return PutValue(data), 1 + len(data)
}

var dataEntryCodec = entryCodec[Key, Value]{
	encodeKey:   encodeKey,
	keySize:     keySize,
	decodeKey:   decodeKey,
	encodeValue: encodeValue,
	valueSize:   valueSize,
	decodeValue: decodeValue,
	compareKey:  compareKey,
}

// rawKeySize/encode/decode: separator keys on inner pages are plain bytes,
// no LSN — routing by raw key only (spec §3 Base index page).
func rawKeySize(k []byte) int { return 4 + len(k) }

func encodeRawKey(k []byte, b []byte) []byte {
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(k)))
	copy(b[4:4+len(k)], k)
	return b
}

func decodeRawKey(b []byte) ([]byte, int) {
	kl := int(binary.LittleEndian.Uint32(b[0:4]))
	return b[4 : 4+kl], 4 + kl
}

func compareRawKey(a, b []byte) int {
	return bytesCompare(a, b)
}

func bytesCompare(a, b []byte) int {
	la, lb := len(a), len(b)
	n := la
	if lb < n {
		n = lb
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case la < lb:
		return -1
	case la > lb:
		return 1
	default:
		return 0
	}
}

func indexSize(Index) int { return 16 }

func encodeIndex(idx Index, b []byte) []byte {
	binary.LittleEndian.PutUint64(b[0:8], uint64(idx.ID))
	binary.LittleEndian.PutUint64(b[8:16], idx.Epoch)
	return b
}

func decodeIndex(b []byte) (Index, int) {
	id := PageID(binary.LittleEndian.Uint64(b[0:8]))
	epoch := binary.LittleEndian.Uint64(b[8:16])
	return Index{ID: id, Epoch: epoch}, 16
}

var indexEntryCodec = entryCodec[[]byte, Index]{
	encodeKey:   encodeRawKey,
	keySize:     rawKeySize,
	decodeKey:   decodeRawKey,
	encodeValue: encodeIndex,
	valueSize:   indexSize,
	decodeValue: decodeIndex,
	compareKey:  compareRawKey,
}

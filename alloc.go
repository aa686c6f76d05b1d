package bwtree

import (
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/couchbase/nitro/mm"
)

// pageAlloc hands out the []byte backing stores a page-in'd base frame is
// decoded directly out of, using the manual allocator
// (github.com/couchbase/nitro/mm), the same dependency the teacher wires
// through storeCtx.useMemMgmt — so resident frame payloads live off the Go
// heap and out of the GC's scan set, and their true size is known for
// accounting (spec §6 "Memory accounting"). pagestore.go's pageIn copies
// the decompressed on-disk bytes into one of these buffers and decodes
// every entry's key/value/bound slices as views into it, so the buffer is
// the frame's real backing memory, not a side accounting token — freed
// only once epoch reclamation confirms no reader can still be viewing it
// (see evict/reclaim in pagestore.go, retire/reclaim in epoch.go).
//
// mm.Malloc returns an unsafe.Pointer; sliceFromPtr reproduces the
// teacher's memcopy trick (util.go) to view that memory as a []byte
// without a copy.
type pageAlloc struct {
	used atomic.Int64
}

func newPageAlloc() *pageAlloc { return &pageAlloc{} }

func sliceFromPtr(ptr unsafe.Pointer, n int) []byte {
	var b []byte
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	hdr.Data = uintptr(ptr)
	hdr.Len = n
	hdr.Cap = n
	return b
}

// alloc returns an n-byte buffer and records it against the allocator's
// live-usage counter.
func (a *pageAlloc) alloc(n int) []byte {
	if n == 0 {
		return nil
	}
	ptr := mm.Malloc(n)
	a.used.Add(int64(mm.SizeAt(ptr)))
	return sliceFromPtr(ptr, n)
}

// free releases a buffer previously returned by alloc. Callers must only
// call this once no guard can still observe the frame the buffer backs
// (spec §5; see epoch.go retire/reclaim).
func (a *pageAlloc) free(b []byte) {
	if len(b) == 0 {
		return
	}
	ptr := unsafe.Pointer(&b[0])
	a.used.Add(-int64(mm.SizeAt(ptr)))
	mm.Free(ptr)
}

func (a *pageAlloc) usedBytes() int64 { return a.used.Load() }

package bwtree

import (
	"bytes"
	"testing"
)

func TestSortedPageDataRoundTrip(t *testing.T) {
	keys := []Key{
		{Raw: []byte("a"), LSN: 3},
		{Raw: []byte("a"), LSN: 1},
		{Raw: []byte("b"), LSN: 2},
		{Raw: []byte("c"), LSN: 5},
	}
	values := []Value{
		PutValue([]byte("A3")),
		PutValue([]byte("A1")),
		DeleteValue(),
		PutValue([]byte("C5")),
	}

	buf := buildSortedPage(dataEntryCodec, keys, values, simpleAlloc)
	sp := newSortedPage(dataEntryCodec, buf)

	if sp.Len() != len(keys) {
		t.Fatalf("expected %d entries, got %d", len(keys), sp.Len())
	}
	for i := range keys {
		k, v := sp.At(i)
		if k.Compare(keys[i]) != 0 {
			t.Errorf("entry %d: key mismatch, got %+v want %+v", i, k, keys[i])
		}
		if v.IsDelete() != values[i].IsDelete() {
			t.Errorf("entry %d: delete-flag mismatch", i)
		}
		if !v.IsDelete() && !bytes.Equal(v.Data, values[i].Data) {
			t.Errorf("entry %d: value mismatch, got %q want %q", i, v.Data, values[i].Data)
		}
	}
}

func TestSortedPageSeek(t *testing.T) {
	keys := []Key{
		{Raw: []byte("a"), LSN: 1},
		{Raw: []byte("b"), LSN: 1},
		{Raw: []byte("d"), LSN: 1},
	}
	values := []Value{PutValue([]byte("A")), PutValue([]byte("B")), PutValue([]byte("D"))}
	buf := buildSortedPage(dataEntryCodec, keys, values, simpleAlloc)
	sp := newSortedPage(dataEntryCodec, buf)

	if i, ok := sp.rank(Key{Raw: []byte("b"), LSN: 1}); !ok || i != 1 {
		t.Errorf("rank(b) = (%d, %v), want (1, true)", i, ok)
	}
	if i := sp.seek(Key{Raw: []byte("c"), LSN: 1}); i != 2 {
		t.Errorf("seek(c) = %d, want 2 (first >= c is d)", i)
	}
	if i := sp.seekBack(Key{Raw: []byte("c"), LSN: 1}); i != 1 {
		t.Errorf("seekBack(c) = %d, want 1 (last <= c is b)", i)
	}
}

func TestSortedPageEmpty(t *testing.T) {
	buf := buildSortedPage(dataEntryCodec, nil, nil, simpleAlloc)
	sp := newSortedPage(dataEntryCodec, buf)
	if sp.Len() != 0 {
		t.Fatalf("expected empty page, got len %d", sp.Len())
	}
}

func TestSortedPageIndexRoundTrip(t *testing.T) {
	seps := [][]byte{nil, []byte("m"), []byte("z")}
	idxs := []Index{{ID: 1, Epoch: 1}, {ID: 2, Epoch: 1}, {ID: 3, Epoch: 2}}
	buf := buildSortedPage(indexEntryCodec, seps, idxs, simpleAlloc)
	sp := newSortedPage(indexEntryCodec, buf)

	if sp.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", sp.Len())
	}
	for i := range seps {
		sep, idx := sp.At(i)
		if !bytes.Equal(sep, seps[i]) {
			t.Errorf("entry %d: sep mismatch, got %q want %q", i, sep, seps[i])
		}
		if idx != idxs[i] {
			t.Errorf("entry %d: index mismatch, got %+v want %+v", i, idx, idxs[i])
		}
	}
}

func TestKeyOrdering(t *testing.T) {
	a := Key{Raw: []byte("x"), LSN: 5}
	b := Key{Raw: []byte("x"), LSN: 10}
	if !b.Less(a) {
		t.Errorf("higher LSN on the same raw key should sort first")
	}
	c := Key{Raw: []byte("y"), LSN: 1}
	if !a.Less(c) {
		t.Errorf("raw byte order should dominate LSN order across different keys")
	}
}

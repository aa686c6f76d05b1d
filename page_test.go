package bwtree

import "testing"

func TestLookupInChainNewestWins(t *testing.T) {
	base := newBasePage(Leaf, nil, nil)
	base.dataEntries = []dataEntry{
		{Key: Key{Raw: []byte("a"), LSN: 1}, Value: PutValue([]byte("A1"))},
	}

	delta := &pageFrame{kind: DeltaData, tier: Leaf, dataEntries: []dataEntry{
		{Key: Key{Raw: []byte("a"), LSN: 2}, Value: PutValue([]byte("A2"))},
	}}
	link(delta, base)

	v, ok := lookupInChain(delta, []byte("a"), 10)
	if !ok {
		t.Fatal("expected a hit")
	}
	if string(v.Data) != "A2" {
		t.Errorf("got %q, want A2 (the newest delta should win)", v.Data)
	}
}

func TestLookupInChainDeleteOverBase(t *testing.T) {
	base := newBasePage(Leaf, nil, nil)
	base.dataEntries = []dataEntry{
		{Key: Key{Raw: []byte("a"), LSN: 1}, Value: PutValue([]byte("A1"))},
	}
	delta := &pageFrame{kind: DeltaData, tier: Leaf, dataEntries: []dataEntry{
		{Key: Key{Raw: []byte("a"), LSN: 2}, Value: DeleteValue()},
	}}
	link(delta, base)

	v, ok := lookupInChain(delta, []byte("a"), 10)
	if !ok || !v.IsDelete() {
		t.Errorf("expected a visible tombstone, got (%v, %v)", v, ok)
	}
}

func TestLookupInChainEmptyBase(t *testing.T) {
	base := newBasePage(Leaf, nil, nil)
	delta := &pageFrame{kind: DeltaData, tier: Leaf, dataEntries: []dataEntry{
		{Key: Key{Raw: []byte("a"), LSN: 1}, Value: PutValue([]byte("A1"))},
	}}
	link(delta, base)

	if _, ok := lookupInChain(delta, []byte("a"), 1); !ok {
		t.Error("a DeltaData over an empty base should still be readable")
	}
	if _, ok := lookupInChain(delta, []byte("zzz"), 1); ok {
		t.Error("absent key should miss")
	}
}

func TestChildForRoutesToRightmostMatch(t *testing.T) {
	base := newBasePage(Inner, nil, nil)
	base.kind = BaseIndex
	base.indexEntries = []indexEntry{
		{Sep: nil, Child: Index{ID: 1}},
		{Sep: []byte("m"), Child: Index{ID: 2}},
	}

	idx, ok := childFor(base, []byte("a"))
	if !ok || idx.ID != 1 {
		t.Errorf("key before first separator should route to id 1, got %+v", idx)
	}
	idx, ok = childFor(base, []byte("z"))
	if !ok || idx.ID != 2 {
		t.Errorf("key past last separator should route to id 2, got %+v", idx)
	}
}

func TestUnlinkPreventsCascade(t *testing.T) {
	base := newBasePage(Leaf, nil, nil)
	delta := &pageFrame{kind: DeltaData, tier: Leaf}
	link(delta, base)
	if delta.next == nil {
		t.Fatal("setup: expected delta to be linked")
	}
	unlink(delta)
	if delta.next != nil {
		t.Error("unlink should clear next so a reclaim pass cannot walk into a live tail")
	}
}

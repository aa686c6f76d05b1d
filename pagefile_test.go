package bwtree

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// newTestBuilder opens a buffered (non-O_DIRECT) file builder, so the
// page-file round trip runs without a filesystem that honors O_DIRECT.
func newTestBuilder(t *testing.T, dir string, fileID uint32, blockSize int) *fileBuilder {
	t.Helper()
	path := filepath.Join(dir, "bwtree_"+itoa(fileID))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return newFileBuilder(fileID, f, false, blockSize)
}

func TestFileBuilderAddPageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := newTestBuilder(t, dir, 1, 4096)

	// addPage snappy-compresses each payload and pads it to a block
	// boundary, so every handle starts block-aligned and ends mid-block;
	// the three payloads differ in raw size and content only.
	aligned := bytes.Repeat([]byte{1}, 4096)       // one full block before compression
	tailUnaligned := bytes.Repeat([]byte{2}, 300) // part of a block before compression
	var addrs []PageAddr
	var payloads = [][]byte{aligned, tailUnaligned, []byte("short, both ends unaligned")}

	for i, p := range payloads {
		addr := NewPageAddr(1, uint32(i))
		if _, err := b.addPage(PageID(i+1), addr, uint64(i), p); err != nil {
			t.Fatalf("addPage %d: %v", i, err)
		}
		addrs = append(addrs, addr)
	}

	info, err := b.finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if info.EffectiveSize() == 0 {
		t.Fatal("expected nonzero effective size")
	}

	reader, err := openPageFileReader(filepath.Join(dir, "bwtree_1"), false, 4096)
	if err != nil {
		t.Fatalf("openPageFileReader: %v", err)
	}
	defer reader.Close()

	for i, want := range payloads {
		h, ok := info.GetPageHandle(addrs[i])
		if !ok {
			t.Fatalf("page %d: handle not found", i)
		}
		got, err := reader.readCompressedAt(h)
		if err != nil {
			t.Fatalf("page %d: read: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("page %d: round trip mismatch (got %d bytes, want %d)", i, len(got), len(want))
		}
	}
}

func TestRecoveryEquivalence(t *testing.T) {
	dir := t.TempDir()
	b := newTestBuilder(t, dir, 7, 4096)
	addr := NewPageAddr(7, 0)
	payload := []byte("recoverable page contents")
	if _, err := b.addPage(42, addr, 1, payload); err != nil {
		t.Fatalf("addPage: %v", err)
	}
	info, err := b.finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	pf := newPageFiles(dir, "bwtree", false)
	recovered, err := pf.recoveryBaseFileInfos([]uint32{7})
	if err != nil {
		t.Fatalf("recoveryBaseFileInfos: %v", err)
	}
	got, ok := recovered[7]
	if !ok {
		t.Fatal("expected file 7 to recover")
	}
	if got.EffectiveSize() != info.EffectiveSize() {
		t.Errorf("effective size mismatch: got %d want %d", got.EffectiveSize(), info.EffectiveSize())
	}
	if _, ok := got.GetPageHandle(addr); !ok {
		t.Error("recovered file-info missing the page's handle")
	}
}

func TestRecoveryQuarantinesBadFooter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bwtree_9")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xFF}, 4096), 0644); err != nil {
		t.Fatalf("write garbage file: %v", err)
	}

	pf := newPageFiles(dir, "bwtree", false)
	infos, err := pf.recoveryBaseFileInfos([]uint32{9})
	if err != nil {
		t.Fatalf("recoveryBaseFileInfos should quarantine, not fail: %v", err)
	}
	if _, ok := infos[9]; ok {
		t.Error("a file with a bad footer should not appear in recovered infos")
	}
	if _, err := os.Stat(path + ".quarantine"); err != nil {
		t.Errorf("expected quarantine file, stat error: %v", err)
	}
}

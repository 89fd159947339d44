package pinenut

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestMemBufferAppendSwap(t *testing.T) {
	b := openMemBuffer(bufHeaderSize + 64)
	if b.halfCap != 32 {
		t.Fatalf("halfCap = %d, wanted 32", b.halfCap)
	}
	if b.active() != 0 || b.dirty(0) || b.dirty(1) {
		t.Fatal("fresh buffer is not clean")
	}

	n := b.append([]byte("hello"))
	if n != 5 || b.len(0) != 5 || !b.dirty(0) {
		t.Fatalf("after append: n=%d len=%d dirty=%v", n, b.len(0), b.dirty(0))
	}

	old := b.swap(60)
	if old != 0 || b.active() != 1 || b.len(1) != 0 || b.bucket(1) != 60 {
		t.Fatalf("after swap: old=%d active=%d", old, b.active())
	}
	if !bytes.Equal(b.data(0), []byte("hello")) {
		t.Fatal("vacated half lost its bytes")
	}

	// Partial copy when the chunk exceeds the remaining space.
	big := bytes.Repeat([]byte{'x'}, 40)
	n = b.append(big)
	if n != 32 || b.len(1) != 32 {
		t.Fatalf("append into full half: n=%d len=%d", n, b.len(1))
	}
}

func TestFileBufferSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.buffer")
	size := roundUpPage(DefaultBufferLen)

	b := must(openFileBuffer(path, size))
	b.setBucket(0, 60)
	b.append([]byte("first"))
	b.swap(120)
	b.append([]byte("second"))
	ensure(b.close())

	b = must(openFileBuffer(path, size))
	pending := b.pending()
	if len(pending) != 2 {
		t.Fatalf("pending blocks = %d, wanted 2", len(pending))
	}
	// The swapped-out half precedes the active one in stream order.
	if !bytes.Equal(pending[0].data, []byte("first")) || pending[0].bucket != 60 {
		t.Errorf("pending[0] = %q bucket %d", pending[0].data, pending[0].bucket)
	}
	if !bytes.Equal(pending[1].data, []byte("second")) || pending[1].bucket != 120 {
		t.Errorf("pending[1] = %q bucket %d", pending[1].data, pending[1].bucket)
	}
	ensure(b.close())
}

func TestFileBufferReinitializesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.buffer")
	size := roundUpPage(DefaultBufferLen)

	b := must(openFileBuffer(path, size))
	copy(b.region[0:4], "XXXX")
	ensure(b.close())

	b = must(openFileBuffer(path, size))
	if !b.headerValid() || b.dirty(0) || b.dirty(1) {
		t.Fatal("garbage header was not reinitialized")
	}
	ensure(b.close())
}

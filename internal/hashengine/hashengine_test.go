package hashengine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestPrehashEqualsFullHashForSmallFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "small.txt", bytes.Repeat([]byte("a"), PrehashSize))

	e := New(0, false)
	pre, err := e.Prehash(p)
	if err != nil {
		t.Fatalf("Prehash: %v", err)
	}
	full, err := e.FullHash(p, PrehashSize)
	if err != nil {
		t.Fatalf("FullHash: %v", err)
	}
	if pre != full {
		t.Errorf("prehash %x != full hash %x for file at exactly PrehashSize", pre, full)
	}
}

func TestPrehashOnlyReadsLeadingBytes(t *testing.T) {
	dir := t.TempDir()
	data := append(bytes.Repeat([]byte("x"), PrehashSize), []byte("tail-that-differs")...)
	p := writeFile(t, dir, "big.txt", data)

	headOnly := bytes.Repeat([]byte("x"), PrehashSize)
	headPath := writeFile(t, dir, "head.txt", headOnly)

	e := New(0, false)
	a, err := e.Prehash(p)
	if err != nil {
		t.Fatalf("Prehash(p): %v", err)
	}
	b, err := e.Prehash(headPath)
	if err != nil {
		t.Fatalf("Prehash(headPath): %v", err)
	}
	if a != b {
		t.Errorf("prehash should ignore bytes past PrehashSize: %x != %x", a, b)
	}
}

func TestFullHashDeterministic(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "f.txt", []byte("some file contents for hashing"))

	e := New(0, false)
	a, err := e.FullHash(p, 31)
	if err != nil {
		t.Fatalf("FullHash: %v", err)
	}
	b, err := e.FullHash(p, 31)
	if err != nil {
		t.Fatalf("FullHash: %v", err)
	}
	if a != b {
		t.Errorf("FullHash not deterministic: %x != %x", a, b)
	}
}

func TestFullHashByteEqualContentSameHash(t *testing.T) {
	dir := t.TempDir()
	content := []byte("identical content in two different files")
	p1 := writeFile(t, dir, "a.txt", content)
	p2 := writeFile(t, dir, "b.txt", content)

	e := New(0, false)
	h1, err := e.FullHash(p1, int64(len(content)))
	if err != nil {
		t.Fatalf("FullHash(p1): %v", err)
	}
	h2, err := e.FullHash(p2, int64(len(content)))
	if err != nil {
		t.Fatalf("FullHash(p2): %v", err)
	}
	if h1 != h2 {
		t.Errorf("byte-equal files hashed differently: %x != %x", h1, h2)
	}
}

func TestFullHashMmapPathMatchesStreamPath(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("mmap-path-content-"), 2000) // well over blockSize
	p := writeFile(t, dir, "large.bin", content)

	mmapEngine := New(1, false) // threshold of 1 byte forces mmap
	streamEngine := New(0, true)

	viaMmap, err := mmapEngine.FullHash(p, int64(len(content)))
	if err != nil {
		t.Fatalf("FullHash via mmap: %v", err)
	}
	viaStream, err := streamEngine.FullHash(p, int64(len(content)))
	if err != nil {
		t.Fatalf("FullHash via stream: %v", err)
	}
	if viaMmap != viaStream {
		t.Errorf("mmap and stream paths disagree: %x != %x", viaMmap, viaStream)
	}
}

func TestPrehashNotFound(t *testing.T) {
	e := New(0, false)
	_, err := e.Prehash(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	var hErr *Error
	if !asError(err, &hErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if hErr.Kind != NotFound {
		t.Errorf("Kind = %v, want NotFound", hErr.Kind)
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}

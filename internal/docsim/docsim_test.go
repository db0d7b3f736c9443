package docsim

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeTextMatchesExpectedForm(t *testing.T) {
	input := "Hello, World! This is a TEST.   With multiple   spaces and \n newlines."
	want := "hello world this is a test with multiple spaces and newlines"
	if got := NormalizeText(input); got != want {
		t.Errorf("NormalizeText() = %q, want %q", got, want)
	}
}

func TestExtractPlainTextTxt(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("Hello world\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := NewExtractor()
	got, err := e.ExtractText(p)
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if got != "Hello world\n" {
		t.Errorf("ExtractText() = %q, want %q", got, "Hello world\n")
	}
}

func TestExtractTextUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.exe")
	if err := os.WriteFile(p, []byte("binary"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := NewExtractor()
	_, err := e.ExtractText(p)
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
	derr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if derr.Kind != UnsupportedFormat {
		t.Errorf("Kind = %v, want UnsupportedFormat", derr.Kind)
	}
}

func TestFingerprintIdenticalText(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog"
	f := NewFingerprinter()
	a := f.Compute(text)
	b := f.Compute(text)
	if a != b {
		t.Errorf("identical text fingerprints differ: %d != %d", a, b)
	}
	if HammingDistance(a, b) != 0 {
		t.Errorf("HammingDistance of identical fingerprints = %d, want 0", HammingDistance(a, b))
	}
}

func TestFingerprintSimilarTextIsClose(t *testing.T) {
	a := "The quick brown fox jumps over the lazy dog today"
	b := "The quick brown fox jumps over the lazy cat today"

	f := NewFingerprinter()
	ha := f.Compute(a)
	hb := f.Compute(b)
	if ha == hb {
		return // even closer than expected, still fine
	}
	if d := HammingDistance(ha, hb); d > 20 {
		t.Errorf("near-identical text should have a small Hamming distance, got %d", d)
	}
}

func TestFingerprintEmptyTextIsZero(t *testing.T) {
	f := NewFingerprinter()
	if got := f.Compute(""); got != 0 {
		t.Errorf("Compute(\"\") = %d, want 0", got)
	}
}

func TestFingerprintFallsBackToUnigramsForShortText(t *testing.T) {
	f := NewFingerprinter()
	got := f.Compute("hi there")
	want := f.Compute("hi there")
	if got != want {
		t.Errorf("fingerprint of short text not deterministic")
	}
}

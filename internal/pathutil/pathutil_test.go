package pathutil

import (
	"runtime"
	"testing"
)

func TestNormalizeComposesNFC(t *testing.T) {
	// "é" as decomposed "e" + combining acute (U+0065 U+0301) should
	// normalize to the single precomposed code point (U+00E9).
	decomposed := "café"
	precomposed := "café"

	if got := Normalize(decomposed); got != precomposed {
		t.Errorf("Normalize(%q) = %q, want %q", decomposed, got, precomposed)
	}
}

func TestNormalizeInvalidUTF8IsConsistent(t *testing.T) {
	invalid := "bad\xffpath"
	first := Normalize(invalid)
	second := Normalize(invalid)
	if first != second {
		t.Errorf("Normalize is not deterministic for invalid UTF-8: %q != %q", first, second)
	}
}

func TestCompareKeyEquatesNFCForms(t *testing.T) {
	a := CompareKey("café/file.txt")
	b := CompareKey("café/file.txt")
	if a != b {
		t.Errorf("CompareKey forms differ: %q != %q", a, b)
	}
}

func TestCompareKeyCasePolicy(t *testing.T) {
	a := CompareKey("/Data/File.TXT")
	b := CompareKey("/data/file.txt")

	if runtime.GOOS == "windows" {
		if a != b {
			t.Errorf("expected case-insensitive match on windows: %q != %q", a, b)
		}
	} else {
		if a == b {
			t.Errorf("expected case-sensitive mismatch on %s: %q == %q", runtime.GOOS, a, b)
		}
	}
}

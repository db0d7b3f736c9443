// Package pathutil provides platform-stable path normalization and
// comparison-key derivation (spec.md §4.1).
//
// MultiWalker keys merged paths by CompareKey rather than by raw
// strings, so that Unicode decomposition differences and platform case
// sensitivity don't let one file through twice; the walker applies
// Normalize to root-relative paths before gitignore matching. Other
// path comparisons (the hash cache, reference-prefix matching) do not go
// through CompareKey, and the hardlink tracker keys by inode.
package pathutil

import (
	"runtime"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFC (canonical composition) form of s.
//
// Invalid UTF-8 sequences pass through unchanged rather than erroring:
// the result is lossy (byte sequences that aren't valid UTF-8 are left
// as-is) but consistent — the same invalid input always normalizes to
// the same output, which is all CompareKey needs.
func Normalize(s string) string {
	return norm.NFC.String(s)
}

// CompareKey returns an opaque string suitable for use as a map key
// wherever two paths must be compared for identity.
//
// On Windows, comparisons are case-insensitive: the NFC form is
// lowercased. On every other platform, comparison is case-sensitive and
// the NFC form is returned unchanged.
func CompareKey(path string) string {
	n := Normalize(path)
	if runtime.GOOS == "windows" {
		return strings.ToLower(n)
	}
	return n
}

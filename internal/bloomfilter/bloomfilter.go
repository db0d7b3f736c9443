// Package bloomfilter provides negative-result accelerators for the size
// and prehash streams (spec.md §4.8, §4.9, §5).
//
// A Filter only ever produces false positives, never false negatives:
// a record whose membership test fails can be dropped immediately
// because it provably cannot be part of a duplicate group. Filters are
// built single-threaded from a first pass over the data, then used
// read-only by many goroutines concurrently (spec.md §5).
package bloomfilter

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
)

// DefaultFPRate is used when the caller doesn't specify one. Clamped to
// (0, 0.1] per spec.md §6 `bloom_fp_rate`.
const DefaultFPRate = 0.01

// ClampFPRate clamps a requested false-positive rate into (0, 0.1].
func ClampFPRate(rate float64) float64 {
	switch {
	case rate <= 0:
		return DefaultFPRate
	case rate > 0.1:
		return 0.1
	default:
		return rate
	}
}

// Filter wraps a bits-and-blooms Bloom filter with the narrow int64/byte
// key API the size and prehash phases need, plus hit/miss accounting for
// ScanSummary's bloom statistics.
type Filter struct {
	bf    *bloom.BloomFilter
	hits  uint64 // membership tests that passed (possible match)
	drops uint64 // membership tests that failed (definite non-match)
}

// NewSized creates a Filter sized for n expected items at the given
// false-positive rate. n should come from an observed first-pass count
// per spec.md §4.8 and §9(c); if more items are added than n, the
// measured false-positive rate degrades gracefully rather than failing.
func NewSized(n uint, fpRate float64) *Filter {
	if n == 0 {
		n = 1
	}
	return &Filter{bf: bloom.NewWithEstimates(n, ClampFPRate(fpRate))}
}

// AddSize records a file size as having been seen.
func (f *Filter) AddSize(size int64) {
	f.bf.Add(sizeKey(size))
}

// TestSize reports whether size may have been seen more than once.
// A false result is exact: the size is definitely unique in this scan.
func (f *Filter) TestSize(size int64) bool {
	ok := f.bf.Test(sizeKey(size))
	f.record(ok)
	return ok
}

// AddHash records a hash as having been seen.
func (f *Filter) AddHash(h [32]byte) {
	f.bf.Add(h[:])
}

// TestHash reports whether h may have been seen more than once.
func (f *Filter) TestHash(h [32]byte) bool {
	ok := f.bf.Test(h[:])
	f.record(ok)
	return ok
}

func (f *Filter) record(passed bool) {
	if passed {
		f.hits++
	} else {
		f.drops++
	}
}

// Stats returns (passed, dropped) membership-test counts for ScanSummary's
// bloom statistics.
func (f *Filter) Stats() (passed, dropped uint64) {
	return f.hits, f.drops
}

func sizeKey(size int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(size))
	return buf
}

// Package types provides shared types used across the dupehound codebase.
package types

import (
	"cmp"
	"slices"
	"time"
)

// FileRecord holds metadata for a scanned file (spec.md §3).
//
// Created by the walker and never mutated thereafter; ownership moves
// between phases as the record progresses through the pipeline.
type FileRecord struct {
	Path    string
	Size    int64
	ModTime time.Time

	// Dev/Ino identify the file's inode on platforms that expose one.
	// HasInode is false on platforms (or filesystems) where no stable
	// inode key is available; the hardlink tracker then treats every
	// record as FirstSeen.
	Dev      uint64
	Ino      uint64
	Nlink    uint32
	HasInode bool

	Symlink   bool
	Hardlink  bool
	OriginTag string // set by MultiWalker to the originating root

	PerceptualHash      *uint64 // populated lazily by the similarity phase
	DocumentFingerprint *uint64
}

// InodeKey uniquely identifies an inode on a single device (spec.md §4.2).
type InodeKey struct {
	Dev uint64
	Ino uint64
}

// InodeKey returns the hardlink-tracker identity for this record.
func (f *FileRecord) InodeKey() (InodeKey, bool) {
	if !f.HasInode {
		return InodeKey{}, false
	}
	return InodeKey{Dev: f.Dev, Ino: f.Ino}, true
}

// HashSize is the fixed width of a Hash, in bytes (BLAKE3-256, spec.md §3).
const HashSize = 32

// Hash is a fixed-width opaque content identifier.
type Hash [HashSize]byte

// IsZero reports whether h is the zero hash (never computed).
func (h Hash) IsZero() bool { return h == Hash{} }

// CacheEntry mirrors the persisted cache schema (spec.md §4.7).
type CacheEntry struct {
	Path                string
	Size                int64
	ModTimeNanos        int64
	Ino                 uint64
	HasInode            bool
	Prehash             Hash
	FullHash            *Hash
	PerceptualHash      *uint64
	DocumentFingerprint *uint64
	CreatedAtUnix       int64
}

// ValidFor reports whether the entry is still valid for the given file
// metadata: stored size and mtime must match exactly, and inode (when
// both sides have one) must match.
func (e *CacheEntry) ValidFor(size int64, modTime time.Time, ino uint64, hasInode bool) bool {
	if e.Size != size || e.ModTimeNanos != modTime.UnixNano() {
		return false
	}
	if e.HasInode && hasInode && e.Ino != ino {
		return false
	}
	return true
}

// Sorted is an ordered collection that maintains sort order by a key function.
// T is the element type, K is the comparable key type.
// Once constructed, items are guaranteed to be sorted by key.
type Sorted[T any, K cmp.Ordered] struct {
	items   []T
	keyFunc func(T) K
}

// NewSorted creates a sorted collection from items using keyFunc for ordering.
// Items are copied and sorted at construction time.
func NewSorted[T any, K cmp.Ordered](items []T, keyFunc func(T) K) Sorted[T, K] {
	sorted := make([]T, len(items))
	copy(sorted, items)
	slices.SortFunc(sorted, func(a, b T) int {
		return cmp.Compare(keyFunc(a), keyFunc(b))
	})
	return Sorted[T, K]{items: sorted, keyFunc: keyFunc}
}

// Items returns the sorted items.
func (s Sorted[T, K]) Items() []T { return s.items }

// First returns the first item (smallest key), or zero value if empty.
func (s Sorted[T, K]) First() T {
	if len(s.items) == 0 {
		var zero T
		return zero
	}
	return s.items[0]
}

// Len returns the number of items.
func (s Sorted[T, K]) Len() int { return len(s.items) }

// SizeGroup contains files sharing the same size (spec.md §3/§4.8).
type SizeGroup = Sorted[*FileRecord, string]

// NewSizeGroup creates a SizeGroup sorted by path.
func NewSizeGroup(files []*FileRecord) SizeGroup {
	return NewSorted(files, func(f *FileRecord) string { return f.Path })
}

// HashGroup contains files sharing a (size, prehash) or (size, fullhash) key,
// used as the intermediate bundle in phases 2 and 3 (spec.md §3).
type HashGroup = Sorted[*FileRecord, string]

// NewHashGroup creates a HashGroup sorted by path.
func NewHashGroup(files []*FileRecord) HashGroup {
	return NewSorted(files, func(f *FileRecord) string { return f.Path })
}

// DuplicateGroup is an immutable, confirmed group of duplicate or similar
// files (spec.md §3). Files is sorted by path for deterministic iteration
// order; intra-group order otherwise preserves walker arrival order.
type DuplicateGroup struct {
	ID                Hash
	Size              int64 // shared size for exact groups; representative size otherwise
	Files             []*FileRecord
	ReferencePrefixes []string
	IsSimilar         bool
}

// NewDuplicateGroup builds a DuplicateGroup, sorting Files by path.
func NewDuplicateGroup(id Hash, size int64, files []*FileRecord, refPrefixes []string, isSimilar bool) DuplicateGroup {
	sorted := make([]*FileRecord, len(files))
	copy(sorted, files)
	slices.SortFunc(sorted, func(a, b *FileRecord) int { return cmp.Compare(a.Path, b.Path) })
	return DuplicateGroup{
		ID:                id,
		Size:              size,
		Files:             sorted,
		ReferencePrefixes: refPrefixes,
		IsSimilar:         isSimilar,
	}
}

// Len returns the number of files in the group.
func (g DuplicateGroup) Len() int { return len(g.Files) }

// ReclaimableBytes returns the bytes that would be reclaimed by keeping a
// single copy of this group (Len-1 files reclaimed).
func (g DuplicateGroup) ReclaimableBytes() int64 {
	if g.Len() < 2 {
		return 0
	}
	return g.Size * int64(g.Len()-1)
}

// IsSubsetOf reports whether every file in g also appears in other, used to
// suppress redundant similar-groups that duplicate an exact group (spec.md §4.11).
func (g DuplicateGroup) IsSubsetOf(other DuplicateGroup) bool {
	set := make(map[string]struct{}, len(other.Files))
	for _, f := range other.Files {
		set[f.Path] = struct{}{}
	}
	for _, f := range g.Files {
		if _, ok := set[f.Path]; !ok {
			return false
		}
	}
	return true
}

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit is reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }

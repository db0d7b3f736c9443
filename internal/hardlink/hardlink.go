// Package hardlink tracks inodes seen during a single walk so that
// multiple paths pointing at the same file are only yielded once
// (spec.md §4.2).
package hardlink

import (
	"sync"

	"github.com/ivoronin/dupehound/internal/types"
)

// Status describes the outcome of observing a file's metadata.
type Status int

const (
	// FirstSeen means this inode has not been observed before in this
	// walk; the caller should emit the file.
	FirstSeen Status = iota
	// DuplicateHardlink means this inode was already observed; the
	// caller should skip the file.
	DuplicateHardlink
)

// Tracker holds the set of inode keys observed so far in one scan.
//
// Safe for concurrent use: a walker spawns one goroutine per directory,
// and every one of them calls Observe on the same Tracker instance
// (spec.md §4.2).
type Tracker struct {
	mu   sync.Mutex
	seen map[types.InodeKey]struct{}
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{seen: make(map[types.InodeKey]struct{})}
}

// Observe records the file's inode (if any) and reports whether this is
// the first time it has been seen.
//
// On platforms or filesystems where the record carries no inode
// (HasInode is false), Observe always returns FirstSeen — the tracker
// degrades to a no-op, matching spec.md §4.2's "systems not exposing an
// inode" behavior and the Windows hardlink-detection gap in spec.md §9(a).
func (t *Tracker) Observe(f *types.FileRecord) Status {
	key, ok := f.InodeKey()
	if !ok {
		return FirstSeen
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seen[key]; dup {
		return DuplicateHardlink
	}
	t.seen[key] = struct{}{}
	return FirstSeen
}

// Reset clears all observed inodes, allowing the tracker to be reused
// for a fresh scan.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = make(map[types.InodeKey]struct{})
}

package hardlink

import (
	"testing"

	"github.com/ivoronin/dupehound/internal/types"
)

func TestObserveFirstSeen(t *testing.T) {
	tr := New()
	f := &types.FileRecord{Path: "/a", Dev: 1, Ino: 100, HasInode: true}
	if got := tr.Observe(f); got != FirstSeen {
		t.Errorf("Observe() = %v, want FirstSeen", got)
	}
}

func TestObserveDuplicateHardlink(t *testing.T) {
	tr := New()
	a := &types.FileRecord{Path: "/a", Dev: 1, Ino: 100, HasInode: true}
	b := &types.FileRecord{Path: "/b", Dev: 1, Ino: 100, HasInode: true}

	if got := tr.Observe(a); got != FirstSeen {
		t.Fatalf("Observe(a) = %v, want FirstSeen", got)
	}
	if got := tr.Observe(b); got != DuplicateHardlink {
		t.Errorf("Observe(b) = %v, want DuplicateHardlink", got)
	}
}

func TestObserveDifferentDeviceSameInode(t *testing.T) {
	tr := New()
	a := &types.FileRecord{Path: "/a", Dev: 1, Ino: 100, HasInode: true}
	b := &types.FileRecord{Path: "/b", Dev: 2, Ino: 100, HasInode: true}

	tr.Observe(a)
	if got := tr.Observe(b); got != FirstSeen {
		t.Errorf("Observe(b) on different device = %v, want FirstSeen", got)
	}
}

func TestObserveNoInodeAlwaysFirstSeen(t *testing.T) {
	tr := New()
	a := &types.FileRecord{Path: "/a"}
	b := &types.FileRecord{Path: "/a"} // same record content, no inode

	if got := tr.Observe(a); got != FirstSeen {
		t.Errorf("Observe(a) = %v, want FirstSeen", got)
	}
	if got := tr.Observe(b); got != FirstSeen {
		t.Errorf("Observe(b) without inode = %v, want FirstSeen (no-op tracker)", got)
	}
}

func TestReset(t *testing.T) {
	tr := New()
	f := &types.FileRecord{Path: "/a", Dev: 1, Ino: 100, HasInode: true}
	tr.Observe(f)
	tr.Reset()

	if got := tr.Observe(f); got != FirstSeen {
		t.Errorf("Observe() after Reset() = %v, want FirstSeen", got)
	}
}

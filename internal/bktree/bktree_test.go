package bktree

import "testing"

func TestFindExactMatch(t *testing.T) {
	tr := New()
	tr.Insert(0b1010101010101010)
	tr.Insert(0b0000000000000000)
	tr.Insert(0b1111111111111111)

	matches := tr.Find(0b1010101010101010, 0)
	if len(matches) != 1 || matches[0].Hash != 0b1010101010101010 {
		t.Fatalf("Find(exact, 0) = %+v, want single exact match", matches)
	}
}

func TestFindWithinThreshold(t *testing.T) {
	tr := New()
	base := uint64(0)
	oneOff := uint64(1)      // distance 1
	threeOff := uint64(0b111) // distance 3
	farOff := ^uint64(0)     // distance 64

	tr.Insert(base)
	tr.Insert(oneOff)
	tr.Insert(threeOff)
	tr.Insert(farOff)

	matches := tr.Find(base, 3)
	got := map[uint64]bool{}
	for _, m := range matches {
		got[m.Hash] = true
	}
	if !got[base] || !got[oneOff] || !got[threeOff] {
		t.Errorf("Find(base, 3) missed expected matches: %+v", matches)
	}
	if got[farOff] {
		t.Errorf("Find(base, 3) incorrectly matched far hash")
	}
}

func TestFindOrderedByAscendingDistance(t *testing.T) {
	tr := New()
	tr.Insert(0b111) // distance 3
	tr.Insert(0b1)   // distance 1
	tr.Insert(0b11)  // distance 2

	matches := tr.Find(0, 3)
	for i := 1; i < len(matches); i++ {
		if matches[i-1].Distance > matches[i].Distance {
			t.Fatalf("matches not sorted ascending: %+v", matches)
		}
	}
}

func TestFindEmptyTree(t *testing.T) {
	tr := New()
	if matches := tr.Find(42, 5); matches != nil {
		t.Errorf("Find on empty tree = %+v, want nil", matches)
	}
}

func TestLenTracksInserts(t *testing.T) {
	tr := New()
	for i := uint64(0); i < 5; i++ {
		tr.Insert(i)
	}
	if tr.Len() != 5 {
		t.Errorf("Len() = %d, want 5", tr.Len())
	}
}

func TestDocIndexFindWithinThreshold(t *testing.T) {
	idx := NewDocIndex()
	idx.Insert(0)
	idx.Insert(0b1)
	idx.Insert(0b1111111)

	matches := idx.Find(0, 2)
	if len(matches) != 2 {
		t.Fatalf("Find(0, 2) = %+v, want 2 matches", matches)
	}
}

func TestDocIndexEmpty(t *testing.T) {
	idx := NewDocIndex()
	if matches := idx.Find(7, 3); matches != nil {
		t.Errorf("Find on empty index = %+v, want nil", matches)
	}
}

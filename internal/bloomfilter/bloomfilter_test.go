package bloomfilter

import "testing"

func TestClampFPRate(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{0, DefaultFPRate},
		{-1, DefaultFPRate},
		{0.05, 0.05},
		{0.5, 0.1},
	}
	for _, c := range cases {
		if got := ClampFPRate(c.in); got != c.want {
			t.Errorf("ClampFPRate(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSizeFilterNoFalseNegatives(t *testing.T) {
	f := NewSized(100, 0.01)
	sizes := []int64{0, 1, 4096, 1 << 20, 1 << 40}
	for _, s := range sizes {
		f.AddSize(s)
	}
	for _, s := range sizes {
		if !f.TestSize(s) {
			t.Errorf("TestSize(%d) = false after AddSize, want true (no false negatives)", s)
		}
	}
}

func TestSizeFilterRejectsUnseen(t *testing.T) {
	f := NewSized(100, 0.0001)
	f.AddSize(42)

	if f.TestSize(999999) {
		t.Log("false positive on unseen size (expected rarely with low fp rate)")
	}
}

func TestHashFilterRoundTrip(t *testing.T) {
	f := NewSized(10, 0.01)
	var h [32]byte
	h[0] = 0xAB

	if f.TestHash(h) {
		t.Error("TestHash before AddHash unexpectedly true")
	}
	f.AddHash(h)
	if !f.TestHash(h) {
		t.Error("TestHash after AddHash = false, want true")
	}
}

func TestStatsTracksPassAndDrop(t *testing.T) {
	f := NewSized(10, 0.01)
	f.AddSize(1)
	f.TestSize(1)   // pass
	f.TestSize(999) // likely drop

	passed, dropped := f.Stats()
	if passed == 0 {
		t.Error("expected at least one passed test")
	}
	if passed+dropped != 2 {
		t.Errorf("passed+dropped = %d, want 2", passed+dropped)
	}
}

package slotmap

import "testing"

func TestSlotFunctionVectors(t *testing.T) {
	cases := []struct {
		key  string
		slot uint16
	}{
		{"123456789", 12739},
		{"foo", 12182},
	}
	for _, c := range cases {
		if got := Slot([]byte(c.key)); got != c.slot {
			t.Errorf("Slot(%q) = %d, want %d", c.key, got, c.slot)
		}
	}
}

func TestHashTagEquivalence(t *testing.T) {
	if Slot([]byte("{user1000}.following")) != Slot([]byte("user1000")) {
		t.Error("{user1000}.following should share a slot with user1000")
	}
	if Slot([]byte("{tag}x")) != Slot([]byte("{tag}y")) {
		t.Error("{tag}x and {tag}y should share a slot")
	}
}

func TestHashTagEdgeCases(t *testing.T) {
	// Empty tag falls back to the full key.
	if Slot([]byte("foo{}bar")) != Slot([]byte("foo{}bar")) {
		t.Error("identity check failed")
	}
	a := Slot([]byte("foo{}bar"))
	b := crc16XModem([]byte("foo{}bar")) % NumSlots
	if a != b {
		t.Error("empty hash tag must hash the entire key, not an empty substring")
	}

	// Only the first tag is used when multiple braces are present.
	if Slot([]byte("{a}{b}")) != Slot([]byte("a")) {
		t.Error("{a}{b} must hash only 'a'")
	}

	// Unmatched '{' falls back to the whole key.
	whole := crc16XModem([]byte("foo{bar")) % NumSlots
	if Slot([]byte("foo{bar")) != whole {
		t.Error("unmatched '{' must hash the whole key")
	}
}

func TestSlotFunctionTotality(t *testing.T) {
	keys := [][]byte{
		{},
		[]byte("a"),
		make([]byte, 65*1024),
	}
	for _, k := range keys {
		s := Slot(k)
		if s >= NumSlots {
			t.Errorf("Slot(len=%d) = %d, out of range [0, %d)", len(k), s, NumSlots)
		}
	}
}

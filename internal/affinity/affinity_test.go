package affinity

import (
	"testing"
	"time"
)

func TestResolveStableAcrossReconnects(t *testing.T) {
	m := NewManager(time.Hour)
	rr := &RoundRobin{}
	healthy := []string{"M1", "M2", "M3"}

	first, ok := m.Resolve("10.0.0.5:49152", healthy, rr.SelectNew)
	if !ok {
		t.Fatal("expected a binding")
	}

	second, ok := m.Resolve("10.0.0.5:49152", healthy, rr.SelectNew)
	if !ok {
		t.Fatal("expected a binding on second resolve")
	}
	if second != first {
		t.Fatalf("expected the same backend on reconnect, got %q then %q", first, second)
	}
}

func TestResolveRebindsWhenBackendUnhealthy(t *testing.T) {
	m := NewManager(time.Hour)
	rr := &RoundRobin{}

	backend, ok := m.Resolve("client", []string{"M1", "M2", "M3"}, rr.SelectNew)
	if !ok {
		t.Fatal("expected initial binding")
	}

	// Remove the bound backend from the healthy set.
	var remaining []string
	for _, b := range []string{"M1", "M2", "M3"} {
		if b != backend {
			remaining = append(remaining, b)
		}
	}

	rebind, ok := m.Resolve("client", remaining, rr.SelectNew)
	if !ok {
		t.Fatal("expected a rebind")
	}
	if rebind == backend {
		t.Fatal("rebind must not select the now-unhealthy backend")
	}
	found := false
	for _, b := range remaining {
		if b == rebind {
			found = true
		}
	}
	if !found {
		t.Fatalf("rebind %q not among remaining healthy candidates %v", rebind, remaining)
	}
}

func TestResolveEmptyCandidatesReturnsFalse(t *testing.T) {
	m := NewManager(time.Hour)
	rr := &RoundRobin{}
	if _, ok := m.Resolve("client", nil, rr.SelectNew); ok {
		t.Fatal("expected ok=false with no healthy candidates")
	}
}

func TestGCRemovesExpiredBindings(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	rr := &RoundRobin{}
	m.Resolve("client", []string{"M1"}, rr.SelectNew)

	time.Sleep(30 * time.Millisecond)
	removed := m.GC()
	if removed != 1 {
		t.Fatalf("GC removed %d bindings, want 1", removed)
	}
	if st := m.Stats(); st.Count != 0 {
		t.Fatalf("expected 0 live bindings after GC, got %d", st.Count)
	}
}

func TestReleaseRemovesBinding(t *testing.T) {
	m := NewManager(time.Hour)
	rr := &RoundRobin{}
	m.Resolve("client", []string{"M1"}, rr.SelectNew)

	if !m.Release("client") {
		t.Fatal("expected Release to report removal")
	}
	if m.Release("client") {
		t.Fatal("second Release should report no binding removed")
	}
}

func TestFingerprintHasNoTimestampComponent(t *testing.T) {
	a := Fingerprint("10.0.0.5", []byte("handshake"))
	time.Sleep(5 * time.Millisecond)
	b := Fingerprint("10.0.0.5", []byte("handshake"))
	if a != b {
		t.Fatal("fingerprint must be stable across time for the same ip+handshake, got different values")
	}
}

func TestWeightedRoundRobinRespectsWeights(t *testing.T) {
	weights := map[string]int32{"a": 3, "b": 1}
	w := &WeightedRoundRobin{WeightOf: func(id string) int32 { return weights[id] }}

	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		id, ok := w.SelectNew([]string{"a", "b"})
		if !ok {
			t.Fatal("expected a selection")
		}
		counts[id]++
	}
	ratio := float64(counts["a"]) / float64(counts["b"])
	if ratio < 2.5 || ratio > 3.5 {
		t.Fatalf("expected roughly 3:1 a:b ratio, got a=%d b=%d", counts["a"], counts["b"])
	}
}

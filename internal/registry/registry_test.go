package registry

import (
	"testing"
	"time"
)

func TestUpsertGetRemove(t *testing.T) {
	r := New()
	b := NewBackend("node-1", "10.0.0.1:6379", RedisNode)
	r.Upsert(b)

	got, ok := r.Get("node-1")
	if !ok || got != b {
		t.Fatalf("Get returned %v, %v", got, ok)
	}

	r.Remove("node-1")
	if _, ok := r.Get("node-1"); ok {
		t.Fatal("expected backend to be removed")
	}
}

func TestHealthyFiltersUnhealthy(t *testing.T) {
	r := New()
	a := NewBackend("a", "x:1", MongoDB)
	b := NewBackend("b", "y:1", MongoDB)
	a.SetHealth(true, time.Now())
	r.Upsert(a)
	r.Upsert(b)

	healthy := r.Healthy()
	if len(healthy) != 1 || healthy[0].ID != "a" {
		t.Fatalf("expected only 'a' healthy, got %v", healthy)
	}
}

func TestSetHealthReportsTransition(t *testing.T) {
	b := NewBackend("a", "x:1", RedisNode)
	if transitioned := b.SetHealth(false, time.Now()); transitioned {
		t.Fatal("setting to the same (false) state should not report a transition")
	}
	if transitioned := b.SetHealth(true, time.Now()); !transitioned {
		t.Fatal("flipping health should report a transition")
	}
	if transitioned := b.SetHealth(true, time.Now()); transitioned {
		t.Fatal("re-asserting the same state should not report a transition")
	}
}

func TestRecordProbeTracksConsecutiveStreaks(t *testing.T) {
	b := NewBackend("a", "x:1", RedisNode)

	if streak := b.RecordProbe(false); streak != 1 {
		t.Fatalf("expected streak 1 after first unhealthy probe, got %d", streak)
	}
	if streak := b.RecordProbe(false); streak != 2 {
		t.Fatalf("expected streak 2 after second unhealthy probe, got %d", streak)
	}
	if streak := b.RecordProbe(true); streak != 1 {
		t.Fatalf("expected the opposite direction to reset to 1, got %d", streak)
	}
	if streak := b.RecordProbe(true); streak != 2 {
		t.Fatalf("expected streak 2 after second consecutive healthy probe, got %d", streak)
	}
}

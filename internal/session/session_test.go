package session

import (
	"testing"
	"time"
)

func TestStore_SetGet(t *testing.T) {
	s := New(10, time.Minute)
	now := time.Now()
	s.Set("sess-1", map[string]interface{}{"lastTool": "debug-echo"}, now)

	entry, ok := s.Get("sess-1", now)
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if entry.Data["lastTool"] != "debug-echo" {
		t.Errorf("Data[lastTool] = %v, want debug-echo", entry.Data["lastTool"])
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	s := New(10, time.Minute)
	now := time.Now()
	s.Set("sess-1", map[string]interface{}{}, now)

	_, ok := s.Get("sess-1", now.Add(2*time.Minute))
	if ok {
		t.Fatal("expected expired entry to be absent")
	}
}

func TestStore_LRUEviction(t *testing.T) {
	s := New(2, time.Hour)
	now := time.Now()
	s.Set("a", nil, now)
	s.Set("b", nil, now)
	s.Set("c", nil, now) // evicts "a", the least-recently-used

	if _, ok := s.Get("a", now); ok {
		t.Error("expected a to be evicted")
	}
	if _, ok := s.Get("b", now); !ok {
		t.Error("expected b to still be present")
	}
	if _, ok := s.Get("c", now); !ok {
		t.Error("expected c to still be present")
	}
}

func TestStore_GetPromotesToFront(t *testing.T) {
	s := New(2, time.Hour)
	now := time.Now()
	s.Set("a", nil, now)
	s.Set("b", nil, now)
	s.Get("a", now) // touch a, making b the LRU victim
	s.Set("c", nil, now)

	if _, ok := s.Get("b", now); ok {
		t.Error("expected b to be evicted after a was touched")
	}
	if _, ok := s.Get("a", now); !ok {
		t.Error("expected a to survive since it was recently touched")
	}
}

func TestStore_Cleanup(t *testing.T) {
	s := New(10, time.Minute)
	now := time.Now()
	s.Set("old", nil, now)
	s.Set("new", nil, now.Add(50*time.Second))

	removed := s.Cleanup(now.Add(90 * time.Second))
	if removed != 1 {
		t.Fatalf("Cleanup() removed = %d, want 1", removed)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStore_Delete(t *testing.T) {
	s := New(10, time.Minute)
	now := time.Now()
	s.Set("x", nil, now)
	s.Delete("x")
	if _, ok := s.Get("x", now); ok {
		t.Error("expected deleted entry to be absent")
	}
}

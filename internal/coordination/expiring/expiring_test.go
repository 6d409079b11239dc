package expiring

import (
	"testing"
	"time"
)

func TestSet_AddContains(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	s := New(time.Minute, WithClock(func() time.Time { return clock }))

	s.Add("msg-1")
	if !s.Contains("msg-1") {
		t.Fatal("expected msg-1 to be present")
	}
	if s.Contains("msg-2") {
		t.Fatal("expected msg-2 to be absent")
	}
}

func TestSet_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	s := New(time.Minute, WithClock(func() time.Time { return clock }))

	s.Add("msg-1")
	clock = now.Add(2 * time.Minute)
	if s.Contains("msg-1") {
		t.Fatal("expected msg-1 to have expired")
	}
}

func TestSet_Sweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	s := New(time.Minute, WithClock(func() time.Time { return clock }))

	s.Add("msg-1")
	s.Add("msg-2")
	clock = now.Add(2 * time.Minute)
	s.Add("msg-3") // added after clock advance, still fresh

	evicted := s.Sweep()
	if evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", s.Len())
	}
}

package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowRespectsBurst(t *testing.T) {
	s := NewStore(1, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if !s.Allow("1.2.3.4") {
			t.Fatalf("request %d within burst rejected", i)
		}
	}
	if s.Allow("1.2.3.4") {
		t.Error("burst exceeded but still allowed")
	}
}

func TestKeysIsolated(t *testing.T) {
	s := NewStore(1, 1, time.Minute)

	if !s.Allow("a") {
		t.Fatal("first request for key a rejected")
	}
	// a 打满不影响 b
	if !s.Allow("b") {
		t.Error("key b throttled by key a's bucket")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	s := NewStore(0.001, 1, time.Minute)
	if !s.Allow("k") {
		t.Fatal("burst token missing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Wait(ctx, "k")
	if err == nil {
		t.Fatal("want context error, got nil")
	}
	if time.Since(start) > time.Second {
		t.Error("Wait did not give up on ctx cancel")
	}
}

func TestCleanupDropsIdleEntries(t *testing.T) {
	s := NewStore(1, 1, 10*time.Millisecond)
	s.Allow("idle")

	time.Sleep(20 * time.Millisecond)
	s.cleanup()

	s.mu.Lock()
	_, ok := s.entries["idle"]
	s.mu.Unlock()
	if ok {
		t.Error("idle entry survived cleanup")
	}
}

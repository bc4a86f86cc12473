package account

import (
	"context"
	"testing"
	"time"
)

func TestMemoryHealthStoreTTL(t *testing.T) {
	s := NewMemoryHealthStore(10 * time.Millisecond)
	defer s.Close()

	ctx := context.Background()
	key := StoreKey("sk-ttl")

	if err := s.Save(ctx, key, Snapshot{Name: "ttl", Healthy: true}, 20*time.Millisecond); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, ok, err := s.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit immediately after Save")
	}
	if got.Name != "ttl" {
		t.Fatalf("expected snapshot 'ttl', got %q", got.Name)
	}

	time.Sleep(30 * time.Millisecond)

	_, ok, err = s.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load after TTL failed: %v", err)
	}
	if ok {
		t.Fatalf("expected miss after TTL expiry")
	}
}

func TestMemoryHealthStoreZeroTTLDeletes(t *testing.T) {
	s := NewMemoryHealthStore(time.Minute)
	defer s.Close()

	ctx := context.Background()
	_ = s.Save(ctx, "k", Snapshot{Name: "x"}, time.Minute)
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}
	_ = s.Save(ctx, "k", Snapshot{}, 0)
	if s.Len() != 0 {
		t.Fatalf("expected entry to be deleted, got %d", s.Len())
	}
}

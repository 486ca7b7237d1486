package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestSaveAndLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.SaveRefreshSession(ctx, "hash-1", "usr_alice", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}

	userID, err := s.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession: %v", err)
	}
	if userID != "usr_alice" {
		t.Errorf("userID = %q, want %q", userID, "usr_alice")
	}
}

func TestLookupUnknownToken(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.LookupRefreshSession(context.Background(), "no-such-hash"); err == nil {
		t.Fatal("expected error for unknown token")
	}
}

func TestRevoke(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRefreshSession(ctx, "hash-2", "usr_bob", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}
	if err := s.RevokeRefreshSession(ctx, "hash-2"); err != nil {
		t.Fatalf("RevokeRefreshSession: %v", err)
	}
	if _, err := s.LookupRefreshSession(ctx, "hash-2"); err == nil {
		t.Fatal("expected error after revoke")
	}
}

func TestTokenExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRefreshSession(ctx, "hash-3", "usr_carol", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := s.LookupRefreshSession(ctx, "hash-3"); err == nil {
		t.Fatal("expected error for expired token")
	}
}

package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/summary/store"
	"github.com/rbaliyan/summary/store/storetest"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := New(client, opts...)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s, mr
}

func TestConformance(t *testing.T) {
	s, _ := newTestStore(t)
	storetest.Run(t, s)
}

func TestKeyLayout(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, WithKeyPrefix("app:"))

	if err := s.WriteRecord(ctx, "inbox", &store.Row{UID: "5", Flags: 0x12}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteHeader(ctx, "inbox", &store.HeaderRow{NextUID: 6}); err != nil {
		t.Fatalf("write header: %v", err)
	}

	if got := mr.HGet("app:{inbox}:flags", "5"); got != "18" {
		t.Errorf("flags field = %q, want 18", got)
	}
	if !mr.Exists("app:{inbox}:rows") || !mr.Exists("app:{inbox}:header") {
		t.Errorf("missing keys: %v", mr.Keys())
	}
	ok, err := mr.SIsMember("app:folders", "inbox")
	if err != nil || !ok {
		t.Errorf("inbox not tracked in folder set: %v", err)
	}

	if err := s.ClearFolder(ctx, "inbox"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("keys left after clear: %v", keys)
	}
	ids, err := s.Folders(ctx)
	if err != nil {
		t.Fatalf("folders: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no folders, got %v", ids)
	}
}

func TestConnectFailure(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	s := New(client)
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected ping failure")
	}
	if _, err := s.ReadRecord(context.Background(), "inbox", "1"); !store.IsNotConnected(err) {
		t.Errorf("expected ErrNotConnected after failed connect, got %v", err)
	}
}

package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if err := m.Set(ctx, 1, State{Step: StepAwaitVideoPhoto}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_ = m.Set(ctx, 2, State{Step: StepAwaitMusicPrompt})
	st, ok, err := m.Get(ctx, 1)
	if err != nil || !ok || st.Step != StepAwaitVideoPhoto {
		t.Fatalf("Get = %+v %v %v", st, ok, err)
	}

	now = now.Add(30 * time.Second)
	_ = m.Set(ctx, 2, State{Step: StepAwaitMusicPrompt})
	now = now.Add(45 * time.Second)
	if n := m.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if _, ok, _ := m.Get(ctx, 1); ok {
		t.Fatalf("expired state returned")
	}
	if _, ok, _ := m.Get(ctx, 2); !ok {
		t.Fatalf("refreshed state dropped")
	}
	_ = m.Delete(ctx, 2)
	if _, ok, _ := m.Get(ctx, 2); ok {
		t.Fatalf("deleted state returned")
	}
}

func TestStateWithCopies(t *testing.T) {
	base := State{Step: StepAwaitVideoPrompt}.With("photo", "f1")
	next := base.With("prompt", "waves")
	if base.Value("prompt") != "" || next.Value("photo") != "f1" || next.Value("prompt") != "waves" {
		t.Fatalf("base = %+v next = %+v", base, next)
	}
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s, err := Open(Config{Backend: "redis", Redis: client, TTL: time.Minute, Prefix: "t"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := State{Step: StepConfirmBroadcast}.With("draft", `{"kind":"text"}`)
	if err := s.Set(ctx, 42, want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, 42)
	if err != nil || !ok || got.Step != want.Step || got.Value("draft") != want.Value("draft") {
		t.Fatalf("Get = %+v %v %v", got, ok, err)
	}
	if ttl := mr.TTL("t:session:42"); ttl != time.Minute {
		t.Fatalf("ttl = %s", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, 42); ok {
		t.Fatalf("expired redis state returned")
	}
	if _, ok, err := s.Get(ctx, 7); ok || err != nil {
		t.Fatalf("missing state = %v %v", ok, err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open(Config{Backend: "etcd"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Backend: "redis"}); err == nil {
		t.Fatalf("redis without client should fail")
	}
}

package runlock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLocal(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v", ok, err)
	}
	if ok, _ := l.TryLock(ctx); ok {
		t.Fatal("second TryLock must fail while held")
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := l.TryLock(ctx); !ok {
		t.Fatal("TryLock after Unlock must succeed")
	}
}

// TestRedis runs against a live server when EVENTSYNC_TEST_REDIS is set,
// e.g. EVENTSYNC_TEST_REDIS=localhost:6379.
func TestRedis(t *testing.T) {
	addr := os.Getenv("EVENTSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("EVENTSYNC_TEST_REDIS not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	key := "eventsync:test-lock:" + uuid.NewString()
	defer client.Del(ctx, key)

	a := NewRedis(client, key, time.Minute)
	b := NewRedis(client, key, time.Minute)

	if ok, err := a.TryLock(ctx); err != nil || !ok {
		t.Fatalf("a.TryLock = %v, %v", ok, err)
	}
	if ok, err := b.TryLock(ctx); err != nil || ok {
		t.Fatalf("b.TryLock must fail while a holds the lock: %v, %v", ok, err)
	}
	if err := b.Unlock(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("b.Unlock = %v, want ErrNotHeld", err)
	}
	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("a.Unlock: %v", err)
	}
	if ok, _ := b.TryLock(ctx); !ok {
		t.Fatal("b.TryLock after release must succeed")
	}
	_ = b.Unlock(ctx)
}

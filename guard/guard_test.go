package guard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLockoutThreshold(t *testing.T) {
	g := New(NewMemoryLockoutStore(), DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := g.RecordFailure(ctx, "user@example.com"); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
		if err := g.Check(ctx, "user@example.com"); err != nil {
			t.Fatalf("expected no lockout after %d failures, got %v", i+1, err)
		}
	}

	// The fifth failure trips the lock.
	if err := g.RecordFailure(ctx, "user@example.com"); err != nil {
		t.Fatalf("failed to record failure: %v", err)
	}
	if err := g.Check(ctx, "user@example.com"); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}

	// Other identifiers are unaffected.
	if err := g.Check(ctx, "other@example.com"); err != nil {
		t.Errorf("expected no lockout for another identifier, got %v", err)
	}
}

func TestSuccessClearsFailures(t *testing.T) {
	g := New(NewMemoryLockoutStore(), DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := g.RecordFailure(ctx, "user@example.com"); err != nil {
			t.Fatalf("failed to record failure: %v", err)
		}
	}
	if err := g.RecordSuccess(ctx, "user@example.com"); err != nil {
		t.Fatalf("failed to record success: %v", err)
	}

	// The counter restarts; one more failure does not lock.
	if err := g.RecordFailure(ctx, "user@example.com"); err != nil {
		t.Fatalf("failed to record failure: %v", err)
	}
	if err := g.Check(ctx, "user@example.com"); err != nil {
		t.Errorf("expected no lockout after the counter reset, got %v", err)
	}
}

func TestLockExpires(t *testing.T) {
	store := NewMemoryLockoutStore()
	ctx := context.Background()

	if err := store.Lock(ctx, "user@example.com", -time.Second); err != nil {
		t.Fatalf("failed to lock: %v", err)
	}
	locked, _, err := store.IsLocked(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("failed to check lock: %v", err)
	}
	if locked {
		t.Error("expected an elapsed lock to be inert")
	}
}

func TestFailureWindowExpires(t *testing.T) {
	store := NewMemoryLockoutStore()
	g := New(store, Config{MaxFailures: 2, LockoutDuration: time.Minute, FailureWindow: -time.Second})
	ctx := context.Background()

	// With an already-elapsed window every failure starts a fresh count.
	for i := 0; i < 5; i++ {
		if err := g.RecordFailure(ctx, "user@example.com"); err != nil {
			t.Fatalf("failed to record failure: %v", err)
		}
	}
	if err := g.Check(ctx, "user@example.com"); err != nil {
		t.Errorf("expected stale failures not to accumulate, got %v", err)
	}
}

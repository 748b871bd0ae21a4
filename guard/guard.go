// Package guard provides brute-force protection for the sign-in path:
// failure counting and temporary lockout, keyed by the attempted email.
package guard

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LockoutStore tracks authentication failures and lockouts.
type LockoutStore interface {
	// RecordFailure increments the failure count, keeping the record for ttl.
	RecordFailure(ctx context.Context, identifier string, ttl time.Duration) (int, error)
	ClearFailures(ctx context.Context, identifier string) error
	Lock(ctx context.Context, identifier string, duration time.Duration) error
	// IsLocked reports whether the identifier is locked and until when.
	IsLocked(ctx context.Context, identifier string) (bool, time.Time, error)
}

// ErrLocked is surfaced to the end user as a generic "try again later"; the
// lockout deadline stays server-side to avoid oracle behavior.
var ErrLocked = errors.New("guard: too many failed attempts")

// Config tunes the lockout policy.
type Config struct {
	MaxFailures     int
	LockoutDuration time.Duration
	FailureWindow   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxFailures:     5,
		LockoutDuration: 15 * time.Minute,
		FailureWindow:   15 * time.Minute,
	}
}

// Guard wraps a LockoutStore with the sign-in policy.
type Guard struct {
	store  LockoutStore
	config Config
}

func New(store LockoutStore, config Config) *Guard {
	return &Guard{store: store, config: config}
}

// Check fails with ErrLocked while the identifier is locked out. Store
// errors fail closed.
func (g *Guard) Check(ctx context.Context, identifier string) error {
	locked, _, err := g.store.IsLocked(ctx, identifier)
	if err != nil {
		return err
	}
	if locked {
		return ErrLocked
	}
	return nil
}

// RecordFailure counts a failed attempt and locks the identifier once the
// threshold is reached.
func (g *Guard) RecordFailure(ctx context.Context, identifier string) error {
	count, err := g.store.RecordFailure(ctx, identifier, g.config.FailureWindow)
	if err != nil {
		return err
	}
	if count >= g.config.MaxFailures {
		return g.store.Lock(ctx, identifier, g.config.LockoutDuration)
	}
	return nil
}

// RecordSuccess clears the failure history after a successful sign-in.
func (g *Guard) RecordSuccess(ctx context.Context, identifier string) error {
	return g.store.ClearFailures(ctx, identifier)
}

// ---- Memory implementation ----

type memRecord struct {
	failures    int
	failExp     time.Time
	lockedUntil time.Time
}

// MemoryLockoutStore is a single-process LockoutStore for development and
// tests. Deployments with more than one instance use the Redis store.
type MemoryLockoutStore struct {
	mu    sync.Mutex
	items map[string]*memRecord
}

func NewMemoryLockoutStore() *MemoryLockoutStore {
	return &MemoryLockoutStore{items: make(map[string]*memRecord)}
}

func (s *MemoryLockoutStore) getRecord(id string) *memRecord {
	if r, ok := s.items[id]; ok {
		return r
	}
	r := &memRecord{}
	s.items[id] = r
	return r
}

func (s *MemoryLockoutStore) RecordFailure(ctx context.Context, identifier string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.getRecord(identifier)
	now := time.Now()
	if now.After(r.failExp) {
		r.failures = 0
	}
	r.failures++
	r.failExp = now.Add(ttl)
	return r.failures, nil
}

func (s *MemoryLockoutStore) ClearFailures(ctx context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, identifier)
	return nil
}

func (s *MemoryLockoutStore) Lock(ctx context.Context, identifier string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getRecord(identifier).lockedUntil = time.Now().Add(duration)
	return nil
}

func (s *MemoryLockoutStore) IsLocked(ctx context.Context, identifier string) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.items[identifier]; ok {
		if time.Now().Before(r.lockedUntil) {
			return true, r.lockedUntil, nil
		}
	}
	return false, time.Time{}, nil
}

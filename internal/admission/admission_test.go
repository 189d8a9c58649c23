package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/store"
)

type fakeStore struct {
	mu         sync.Mutex
	outcomes   []store.LockOutcome
	acquireErr error
	acquires   int
	touches    int
	releases   []string
}

func (f *fakeStore) TryAcquireLock(ctx context.Context, sessionID, userID string, maxActive int, ttl time.Duration) (store.LockOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquireErr != nil {
		return store.LockGlobalBusy, f.acquireErr
	}
	i := f.acquires - 1
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	return f.outcomes[i], nil
}

func (f *fakeStore) TouchLock(ctx context.Context, sessionID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	return nil
}

func (f *fakeStore) ReleaseLock(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, sessionID)
	return nil
}

func (f *fakeStore) counts() (acquires, touches, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.touches, len(f.releases)
}

func TestAcquireImmediateAndIdempotentRelease(t *testing.T) {
	db := &fakeStore{outcomes: []store.LockOutcome{store.LockAcquired}}
	c := New(Config{}, db, nil, nil)

	release, err := c.Acquire(context.Background(), "s1", "u1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if release == nil {
		t.Fatalf("Acquire() returned nil release")
	}

	release()
	release()

	acquires, _, releases := db.counts()
	if acquires != 1 {
		t.Errorf("acquire attempts = %d, want 1", acquires)
	}
	if releases != 1 {
		t.Errorf("ReleaseLock calls = %d, want exactly 1", releases)
	}
}

func TestAcquireUserBusyFailsFast(t *testing.T) {
	db := &fakeStore{outcomes: []store.LockOutcome{store.LockUserBusy}}
	c := New(Config{PollInterval: time.Millisecond}, db, nil, nil)

	start := time.Now()
	_, err := c.Acquire(context.Background(), "s1", "u1")
	if !errors.Is(err, ErrUserBusy) {
		t.Fatalf("Acquire() error = %v, want ErrUserBusy", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("user_busy took %v, want immediate failure", elapsed)
	}

	acquires, _, _ := db.counts()
	if acquires != 1 {
		t.Fatalf("acquire attempts = %d, want 1 (no polling on user_busy)", acquires)
	}
}

func TestAcquirePollsThroughGlobalBusy(t *testing.T) {
	db := &fakeStore{outcomes: []store.LockOutcome{
		store.LockGlobalBusy,
		store.LockGlobalBusy,
		store.LockAcquired,
	}}
	c := New(Config{PollInterval: 5 * time.Millisecond}, db, nil, nil)

	release, err := c.Acquire(context.Background(), "s1", "u1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	acquires, _, _ := db.counts()
	if acquires != 3 {
		t.Fatalf("acquire attempts = %d, want 3", acquires)
	}
}

func TestAcquireStopsWhenContextEnds(t *testing.T) {
	db := &fakeStore{outcomes: []store.LockOutcome{store.LockGlobalBusy}}
	c := New(Config{PollInterval: 5 * time.Millisecond}, db, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Acquire(ctx, "s1", "u1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestAcquirePropagatesStoreErrors(t *testing.T) {
	dbErr := errors.New("db offline")
	db := &fakeStore{acquireErr: dbErr}
	c := New(Config{}, db, nil, nil)

	_, err := c.Acquire(context.Background(), "s1", "u1")
	if !errors.Is(err, dbErr) {
		t.Fatalf("Acquire() error = %v, want wrapped store error", err)
	}
}

func TestHeartbeatTouchesUntilRelease(t *testing.T) {
	db := &fakeStore{outcomes: []store.LockOutcome{store.LockAcquired}}
	c := New(Config{Heartbeat: 10 * time.Millisecond}, db, nil, nil)

	release, err := c.Acquire(context.Background(), "s1", "u1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	release()

	_, touches, _ := db.counts()
	if touches < 2 {
		t.Fatalf("heartbeat touches = %d, want at least 2", touches)
	}

	// No further touches once released.
	time.Sleep(40 * time.Millisecond)
	_, after, _ := db.counts()
	if after != touches {
		t.Fatalf("touches after release = %d, want %d (heartbeat stopped)", after, touches)
	}
}

package store

import (
	"context"
	"fmt"
	"time"
)

// LockOutcome is the result of one admission attempt.
type LockOutcome int

const (
	// LockAcquired means the session now holds its user's slot.
	LockAcquired LockOutcome = iota
	// LockUserBusy means the same user already runs another live session.
	LockUserBusy
	// LockGlobalBusy means the process-wide active session cap is reached.
	LockGlobalBusy
)

func (o LockOutcome) String() string {
	switch o {
	case LockAcquired:
		return "acquired"
	case LockUserBusy:
		return "user_busy"
	case LockGlobalBusy:
		return "global_busy"
	default:
		return fmt.Sprintf("LockOutcome(%d)", int(o))
	}
}

// TryAcquireLock attempts to claim the user's single session slot while
// honoring the global active session cap. Expired leases are purged first so
// crashed holders release their slots after the TTL. The whole check runs in
// one serializable transaction so two processes cannot both admit.
func (s *Store) TryAcquireLock(ctx context.Context, sessionID, userID string, maxActive int, ttl time.Duration) (LockOutcome, error) {
	start := time.Now()
	outcome, err := s.tryAcquireLock(ctx, sessionID, userID, maxActive, ttl)
	s.observe("upsert", "session_locks", start, err)
	return outcome, err
}

func (s *Store) tryAcquireLock(ctx context.Context, sessionID, userID string, maxActive int, ttl time.Duration) (LockOutcome, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return LockGlobalBusy, err
	}
	defer rollback()

	now := nowUnix()
	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM session_locks WHERE expires_at < ?`), now); err != nil {
		return LockGlobalBusy, fmt.Errorf("purge expired locks: %w", err)
	}

	var userHeld int
	if err := tx.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM session_locks WHERE user_id = ?`), userID,
	).Scan(&userHeld); err != nil {
		return LockGlobalBusy, fmt.Errorf("count user locks: %w", err)
	}
	if userHeld > 0 {
		if err := tx.Commit(); err != nil {
			return LockGlobalBusy, fmt.Errorf("commit lock check: %w", err)
		}
		return LockUserBusy, nil
	}

	if maxActive > 0 {
		var total int
		if err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT COUNT(*) FROM session_locks`),
		).Scan(&total); err != nil {
			return LockGlobalBusy, fmt.Errorf("count locks: %w", err)
		}
		if total >= maxActive {
			if err := tx.Commit(); err != nil {
				return LockGlobalBusy, fmt.Errorf("commit lock check: %w", err)
			}
			return LockGlobalBusy, nil
		}
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO session_locks (session_id, user_id, created_time, updated_time, expires_at)
			VALUES (?, ?, ?, ?, ?)`),
		sessionID, userID, now, now, now+ttl.Seconds()); err != nil {
		// A concurrent acquirer won the insert race; report busy so the
		// caller keeps polling and reclassifies on the next attempt.
		return LockGlobalBusy, nil
	}
	if err := tx.Commit(); err != nil {
		return LockGlobalBusy, fmt.Errorf("commit lock acquire: %w", err)
	}
	return LockAcquired, nil
}

// TouchLock extends the lease for a held lock. Used by the heartbeat loop.
func (s *Store) TouchLock(ctx context.Context, sessionID string, ttl time.Duration) error {
	start := time.Now()
	now := nowUnix()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE session_locks SET updated_time = ?, expires_at = ? WHERE session_id = ?`),
		now, now+ttl.Seconds(), sessionID)
	s.observe("update", "session_locks", start, err)
	if err != nil {
		return fmt.Errorf("touch lock %s: %w", sessionID, err)
	}
	return nil
}

// ReleaseLock drops the lease for one session. Releasing a missing lock is
// not an error.
func (s *Store) ReleaseLock(ctx context.Context, sessionID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM session_locks WHERE session_id = ?`), sessionID)
	s.observe("delete", "session_locks", start, err)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", sessionID, err)
	}
	return nil
}

// ReleaseUserLocks drops every lease held by one user.
func (s *Store) ReleaseUserLocks(ctx context.Context, userID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM session_locks WHERE user_id = ?`), userID)
	s.observe("delete", "session_locks", start, err)
	if err != nil {
		return fmt.Errorf("release user locks %s: %w", userID, err)
	}
	return nil
}

// ActiveLockCount reports how many unexpired leases are currently held.
func (s *Store) ActiveLockCount(ctx context.Context) (int, error) {
	start := time.Now()
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM session_locks WHERE expires_at >= ?`), nowUnix(),
	).Scan(&n)
	s.observe("select", "session_locks", start, err)
	if err != nil {
		return 0, fmt.Errorf("count active locks: %w", err)
	}
	return n, nil
}

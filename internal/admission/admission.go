// Package admission enforces the two-level session cap: at most one live
// session per user and a global ceiling on concurrent sessions. Both are
// coordinated across processes through the storage gateway's lock table,
// whose serializable acquire transaction is the single serialization point.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/store"
)

const (
	// LockTTL is the lease each admitted session holds. It stays well above
	// twice the heartbeat period so a single missed touch cannot expire a
	// live lease.
	LockTTL = 120 * time.Second

	// HeartbeatPeriod is how often a holder extends its lease.
	HeartbeatPeriod = 5 * time.Second

	// PollInterval is the wait between acquire attempts while the global
	// cap is exhausted.
	PollInterval = 200 * time.Millisecond

	// releaseTimeout bounds the best-effort lease drop on release. A failed
	// delete is tolerable: the lease expires on its own after the TTL.
	releaseTimeout = 2 * time.Second
)

// ErrUserBusy reports that the user already runs another live session.
// Callers map it to the USER_BUSY rejection; it is never retried here
// because polling cannot fix it.
var ErrUserBusy = errors.New("user already has an active session")

// Store is the slice of the storage gateway the controller needs.
type Store interface {
	TryAcquireLock(ctx context.Context, sessionID, userID string, maxActive int, ttl time.Duration) (store.LockOutcome, error)
	TouchLock(ctx context.Context, sessionID string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, sessionID string) error
}

// Config tunes the admission controller. Zero values take the package
// defaults; MaxActive <= 0 disables the global cap.
type Config struct {
	MaxActive    int
	TTL          time.Duration
	Heartbeat    time.Duration
	PollInterval time.Duration
}

// Controller admits sessions against the shared lock table.
type Controller struct {
	db      Store
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a controller over the shared lock table.
func New(cfg Config, db Store, logger *observability.Logger, metrics *observability.Metrics) *Controller {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	if cfg.TTL <= 0 {
		cfg.TTL = LockTTL
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = HeartbeatPeriod
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = PollInterval
	}
	return &Controller{db: db, cfg: cfg, logger: logger, metrics: metrics}
}

// Acquire claims the user's session slot. A user that already holds a slot
// fails immediately with ErrUserBusy; an exhausted global cap is transient,
// so Acquire keeps polling until a slot frees or ctx ends. On success it
// starts the lease heartbeat and returns the release func, which is
// idempotent and must run on every exit path.
func (c *Controller) Acquire(ctx context.Context, sessionID, userID string) (func(), error) {
	start := time.Now()
	waiting := false
	defer func() {
		if waiting {
			c.metrics.AdmissionWaitEnded(time.Since(start).Seconds())
		}
	}()

	for {
		outcome, err := c.db.TryAcquireLock(ctx, sessionID, userID, c.cfg.MaxActive, c.cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		switch outcome {
		case store.LockAcquired:
			if waiting {
				c.logger.Info(ctx, "admission slot acquired after wait",
					"session_id", sessionID, "waited", time.Since(start).String())
			}
			return c.startHeartbeat(sessionID), nil
		case store.LockUserBusy:
			return nil, ErrUserBusy
		}

		if !waiting {
			waiting = true
			c.metrics.AdmissionWaitStarted()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// startHeartbeat keeps the lease alive until the returned release func runs.
func (c *Controller) startHeartbeat(sessionID string) func() {
	hbCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.db.TouchLock(hbCtx, sessionID, c.cfg.TTL); err != nil && hbCtx.Err() == nil {
					c.logger.Warn(hbCtx, "lock heartbeat failed", "session_id", sessionID, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done

			ctx, cancelRelease := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancelRelease()
			if err := c.db.ReleaseLock(ctx, sessionID); err != nil {
				c.logger.Warn(ctx, "lock release failed, lease will expire via TTL",
					"session_id", sessionID, "error", err)
			}
		})
	}
}

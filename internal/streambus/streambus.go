// Package streambus carries ordered per-session event streams from the
// engine to SSE subscribers. Each stream owns a bounded in-memory queue;
// when the queue is full the producer spills events to the storage
// gateway's overflow table instead of blocking, and the consumer weaves
// spilled rows back into the delivery order by event ID.
package streambus

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

const (
	// QueueSize is the per-stream in-memory buffer. The producer never
	// blocks on it: overflow goes to storage.
	QueueSize = 256

	// FetchLimit caps one overflow batch during replay.
	FetchLimit = 200

	// PollInterval is how long the consumer waits on an idle queue before
	// scanning the overflow table.
	PollInterval = 200 * time.Millisecond

	// EventTTL is how long spilled events stay replayable.
	EventTTL = 3600 * time.Second

	// sweepEvery throttles the overflow garbage collection that spills
	// trigger. At most one sweep per interval across the process.
	sweepEvery = time.Minute
)

// Store is the slice of the storage gateway the bus needs.
type Store interface {
	InsertStreamEvent(ctx context.Context, userID string, ev *models.Event) error
	StreamEventsAfter(ctx context.Context, sessionID string, after uint64, limit int) ([]*models.Event, error)
	SweepStreamEvents(ctx context.Context, cutoff float64) (int64, error)
	PurgeStreamEventsBySession(ctx context.Context, sessionID string) error
}

// Config tunes stream buffering and replay. Zero values take the package
// defaults.
type Config struct {
	QueueSize    int
	FetchLimit   int
	PollInterval time.Duration
	EventTTL     time.Duration
}

// Bus creates per-request streams that share one overflow store.
type Bus struct {
	cfg     Config
	db      Store
	logger  *observability.Logger
	metrics *observability.Metrics

	gcMu   sync.Mutex
	lastGC time.Time
}

// New creates a bus over the shared overflow store.
func New(cfg Config, db Store, logger *observability.Logger, metrics *observability.Metrics) *Bus {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = QueueSize
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = FetchLimit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = PollInterval
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = EventTTL
	}
	return &Bus{cfg: cfg, db: db, logger: logger, metrics: metrics}
}

// Stream is one session's event pipe. Publish and Finish belong to the
// producing goroutine; Consume may run concurrently on another.
type Stream struct {
	bus       *Bus
	sessionID string
	userID    string
	queue     chan *models.Event
	finished  atomic.Bool
	closeOnce sync.Once
}

// Open creates the stream for one request. Stale overflow rows from an
// earlier run of the same session are purged first because event IDs
// restart at one per stream.
func (b *Bus) Open(ctx context.Context, sessionID, userID string) *Stream {
	if b.db != nil {
		if err := b.db.PurgeStreamEventsBySession(ctx, sessionID); err != nil {
			b.logger.Warn(ctx, "purge stale stream events failed", "session_id", sessionID, "error", err)
		}
	}
	return &Stream{
		bus:       b,
		sessionID: sessionID,
		userID:    userID,
		queue:     make(chan *models.Event, b.cfg.QueueSize),
	}
}

// Publish enqueues one event without ever blocking the producer. A full
// queue spills the event to the overflow table, where the consumer picks it
// up by ID. Publish must not be called after Finish.
func (s *Stream) Publish(ctx context.Context, ev *models.Event) {
	if s.finished.Load() {
		return
	}
	select {
	case s.queue <- ev:
		return
	default:
	}

	if s.bus.db == nil {
		return
	}
	if err := s.bus.db.InsertStreamEvent(ctx, s.userID, ev); err != nil {
		s.bus.logger.Warn(ctx, "stream overflow spill failed",
			"session_id", s.sessionID, "event_id", ev.ID, "error", err)
		return
	}
	s.bus.metrics.RecordStreamOverflow()
	s.bus.maybeSweep(ctx)
}

// Finish marks the producing side done. The consumer drains the queue and
// the overflow table once more, then its channel closes.
func (s *Stream) Finish() {
	s.finished.Store(true)
	s.closeOnce.Do(func() { close(s.queue) })
}

// Consume returns the ordered event feed. Delivery is strictly ascending by
// event ID with overflow rows interleaved where they belong. The channel
// closes after the producer finishes and the final drain completes, or when
// ctx ends.
func (s *Stream) Consume(ctx context.Context) <-chan *models.Event {
	out := make(chan *models.Event)
	go func() {
		defer close(out)
		var lastID uint64
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.queue:
				if !ok {
					s.drainOverflow(ctx, out, &lastID)
					return
				}
				if !s.deliver(ctx, out, &lastID, ev) {
					return
				}
			case <-time.After(s.bus.cfg.PollInterval):
				// Spills interleave below queued events only while the
				// queue holds something, so scanning an idle queue's
				// overflow keeps ascending order intact.
				if len(s.queue) > 0 {
					continue
				}
				if !s.drainBatch(ctx, out, &lastID) {
					return
				}
			}
		}
	}()
	return out
}

// deliver yields a queued event, first backfilling any spilled IDs between
// the last delivered event and this one.
func (s *Stream) deliver(ctx context.Context, out chan<- *models.Event, lastID *uint64, ev *models.Event) bool {
	if ev.ID != 0 && ev.ID <= *lastID {
		// Already delivered through an overflow drain.
		return true
	}
	if ev.ID > *lastID+1 {
		if !s.fillGap(ctx, out, lastID, ev.ID) {
			return false
		}
	}
	if !send(ctx, out, ev) {
		return false
	}
	if ev.ID > *lastID {
		*lastID = ev.ID
	}
	return true
}

// fillGap replays spilled rows with IDs in (lastID, upTo) before the queued
// event that revealed the gap.
func (s *Stream) fillGap(ctx context.Context, out chan<- *models.Event, lastID *uint64, upTo uint64) bool {
	if s.bus.db == nil {
		return true
	}
	for *lastID+1 < upTo {
		rows, err := s.bus.db.StreamEventsAfter(ctx, s.sessionID, *lastID, s.bus.cfg.FetchLimit)
		if err != nil {
			s.bus.logger.Warn(ctx, "stream gap fill failed", "session_id", s.sessionID, "error", err)
			return true
		}
		progressed := false
		for _, row := range rows {
			if row.ID >= upTo {
				return true
			}
			if !send(ctx, out, row) {
				return false
			}
			*lastID = row.ID
			progressed = true
		}
		if !progressed {
			return true
		}
	}
	return true
}

// drainBatch replays one batch of spilled rows past lastID.
func (s *Stream) drainBatch(ctx context.Context, out chan<- *models.Event, lastID *uint64) bool {
	if s.bus.db == nil {
		return true
	}
	rows, err := s.bus.db.StreamEventsAfter(ctx, s.sessionID, *lastID, s.bus.cfg.FetchLimit)
	if err != nil {
		s.bus.logger.Warn(ctx, "stream overflow poll failed", "session_id", s.sessionID, "error", err)
		return true
	}
	for _, row := range rows {
		if !send(ctx, out, row) {
			return false
		}
		*lastID = row.ID
	}
	return true
}

// drainOverflow replays every remaining spilled row. Runs once after the
// producer finished, when no further spills can appear.
func (s *Stream) drainOverflow(ctx context.Context, out chan<- *models.Event, lastID *uint64) {
	if s.bus.db == nil {
		return
	}
	for {
		rows, err := s.bus.db.StreamEventsAfter(ctx, s.sessionID, *lastID, s.bus.cfg.FetchLimit)
		if err != nil {
			s.bus.logger.Warn(ctx, "stream final drain failed", "session_id", s.sessionID, "error", err)
			return
		}
		for _, row := range rows {
			if !send(ctx, out, row) {
				return
			}
			*lastID = row.ID
		}
		if len(rows) < s.bus.cfg.FetchLimit {
			return
		}
	}
}

// maybeSweep garbage-collects expired overflow rows, at most once per
// sweepEvery across the process.
func (b *Bus) maybeSweep(ctx context.Context) {
	b.gcMu.Lock()
	if time.Since(b.lastGC) < sweepEvery {
		b.gcMu.Unlock()
		return
	}
	b.lastGC = time.Now()
	b.gcMu.Unlock()

	cutoff := float64(time.Now().Add(-b.cfg.EventTTL).UnixNano()) / float64(time.Second)
	if n, err := b.db.SweepStreamEvents(ctx, cutoff); err != nil {
		b.logger.Warn(ctx, "stream overflow sweep failed", "error", err)
	} else if n > 0 {
		b.logger.Debug(ctx, "swept expired stream events", "rows", n)
	}
}

func send(ctx context.Context, out chan<- *models.Event, ev *models.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

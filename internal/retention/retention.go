// Package retention runs the scheduled background sweeps: aging rows per
// workspace.retention_days, stream overflow GC and monitor record pruning.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
)

const (
	// DefaultSweepCron runs the retention sweep nightly at 03:00.
	DefaultSweepCron = "0 3 * * *"

	// DefaultStreamSweepEvery paces the volatile sweeps (stream overflow
	// rows and aged monitor records).
	DefaultStreamSweepEvery = "@every 10m"

	// DefaultStreamEventTTL matches the replay window of the stream bus.
	DefaultStreamEventTTL = 3600 * time.Second

	// DefaultMonitorMaxAge keeps terminal session records visible on the
	// dashboard for a day before pruning.
	DefaultMonitorMaxAge = 24 * time.Hour
)

// Store is the slice of the storage gateway the sweeps need.
type Store interface {
	SweepRetention(ctx context.Context, retentionDays int) (map[string]int64, error)
	SweepStreamEvents(ctx context.Context, cutoff float64) (int64, error)
}

// MonitorPruner drops aged terminal session records.
type MonitorPruner interface {
	Sweep(ctx context.Context, maxAge time.Duration) int
}

// Config tunes the sweep schedule. Zero values take the package defaults;
// RetentionDays <= 0 disables the retention sweep but not the volatile GC.
type Config struct {
	RetentionDays    int
	SweepCron        string
	StreamSweepEvery string
	StreamEventTTL   time.Duration
	MonitorMaxAge    time.Duration
}

// Runner owns the cron schedule for all background sweeps.
type Runner struct {
	cfg     Config
	db      Store
	monitor MonitorPruner
	logger  *observability.Logger

	cron *cron.Cron
}

// New creates a runner. monitor may be nil, which skips record pruning.
func New(cfg Config, db Store, monitor MonitorPruner, logger *observability.Logger) *Runner {
	if cfg.SweepCron == "" {
		cfg.SweepCron = DefaultSweepCron
	}
	if cfg.StreamSweepEvery == "" {
		cfg.StreamSweepEvery = DefaultStreamSweepEvery
	}
	if cfg.StreamEventTTL <= 0 {
		cfg.StreamEventTTL = DefaultStreamEventTTL
	}
	if cfg.MonitorMaxAge <= 0 {
		cfg.MonitorMaxAge = DefaultMonitorMaxAge
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Runner{
		cfg:     cfg,
		db:      db,
		monitor: monitor,
		logger:  logger.WithFields("component", "retention"),
	}
}

// Start registers the schedules and begins running them in the background.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New()

	if r.cfg.RetentionDays > 0 {
		if _, err := c.AddFunc(r.cfg.SweepCron, func() { r.SweepAging(ctx) }); err != nil {
			return fmt.Errorf("retention schedule %q: %w", r.cfg.SweepCron, err)
		}
	}
	if _, err := c.AddFunc(r.cfg.StreamSweepEvery, func() { r.SweepVolatile(ctx) }); err != nil {
		return fmt.Errorf("stream gc schedule %q: %w", r.cfg.StreamSweepEvery, err)
	}

	c.Start()
	r.cron = c
	r.logger.Info(ctx, "retention schedules started",
		"sweep_cron", r.cfg.SweepCron,
		"stream_sweep_every", r.cfg.StreamSweepEvery,
		"retention_days", r.cfg.RetentionDays)
	return nil
}

// Stop halts the schedule and waits for any running sweep to finish.
func (r *Runner) Stop() {
	if r == nil || r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
}

// SweepAging applies the retention_days policy across the aging tables.
// Exposed for the serve command's --sweep-now flag and for tests.
func (r *Runner) SweepAging(ctx context.Context) {
	if r.cfg.RetentionDays <= 0 {
		return
	}
	start := time.Now()
	counts, err := r.db.SweepRetention(ctx, r.cfg.RetentionDays)
	if err != nil {
		r.logger.Error(ctx, "retention sweep failed", "error", err)
		return
	}
	total := int64(0)
	for _, n := range counts {
		total += n
	}
	r.logger.Info(ctx, "retention sweep done",
		"retention_days", r.cfg.RetentionDays,
		"rows", total,
		"tables", counts,
		"elapsed_s", time.Since(start).Seconds())
}

// SweepVolatile clears expired stream overflow rows and aged monitor
// records.
func (r *Runner) SweepVolatile(ctx context.Context) {
	cutoff := float64(time.Now().Add(-r.cfg.StreamEventTTL).UnixNano()) / float64(time.Second)
	if n, err := r.db.SweepStreamEvents(ctx, cutoff); err != nil {
		r.logger.Warn(ctx, "stream event sweep failed", "error", err)
	} else if n > 0 {
		r.logger.Debug(ctx, "swept expired stream events", "rows", n)
	}

	if r.monitor != nil {
		r.monitor.Sweep(ctx, r.cfg.MonitorMaxAge)
	}
}

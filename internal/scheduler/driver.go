// Package scheduler drives the periodic lifecycle run: open what is due,
// close what is due (with cascades), then work the synthesis queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"unieval/internal/loop"

	"go.uber.org/zap"
)

type lifecycle interface {
	OpenDue(ctx context.Context, now time.Time) ([]int64, error)
	CloseDue(ctx context.Context, now time.Time, window time.Duration) ([]int64, error)
	ProcessSynthesisRequests(ctx context.Context) ([]int64, error)
}

// Recorder receives the outcome of each run, e.g. for metrics.
type Recorder interface {
	ObserveRun(r Report)
}

type Config struct {
	Interval       time.Duration
	RunTimeout     time.Duration
	FollowupWindow time.Duration
}

// Report is what one run changed. Closed holds the closed instance ids
// followed by any successors the cascade created.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Opened    []int64       `json:"opened"`
	Closed    []int64       `json:"closed"`
	Syntheses []int64       `json:"syntheses"`
	Errors    []string      `json:"errors,omitempty"`
}

func (r Report) Failed() bool { return len(r.Errors) > 0 }

type Driver struct {
	engine   lifecycle
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	recorder Recorder
}

func NewDriver(engine lifecycle, cfg Config, now func() time.Time, logger *zap.Logger, recorder Recorder) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = cfg.Interval
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{engine: engine, cfg: cfg, now: now, logger: logger, recorder: recorder}
}

// RunOnce performs a single pass. Every step runs even when an earlier one
// failed; failures are logged and listed in the report, and a panic inside a
// step is recovered as a failure of that step.
func (d *Driver) RunOnce(ctx context.Context) Report {
	now := d.now().UTC()
	rep := Report{StartedAt: now}

	rep.Opened = d.step(ctx, &rep, "open_due", func(ctx context.Context) ([]int64, error) {
		return d.engine.OpenDue(ctx, now)
	})
	rep.Closed = d.step(ctx, &rep, "close_due", func(ctx context.Context) ([]int64, error) {
		return d.engine.CloseDue(ctx, now, d.cfg.FollowupWindow)
	})
	rep.Syntheses = d.step(ctx, &rep, "synthesis_requests", d.engine.ProcessSynthesisRequests)
	rep.Duration = d.now().Sub(now)

	d.logger.Info("scheduler run finished",
		zap.Int("opened", len(rep.Opened)),
		zap.Int("closed", len(rep.Closed)),
		zap.Int("syntheses", len(rep.Syntheses)),
		zap.Int("errors", len(rep.Errors)),
		zap.Duration("duration", rep.Duration),
	)
	if d.recorder != nil {
		d.recorder.ObserveRun(rep)
	}
	return rep
}

func (d *Driver) step(ctx context.Context, rep *Report, name string, fn func(context.Context) ([]int64, error)) (ids []int64) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s panicked: %v", name, r)
			d.logger.Error("scheduler step panicked", zap.String("step", name), zap.Any("panic", r))
			rep.Errors = append(rep.Errors, err.Error())
			ids = nil
		}
	}()

	ids, err := fn(ctx)
	if err != nil {
		d.logger.Error("scheduler step failed", zap.String("step", name), zap.Error(err))
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", name, err))
	}
	return ids
}

// Run repeats RunOnce every Interval until ctx is done. Each pass gets its
// own RunTimeout deadline. It returns nil on a clean shutdown.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("scheduler started",
		zap.Duration("interval", d.cfg.Interval),
		zap.Duration("run_timeout", d.cfg.RunTimeout),
	)
	_, err := loop.Start(ctx, 0, func(ctx context.Context, runs int) (int, loop.Next) {
		d.RunOnce(ctx)
		return runs + 1, loop.Continue(d.cfg.Interval)
	}, loop.WithTimeout(d.cfg.RunTimeout))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		d.logger.Info("scheduler stopped")
		return nil
	}
	return err
}

// Package loop runs a task repeatedly until it breaks or its context ends.
package loop

import (
	"context"
	"fmt"
	"time"
)

// Next tells Start what to do after a task returns. The zero value means
// run again immediately.
type Next struct {
	err      error
	quit     bool
	interval time.Duration
}

func (n Next) String() string {
	if n.err != nil {
		return fmt.Sprintf("[break] with error: %v", n.err)
	}
	if n.quit {
		return "[break] without error"
	}
	return fmt.Sprintf("[continue] interval: %s", n.interval)
}

// Continue runs the task again after interval.
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break stops the loop. A nil err stops it cleanly.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task receives the value its previous run returned.
type Task[T any] func(context.Context, T) (T, Next)

type loopConfig struct {
	ctx      context.Context
	deferred func()
}

type Option func(*loopConfig) *loopConfig

// WithTimeout bounds each task run with its own deadline.
func WithTimeout(d time.Duration) Option {
	return func(lc *loopConfig) *loopConfig {
		ctx, cancel := context.WithTimeout(lc.ctx, d)
		return &loopConfig{
			ctx: ctx,
			deferred: func() {
				if lc.deferred != nil {
					defer lc.deferred()
				}
				cancel()
			},
		}
	}
}

// Start calls task with init, then with each value it returns, until the
// task breaks or ctx is done. The last value is returned either way; the
// error is the one passed to Break, or ctx.Err().
func Start[T any](ctx context.Context, init T, task Task[T], options ...Option) (T, error) {
	select {
	case <-ctx.Done():
		return init, ctx.Err()
	default:
	}

	value := init
	for {
		lc := &loopConfig{ctx: ctx}
		for _, opt := range options {
			lc = opt(lc)
		}

		v, n := func() (T, Next) {
			if lc.deferred != nil {
				defer lc.deferred()
			}
			return task(lc.ctx, value)
		}()

		if n.err != nil {
			return v, n.err
		}
		if n.quit {
			return v, nil
		}
		value = v

		timer := time.NewTimer(n.interval)
		select {
		case <-ctx.Done():
			// shutdown wins over a timer that fired at the same moment
			if !timer.Stop() {
				<-timer.C
			}
			return value, ctx.Err()
		case <-timer.C:
		}
	}
}

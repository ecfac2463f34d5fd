// Package deadline bounds a single blocking call with a wall-clock watchdog.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/sqs-entity-resolution/errs"
)

// ErrAbandoned is returned when the watchdog fires before the call returns.
// It matches context.DeadlineExceeded under errors.Is.
var ErrAbandoned = fmt.Errorf("deadline: call abandoned: %w", context.DeadlineExceeded)

// Guard runs calls with a hard timeout. Guards hold no shared state and
// may be used concurrently and nested.
type Guard struct {
	timeout time.Duration
}

// New returns a Guard with the given timeout. A non-positive timeout disables the watchdog.
func New(timeout time.Duration) *Guard {
	return &Guard{timeout: timeout}
}

// Timeout reports the configured timeout.
func (g *Guard) Timeout() time.Duration {
	if g == nil {
		return 0
	}
	return g.timeout
}

// Run calls fn under the watchdog. See Call.
func (g *Guard) Run(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type outcome[T any] struct {
	value T
	err   error
}

// Call runs fn on its own goroutine. fn's context is cancelled when the
// timeout fires or ctx ends. On timeout Call returns ErrAbandoned without
// waiting for fn; fn's eventual result is discarded. A panic in fn is
// returned as an error.
func Call[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		var res outcome[T]
		if recovered := panics.Try(func() {
			res.value, res.err = fn(callCtx)
		}); recovered != nil {
			res = outcome[T]{err: fmt.Errorf("guarded call panicked: %w", recovered.AsError())}
		}
		done <- res
	}()

	var expired <-chan time.Time
	if timeout := g.Timeout(); timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-done:
		return res.value, res.err
	case <-expired:
		return zero, errs.New("deadline", errs.CodeDeadline,
			errs.WithCause(ErrAbandoned),
			errs.WithField("timeout", g.Timeout().String()))
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// IsAbandoned reports whether err came from a watchdog timeout.
func IsAbandoned(err error) bool {
	return errors.Is(err, ErrAbandoned)
}

// Package retry runs fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"genbatch/internal/clock"
	"genbatch/internal/model"
)

// Policy parameterizes one call site. Delay before retry n (0-based) is
// BaseDelay * 2^n.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Label      string

	Clock   clock.Clock
	Logger  *slog.Logger
	OnRetry func(label string, attempt int, delay time.Duration, err error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error,
// not the marker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || model.IsNonTransient(err)
}

// Delay returns the backoff before retry attempt n.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.BaseDelay << attempt
}

// Do calls fn until it succeeds, returns a non-transient error, or
// MaxRetries retries have failed. The last error is returned as-is.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if IsPermanent(err) {
			var pe *permanentError
			if errors.As(err, &pe) {
				return zero, pe.err
			}
			return zero, err
		}
		if attempt >= p.MaxRetries {
			return zero, err
		}

		delay := p.Delay(attempt)
		if p.Logger != nil {
			p.Logger.Warn("retrying after transient error",
				"op", p.Label,
				"attempt", attempt+1,
				"max_retries", p.MaxRetries,
				"delay", delay,
				"error", err,
			)
		}
		if p.OnRetry != nil {
			p.OnRetry(p.Label, attempt+1, delay, err)
		}
		if sleepErr := clk.Sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}
}

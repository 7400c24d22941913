// Package retry runs an operation until it succeeds, fails permanently or
// runs out of attempts, waiting between attempts on a schedule.
package retry

import (
	"context"
	"errors"
	"time"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Schedule returns the wait after the given failed attempt (1-based).
type Schedule func(attempt int) time.Duration

// Config configures retry behavior.
type Config struct {
	// MaxAttempts counts the first attempt. Values below 1 mean one attempt.
	MaxAttempts int
	// Delay is the wait schedule. Nil means no wait.
	Delay Schedule
	// Sleep waits between attempts. Default: Sleep.
	Sleep SleepFunc
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Result contains the outcome of a retry operation.
type Result struct {
	Attempts int
	// Err is the last error, nil on success.
	Err      error
	Duration time.Duration
}

// Do runs op until it succeeds. A permanent error, a done context or an
// interrupted wait ends the loop early.
func Do(ctx context.Context, config Config, op func() error) Result {
	start := time.Now()
	maxAttempts := max(config.MaxAttempts, 1)
	sleep := config.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var result Result
	finish := func(err error) Result {
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		result.Attempts = attempt
		err := op()
		if err == nil || IsPermanent(err) || attempt >= maxAttempts {
			return finish(err)
		}
		if config.OnRetry != nil {
			config.OnRetry(attempt, err)
		}
		var wait time.Duration
		if config.Delay != nil {
			wait = config.Delay(attempt)
		}
		if err := sleep(ctx, wait); err != nil {
			return finish(err)
		}
	}
}

// DoWithValue is Do for an operation that returns a value.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// Sleep waits for d unless ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops after it. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Fixed waits the same delay between every attempt.
func Fixed(maxAttempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts: maxAttempts,
		Delay:       func(int) time.Duration { return delay },
	}
}

// Linear waits step, 2*step, 3*step, ... after successive failures.
func Linear(maxAttempts int, step time.Duration) Config {
	return Config{
		MaxAttempts: maxAttempts,
		Delay:       func(attempt int) time.Duration { return time.Duration(attempt) * step },
	}
}

// WithSleep returns a copy of config that waits with sleep.
func (c Config) WithSleep(sleep SleepFunc) Config {
	c.Sleep = sleep
	return c
}

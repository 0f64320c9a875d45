// Package retry runs an operation with exponential backoff until it succeeds,
// exhausts its attempts, or the context is cancelled.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config bounds one retried operation.
type Config struct {
	// MaxAttempts includes the first try.
	MaxAttempts int
	// InitialDelay is the wait after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the growing delay.
	MaxDelay time.Duration
	// Factor multiplies the delay after each failure.
	Factor float64
	// Jitter randomizes each delay into [0.5x, 1.5x].
	Jitter bool
}

// Exponential is the usual policy for reconnecting to an external process.
func Exponential(maxAttempts int, initial, max time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Result reports how a retried operation ended.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Do runs op until it returns nil, returns a permanent error, or the attempt
// budget runs out. Context cancellation wins over the remaining budget.
func Do(ctx context.Context, cfg Config, op func() error) Result {
	start := time.Now()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2.0
	}

	res := Result{}
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}

		if err := op(); err == nil {
			res.Err = nil
			break
		} else {
			res.Err = err
			if IsPermanent(err) {
				break
			}
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := delay
		if cfg.Jitter {
			sleep = time.Duration(float64(delay) * (0.5 + rand.Float64())) // #nosec G404 -- jitter does not require cryptographic randomness
		}
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			res.Duration = time.Since(start)
			return res
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	res.Duration = time.Since(start)
	return res
}

// PermanentError marks a failure that more attempts cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

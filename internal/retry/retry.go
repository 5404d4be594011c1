// Package retry implements bounded, constant-delay polling for operations that
// become ready eventually (engine boot, gateway reachability).
package retry

import (
	"context"
	"errors"
	"time"
)

// Config bounds a polling loop.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
}

// Production defaults. Both stay well under two minutes.
var (
	EngineDefault  = Config{MaxAttempts: 30, Delay: 2 * time.Second}
	GatewayDefault = Config{MaxAttempts: 45, Delay: 2 * time.Second}
)

// Normalize clamps MaxAttempts to at least one and Delay to be non-negative.
func (c Config) Normalize() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	return c
}

// Ceiling is the worst-case time spent sleeping between attempts.
func (c Config) Ceiling() time.Duration {
	c = c.Normalize()
	return time.Duration(c.MaxAttempts-1) * c.Delay
}

// Do runs op until it succeeds or cfg.MaxAttempts attempts have been made,
// sleeping cfg.Delay between attempts. The last error is returned on
// exhaustion. Cancelling ctx aborts the wait and returns ctx.Err() joined
// with the last failure.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.Normalize()

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, cfg.Delay); err != nil {
			return zero, errors.Join(err, lastErr)
		}
	}
	return zero, lastErr
}

// Until is Do for operations that only report success or failure.
func Until(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
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

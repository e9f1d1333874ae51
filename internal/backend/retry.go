package backend

import (
	"context"
	"math"
	"time"
)

// retryConfig bounds the per-object retry loop used by the S3 bulk
// operations. S3 answers throttling with SlowDown errors, so copy loops
// over large prefixes back off instead of hammering.
type retryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

func defaultRetry() retryConfig {
	return retryConfig{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
	}
}

// retryDo executes fn with exponential backoff until it succeeds, the
// attempts are exhausted, or the context is done.
func retryDo(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt-1))
		if wait > float64(cfg.MaxWait) {
			wait = float64(cfg.MaxWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(wait)):
		}
	}
	return lastErr
}

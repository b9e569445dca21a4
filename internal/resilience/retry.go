package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/candorlab/candor/pkg/analyzer"
)

// RetryConfig tunes [Retry]. Zero fields take defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of calls, first try included.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry; it doubles per
	// attempt. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the per-retry delay. Default: 10s.
	MaxBackoff time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

// Retry runs fn up to cfg.MaxAttempts times, backing off exponentially with
// jitter between attempts. Only transient errors are retried; a terminal
// error or a cancelled context returns immediately. The returned error is the
// last attempt's error.
func Retry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, name string, fn func(context.Context) error) error {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	backoff := cfg.InitialBackoff
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !analyzer.IsTransient(err) || attempt == cfg.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("resilience: %s aborted after attempt %d: %w", name, attempt, ctx.Err())
		}

		// Full jitter keeps concurrent retries from synchronising.
		delay := time.Duration(rand.Int64N(int64(backoff)) + 1)
		logger.Warn("retrying after transient failure",
			"name", name,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("resilience: %s aborted after attempt %d: %w", name, attempt, ctx.Err())
		case <-time.After(delay):
		}

		backoff = min(backoff*2, cfg.MaxBackoff)
	}
	return err
}

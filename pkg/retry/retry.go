// Package retry schedules bounded retries with monotonically increasing
// backoff for failed remote writes and subscription re-establishment.
package retry

import (
	"context"
	"time"

	"dmsync/pkg/logger"
	"dmsync/pkg/remote"
	"dmsync/pkg/telemetry"
)

// Policy bounds a retry schedule. Delay grows linearly with the attempt
// number (base * attempt), capped at MaxDelay.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy mirrors the client defaults: 3 attempts, 2s base delay.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Delay returns the wait before the given 1-based attempt's successor.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := p.BaseDelay * time.Duration(attempt)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs op until it succeeds, a non-retryable error is returned, the
// attempt budget is exhausted, or ctx is done. The last error is surfaced
// to the caller; Do never silently swallows a terminal failure. Each call
// carries its own schedule, so concurrent retries for different rooms or
// messages do not interfere.
func Do(ctx context.Context, name string, p Policy, op func(context.Context) error) error {
	p = p.normalized()
	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op(ctx)
		if last == nil {
			if attempt > 1 {
				logger.Info("retry_succeeded", "op", name, "attempt", attempt)
			}
			return nil
		}
		if !remote.Retryable(last) {
			logger.Warn("retry_abandoned", "op", name, "attempt", attempt, "error", last)
			return last
		}
		if attempt == p.Attempts {
			break
		}
		telemetry.RetriesTotal.Inc()
		logger.Warn("retry_scheduled", "op", name, "attempt", attempt, "of", p.Attempts, "delay", p.Delay(attempt).String(), "error", last)
		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.Error("retry_exhausted", "op", name, "attempts", p.Attempts, "error", last)
	return last
}

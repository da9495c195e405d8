package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/suPer8Hu/ai-chat/internal/logger"
)

// Policy bounds a retried operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// TerminalWrites is the policy for store writes that decide a record's final state.
func TerminalWrites(attempts int) Policy {
	if attempts <= 0 {
		attempts = 3
	}
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	return b
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx ends. The last error is returned.
func Do(ctx context.Context, p Policy, log *logger.Logger, name string, op func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, op()
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			if log != nil {
				log.Warn("retrying operation", "op", name, "attempt", attempt, "max_attempts", attempts, "next_in", next, "error", err)
			}
		}),
	)
	return err
}

package controller

import (
	"context"
	"time"

	"github.com/resident-x/go-ec133/internal/config"
)

// RetryPolicy controls how often a failed register write is repeated.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts; 0 retries forever.
	MaxAttempts int

	// Delay is the wait after the first failure. It doubles after every
	// further failure up to MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration
}

// RetryPolicyFromConfig builds the write retry policy from the configuration.
func RetryPolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.EC133.WriteRetry.MaxAttempts,
		Delay:       time.Duration(cfg.EC133.WriteRetry.DelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.EC133.WriteRetry.MaxDelayMS) * time.Millisecond,
	}
}

// exhausted reports whether no attempt is left after the given one.
func (p RetryPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// next returns the wait following the given one.
func (p RetryPolicy) next(delay time.Duration) time.Duration {
	delay *= 2
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
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

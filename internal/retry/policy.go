// Package retry computes the pause between subtask attempts.
package retry

import (
	"context"
	"time"

	"git.home.luguber.info/inful/storybuilder/internal/config"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
)

// Policy is an immutable backoff schedule.
type Policy struct {
	Mode    config.RetryBackoffMode // fixed|linear|exponential
	Initial time.Duration
	Max     time.Duration
}

// DefaultPolicy returns linear backoff starting at 2s, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{Mode: config.RetryBackoffLinear, Initial: 2 * time.Second, Max: 30 * time.Second}
}

// NewPolicy builds a policy from raw fields; zero or unknown values fall back to defaults.
func NewPolicy(mode config.RetryBackoffMode, initial, maxDelay time.Duration) Policy {
	p := DefaultPolicy()
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	if m := config.NormalizeRetryBackoff(string(mode)); m != "" {
		p.Mode = m
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// FromConfig builds the policy described by the retry section.
func FromConfig(c config.RetryConfig) Policy {
	return NewPolicy(c.Mode, c.Initial, c.Max)
}

// Delay returns the pause before retry n (1-based: the first retry is 1).
func (p Policy) Delay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Mode {
	case config.RetryBackoffFixed:
		return p.Initial
	case config.RetryBackoffExponential:
		if retry > 30 {
			return p.Max
		}
		d = p.Initial * (1 << (retry - 1))
	default:
		d = time.Duration(retry) * p.Initial
	}
	if d > p.Max || d <= 0 {
		return p.Max
	}
	return d
}

// Wait blocks for Delay(retry) or until ctx is done.
func (p Policy) Wait(ctx context.Context, retry int) error {
	d := p.Delay(retry)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Validate reports a policy that cannot be applied.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return errors.ValidationError("retry initial delay must be > 0").Build()
	}
	if p.Max <= 0 {
		return errors.ValidationError("retry max delay must be > 0").Build()
	}
	return nil
}

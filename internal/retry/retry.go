// Package retry is the bounded retry policy shared by reconnection, message
// publishing and collaborator calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts bounds the number of tries. Zero disables retrying.
	MaxAttempts int
	// Jitter is the randomization factor applied to each interval (0 = none).
	Jitter float64
}

// Default is the policy used when none is configured.
func Default() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		MaxAttempts:     8,
		Jitter:          0.2,
	}
}

func (p Policy) normalized() Policy {
	d := Default()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// NewBackOff returns a fresh exponential backoff for the policy.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Attempts returns the normalized attempt bound (at least one try).
func (p Policy) Attempts() int {
	n := p.normalized().MaxAttempts
	if n < 1 {
		return 1
	}
	return n
}

// Do runs op until it succeeds, returns a Permanent error, the context ends
// or the policy's attempt bound is reached. The last error is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op(ctx)
	},
		backoff.WithBackOff(p.NewBackOff()),
		backoff.WithMaxTries(uint(p.Attempts())),
	)
	return err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

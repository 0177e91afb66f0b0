package stats

import (
	"context"
	"fmt"
	"time"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
)

// RetryPolicy defines retry behavior for statistics lookups.
type RetryPolicy struct {
	MaxRetries     int           `yaml:"max_retries"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		AttemptTimeout: 500 * time.Millisecond,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     400 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry attempt.
func (p RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * p.BackoffFactor)
		if backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// ShouldRetry reports whether err after retryCount retries warrants another
// attempt. Missing profiles are final.
func (p RetryPolicy) ShouldRetry(err error, retryCount int) bool {
	if err == nil || retryCount >= p.MaxRetries {
		return false
	}
	return !cierrors.IsNotFound(err)
}

// ResilientProvider bounds each lookup with a timeout and retries transient
// failures. Any failure it returns wraps errors.ErrExternalSignalUnavailable.
type ResilientProvider struct {
	next   Provider
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewResilientProvider wraps next with policy.
func NewResilientProvider(next Provider, policy RetryPolicy) *ResilientProvider {
	return &ResilientProvider{next: next, policy: policy, sleep: sleepCtx}
}

func (r *ResilientProvider) Profile(ctx context.Context, key identity.MappingKey) (*identity.StatisticalProfile, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		prof, err := r.attempt(ctx, key)
		if err == nil {
			return prof, nil
		}
		lastErr = err

		if ctx.Err() != nil || !r.policy.ShouldRetry(err, attempt) {
			break
		}
		if err := r.sleep(ctx, r.policy.CalculateBackoff(attempt)); err != nil {
			break
		}
	}
	return nil, fmt.Errorf("profile %s: %w: %w", key, cierrors.ErrExternalSignalUnavailable, lastErr)
}

func (r *ResilientProvider) attempt(ctx context.Context, key identity.MappingKey) (*identity.StatisticalProfile, error) {
	if r.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		defer cancel()
	}
	return r.next.Profile(ctx, key)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

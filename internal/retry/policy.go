// Package retry is the single retry policy applied at every outbound network
// call: SMS gateway, billing API and datastore bootstrap.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"smsup-service/internal/config"
)

// Policy describes bounded exponential backoff. MaxRetries counts retries after
// the first attempt, so MaxRetries=3 with BaseDelay=1s waits 1s, 2s and 4s.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   10 * time.Second,
	}
}

func FromConfig(cfg config.RetryConfig) Policy {
	p := Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		Multiplier: cfg.Multiplier,
		MaxDelay:   cfg.MaxDelay,
		Jitter:     cfg.Jitter,
	}
	return p.withDefaults()
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	p = p.withDefaults()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Multiplier
	eb.MaxInterval = p.MaxDelay
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxRetries)), ctx)
}

// Delays lists the waits the policy would apply, ignoring jitter.
func (p Policy) Delays() []time.Duration {
	p = p.withDefaults()
	out := make([]time.Duration, 0, p.MaxRetries)
	d := p.BaseDelay
	for i := 0; i < p.MaxRetries; i++ {
		out = append(out, d)
		d = time.Duration(float64(d) * p.Multiplier)
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return out
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was produced by Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Notify is called before each wait with the error that triggered the retry.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns a permanent error, the retry budget is
// spent or ctx is done. It returns the last error with the permanent wrapper removed.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	attempt := 0
	operation := func() error {
		attempt++
		return op(ctx)
	}
	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) { notify(attempt, err, wait) }
	}
	err := backoff.RetryNotify(operation, p.backOff(ctx), n)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

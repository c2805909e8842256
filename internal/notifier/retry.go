package notifier

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/rs/zerolog"
)

// Policy is a bounded exponential retry policy
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          zerolog.Logger
}

// hinted lets a RetryAfterError stretch the next wait
type hinted struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hinted) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if h.hint > d {
		d = h.hint
	}
	h.hint = 0
	return d
}

// Do runs op until it succeeds, returns an ErrRejected error, runs out of
// attempts or ctx is done
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0

	h := &hinted{BackOff: exp}
	b := backoff.WithContext(backoff.WithMaxRetries(h, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		var ra *RetryAfterError
		if errors.As(err, &ra) {
			h.hint = ra.After
		}
		return err
	}, b, func(err error, wait time.Duration) {
		p.Logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Notification delivery failed, retrying")
	})
}

// Retrying wraps a sink with a retry policy
type Retrying struct {
	sink   Sink
	policy Policy
}

// NewRetrying wraps sink with policy
func NewRetrying(sink Sink, policy Policy) *Retrying {
	return &Retrying{sink: sink, policy: policy}
}

// Send delivers n, retrying transient failures
func (r *Retrying) Send(ctx context.Context, n types.Notification) error {
	return r.policy.Do(ctx, func(ctx context.Context) error {
		return r.sink.Send(ctx, n)
	})
}

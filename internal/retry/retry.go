// Package retry wraps upstream calls with bounded exponential backoff and a
// circuit breaker.
//
// Every error is retried except permanent ones (see Permanent) and context
// cancellation. The breaker sees one outcome per Do call, not per attempt,
// and a call rejected by an open breaker backs off and asks again within its
// attempt budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"activitysync/internal/metrics"
)

// Config controls a Policy.
type Config struct {
	Attempts     int           `koanf:"attempts" validate:"min=1"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`

	// BreakerFailures is the number of consecutive failures that opens the
	// breaker. Zero disables the breaker.
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// Policy executes calls with retries. A Policy is safe for concurrent use.
type Policy struct {
	name   string
	cfg    Config
	cb     *gobreaker.TwoStepCircuitBreaker[any]
	logger zerolog.Logger
}

// New creates a Policy. The name labels metrics and log entries, and should
// identify the upstream API the policy guards.
func New(name string, cfg Config, logger zerolog.Logger) *Policy {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.MaxDelay > 0 && cfg.InitialDelay > cfg.MaxDelay {
		cfg.InitialDelay = cfg.MaxDelay
	}

	p := &Policy{
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("policy", name).Logger(),
	}

	if cfg.BreakerFailures > 0 {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
		p.cb = gobreaker.NewTwoStepCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			// Permanent errors are the caller's fault, not the upstream's.
			IsSuccessful: func(err error) bool {
				return err == nil || IsPermanent(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				p.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state transition")
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			},
		})
	}
	return p
}

// Do runs fn until it succeeds, returns a permanent error, or the attempts
// are exhausted. The last error is returned wrapped.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		err  error
		done func(error) // non-nil once the breaker admitted this call
	)
	finish := func(err error) error {
		if done != nil {
			done(err)
		}
		return err
	}
	delay := p.cfg.InitialDelay

	for attempt := 0; attempt < p.cfg.Attempts; attempt++ {
		if ctx.Err() != nil {
			return finish(ctx.Err())
		}

		if p.cb != nil && done == nil {
			done, err = p.cb.Allow()
			if err != nil {
				err = fmt.Errorf("%s: %w", p.name, err)
			}
		}
		if p.cb == nil || done != nil {
			err = fn(ctx)
			if err == nil || IsPermanent(err) {
				return finish(err)
			}
		}

		if attempt < p.cfg.Attempts-1 {
			metrics.RetryAttempts.WithLabelValues(p.name).Inc()
			p.logger.Warn().Err(err).Int("attempt", attempt+1).Int("max_attempts", p.cfg.Attempts).Dur("delay", delay).Msg("Retry attempt")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return finish(ctx.Err())
			}
			delay *= 2
			if p.cfg.MaxDelay > 0 && delay > p.cfg.MaxDelay {
				delay = p.cfg.MaxDelay
			}
		}
	}

	return finish(fmt.Errorf("max retry attempts reached: %w", err))
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (validation failures, 4xx
// responses). A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or is a context
// cancellation.
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

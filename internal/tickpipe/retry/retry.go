package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

type Class int

const (
	Retryable Class = iota
	Fatal
)

// Config is the env-facing half of a Policy.
type Config struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay   time.Duration `env:"BASE_DELAY" envDefault:"2s"`
	Multiplier  float64       `env:"MULTIPLIER" envDefault:"2"`
	MaxDelay    time.Duration `env:"MAX_DELAY" envDefault:"30s"`
	Jitter      time.Duration `env:"JITTER" envDefault:"0s"`
}

// Policy returns a Policy carrying c's values and no hooks.
func (c Config) Policy() Policy {
	return Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		Multiplier:  c.Multiplier,
		MaxDelay:    c.MaxDelay,
		Jitter:      c.Jitter,
	}
}

type Policy struct {
	MaxAttempts int           // total calls, first one included
	BaseDelay   time.Duration // wait after the first failure
	Multiplier  float64       // growth per attempt, 2 when unset
	MaxDelay    time.Duration
	Jitter      time.Duration

	// Classify decides whether an error is retryable.
	// If nil, errors wrapped by Stop are fatal and everything else retries.
	Classify func(error) Class

	// OnRetry is optional hook for logging/metrics.
	OnRetry func(attempt int, wait time.Duration, err error)
}

type stopError struct{ err error }

func (e stopError) Error() string { return e.err.Error() }
func (e stopError) Unwrap() error { return e.err }

// Stop marks err as not worth retrying under the default classifier.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stopError{err: err}
}

func defaultClassify(err error) Class {
	var s stopError
	if errors.As(err, &s) {
		return Fatal
	}
	return Retryable
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Classify == nil {
		p.Classify = defaultClassify
	}
	return p
}

// Backoff is the wait before attempt+1, without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	wait := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		wait *= p.Multiplier
		if wait >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(wait)
}

func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.Classify(err) == Fatal {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		if p.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(p.Jitter)))
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr == nil {
		lastErr = errors.New("retry: exhausted with no error (unexpected)")
	}
	return lastErr
}

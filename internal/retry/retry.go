// Package retry wraps provider calls with bounded retries, exponential backoff
// and mandatory jitter. Classification and delay computation are pure
// functions; the retry loop itself runs on retry-go.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	"github.com/jackzampolin/storybook/internal/clock"
)

// Class is the retry classification of an error.
type Class int

const (
	// Terminal errors are returned immediately.
	Terminal Class = iota
	// Retryable errors are retried after a jittered backoff.
	Retryable
	// Quota errors are retried without a local backoff; the rate limiter
	// owns the wait for quota resets.
	Quota
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Quota:
		return "quota"
	default:
		return "terminal"
	}
}

// Classified is implemented by errors that know their own retry class.
type Classified interface {
	RetryClass() Class
}

// ClassOf returns the class of the first Classified error in err's chain.
// Unclassified errors are Terminal.
func ClassOf(err error) Class {
	if err == nil {
		return Terminal
	}
	var c Classified
	if errors.As(err, &c) {
		return c.RetryClass()
	}
	return Terminal
}

// Default policy parameters.
const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Policy configures retries for one call site.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Classify maps an error to its class. Defaults to ClassOf.
	Classify func(error) Class
	// Clock drives backoff sleeps. Defaults to the wall clock.
	Clock clock.Clock
	// Rand returns a value in [0, 1) used for jitter. Defaults to math/rand/v2.
	Rand func() float64
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// withDefaults fills zero fields.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Classify == nil {
		p.Classify = ClassOf
	}
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Backoff returns min(max, base * 2^attempt) for a zero-based attempt.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d >= float64(max) || math.IsInf(d, 1) {
		return max
	}
	return time.Duration(d)
}

// Delay returns Backoff(attempt) plus jitter in [0, backoff/2).
// r must be in [0, 1).
func Delay(attempt int, base, max time.Duration, r float64) time.Duration {
	b := Backoff(attempt, base, max)
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = math.Nextafter(1, 0)
	}
	return b + time.Duration(r*float64(b)/2)
}

// State describes a finished retry loop.
type State struct {
	Attempts  int
	LastDelay time.Duration
	Class     Class
	// Exhausted is true when the loop stopped because MaxAttempts retryable
	// failures were observed.
	Exhausted bool
}

// Do calls fn until it succeeds, returns a Terminal error, the context is
// done, or MaxAttempts attempts have been made. The returned error is always
// the last error fn returned (or the context error), never a wrapper.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, State, error) {
	p = p.withDefaults()
	var st State
	var lastErr error
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, st, err
	}

	result, err := retrygo.DoWithData(
		func() (T, error) {
			st.Attempts++
			v, err := fn(ctx)
			lastErr = err
			if err != nil {
				st.Class = p.Classify(err)
			}
			return v, err
		},
		retrygo.Context(ctx),
		retrygo.Attempts(uint(p.MaxAttempts)),
		retrygo.LastErrorOnly(true),
		retrygo.WithTimer(p.Clock),
		retrygo.RetryIf(func(err error) bool {
			c := p.Classify(err)
			return c == Retryable || c == Quota
		}),
		// retry-go's own attempt index differs across releases, so the
		// backoff exponent comes from the local attempt counter.
		retrygo.DelayType(func(_ uint, err error, _ *retrygo.Config) time.Duration {
			st.LastDelay = 0
			if p.Classify(err) != Quota {
				st.LastDelay = Delay(st.Attempts-1, p.BaseDelay, p.MaxDelay, p.Rand())
			}
			if p.OnRetry != nil {
				p.OnRetry(st.Attempts, st.LastDelay, err)
			}
			return st.LastDelay
		}),
	)
	if err == nil {
		return result, st, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return result, st, ctxErr
	}
	if lastErr != nil {
		err = lastErr
	}
	st.Exhausted = st.Attempts >= p.MaxAttempts && (st.Class == Retryable || st.Class == Quota)
	return result, st, err
}

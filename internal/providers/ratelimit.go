package providers

import (
	"context"
	"sync"
	"time"

	"github.com/jackzampolin/storybook/internal/clock"
)

// LimiterConfig sets a provider's published quotas.
type LimiterConfig struct {
	// RequestsPerMinute is the token refill rate. Zero disables the rate limit.
	RequestsPerMinute float64
	// Burst is the bucket capacity. Defaults to RequestsPerMinute.
	Burst int
	// MaxConcurrent bounds in-flight requests. Zero means unbounded.
	MaxConcurrent int
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Limiter is a per-provider admission gate combining a continuous token
// bucket with a concurrency bound. Refill is computed lazily on each
// Acquire; there is no background timer.
type Limiter struct {
	mu sync.Mutex

	name string
	clk  clock.Clock

	// Configuration
	ratePerSecond float64
	capacity      float64
	maxConcurrent int

	// Token bucket state
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time

	// Concurrency state; released is closed and replaced on every release
	// so blocked acquirers wake without polling.
	inFlight int
	released chan struct{}

	// Statistics
	totalAcquired int64
	totalWaited   time.Duration
	last429Time   time.Time
}

// RateBudget is a snapshot of a limiter's counters.
type RateBudget struct {
	Provider        string        `json:"provider"`
	Capacity        float64       `json:"capacity"`
	Tokens          float64       `json:"tokens"`
	RefillPerSecond float64       `json:"refill_per_second"`
	LastRefill      time.Time     `json:"last_refill"`
	InFlight        int           `json:"in_flight"`
	MaxConcurrent   int           `json:"max_concurrent"`
	BlockedUntil    time.Time     `json:"blocked_until,omitempty"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalWaited     time.Duration `json:"total_waited"`
	Last429Time     time.Time     `json:"last_429_time,omitempty"`
}

// NewLimiter creates a limiter with a full bucket.
func NewLimiter(name string, cfg LimiterConfig) *Limiter {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	l := &Limiter{
		name:     name,
		clk:      clk,
		released: make(chan struct{}),
	}
	l.apply(cfg)
	l.tokens = l.capacity
	l.lastRefill = clk.Now()
	return l
}

// apply sets configuration fields. Must be called with lock held.
func (l *Limiter) apply(cfg LimiterConfig) {
	l.ratePerSecond = 0
	l.capacity = 0
	if cfg.RequestsPerMinute > 0 {
		l.ratePerSecond = cfg.RequestsPerMinute / 60.0
		l.capacity = cfg.RequestsPerMinute
		if cfg.Burst > 0 {
			l.capacity = float64(cfg.Burst)
		}
		if l.capacity < 1 {
			l.capacity = 1
		}
	}
	l.maxConcurrent = cfg.MaxConcurrent
	if l.maxConcurrent < 0 {
		l.maxConcurrent = 0
	}
}

// Permit is a granted admission. Release must be called exactly once;
// extra calls are no-ops.
type Permit struct {
	l    *Limiter
	once sync.Once
}

// Release returns the concurrency slot.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.l.release)
}

// Acquire blocks until a token and a concurrency slot are both available or
// ctx is done. The wait is cooperative: token shortfalls sleep on the clock,
// slot shortfalls wait for a release.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l.mu.Lock()
		now := l.clk.Now()
		l.refill(now)

		var (
			wait    time.Duration
			waitRel <-chan struct{}
		)
		switch {
		case now.Before(l.blockedUntil):
			wait = l.blockedUntil.Sub(now)
		case l.maxConcurrent > 0 && l.inFlight >= l.maxConcurrent:
			waitRel = l.released
		case l.ratePerSecond > 0 && l.tokens < 1.0:
			wait = l.timeUntilToken()
		default:
			if l.ratePerSecond > 0 {
				l.tokens--
			}
			l.inFlight++
			l.totalAcquired++
			l.mu.Unlock()
			return &Permit{l: l}, nil
		}
		l.mu.Unlock()

		// Wait outside lock
		if waitRel != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-waitRel:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.clk.After(wait):
			l.mu.Lock()
			l.totalWaited += wait
			l.mu.Unlock()
		}
	}
}

// TryAcquire grants a permit only if one is immediately available.
func (l *Limiter) TryAcquire() (*Permit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	l.refill(now)
	if now.Before(l.blockedUntil) {
		return nil, false
	}
	if l.maxConcurrent > 0 && l.inFlight >= l.maxConcurrent {
		return nil, false
	}
	if l.ratePerSecond > 0 {
		if l.tokens < 1.0 {
			return nil, false
		}
		l.tokens--
	}
	l.inFlight++
	l.totalAcquired++
	return &Permit{l: l}, true
}

func (l *Limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
	l.broadcast()
}

// broadcast wakes every goroutine waiting for a slot. Must be called with lock held.
func (l *Limiter) broadcast() {
	close(l.released)
	l.released = make(chan struct{})
}

// Penalize records an explicit quota response. The bucket is drained and,
// when the provider named a reset time, admission is blocked until then.
func (l *Limiter) Penalize(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	l.last429Time = now
	l.tokens = 0
	l.lastRefill = now
	if retryAfter > 0 {
		if until := now.Add(retryAfter); until.After(l.blockedUntil) {
			l.blockedUntil = until
		}
	}
}

// Reconfigure applies new quotas while keeping in-flight accounting.
func (l *Limiter) Reconfigure(cfg LimiterConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(l.clk.Now())
	l.apply(cfg)
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.broadcast()
}

// Status returns current limiter counters.
func (l *Limiter) Status() RateBudget {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(l.clk.Now())
	return RateBudget{
		Provider:        l.name,
		Capacity:        l.capacity,
		Tokens:          l.tokens,
		RefillPerSecond: l.ratePerSecond,
		LastRefill:      l.lastRefill,
		InFlight:        l.inFlight,
		MaxConcurrent:   l.maxConcurrent,
		BlockedUntil:    l.blockedUntil,
		TotalAcquired:   l.totalAcquired,
		TotalWaited:     l.totalWaited,
		Last429Time:     l.last429Time,
	}
}

// refill adds tokens based on elapsed time. Must be called with lock held.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.lastRefill = now
	l.tokens += elapsed * l.ratePerSecond
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// timeUntilToken returns how long until one whole token is available.
// Must be called with lock held.
func (l *Limiter) timeUntilToken() time.Duration {
	needed := 1.0 - l.tokens
	d := time.Duration(needed / l.ratePerSecond * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Package stages runs a single pipeline stage against its provider chain.
// Every provider call passes through the provider's admission gate and the
// retry policy; asynchronous providers are polled to completion.
package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/storybook/internal/clock"
	"github.com/jackzampolin/storybook/internal/providers"
	"github.com/jackzampolin/storybook/internal/retry"
	"github.com/jackzampolin/storybook/internal/types"
)

// Defaults for the poll loop.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxPolls     = 30
)

// Config configures an Executor.
type Config struct {
	Registry *providers.Registry
	// Chains lists, per stage, the providers to try in order.
	Chains map[types.StageName][]string
	// Retry is applied to each provider in the chain independently.
	Retry        retry.Policy
	PollInterval time.Duration
	MaxPolls     int
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Executor runs stages. It is safe for concurrent use.
type Executor struct {
	registry *providers.Registry
	clk      clock.Clock
	logger   *slog.Logger

	mu           sync.RWMutex
	chains       map[types.StageName][]string
	policy       retry.Policy
	pollInterval time.Duration
	maxPolls     int
}

// Result is a successful stage execution.
type Result struct {
	Output   types.Output
	Provider string
	// Attempts counts provider attempts across the whole chain.
	Attempts int
}

// StageFailedError reports a stage whose retries were exhausted on every
// provider in its chain. Cause is the last underlying provider error.
type StageFailedError struct {
	Stage    types.StageName
	Provider string
	Attempts int
	Cause    error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempts (last provider %s): %v", e.Stage, e.Attempts, e.Provider, e.Cause)
}

func (e *StageFailedError) Unwrap() error { return e.Cause }

// NewExecutor creates a stage executor.
func NewExecutor(cfg Config) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Executor{
		registry: cfg.Registry,
		clk:      cfg.Clock,
		logger:   cfg.Logger,
	}
	e.Reconfigure(cfg.Chains, cfg.Retry, cfg.PollInterval, cfg.MaxPolls)
	return e
}

// Reconfigure swaps provider chains and retry/poll settings. Stages already
// running keep the settings they started with.
func (e *Executor) Reconfigure(chains map[types.StageName][]string, policy retry.Policy, pollInterval time.Duration, maxPolls int) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}
	if policy.Clock == nil {
		policy.Clock = e.clk
	}
	policy.Classify = providers.Classify

	copied := make(map[types.StageName][]string, len(chains))
	for stage, names := range chains {
		copied[stage] = append([]string(nil), names...)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.chains = copied
	e.policy = policy
	e.pollInterval = pollInterval
	e.maxPolls = maxPolls
}

// Chain returns the provider chain for a stage.
func (e *Executor) Chain(stage types.StageName) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.chains[stage]...)
}

// Execute runs req.Stage. Terminal provider errors are returned unmodified;
// exhausted retries produce a *StageFailedError. ctx cancellation wakes
// admission and backoff waits but never interrupts a submitted provider job.
func (e *Executor) Execute(ctx context.Context, req *providers.Request) (Result, error) {
	e.mu.RLock()
	chain := append([]string(nil), e.chains[req.Stage]...)
	policy := e.policy
	pollInterval, maxPolls := e.pollInterval, e.maxPolls
	e.mu.RUnlock()

	if len(chain) == 0 {
		return Result{}, &providers.UnavailableError{
			Provider: string(req.Stage),
			Err:      fmt.Errorf("no providers configured for stage %s", req.Stage),
		}
	}

	var (
		attempts int
		lastErr  error
		lastName string
	)
	for _, name := range chain {
		logger := e.logger.With("job_id", req.JobID, "stage", req.Stage, "provider", name)

		entry, err := e.registry.Get(name)
		if err != nil {
			lastErr, lastName = &providers.UnavailableError{Provider: name, Err: err}, name
			logger.Warn("provider unavailable, trying next", "error", err)
			continue
		}

		p := policy
		p.OnRetry = func(attempt int, delay time.Duration, err error) {
			logger.Warn("stage attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		}

		out, st, err := retry.Do(ctx, p, func(ctx context.Context) (types.Output, error) {
			return e.attempt(ctx, entry, req, pollInterval, maxPolls, logger)
		})
		attempts += st.Attempts
		if err == nil {
			if out.Provider == "" {
				out.Provider = name
			}
			logger.Info("stage completed", "attempts", st.Attempts, "ref", out.Ref)
			return Result{Output: out, Provider: name, Attempts: attempts}, nil
		}

		switch {
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return Result{Attempts: attempts}, err
		case providers.IsUnavailable(err):
			lastErr, lastName = err, name
			logger.Warn("provider unavailable, trying next", "error", err)
		case st.Exhausted:
			lastErr, lastName = err, name
			logger.Warn("provider retries exhausted", "attempts", st.Attempts, "error", err)
		default:
			logger.Error("stage failed", "attempts", st.Attempts, "error", err)
			return Result{Attempts: attempts}, err
		}
	}

	return Result{Attempts: attempts}, &StageFailedError{
		Stage:    req.Stage,
		Provider: lastName,
		Attempts: attempts,
		Cause:    lastErr,
	}
}

// attempt is one admission-gated submit followed by polling to resolution.
// Only the submit consumes a rate token; the concurrency slot is held until
// the provider job resolves.
func (e *Executor) attempt(ctx context.Context, entry *providers.Entry, req *providers.Request, pollInterval time.Duration, maxPolls int, logger *slog.Logger) (types.Output, error) {
	permit, err := entry.Limiter.Acquire(ctx)
	if err != nil {
		return types.Output{}, err
	}
	defer permit.Release()

	// Once submitted, provider work runs to completion regardless of job
	// cancellation so no provider-side job is left without a local record.
	callCtx := context.WithoutCancel(ctx)

	h, err := entry.Client.Submit(callCtx, req)
	if err != nil {
		e.penalize(entry, err)
		return types.Output{}, err
	}
	logger.Debug("submitted", "handle", h.ID)

	for polls := 1; ; polls++ {
		res, err := entry.Client.Poll(callCtx, h)
		if err != nil {
			e.penalize(entry, err)
			return types.Output{}, err
		}
		if res.Status == providers.PollReady {
			return res.Output, nil
		}
		if polls >= maxPolls {
			return types.Output{}, &providers.TransientError{
				Provider: entry.Name,
				Message:  fmt.Sprintf("job %s still pending after %d polls", h.ID, polls),
			}
		}
		logger.Debug("pending", "handle", h.ID, "poll", polls)
		<-e.clk.After(pollInterval)
	}
}

func (e *Executor) penalize(entry *providers.Entry, err error) {
	if q, ok := providers.AsQuotaExceeded(err); ok {
		entry.Limiter.Penalize(q.RetryAfter)
	}
}

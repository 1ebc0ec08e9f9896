package providers

import (
	"context"
	"time"

	"github.com/jackzampolin/storybook/internal/types"
)

// Client is the uniform submit/poll contract every generation or design
// provider is driven through. Synchronous providers are wrapped with Sync so
// their first Poll returns the result.
type Client interface {
	// Name returns the client identifier (e.g., "openai-story").
	Name() string

	// Submit starts provider-side work and returns a handle to poll.
	Submit(ctx context.Context, req *Request) (Handle, error)

	// Poll reports whether the work behind h is still pending or ready.
	Poll(ctx context.Context, h Handle) (PollResult, error)
}

// Throttled is implemented by clients that learn from successful responses
// that the provider's quota window is spent. The registry connects them to
// their limiter's Penalize.
type Throttled interface {
	SetThrottle(fn func(retryAfter time.Duration))
}

// Request carries everything a provider needs to run one stage for one book.
type Request struct {
	JobID string
	Stage types.StageName
	Spec  types.BookSpec

	// Inputs holds outputs of earlier stages keyed by stage name.
	Inputs map[types.StageName]types.Output
}

// Input returns the output of a previous stage, if present.
func (r *Request) Input(stage types.StageName) (types.Output, bool) {
	if r == nil || r.Inputs == nil {
		return types.Output{}, false
	}
	out, ok := r.Inputs[stage]
	return out, ok
}

// Handle is an opaque reference returned by Submit.
type Handle struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	JobID    string `json:"job_id,omitempty"`
}

// PollStatus is the state of a submitted provider job.
type PollStatus string

const (
	PollPending PollStatus = "pending"
	PollReady   PollStatus = "ready"
)

// PollResult is returned by Poll. Output is set only when Status is PollReady.
type PollResult struct {
	Status PollStatus
	Output types.Output
}

// Pending returns a pending poll result.
func Pending() PollResult { return PollResult{Status: PollPending} }

// Ready returns a completed poll result.
func Ready(out types.Output) PollResult { return PollResult{Status: PollReady, Output: out} }

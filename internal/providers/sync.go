package providers

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jackzampolin/storybook/internal/types"
)

// GenerateFunc performs a provider call synchronously.
type GenerateFunc func(ctx context.Context, req *Request) (types.Output, error)

// SyncClient adapts a synchronous provider to the submit/poll contract.
// Submit performs the whole call; the first Poll returns its result.
type SyncClient struct {
	name string
	fn   GenerateFunc

	mu      sync.Mutex
	results map[string]types.Output
}

// NewSync wraps fn as a Client.
func NewSync(name string, fn GenerateFunc) *SyncClient {
	return &SyncClient{
		name:    name,
		fn:      fn,
		results: make(map[string]types.Output),
	}
}

// Name returns the client identifier.
func (c *SyncClient) Name() string {
	return c.name
}

// Submit runs the wrapped call and parks its output behind a new handle.
func (c *SyncClient) Submit(ctx context.Context, req *Request) (Handle, error) {
	out, err := c.fn(ctx, req)
	if err != nil {
		return Handle{}, err
	}
	if out.Provider == "" {
		out.Provider = c.name
	}

	h := Handle{ID: uuid.NewString(), Provider: c.name}
	c.mu.Lock()
	c.results[h.ID] = out
	c.mu.Unlock()
	return h, nil
}

// Poll returns the parked output and forgets it.
func (c *SyncClient) Poll(_ context.Context, h Handle) (PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, ok := c.results[h.ID]
	if !ok {
		return PollResult{}, &TransientError{Provider: c.name, Message: "unknown handle " + h.ID}
	}
	delete(c.results, h.ID)
	return Ready(out), nil
}

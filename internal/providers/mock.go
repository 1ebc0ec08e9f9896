package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/storybook/internal/types"
)

const MockClientName = "mock"

// MockClient is a scripted Client for testing.
type MockClient struct {
	name string

	// Configurable behavior
	Latency      time.Duration // Real delay inside Submit, cut short by ctx
	PendingPolls int           // Pending results before each handle is ready

	// Hook is consulted on every Submit; a non-nil error fails that submit.
	Hook func(req *Request) error

	mu          sync.Mutex
	queued      map[types.StageName][]error
	always      map[types.StageName]error
	submits     map[types.StageName]int
	pollCounts  map[string]int
	handles     map[string]*Request
	nextHandle  int
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// NewMockClient creates a mock that succeeds immediately.
func NewMockClient(name string) *MockClient {
	if name == "" {
		name = MockClientName
	}
	return &MockClient{
		name:       name,
		queued:     make(map[types.StageName][]error),
		always:     make(map[types.StageName]error),
		submits:    make(map[types.StageName]int),
		pollCounts: make(map[string]int),
		handles:    make(map[string]*Request),
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return c.name
}

// FailNext queues errors returned by successive submits for stage.
func (c *MockClient) FailNext(stage types.StageName, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued[stage] = append(c.queued[stage], errs...)
}

// FailAlways makes every submit for stage return err. A nil err clears it.
func (c *MockClient) FailAlways(stage types.StageName, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.always, stage)
		return
	}
	c.always[stage] = err
}

// Submit records the call and returns a handle unless scripted to fail.
func (c *MockClient) Submit(ctx context.Context, req *Request) (Handle, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		max := c.maxInFlight.Load()
		if n <= max || c.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	if c.Latency > 0 {
		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-time.After(c.Latency):
		}
	}

	c.mu.Lock()
	c.submits[req.Stage]++
	var err error
	if q := c.queued[req.Stage]; len(q) > 0 {
		err = q[0]
		c.queued[req.Stage] = q[1:]
	} else if e, ok := c.always[req.Stage]; ok {
		err = e
	}
	c.mu.Unlock()

	if err == nil && c.Hook != nil {
		err = c.Hook(req)
	}
	if err != nil {
		return Handle{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	h := Handle{ID: fmt.Sprintf("%s-%d", c.name, c.nextHandle), Provider: c.name}
	c.handles[h.ID] = req
	return h, nil
}

// Poll returns pending PendingPolls times per handle, then the output.
func (c *MockClient) Poll(_ context.Context, h Handle) (PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.handles[h.ID]
	if !ok {
		return PollResult{}, &TransientError{Provider: c.name, Message: "unknown handle " + h.ID}
	}
	c.pollCounts[h.ID]++
	if c.pollCounts[h.ID] <= c.PendingPolls {
		return Pending(), nil
	}
	delete(c.handles, h.ID)
	return Ready(types.Output{
		Ref:      fmt.Sprintf("mock://%s/%s/%s", req.JobID, req.Stage, h.ID),
		Provider: c.name,
	}), nil
}

// SubmitCount returns how many submits were made for stage.
func (c *MockClient) SubmitCount(stage types.StageName) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits[stage]
}

// TotalSubmits returns submits across all stages.
func (c *MockClient) TotalSubmits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.submits {
		total += n
	}
	return total
}

// PollCount returns how many times h was polled.
func (c *MockClient) PollCount(h Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollCounts[h.ID]
}

// MaxInFlight returns the highest number of concurrent submits observed.
func (c *MockClient) MaxInFlight() int {
	return int(c.maxInFlight.Load())
}

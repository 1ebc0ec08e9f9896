package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/storybook/internal/clock"
	"github.com/jackzampolin/storybook/internal/providers"
	"github.com/jackzampolin/storybook/internal/retry"
	"github.com/jackzampolin/storybook/internal/stages"
	"github.com/jackzampolin/storybook/internal/types"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSpec(title string) types.BookSpec {
	return types.BookSpec{
		Title:    title,
		AgeGroup: types.AgeGroupPreschool,
		Theme:    "sharing with friends",
	}.WithDefaults()
}

// fakeRunner is a StageRunner that records calls and returns scripted results.
type fakeRunner struct {
	mu    sync.Mutex
	calls map[string][]types.StageName

	// fail, if set, decides the error for a call.
	fail func(req *providers.Request) error
	// before, if set, runs at the start of every call.
	before func(ctx context.Context, req *providers.Request)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[string][]types.StageName)}
}

func (r *fakeRunner) Execute(ctx context.Context, req *providers.Request) (stages.Result, error) {
	r.mu.Lock()
	r.calls[req.JobID] = append(r.calls[req.JobID], req.Stage)
	r.mu.Unlock()

	if r.before != nil {
		r.before(ctx, req)
	}
	if r.fail != nil {
		if err := r.fail(req); err != nil {
			return stages.Result{Attempts: 1}, err
		}
	}
	return stages.Result{
		Output:   types.Output{Ref: fmt.Sprintf("test://%s/%s", req.JobID, req.Stage), Provider: "fake"},
		Provider: "fake",
		Attempts: 1,
	}, nil
}

func (r *fakeRunner) stagesFor(jobID string) []types.StageName {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StageName(nil), r.calls[jobID]...)
}

// newMockExecutor wires a MockClient behind a real stage executor driven
// by a fake clock.
func newMockExecutor(t *testing.T, mock *providers.MockClient, clk clock.Clock) *stages.Executor {
	t.Helper()
	reg := providers.NewRegistry()
	reg.SetClock(clk)
	reg.SetLogger(quietLogger())
	reg.Register(mock.Name(), mock, providers.LimiterConfig{})

	chains := make(map[types.StageName][]string)
	for _, s := range types.DefaultStages() {
		chains[s.Name] = []string{mock.Name()}
	}
	return stages.NewExecutor(stages.Config{
		Registry: reg,
		Chains:   chains,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			Rand:        func() float64 { return 0 },
		},
		PollInterval: time.Second,
		Clock:        clk,
		Logger:       quietLogger(),
	})
}

func newTestOrchestrator(t *testing.T, runner StageRunner, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Runner:            runner,
		GlobalConcurrency: 10,
		SweepInterval:     -1,
		Clock:             clock.NewFake(testStart),
		Logger:            quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

// recordingCheckpointer keeps every saved book version in order.
type recordingCheckpointer struct {
	mu    sync.Mutex
	saves []*BookJob
}

func (c *recordingCheckpointer) SaveBook(job *BookJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves = append(c.saves, job.Clone())
	return nil
}

func (c *recordingCheckpointer) SaveBatch(*BatchJob) error { return nil }
func (c *recordingCheckpointer) DeleteBook(string) error   { return nil }
func (c *recordingCheckpointer) DeleteBatch(string) error  { return nil }

func (c *recordingCheckpointer) history(id string) []*BookJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*BookJob
	for _, j := range c.saves {
		if j.ID == id {
			out = append(out, j)
		}
	}
	return out
}

// memoryRecorder collects outcomes.
type memoryRecorder struct {
	mu      sync.Mutex
	books   []BookOutcome
	batches []BatchOutcome
}

func (r *memoryRecorder) RecordBook(_ context.Context, o BookOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.books = append(r.books, o)
	return nil
}

func (r *memoryRecorder) RecordBatch(_ context.Context, o BatchOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, o)
	return nil
}

func (r *memoryRecorder) snapshot() ([]BookOutcome, []BatchOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BookOutcome(nil), r.books...), append([]BatchOutcome(nil), r.batches...)
}

package jobs

import (
	"context"
	"log/slog"
	"sync"
)

// Coordinator schedules pipeline runs. Every run holds one slot of the
// global concurrency cap; books of a batch additionally go through the
// batch's lane, which starts them in submission order and never runs more
// than the batch's concurrency limit at once.
type Coordinator struct {
	pipeline *Pipeline
	global   chan struct{}
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	lanes   map[string]*lane
	running map[string]*runToken
}

// runToken identifies one run of a job. A resumed job can start a new run
// while the previous one is still unwinding.
type runToken struct {
	cancel context.CancelFunc
}

type lane struct {
	limit   int
	running int
	queue   []string
}

// NewCoordinator creates a coordinator with the given global cap.
func NewCoordinator(pipeline *Pipeline, globalCap int, logger *slog.Logger) *Coordinator {
	if globalCap <= 0 {
		globalCap = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		pipeline: pipeline,
		global:   make(chan struct{}, globalCap),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[string]*lane),
		running:  make(map[string]*runToken),
	}
}

// GlobalCap returns the global concurrency cap.
func (c *Coordinator) GlobalCap() int {
	return cap(c.global)
}

// Enqueue adds book jobs to a batch lane. The lane is created with limit on
// first use; later calls reuse the existing limit.
func (c *Coordinator) Enqueue(batchID string, limit int, ids ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	l, ok := c.lanes[batchID]
	if !ok {
		if limit <= 0 || limit > cap(c.global) {
			limit = cap(c.global)
		}
		l = &lane{limit: limit}
		c.lanes[batchID] = l
	}
	l.queue = append(l.queue, ids...)
	c.dispatchLocked(batchID, l)
	return true
}

// Submit runs a standalone book job under the global cap only.
func (c *Coordinator) Submit(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go c.run("", id)
	return true
}

func (c *Coordinator) dispatchLocked(batchID string, l *lane) {
	for l.running < l.limit && len(l.queue) > 0 {
		id := l.queue[0]
		l.queue = l.queue[1:]
		l.running++
		c.wg.Add(1)
		go c.run(batchID, id)
	}
}

func (c *Coordinator) run(batchID, id string) {
	defer c.wg.Done()
	defer c.done(batchID)

	select {
	case c.global <- struct{}{}:
	case <-c.ctx.Done():
		return
	}
	defer func() { <-c.global }()

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	tok := c.track(id, cancel)
	defer c.untrack(id, tok)

	if err := c.pipeline.Run(ctx, id); err != nil {
		c.logger.Error("pipeline run failed", "job_id", id, "batch_id", batchID, "error", err)
	}
}

func (c *Coordinator) track(id string, cancel context.CancelFunc) *runToken {
	tok := &runToken{cancel: cancel}
	c.mu.Lock()
	c.running[id] = tok
	c.mu.Unlock()
	return tok
}

// untrack forgets a run unless a newer run of the same job replaced it.
func (c *Coordinator) untrack(id string, tok *runToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[id] == tok {
		delete(c.running, id)
	}
}

func (c *Coordinator) done(batchID string) {
	if batchID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lanes[batchID]
	if !ok {
		return
	}
	l.running--
	if !c.closed {
		c.dispatchLocked(batchID, l)
	}
	if l.running == 0 && len(l.queue) == 0 {
		delete(c.lanes, batchID)
	}
}

// Interrupt cancels the context of a running job so that admission and
// backoff waits return early. It reports whether the job was running.
func (c *Coordinator) Interrupt(id string) bool {
	c.mu.Lock()
	tok, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		tok.cancel()
	}
	return ok
}

// Dequeue removes a job that has not started from its batch lane.
func (c *Coordinator) Dequeue(batchID, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lanes[batchID]
	if !ok {
		return false
	}
	for i, q := range l.queue {
		if q == id {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Running returns the number of jobs currently holding a global slot.
func (c *Coordinator) Running() int {
	return len(c.global)
}

// Queued returns the number of jobs waiting in batch lanes.
func (c *Coordinator) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.lanes {
		n += len(l.queue)
	}
	return n
}

// Shutdown stops dispatching, interrupts running jobs and waits for them to
// return. Queued jobs stay pending.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched job has returned. Intended for tests
// and for draining before shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

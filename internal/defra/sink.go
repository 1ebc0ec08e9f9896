package defra

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// WriteOp is a single upsert to be batched. Key identifies the document
// (an equality filter); Document holds the full field set.
type WriteOp struct {
	Collection string
	Key        map[string]any
	Document   map[string]any
	result     chan<- WriteResult
}

// WriteResult contains the result of a write operation.
type WriteResult struct {
	DocID string
	Err   error
}

// SinkConfig configures the write sink.
type SinkConfig struct {
	Client        *Client
	BatchSize     int           // Flush after N ops (default: 100)
	FlushInterval time.Duration // Or after duration (default: 5s)
	QueueSize     int           // Buffer size (default: 1000)
	Logger        *slog.Logger
}

// Sink batches writes to DefraDB off the caller's path. Within one flush,
// later writes to the same document replace earlier ones.
type Sink struct {
	client *Client
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan WriteOp
	flushCh chan chan struct{}

	mu       sync.RWMutex
	closed   bool
	batch    []WriteOp
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSink creates a new write sink.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sink{
		client:        cfg.Client,
		logger:        cfg.Logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan WriteOp, cfg.QueueSize),
		flushCh:       make(chan chan struct{}),
	}
}

// Start begins processing write operations.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runBatcher()
}

// Stop flushes pending operations and shuts the sink down.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping sink, flushing remaining operations")

		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		s.wg.Wait()
		s.cancel()
		s.logger.Info("sink stopped")
	})
}

// Send queues a write without waiting for it. It returns ErrSinkClosed after
// Stop, and drops the write with a warning when the queue is full.
func (s *Sink) Send(op WriteOp) error {
	op.result = nil

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- op:
		return nil
	default:
		s.logger.Warn("sink queue full, dropping write", "collection", op.Collection)
		return fmt.Errorf("sink queue full")
	}
}

// SendSync queues a write and waits for its result.
func (s *Sink) SendSync(ctx context.Context, op WriteOp) (WriteResult, error) {
	resultCh := make(chan WriteResult, 1)
	op.result = resultCh

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return WriteResult{}, ErrSinkClosed
	}
	select {
	case s.queue <- op:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return WriteResult{}, ctx.Err()
	}

	select {
	case result := <-resultCh:
		return result, result.Err
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
}

// Flush writes everything queued so far and waits until it is done.
func (s *Sink) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.flushCh <- done:
	case <-s.ctx.Done():
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) runBatcher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				s.flushBatch()
				return
			}
			s.batch = append(s.batch, op)
			if len(s.batch) >= s.batchSize {
				s.flushBatch()
			}

		case <-ticker.C:
			s.flushBatch()

		case done := <-s.flushCh:
			s.drainQueue()
			s.flushBatch()
			close(done)
		}
	}
}

// drainQueue moves already-queued ops into the batch without blocking.
func (s *Sink) drainQueue() {
	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				return
			}
			s.batch = append(s.batch, op)
		default:
			return
		}
	}
}

func (s *Sink) flushBatch() {
	if len(s.batch) == 0 {
		return
	}
	ops := coalesce(s.batch)
	s.batch = nil

	s.logger.Debug("flushing batch", "count", len(ops))
	for _, op := range ops {
		docID, err := s.client.Upsert(s.ctx, op.Collection, op.Key, op.Document)
		if err != nil {
			s.logger.Error("upsert failed", "collection", op.Collection, "key", op.Key, "error", err)
		}
		if op.result != nil {
			op.result <- WriteResult{DocID: docID, Err: err}
			close(op.result)
		}
	}
}

// coalesce keeps only the last write per document, preserving first-seen
// order. Callers waiting on superseded writes get the surviving result.
func coalesce(ops []WriteOp) []WriteOp {
	index := make(map[string]int, len(ops))
	var (
		out     []WriteOp
		waiters = make(map[string][]chan<- WriteResult)
	)
	for _, op := range ops {
		k := docKey(op)
		if op.result != nil {
			waiters[k] = append(waiters[k], op.result)
		}
		if i, ok := index[k]; ok {
			out[i] = op
			continue
		}
		index[k] = len(out)
		out = append(out, op)
	}

	for i := range out {
		ws := waiters[docKey(out[i])]
		switch len(ws) {
		case 0:
			continue
		case 1:
			out[i].result = ws[0]
			continue
		}
		fan := make(chan WriteResult, 1)
		out[i].result = fan
		go func() {
			r := <-fan
			for _, w := range ws {
				w <- r
				close(w)
			}
		}()
	}
	return out
}

func docKey(op WriteOp) string {
	keys := make([]string, 0, len(op.Key))
	for k := range op.Key {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(op.Collection)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, op.Key[k])
	}
	return b.String()
}

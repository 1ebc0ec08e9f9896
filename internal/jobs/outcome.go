package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/storybook/internal/types"
)

// BookOutcome is the final record of a book job, written once it reaches a
// terminal status.
type BookOutcome struct {
	JobID           string                           `json:"job_id"`
	BatchID         string                           `json:"batch_id,omitempty"`
	Title           string                           `json:"title"`
	BookType        types.BookType                   `json:"book_type"`
	Status          Status                           `json:"status"`
	LastError       string                           `json:"last_error,omitempty"`
	CompletedStages int                              `json:"completed_stages"`
	TotalAttempts   int                              `json:"total_attempts"`
	Outputs         map[types.StageName]types.Output `json:"outputs,omitempty"`
	CreatedAt       time.Time                        `json:"created_at"`
	FinishedAt      time.Time                        `json:"finished_at"`
}

// NewBookOutcome summarizes a terminal job.
func NewBookOutcome(job *BookJob) BookOutcome {
	o := BookOutcome{
		JobID:           job.ID,
		BatchID:         job.BatchID,
		Title:           job.Spec.Title,
		BookType:        job.Spec.BookType,
		Status:          job.Status,
		LastError:       job.LastError,
		CompletedStages: job.CurrentStageIndex,
		Outputs:         make(map[types.StageName]types.Output, len(job.StageOutputs)),
		CreatedAt:       job.CreatedAt,
		FinishedAt:      job.UpdatedAt,
	}
	if job.FinishedAt != nil {
		o.FinishedAt = *job.FinishedAt
	}
	for _, n := range job.Attempts {
		o.TotalAttempts += n
	}
	for k, v := range job.StageOutputs {
		o.Outputs[k] = v.Clone()
	}
	return o
}

// BatchOutcome is the final record of a batch whose books are all terminal.
type BatchOutcome struct {
	BatchID    string          `json:"batch_id"`
	Name       string          `json:"name"`
	Status     AggregateStatus `json:"status"`
	Total      int             `json:"total"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Cancelled  int             `json:"cancelled"`
	FinishedAt time.Time       `json:"finished_at"`
}

// OutcomeRecorder receives final job records. Implementations write them to
// metadata stores or publish them as events.
type OutcomeRecorder interface {
	RecordBook(ctx context.Context, o BookOutcome) error
	RecordBatch(ctx context.Context, o BatchOutcome) error
}

// MultiRecorder fans outcomes out to every recorder.
type MultiRecorder []OutcomeRecorder

// RecordBook implements OutcomeRecorder.
func (m MultiRecorder) RecordBook(ctx context.Context, o BookOutcome) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordBook(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordBatch implements OutcomeRecorder.
func (m MultiRecorder) RecordBatch(ctx context.Context, o BatchOutcome) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordBatch(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncRecorder queues outcomes and writes them from a background goroutine
// so slow metadata backends never hold up a pipeline. When the queue is
// full the outcome is dropped with a warning; the in-memory store remains
// the source of truth.
type AsyncRecorder struct {
	next   OutcomeRecorder
	logger *slog.Logger
	queue  chan func(context.Context) error

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncRecorder starts the writer goroutine.
func NewAsyncRecorder(next OutcomeRecorder, buffer int, logger *slog.Logger) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &AsyncRecorder{
		next:   next,
		logger: logger,
		queue:  make(chan func(context.Context) error, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for op := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := op(ctx); err != nil {
			r.logger.Warn("failed to record outcome", "error", err)
		}
		cancel()
	}
}

func (r *AsyncRecorder) enqueue(kind, id string, op func(context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("outcome recorder closed, dropping", "kind", kind, "id", id)
		return
	}
	select {
	case r.queue <- op:
	default:
		r.logger.Warn("outcome queue full, dropping", "kind", kind, "id", id)
	}
}

// RecordBook implements OutcomeRecorder.
func (r *AsyncRecorder) RecordBook(_ context.Context, o BookOutcome) error {
	r.enqueue("book", o.JobID, func(ctx context.Context) error { return r.next.RecordBook(ctx, o) })
	return nil
}

// RecordBatch implements OutcomeRecorder.
func (r *AsyncRecorder) RecordBatch(_ context.Context, o BatchOutcome) error {
	r.enqueue("batch", o.BatchID, func(ctx context.Context) error { return r.next.RecordBatch(ctx, o) })
	return nil
}

// Close stops accepting outcomes and waits for queued ones to be written.
// Outcomes recorded after Close are dropped with a warning.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

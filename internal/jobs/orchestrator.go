package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/storybook/internal/clock"
	"github.com/jackzampolin/storybook/internal/providers"
	"github.com/jackzampolin/storybook/internal/types"
)

// Defaults for orchestrator settings.
const (
	DefaultGlobalConcurrency = 10
	DefaultBatchConcurrency  = 2
	DefaultMaxBatchSize      = 50
	DefaultRetention         = 24 * time.Hour
	DefaultSweepInterval     = 5 * time.Minute
)

const interruptedByShutdown = "interrupted by shutdown"

// CheckpointLoader is a Checkpointer that can also read back what it wrote.
type CheckpointLoader interface {
	Checkpointer
	Load() ([]*BookJob, []*BatchJob, []error)
}

// Config configures an Orchestrator.
type Config struct {
	Runner StageRunner
	// Registry is consulted for provider status only.
	Registry *providers.Registry

	GlobalConcurrency       int
	DefaultBatchConcurrency int
	MaxBatchSize            int
	Retention               time.Duration
	SweepInterval           time.Duration

	Checkpointer Checkpointer
	Recorder     OutcomeRecorder
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Orchestrator is the entry point for submitting, observing and steering
// book and batch jobs.
type Orchestrator struct {
	cfg      Config
	store    *Store
	pipeline *Pipeline
	coord    *Coordinator
	clk      clock.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	started   bool
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates an orchestrator. Call Start before submitting jobs to restore
// checkpoints and start the retention sweeper.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("stage runner is required")
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = DefaultGlobalConcurrency
	}
	if cfg.DefaultBatchConcurrency <= 0 {
		cfg.DefaultBatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var pipeline *Pipeline
	store := NewStore(StoreConfig{
		Clock:          cfg.Clock,
		Checkpointer:   cfg.Checkpointer,
		OnBatchDeleted: func(id string) { pipeline.forgetBatch(id) },
		Logger:         cfg.Logger,
	})
	pipeline = NewPipeline(store, cfg.Runner, cfg.Recorder, cfg.Clock, cfg.Logger)
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		pipeline: pipeline,
		coord:    NewCoordinator(pipeline, cfg.GlobalConcurrency, cfg.Logger),
		clk:      cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Store exposes the job store.
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Start restores checkpointed jobs and starts the retention sweeper.
// Jobs that were running when the process stopped are marked Failed and
// can be resumed; pending jobs are rescheduled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if loader, ok := o.cfg.Checkpointer.(CheckpointLoader); ok {
		o.restoreCheckpoints(loader)
	}

	if o.cfg.Retention > 0 && o.cfg.SweepInterval > 0 {
		o.stopSweep = make(chan struct{})
		o.sweepDone = make(chan struct{})
		go o.sweepLoop(o.cfg.SweepInterval)
	}
	o.logger.Info("orchestrator started",
		"global_concurrency", o.cfg.GlobalConcurrency,
		"default_batch_concurrency", o.cfg.DefaultBatchConcurrency)
	return nil
}

func (o *Orchestrator) restoreCheckpoints(loader CheckpointLoader) {
	books, batches, errs := loader.Load()
	for _, err := range errs {
		o.logger.Warn("skipping checkpoint", "error", err)
	}
	if len(books) == 0 && len(batches) == 0 {
		return
	}

	for _, b := range batches {
		o.store.RestoreBatch(b)
	}
	for _, j := range books {
		o.store.Restore(j)
	}

	var interrupted, rescheduled int
	for _, j := range books {
		if j.Status != StatusRunning {
			continue
		}
		if _, err := o.store.UpdateBook(j.ID, func(cur *BookJob) error {
			if cur.Status != StatusRunning {
				return errSkip
			}
			cur.Status = StatusFailed
			cur.LastError = interruptedByShutdown
			return nil
		}); err != nil && !errors.Is(err, errSkip) {
			o.logger.Warn("failed to mark interrupted job", "job_id", j.ID, "error", err)
			continue
		}
		interrupted++
	}

	for _, b := range o.store.ListBatches() {
		var pending []string
		for _, job := range o.store.BatchBooks(b) {
			if job.Status == StatusPending {
				pending = append(pending, job.ID)
			}
		}
		if len(pending) > 0 {
			o.coord.Enqueue(b.ID, b.ConcurrencyLimit, pending...)
			rescheduled += len(pending)
		}
	}
	for _, job := range o.store.ListBooks(BookFilter{Status: StatusPending}) {
		if job.BatchID == "" {
			o.coord.Submit(job.ID)
			rescheduled++
		}
	}
	o.logger.Info("restored jobs from checkpoints",
		"books", len(books), "batches", len(batches),
		"interrupted", interrupted, "rescheduled", rescheduled)
}

func (o *Orchestrator) sweepLoop(interval time.Duration) {
	defer close(o.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.Sweep()
		case <-o.stopSweep:
			return
		}
	}
}

// Sweep evicts terminal jobs past the retention deadline.
func (o *Orchestrator) Sweep() int {
	n := o.store.Sweep(o.cfg.Retention)
	if n > 0 {
		o.logger.Info("swept expired jobs", "count", n)
	}
	return n
}

// Shutdown stops scheduling and waits for running pipelines to stop at
// their next cancellation point. Running jobs end as Failed with an
// interruption cause and can be resumed later.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	stop := o.stopSweep
	o.stopSweep = nil
	o.mu.Unlock()
	if stop != nil {
		close(stop)
		<-o.sweepDone
	}
	return o.coord.Shutdown(ctx)
}

// SubmitBookJob validates spec, stores a pending job and schedules it.
func (o *Orchestrator) SubmitBookJob(ctx context.Context, spec types.BookSpec) (string, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return "", err
	}
	job := NewBookJob(uuid.New().String(), spec, o.clk.Now())
	if _, err := o.store.UpsertBook(job); err != nil {
		return "", fmt.Errorf("failed to store job: %w", err)
	}
	if !o.coord.Submit(job.ID) {
		return job.ID, ErrShuttingDown
	}
	o.logger.Info("book job submitted", "job_id", job.ID, "title", spec.Title)
	return job.ID, nil
}

// BatchRequest describes a batch submission.
type BatchRequest struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Books       []types.BookSpec `json:"books" yaml:"books"`
	// ConcurrencyLimit caps simultaneously running books of this batch.
	// Zero selects the default; values above the global cap are clamped.
	ConcurrencyLimit int `json:"concurrency_limit,omitempty" yaml:"concurrency_limit,omitempty"`
}

// SubmitBatchJob validates every spec, stores the batch with its pending
// books and schedules them in submission order.
func (o *Orchestrator) SubmitBatchJob(ctx context.Context, req BatchRequest) (string, error) {
	if len(req.Books) == 0 {
		return "", fmt.Errorf("%w: at least one book is required", ErrInvalidBatch)
	}
	if len(req.Books) > o.cfg.MaxBatchSize {
		return "", fmt.Errorf("%w: %d books exceeds the limit of %d", ErrInvalidBatch, len(req.Books), o.cfg.MaxBatchSize)
	}
	if req.ConcurrencyLimit < 0 {
		return "", fmt.Errorf("%w: concurrency limit must not be negative", ErrInvalidBatch)
	}
	limit := req.ConcurrencyLimit
	if limit == 0 {
		limit = o.cfg.DefaultBatchConcurrency
	}
	limit = min(limit, o.cfg.GlobalConcurrency)

	batchID := uuid.New().String()
	name := req.Name
	if name == "" {
		name = "batch-" + batchID[:8]
	}
	now := o.clk.Now()
	books := make([]*BookJob, len(req.Books))
	ids := make([]string, len(req.Books))
	for i, spec := range req.Books {
		spec = spec.WithDefaults()
		if err := spec.Validate(); err != nil {
			return "", fmt.Errorf("book %d: %w", i, err)
		}
		job := NewBookJob(uuid.New().String(), spec, now)
		job.BatchID = batchID
		books[i], ids[i] = job, job.ID
	}

	batch := &BatchJob{
		ID:               batchID,
		Name:             name,
		Description:      req.Description,
		BookJobIDs:       ids,
		ConcurrencyLimit: limit,
		CreatedAt:        now,
	}
	if _, err := o.store.CreateBatch(batch, books); err != nil {
		return "", fmt.Errorf("failed to store batch: %w", err)
	}
	if !o.coord.Enqueue(batchID, limit, ids...) {
		return batchID, ErrShuttingDown
	}
	o.logger.Info("batch submitted", "batch_id", batchID, "name", name, "books", len(ids), "concurrency_limit", limit)
	return batchID, nil
}

// JobStatus is the externally visible view of a book job.
type JobStatus struct {
	JobID             string                           `json:"job_id" yaml:"job_id"`
	BatchID           string                           `json:"batch_id,omitempty" yaml:"batch_id,omitempty"`
	Title             string                           `json:"title" yaml:"title"`
	Status            Status                           `json:"status" yaml:"status"`
	CurrentStage      types.StageName                  `json:"current_stage,omitempty" yaml:"current_stage,omitempty"`
	CurrentStageIndex int                              `json:"current_stage_index" yaml:"current_stage_index"`
	Stages            []types.StageName                `json:"stages" yaml:"stages"`
	LastError         string                           `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CancelRequested   bool                             `json:"cancel_requested,omitempty" yaml:"cancel_requested,omitempty"`
	Outputs           map[types.StageName]types.Output `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Attempts          map[types.StageName]int          `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Version           uint64                           `json:"version" yaml:"version"`
	CreatedAt         time.Time                        `json:"created_at" yaml:"created_at"`
	UpdatedAt         time.Time                        `json:"updated_at" yaml:"updated_at"`
	StartedAt         *time.Time                       `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt        *time.Time                       `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

func newJobStatus(j *BookJob) JobStatus {
	return JobStatus{
		JobID:             j.ID,
		BatchID:           j.BatchID,
		Title:             j.Spec.Title,
		Status:            j.Status,
		CurrentStage:      j.CurrentStage(),
		CurrentStageIndex: j.CurrentStageIndex,
		Stages:            stageNames(j.Stages),
		LastError:         j.LastError,
		CancelRequested:   j.CancelRequested,
		Outputs:           j.StageOutputs,
		Attempts:          j.Attempts,
		Version:           j.Version,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
		StartedAt:         j.StartedAt,
		FinishedAt:        j.FinishedAt,
	}
}

// GetJobStatus returns the current status of a book job.
func (o *Orchestrator) GetJobStatus(id string) (JobStatus, error) {
	job, err := o.store.GetBook(id)
	if err != nil {
		return JobStatus{}, err
	}
	return newJobStatus(job), nil
}

// Filter narrows ListJobs.
type Filter struct {
	Status  Status `json:"status,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
}

// ListJobs returns matching jobs, oldest first.
func (o *Orchestrator) ListJobs(f Filter) []JobStatus {
	books := o.store.ListBooks(BookFilter{Status: f.Status, BatchID: f.BatchID})
	out := make([]JobStatus, len(books))
	for i, b := range books {
		out[i] = newJobStatus(b)
	}
	return out
}

// BatchCounts tallies book statuses within a batch.
type BatchCounts struct {
	Total     int `json:"total" yaml:"total"`
	Pending   int `json:"pending" yaml:"pending"`
	Running   int `json:"running" yaml:"running"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
	Cancelled int `json:"cancelled" yaml:"cancelled"`
}

// BatchStatus is the externally visible view of a batch. Status is
// derived from the books on every read.
type BatchStatus struct {
	BatchID          string          `json:"batch_id" yaml:"batch_id"`
	Name             string          `json:"name" yaml:"name"`
	Description      string          `json:"description,omitempty" yaml:"description,omitempty"`
	Status           AggregateStatus `json:"status" yaml:"status"`
	ConcurrencyLimit int             `json:"concurrency_limit" yaml:"concurrency_limit"`
	Counts           BatchCounts     `json:"counts" yaml:"counts"`
	Books            []JobStatus     `json:"books,omitempty" yaml:"books,omitempty"`
	CreatedAt        time.Time       `json:"created_at" yaml:"created_at"`
}

func (o *Orchestrator) batchStatus(b *BatchJob, withBooks bool) BatchStatus {
	books := o.store.BatchBooks(b)
	st := BatchStatus{
		BatchID:          b.ID,
		Name:             b.Name,
		Description:      b.Description,
		ConcurrencyLimit: b.ConcurrencyLimit,
		CreatedAt:        b.CreatedAt,
	}
	statuses := make([]Status, 0, len(books))
	st.Counts.Total = len(books)
	for _, job := range books {
		statuses = append(statuses, job.Status)
		switch job.Status {
		case StatusPending:
			st.Counts.Pending++
		case StatusRunning:
			st.Counts.Running++
		case StatusSucceeded:
			st.Counts.Succeeded++
		case StatusFailed:
			st.Counts.Failed++
		case StatusCancelled:
			st.Counts.Cancelled++
		}
		if withBooks {
			st.Books = append(st.Books, newJobStatus(job))
		}
	}
	st.Status = Aggregate(statuses)
	return st
}

// GetBatchStatus returns the aggregate status and per-book statuses in
// submission order.
func (o *Orchestrator) GetBatchStatus(id string) (BatchStatus, error) {
	b, err := o.store.GetBatch(id)
	if err != nil {
		return BatchStatus{}, err
	}
	return o.batchStatus(b, true), nil
}

// ListBatches returns summaries of all batches without per-book detail.
func (o *Orchestrator) ListBatches() []BatchStatus {
	batches := o.store.ListBatches()
	out := make([]BatchStatus, len(batches))
	for i, b := range batches {
		out[i] = o.batchStatus(b, false)
	}
	return out
}

// CancelJob requests cancellation. A pending job is cancelled immediately;
// a running job stops before its next stage, keeping completed outputs.
// Cancelling an already cancelled job is a no-op.
func (o *Orchestrator) CancelJob(id string) error {
	job, err := o.store.UpdateBook(id, func(j *BookJob) error {
		switch j.Status {
		case StatusPending:
			j.CancelRequested = true
			j.Status = StatusCancelled
		case StatusRunning:
			if j.CancelRequested {
				return errSkip
			}
			j.CancelRequested = true
		case StatusCancelled:
			return errSkip
		default:
			return fmt.Errorf("%w: job %s already %s", ErrInvalidTransition, j.ID, j.Status)
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}

	if job.Status == StatusCancelled {
		if job.BatchID != "" {
			o.coord.Dequeue(job.BatchID, job.ID)
		}
		o.pipeline.recordOutcome(job)
		o.logger.Info("job cancelled", "job_id", id)
		return nil
	}
	o.coord.Interrupt(id)
	o.logger.Info("cancellation requested", "job_id", id, "stage", job.CurrentStage())
	return nil
}

// CancelBatch cancels every book of the batch that has not finished.
func (o *Orchestrator) CancelBatch(id string) error {
	b, err := o.store.GetBatch(id)
	if err != nil {
		return err
	}
	var errs []error
	for _, job := range o.store.BatchBooks(b) {
		if job.Status == StatusSucceeded || job.Status == StatusFailed {
			continue
		}
		if err := o.CancelJob(job.ID); err != nil && !errors.Is(err, ErrInvalidTransition) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResumeJob re-schedules a Failed or Cancelled job. It continues at its
// current stage and reuses every output already recorded. Books of a batch
// are resumed through the batch's lane and respect its concurrency limit.
func (o *Orchestrator) ResumeJob(id string) error {
	job, err := o.store.UpdateBook(id, func(j *BookJob) error {
		if j.Status != StatusFailed && j.Status != StatusCancelled {
			return fmt.Errorf("%w: job %s is %s, only failed or cancelled jobs can be resumed", ErrInvalidTransition, j.ID, j.Status)
		}
		j.Status = StatusPending
		j.CancelRequested = false
		j.LastError = ""
		return nil
	})
	if err != nil {
		return err
	}

	var scheduled bool
	if job.BatchID != "" {
		o.pipeline.forgetBatch(job.BatchID)
		limit := o.cfg.DefaultBatchConcurrency
		if b, err := o.store.GetBatch(job.BatchID); err == nil {
			limit = b.ConcurrencyLimit
		}
		scheduled = o.coord.Enqueue(job.BatchID, limit, job.ID)
	} else {
		scheduled = o.coord.Submit(job.ID)
	}
	if !scheduled {
		return ErrShuttingDown
	}
	o.logger.Info("job resumed", "job_id", id, "stage", job.CurrentStage(), "completed_stages", len(job.StageOutputs))
	return nil
}

// AcknowledgeJob evicts a finished record ahead of the retention sweep.
// id may name a standalone book job or a batch whose books are all
// terminal. Books that belong to a batch are acknowledged with their batch.
func (o *Orchestrator) AcknowledgeJob(id string) error {
	if b, err := o.store.GetBatch(id); err == nil {
		for _, job := range o.store.BatchBooks(b) {
			if !job.Status.Terminal() {
				return fmt.Errorf("%w: batch %s has unfinished book %s", ErrNotTerminal, id, job.ID)
			}
		}
		o.store.DeleteBatch(id)
		o.logger.Info("batch acknowledged", "batch_id", id)
		return nil
	}

	job, err := o.store.GetBook(id)
	if err != nil {
		return err
	}
	if job.BatchID != "" {
		return fmt.Errorf("%w: job %s belongs to batch %s, acknowledge the batch", ErrInvalidBatch, id, job.BatchID)
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrNotTerminal, id, job.Status)
	}
	o.store.DeleteBook(id)
	o.logger.Info("job acknowledged", "job_id", id)
	return nil
}

// ProviderStatus reports each provider's rate budget.
func (o *Orchestrator) ProviderStatus() []providers.RateBudget {
	if o.cfg.Registry == nil {
		return nil
	}
	return o.cfg.Registry.Status()
}

// Stats reports scheduler occupancy.
type Stats struct {
	Running           int `json:"running"`
	Queued            int `json:"queued"`
	GlobalConcurrency int `json:"global_concurrency"`
}

// Stats returns scheduler occupancy.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Running:           o.coord.Running(),
		Queued:            o.coord.Queued(),
		GlobalConcurrency: o.coord.GlobalCap(),
	}
}

// Wait blocks until every scheduled job has finished. Used by tests and
// one-shot CLI runs.
func (o *Orchestrator) Wait() {
	o.coord.Wait()
}

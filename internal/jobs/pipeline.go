package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackzampolin/storybook/internal/clock"
	"github.com/jackzampolin/storybook/internal/providers"
	"github.com/jackzampolin/storybook/internal/stages"
	"github.com/jackzampolin/storybook/internal/types"
)

// StageRunner executes one stage for one book. *stages.Executor implements it.
type StageRunner interface {
	Execute(ctx context.Context, req *providers.Request) (stages.Result, error)
}

// errSkip aborts an UpdateBook without writing.
var errSkip = errors.New("skip update")

// Pipeline drives a single book job through its stages. Progress is written
// to the store after every stage, so a resumed job continues from its first
// stage without an output.
type Pipeline struct {
	store    *Store
	runner   StageRunner
	recorder OutcomeRecorder
	clk      clock.Clock
	logger   *slog.Logger

	// batches whose outcome has been recorded
	recorded sync.Map
}

// NewPipeline creates a pipeline. recorder may be nil.
func NewPipeline(store *Store, runner StageRunner, recorder OutcomeRecorder, clk clock.Clock, logger *slog.Logger) *Pipeline {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: store, runner: runner, recorder: recorder, clk: clk, logger: logger}
}

// Run executes the job until it reaches a terminal status. Cancellation is
// honored between stages: a set CancelRequested flag ends the job as
// Cancelled, keeping every output already produced. If ctx ends without a
// cancellation request, the job fails as interrupted and can be resumed.
func (p *Pipeline) Run(ctx context.Context, id string) error {
	logger := p.logger.With("job_id", id)

	job, err := p.store.UpdateBook(id, func(j *BookJob) error {
		switch j.Status {
		case StatusPending:
			if j.CancelRequested {
				j.Status = StatusCancelled
			} else {
				j.Status = StatusRunning
			}
			return nil
		case StatusRunning:
			return fmt.Errorf("%w: job %s is already running", ErrInvalidTransition, j.ID)
		default:
			return errSkip
		}
	})
	if errors.Is(err, errSkip) {
		logger.Debug("job already terminal, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status == StatusCancelled {
		logger.Info("job cancelled before start")
		p.recordOutcome(job)
		return nil
	}
	logger.Info("pipeline started", "title", job.Spec.Title, "stage_index", job.CurrentStageIndex)

	for {
		job, err = p.store.GetBook(id)
		if err != nil {
			return err
		}

		if job.CancelRequested {
			return p.finish(id, StatusCancelled, "", logger)
		}
		if ctx.Err() != nil {
			return p.finish(id, StatusFailed, interruptedByShutdown, logger)
		}
		if job.CurrentStageIndex >= len(job.Stages) {
			return p.finish(id, StatusSucceeded, "", logger)
		}

		idx := job.CurrentStageIndex
		stage := job.Stages[idx].Name

		if _, done := job.StageOutputs[stage]; done {
			logger.Debug("stage already complete, advancing", "stage", stage)
			if _, err := p.store.UpdateBook(id, func(j *BookJob) error {
				if j.CurrentStageIndex == idx {
					j.CurrentStageIndex = idx + 1
				}
				return nil
			}); err != nil {
				return err
			}
			continue
		}

		req := &providers.Request{
			JobID:  id,
			Stage:  stage,
			Spec:   job.Spec,
			Inputs: job.Clone().StageOutputs,
		}
		res, runErr := p.runner.Execute(ctx, req)

		if runErr != nil {
			status, msg := StatusFailed, runErr.Error()
			switch {
			case errors.Is(runErr, ErrCancellationRequested):
				status, msg = StatusCancelled, ""
			case ctx.Err() != nil:
				msg = interruptedByShutdown + ": " + runErr.Error()
			}
			if _, err := p.store.UpdateBook(id, func(j *BookJob) error {
				j.Attempts[stage] += res.Attempts
				return nil
			}); err != nil {
				return err
			}
			// A cancel request that arrived while the stage was running wins
			// over the stage error.
			if cur, err := p.store.GetBook(id); err == nil && cur.CancelRequested {
				status, msg = StatusCancelled, ""
			}
			logger.Warn("stage failed", "stage", stage, "attempts", res.Attempts, "error", runErr)
			return p.finish(id, status, msg, logger)
		}

		if _, err := p.store.UpdateBook(id, func(j *BookJob) error {
			if _, ok := j.StageOutputs[stage]; !ok {
				j.StageOutputs[stage] = res.Output
			}
			if j.CurrentStageIndex == idx {
				j.CurrentStageIndex = idx + 1
			}
			j.Attempts[stage] += res.Attempts
			j.LastError = ""
			return nil
		}); err != nil {
			return err
		}
		logger.Info("stage complete", "stage", stage, "provider", res.Provider, "attempts", res.Attempts, "ref", res.Output.Ref)
	}
}

func (p *Pipeline) finish(id string, status Status, lastErr string, logger *slog.Logger) error {
	job, err := p.store.UpdateBook(id, func(j *BookJob) error {
		if j.Status.Terminal() {
			return errSkip
		}
		j.Status = status
		j.LastError = lastErr
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	switch status {
	case StatusSucceeded:
		logger.Info("pipeline succeeded")
	case StatusCancelled:
		logger.Info("pipeline cancelled", "stage_index", job.CurrentStageIndex)
	default:
		logger.Error("pipeline failed", "stage_index", job.CurrentStageIndex, "error", lastErr)
	}
	p.recordOutcome(job)
	return nil
}

func (p *Pipeline) recordOutcome(job *BookJob) {
	if p.recorder == nil {
		return
	}
	ctx := context.Background()
	if err := p.recorder.RecordBook(ctx, NewBookOutcome(job)); err != nil {
		p.logger.Warn("failed to record book outcome", "job_id", job.ID, "error", err)
	}
	if job.BatchID == "" {
		return
	}
	batch, err := p.store.GetBatch(job.BatchID)
	if err != nil {
		return
	}
	outcome, done := p.batchOutcome(batch)
	if !done {
		return
	}
	if _, already := p.recorded.LoadOrStore(batch.ID, struct{}{}); already {
		return
	}
	if err := p.recorder.RecordBatch(ctx, outcome); err != nil {
		p.logger.Warn("failed to record batch outcome", "batch_id", batch.ID, "error", err)
	}
}

// forgetBatch allows a batch outcome to be recorded again after one of its
// books is resumed.
func (p *Pipeline) forgetBatch(batchID string) {
	p.recorded.Delete(batchID)
}

func (p *Pipeline) batchOutcome(batch *BatchJob) (BatchOutcome, bool) {
	books := p.store.BatchBooks(batch)
	statuses := make([]Status, 0, len(books))
	o := BatchOutcome{
		BatchID:    batch.ID,
		Name:       batch.Name,
		Total:      len(batch.BookJobIDs),
		FinishedAt: p.clk.Now(),
	}
	for _, b := range books {
		statuses = append(statuses, b.Status)
		switch b.Status {
		case StatusSucceeded:
			o.Succeeded++
		case StatusFailed:
			o.Failed++
		case StatusCancelled:
			o.Cancelled++
		}
	}
	o.Status = Aggregate(statuses)
	return o, o.Status != BatchRunning
}

var _ StageRunner = (*stages.Executor)(nil)

// stageNames lists the stages of a job.
func stageNames(defs []types.StageDef) []types.StageName {
	out := make([]types.StageName, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

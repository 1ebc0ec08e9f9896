// Package jobs drives book generation pipelines and batches of them.
//
// Every BookJob and BatchJob lives in a Store keyed by id. Book records are
// only mutated through Store.UpsertBook, a compare-and-swap on the record's
// version: callers read a copy, change it and write it back, re-reading on
// conflict. A Pipeline advances one book through its stages, a Coordinator
// schedules pipelines under concurrency caps, and the Orchestrator is the
// entry point used by the HTTP layer.
package jobs

import (
	"errors"
	"time"

	"github.com/jackzampolin/storybook/internal/types"
)

// Sentinel errors. ErrVersionConflict signals a lost compare-and-swap;
// Store.UpdateBook retries it by re-reading, so it never reaches callers of
// the Orchestrator.
var (
	ErrNotFound          = errors.New("job not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvariant         = errors.New("job invariant violated")
	ErrNotTerminal       = errors.New("job is not in a terminal state")
	ErrInvalidBatch      = errors.New("invalid batch")
	ErrShuttingDown      = errors.New("orchestrator is shutting down")
)

// ErrCancellationRequested marks a cooperative cancellation. It ends a job
// as Cancelled and is never recorded as the job's last error.
var ErrCancellationRequested = errors.New("cancellation requested")

// Status represents the current state of a book job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further automatic transitions occur.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed. Statuses only move
// forward, except that Failed and Cancelled jobs may be explicitly resumed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.Terminal()
	case StatusFailed, StatusCancelled:
		return to == StatusPending
	default:
		return false
	}
}

// BookJob is one book's generation run.
type BookJob struct {
	ID      string         `json:"id"`
	BatchID string         `json:"batch_id,omitempty"`
	Spec    types.BookSpec `json:"spec"`

	Stages            []types.StageDef                 `json:"stages"`
	CurrentStageIndex int                              `json:"current_stage_index"`
	StageOutputs      map[types.StageName]types.Output `json:"stage_outputs"`
	Attempts          map[types.StageName]int          `json:"attempts"`

	Status          Status `json:"status"`
	LastError       string `json:"last_error,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`

	// Version increases on every successful upsert.
	Version uint64 `json:"version"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewBookJob creates a pending job for spec with the standard stages.
func NewBookJob(id string, spec types.BookSpec, now time.Time) *BookJob {
	return &BookJob{
		ID:           id,
		Spec:         spec,
		Stages:       types.DefaultStages(),
		StageOutputs: make(map[types.StageName]types.Output),
		Attempts:     make(map[types.StageName]int),
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// CurrentStage returns the stage the job will run next, or "" when done.
func (j *BookJob) CurrentStage() types.StageName {
	if j.CurrentStageIndex < 0 || j.CurrentStageIndex >= len(j.Stages) {
		return ""
	}
	return j.Stages[j.CurrentStageIndex].Name
}

// Clone returns a deep copy.
func (j *BookJob) Clone() *BookJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Spec.Characters = append([]types.Character(nil), j.Spec.Characters...)
	c.Stages = append([]types.StageDef(nil), j.Stages...)
	c.StageOutputs = make(map[types.StageName]types.Output, len(j.StageOutputs))
	for k, v := range j.StageOutputs {
		c.StageOutputs[k] = v.Clone()
	}
	c.Attempts = make(map[types.StageName]int, len(j.Attempts))
	for k, v := range j.Attempts {
		c.Attempts[k] = v
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// BatchJob is a named, immutable group of book jobs.
type BatchJob struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	BookJobIDs  []string `json:"book_job_ids"`
	// ConcurrencyLimit is a hard ceiling on simultaneously running books,
	// already clamped to the global cap.
	ConcurrencyLimit int       `json:"concurrency_limit"`
	Version          uint64    `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (b *BatchJob) Clone() *BatchJob {
	if b == nil {
		return nil
	}
	c := *b
	c.BookJobIDs = append([]string(nil), b.BookJobIDs...)
	return &c
}

// AggregateStatus is the batch status derived from its books.
type AggregateStatus string

const (
	BatchRunning         AggregateStatus = "running"
	BatchCompleted       AggregateStatus = "completed"
	BatchPartiallyFailed AggregateStatus = "partially_failed"
)

// Aggregate derives a batch status: Completed when every book succeeded,
// PartiallyFailed when every book is terminal and at least one did not
// succeed, Running otherwise.
func Aggregate(statuses []Status) AggregateStatus {
	allSucceeded := true
	for _, s := range statuses {
		if !s.Terminal() {
			return BatchRunning
		}
		if s != StatusSucceeded {
			allSucceeded = false
		}
	}
	if allSucceeded {
		return BatchCompleted
	}
	return BatchPartiallyFailed
}

package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/jackzampolin/storybook/internal/clock"
)

// Checkpointer persists job records so the store can be rebuilt after a
// restart. Writes happen under the record's lock, so the last write for a
// record always reflects the latest version.
type Checkpointer interface {
	SaveBook(job *BookJob) error
	SaveBatch(batch *BatchJob) error
	DeleteBook(id string) error
	DeleteBatch(id string) error
}

// Store holds book and batch records. Each record has its own lock; there
// is no store-wide lock, so writes to different jobs never contend.
type Store struct {
	books   sync.Map // id -> *bookEntry
	batches sync.Map // id -> *BatchJob (immutable once stored)

	clk            clock.Clock
	cp             Checkpointer
	onBatchDeleted func(id string)
	logger         *slog.Logger
}

type bookEntry struct {
	mu  sync.Mutex
	job *BookJob
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Clock        clock.Clock
	Checkpointer Checkpointer
	// OnBatchDeleted is called after a batch is evicted or acknowledged.
	OnBatchDeleted func(id string)
	Logger         *slog.Logger
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{clk: cfg.Clock, cp: cfg.Checkpointer, onBatchDeleted: cfg.OnBatchDeleted, logger: cfg.Logger}
}

// GetBook returns a copy of the book job.
func (s *Store) GetBook(id string) (*BookJob, error) {
	v, ok := s.books.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := v.(*bookEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.job.Clone(), nil
}

// UpsertBook writes job if job.Version matches the stored version.
// Version 0 creates the record. On success the stored copy, with its new
// version, is returned. Writes that would move the stage index backwards,
// drop or change a recorded stage output, or make an illegal status
// transition are rejected with ErrInvariant or ErrInvalidTransition.
func (s *Store) UpsertBook(job *BookJob) (*BookJob, error) {
	if job == nil || job.ID == "" {
		return nil, fmt.Errorf("%w: job id is required", ErrInvariant)
	}
	now := s.clk.Now()

	if job.Version == 0 {
		next := job.Clone()
		next.Version = 1
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		next.UpdatedAt = now
		e := &bookEntry{}
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, loaded := s.books.LoadOrStore(job.ID, e); loaded {
			return nil, fmt.Errorf("%w: %s already exists", ErrVersionConflict, job.ID)
		}
		e.job = next
		s.checkpointBook(next)
		return next.Clone(), nil
	}

	v, ok := s.books.Load(job.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	e := v.(*bookEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.job
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	if cur.Version != job.Version {
		return nil, fmt.Errorf("%w: %s at version %d, write based on %d", ErrVersionConflict, job.ID, cur.Version, job.Version)
	}
	if err := checkUpdate(cur, job); err != nil {
		return nil, err
	}

	next := job.Clone()
	next.ID, next.BatchID, next.CreatedAt = cur.ID, cur.BatchID, cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if next.Status == StatusRunning && next.StartedAt == nil {
		next.StartedAt = &now
	}
	switch {
	case !next.Status.Terminal():
		next.FinishedAt = nil
	case !cur.Status.Terminal() || next.FinishedAt == nil:
		next.FinishedAt = &now
	}
	e.job = next
	s.checkpointBook(next)
	return next.Clone(), nil
}

func checkUpdate(cur, next *BookJob) error {
	if !next.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next.Status)
	}
	if !CanTransition(cur.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}
	if next.CurrentStageIndex < cur.CurrentStageIndex {
		return fmt.Errorf("%w: stage index %d -> %d", ErrInvariant, cur.CurrentStageIndex, next.CurrentStageIndex)
	}
	if next.CurrentStageIndex > len(next.Stages) {
		return fmt.Errorf("%w: stage index %d beyond %d stages", ErrInvariant, next.CurrentStageIndex, len(next.Stages))
	}
	for stage, out := range cur.StageOutputs {
		got, ok := next.StageOutputs[stage]
		if !ok {
			return fmt.Errorf("%w: output for stage %s removed", ErrInvariant, stage)
		}
		if got.Ref != out.Ref || got.Provider != out.Provider || !maps.Equal(got.Attributes, out.Attributes) {
			return fmt.Errorf("%w: output for stage %s changed", ErrInvariant, stage)
		}
	}
	return nil
}

// UpdateBook applies fn to a fresh copy of the job and writes it back,
// retrying on version conflicts. If fn returns an error nothing is written
// and the error is returned as is.
func (s *Store) UpdateBook(id string, fn func(*BookJob) error) (*BookJob, error) {
	for {
		job, err := s.GetBook(id)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return nil, err
		}
		updated, err := s.UpsertBook(job)
		if err == nil {
			return updated, nil
		}
		if !isConflict(err) {
			return nil, err
		}
	}
}

// BookFilter narrows ListBooks. Zero values match everything.
type BookFilter struct {
	Status  Status
	BatchID string
}

// ListBooks returns copies of matching jobs, oldest first.
func (s *Store) ListBooks(filter BookFilter) []*BookJob {
	var out []*BookJob
	s.books.Range(func(key, v any) bool {
		e := v.(*bookEntry)
		e.mu.Lock()
		job := e.job
		if job != nil &&
			(filter.Status == "" || job.Status == filter.Status) &&
			(filter.BatchID == "" || job.BatchID == filter.BatchID) {
			out = append(out, job.Clone())
		}
		e.mu.Unlock()
		return true
	})
	sortBooks(out)
	return out
}

func sortBooks(jobs []*BookJob) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

// CreateBatch stores the batch and all of its books. Books must be new
// (version 0) and carry the batch id.
func (s *Store) CreateBatch(batch *BatchJob, books []*BookJob) (*BatchJob, error) {
	if batch == nil || batch.ID == "" {
		return nil, fmt.Errorf("%w: batch id is required", ErrInvalidBatch)
	}
	if _, loaded := s.batches.Load(batch.ID); loaded {
		return nil, fmt.Errorf("%w: batch %s already exists", ErrVersionConflict, batch.ID)
	}
	for _, b := range books {
		if b.BatchID != batch.ID {
			return nil, fmt.Errorf("%w: book %s does not belong to batch %s", ErrInvalidBatch, b.ID, batch.ID)
		}
	}
	for i, b := range books {
		if _, err := s.UpsertBook(b); err != nil {
			for _, created := range books[:i] {
				s.DeleteBook(created.ID)
			}
			return nil, err
		}
	}
	stored := batch.Clone()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clk.Now()
	}
	s.batches.Store(stored.ID, stored)
	if s.cp != nil {
		if err := s.cp.SaveBatch(stored); err != nil {
			s.logger.Warn("failed to checkpoint batch", "batch_id", stored.ID, "error", err)
		}
	}
	return stored.Clone(), nil
}

// GetBatch returns a copy of the batch.
func (s *Store) GetBatch(id string) (*BatchJob, error) {
	v, ok := s.batches.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	return v.(*BatchJob).Clone(), nil
}

// ListBatches returns all batches, oldest first.
func (s *Store) ListBatches() []*BatchJob {
	var out []*BatchJob
	s.batches.Range(func(_, v any) bool {
		out = append(out, v.(*BatchJob).Clone())
		return true
	})
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// BatchBooks returns the batch's books in submission order. Books that were
// swept are skipped.
func (s *Store) BatchBooks(batch *BatchJob) []*BookJob {
	out := make([]*BookJob, 0, len(batch.BookJobIDs))
	for _, id := range batch.BookJobIDs {
		if job, err := s.GetBook(id); err == nil {
			out = append(out, job)
		}
	}
	return out
}

// DeleteBook removes a book record.
func (s *Store) DeleteBook(id string) {
	v, ok := s.books.LoadAndDelete(id)
	if !ok {
		return
	}
	e := v.(*bookEntry)
	e.mu.Lock()
	e.job = nil
	e.mu.Unlock()
	if s.cp != nil {
		if err := s.cp.DeleteBook(id); err != nil {
			s.logger.Warn("failed to delete book checkpoint", "job_id", id, "error", err)
		}
	}
}

// DeleteBatch removes a batch and its books.
func (s *Store) DeleteBatch(id string) {
	v, ok := s.batches.LoadAndDelete(id)
	if !ok {
		return
	}
	for _, bookID := range v.(*BatchJob).BookJobIDs {
		s.DeleteBook(bookID)
	}
	if s.cp != nil {
		if err := s.cp.DeleteBatch(id); err != nil {
			s.logger.Warn("failed to delete batch checkpoint", "batch_id", id, "error", err)
		}
	}
	if s.onBatchDeleted != nil {
		s.onBatchDeleted(id)
	}
}

// Restore loads a previously checkpointed book as is, keeping its version.
func (s *Store) Restore(job *BookJob) {
	s.books.Store(job.ID, &bookEntry{job: job.Clone()})
}

// RestoreBatch loads a previously checkpointed batch.
func (s *Store) RestoreBatch(batch *BatchJob) {
	s.batches.Store(batch.ID, batch.Clone())
}

// Sweep evicts terminal records that finished more than retention ago.
// A batch is evicted together with its books once every book has expired;
// until then none of its books are evicted. Returns the number of book
// records removed.
func (s *Store) Sweep(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := s.clk.Now().Add(-retention)
	expired := func(job *BookJob) bool {
		return job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff)
	}

	removed := 0
	for _, batch := range s.ListBatches() {
		books := s.BatchBooks(batch)
		all := true
		for _, b := range books {
			if !expired(b) {
				all = false
				break
			}
		}
		if all {
			s.DeleteBatch(batch.ID)
			removed += len(books)
		}
	}
	for _, job := range s.ListBooks(BookFilter{}) {
		if job.BatchID == "" && expired(job) {
			s.DeleteBook(job.ID)
			removed++
		}
	}
	return removed
}

func isConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

func (s *Store) checkpointBook(job *BookJob) {
	if s.cp == nil {
		return
	}
	if err := s.cp.SaveBook(job); err != nil {
		s.logger.Warn("failed to checkpoint job", "job_id", job.ID, "version", job.Version, "error", err)
	}
}

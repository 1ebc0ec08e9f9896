package jobs

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/storybook/internal/clock"
	"github.com/jackzampolin/storybook/internal/types"
)

func newTestStore(clk clock.Clock, cp Checkpointer) *Store {
	return NewStore(StoreConfig{Clock: clk, Checkpointer: cp, Logger: quietLogger()})
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(clock.NewFake(testStart), nil)

	stored, err := s.UpsertBook(NewBookJob("b1", testSpec("One"), testStart))
	if err != nil {
		t.Fatalf("UpsertBook() error = %v", err)
	}
	if stored.Version != 1 {
		t.Errorf("Version = %d, want 1", stored.Version)
	}

	if _, err := s.UpsertBook(NewBookJob("b1", testSpec("Dup"), testStart)); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("duplicate create error = %v, want ErrVersionConflict", err)
	}

	got, err := s.GetBook("b1")
	if err != nil {
		t.Fatalf("GetBook() error = %v", err)
	}
	got.Spec.Title = "mutated"
	again, _ := s.GetBook("b1")
	if again.Spec.Title != "One" {
		t.Error("GetBook returned a shared record")
	}

	if _, err := s.GetBook("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBook(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_VersionConflict(t *testing.T) {
	s := newTestStore(clock.NewFake(testStart), nil)
	s.UpsertBook(NewBookJob("b1", testSpec("One"), testStart))

	a, _ := s.GetBook("b1")
	b, _ := s.GetBook("b1")

	a.Status = StatusRunning
	if _, err := s.UpsertBook(a); err != nil {
		t.Fatalf("first writer error = %v", err)
	}
	b.Status = StatusCancelled
	if _, err := s.UpsertBook(b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale writer error = %v, want ErrVersionConflict", err)
	}

	got, _ := s.GetBook("b1")
	if got.Status != StatusRunning || got.Version != 2 {
		t.Errorf("got status %s version %d, want running at 2", got.Status, got.Version)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set on running")
	}
}

func TestStore_RejectsInvariantViolations(t *testing.T) {
	s := newTestStore(clock.NewFake(testStart), nil)
	job := NewBookJob("b1", testSpec("One"), testStart)
	job.Status = StatusRunning
	job.CurrentStageIndex = 1
	job.StageOutputs[types.StageText] = types.Output{Ref: "story.json"}
	s.UpsertBook(job)

	tests := []struct {
		name   string
		mutate func(j *BookJob)
		want   error
	}{
		{"index backwards", func(j *BookJob) { j.CurrentStageIndex = 0 }, ErrInvariant},
		{"index beyond stages", func(j *BookJob) { j.CurrentStageIndex = len(j.Stages) + 1 }, ErrInvariant},
		{"output removed", func(j *BookJob) { delete(j.StageOutputs, types.StageText) }, ErrInvariant},
		{"output changed", func(j *BookJob) { j.StageOutputs[types.StageText] = types.Output{Ref: "other.json"} }, ErrInvariant},
		{"running to pending", func(j *BookJob) { j.Status = StatusPending }, ErrInvalidTransition},
		{"unknown status", func(j *BookJob) { j.Status = "paused" }, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur, _ := s.GetBook("b1")
			tt.mutate(cur)
			if _, err := s.UpsertBook(cur); !errors.Is(err, tt.want) {
				t.Errorf("UpsertBook() error = %v, want %v", err, tt.want)
			}
		})
	}

	got, _ := s.GetBook("b1")
	if got.Version != 1 {
		t.Errorf("rejected writes changed version to %d", got.Version)
	}
}

func TestStore_UpdateBookRetriesConflicts(t *testing.T) {
	s := newTestStore(clock.NewFake(testStart), nil)
	s.UpsertBook(NewBookJob("b1", testSpec("One"), testStart))

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.UpdateBook("b1", func(j *BookJob) error {
				j.Attempts[types.StageText]++
				return nil
			}); err != nil {
				t.Errorf("UpdateBook() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetBook("b1")
	if got.Attempts[types.StageText] != writers {
		t.Errorf("attempts = %d, want %d (lost update)", got.Attempts[types.StageText], writers)
	}
	if got.Version != writers+1 {
		t.Errorf("version = %d, want %d", got.Version, writers+1)
	}
}

func TestStore_FinishedAtLifecycle(t *testing.T) {
	clk := clock.NewFake(testStart)
	s := newTestStore(clk, nil)
	s.UpsertBook(NewBookJob("b1", testSpec("One"), testStart))

	s.UpdateBook("b1", func(j *BookJob) error { j.Status = StatusRunning; return nil })
	clk.Advance(time.Minute)
	done, _ := s.UpdateBook("b1", func(j *BookJob) error { j.Status = StatusFailed; return nil })
	if done.FinishedAt == nil || !done.FinishedAt.Equal(testStart.Add(time.Minute)) {
		t.Fatalf("FinishedAt = %v, want %v", done.FinishedAt, testStart.Add(time.Minute))
	}

	resumed, _ := s.UpdateBook("b1", func(j *BookJob) error { j.Status = StatusPending; return nil })
	if resumed.FinishedAt != nil {
		t.Error("FinishedAt not cleared on resume")
	}
}

func TestStore_ListBooks(t *testing.T) {
	clk := clock.NewFake(testStart)
	s := newTestStore(clk, nil)

	for i, id := range []string{"c", "a", "b"} {
		job := NewBookJob(id, testSpec(id), testStart.Add(time.Duration(i)*time.Second))
		if id == "b" {
			job.BatchID = "batch-1"
		}
		s.UpsertBook(job)
	}
	s.UpdateBook("a", func(j *BookJob) error { j.Status = StatusRunning; return nil })

	all := s.ListBooks(BookFilter{})
	if len(all) != 3 || all[0].ID != "c" || all[1].ID != "a" || all[2].ID != "b" {
		t.Errorf("ListBooks order = %v", ids(all))
	}
	if got := s.ListBooks(BookFilter{Status: StatusRunning}); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("status filter = %v", ids(got))
	}
	if got := s.ListBooks(BookFilter{BatchID: "batch-1"}); len(got) != 1 || got[0].ID != "b" {
		t.Errorf("batch filter = %v", ids(got))
	}
}

func ids(jobs []*BookJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestStore_CreateBatch(t *testing.T) {
	s := newTestStore(clock.NewFake(testStart), nil)

	b1 := NewBookJob("b1", testSpec("One"), testStart)
	b2 := NewBookJob("b2", testSpec("Two"), testStart)
	b1.BatchID, b2.BatchID = "batch", "batch"
	batch := &BatchJob{ID: "batch", Name: "spring", BookJobIDs: []string{"b1", "b2"}, ConcurrencyLimit: 2}

	if _, err := s.CreateBatch(batch, []*BookJob{b1, b2}); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	got, err := s.GetBatch("batch")
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	books := s.BatchBooks(got)
	if len(books) != 2 || books[0].ID != "b1" || books[1].ID != "b2" {
		t.Errorf("BatchBooks() = %v, want [b1 b2]", ids(books))
	}

	stray := NewBookJob("b3", testSpec("Three"), testStart)
	if _, err := s.CreateBatch(&BatchJob{ID: "other", BookJobIDs: []string{"b3"}}, []*BookJob{stray}); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("CreateBatch with foreign book error = %v, want ErrInvalidBatch", err)
	}
}

func TestStore_Sweep(t *testing.T) {
	clk := clock.NewFake(testStart)
	s := newTestStore(clk, nil)

	finish := func(id string, status Status) {
		s.UpdateBook(id, func(j *BookJob) error { j.Status = StatusRunning; return nil })
		s.UpdateBook(id, func(j *BookJob) error { j.Status = status; return nil })
	}

	s.UpsertBook(NewBookJob("done", testSpec("Done"), testStart))
	s.UpsertBook(NewBookJob("active", testSpec("Active"), testStart))
	finish("done", StatusSucceeded)

	b1 := NewBookJob("b1", testSpec("B1"), testStart)
	b2 := NewBookJob("b2", testSpec("B2"), testStart)
	b1.BatchID, b2.BatchID = "batch", "batch"
	s.CreateBatch(&BatchJob{ID: "batch", BookJobIDs: []string{"b1", "b2"}}, []*BookJob{b1, b2})
	finish("b1", StatusFailed)

	clk.Advance(2 * time.Hour)
	if n := s.Sweep(time.Hour); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if _, err := s.GetBook("done"); !errors.Is(err, ErrNotFound) {
		t.Error("expired standalone job not swept")
	}
	if _, err := s.GetBook("active"); err != nil {
		t.Error("pending job swept")
	}
	if _, err := s.GetBook("b1"); err != nil {
		t.Error("batch book swept while a sibling is unfinished")
	}

	finish("b2", StatusSucceeded)
	clk.Advance(2 * time.Hour)
	if n := s.Sweep(time.Hour); n != 2 {
		t.Fatalf("second Sweep() = %d, want 2", n)
	}
	if _, err := s.GetBatch("batch"); !errors.Is(err, ErrNotFound) {
		t.Error("finished batch not swept")
	}
}

func TestFileCheckpointer_RoundTrip(t *testing.T) {
	cp, err := NewFileCheckpointer(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileCheckpointer() error = %v", err)
	}
	s := newTestStore(clock.NewFake(testStart), cp)

	s.UpsertBook(NewBookJob("solo", testSpec("Solo"), testStart))
	s.UpdateBook("solo", func(j *BookJob) error {
		j.Status = StatusRunning
		j.StageOutputs[types.StageText] = types.Output{Ref: "story.json"}
		j.CurrentStageIndex = 1
		return nil
	})
	b1 := NewBookJob("b1", testSpec("B1"), testStart)
	b1.BatchID = "batch"
	s.CreateBatch(&BatchJob{ID: "batch", Name: "n", BookJobIDs: []string{"b1"}}, []*BookJob{b1})

	books, batches, errs := cp.Load()
	if len(errs) != 0 {
		t.Fatalf("Load() errors = %v", errs)
	}
	if len(books) != 2 || len(batches) != 1 {
		t.Fatalf("Load() = %d books, %d batches; want 2, 1", len(books), len(batches))
	}
	for _, b := range books {
		if b.ID == "solo" {
			if b.Version != 2 || b.CurrentStageIndex != 1 || b.StageOutputs[types.StageText].Ref != "story.json" {
				t.Errorf("checkpoint = %+v, want latest version", b)
			}
		}
	}

	s.DeleteBatch("batch")
	books, batches, _ = cp.Load()
	if len(books) != 1 || len(batches) != 0 {
		t.Errorf("after delete Load() = %d books, %d batches; want 1, 0", len(books), len(batches))
	}
}

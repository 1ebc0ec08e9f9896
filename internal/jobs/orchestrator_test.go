package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/storybook/internal/clock"
	"github.com/jackzampolin/storybook/internal/providers"
	"github.com/jackzampolin/storybook/internal/types"
)

func TestOrchestrator_BatchPartialFailure(t *testing.T) {
	runner := newFakeRunner()
	rejection := &providers.TerminalError{Provider: "fake", Reason: providers.ReasonContentPolicy, Message: "illustration rejected"}
	runner.fail = func(req *providers.Request) error {
		if req.Spec.Title == "Book 2" && req.Stage == types.StageImages {
			return rejection
		}
		return nil
	}
	rec := &memoryRecorder{}
	o := newTestOrchestrator(t, runner, func(c *Config) { c.Recorder = rec })

	batchID, err := o.SubmitBatchJob(context.Background(), BatchRequest{
		Name:             "spring",
		Books:            []types.BookSpec{testSpec("Book 1"), testSpec("Book 2"), testSpec("Book 3")},
		ConcurrencyLimit: 3,
	})
	if err != nil {
		t.Fatalf("SubmitBatchJob() error = %v", err)
	}
	o.Wait()

	st, err := o.GetBatchStatus(batchID)
	if err != nil {
		t.Fatalf("GetBatchStatus() error = %v", err)
	}
	if st.Status != BatchPartiallyFailed {
		t.Errorf("aggregate = %s, want partially_failed", st.Status)
	}
	if len(st.Books) != 3 {
		t.Fatalf("books = %d, want 3", len(st.Books))
	}
	for i, want := range []Status{StatusSucceeded, StatusFailed, StatusSucceeded} {
		b := st.Books[i]
		if b.Title != fmt.Sprintf("Book %d", i+1) {
			t.Errorf("book %d title = %q, submission order lost", i, b.Title)
		}
		if b.Status != want {
			t.Errorf("book %d status = %s, want %s", i+1, b.Status, want)
		}
	}
	if st.Books[1].LastError != rejection.Error() {
		t.Errorf("book 2 LastError = %q", st.Books[1].LastError)
	}
	if st.Books[1].CurrentStageIndex != 1 {
		t.Errorf("book 2 stopped at %d, want 1", st.Books[1].CurrentStageIndex)
	}
	if st.Counts != (BatchCounts{Total: 3, Succeeded: 2, Failed: 1}) {
		t.Errorf("counts = %+v", st.Counts)
	}

	books, batches := rec.snapshot()
	if len(books) != 3 {
		t.Errorf("book outcomes = %d, want 3", len(books))
	}
	if len(batches) != 1 || batches[0].Status != BatchPartiallyFailed || batches[0].Failed != 1 {
		t.Errorf("batch outcomes = %+v", batches)
	}
}

func TestOrchestrator_BatchConcurrencyLimit(t *testing.T) {
	var (
		o       *Orchestrator
		maxSeen atomic.Int64
	)
	runner := newFakeRunner()
	runner.before = func(_ context.Context, req *providers.Request) {
		n := int64(len(o.Store().ListBooks(BookFilter{Status: StatusRunning})))
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	o = newTestOrchestrator(t, runner, func(c *Config) { c.GlobalConcurrency = 10 })

	specs := make([]types.BookSpec, 5)
	for i := range specs {
		specs[i] = testSpec("Same Book")
	}
	batchID, err := o.SubmitBatchJob(context.Background(), BatchRequest{Name: "five", Books: specs, ConcurrencyLimit: 2})
	if err != nil {
		t.Fatalf("SubmitBatchJob() error = %v", err)
	}
	o.Wait()

	if got := maxSeen.Load(); got > 2 {
		t.Errorf("max running = %d, want <= 2", got)
	}
	st, _ := o.GetBatchStatus(batchID)
	if st.Status != BatchCompleted || st.Counts.Succeeded != 5 {
		t.Errorf("batch = %s %+v, want completed with 5 succeeded", st.Status, st.Counts)
	}
}

func TestOrchestrator_GlobalCap(t *testing.T) {
	var (
		o       *Orchestrator
		maxSeen atomic.Int64
	)
	runner := newFakeRunner()
	runner.before = func(context.Context, *providers.Request) {
		n := int64(len(o.Store().ListBooks(BookFilter{Status: StatusRunning})))
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
	}
	o = newTestOrchestrator(t, runner, func(c *Config) { c.GlobalConcurrency = 1 })

	for i := 0; i < 3; i++ {
		if _, err := o.SubmitBookJob(context.Background(), testSpec(fmt.Sprintf("Solo %d", i))); err != nil {
			t.Fatalf("SubmitBookJob() error = %v", err)
		}
	}
	if _, err := o.SubmitBatchJob(context.Background(), BatchRequest{
		Books: []types.BookSpec{testSpec("A"), testSpec("B")}, ConcurrencyLimit: 2,
	}); err != nil {
		t.Fatalf("SubmitBatchJob() error = %v", err)
	}
	o.Wait()

	if got := maxSeen.Load(); got != 1 {
		t.Errorf("max running = %d, want 1", got)
	}
	if n := len(o.ListJobs(Filter{Status: StatusSucceeded})); n != 5 {
		t.Errorf("succeeded = %d, want 5", n)
	}
}

func TestOrchestrator_BatchValidation(t *testing.T) {
	o := newTestOrchestrator(t, newFakeRunner(), func(c *Config) {
		c.GlobalConcurrency = 4
		c.DefaultBatchConcurrency = 3
	})
	ctx := context.Background()

	if _, err := o.SubmitBatchJob(ctx, BatchRequest{Name: "empty"}); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("empty batch error = %v, want ErrInvalidBatch", err)
	}

	tooMany := make([]types.BookSpec, DefaultMaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = testSpec("x")
	}
	if _, err := o.SubmitBatchJob(ctx, BatchRequest{Books: tooMany}); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("oversized batch error = %v, want ErrInvalidBatch", err)
	}

	bad := testSpec("Bad")
	bad.AgeGroup = "adult"
	if _, err := o.SubmitBatchJob(ctx, BatchRequest{Books: []types.BookSpec{testSpec("ok"), bad}}); !errors.Is(err, types.ErrInvalidSpec) {
		t.Errorf("invalid spec error = %v, want ErrInvalidSpec", err)
	}
	if n := len(o.ListJobs(Filter{})); n != 0 {
		t.Errorf("rejected batches stored %d jobs", n)
	}

	tests := []struct {
		limit int
		want  int
	}{
		{0, 3},
		{2, 2},
		{50, 4},
	}
	for _, tt := range tests {
		id, err := o.SubmitBatchJob(ctx, BatchRequest{Books: []types.BookSpec{testSpec("x")}, ConcurrencyLimit: tt.limit})
		if err != nil {
			t.Fatalf("SubmitBatchJob(limit=%d) error = %v", tt.limit, err)
		}
		st, _ := o.GetBatchStatus(id)
		if st.ConcurrencyLimit != tt.want {
			t.Errorf("limit %d stored as %d, want %d", tt.limit, st.ConcurrencyLimit, tt.want)
		}
		if !strings.HasPrefix(st.Name, "batch-") {
			t.Errorf("default name = %q", st.Name)
		}
	}
	o.Wait()
}

func TestOrchestrator_SubmitBookJobValidation(t *testing.T) {
	o := newTestOrchestrator(t, newFakeRunner(), nil)
	if _, err := o.SubmitBookJob(context.Background(), types.BookSpec{Theme: "x", AgeGroup: types.AgeGroupEarly}); !errors.Is(err, types.ErrInvalidSpec) {
		t.Errorf("missing title error = %v, want ErrInvalidSpec", err)
	}
	if _, err := o.GetJobStatus("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJobStatus(nope) error = %v, want ErrNotFound", err)
	}
}

func TestOrchestrator_CancelPendingJob(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	runner := newFakeRunner()
	runner.before = func(_ context.Context, req *providers.Request) {
		if req.Spec.Title == "Blocker" {
			once.Do(func() { close(started) })
			<-release
		}
	}
	rec := &memoryRecorder{}
	o := newTestOrchestrator(t, runner, func(c *Config) {
		c.GlobalConcurrency = 1
		c.Recorder = rec
	})
	ctx := context.Background()

	blocker, _ := o.SubmitBookJob(ctx, testSpec("Blocker"))
	<-started
	waiting, _ := o.SubmitBookJob(ctx, testSpec("Waiting"))

	if err := o.CancelJob(waiting); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	st, _ := o.GetJobStatus(waiting)
	if st.Status != StatusCancelled {
		t.Errorf("pending job status = %s, want cancelled immediately", st.Status)
	}
	if err := o.CancelJob(waiting); err != nil {
		t.Errorf("second CancelJob() error = %v, want nil", err)
	}

	close(release)
	o.Wait()

	if calls := runner.stagesFor(waiting); len(calls) != 0 {
		t.Errorf("cancelled pending job ran stages %v", calls)
	}
	if st, _ := o.GetJobStatus(blocker); st.Status != StatusSucceeded {
		t.Errorf("blocker status = %s", st.Status)
	}
	if err := o.CancelJob(blocker); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel succeeded job error = %v, want ErrInvalidTransition", err)
	}
	if err := o.CancelJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel missing error = %v, want ErrNotFound", err)
	}

	books, _ := rec.snapshot()
	if len(books) != 2 {
		t.Errorf("outcomes recorded = %d, want 2", len(books))
	}
}

func TestOrchestrator_CancelBatch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	runner := newFakeRunner()
	runner.before = func(_ context.Context, req *providers.Request) {
		if req.Spec.Title == "First" {
			once.Do(func() { close(started) })
			<-release
		}
	}
	o := newTestOrchestrator(t, runner, nil)

	batchID, _ := o.SubmitBatchJob(context.Background(), BatchRequest{
		Books:            []types.BookSpec{testSpec("First"), testSpec("Second"), testSpec("Third")},
		ConcurrencyLimit: 1,
	})
	<-started
	if err := o.CancelBatch(batchID); err != nil {
		t.Fatalf("CancelBatch() error = %v", err)
	}
	close(release)
	o.Wait()

	st, _ := o.GetBatchStatus(batchID)
	if st.Counts.Cancelled != 3 {
		t.Errorf("counts = %+v, want 3 cancelled", st.Counts)
	}
	if _, ok := st.Books[0].Outputs[types.StageText]; !ok {
		t.Error("running book lost its text output on cancel")
	}
	if st.Status != BatchPartiallyFailed {
		t.Errorf("aggregate = %s, want partially_failed", st.Status)
	}
	if err := o.CancelBatch("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CancelBatch(missing) error = %v", err)
	}
}

func TestOrchestrator_ResumeRules(t *testing.T) {
	runner := newFakeRunner()
	var fail atomic.Bool
	fail.Store(true)
	runner.fail = func(req *providers.Request) error {
		if fail.Load() && req.Stage == types.StageExport {
			return &providers.TerminalError{Provider: "fake", Reason: providers.ReasonProviderFailed, Message: "export failed"}
		}
		return nil
	}
	o := newTestOrchestrator(t, runner, nil)

	id, _ := o.SubmitBookJob(context.Background(), testSpec("Resume"))
	o.Wait()

	fail.Store(false)
	if err := o.ResumeJob(id); err != nil {
		t.Fatalf("ResumeJob() error = %v", err)
	}
	o.Wait()

	st, _ := o.GetJobStatus(id)
	if st.Status != StatusSucceeded || st.LastError != "" {
		t.Fatalf("status = %s (%q), want succeeded", st.Status, st.LastError)
	}
	calls := runner.stagesFor(id)
	want := []types.StageName{types.StageText, types.StageImages, types.StageLayout, types.StageExport, types.StageExport}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("stage calls = %v, want %v", calls, want)
	}

	if err := o.ResumeJob(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resume succeeded job error = %v, want ErrInvalidTransition", err)
	}
}

func TestOrchestrator_AcknowledgeJob(t *testing.T) {
	o := newTestOrchestrator(t, newFakeRunner(), nil)
	ctx := context.Background()

	solo, _ := o.SubmitBookJob(ctx, testSpec("Solo"))
	batchID, _ := o.SubmitBatchJob(ctx, BatchRequest{Books: []types.BookSpec{testSpec("B1"), testSpec("B2")}})
	o.Wait()

	st, _ := o.GetBatchStatus(batchID)
	member := st.Books[0].JobID
	if err := o.AcknowledgeJob(member); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("acknowledge batch member error = %v, want ErrInvalidBatch", err)
	}

	if err := o.AcknowledgeJob(solo); err != nil {
		t.Fatalf("AcknowledgeJob(solo) error = %v", err)
	}
	if _, err := o.GetJobStatus(solo); !errors.Is(err, ErrNotFound) {
		t.Error("acknowledged job still present")
	}

	if err := o.AcknowledgeJob(batchID); err != nil {
		t.Fatalf("AcknowledgeJob(batch) error = %v", err)
	}
	if _, err := o.GetBatchStatus(batchID); !errors.Is(err, ErrNotFound) {
		t.Error("acknowledged batch still present")
	}
	if _, err := o.GetJobStatus(member); !errors.Is(err, ErrNotFound) {
		t.Error("acknowledged batch left its books")
	}
}

func TestOrchestrator_AcknowledgeUnfinished(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner := newFakeRunner()
	var once sync.Once
	runner.before = func(context.Context, *providers.Request) {
		once.Do(func() { close(started) })
		<-release
	}
	o := newTestOrchestrator(t, runner, nil)
	defer func() {
		close(release)
		o.Wait()
	}()

	id, _ := o.SubmitBookJob(context.Background(), testSpec("Busy"))
	<-started
	if err := o.AcknowledgeJob(id); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("acknowledge running job error = %v, want ErrNotTerminal", err)
	}
}

func TestOrchestrator_RestoreFromCheckpoints(t *testing.T) {
	dir := t.TempDir()
	cp, err := NewFileCheckpointer(dir)
	if err != nil {
		t.Fatalf("NewFileCheckpointer() error = %v", err)
	}

	// Simulate a previous process that stopped mid-run.
	prev := newTestStore(clock.NewFake(testStart), cp)
	prev.UpsertBook(NewBookJob("interrupted", testSpec("Interrupted"), testStart))
	prev.UpdateBook("interrupted", func(j *BookJob) error {
		j.Status = StatusRunning
		j.StageOutputs[types.StageText] = types.Output{Ref: "assets/interrupted/story.json"}
		j.CurrentStageIndex = 1
		return nil
	})
	prev.UpsertBook(NewBookJob("queued", testSpec("Queued"), testStart))

	runner := newFakeRunner()
	cp2, _ := NewFileCheckpointer(dir)
	o := newTestOrchestrator(t, runner, func(c *Config) { c.Checkpointer = cp2 })
	o.Wait()

	st, err := o.GetJobStatus("interrupted")
	if err != nil {
		t.Fatalf("GetJobStatus(interrupted) error = %v", err)
	}
	if st.Status != StatusFailed || st.LastError != "interrupted by shutdown" {
		t.Errorf("interrupted job = %s (%q), want failed by shutdown", st.Status, st.LastError)
	}
	if st, _ := o.GetJobStatus("queued"); st.Status != StatusSucceeded {
		t.Errorf("queued job status = %s, want succeeded after reschedule", st.Status)
	}

	if err := o.ResumeJob("interrupted"); err != nil {
		t.Fatalf("ResumeJob() error = %v", err)
	}
	o.Wait()
	st, _ = o.GetJobStatus("interrupted")
	if st.Status != StatusSucceeded {
		t.Fatalf("resumed status = %s (%s)", st.Status, st.LastError)
	}
	if st.Outputs[types.StageText].Ref != "assets/interrupted/story.json" {
		t.Error("restored text output replaced")
	}
	for _, s := range runner.stagesFor("interrupted") {
		if s == types.StageText {
			t.Error("text stage re-run after restore")
		}
	}
}

func TestOrchestrator_ShutdownInterruptsRunningJobs(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	runner := newFakeRunner()
	runner.before = func(ctx context.Context, req *providers.Request) {
		once.Do(func() { close(started) })
		<-ctx.Done()
	}
	runner.fail = func(req *providers.Request) error { return context.Canceled }

	o := newTestOrchestrator(t, runner, nil)
	id, _ := o.SubmitBookJob(context.Background(), testSpec("Long"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	st, _ := o.GetJobStatus(id)
	if st.Status != StatusFailed || !strings.HasPrefix(st.LastError, "interrupted by shutdown") {
		t.Errorf("status = %s (%q), want failed as interrupted", st.Status, st.LastError)
	}
	if _, err := o.SubmitBookJob(context.Background(), testSpec("Late")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("submit after shutdown error = %v, want ErrShuttingDown", err)
	}
}

func TestOrchestrator_ListAndStats(t *testing.T) {
	o := newTestOrchestrator(t, newFakeRunner(), func(c *Config) { c.GlobalConcurrency = 3 })
	ctx := context.Background()
	o.SubmitBookJob(ctx, testSpec("One"))
	o.SubmitBatchJob(ctx, BatchRequest{Name: "pair", Books: []types.BookSpec{testSpec("A"), testSpec("B")}})
	o.Wait()

	if n := len(o.ListJobs(Filter{})); n != 3 {
		t.Errorf("ListJobs() = %d, want 3", n)
	}
	batches := o.ListBatches()
	if len(batches) != 1 || batches[0].Name != "pair" || batches[0].Counts.Total != 2 || len(batches[0].Books) != 0 {
		t.Errorf("ListBatches() = %+v", batches)
	}
	if n := len(o.ListJobs(Filter{BatchID: batches[0].BatchID})); n != 2 {
		t.Errorf("ListJobs(batch) = %d, want 2", n)
	}
	stats := o.Stats()
	if stats.GlobalConcurrency != 3 || stats.Running != 0 || stats.Queued != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
	if o.ProviderStatus() != nil {
		t.Error("ProviderStatus() without registry should be nil")
	}
}

func TestOrchestrator_Sweep(t *testing.T) {
	clk := clock.NewFake(testStart)
	o := newTestOrchestrator(t, newFakeRunner(), func(c *Config) {
		c.Clock = clk
		c.Retention = time.Hour
	})
	id, _ := o.SubmitBookJob(context.Background(), testSpec("Old"))
	o.Wait()

	if n := o.Sweep(); n != 0 {
		t.Errorf("Sweep() before retention = %d", n)
	}
	clk.Advance(2 * time.Hour)
	if n := o.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, err := o.GetJobStatus(id); !errors.Is(err, ErrNotFound) {
		t.Error("expired job not evicted")
	}
}

func TestOrchestrator_EvictedBatchesForgetRecordedOutcome(t *testing.T) {
	clk := clock.NewFake(testStart)
	o := newTestOrchestrator(t, newFakeRunner(), func(c *Config) {
		c.Clock = clk
		c.Retention = time.Hour
		c.Recorder = &memoryRecorder{}
	})
	ctx := context.Background()
	recorded := func(id string) bool {
		_, ok := o.pipeline.recorded.Load(id)
		return ok
	}

	acked, _ := o.SubmitBatchJob(ctx, BatchRequest{Books: []types.BookSpec{testSpec("A1")}})
	swept, _ := o.SubmitBatchJob(ctx, BatchRequest{Books: []types.BookSpec{testSpec("S1")}})
	o.Wait()
	if !recorded(acked) || !recorded(swept) {
		t.Fatal("batch outcomes not recorded")
	}

	if err := o.AcknowledgeJob(acked); err != nil {
		t.Fatalf("AcknowledgeJob() error = %v", err)
	}
	if recorded(acked) {
		t.Error("acknowledged batch still tracked as recorded")
	}

	clk.Advance(2 * time.Hour)
	o.Sweep()
	if recorded(swept) {
		t.Error("swept batch still tracked as recorded")
	}
}

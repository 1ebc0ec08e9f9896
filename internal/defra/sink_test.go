package defra

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackzampolin/storybook/internal/jobs"
	"github.com/jackzampolin/storybook/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSink(t *testing.T, client *Client, batchSize int) *Sink {
	t.Helper()
	sink := NewSink(SinkConfig{
		Client:        client,
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		Logger:        quietLogger(),
	})
	sink.Start(context.Background())
	t.Cleanup(sink.Stop)
	return sink
}

func TestSink_SendSync(t *testing.T) {
	f, client := newFakeDefra(t)
	sink := newTestSink(t, client, 1)

	res, err := sink.SendSync(context.Background(), WriteOp{
		Collection: BookOutcomeCollection,
		Key:        map[string]any{"job_id": "j1"},
		Document:   map[string]any{"job_id": "j1", "status": "succeeded"},
	})
	if err != nil {
		t.Fatalf("SendSync() error = %v", err)
	}
	if res.DocID != "doc-1" {
		t.Errorf("DocID = %q, want doc-1", res.DocID)
	}
	if got := f.recorded(); len(got) != 1 {
		t.Errorf("requests = %d, want 1", len(got))
	}
}

func TestSink_FlushCoalescesSameDocument(t *testing.T) {
	f, client := newFakeDefra(t)
	sink := newTestSink(t, client, 100)

	for _, status := range []string{"failed", "succeeded"} {
		if err := sink.Send(WriteOp{
			Collection: BookOutcomeCollection,
			Key:        map[string]any{"job_id": "j1"},
			Document:   map[string]any{"job_id": "j1", "status": status},
		}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	sink.Send(WriteOp{
		Collection: BookOutcomeCollection,
		Key:        map[string]any{"job_id": "j2"},
		Document:   map[string]any{"job_id": "j2", "status": "cancelled"},
	})

	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	got := f.recorded()
	if len(got) != 2 {
		t.Fatalf("requests = %d, want 2 (one per document): %v", len(got), got)
	}
	if !strings.Contains(got[0], `"j1"`) || !strings.Contains(got[0], `status: "succeeded"`) {
		t.Errorf("first write = %s, want latest j1 document", got[0])
	}
	if !strings.Contains(got[1], `"j2"`) {
		t.Errorf("second write = %s, want j2", got[1])
	}
}

func TestSink_SupersededWaiterGetsResult(t *testing.T) {
	_, client := newFakeDefra(t)
	sink := newTestSink(t, client, 2)

	op := WriteOp{
		Collection: BatchOutcomeCollection,
		Key:        map[string]any{"batch_id": "b1"},
		Document:   map[string]any{"batch_id": "b1"},
	}
	done := make(chan error, 1)
	go func() {
		_, err := sink.SendSync(context.Background(), op)
		done <- err
	}()
	// Give SendSync time to enqueue before the replacing write.
	time.Sleep(20 * time.Millisecond)
	sink.Send(op)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("SendSync() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendSync() never returned")
	}
}

func TestSink_StopFlushesAndCloses(t *testing.T) {
	f, client := newFakeDefra(t)
	sink := NewSink(SinkConfig{Client: client, FlushInterval: time.Hour, Logger: quietLogger()})
	sink.Start(context.Background())

	sink.Send(WriteOp{
		Collection: BookOutcomeCollection,
		Key:        map[string]any{"job_id": "j1"},
		Document:   map[string]any{"job_id": "j1"},
	})
	sink.Stop()

	if got := f.recorded(); len(got) != 1 {
		t.Errorf("requests after Stop = %d, want 1", len(got))
	}
	if err := sink.Send(WriteOp{Collection: BookOutcomeCollection}); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Send() after Stop error = %v, want ErrSinkClosed", err)
	}
	if _, err := sink.SendSync(context.Background(), WriteOp{}); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("SendSync() after Stop error = %v, want ErrSinkClosed", err)
	}
}

func TestRecorder_WritesOutcomes(t *testing.T) {
	f, client := newFakeDefra(t)
	sink := newTestSink(t, client, 100)
	rec := NewRecorder(sink, quietLogger())

	finished := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := rec.RecordBook(context.Background(), jobs.BookOutcome{
		JobID:           "j1",
		BatchID:         "b1",
		Title:           "The Brave Turtle",
		BookType:        types.BookTypeStory,
		Status:          jobs.StatusFailed,
		LastError:       "content policy",
		CompletedStages: 1,
		TotalAttempts:   2,
		Outputs:         map[types.StageName]types.Output{types.StageText: {Ref: "story.json"}},
		FinishedAt:      finished,
	})
	if err != nil {
		t.Fatalf("RecordBook() error = %v", err)
	}
	if err := rec.RecordBatch(context.Background(), jobs.BatchOutcome{
		BatchID: "b1", Name: "spring", Status: jobs.BatchPartiallyFailed, Total: 3, Succeeded: 2, Failed: 1,
	}); err != nil {
		t.Fatalf("RecordBatch() error = %v", err)
	}
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	got := f.recorded()
	if len(got) != 2 {
		t.Fatalf("requests = %d, want 2", len(got))
	}
	for _, want := range []string{
		`upsert_BookOutcome(filter: {job_id: {_eq: "j1"}}`,
		`last_error: "content policy"`,
		`finished_at: "2026-03-01T10:00:00Z"`,
		`outputs: "{\"text\":{\"ref\":\"story.json\"}}"`,
	} {
		if !strings.Contains(got[0], want) {
			t.Errorf("book mutation missing %s:\n%s", want, got[0])
		}
	}
	if !strings.Contains(got[1], `upsert_BatchOutcome(filter: {batch_id: {_eq: "b1"}}`) ||
		!strings.Contains(got[1], `status: "partially_failed"`) {
		t.Errorf("batch mutation = %s", got[1])
	}
}

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/storybook/internal/jobs"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) PublishJSON(subject string, v any) error {
	if f.err != nil {
		return f.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject: subject, data: b})
	return nil
}

func TestPublisher_Subjects(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "storybook.jobs.book.failed"},
		{"acme.books.", "acme.books.book.failed"},
		{"events", "events.book.failed"},
	}
	for _, tt := range tests {
		p := NewPublisher(&fakePublisher{}, tt.prefix)
		if got := p.BookSubject(jobs.StatusFailed); got != tt.want {
			t.Errorf("BookSubject() with prefix %q = %s, want %s", tt.prefix, got, tt.want)
		}
	}
	p := NewPublisher(&fakePublisher{}, "")
	if got := p.AllSubjects(); got != "storybook.jobs.>" {
		t.Errorf("AllSubjects() = %s", got)
	}
}

func TestPublisher_RecordBookAndBatch(t *testing.T) {
	fake := &fakePublisher{}
	p := NewPublisher(fake, "")
	p.now = func() time.Time { return time.Unix(1772355600, 0) }

	if err := p.RecordBook(context.Background(), jobs.BookOutcome{
		JobID: "j1", BatchID: "b1", Title: "Pip", Status: jobs.StatusSucceeded, CompletedStages: 4,
	}); err != nil {
		t.Fatalf("RecordBook() error = %v", err)
	}
	if err := p.RecordBatch(context.Background(), jobs.BatchOutcome{
		BatchID: "b1", Status: jobs.BatchCompleted, Total: 1, Succeeded: 1,
	}); err != nil {
		t.Fatalf("RecordBatch() error = %v", err)
	}

	if len(fake.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(fake.msgs))
	}
	if fake.msgs[0].subject != "storybook.jobs.book.succeeded" {
		t.Errorf("book subject = %s", fake.msgs[0].subject)
	}
	var ev BookFinished
	if err := json.Unmarshal(fake.msgs[0].data, &ev); err != nil {
		t.Fatalf("decode book event: %v", err)
	}
	if ev.JobID != "j1" || ev.CompletedStages != 4 || ev.HappenedAt != 1772355600 {
		t.Errorf("book event = %+v", ev)
	}

	if fake.msgs[1].subject != "storybook.jobs.batch.completed" {
		t.Errorf("batch subject = %s", fake.msgs[1].subject)
	}
	var raw map[string]any
	json.Unmarshal(fake.msgs[1].data, &raw)
	if raw["batch_id"] != "b1" || raw["succeeded"] != float64(1) {
		t.Errorf("batch event fields flattened wrong: %v", raw)
	}
}

func TestPublisher_PropagatesErrors(t *testing.T) {
	boom := errors.New("no responders")
	p := NewPublisher(&fakePublisher{err: boom}, "")
	if err := p.RecordBook(context.Background(), jobs.BookOutcome{JobID: "j1"}); !errors.Is(err, boom) {
		t.Errorf("RecordBook() error = %v, want %v", err, boom)
	}
}

package bus

import (
	"context"
	"strings"
	"time"

	"github.com/jackzampolin/storybook/internal/jobs"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "storybook.jobs"

// BookFinished is published when a book job reaches a terminal status.
type BookFinished struct {
	jobs.BookOutcome
	HappenedAt int64 `json:"happened_at"`
}

// BatchFinished is published once every book of a batch is terminal.
type BatchFinished struct {
	jobs.BatchOutcome
	HappenedAt int64 `json:"happened_at"`
}

// JSONPublisher is the subset of Client the Publisher needs.
type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

// Publisher turns job outcomes into events:
//
//	<prefix>.book.<status>   BookFinished
//	<prefix>.batch.<status>  BatchFinished
type Publisher struct {
	pub    JSONPublisher
	prefix string
	now    func() time.Time
}

// NewPublisher creates a publisher. An empty prefix uses DefaultSubjectPrefix.
func NewPublisher(pub JSONPublisher, prefix string) *Publisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{pub: pub, prefix: prefix, now: time.Now}
}

var _ jobs.OutcomeRecorder = (*Publisher)(nil)

// BookSubject returns the subject for a book event with status.
func (p *Publisher) BookSubject(status jobs.Status) string {
	return p.prefix + ".book." + string(status)
}

// BatchSubject returns the subject for a batch event with status.
func (p *Publisher) BatchSubject(status jobs.AggregateStatus) string {
	return p.prefix + ".batch." + string(status)
}

// AllSubjects matches every event this publisher emits.
func (p *Publisher) AllSubjects() string {
	return p.prefix + ".>"
}

// RecordBook implements jobs.OutcomeRecorder.
func (p *Publisher) RecordBook(_ context.Context, o jobs.BookOutcome) error {
	return p.pub.PublishJSON(p.BookSubject(o.Status), BookFinished{BookOutcome: o, HappenedAt: p.now().Unix()})
}

// RecordBatch implements jobs.OutcomeRecorder.
func (p *Publisher) RecordBatch(_ context.Context, o jobs.BatchOutcome) error {
	return p.pub.PublishJSON(p.BatchSubject(o.Status), BatchFinished{BatchOutcome: o, HappenedAt: p.now().Unix()})
}

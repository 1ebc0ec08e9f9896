package defra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackzampolin/storybook/internal/jobs"
)

// Collections holding job outcomes.
const (
	BookOutcomeCollection  = "BookOutcome"
	BatchOutcomeCollection = "BatchOutcome"
)

// Schema is the SDL for the outcome collections.
const Schema = `
type BookOutcome {
	job_id: String @index(unique: true)
	batch_id: String @index
	title: String
	book_type: String
	status: String
	last_error: String
	completed_stages: Int
	total_attempts: Int
	outputs: JSON
	created_at: DateTime
	finished_at: DateTime
}

type BatchOutcome {
	batch_id: String @index(unique: true)
	name: String
	status: String
	total: Int
	succeeded: Int
	failed: Int
	cancelled: Int
	finished_at: DateTime
}
`

// EnsureSchema adds the outcome collections. A schema that already exists
// is not an error.
func EnsureSchema(ctx context.Context, c *Client) error {
	err := c.AddSchema(ctx, Schema)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	return err
}

// Recorder writes job outcomes to DefraDB through a Sink. Writes are queued
// and batched; RecordBook and RecordBatch never wait on the database.
type Recorder struct {
	sink   *Sink
	logger *slog.Logger
}

// NewRecorder creates a recorder on an already started sink.
func NewRecorder(sink *Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger}
}

var _ jobs.OutcomeRecorder = (*Recorder)(nil)

// RecordBook implements jobs.OutcomeRecorder.
func (r *Recorder) RecordBook(_ context.Context, o jobs.BookOutcome) error {
	doc, err := bookDocument(o)
	if err != nil {
		return err
	}
	return r.sink.Send(WriteOp{
		Collection: BookOutcomeCollection,
		Key:        map[string]any{"job_id": o.JobID},
		Document:   doc,
	})
}

// RecordBatch implements jobs.OutcomeRecorder.
func (r *Recorder) RecordBatch(_ context.Context, o jobs.BatchOutcome) error {
	return r.sink.Send(WriteOp{
		Collection: BatchOutcomeCollection,
		Key:        map[string]any{"batch_id": o.BatchID},
		Document:   batchDocument(o),
	})
}

func bookDocument(o jobs.BookOutcome) (map[string]any, error) {
	outputs, err := json.Marshal(o.Outputs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs for %s: %w", o.JobID, err)
	}
	return map[string]any{
		"job_id":           o.JobID,
		"batch_id":         o.BatchID,
		"title":            o.Title,
		"book_type":        string(o.BookType),
		"status":           string(o.Status),
		"last_error":       o.LastError,
		"completed_stages": o.CompletedStages,
		"total_attempts":   o.TotalAttempts,
		"outputs":          string(outputs),
		"created_at":       o.CreatedAt,
		"finished_at":      o.FinishedAt,
	}, nil
}

func batchDocument(o jobs.BatchOutcome) map[string]any {
	return map[string]any{
		"batch_id":    o.BatchID,
		"name":        o.Name,
		"status":      string(o.Status),
		"total":       o.Total,
		"succeeded":   o.Succeeded,
		"failed":      o.Failed,
		"cancelled":   o.Cancelled,
		"finished_at": o.FinishedAt,
	}
}

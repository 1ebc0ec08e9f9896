package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/jackzampolin/storybook/internal/jobs"
	"github.com/jackzampolin/storybook/internal/types"
)

// recordingDriver is a database/sql driver that records Exec calls.
type recordingDriver struct {
	mu    sync.Mutex
	execs []execCall
	err   error
}

type execCall struct {
	query string
	args  []driver.NamedValue
}

func (d *recordingDriver) Open(string) (driver.Conn, error) { return &recordingConn{d: d}, nil }

type recordingConn struct{ d *recordingDriver }

func (c *recordingConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (c *recordingConn) Close() error              { return nil }
func (c *recordingConn) Begin() (driver.Tx, error) { return nil, errors.New("tx not supported") }

func (c *recordingConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.err != nil {
		return nil, c.d.err
	}
	c.d.execs = append(c.d.execs, execCall{query: query, args: args})
	return driver.RowsAffected(1), nil
}

type recordingConnector struct{ d *recordingDriver }

func (c recordingConnector) Connect(context.Context) (driver.Conn, error) { return c.d.Open("") }
func (c recordingConnector) Driver() driver.Driver                        { return c.d }

func newRecordingStore(t *testing.T) (*Store, *recordingDriver) {
	t.Helper()
	d := &recordingDriver{}
	db := sql.OpenDB(recordingConnector{d: d})
	t.Cleanup(func() { db.Close() })
	s := New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, d
}

func TestNormalizeDSN(t *testing.T) {
	cfg, err := NormalizeDSN("story:secret@tcp(db:3306)/storybook?charset=utf8mb4")
	if err != nil {
		t.Fatalf("NormalizeDSN() error = %v", err)
	}
	if !cfg.ParseTime || cfg.Loc != time.UTC {
		t.Errorf("ParseTime = %v Loc = %v, want true UTC", cfg.ParseTime, cfg.Loc)
	}
	if cfg.Timeout != 5*time.Second || cfg.ReadTimeout != 30*time.Second {
		t.Errorf("timeouts = %s/%s", cfg.Timeout, cfg.ReadTimeout)
	}
	if cfg.Addr != "db:3306" || cfg.DBName != "storybook" {
		t.Errorf("Addr/DBName = %s/%s", cfg.Addr, cfg.DBName)
	}

	cfg, err = NormalizeDSN("u@tcp(db)/storybook?timeout=1s")
	if err != nil {
		t.Fatalf("NormalizeDSN() error = %v", err)
	}
	if cfg.Timeout != time.Second {
		t.Errorf("explicit timeout overridden: %s", cfg.Timeout)
	}

	for _, bad := range []string{"u@tcp(db:3306)/", "not a dsn"} {
		if _, err := NormalizeDSN(bad); err == nil {
			t.Errorf("NormalizeDSN(%q) accepted", bad)
		}
	}
}

func TestStore_Migrate(t *testing.T) {
	s, d := newRecordingStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if len(d.execs) != 2 {
		t.Fatalf("execs = %d, want 2", len(d.execs))
	}
	for i, table := range []string{"book_outcomes", "batch_outcomes"} {
		if !strings.Contains(d.execs[i].query, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("exec %d = %s", i, d.execs[i].query)
		}
	}
}

func TestStore_RecordBook(t *testing.T) {
	s, d := newRecordingStore(t)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("x", 3600))

	err := s.RecordBook(context.Background(), jobs.BookOutcome{
		JobID:           "j1",
		Title:           "Pip",
		BookType:        types.BookTypeColoring,
		Status:          jobs.StatusSucceeded,
		CompletedStages: 4,
		TotalAttempts:   5,
		Outputs:         map[types.StageName]types.Output{types.StageExport: {Ref: "book.pdf"}},
		CreatedAt:       created,
		FinishedAt:      created.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("RecordBook() error = %v", err)
	}

	if len(d.execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(d.execs))
	}
	call := d.execs[0]
	if !strings.Contains(call.query, "ON DUPLICATE KEY UPDATE") {
		t.Errorf("query is not an upsert: %s", call.query)
	}
	if len(call.args) != 12 {
		t.Fatalf("args = %d, want 12", len(call.args))
	}
	if call.args[1].Value != nil {
		t.Errorf("batch_id = %v, want NULL for standalone book", call.args[1].Value)
	}
	if call.args[5].Value != nil {
		t.Errorf("last_error = %v, want NULL", call.args[5].Value)
	}
	if call.args[8].Value != `{"export":{"ref":"book.pdf"}}` {
		t.Errorf("outputs = %v", call.args[8].Value)
	}
	if ts, ok := call.args[9].Value.(time.Time); !ok || ts.Location() != time.UTC || ts.Hour() != 8 {
		t.Errorf("created_at = %v, want UTC", call.args[9].Value)
	}
}

func TestStore_RecordBatch(t *testing.T) {
	s, d := newRecordingStore(t)
	err := s.RecordBatch(context.Background(), jobs.BatchOutcome{
		BatchID: "b1", Name: "spring", Status: jobs.BatchPartiallyFailed, Total: 3, Succeeded: 2, Failed: 1,
	})
	if err != nil {
		t.Fatalf("RecordBatch() error = %v", err)
	}
	args := d.execs[0].args
	if args[0].Value != "b1" || args[2].Value != "partially_failed" || args[4].Value != int64(2) {
		t.Errorf("args = %v", args)
	}
}

func TestStore_ClassifiesServerErrors(t *testing.T) {
	s, d := newRecordingStore(t)
	d.err = &mysql.MySQLError{Number: 1146, Message: "Table 'storybook.batch_outcomes' doesn't exist"}

	err := s.RecordBatch(context.Background(), jobs.BatchOutcome{BatchID: "b1"})
	if err == nil || !strings.Contains(err.Error(), "mysql error 1146") {
		t.Errorf("RecordBatch() error = %v, want classified error", err)
	}
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		t.Error("MySQLError not preserved in chain")
	}
}

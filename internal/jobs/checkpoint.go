package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileCheckpointer writes one JSON file per record:
//
//	<dir>/books/<id>.json
//	<dir>/batches/<id>.json
type FileCheckpointer struct {
	dir string
}

// NewFileCheckpointer creates the checkpoint directories under dir.
func NewFileCheckpointer(dir string) (*FileCheckpointer, error) {
	for _, sub := range []string{"books", "batches"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
		}
	}
	return &FileCheckpointer{dir: dir}, nil
}

// Dir returns the checkpoint root.
func (c *FileCheckpointer) Dir() string {
	return c.dir
}

func (c *FileCheckpointer) path(kind, id string) string {
	return filepath.Join(c.dir, kind, id+".json")
}

// SaveBook writes the book record.
func (c *FileCheckpointer) SaveBook(job *BookJob) error {
	return c.write(c.path("books", job.ID), job)
}

// SaveBatch writes the batch record.
func (c *FileCheckpointer) SaveBatch(batch *BatchJob) error {
	return c.write(c.path("batches", batch.ID), batch)
}

// DeleteBook removes the book record. Missing files are ignored.
func (c *FileCheckpointer) DeleteBook(id string) error {
	return removeIfExists(c.path("books", id))
}

// DeleteBatch removes the batch record. Missing files are ignored.
func (c *FileCheckpointer) DeleteBatch(id string) error {
	return removeIfExists(c.path("batches", id))
}

// Load reads every checkpointed record. Unreadable files are skipped and
// reported in the returned error list.
func (c *FileCheckpointer) Load() ([]*BookJob, []*BatchJob, []error) {
	var (
		books   []*BookJob
		batches []*BatchJob
		errs    []error
	)
	readAll(filepath.Join(c.dir, "books"), func(path string, data []byte) {
		var job BookJob
		if err := json.Unmarshal(data, &job); err != nil || job.ID == "" {
			errs = append(errs, fmt.Errorf("corrupt checkpoint %s: %v", path, err))
			return
		}
		books = append(books, &job)
	}, &errs)
	readAll(filepath.Join(c.dir, "batches"), func(path string, data []byte) {
		var batch BatchJob
		if err := json.Unmarshal(data, &batch); err != nil || batch.ID == "" {
			errs = append(errs, fmt.Errorf("corrupt checkpoint %s: %v", path, err))
			return
		}
		batches = append(batches, &batch)
	}, &errs)
	return books, batches, errs
}

func readAll(dir string, fn func(path string, data []byte), errs *[]error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			*errs = append(*errs, err)
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			*errs = append(*errs, err)
			continue
		}
		fn(path, data)
	}
}

func (c *FileCheckpointer) write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestClient_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/books":
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"job_id": "j-" + body["title"]})
		case r.Method == http.MethodGet && r.URL.Path == "/api/jobs/missing":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(ErrorResponse{Error: "job not found"})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	ctx := context.Background()

	var created map[string]string
	if err := c.Post(ctx, "/api/books", map[string]string{"title": "pip"}, &created); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if created["job_id"] != "j-pip" {
		t.Errorf("job_id = %q", created["job_id"])
	}

	err := c.Get(ctx, "/api/jobs/missing", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound || se.Message != "job not found" {
		t.Errorf("Get() error = %v, want 404 StatusError", err)
	}

	if err := c.Delete(ctx, "/api/jobs/done"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}

	err = c.Get(ctx, "/other", nil)
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || se.Message != "boom" {
		t.Errorf("Get() error = %v, want plain-text 500", err)
	}
}

func TestOutputTo(t *testing.T) {
	data := map[string]any{"job_id": "j1", "status": "running"}

	var buf bytes.Buffer
	if err := OutputTo(&buf, OutputFormatYAML, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "job_id: j1") {
		t.Errorf("yaml output = %q", buf.String())
	}

	buf.Reset()
	if err := OutputTo(&buf, OutputFormatJSON, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"status": "running"`) {
		t.Errorf("json output = %q", buf.String())
	}

	if err := OutputTo(&buf, "xml", data); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestSetOutputFormat(t *testing.T) {
	defer SetOutputFormat("yaml")
	SetOutputFormat("json")
	if GetOutputFormat() != OutputFormatJSON {
		t.Errorf("format = %s", GetOutputFormat())
	}
	SetOutputFormat("toml")
	if GetOutputFormat() != OutputFormatYAML {
		t.Errorf("unknown format should fall back to yaml, got %s", GetOutputFormat())
	}
}

type fakeEndpoint struct {
	method, path, group string
	init                bool
}

func (e fakeEndpoint) Route() (string, string, http.HandlerFunc) {
	return e.method, e.path, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }
}
func (e fakeEndpoint) RequiresInit() bool { return e.init }
func (e fakeEndpoint) Group() string      { return e.group }
func (e fakeEndpoint) Command(func() string) *cobra.Command {
	return &cobra.Command{Use: strings.TrimPrefix(e.path, "/")}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeEndpoint{method: "GET", path: "/health"})
	r.Register(fakeEndpoint{method: "GET", path: "/list", group: "jobs", init: true})

	mux := http.NewServeMux()
	r.RegisterRoutes(mux, func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	for path, want := range map[string]int{"/health": http.StatusTeapot, "/list": http.StatusServiceUnavailable} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s status = %d, want %d", path, rec.Code, want)
		}
	}

	root := r.BuildCommands(func() string { return "" })
	if cmd, _, err := root.Find([]string{"jobs", "list"}); err != nil || cmd.Use != "list" {
		t.Errorf("jobs list not found: %v", err)
	}
	if cmd, _, err := root.Find([]string{"health"}); err != nil || cmd.Use != "health" {
		t.Errorf("health not found: %v", err)
	}
}

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackzampolin/storybook/internal/types"
)

const testCompletion = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "gpt-4o",
	"choices": [{
		"index": 0,
		"finish_reason": "stop",
		"message": {"role": "assistant", "content": "` + "```json\\n" + `{\"title\":\"Moon Garden\",\"pages\":[{\"text\":\"Hi\",\"illustration_prompt\":\"a moon\"}]}` + "\\n```" + `"}
	}]
}`

func openAITestServer(t *testing.T, flagged bool, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"limited","type":"rate_limit","code":"rate_limit_exceeded"}}`))
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			w.Write([]byte(testCompletion))
		case strings.HasSuffix(r.URL.Path, "/moderations"):
			if flagged {
				w.Write([]byte(`{"id":"modr-1","model":"omni-moderation-latest","results":[{"flagged":true}]}`))
				return
			}
			w.Write([]byte(`{"id":"modr-1","model":"omni-moderation-latest","results":[{"flagged":false}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestOpenAIStoryGenerate(t *testing.T) {
	srv := openAITestServer(t, false, 0)
	defer srv.Close()

	dir := t.TempDir()
	c := NewOpenAIStoryClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1/", AssetsDir: dir})
	out, err := c.Generate(context.Background(), &Request{JobID: "job-1", Spec: types.BookSpec{Title: "Moon Garden"}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out.Attributes["pages"] != "1" || out.Attributes["title"] != "Moon Garden" {
		t.Errorf("Generate() attributes = %v", out.Attributes)
	}
	story, err := LoadStory(out.Ref)
	if err != nil {
		t.Fatalf("LoadStory() error = %v", err)
	}
	if story.Pages[0].IllustrationPrompt != "a moon" {
		t.Errorf("story = %+v", story)
	}
}

func TestOpenAIStoryFlaggedIsTerminal(t *testing.T) {
	srv := openAITestServer(t, true, 0)
	defer srv.Close()

	c := NewOpenAIStoryClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1/", AssetsDir: t.TempDir()})
	_, err := c.Generate(context.Background(), &Request{JobID: "job-1"})
	var term *TerminalError
	if !errors.As(err, &term) || term.Reason != ReasonContentPolicy {
		t.Fatalf("Generate() error = %v, want content policy rejection", err)
	}
}

func TestOpenAIRateLimitMapsToQuota(t *testing.T) {
	srv := openAITestServer(t, false, http.StatusTooManyRequests)
	defer srv.Close()

	c := NewOpenAIStoryClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1/", AssetsDir: t.TempDir()})
	_, err := c.Generate(context.Background(), &Request{JobID: "job-1"})
	q, ok := AsQuotaExceeded(err)
	if !ok {
		t.Fatalf("Generate() error = %T %v, want QuotaExceededError", err, err)
	}
	if q.RetryAfter.Seconds() != 3 {
		t.Errorf("RetryAfter = %v, want 3s", q.RetryAfter)
	}
}

func TestOpenAIStoryRequestsJSONSchema(t *testing.T) {
	var body struct {
		ResponseFormat struct {
			Type       string `json:"type"`
			JSONSchema struct {
				Name   string         `json:"name"`
				Schema map[string]any `json:"schema"`
			} `json:"json_schema"`
		} `json:"response_format"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode request: %v", err)
			}
			w.Write([]byte(testCompletion))
		case strings.HasSuffix(r.URL.Path, "/moderations"):
			w.Write([]byte(`{"id":"modr-1","model":"omni-moderation-latest","results":[{"flagged":false}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOpenAIStoryClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1/", AssetsDir: t.TempDir()})
	if _, err := c.Generate(context.Background(), &Request{JobID: "job-1", Spec: types.BookSpec{Title: "Moon Garden"}}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	rf := body.ResponseFormat
	if rf.Type != "json_schema" || rf.JSONSchema.Name != "story" {
		t.Fatalf("response_format = %+v, want json_schema named story", rf)
	}
	required, _ := rf.JSONSchema.Schema["required"].([]any)
	if len(required) != 2 || required[0] != "title" || required[1] != "pages" {
		t.Errorf("schema required = %v", rf.JSONSchema.Schema["required"])
	}
}

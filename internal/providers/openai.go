package providers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig holds settings shared by the OpenAI-backed clients.
type OpenAIConfig struct {
	Name       string
	APIKey     string
	Model      string
	AssetsDir  string        // Root directory for generated files
	MaxRetries int           // SDK transport retries; the retry policy owns backoff
	Timeout    time.Duration // HTTP timeout
	BaseURL    string        // Optional (tests)
	HTTPClient *http.Client  // Optional (tests)
}

func newOpenAIClient(cfg OpenAIConfig) openai.Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return openai.NewClient(opts...)
}

// mapOpenAIError converts SDK errors into the provider error taxonomy.
func mapOpenAIError(provider string, err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return transportError(provider, err)
	}

	header := http.Header{}
	if apiErr.Response != nil {
		header = apiErr.Response.Header
	}
	msg := apiErr.Message
	if msg == "" {
		msg = fmt.Sprintf("OpenAI error (status %d)", apiErr.StatusCode)
	}
	if apiErr.StatusCode == http.StatusBadRequest && apiErr.Code == "content_policy_violation" {
		return &TerminalError{Provider: provider, StatusCode: apiErr.StatusCode, Reason: ReasonContentPolicy, Message: msg}
	}
	return errorForStatus(provider, apiErr.StatusCode, header, msg)
}

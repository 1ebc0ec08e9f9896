package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackzampolin/storybook/internal/artifact"
	"github.com/jackzampolin/storybook/internal/types"
)

const (
	CanvaAutofillType   = "canva-autofill"
	CanvaExportType     = "canva-export"
	canvaDefaultBaseURL = "https://api.canva.com/rest"
	exportFileName      = "book.pdf"
	maxDownloadBytes    = 512 << 20
)

// Canva job states.
const (
	canvaInProgress = "in_progress"
	canvaSuccess    = "success"
	canvaFailed     = "failed"
)

// CanvaConfig configures a Canva Connect client.
type CanvaConfig struct {
	Name        string
	Type        string // CanvaAutofillType or CanvaExportType
	AccessToken string
	TemplateID  string // Default brand template for autofill
	AssetsDir   string
	BaseURL     string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// CanvaClient drives Canva's asynchronous autofill and export jobs.
// The same client type serves the layout stage (autofill a brand template
// into a design) and the export stage (render the design to a print PDF).
type CanvaClient struct {
	name        string
	kind        string
	accessToken string
	templateID  string
	assetsDir   string
	baseURL     string
	httpClient  *http.Client
	now         func() time.Time
	throttle    func(time.Duration)
}

// NewCanvaClient creates a Canva client.
func NewCanvaClient(cfg CanvaConfig) *CanvaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = canvaDefaultBaseURL
	}
	if cfg.Type == "" {
		cfg.Type = CanvaExportType
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &CanvaClient{
		name:        cfg.Name,
		kind:        cfg.Type,
		accessToken: cfg.AccessToken,
		templateID:  cfg.TemplateID,
		assetsDir:   cfg.AssetsDir,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  httpClient,
		now:         time.Now,
	}
}

// SetThrottle installs the callback told about an exhausted quota window
// reported on an otherwise successful response.
func (c *CanvaClient) SetThrottle(fn func(time.Duration)) {
	c.throttle = fn
}

// Name returns the provider identifier.
func (c *CanvaClient) Name() string {
	return c.name
}

type canvaTextField struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type canvaAutofillRequest struct {
	BrandTemplateID string                    `json:"brand_template_id"`
	Title           string                    `json:"title,omitempty"`
	Data            map[string]canvaTextField `json:"data"`
}

type canvaExportFormat struct {
	Type string `json:"type"`
	Size string `json:"size,omitempty"`
}

type canvaExportRequest struct {
	DesignID string            `json:"design_id"`
	Format   canvaExportFormat `json:"format"`
}

type canvaJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result *struct {
		Design struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"design"`
	} `json:"result,omitempty"`
	URLs  []string `json:"urls,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type canvaJobResponse struct {
	Job canvaJob `json:"job"`
}

// Submit starts an autofill or export job.
func (c *CanvaClient) Submit(ctx context.Context, req *Request) (Handle, error) {
	var (
		path string
		body any
	)
	switch c.kind {
	case CanvaAutofillType:
		r, err := c.autofillRequest(req)
		if err != nil {
			return Handle{}, err
		}
		path, body = "/v1/autofills", r
	case CanvaExportType:
		layout, ok := req.Input(types.StageLayout)
		if !ok || layout.Ref == "" {
			return Handle{}, &TerminalError{Provider: c.name, Reason: ReasonInvalidRequest, Message: "layout stage output missing"}
		}
		size := "letter"
		if req.Spec.TrimSize == types.TrimSquare {
			size = ""
		}
		path, body = "/v1/exports", canvaExportRequest{
			DesignID: layout.Ref,
			Format:   canvaExportFormat{Type: "pdf", Size: size},
		}
	default:
		return Handle{}, &UnavailableError{Provider: c.name, Err: fmt.Errorf("unknown canva client type %q", c.kind)}
	}

	var resp canvaJobResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return Handle{}, err
	}
	if resp.Job.ID == "" {
		return Handle{}, &TransientError{Provider: c.name, Message: "job response missing id"}
	}
	return Handle{ID: resp.Job.ID, Provider: c.name, JobID: req.JobID}, nil
}

func (c *CanvaClient) autofillRequest(req *Request) (*canvaAutofillRequest, error) {
	templateID := req.Spec.TemplateID
	if templateID == "" {
		templateID = c.templateID
	}
	if templateID == "" {
		return nil, &TerminalError{Provider: c.name, Reason: ReasonInvalidRequest, Message: "no brand template configured"}
	}
	text, ok := req.Input(types.StageText)
	if !ok {
		return nil, &TerminalError{Provider: c.name, Reason: ReasonInvalidRequest, Message: "text stage output missing"}
	}
	story, err := LoadStory(text.Ref)
	if err != nil {
		return nil, &TerminalError{Provider: c.name, Reason: ReasonInvalidRequest, Message: err.Error()}
	}

	data := map[string]canvaTextField{
		"title":  {Type: "text", Text: story.Title},
		"author": {Type: "text", Text: req.Spec.Author},
	}
	for i, p := range story.Pages {
		data[fmt.Sprintf("page_%d_text", i+1)] = canvaTextField{Type: "text", Text: p.Text}
	}
	return &canvaAutofillRequest{
		BrandTemplateID: templateID,
		Title:           story.Title,
		Data:            data,
	}, nil
}

// Poll checks a job. Finished exports are downloaded and validated before
// being reported ready.
func (c *CanvaClient) Poll(ctx context.Context, h Handle) (PollResult, error) {
	path := "/v1/exports/" + h.ID
	if c.kind == CanvaAutofillType {
		path = "/v1/autofills/" + h.ID
	}

	var resp canvaJobResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return PollResult{}, err
	}

	job := resp.Job
	switch job.Status {
	case canvaInProgress:
		return Pending(), nil
	case canvaFailed:
		code, msg := "unknown", "job failed"
		if job.Error != nil {
			code, msg = job.Error.Code, job.Error.Message
		}
		if code == "internal_failure" {
			return PollResult{}, &TransientError{Provider: c.name, Message: msg}
		}
		return PollResult{}, &TerminalError{Provider: c.name, Reason: ReasonProviderFailed, Message: code + ": " + msg}
	case canvaSuccess:
	default:
		return PollResult{}, &TransientError{Provider: c.name, Message: "unexpected job status " + job.Status}
	}

	if c.kind == CanvaAutofillType {
		if job.Result == nil || job.Result.Design.ID == "" {
			return PollResult{}, &TransientError{Provider: c.name, Message: "autofill result missing design"}
		}
		return Ready(types.Output{
			Ref:        job.Result.Design.ID,
			Provider:   c.name,
			Attributes: map[string]string{"design_url": job.Result.Design.URL},
		}), nil
	}

	if len(job.URLs) == 0 {
		return PollResult{}, &TransientError{Provider: c.name, Message: "export finished without download url"}
	}
	return c.download(ctx, h, job.URLs[0])
}

// download fetches the exported PDF, validates it and stores it under the job.
func (c *CanvaClient) download(ctx context.Context, h Handle, url string) (PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PollResult{}, &TerminalError{Provider: c.name, Reason: ReasonInvalidRequest, Message: err.Error()}
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return PollResult{}, transportError(c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PollResult{}, &TransientError{Provider: c.name, StatusCode: resp.StatusCode, Message: "export download failed"}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return PollResult{}, &TransientError{Provider: c.name, Err: err}
	}

	info, err := artifact.InspectPDFBytes(data)
	if err != nil {
		return PollResult{}, &TransientError{Provider: c.name, Err: err}
	}

	path := filepath.Join(c.assetsDir, h.JobID, exportFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return PollResult{}, fmt.Errorf("failed to create asset directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return PollResult{}, fmt.Errorf("failed to write export: %w", err)
	}

	return Ready(types.Output{
		Ref:      path,
		Provider: c.name,
		Attributes: map[string]string{
			"pages": strconv.Itoa(info.Pages),
			"bytes": strconv.FormatInt(info.Bytes, 10),
		},
	}), nil
}

// do sends a JSON request to the Canva API and decodes the response.
func (c *CanvaClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &TerminalError{Provider: c.name, Reason: ReasonInvalidRequest, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Provider: c.name, Err: err}
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		err := errorForStatus(c.name, resp.StatusCode, resp.Header, msg)
		if q, ok := AsQuotaExceeded(err); ok && q.RetryAfter == 0 {
			q.RetryAfter = parseRateLimitReset(resp.Header.Get("X-RateLimit-Reset"), c.now())
		}
		return err
	}

	if c.throttle != nil && quotaExhausted(resp.Header) {
		c.throttle(parseRateLimitReset(resp.Header.Get("X-RateLimit-Reset"), c.now()))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &TransientError{Provider: c.name, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}
	return nil
}

// quotaExhausted reports whether the response spent the last request of
// the current rate-limit window.
func quotaExhausted(h http.Header) bool {
	n, err := strconv.Atoi(strings.TrimSpace(h.Get("X-RateLimit-Remaining")))
	return err == nil && n <= 0
}

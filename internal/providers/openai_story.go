package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	openai "github.com/openai/openai-go/v3"

	"github.com/jackzampolin/storybook/internal/types"
)

const (
	OpenAIStoryType         = "openai-story"
	openAIStoryDefaultModel = string(openai.ChatModelGPT4o)
	storyFileName           = "story.json"
)

// Story is the structured text stage output.
type Story struct {
	Title string      `json:"title"`
	Pages []StoryPage `json:"pages"`
}

// StoryPage is one page of story text with its illustration prompt.
type StoryPage struct {
	Text               string `json:"text"`
	IllustrationPrompt string `json:"illustration_prompt"`
}

// LoadStory reads a story written by the text stage.
func LoadStory(path string) (*Story, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read story: %w", err)
	}
	var s Story
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse story: %w", err)
	}
	return &s, nil
}

// OpenAIStoryClient generates story text with chat completions and screens
// it with the moderation endpoint.
type OpenAIStoryClient struct {
	name      string
	model     string
	assetsDir string
	client    openai.Client
}

// NewOpenAIStoryClient creates a story generator.
func NewOpenAIStoryClient(cfg OpenAIConfig) *OpenAIStoryClient {
	if cfg.Model == "" {
		cfg.Model = openAIStoryDefaultModel
	}
	if cfg.Name == "" {
		cfg.Name = OpenAIStoryType
	}
	return &OpenAIStoryClient{
		name:      cfg.Name,
		model:     cfg.Model,
		assetsDir: cfg.AssetsDir,
		client:    newOpenAIClient(cfg),
	}
}

// Name returns the provider identifier.
func (c *OpenAIStoryClient) Name() string {
	return c.name
}

// Generate writes story.json for the job and returns its path.
func (c *OpenAIStoryClient) Generate(ctx context.Context, req *Request) (types.Output, error) {
	format, err := jsonSchemaFormat("story", storySchema)
	if err != nil {
		return types.Output{}, &TerminalError{Provider: c.name, Reason: ReasonInvalidRequest, Message: err.Error()}
	}
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(storySystemPrompt),
			openai.UserMessage(storyUserPrompt(req.Spec)),
		},
		ResponseFormat: format,
		Temperature:    openai.Float(0.8),
	})
	if err != nil {
		return types.Output{}, mapOpenAIError(c.name, err)
	}
	if len(resp.Choices) == 0 {
		return types.Output{}, &TransientError{Provider: c.name, Message: "completion returned no choices"}
	}

	// Malformed model output is worth another attempt.
	raw, err := parseStructuredJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return types.Output{}, &TransientError{Provider: c.name, Err: err}
	}
	if err := ValidateJSON(storySchema, raw); err != nil {
		return types.Output{}, &TransientError{Provider: c.name, Err: err}
	}
	var story Story
	if err := json.Unmarshal(raw, &story); err != nil {
		return types.Output{}, &TransientError{Provider: c.name, Err: err}
	}

	if err := c.moderate(ctx, story); err != nil {
		return types.Output{}, err
	}

	path := filepath.Join(c.assetsDir, req.JobID, storyFileName)
	if err := writeJSONFile(path, story); err != nil {
		return types.Output{}, err
	}
	return types.Output{
		Ref:      path,
		Provider: c.name,
		Attributes: map[string]string{
			"title": story.Title,
			"pages": strconv.Itoa(len(story.Pages)),
			"model": resp.Model,
		},
	}, nil
}

// moderate rejects stories the moderation endpoint flags.
func (c *OpenAIStoryClient) moderate(ctx context.Context, story Story) error {
	var sb strings.Builder
	sb.WriteString(story.Title)
	for _, p := range story.Pages {
		sb.WriteString("\n")
		sb.WriteString(p.Text)
	}

	resp, err := c.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(sb.String())},
	})
	if err != nil {
		return mapOpenAIError(c.name, err)
	}
	for _, r := range resp.Results {
		if r.Flagged {
			return &TerminalError{Provider: c.name, Reason: ReasonContentPolicy, Message: "generated story was flagged by moderation"}
		}
	}
	return nil
}

const storySystemPrompt = `You write children's picture books. Respond with ONLY a JSON object:
{"title": string, "pages": [{"text": string, "illustration_prompt": string}]}`

func storyUserPrompt(spec types.BookSpec) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\nAge group: %s\nBook type: %s\nTheme: %s\nPages: %d\n",
		spec.Title, spec.AgeGroup, spec.BookType, spec.Theme, spec.PageCount)
	if spec.EducationalFocus != "" {
		fmt.Fprintf(&sb, "Educational focus: %s\n", spec.EducationalFocus)
	}
	for _, ch := range spec.Characters {
		fmt.Fprintf(&sb, "Character: %s - %s\n", ch.Name, ch.Description)
	}
	if spec.AdditionalPrompt != "" {
		sb.WriteString(spec.AdditionalPrompt)
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create asset directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

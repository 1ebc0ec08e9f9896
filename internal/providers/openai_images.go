package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	openai "github.com/openai/openai-go/v3"

	"github.com/jackzampolin/storybook/internal/artifact"
	"github.com/jackzampolin/storybook/internal/types"
)

const (
	OpenAIImagesType         = "openai-images"
	openAIImagesDefaultModel = string(openai.ImageModelDallE3)
	illustrationsDir         = "illustrations"
)

// OpenAIImageClient renders one illustration per story page.
type OpenAIImageClient struct {
	name      string
	model     string
	assetsDir string
	client    openai.Client
}

// NewOpenAIImageClient creates an illustration generator.
func NewOpenAIImageClient(cfg OpenAIConfig) *OpenAIImageClient {
	if cfg.Model == "" {
		cfg.Model = openAIImagesDefaultModel
	}
	if cfg.Name == "" {
		cfg.Name = OpenAIImagesType
	}
	return &OpenAIImageClient{
		name:      cfg.Name,
		model:     cfg.Model,
		assetsDir: cfg.AssetsDir,
		client:    newOpenAIClient(cfg),
	}
}

// Name returns the provider identifier.
func (c *OpenAIImageClient) Name() string {
	return c.name
}

// Generate writes page-NNN.png files for every story page. Pages already on
// disk from an earlier attempt are kept.
func (c *OpenAIImageClient) Generate(ctx context.Context, req *Request) (types.Output, error) {
	text, ok := req.Input(types.StageText)
	if !ok {
		return types.Output{}, &TerminalError{Provider: c.name, Reason: ReasonInvalidRequest, Message: "text stage output missing"}
	}
	story, err := LoadStory(text.Ref)
	if err != nil {
		return types.Output{}, &TerminalError{Provider: c.name, Reason: ReasonInvalidRequest, Message: err.Error()}
	}

	size := openai.ImageGenerateParamsSize1024x1792
	if req.Spec.TrimSize == types.TrimSquare {
		size = openai.ImageGenerateParamsSize1024x1024
	}

	dir := filepath.Join(c.assetsDir, req.JobID, illustrationsDir)
	generated := 0
	for i, page := range story.Pages {
		path := filepath.Join(dir, fmt.Sprintf("page-%03d.png", i+1))
		if _, err := os.Stat(path); err == nil {
			continue
		}

		resp, err := c.client.Images.Generate(ctx, openai.ImageGenerateParams{
			Prompt:         illustrationPrompt(req.Spec, page),
			Model:          openai.ImageModel(c.model),
			N:              openai.Int(1),
			Size:           size,
			ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
		})
		if err != nil {
			return types.Output{}, mapOpenAIError(c.name, err)
		}
		if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
			return types.Output{}, &TransientError{Provider: c.name, Message: "image response had no data"}
		}
		data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
		if err != nil {
			return types.Output{}, &TransientError{Provider: c.name, Err: err}
		}

		img, err := artifact.PrepareIllustration(data, req.Spec.TrimSize, req.Spec.BookType)
		if err != nil {
			return types.Output{}, &TransientError{Provider: c.name, Err: err}
		}
		if _, err := artifact.SaveIllustration(img, path); err != nil {
			return types.Output{}, err
		}
		generated++
	}

	return types.Output{
		Ref:      dir,
		Provider: c.name,
		Attributes: map[string]string{
			"count":     strconv.Itoa(len(story.Pages)),
			"generated": strconv.Itoa(generated),
		},
	}, nil
}

func illustrationPrompt(spec types.BookSpec, page StoryPage) string {
	style := "soft watercolor children's book illustration"
	if spec.BookType == types.BookTypeColoring {
		style = "simple black outline coloring book page, no shading, white background"
	}
	return fmt.Sprintf("%s. %s", style, page.IllustrationPrompt)
}

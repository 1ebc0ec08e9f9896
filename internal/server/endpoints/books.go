package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jackzampolin/storybook/internal/api"
	"github.com/jackzampolin/storybook/internal/types"
)

// SubmitResponse is returned when a job or batch is accepted.
type SubmitResponse struct {
	JobID   string `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	BatchID string `json:"batch_id,omitempty" yaml:"batch_id,omitempty"`
}

// SubmitBookEndpoint handles POST /api/books.
type SubmitBookEndpoint struct{}

func (e *SubmitBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books", e.handler
}

func (e *SubmitBookEndpoint) RequiresInit() bool { return true }

func (e *SubmitBookEndpoint) Group() string { return "books" }

// handler godoc
//
//	@Summary		Submit a book job
//	@Description	Validate a book spec and schedule it through text, images, layout and export
//	@Tags			books
//	@Accept			json
//	@Produce		json
//	@Param			spec	body		types.BookSpec	true	"Book spec"
//	@Success		202		{object}	SubmitResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/books [post]
func (e *SubmitBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var spec types.BookSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	o := orchestrator(w, r)
	if o == nil {
		return
	}
	id, err := o.SubmitBookJob(r.Context(), spec)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: id})
}

func (e *SubmitBookEndpoint) Command(getServerURL func() string) *cobra.Command {
	var file string
	var spec types.BookSpec
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a book job",
		Long: `Submit a single book for generation.

The spec is read from a YAML or JSON manifest with -f, or built from flags:
  storybook api books submit -f pip.yaml
  storybook api books submit --title "Pip Shares" --theme sharing --age-group 3-5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				if err := ReadManifest(file, &spec); err != nil {
					return err
				}
			}
			if spec.Title == "" {
				return fmt.Errorf("--title or -f is required")
			}
			client := api.NewClient(getServerURL())
			var resp SubmitResponse
			if err := client.Post(cmd.Context(), "/api/books", spec, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON manifest")
	cmd.Flags().StringVar(&spec.Title, "title", "", "Book title")
	cmd.Flags().StringVar(&spec.Theme, "theme", "", "Story theme")
	cmd.Flags().StringVar(&spec.AgeGroup, "age-group", types.AgeGroupPreschool, "Age group: 0-3, 3-5, 5-7, 7-12")
	cmd.Flags().StringVar((*string)(&spec.BookType), "type", string(types.BookTypeStory), "Book type: story or coloring")
	cmd.Flags().IntVar(&spec.PageCount, "pages", 0, "Page count (default 24)")
	return cmd
}

// ReadManifest decodes a YAML or JSON file into v. JSON is valid YAML.
func ReadManifest(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return nil
}

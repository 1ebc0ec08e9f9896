package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/storybook/internal/api"
	"github.com/jackzampolin/storybook/internal/jobs"
)

// SubmitBatchEndpoint handles POST /api/batches.
type SubmitBatchEndpoint struct{}

func (e *SubmitBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches", e.handler
}

func (e *SubmitBatchEndpoint) RequiresInit() bool { return true }

func (e *SubmitBatchEndpoint) Group() string { return "batches" }

// handler godoc
//
//	@Summary		Submit a batch
//	@Description	Validate every spec and schedule the books under the batch concurrency limit
//	@Tags			batches
//	@Accept			json
//	@Produce		json
//	@Param			batch	body		jobs.BatchRequest	true	"Batch request"
//	@Success		202		{object}	SubmitResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/batches [post]
func (e *SubmitBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req jobs.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	o := orchestrator(w, r)
	if o == nil {
		return
	}
	id, err := o.SubmitBatchJob(r.Context(), req)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{BatchID: id})
}

func (e *SubmitBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	var file string
	var limit int
	cmd := &cobra.Command{
		Use:   "submit -f <manifest>",
		Short: "Submit a batch of books from a manifest",
		Long: `Submit a batch from a YAML or JSON manifest:

  name: spring-collection
  concurrency_limit: 2
  books:
    - title: Pip Shares
      theme: sharing
      age_group: "3-5"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("-f is required")
			}
			var req jobs.BatchRequest
			if err := ReadManifest(file, &req); err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				req.ConcurrencyLimit = limit
			}
			client := api.NewClient(getServerURL())
			var resp SubmitResponse
			if err := client.Post(cmd.Context(), "/api/batches", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON manifest")
	cmd.Flags().IntVar(&limit, "concurrency", 0, "Override the manifest concurrency limit")
	return cmd
}

// ListBatchesResponse is the response for listing batches.
type ListBatchesResponse struct {
	Batches []jobs.BatchStatus `json:"batches" yaml:"batches"`
}

// ListBatchesEndpoint handles GET /api/batches.
type ListBatchesEndpoint struct{}

func (e *ListBatchesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches", e.handler
}

func (e *ListBatchesEndpoint) RequiresInit() bool { return true }

func (e *ListBatchesEndpoint) Group() string { return "batches" }

// handler godoc
//
//	@Summary		List batches
//	@Tags			batches
//	@Produce		json
//	@Success		200	{object}	ListBatchesResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches [get]
func (e *ListBatchesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := orchestrator(w, r)
	if o == nil {
		return
	}
	writeJSON(w, http.StatusOK, ListBatchesResponse{Batches: o.ListBatches()})
}

func (e *ListBatchesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListBatchesResponse
			if err := client.Get(cmd.Context(), "/api/batches", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetBatchEndpoint handles GET /api/batches/{id}.
type GetBatchEndpoint struct{}

func (e *GetBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches/{id}", e.handler
}

func (e *GetBatchEndpoint) RequiresInit() bool { return true }

func (e *GetBatchEndpoint) Group() string { return "batches" }

// handler godoc
//
//	@Summary		Get batch status
//	@Description	Aggregate status plus per-book statuses in submission order
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Batch ID"
//	@Success		200	{object}	jobs.BatchStatus
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/{id} [get]
func (e *GetBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := orchestrator(w, r)
	if o == nil {
		return
	}
	st, err := o.GetBatchStatus(r.PathValue("id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (e *GetBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a batch with its books",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp jobs.BatchStatus
			if err := client.Get(cmd.Context(), "/api/batches/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// CancelBatchEndpoint handles POST /api/batches/{id}/cancel.
type CancelBatchEndpoint struct{}

func (e *CancelBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches/{id}/cancel", e.handler
}

func (e *CancelBatchEndpoint) RequiresInit() bool { return true }

func (e *CancelBatchEndpoint) Group() string { return "batches" }

// handler godoc
//
//	@Summary		Cancel a batch
//	@Description	Cancel every book of the batch that has not finished
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Batch ID"
//	@Success		200	{object}	jobs.BatchStatus
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/{id}/cancel [post]
func (e *CancelBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := orchestrator(w, r)
	if o == nil {
		return
	}
	id := r.PathValue("id")
	if err := o.CancelBatch(id); err != nil {
		writeJobError(w, err)
		return
	}
	st, err := o.GetBatchStatus(id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (e *CancelBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel all unfinished books of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp jobs.BatchStatus
			if err := client.Post(cmd.Context(), "/api/batches/"+args[0]+"/cancel", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

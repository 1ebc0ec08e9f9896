package endpoints

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/storybook/internal/api"
	"github.com/jackzampolin/storybook/internal/jobs"
)

// ListJobsResponse is the response for listing jobs.
type ListJobsResponse struct {
	Jobs []jobs.JobStatus `json:"jobs" yaml:"jobs"`
}

// ListJobsEndpoint handles GET /api/jobs.
type ListJobsEndpoint struct{}

func (e *ListJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs", e.handler
}

func (e *ListJobsEndpoint) RequiresInit() bool { return true }

func (e *ListJobsEndpoint) Group() string { return "jobs" }

// handler godoc
//
//	@Summary		List jobs
//	@Description	List book jobs, oldest first, with optional filtering
//	@Tags			jobs
//	@Produce		json
//	@Param			status		query		string	false	"Filter by status"
//	@Param			batch_id	query		string	false	"Filter by batch"
//	@Success		200			{object}	ListJobsResponse
//	@Failure		400			{object}	ErrorResponse
//	@Failure		503			{object}	ErrorResponse
//	@Router			/api/jobs [get]
func (e *ListJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := orchestrator(w, r)
	if o == nil {
		return
	}
	filter := jobs.Filter{
		Status:  jobs.Status(r.URL.Query().Get("status")),
		BatchID: r.URL.Query().Get("batch_id"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: o.ListJobs(filter)})
}

func (e *ListJobsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var status, batchID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List book jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if batchID != "" {
				q.Set("batch_id", batchID)
			}
			path := "/api/jobs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			client := api.NewClient(getServerURL())
			var resp ListJobsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, succeeded, failed, cancelled)")
	cmd.Flags().StringVar(&batchID, "batch", "", "Filter by batch ID")
	return cmd
}

// GetJobEndpoint handles GET /api/jobs/{id}.
type GetJobEndpoint struct{}

func (e *GetJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}", e.handler
}

func (e *GetJobEndpoint) RequiresInit() bool { return true }

func (e *GetJobEndpoint) Group() string { return "jobs" }

// handler godoc
//
//	@Summary		Get job by ID
//	@Description	Current stage, outputs and attempt counts of a book job
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	jobs.JobStatus
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/jobs/{id} [get]
func (e *GetJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := orchestrator(w, r)
	if o == nil {
		return
	}
	st, err := o.GetJobStatus(r.PathValue("id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (e *GetJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a job by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp jobs.JobStatus
			if err := client.Get(cmd.Context(), "/api/jobs/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// jobAction is a POST /api/jobs/{id}/<verb> endpoint that returns the
// job's status after the action.
type jobAction struct {
	verb  string
	short string
	do    func(o *jobs.Orchestrator, id string) error
}

func (e *jobAction) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/" + e.verb, e.handler
}

func (e *jobAction) RequiresInit() bool { return true }

func (e *jobAction) Group() string { return "jobs" }

func (e *jobAction) handler(w http.ResponseWriter, r *http.Request) {
	o := orchestrator(w, r)
	if o == nil {
		return
	}
	id := r.PathValue("id")
	if err := e.do(o, id); err != nil {
		writeJobError(w, err)
		return
	}
	st, err := o.GetJobStatus(id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (e *jobAction) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   e.verb + " <id>",
		Short: e.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp jobs.JobStatus
			if err := client.Post(cmd.Context(), "/api/jobs/"+args[0]+"/"+e.verb, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// CancelJobEndpoint handles POST /api/jobs/{id}/cancel.
//
//	@Summary		Cancel a job
//	@Description	Pending jobs are cancelled immediately; running jobs stop before their next stage
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	jobs.JobStatus
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Router			/api/jobs/{id}/cancel [post]
func CancelJobEndpoint() api.Endpoint {
	return &jobAction{
		verb:  "cancel",
		short: "Cancel a book job",
		do:    (*jobs.Orchestrator).CancelJob,
	}
}

// ResumeJobEndpoint handles POST /api/jobs/{id}/resume.
//
//	@Summary		Resume a job
//	@Description	Reschedule a failed or cancelled job from its current stage, reusing recorded outputs
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	jobs.JobStatus
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Router			/api/jobs/{id}/resume [post]
func ResumeJobEndpoint() api.Endpoint {
	return &jobAction{
		verb:  "resume",
		short: "Resume a failed or cancelled book job",
		do:    (*jobs.Orchestrator).ResumeJob,
	}
}

// AcknowledgeJobEndpoint handles DELETE /api/jobs/{id}.
type AcknowledgeJobEndpoint struct{}

func (e *AcknowledgeJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/jobs/{id}", e.handler
}

func (e *AcknowledgeJobEndpoint) RequiresInit() bool { return true }

func (e *AcknowledgeJobEndpoint) Group() string { return "jobs" }

// handler godoc
//
//	@Summary		Acknowledge a finished job or batch
//	@Description	Evict a terminal standalone job, or a batch whose books are all terminal
//	@Tags			jobs
//	@Param			id	path	string	true	"Job or batch ID"
//	@Success		204
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Router			/api/jobs/{id} [delete]
func (e *AcknowledgeJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := orchestrator(w, r)
	if o == nil {
		return
	}
	if err := o.AcknowledgeJob(r.PathValue("id")); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *AcknowledgeJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:     "ack <id>",
		Aliases: []string{"delete"},
		Short:   "Acknowledge a finished job or batch and evict it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			if err := client.Delete(cmd.Context(), "/api/jobs/"+args[0]); err != nil {
				return err
			}
			fmt.Printf("Acknowledged %s\n", args[0])
			return nil
		},
	}
}

package endpoints

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/storybook/internal/api"
	"github.com/jackzampolin/storybook/internal/jobs"
	"github.com/jackzampolin/storybook/internal/providers"
)

// ProvidersResponse reports provider budgets and scheduler occupancy.
type ProvidersResponse struct {
	Providers []providers.RateBudget `json:"providers" yaml:"providers"`
	Scheduler jobs.Stats             `json:"scheduler" yaml:"scheduler"`
}

// ProvidersEndpoint handles GET /api/providers.
type ProvidersEndpoint struct{}

func (e *ProvidersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/providers", e.handler
}

func (e *ProvidersEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Provider status
//	@Description	Token bucket, in-flight count and last rate-limit time of every provider
//	@Tags			providers
//	@Produce		json
//	@Success		200	{object}	ProvidersResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/providers [get]
func (e *ProvidersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := orchestrator(w, r)
	if o == nil {
		return
	}
	writeJSON(w, http.StatusOK, ProvidersResponse{
		Providers: o.ProviderStatus(),
		Scheduler: o.Stats(),
	})
}

func (e *ProvidersEndpoint) Command(getServerURL func() string) *cobra.Command {
	var table bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show provider rate budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ProvidersResponse
			if err := client.Get(cmd.Context(), "/api/providers", &resp); err != nil {
				return err
			}
			if !table {
				return api.Output(resp)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tTOKENS\tIN FLIGHT\tBLOCKED UNTIL\tLAST 429")
			for _, p := range resp.Providers {
				fmt.Fprintf(tw, "%s\t%.1f/%.0f\t%d/%d\t%s\t%s\n",
					p.Provider, p.Tokens, p.Capacity, p.InFlight, p.MaxConcurrent,
					formatTime(p.BlockedUntil), formatTime(p.Last429Time))
			}
			fmt.Fprintf(tw, "\nrunning %d, queued %d, global cap %d\n",
				resp.Scheduler.Running, resp.Scheduler.Queued, resp.Scheduler.GlobalConcurrency)
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&table, "table", false, "Print a table instead of structured output")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.TimeOnly)
}

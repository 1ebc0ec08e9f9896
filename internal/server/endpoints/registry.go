package endpoints

import (
	"github.com/jackzampolin/storybook/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},

		// Submission
		&SubmitBookEndpoint{},
		&SubmitBatchEndpoint{},

		// Book jobs
		&ListJobsEndpoint{},
		&GetJobEndpoint{},
		CancelJobEndpoint(),
		ResumeJobEndpoint(),
		&AcknowledgeJobEndpoint{},

		// Batches
		&ListBatchesEndpoint{},
		&GetBatchEndpoint{},
		&CancelBatchEndpoint{},

		&ProvidersEndpoint{},

		&SwaggerEndpoint{},
	}
}

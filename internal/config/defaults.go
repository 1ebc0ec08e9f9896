package config

import (
	"github.com/jackzampolin/storybook/internal/providers"
	"github.com/jackzampolin/storybook/internal/types"
)

// DefaultConfig returns configuration with sensible defaults. Provider
// budgets follow the published quotas: 60 requests/min general, 10
// concurrent exports, 5 concurrent autofills.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderCfg{
			"openai-story": {
				Type:              providers.OpenAIStoryType,
				Model:             "gpt-4o",
				APIKey:            "${OPENAI_API_KEY}",
				RequestsPerMinute: 60,
				Burst:             10,
				MaxConcurrent:     10,
				TimeoutSeconds:    120,
				Enabled:           true,
			},
			"openai-images": {
				Type:              providers.OpenAIImagesType,
				Model:             "dall-e-3",
				APIKey:            "${OPENAI_API_KEY}",
				RequestsPerMinute: 60,
				Burst:             5,
				MaxConcurrent:     5,
				TimeoutSeconds:    300,
				Enabled:           true,
			},
			"canva-autofill": {
				Type:              providers.CanvaAutofillType,
				APIKey:            "${CANVA_ACCESS_TOKEN}",
				TemplateID:        "${CANVA_TEMPLATE_ID}",
				RequestsPerMinute: 60,
				Burst:             10,
				MaxConcurrent:     5,
				TimeoutSeconds:    60,
				Enabled:           true,
			},
			"canva-export": {
				Type:              providers.CanvaExportType,
				APIKey:            "${CANVA_ACCESS_TOKEN}",
				RequestsPerMinute: 60,
				Burst:             10,
				MaxConcurrent:     10,
				TimeoutSeconds:    60,
				Enabled:           true,
			},
			"mock": {
				Type:    providers.MockType,
				Enabled: false,
			},
		},
		Pipeline: PipelineCfg{
			Stages: map[string][]string{
				string(types.StageText):   {"openai-story"},
				string(types.StageImages): {"openai-images"},
				string(types.StageLayout): {"canva-autofill"},
				string(types.StageExport): {"canva-export"},
			},
		},
		Orchestrator: OrchestratorCfg{
			GlobalConcurrency:       10,
			DefaultBatchConcurrency: 2,
			MaxBatchSize:            50,
			PollInterval:            "2s",
			MaxPolls:                30,
			Retention:               "24h",
			SweepInterval:           "5m",
		},
		Retry: RetryCfg{
			MaxAttempts: 4,
			BaseDelay:   "2s",
			MaxDelay:    "60s",
		},
		Metadata: MetadataCfg{
			Backend:     BackendNone,
			ManageDefra: true,
		},
		Notify: NotifyCfg{
			SubjectPrefix: "storybook.jobs",
		},
		Defra: DefraCfg{
			ContainerName: "storybook-defra",
			Image:         "sourcenetwork/defradb:latest",
			Port:          "9181",
		},
	}
}

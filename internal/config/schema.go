package config

// Config holds storybook configuration.
// Stored at: ./config.yaml or ~/.storybook/config.yaml
type Config struct {
	Providers    map[string]ProviderCfg `mapstructure:"providers" yaml:"providers"`
	Pipeline     PipelineCfg            `mapstructure:"pipeline" yaml:"pipeline"`
	Orchestrator OrchestratorCfg        `mapstructure:"orchestrator" yaml:"orchestrator"`
	Retry        RetryCfg               `mapstructure:"retry" yaml:"retry"`
	Metadata     MetadataCfg            `mapstructure:"metadata" yaml:"metadata"`
	Notify       NotifyCfg              `mapstructure:"notify" yaml:"notify"`
	Storage      StorageCfg             `mapstructure:"storage" yaml:"storage"`
	Defra        DefraCfg               `mapstructure:"defra" yaml:"defra"`
}

// ProviderCfg configures one external provider and its admission budget.
type ProviderCfg struct {
	Type              string  `mapstructure:"type" yaml:"type"`                               // "openai-story", "openai-images", "canva-autofill", "canva-export", "mock"
	Model             string  `mapstructure:"model" yaml:"model"`                             // Model name (OpenAI)
	APIKey            string  `mapstructure:"api_key" yaml:"api_key"`                         // API key or access token (supports ${ENV_VAR} syntax)
	BaseURL           string  `mapstructure:"base_url" yaml:"base_url"`                       // Optional API endpoint override
	TemplateID        string  `mapstructure:"template_id" yaml:"template_id"`                 // Default brand template (canva-autofill)
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"` // Token refill rate
	Burst             int     `mapstructure:"burst" yaml:"burst"`                             // Bucket capacity
	MaxConcurrent     int     `mapstructure:"max_concurrent" yaml:"max_concurrent"`           // In-flight provider jobs
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`         // HTTP timeout
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
}

// PipelineCfg maps each stage to its ordered provider fallback chain.
type PipelineCfg struct {
	Stages map[string][]string `mapstructure:"stages" yaml:"stages"`
}

// OrchestratorCfg bounds scheduling. Durations use Go syntax ("2s", "24h").
type OrchestratorCfg struct {
	GlobalConcurrency       int    `mapstructure:"global_concurrency" yaml:"global_concurrency"`
	DefaultBatchConcurrency int    `mapstructure:"default_batch_concurrency" yaml:"default_batch_concurrency"`
	MaxBatchSize            int    `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	PollInterval            string `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxPolls                int    `mapstructure:"max_polls" yaml:"max_polls"`
	Retention               string `mapstructure:"retention" yaml:"retention"`
	SweepInterval           string `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// RetryCfg is the per-provider retry policy.
type RetryCfg struct {
	MaxAttempts int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   string `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    string `mapstructure:"max_delay" yaml:"max_delay"`
}

// Metadata backends for terminal job outcomes.
const (
	BackendNone  = "none"
	BackendDefra = "defra"
	BackendMySQL = "mysql"
)

// MetadataCfg selects where terminal job outcomes are recorded.
type MetadataCfg struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // "none", "defra", "mysql"
	// DefraURL points at an existing DefraDB. Empty uses the managed container.
	DefraURL    string `mapstructure:"defra_url" yaml:"defra_url"`
	ManageDefra bool   `mapstructure:"manage_defra" yaml:"manage_defra"`
	MySQLDSN    string `mapstructure:"mysql_dsn" yaml:"mysql_dsn"` // supports ${ENV_VAR} syntax
}

// NotifyCfg configures terminal-event publishing. Empty NATSURL disables it.
type NotifyCfg struct {
	NATSURL       string `mapstructure:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// StorageCfg locates generated assets.
type StorageCfg struct {
	// AssetsDir overrides ~/.storybook/assets.
	AssetsDir string `mapstructure:"assets_dir" yaml:"assets_dir"`
}

// DefraCfg holds DefraDB container configuration.
type DefraCfg struct {
	// ContainerName is the Docker container name (default: storybook-defra)
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// Image is the Docker image to use (default: sourcenetwork/defradb:latest)
	Image string `mapstructure:"image" yaml:"image"`
	// Port is the host port to bind (default: 9181)
	Port string `mapstructure:"port" yaml:"port"`
}

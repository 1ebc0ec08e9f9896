package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/jackzampolin/storybook/internal/providers"
	"github.com/jackzampolin/storybook/internal/retry"
	"github.com/jackzampolin/storybook/internal/types"
)

// EnvPrefix prefixes environment overrides: STORYBOOK_ORCHESTRATOR_GLOBAL_CONCURRENCY=4.
const EnvPrefix = "STORYBOOK"

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v      *viper.Viper
	logger *slog.Logger

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a config manager and loads the initial config. An
// explicit cfgFile must exist; otherwise ./config.yaml and
// ~/.storybook/config.yaml are tried and defaults are used when neither
// exists. A .env file in the working directory is loaded first.
func NewManager(cfgFile string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cm := &Manager{v: viper.New(), logger: logger}
	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	return cm, nil
}

// LoadDotEnv loads variables from the given .env files. Missing files are
// skipped; variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// initViper sets up defaults, environment overrides and the config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults, err := flatten(DefaultConfig())
	if err != nil {
		return err
	}
	for key, val := range defaults {
		cm.v.SetDefault(key, val)
	}

	cm.v.SetEnvPrefix(EnvPrefix)
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.storybook")
	}

	if err := cm.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		cm.logger.Debug("no config file found, using defaults")
	}
	return nil
}

// flatten turns a config into dotted leaf keys so every field gets a
// default and can be overridden from the environment.
func flatten(cfg *Config) (map[string]any, error) {
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var tree map[string]any
	if err := yamlv3.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok && len(child) > 0 {
				walk(key, child)
				continue
			}
			out[key] = v
		}
	}
	walk("", tree)
	return out, nil
}

// load parses the current viper state into a validated Config.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the config file in use, or "" when running on defaults.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading. An edit that fails to parse or
// validate is logged and the previous config stays active.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cm.reload(e.Name)
	})
	cm.v.WatchConfig()
}

func (cm *Manager) reload(source string) {
	cfg, err := cm.load()
	if err != nil {
		cm.logger.Warn("ignoring invalid config change", "file", source, "error", err)
		return
	}

	cm.mu.Lock()
	cm.config = cfg
	callbacks := make([]func(*Config), len(cm.callbacks))
	copy(callbacks, cm.callbacks)
	cm.mu.Unlock()

	cm.logger.Info("config reloaded", "file", source)
	for _, fn := range callbacks {
		fn(cfg)
	}
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envRef.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// Validate checks cross-references and value ranges.
func (c *Config) Validate() error {
	var errs []error

	known := make(map[string]bool)
	for _, s := range types.DefaultStages() {
		known[string(s.Name)] = true
	}
	for stage, chain := range c.Pipeline.Stages {
		if !known[stage] {
			errs = append(errs, fmt.Errorf("pipeline.stages: unknown stage %q", stage))
		}
		for _, name := range chain {
			if _, ok := c.Providers[name]; !ok {
				errs = append(errs, fmt.Errorf("pipeline.stages.%s: unknown provider %q", stage, name))
			}
		}
	}

	o := c.Orchestrator
	if o.GlobalConcurrency < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.global_concurrency must be at least 1, got %d", o.GlobalConcurrency))
	}
	if o.DefaultBatchConcurrency < 0 || o.MaxBatchSize < 0 || o.MaxPolls < 0 {
		errs = append(errs, errors.New("orchestrator limits must not be negative"))
	}
	for key, val := range map[string]string{
		"orchestrator.poll_interval":  o.PollInterval,
		"orchestrator.retention":      o.Retention,
		"orchestrator.sweep_interval": o.SweepInterval,
		"retry.base_delay":            c.Retry.BaseDelay,
		"retry.max_delay":             c.Retry.MaxDelay,
	} {
		if _, err := parseDuration(val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	switch c.Metadata.Backend {
	case "", BackendNone, BackendDefra:
	case BackendMySQL:
		if c.Metadata.MySQLDSN == "" {
			errs = append(errs, errors.New("metadata.mysql_dsn is required for the mysql backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("metadata.backend: unknown backend %q", c.Metadata.Backend))
	}

	return errors.Join(errs...)
}

// parseDuration accepts Go duration syntax; empty means zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// PollIntervalDuration returns the stage executor poll interval.
func (o OrchestratorCfg) PollIntervalDuration() time.Duration { return mustDuration(o.PollInterval) }

// RetentionDuration returns how long terminal jobs are kept.
func (o OrchestratorCfg) RetentionDuration() time.Duration { return mustDuration(o.Retention) }

// SweepIntervalDuration returns the eviction sweep period.
func (o OrchestratorCfg) SweepIntervalDuration() time.Duration { return mustDuration(o.SweepInterval) }

// RetryPolicy converts the retry section into a retry.Policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   mustDuration(c.Retry.BaseDelay),
		MaxDelay:    mustDuration(c.Retry.MaxDelay),
	}
}

// StageChains returns the provider fallback chain for each stage.
func (c *Config) StageChains() map[types.StageName][]string {
	out := make(map[types.StageName][]string, len(c.Pipeline.Stages))
	for stage, chain := range c.Pipeline.Stages {
		out[types.StageName(stage)] = append([]string(nil), chain...)
	}
	return out
}

// EnabledProviders returns the names of enabled providers, sorted.
func (c *Config) EnabledProviders() []string {
	var names []string
	for name, p := range c.Providers {
		if p.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ToProviderRegistryConfig converts the config to a format suitable for providers.Registry.
// It resolves all ${ENV_VAR} references in credentials and endpoints.
func (c *Config) ToProviderRegistryConfig(assetsDir string) providers.RegistryConfig {
	if c.Storage.AssetsDir != "" {
		assetsDir = c.Storage.AssetsDir
	}
	cfg := providers.RegistryConfig{
		Providers: make(map[string]providers.ProviderConfig, len(c.Providers)),
		AssetsDir: assetsDir,
	}
	for name, p := range c.Providers {
		cfg.Providers[name] = providers.ProviderConfig{
			Type:              p.Type,
			Model:             p.Model,
			APIKey:            ResolveEnvVars(p.APIKey),
			BaseURL:           ResolveEnvVars(p.BaseURL),
			TemplateID:        ResolveEnvVars(p.TemplateID),
			RequestsPerMinute: p.RequestsPerMinute,
			Burst:             p.Burst,
			MaxConcurrent:     p.MaxConcurrent,
			Timeout:           time.Duration(p.TimeoutSeconds) * time.Second,
			Enabled:           p.Enabled,
		}
	}
	return cfg
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Storybook configuration
# API keys use ${ENV_VAR} syntax to reference environment variables.
# Set them in your shell or a .env file: OPENAI_API_KEY, CANVA_ACCESS_TOKEN, CANVA_TEMPLATE_ID
# Any value can be overridden with STORYBOOK_<SECTION>_<KEY>, e.g. STORYBOOK_ORCHESTRATOR_GLOBAL_CONCURRENCY=4

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}

package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackzampolin/storybook/internal/clock"
)

// MockType registers a scripted MockClient; used for dry runs and tests.
const MockType = "mock"

// Entry pairs a provider client with its admission gate.
type Entry struct {
	Name    string
	Type    string
	Client  Client
	Limiter *Limiter

	cfg ProviderConfig
}

// Registry holds provider clients and their limiters.
// It supports config-driven instantiation, hot-reload, and provides thread-safe access.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	clk     clock.Clock
	logger  *slog.Logger
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		clk:     clock.Real{},
		logger:  slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// SetClock sets the clock used by limiters created after the call.
func (r *Registry) SetClock(clk clock.Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clk = clk
}

// Register adds or replaces a client. An existing limiter under the same
// name is reconfigured rather than replaced so in-flight permits stay valid.
func (r *Registry) Register(name string, client Client, limits LimiterConfig) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(name, "", client, limits, ProviderConfig{})
}

func (r *Registry) register(name, typ string, client Client, limits LimiterConfig, cfg ProviderConfig) *Entry {
	if limits.Clock == nil {
		limits.Clock = r.clk
	}
	entry := &Entry{Name: name, Type: typ, Client: client, cfg: cfg}
	if existing, ok := r.entries[name]; ok {
		existing.Limiter.Reconfigure(limits)
		entry.Limiter = existing.Limiter
	} else {
		entry.Limiter = NewLimiter(name, limits)
	}
	if t, ok := client.(Throttled); ok {
		t.SetThrottle(entry.Limiter.Penalize)
	}
	r.entries[name] = entry
	if r.logger != nil {
		r.logger.Info("registered provider", "name", name, "type", typ,
			"rpm", limits.RequestsPerMinute, "max_concurrent", limits.MaxConcurrent)
	}
	return entry
}

// Unregister removes a provider by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
	if r.logger != nil {
		r.logger.Info("unregistered provider", "name", name)
	}
}

// Get returns a provider entry by name.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return e, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns the rate budget of every provider, sorted by name.
func (r *Registry) Status() []RateBudget {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]RateBudget, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Limiter.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// RegistryConfig defines the providers to instantiate from config.
// This mirrors the config.Config structure for provider setup.
type RegistryConfig struct {
	Providers map[string]ProviderConfig
	AssetsDir string
}

// ProviderConfig matches config.ProviderCfg with resolved API key.
type ProviderConfig struct {
	Type              string
	Model             string
	APIKey            string
	BaseURL           string
	TemplateID        string
	RequestsPerMinute float64
	Burst             int
	MaxConcurrent     int
	Timeout           time.Duration
	Enabled           bool
}

func (c ProviderConfig) limits() LimiterConfig {
	return LimiterConfig{
		RequestsPerMinute: c.RequestsPerMinute,
		Burst:             c.Burst,
		MaxConcurrent:     c.MaxConcurrent,
	}
}

// sameClient reports whether two configs produce an identical client.
func (c ProviderConfig) sameClient(o ProviderConfig) bool {
	return c.Type == o.Type && c.Model == o.Model && c.APIKey == o.APIKey &&
		c.BaseURL == o.BaseURL && c.TemplateID == o.TemplateID && c.Timeout == o.Timeout
}

// NewRegistryFromConfig creates a registry with providers based on configuration.
// Only enabled providers with credentials will be registered.
func NewRegistryFromConfig(cfg RegistryConfig) *Registry {
	r := NewRegistry()
	r.Reload(cfg)
	return r
}

// Reload updates the registry based on new configuration.
// Providers that are no longer configured will be unregistered. Providers
// whose quotas changed keep their limiter and only get new budgets.
func (r *Registry) Reload(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)
	for name, provCfg := range cfg.Providers {
		if !provCfg.Enabled || (provCfg.APIKey == "" && provCfg.Type != MockType) {
			continue
		}
		want[name] = true

		if existing, ok := r.entries[name]; ok && existing.cfg.sameClient(provCfg) {
			limits := provCfg.limits()
			limits.Clock = r.clk
			existing.Limiter.Reconfigure(limits)
			existing.cfg = provCfg
			continue
		}

		client, err := createClient(name, provCfg, cfg.AssetsDir)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("skipping provider", "name", name, "error", err)
			}
			continue
		}
		r.register(name, provCfg.Type, client, provCfg.limits(), provCfg)
	}

	for name := range r.entries {
		if !want[name] {
			delete(r.entries, name)
			if r.logger != nil {
				r.logger.Info("unregistered provider", "name", name)
			}
		}
	}
}

// createClient creates a client based on provider type.
func createClient(name string, cfg ProviderConfig, assetsDir string) (Client, error) {
	switch cfg.Type {
	case OpenAIStoryType:
		c := NewOpenAIStoryClient(OpenAIConfig{
			Name:      name,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			AssetsDir: assetsDir,
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
		})
		return NewSync(name, c.Generate), nil
	case OpenAIImagesType:
		c := NewOpenAIImageClient(OpenAIConfig{
			Name:      name,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			AssetsDir: assetsDir,
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
		})
		return NewSync(name, c.Generate), nil
	case CanvaAutofillType, CanvaExportType:
		return NewCanvaClient(CanvaConfig{
			Name:        name,
			Type:        cfg.Type,
			AccessToken: cfg.APIKey,
			TemplateID:  cfg.TemplateID,
			AssetsDir:   assetsDir,
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.Timeout,
		}), nil
	case MockType:
		return NewMockClient(name), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

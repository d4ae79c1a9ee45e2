package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/taskroute/pkg/adapter"
	"github.com/zen-systems/taskroute/pkg/complexity"
	"github.com/zen-systems/taskroute/pkg/dispatch"
	"github.com/zen-systems/taskroute/pkg/observability"
	"github.com/zen-systems/taskroute/pkg/selector"
)

// HomeEnv overrides the config directory.
const HomeEnv = "TASKROUTE_HOME"

// Config is the contents of ~/.taskroute/config.yaml after defaults are
// applied and API keys are resolved from the environment.
type Config struct {
	Providers  ProvidersConfig      `yaml:"providers"`
	Classifier ClassifierConfig     `yaml:"classifier"`
	Selector   selector.Config      `yaml:"selector"`
	Ledger     LedgerConfig         `yaml:"ledger"`
	Dispatch   DispatchConfig       `yaml:"dispatch"`
	Logging    observability.Config `yaml:"logging"`
	Aliases    Aliases              `yaml:"aliases"`

	// Dir is the directory relative paths are resolved against.
	Dir string `yaml:"-"`
}

// ProvidersConfig lists the backends to register.
type ProvidersConfig struct {
	Anthropic HostedConfig   `yaml:"anthropic"`
	OpenAI    HostedConfig   `yaml:"openai"`
	Google    HostedConfig   `yaml:"google"`
	Ollama    OllamaConfig   `yaml:"ollama"`
	Custom    []CustomConfig `yaml:"custom"`
	Mock      MockConfig     `yaml:"mock"`
}

// HostedConfig configures a hosted API provider. The provider is enabled
// when its key variable is set unless Enabled says otherwise.
type HostedConfig struct {
	Enabled   *bool         `yaml:"enabled,omitempty"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Models    []ModelConfig `yaml:"models,omitempty"`

	APIKey string `yaml:"-"`
}

// Active reports whether the provider should be registered.
func (h HostedConfig) Active() bool {
	if h.Enabled != nil && !*h.Enabled {
		return false
	}
	return h.APIKey != ""
}

// OllamaConfig configures the local inference server.
type OllamaConfig struct {
	Enabled        bool                `yaml:"enabled"`
	BaseURL        string              `yaml:"base_url"`
	KeepAlive      string              `yaml:"keep_alive"`
	TimeoutSeconds int                 `yaml:"timeout_seconds"`
	Capabilities   map[string][]string `yaml:"capabilities,omitempty"`
}

// CustomConfig registers an OpenAI-compatible endpoint. Preset fills in
// base URL and models for known services.
type CustomConfig struct {
	Name              string        `yaml:"name"`
	Preset            string        `yaml:"preset,omitempty"`
	BaseURL           string        `yaml:"base_url,omitempty"`
	APIKeyEnv         string        `yaml:"api_key_env,omitempty"`
	Models            []ModelConfig `yaml:"models,omitempty"`
	RequestsPerMinute float64       `yaml:"requests_per_minute,omitempty"`
	Burst             int           `yaml:"burst,omitempty"`
	TimeoutSeconds    int           `yaml:"timeout_seconds,omitempty"`

	APIKey string `yaml:"-"`
}

// MockConfig enables the scripted offline backend.
type MockConfig struct {
	Enabled bool          `yaml:"enabled"`
	Models  []ModelConfig `yaml:"models,omitempty"`
}

// ModelConfig declares one model of a provider catalog.
type ModelConfig struct {
	Name         string   `yaml:"name"`
	Size         string   `yaml:"size"`
	Capabilities []string `yaml:"capabilities"`
}

// ClassifierConfig points at an optional ruleset file layered over the
// built-in rules.
type ClassifierConfig struct {
	RulesFile string `yaml:"rules_file,omitempty"`
}

// LedgerConfig selects the persistence backend.
type LedgerConfig struct {
	Backend  string `yaml:"backend"` // memory, dir or sqlite
	Path     string `yaml:"path"`
	Capacity int    `yaml:"capacity"`

	// UsageHalfLife is the number of dispatches after which a dispatch
	// weighs half in load balancing.
	UsageHalfLife int `yaml:"usage_half_life"`
}

// DispatchConfig holds submission defaults.
type DispatchConfig struct {
	MaxFallbacks             int `yaml:"max_fallbacks"`
	AttemptTimeoutSeconds    int `yaml:"attempt_timeout_seconds"`
	ActivationTimeoutSeconds int `yaml:"activation_timeout_seconds"`
	CooldownSeconds          int `yaml:"cooldown_seconds"`
}

// Default returns the configuration used when no file exists, without
// API keys.
func Default() *Config {
	cfg := base()
	applyDefaults(cfg)
	return cfg
}

func base() *Config {
	return &Config{
		Selector: selector.DefaultConfig(),
		Logging:  observability.DefaultConfig(),
		Dispatch: DispatchConfig{MaxFallbacks: 2},
	}
}

// ConfigDir returns the config directory, creating it if needed.
func ConfigDir() (string, error) {
	dir := os.Getenv(HomeEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".taskroute")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// Load reads the config file at path, or config.yaml in ConfigDir when
// path is empty. A missing default file yields defaults; a missing
// explicit file is an error. API keys are read from the environment only.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		dir, err := ConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config directory: %w", err)
		}
		path = filepath.Join(dir, "config.yaml")
	}

	cfg := base()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.Dir = filepath.Dir(path)
	applyDefaults(cfg)
	resolveKeys(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	p := &cfg.Providers
	if p.Anthropic.APIKeyEnv == "" {
		p.Anthropic.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if p.OpenAI.APIKeyEnv == "" {
		p.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if p.Google.APIKeyEnv == "" {
		p.Google.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if p.Ollama.BaseURL == "" {
		p.Ollama.BaseURL = "http://127.0.0.1:11434"
	}
	if p.Ollama.KeepAlive == "" {
		p.Ollama.KeepAlive = "5m"
	}
	if p.Ollama.TimeoutSeconds == 0 {
		p.Ollama.TimeoutSeconds = 120
	}
	for i := range p.Custom {
		c := &p.Custom[i]
		if c.Name == "" {
			c.Name = c.Preset
		}
		if c.APIKeyEnv == "" {
			switch c.Preset {
			case "groq":
				c.APIKeyEnv = "GROQ_API_KEY"
			case "deepseek":
				c.APIKeyEnv = "DEEPSEEK_API_KEY"
			}
		}
	}

	if cfg.Aliases == nil {
		cfg.Aliases = DefaultAliases()
	}
	if cfg.Selector.TierCapabilities == nil {
		cfg.Selector.TierCapabilities = selector.DefaultTierCapabilities()
	}

	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = "sqlite"
	}
	if cfg.Ledger.Path == "" {
		switch cfg.Ledger.Backend {
		case "sqlite":
			cfg.Ledger.Path = "ledger.db"
		case "dir":
			cfg.Ledger.Path = "ledger"
		}
	}
	if cfg.Ledger.Capacity == 0 {
		cfg.Ledger.Capacity = 1000
	}
	if cfg.Ledger.UsageHalfLife == 0 {
		cfg.Ledger.UsageHalfLife = 8
	}

	d := &cfg.Dispatch
	if d.AttemptTimeoutSeconds == 0 {
		d.AttemptTimeoutSeconds = int(dispatch.DefaultAttemptTimeout / time.Second)
	}
	if d.ActivationTimeoutSeconds == 0 {
		d.ActivationTimeoutSeconds = int(dispatch.DefaultActivationTimeout / time.Second)
	}
	if d.CooldownSeconds == 0 {
		d.CooldownSeconds = 60
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

func resolveKeys(cfg *Config) {
	p := &cfg.Providers
	p.Anthropic.APIKey = os.Getenv(p.Anthropic.APIKeyEnv)
	p.OpenAI.APIKey = os.Getenv(p.OpenAI.APIKeyEnv)
	p.Google.APIKey = os.Getenv(p.Google.APIKeyEnv)
	for i := range p.Custom {
		if env := p.Custom[i].APIKeyEnv; env != "" {
			p.Custom[i].APIKey = os.Getenv(env)
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Selector.Validate(); err != nil {
		return fmt.Errorf("selector: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	switch c.Ledger.Backend {
	case "memory", "dir", "sqlite":
	default:
		return fmt.Errorf("ledger: unknown backend %q", c.Ledger.Backend)
	}
	if c.Ledger.Capacity < 0 {
		return fmt.Errorf("ledger: capacity must not be negative")
	}
	if c.Ledger.UsageHalfLife < 0 {
		return fmt.Errorf("ledger: usage_half_life must not be negative")
	}
	if n := c.Dispatch.MaxFallbacks; n < 0 || n > dispatch.MaxFallbacksLimit {
		return fmt.Errorf("dispatch: max_fallbacks %d outside [0,%d]", n, dispatch.MaxFallbacksLimit)
	}

	seen := make(map[string]bool)
	for _, cu := range c.Providers.Custom {
		if cu.Name == "" {
			return fmt.Errorf("providers.custom: entry without name or preset")
		}
		if seen[cu.Name] {
			return fmt.Errorf("providers.custom: duplicate name %q", cu.Name)
		}
		seen[cu.Name] = true
		switch cu.Preset {
		case "", "groq", "deepseek":
		default:
			return fmt.Errorf("providers.custom %s: unknown preset %q", cu.Name, cu.Preset)
		}
		if cu.Preset == "" && (cu.BaseURL == "" || len(cu.Models) == 0) {
			return fmt.Errorf("providers.custom %s: base_url and models are required without a preset", cu.Name)
		}
	}
	return nil
}

// Resolve returns path unchanged when absolute, else joined with Dir.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// LoadRules returns the classifier ruleset, layering RulesFile over the
// built-in rules.
func (c *Config) LoadRules() (complexity.Rules, error) {
	rules := complexity.DefaultRules()
	if c.Classifier.RulesFile == "" {
		return rules, nil
	}
	path := c.Resolve(c.Classifier.RulesFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("failed to read rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("failed to parse rules %s: %w", path, err)
	}
	if err := rules.Validate(); err != nil {
		return rules, fmt.Errorf("invalid rules %s: %w", path, err)
	}
	return rules, nil
}

// Descriptors converts model entries to adapter descriptors. A nil result
// lets adapters fall back to their built-in catalogs.
func Descriptors(models []ModelConfig) []adapter.ModelDescriptor {
	if len(models) == 0 {
		return nil
	}
	out := make([]adapter.ModelDescriptor, 0, len(models))
	for _, m := range models {
		out = append(out, adapter.ModelDescriptor{
			Name:         m.Name,
			Size:         adapter.ParseSize(m.Size),
			Capabilities: m.Capabilities,
		})
	}
	return out
}

// Seconds converts a config field to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Package engine assembles a routing engine from configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/zen-systems/taskroute/pkg/adapter"
	"github.com/zen-systems/taskroute/pkg/complexity"
	"github.com/zen-systems/taskroute/pkg/config"
	"github.com/zen-systems/taskroute/pkg/dispatch"
	"github.com/zen-systems/taskroute/pkg/kv"
	"github.com/zen-systems/taskroute/pkg/ledger"
	"github.com/zen-systems/taskroute/pkg/registry"
	"github.com/zen-systems/taskroute/pkg/selector"
)

// Engine owns one set of components. Nothing is shared between engines.
type Engine struct {
	Config       *config.Config
	Classifier   *complexity.Classifier
	Registry     *registry.Registry
	Ledger       *ledger.Ledger
	Selector     *selector.Selector
	Orchestrator *dispatch.Orchestrator

	store  kv.Store
	logger *zap.Logger
}

// New builds an engine, loads the ledger and registers every configured
// provider. Close releases the store.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rules, err := cfg.LoadRules()
	if err != nil {
		return nil, err
	}
	cls, err := complexity.New(rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build classifier: %w", err)
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	led := ledger.New(
		ledger.WithStore(store),
		ledger.WithCapacity(cfg.Ledger.Capacity),
		ledger.WithUsageHalfLife(cfg.Ledger.UsageHalfLife),
		ledger.WithLogger(logger),
	)
	if err := led.Load(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	sel, err := selector.New(cfg.Selector, led)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	reg := registry.New(
		registry.WithCooldown(config.Seconds(cfg.Dispatch.CooldownSeconds)),
		registry.WithLogger(logger),
	)
	adapters, err := BuildAdapters(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	for _, a := range adapters {
		if err := reg.Register(ctx, a); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to register %s: %w", a.Name(), err)
		}
	}

	e := &Engine{
		Config:     cfg,
		Classifier: cls,
		Registry:   reg,
		Ledger:     led,
		Selector:   sel,
		Orchestrator: dispatch.New(cls, reg, sel, led,
			dispatch.WithLogger(logger),
			dispatch.WithAttemptTimeout(config.Seconds(cfg.Dispatch.AttemptTimeoutSeconds)),
			dispatch.WithActivationTimeout(config.Seconds(cfg.Dispatch.ActivationTimeoutSeconds)),
		),
		store:  store,
		logger: logger.Named("engine"),
	}

	for _, err := range cfg.Aliases.Dangling(e.ModelIDs()) {
		e.logger.Debug("alias not served by any provider", zap.Error(err))
	}
	return e, nil
}

// OpenStore opens the configured ledger backend.
func OpenStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	path := cfg.Resolve(cfg.Ledger.Path)
	switch cfg.Ledger.Backend {
	case "memory":
		return kv.NewMemory(), nil
	case "dir":
		d, err := kv.NewDir(path)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
		s, err := kv.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

// BuildAdapters constructs the adapters enabled in cfg. Hosted providers
// without a key and presets without a key are skipped.
func BuildAdapters(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]adapter.Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := cfg.Providers
	var out []adapter.Adapter

	if p.Anthropic.Active() {
		a, err := adapter.NewAnthropicAdapter(p.Anthropic.APIKey, config.Descriptors(p.Anthropic.Models))
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		out = append(out, a)
	}
	if p.OpenAI.Active() {
		a, err := adapter.NewOpenAIAdapter(p.OpenAI.APIKey, config.Descriptors(p.OpenAI.Models))
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		out = append(out, a)
	}
	if p.Google.Active() {
		a, err := adapter.NewGoogleAdapter(ctx, p.Google.APIKey, config.Descriptors(p.Google.Models))
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		out = append(out, a)
	}

	if p.Ollama.Enabled {
		out = append(out, adapter.NewOllamaAdapter(adapter.OllamaConfig{
			BaseURL:      p.Ollama.BaseURL,
			Timeout:      config.Seconds(p.Ollama.TimeoutSeconds),
			KeepAlive:    p.Ollama.KeepAlive,
			Capabilities: p.Ollama.Capabilities,
			Logger:       logger,
		}))
	}

	for _, c := range p.Custom {
		if c.Preset != "" && c.APIKey == "" {
			logger.Warn("custom endpoint has no API key, skipping",
				zap.String("name", c.Name), zap.String("api_key_env", c.APIKeyEnv))
			continue
		}
		a, err := adapter.NewCompatAdapter(compatConfig(c))
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}

	if p.Mock.Enabled {
		out = append(out, adapter.NewMockAdapter("mock", config.Descriptors(p.Mock.Models)...))
	}
	return out, nil
}

func compatConfig(c config.CustomConfig) adapter.CompatConfig {
	var cc adapter.CompatConfig
	switch c.Preset {
	case "groq":
		cc = adapter.GroqPreset(c.APIKey)
	case "deepseek":
		cc = adapter.DeepSeekPreset(c.APIKey)
	}
	if c.Name != "" {
		cc.Name = c.Name
	}
	cc.APIKey = c.APIKey
	if c.BaseURL != "" {
		cc.BaseURL = c.BaseURL
	}
	if models := config.Descriptors(c.Models); models != nil {
		cc.Models = models
	}
	if c.RequestsPerMinute > 0 {
		cc.RequestsPerMinute = c.RequestsPerMinute
	}
	if c.Burst > 0 {
		cc.Burst = c.Burst
	}
	if c.TimeoutSeconds > 0 {
		cc.Timeout = config.Seconds(c.TimeoutSeconds)
	}
	return cc
}

// ModelIDs lists every registered model.
func (e *Engine) ModelIDs() []string {
	snap := e.Registry.Snapshot()
	ids := make([]string, 0, len(snap))
	for _, m := range snap {
		ids = append(ids, m.ID)
	}
	return ids
}

// Refresh re-lists provider catalogs and drops ledger history for every
// model that is no longer registered. It returns the pruned IDs.
func (e *Engine) Refresh(ctx context.Context) ([]string, error) {
	if removed := e.Registry.Refresh(ctx); len(removed) > 0 {
		e.logger.Info("models removed", zap.Strings("models", removed))
	}
	pruned := e.Ledger.Prune(e.ModelIDs())
	if len(pruned) == 0 {
		return nil, nil
	}
	e.logger.Info("ledger history pruned", zap.Strings("models", pruned))
	return pruned, e.Ledger.Flush(ctx)
}

// Close flushes the ledger and closes its store.
func (e *Engine) Close() error {
	flushErr := e.Ledger.Flush(context.Background())
	return errors.Join(flushErr, e.store.Close())
}

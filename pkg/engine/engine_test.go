package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/taskroute/pkg/adapter"
	"github.com/zen-systems/taskroute/pkg/complexity"
	"github.com/zen-systems/taskroute/pkg/config"
	"github.com/zen-systems/taskroute/pkg/dispatch"
	"github.com/zen-systems/taskroute/pkg/ledger"
)

func mockConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Dir = t.TempDir()
	cfg.Ledger.Backend = backend
	cfg.Ledger.Path = "state/ledger"
	cfg.Providers.Mock = config.MockConfig{
		Enabled: true,
		Models: []config.ModelConfig{
			{Name: "small", Size: "3B", Capabilities: []string{"general", "fast"}},
			{Name: "large", Size: "70B", Capabilities: []string{"general", "code", "reasoning"}},
		},
	}
	return cfg
}

func TestEngineSubmitAndPersist(t *testing.T) {
	for _, backend := range []string{"dir", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := mockConfig(t, backend)

			e, err := New(ctx, cfg, nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"mock/large", "mock/small"}, e.ModelIDs())

			res, err := e.Orchestrator.Submit(ctx, complexity.Task{Text: "hello"}, dispatch.Options{MaxFallbacks: cfg.Dispatch.MaxFallbacks})
			require.NoError(t, err)
			assert.Equal(t, complexity.Simple, res.Tier)
			require.NoError(t, e.Close())

			reopened, err := New(ctx, cfg, nil)
			require.NoError(t, err)
			defer reopened.Close()
			assert.Equal(t, 1, reopened.Ledger.Len(res.Model.ID))
			assert.Equal(t, int64(1), reopened.Ledger.Usage(res.Model.ID))
		})
	}
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	cfg := mockConfig(t, "redis")
	_, err := OpenStore(context.Background(), cfg)
	assert.Error(t, err)
}

func TestBuildAdapters(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Anthropic.APIKey = "sk-ant-test"
	cfg.Providers.Ollama.Enabled = true
	cfg.Providers.Custom = []config.CustomConfig{
		{Name: "groq", Preset: "groq", APIKey: "gsk-test", RequestsPerMinute: 10},
		{Name: "deepseek", Preset: "deepseek"},
		{
			Name:    "team",
			BaseURL: "http://127.0.0.1:9/v1",
			Models:  []config.ModelConfig{{Name: "team-13b", Size: "13B", Capabilities: []string{"general"}}},
		},
	}

	adapters, err := BuildAdapters(context.Background(), cfg, nil)
	require.NoError(t, err)

	byName := map[string]adapter.Adapter{}
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	assert.Contains(t, byName, "anthropic")
	assert.Contains(t, byName, "ollama")
	assert.Contains(t, byName, "groq")
	assert.Contains(t, byName, "team")
	assert.NotContains(t, byName, "deepseek", "presets without a key are skipped")
	assert.NotContains(t, byName, "openai")
	assert.NotContains(t, byName, "mock")

	assert.Equal(t, adapter.FamilyHosted, byName["anthropic"].Family())
	assert.Equal(t, adapter.FamilyLocal, byName["ollama"].Family())
	assert.Equal(t, adapter.FamilyCustom, byName["team"].Family())

	models := byName["team"].ListModels(context.Background())
	require.Len(t, models, 1)
	assert.Equal(t, "team/team-13b", models[0].ID)
	assert.Equal(t, adapter.SizeMedium, models[0].Size)
}

func TestCompatConfigPresetOverrides(t *testing.T) {
	cc := compatConfig(config.CustomConfig{
		Name:           "groq-eu",
		Preset:         "groq",
		APIKey:         "k",
		BaseURL:        "https://eu.example/v1",
		TimeoutSeconds: 5,
	})
	assert.Equal(t, "groq-eu", cc.Name)
	assert.Equal(t, "https://eu.example/v1", cc.BaseURL)
	assert.Equal(t, 30.0, cc.RequestsPerMinute, "preset rate limit kept")
	assert.Len(t, cc.Models, 2)
	assert.Equal(t, config.Seconds(5), cc.Timeout)
}

func TestRefreshPrunesUnregisteredModels(t *testing.T) {
	ctx := context.Background()
	cfg := mockConfig(t, "memory")
	e, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer e.Close()

	res, err := e.Orchestrator.Submit(ctx, complexity.Task{Text: "hello"}, dispatch.Options{})
	require.NoError(t, err)

	require.NoError(t, e.Ledger.Record(ledger.Sample{ModelID: "retired/model-1", Tier: complexity.Simple, Success: true}))
	e.Ledger.IncrementUsage("retired/model-1")

	pruned, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"retired/model-1"}, pruned)
	assert.Equal(t, []string{res.Model.ID}, e.Ledger.Models())

	pruned, err = e.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, pruned)
}

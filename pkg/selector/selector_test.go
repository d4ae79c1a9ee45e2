package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/taskroute/pkg/adapter"
	"github.com/zen-systems/taskroute/pkg/complexity"
	"github.com/zen-systems/taskroute/pkg/kv"
	"github.com/zen-systems/taskroute/pkg/ledger"
)

func model(id string, size adapter.SizeClass, status adapter.Status, caps ...string) adapter.ModelDescriptor {
	return adapter.ModelDescriptor{ID: id, Name: id, Size: size, Status: status, Capabilities: caps}
}

func newSelector(t *testing.T, l *ledger.Ledger) *Selector {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Seed = 42
	s, err := New(cfg, l)
	require.NoError(t, err)
	return s
}

func TestChooseNoEligibleCandidates(t *testing.T) {
	s := newSelector(t, ledger.New())

	_, err := s.Choose(complexity.Simple, nil, Options{})
	assert.ErrorIs(t, err, ErrNoEligibleCandidates)

	_, err = s.Choose(complexity.Simple, []adapter.ModelDescriptor{
		model("a", adapter.SizeSmall, adapter.StatusUnreachable, "general"),
	}, Options{})
	assert.ErrorIs(t, err, ErrNoEligibleCandidates)

	_, err = s.Choose(complexity.Simple, []adapter.ModelDescriptor{
		model("a", adapter.SizeSmall, adapter.StatusUnreachable, "general"),
		model("b", adapter.SizeSmall, adapter.StatusDegraded, "general"),
	}, Options{})
	assert.ErrorIs(t, err, ErrNoEligibleCandidates)
}

func TestChooseSkipsIneligible(t *testing.T) {
	s := newSelector(t, ledger.New())
	sel, err := s.Choose(complexity.Complex, []adapter.ModelDescriptor{
		model("down", adapter.SizeXLarge, adapter.StatusUnreachable, "reasoning", "code"),
		model("up", adapter.SizeMedium, adapter.StatusReady, "reasoning"),
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "up", sel.Model.ID)
	assert.Len(t, sel.Breakdowns, 1)
}

func TestChooseBySizeAndCapability(t *testing.T) {
	s := newSelector(t, ledger.New())
	pool := []adapter.ModelDescriptor{
		model("small", adapter.SizeSmall, adapter.StatusAvailable, "general", "fast"),
		model("big", adapter.SizeXLarge, adapter.StatusAvailable, "general", "code", "programming", "debugging", "research"),
	}

	sel, err := s.Choose(complexity.Simple, pool, Options{})
	require.NoError(t, err)
	assert.Equal(t, "small", sel.Model.ID)
	assert.Equal(t, []string{"small"}, sel.TieSet)

	sel, err = s.Choose(complexity.Extreme, pool, Options{})
	require.NoError(t, err)
	assert.Equal(t, "big", sel.Model.ID)
}

func TestBreakdownsSortedAndBounded(t *testing.T) {
	l := ledger.New()
	l.IncrementUsage("b")
	s := newSelector(t, l)

	sel, err := s.Choose(complexity.Medium, []adapter.ModelDescriptor{
		model("a", adapter.SizeMedium, adapter.StatusReady, "general", "reasoning"),
		model("b", adapter.SizeLarge, adapter.StatusAvailable, "general"),
		model("c", adapter.SizeSmall, adapter.StatusLoading, "fast"),
	}, Options{})
	require.NoError(t, err)
	require.Len(t, sel.Breakdowns, 3)

	for i, b := range sel.Breakdowns {
		assert.GreaterOrEqual(t, b.Total, 0.0)
		assert.LessOrEqual(t, b.Total, 100.0)
		assert.InDelta(t, b.PreScore-b.Penalty, b.Total, 1e-9)
		if i > 0 {
			assert.GreaterOrEqual(t, sel.Breakdowns[i-1].Total, b.Total)
		}
	}
	assert.Equal(t, "a", sel.Breakdowns[0].ModelID)
	assert.Greater(t, sel.Breakdowns[1].Penalty+sel.Breakdowns[2].Penalty, 0.0)
}

func TestPreferredCapabilities(t *testing.T) {
	s := newSelector(t, ledger.New())
	pool := []adapter.ModelDescriptor{
		model("plain", adapter.SizeMedium, adapter.StatusReady, "general", "reasoning"),
		model("indo", adapter.SizeMedium, adapter.StatusReady, "general", "reasoning", "indonesian", "translation"),
	}
	sel, err := s.Choose(complexity.Medium, pool, Options{PreferredCapabilities: []string{"translation"}})
	require.NoError(t, err)
	assert.Equal(t, "indo", sel.Model.ID)
}

func TestHistoryMonotonicity(t *testing.T) {
	for _, n := range []int{1, 5, 50} {
		for _, latency := range []int64{50, 2000, 120000} {
			l := ledger.New()
			for i := 0; i < n; i++ {
				require.NoError(t, l.Record(ledger.Sample{ModelID: "seasoned", Tier: complexity.Complex, LatencyMs: latency, Success: true}))
			}
			s := newSelector(t, l)

			seasoned := s.performanceScore(l.Aggregate("seasoned", complexity.Complex))
			fresh := s.performanceScore(l.Aggregate("fresh", complexity.Complex))
			assert.Equal(t, neutralPerformance, fresh)
			assert.Greater(t, seasoned, fresh, "n=%d latency=%d", n, latency)
		}
	}
}

func TestHistoryShrinkage(t *testing.T) {
	l := ledger.New()
	s := newSelector(t, l)

	var prev float64 = neutralPerformance
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Record(ledger.Sample{ModelID: "m", Tier: complexity.Simple, LatencyMs: 100, Success: true}))
		score := s.performanceScore(l.Aggregate("m", complexity.Simple))
		assert.Greater(t, score, prev)
		assert.LessOrEqual(t, score, 1.0)
		prev = score
	}

	require.NoError(t, l.Record(ledger.Sample{ModelID: "bad", Tier: complexity.Simple, LatencyMs: 100, Success: false}))
	assert.Less(t, s.performanceScore(l.Aggregate("bad", complexity.Simple)), neutralPerformance)
}

func pick(t *testing.T, s *Selector, l *ledger.Ledger, pool []adapter.ModelDescriptor, n int) []string {
	t.Helper()
	var history []string
	for i := 0; i < n; i++ {
		sel, err := s.Choose(complexity.Simple, pool, Options{})
		require.NoError(t, err)
		l.IncrementUsage(sel.Model.ID)
		history = append(history, sel.Model.ID)
	}
	return history
}

func longestRun(history []string, id string) int {
	best, run := 0, 0
	for _, h := range history {
		if h == id {
			run++
			best = max(best, run)
		} else {
			run = 0
		}
	}
	return best
}

func TestLoadBalanceRoundRobin(t *testing.T) {
	l := ledger.New()
	s := newSelector(t, l)
	pool := []adapter.ModelDescriptor{
		model("x", adapter.SizeMedium, adapter.StatusReady, "general"),
		model("y", adapter.SizeMedium, adapter.StatusReady, "general"),
	}

	sel, err := s.Choose(complexity.Simple, pool, Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, sel.TieSet)

	history := pick(t, s, l, pool, 20)
	for i := 1; i < len(history); i++ {
		assert.NotEqual(t, history[i-1], history[i], "pick %d repeats %v", i, history)
	}
}

func TestLoadBalanceRotatesThroughThree(t *testing.T) {
	l := ledger.New()
	s := newSelector(t, l)
	pool := []adapter.ModelDescriptor{
		model("a", adapter.SizeSmall, adapter.StatusReady, "general"),
		model("b", adapter.SizeSmall, adapter.StatusReady, "general"),
		model("c", adapter.SizeSmall, adapter.StatusReady, "general"),
	}

	history := pick(t, s, l, pool, 12)
	for i := 3; i <= len(history); i++ {
		assert.ElementsMatch(t, []string{"a", "b", "c"}, history[i-3:i], "window ending at %d: %v", i, history)
	}
}

func TestLoadBalanceIgnoresPersistedLifetimeUsage(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	before := ledger.New(ledger.WithStore(store))
	for i := 0; i < 50; i++ {
		before.IncrementUsage("old")
	}
	require.NoError(t, before.Flush(ctx))

	l := ledger.New(ledger.WithStore(store))
	require.NoError(t, l.Load(ctx))
	require.Equal(t, int64(50), l.Usage("old"))

	s := newSelector(t, l)
	pool := []adapter.ModelDescriptor{
		model("old", adapter.SizeMedium, adapter.StatusReady, "general"),
		model("new", adapter.SizeMedium, adapter.StatusReady, "general"),
	}
	history := pick(t, s, l, pool, 10)
	assert.Equal(t, 1, longestRun(history, "new"), "history %v", history)
	assert.Equal(t, 1, longestRun(history, "old"), "history %v", history)
}

func TestLoadBalanceNewcomerCatchUpIsBounded(t *testing.T) {
	l := ledger.New()
	for i := 0; i < 50; i++ {
		l.IncrementUsage("old")
	}
	s := newSelector(t, l)
	pool := []adapter.ModelDescriptor{
		model("old", adapter.SizeMedium, adapter.StatusReady, "general"),
		model("new", adapter.SizeMedium, adapter.StatusReady, "general"),
	}

	history := pick(t, s, l, pool, 30)
	assert.Equal(t, "new", history[0])
	assert.LessOrEqual(t, longestRun(history, "new"), ledger.DefaultUsageHalfLife+1, "history %v", history)
	assert.Contains(t, history, "old")
}

func TestSeededTieBreakIsDeterministic(t *testing.T) {
	pool := []adapter.ModelDescriptor{
		model("p", adapter.SizeSmall, adapter.StatusReady, "general"),
		model("q", adapter.SizeSmall, adapter.StatusReady, "general"),
		model("r", adapter.SizeSmall, adapter.StatusReady, "general"),
	}
	run := func() []string {
		s := newSelector(t, ledger.New())
		var picks []string
		for i := 0; i < 10; i++ {
			sel, err := s.Choose(complexity.Simple, pool, Options{})
			require.NoError(t, err)
			picks = append(picks, sel.Model.ID)
		}
		return picks
	}
	assert.Equal(t, run(), run())
}

func TestCompatible(t *testing.T) {
	s := newSelector(t, ledger.New())
	assert.True(t, s.Compatible(complexity.Extreme, model("g", adapter.SizeSmall, adapter.StatusReady, "general")))
	assert.True(t, s.Compatible(complexity.Extreme, model("c", adapter.SizeSmall, adapter.StatusReady, "code")))
	assert.False(t, s.Compatible(complexity.Extreme, model("f", adapter.SizeSmall, adapter.StatusReady, "fast")))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative weight", func(c *Config) { c.Weights.Efficiency = -1 }},
		{"zero weights", func(c *Config) { c.Weights = Weights{} }},
		{"margin too large", func(c *Config) { c.TieMargin = 1 }},
		{"negative prior", func(c *Config) { c.PriorSamples = -1 }},
		{"zero latency reference", func(c *Config) { c.LatencyReferenceMs = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, ledger.New())
			assert.Error(t, err)
		})
	}
}

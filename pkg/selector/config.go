package selector

import (
	"fmt"

	"github.com/zen-systems/taskroute/pkg/complexity"
)

// Weights scale each scoring component. Only their ratios matter; the total
// is normalised to [0,100].
type Weights struct {
	Capability   float64 `yaml:"capability"`
	Performance  float64 `yaml:"performance"`
	Efficiency   float64 `yaml:"efficiency"`
	Availability float64 `yaml:"availability"`
	LoadBalance  float64 `yaml:"load_balance"`
}

func (w Weights) sum() float64 {
	return w.Capability + w.Performance + w.Efficiency + w.Availability + w.LoadBalance
}

// Config tunes the scoring policy.
type Config struct {
	Weights Weights `yaml:"weights"`

	// TierCapabilities is the capability set each tier asks for.
	TierCapabilities map[complexity.Tier][]string `yaml:"tier_capabilities"`

	// TieMargin is the fraction of the top pre-penalty score within which
	// candidates are considered tied.
	TieMargin float64 `yaml:"tie_margin"`

	// PriorSamples shrinks small histories toward the neutral score.
	PriorSamples float64 `yaml:"prior_samples"`

	// LatencyReferenceMs is the latency that scores 0.5.
	LatencyReferenceMs float64 `yaml:"latency_reference_ms"`

	// Seed for tie-breaking; zero seeds from the clock.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns the built-in scoring policy.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Capability:   35,
			Performance:  30,
			Efficiency:   15,
			Availability: 20,
			LoadBalance:  10,
		},
		TierCapabilities:   DefaultTierCapabilities(),
		TieMargin:          0.1,
		PriorSamples:       3,
		LatencyReferenceMs: 2000,
	}
}

// DefaultTierCapabilities maps each tier to the capabilities it favours.
func DefaultTierCapabilities() map[complexity.Tier][]string {
	return map[complexity.Tier][]string{
		complexity.Simple:  {"general", "fast", "efficient", "lightweight"},
		complexity.Medium:  {"general", "reasoning", "multilingual", "indonesian"},
		complexity.Complex: {"reasoning", "code", "math", "analysis"},
		complexity.Extreme: {"code", "programming", "debugging", "research"},
	}
}

// Validate rejects weights and margins that make scores meaningless.
func (c Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{
		"capability":   w.Capability,
		"performance":  w.Performance,
		"efficiency":   w.Efficiency,
		"availability": w.Availability,
		"load_balance": w.LoadBalance,
	} {
		if v < 0 {
			return fmt.Errorf("weight %s must not be negative", name)
		}
	}
	if w.sum() <= 0 {
		return fmt.Errorf("at least one weight must be positive")
	}
	if c.TieMargin < 0 || c.TieMargin >= 1 {
		return fmt.Errorf("tie_margin must be in [0,1), got %v", c.TieMargin)
	}
	if c.PriorSamples < 0 {
		return fmt.Errorf("prior_samples must not be negative")
	}
	if c.LatencyReferenceMs <= 0 {
		return fmt.Errorf("latency_reference_ms must be positive")
	}
	return nil
}

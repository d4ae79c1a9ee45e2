// Package selector scores candidate models for a complexity tier and picks
// one.
package selector

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/zen-systems/taskroute/pkg/adapter"
	"github.com/zen-systems/taskroute/pkg/complexity"
	"github.com/zen-systems/taskroute/pkg/ledger"
)

// ErrNoEligibleCandidates is returned when no candidate is ready,
// available or loading.
var ErrNoEligibleCandidates = errors.New("no eligible candidates")

const neutralPerformance = 0.5

// Stats is the read side of the performance ledger.
type Stats interface {
	Aggregate(modelID string, tier complexity.Tier) ledger.Aggregate
	RecentUsage(modelID string) float64
	LastUsed(modelID string) uint64
}

// Breakdown is the per-component score of one candidate. Components are in
// [0,1]; PreScore, Penalty and Total are on the 0-100 scale.
type Breakdown struct {
	ModelID      string  `json:"model_id"`
	Capability   float64 `json:"capability"`
	Performance  float64 `json:"performance"`
	Efficiency   float64 `json:"efficiency"`
	Availability float64 `json:"availability"`
	PreScore     float64 `json:"pre_score"`
	Penalty      float64 `json:"penalty"`
	Total        float64 `json:"total"`
}

// Selection is the result of Choose.
type Selection struct {
	Model adapter.ModelDescriptor `json:"model"`

	// Breakdowns covers every eligible candidate, best first.
	Breakdowns []Breakdown `json:"breakdowns"`

	// TieSet lists the candidates that were within the tie margin.
	TieSet []string `json:"tie_set"`
}

// Options adjust a single selection.
type Options struct {
	PreferredCapabilities []string
}

// Selector is safe for concurrent use.
type Selector struct {
	cfg   Config
	stats Stats

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a selector reading history from stats.
func New(cfg Config, stats Stats) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid selector config: %w", err)
	}
	if cfg.TierCapabilities == nil {
		cfg.TierCapabilities = DefaultTierCapabilities()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Selector{
		cfg:   cfg,
		stats: stats,
		rng:   rand.New(rand.NewSource(seed)),
	}, nil
}

// Compatible reports whether a model suits a tier: it shares a capability
// with the tier or declares "general".
func (s *Selector) Compatible(tier complexity.Tier, m adapter.ModelDescriptor) bool {
	if m.HasCapability("general") {
		return true
	}
	for _, c := range s.cfg.TierCapabilities[tier] {
		if m.HasCapability(c) {
			return true
		}
	}
	return false
}

// Choose scores every eligible candidate and returns the winner.
func (s *Selector) Choose(tier complexity.Tier, candidates []adapter.ModelDescriptor, opts Options) (*Selection, error) {
	var eligible []adapter.ModelDescriptor
	for _, m := range candidates {
		if m.Status.Eligible() {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleCandidates
	}

	var maxUsage float64
	usage := make([]float64, len(eligible))
	for i, m := range eligible {
		usage[i] = s.stats.RecentUsage(m.ID)
		if usage[i] > maxUsage {
			maxUsage = usage[i]
		}
	}

	required := s.required(tier, opts.PreferredCapabilities)
	w := s.cfg.Weights
	scale := 100 / w.sum()

	breakdowns := make([]Breakdown, len(eligible))
	topPre := math.Inf(-1)
	for i, m := range eligible {
		b := Breakdown{
			ModelID:      m.ID,
			Capability:   capabilityScore(m, tier, required),
			Performance:  s.performanceScore(s.stats.Aggregate(m.ID, tier)),
			Efficiency:   efficiencyScore(m.Size, tier),
			Availability: availabilityScore(m.Status),
		}
		b.PreScore = scale * (w.Capability*b.Capability +
			w.Performance*b.Performance +
			w.Efficiency*b.Efficiency +
			w.Availability*b.Availability)
		if maxUsage > 0 {
			b.Penalty = scale * w.LoadBalance * usage[i] / maxUsage
		}
		b.Total = math.Max(0, b.PreScore-b.Penalty)
		breakdowns[i] = b
		if b.PreScore > topPre {
			topPre = b.PreScore
		}
	}

	// Candidates near the top compete on load; the rest are out.
	cutoff := topPre * (1 - s.cfg.TieMargin)
	var tie []int
	minPenalty := math.Inf(1)
	for i, b := range breakdowns {
		if b.PreScore >= cutoff {
			tie = append(tie, i)
			minPenalty = math.Min(minPenalty, b.Penalty)
		}
	}
	var finalists []int
	tieSet := make([]string, 0, len(tie))
	for _, i := range tie {
		tieSet = append(tieSet, eligible[i].ID)
		if breakdowns[i].Penalty-minPenalty <= 1e-9 {
			finalists = append(finalists, i)
		}
	}
	sort.Strings(tieSet)

	finalists = s.leastRecentlyUsed(eligible, finalists)
	winner := finalists[0]
	if len(finalists) > 1 {
		s.mu.Lock()
		winner = finalists[s.rng.Intn(len(finalists))]
		s.mu.Unlock()
	}

	chosen := eligible[winner]
	sort.SliceStable(breakdowns, func(i, j int) bool {
		if breakdowns[i].Total != breakdowns[j].Total {
			return breakdowns[i].Total > breakdowns[j].Total
		}
		return breakdowns[i].ModelID < breakdowns[j].ModelID
	})

	return &Selection{Model: chosen, Breakdowns: breakdowns, TieSet: tieSet}, nil
}

// leastRecentlyUsed narrows idx to the candidates dispatched longest ago.
func (s *Selector) leastRecentlyUsed(eligible []adapter.ModelDescriptor, idx []int) []int {
	if len(idx) < 2 {
		return idx
	}
	var out []int
	var oldest uint64
	for _, i := range idx {
		last := s.stats.LastUsed(eligible[i].ID)
		switch {
		case out == nil || last < oldest:
			out = []int{i}
			oldest = last
		case last == oldest:
			out = append(out, i)
		}
	}
	return out
}

func (s *Selector) required(tier complexity.Tier, preferred []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range append(append([]string(nil), s.cfg.TierCapabilities[tier]...), preferred...) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// performanceScore maps an aggregate to [0,1]. No history is neutral;
// small histories are shrunk toward neutral by PriorSamples.
func (s *Selector) performanceScore(agg ledger.Aggregate) float64 {
	if agg.SampleCount == 0 {
		return neutralPerformance
	}
	latency := 1 / (1 + agg.AvgLatencyMs/s.cfg.LatencyReferenceMs)
	efficiency, satisfaction := 0.5, 0.5
	if agg.AvgEfficiency != nil {
		efficiency = *agg.AvgEfficiency
	}
	if agg.AvgSatisfaction != nil {
		satisfaction = *agg.AvgSatisfaction
	}
	// A perfect success rate alone outweighs the neutral score.
	raw := 0.55*agg.SuccessRate + 0.25*latency + 0.1*efficiency + 0.1*satisfaction

	n := float64(agg.SampleCount)
	return neutralPerformance + (raw-neutralPerformance)*n/(n+s.cfg.PriorSamples)
}

func capabilityScore(m adapter.ModelDescriptor, tier complexity.Tier, required []string) float64 {
	overlap := 1.0
	if len(required) > 0 {
		hits := 0
		for _, c := range required {
			if m.HasCapability(c) {
				hits++
			}
		}
		overlap = float64(hits) / float64(len(required))
	}
	return 0.7*overlap + 0.3*sizeFit(m.Size, tier)
}

var sizeFitTable = map[complexity.Tier]map[adapter.SizeClass]float64{
	complexity.Simple:  {adapter.SizeSmall: 1, adapter.SizeMedium: 0.6, adapter.SizeLarge: 0.3, adapter.SizeXLarge: 0.1},
	complexity.Medium:  {adapter.SizeSmall: 0.6, adapter.SizeMedium: 1, adapter.SizeLarge: 0.6, adapter.SizeXLarge: 0.3},
	complexity.Complex: {adapter.SizeSmall: 0.1, adapter.SizeMedium: 0.4, adapter.SizeLarge: 1, adapter.SizeXLarge: 1},
	complexity.Extreme: {adapter.SizeSmall: 0, adapter.SizeMedium: 0.2, adapter.SizeLarge: 0.7, adapter.SizeXLarge: 1},
}

func sizeFit(size adapter.SizeClass, tier complexity.Tier) float64 {
	if v, ok := sizeFitTable[tier][size]; ok {
		return v
	}
	return 0.5
}

func efficiencyScore(size adapter.SizeClass, tier complexity.Tier) float64 {
	var base float64
	switch size {
	case adapter.SizeSmall:
		base = 1
	case adapter.SizeMedium:
		base = 0.66
	case adapter.SizeLarge:
		base = 0.33
	case adapter.SizeXLarge:
		base = 0
	default:
		base = 0.5
	}
	switch tier {
	case complexity.Complex:
		return base * 0.5
	case complexity.Extreme:
		return base * 0.25
	default:
		return base
	}
}

func availabilityScore(status adapter.Status) float64 {
	switch status {
	case adapter.StatusReady:
		return 1
	case adapter.StatusAvailable:
		return 0.75
	case adapter.StatusLoading:
		return 0.25
	default:
		return 0
	}
}

package ledger

import (
	"sort"

	"github.com/zen-systems/taskroute/pkg/complexity"
)

// ModelSummary is one model's performance across every tier.
type ModelSummary struct {
	ModelID      string  `json:"model_id"`
	Samples      int     `json:"samples"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Insights is a point-in-time overview of the ledger.
type Insights struct {
	TotalExecutions  int                `json:"total_executions"`
	ModelUsage       map[string]int64   `json:"model_usage"`
	TierDistribution map[string]int     `json:"tier_distribution"`
	AvgLatencyMs     map[string]float64 `json:"avg_latency_ms"`
	TopModels        []ModelSummary     `json:"top_models"`
}

// TopModelCount bounds Insights.TopModels.
const TopModelCount = 5

// Insights summarises retained samples across all models.
func (l *Ledger) Insights() Insights {
	out := Insights{
		ModelUsage:       l.UsageSnapshot(),
		TierDistribution: make(map[string]int),
		AvgLatencyMs:     make(map[string]float64),
	}
	for _, tier := range complexity.Tiers() {
		out.TierDistribution[tier.String()] = 0
	}

	var summaries []ModelSummary
	for _, id := range l.Models() {
		samples := l.Samples(id)
		if len(samples) == 0 {
			continue
		}
		sum := summarize(id, samples)
		for _, s := range samples {
			out.TierDistribution[s.Tier.String()]++
		}
		out.TotalExecutions += sum.Samples
		out.AvgLatencyMs[id] = sum.AvgLatencyMs
		summaries = append(summaries, sum)
	}

	rank(summaries)
	if len(summaries) > TopModelCount {
		summaries = summaries[:TopModelCount]
	}
	out.TopModels = summaries
	return out
}

// BestModelFor returns the model with the best track record at tier:
// highest success rate, then lowest latency, then most samples.
func (l *Ledger) BestModelFor(tier complexity.Tier) (string, bool) {
	var summaries []ModelSummary
	for _, id := range l.Models() {
		var atTier []Sample
		for _, s := range l.Samples(id) {
			if s.Tier == tier {
				atTier = append(atTier, s)
			}
		}
		if len(atTier) > 0 {
			summaries = append(summaries, summarize(id, atTier))
		}
	}
	if len(summaries) == 0 {
		return "", false
	}
	rank(summaries)
	return summaries[0].ModelID, true
}

func summarize(id string, samples []Sample) ModelSummary {
	sum := ModelSummary{ModelID: id, Samples: len(samples)}
	var latency, successes float64
	for _, s := range samples {
		latency += float64(s.LatencyMs)
		if s.Success {
			successes++
		}
	}
	n := float64(len(samples))
	sum.SuccessRate = successes / n
	sum.AvgLatencyMs = latency / n
	return sum
}

func rank(s []ModelSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].SuccessRate != s[j].SuccessRate {
			return s[i].SuccessRate > s[j].SuccessRate
		}
		if s[i].AvgLatencyMs != s[j].AvgLatencyMs {
			return s[i].AvgLatencyMs < s[j].AvgLatencyMs
		}
		if s[i].Samples != s[j].Samples {
			return s[i].Samples > s[j].Samples
		}
		return s[i].ModelID < s[j].ModelID
	})
}

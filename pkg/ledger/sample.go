package ledger

import (
	"time"

	"github.com/zen-systems/taskroute/pkg/adapter"
	"github.com/zen-systems/taskroute/pkg/complexity"
)

// Sample is the outcome of one dispatch attempt. Samples are immutable
// once recorded.
type Sample struct {
	ModelID   string          `json:"model_id"`
	Tier      complexity.Tier `json:"tier"`
	LatencyMs int64           `json:"latency_ms"`
	Success   bool            `json:"success"`

	// TokenEfficiency is completion tokens over total tokens. Nil when the
	// provider did not report usage.
	TokenEfficiency *float64 `json:"token_efficiency,omitempty"`

	// Satisfaction in [0,1]. Nil unless a real signal exists.
	Satisfaction *float64 `json:"satisfaction,omitempty"`

	ErrorKind adapter.Kind `json:"error_kind,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Feedback is a satisfaction score submitted after the fact.
type Feedback struct {
	ModelID   string          `json:"model_id"`
	Tier      complexity.Tier `json:"tier"`
	Score     float64         `json:"score"`
	Timestamp time.Time       `json:"timestamp"`
}

// Aggregate summarises the samples of one model for one tier.
type Aggregate struct {
	AvgLatencyMs    float64  `json:"avg_latency_ms"`
	SuccessRate     float64  `json:"success_rate"`
	AvgEfficiency   *float64 `json:"avg_efficiency,omitempty"`
	AvgSatisfaction *float64 `json:"avg_satisfaction,omitempty"`
	SampleCount     int      `json:"sample_count"`
}

// Neutral is returned for a model with no history. It carries no penalty:
// consumers must treat SampleCount == 0 as "unknown", not "bad".
func Neutral() Aggregate {
	return Aggregate{SuccessRate: 0.5}
}

// Efficiency computes completion/(prompt+completion) from token counts,
// returning nil when either count is missing or the total is zero.
func Efficiency(promptTokens, completionTokens *int) *float64 {
	if promptTokens == nil || completionTokens == nil {
		return nil
	}
	total := *promptTokens + *completionTokens
	if total <= 0 {
		return nil
	}
	e := float64(*completionTokens) / float64(total)
	return &e
}

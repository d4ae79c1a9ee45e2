package complexity

import (
	"fmt"
	"regexp"
)

// Category is the keyword and pattern set for one tier. Any hit adds Base
// once; each keyword and pattern hit adds the per-hit weights on top.
type Category struct {
	Tier     Tier     `yaml:"tier"`
	Base     float64  `yaml:"base"`
	Keywords []string `yaml:"keywords"`
	Patterns []string `yaml:"patterns"`
}

// TaskTypeRule labels a task when any of its keywords match. Rules are
// evaluated in order; the first match wins.
type TaskTypeRule struct {
	Label       string   `yaml:"label"`
	Keywords    []string `yaml:"keywords"`
	Temperature float64  `yaml:"temperature"`
}

// Thresholds are the minimum scores for each tier above Simple.
type Thresholds struct {
	Medium  float64 `yaml:"medium"`
	Complex float64 `yaml:"complex"`
	Extreme float64 `yaml:"extreme"`
}

// Rules holds every weight, threshold and vocabulary the classifier uses.
// Classification is deterministic for a given Version.
type Rules struct {
	Version string `yaml:"version"`

	LengthDivisor float64 `yaml:"length_divisor"`
	LengthCap     float64 `yaml:"length_cap"`

	Categories    []Category `yaml:"categories"`
	KeywordWeight float64    `yaml:"keyword_weight"`
	PatternWeight float64    `yaml:"pattern_weight"`

	TechnicalTerms  []string `yaml:"technical_terms"`
	TechnicalWeight float64  `yaml:"technical_weight"`

	QuestionWords    []string `yaml:"question_words"`
	QuestionMinCount int      `yaml:"question_min_count"`
	QuestionBonus    float64  `yaml:"question_bonus"`

	StepMarkers []string `yaml:"step_markers"`
	StepWeight  float64  `yaml:"step_weight"`

	Thresholds Thresholds `yaml:"thresholds"`

	TaskTypes          []TaskTypeRule `yaml:"task_types"`
	DefaultTemperature float64        `yaml:"default_temperature"`
	TokenBudgets       map[Tier]int   `yaml:"token_budgets"`
}

// DefaultRules returns the built-in ruleset. Vocabulary covers English and
// Indonesian.
func DefaultRules() Rules {
	return Rules{
		Version:       "2",
		LengthDivisor: 20,
		LengthCap:     20,
		Categories: []Category{
			{
				Tier:     Simple,
				Base:     0,
				Keywords: []string{"hi", "hello", "hey", "thanks", "thank you", "halo", "terima kasih", "good morning", "selamat pagi"},
			},
			{
				Tier:     Medium,
				Base:     10,
				Keywords: []string{"explain", "describe", "summarize", "compare", "translate", "difference", "jelaskan", "ringkas", "bandingkan", "terjemahkan"},
				Patterns: []string{`\bhow\s+(do|does|can|to)\b`, `\bwhat\s+(is|are)\s+the\s+(difference|differences)\b`, `\bapa\s+perbedaan\b`},
			},
			{
				Tier:     Complex,
				Base:     15,
				Keywords: []string{"implement", "analyze", "analyse", "optimize", "debug", "refactor", "evaluate", "calculate", "prove", "derive", "analisis", "optimasi", "hitung"},
				Patterns: []string{`\bwrite\s+(a|an)\s+(\w+\s+)?(function|program|script|class|query)\b`, `\bo\([^)]*\)`, `\bstep[\s-]by[\s-]step\b`},
			},
			{
				Tier:     Extreme,
				Base:     20,
				Keywords: []string{"design", "architect", "distributed", "benchmark", "end-to-end", "from scratch", "production-ready", "scalable", "rancang", "arsitektur"},
				Patterns: []string{`\bdesign\s+(a|an|the)\s+\w+`, `\b(then|and then)\s+(benchmark|deploy|evaluate|test)\b`, `\bfull[\s-]stack\b`},
			},
		},
		KeywordWeight: 5,
		PatternWeight: 10,
		TechnicalTerms: []string{
			"algorithm", "api", "architecture", "benchmark", "cache", "caching", "concurrency",
			"consensus", "database", "distributed", "encryption", "eviction", "kubernetes",
			"latency", "lru", "microservice", "microservices", "optimization", "persistence",
			"protocol", "replication", "scalability", "sharding", "throughput", "write-through",
			"neural network", "machine learning", "compiler", "recursion", "basis data",
		},
		TechnicalWeight:  6,
		QuestionWords:    []string{"what", "why", "how", "when", "where", "which", "who", "apa", "mengapa", "kenapa", "bagaimana", "kapan", "dimana", "siapa"},
		QuestionMinCount: 2,
		QuestionBonus:    10,
		StepMarkers:      []string{"first", "then", "next", "after that", "finally", "lastly", "pertama", "kemudian", "lalu", "selanjutnya", "terakhir"},
		StepWeight:       8,
		Thresholds:       Thresholds{Medium: 25, Complex: 50, Extreme: 80},
		TaskTypes: []TaskTypeRule{
			{Label: "code", Temperature: 0.2, Keywords: []string{"code", "function", "implement", "debug", "bug", "program", "script", "compile", "refactor", "sql", "regex", "kode"}},
			{Label: "analysis", Temperature: 0.4, Keywords: []string{"analyze", "analyse", "compare", "evaluate", "benchmark", "assess", "analisis", "bandingkan"}},
			{Label: "creative", Temperature: 0.9, Keywords: []string{"story", "poem", "creative", "imagine", "lyrics", "cerita", "puisi"}},
			{Label: "question", Temperature: 0.5, Keywords: []string{"what", "why", "how", "who", "apa", "mengapa", "bagaimana"}},
		},
		DefaultTemperature: 0.7,
		TokenBudgets: map[Tier]int{
			Simple:  256,
			Medium:  1024,
			Complex: 2048,
			Extreme: 4096,
		},
	}
}

// Validate reports configuration errors that would make scoring
// meaningless.
func (r Rules) Validate() error {
	if r.LengthDivisor <= 0 {
		return fmt.Errorf("length_divisor must be positive")
	}
	if r.LengthCap < 0 {
		return fmt.Errorf("length_cap must not be negative")
	}
	t := r.Thresholds
	if !(0 < t.Medium && t.Medium < t.Complex && t.Complex < t.Extreme) {
		return fmt.Errorf("thresholds must be increasing: medium=%v complex=%v extreme=%v", t.Medium, t.Complex, t.Extreme)
	}
	for _, c := range r.Categories {
		if c.Tier < Simple || c.Tier > Extreme {
			return fmt.Errorf("category has invalid tier %d", int(c.Tier))
		}
		for _, p := range c.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("category %s: pattern %q: %w", c.Tier, p, err)
			}
		}
	}
	return nil
}

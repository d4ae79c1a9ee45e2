// Package complexity estimates how demanding a natural-language task is.
//
// Classification is a pure function of the task text and the ruleset: the
// score is the sum of five independent signals (length, tier keywords and
// patterns, technical density, interrogative density and multi-step
// markers) compared against configurable thresholds.
package complexity

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"golang.org/x/text/language"
)

// Task is an opaque text payload plus optional hints.
type Task struct {
	Text string

	// MaxTokens caps the output budget when positive.
	MaxTokens int

	// Temperature overrides the recommended temperature when set.
	Temperature *float64
}

// Signals is the per-signal contribution to a score.
type Signals struct {
	Length        float64 `json:"length"`
	Keyword       float64 `json:"keyword"`
	Technical     float64 `json:"technical"`
	Interrogative float64 `json:"interrogative"`
	MultiStep     float64 `json:"multi_step"`
}

// Total sums every signal.
func (s Signals) Total() float64 {
	return s.Length + s.Keyword + s.Technical + s.Interrogative + s.MultiStep
}

// Analysis is the full result of classifying a task.
type Analysis struct {
	Tier         Tier         `json:"tier"`
	Score        float64      `json:"score"`
	Signals      Signals      `json:"signals"`
	TokenBudget  int          `json:"token_budget"`
	Temperature  float64      `json:"temperature"`
	TaskType     string       `json:"task_type"`
	Language     language.Tag `json:"language"`
	RulesVersion string       `json:"rules_version"`
}

type compiledCategory struct {
	Category
	patterns []*regexp.Regexp
}

// Classifier scores tasks against a ruleset. It is safe for concurrent use.
type Classifier struct {
	rules      Rules
	categories []compiledCategory
}

// New compiles rules into a classifier.
func New(rules Rules) (*Classifier, error) {
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier rules: %w", err)
	}

	c := &Classifier{rules: rules}
	for _, cat := range rules.Categories {
		cc := compiledCategory{Category: cat}
		for _, p := range cat.Patterns {
			cc.patterns = append(cc.patterns, regexp.MustCompile("(?i)"+p))
		}
		c.categories = append(c.categories, cc)
	}
	return c, nil
}

// Default returns a classifier using DefaultRules.
func Default() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Rules returns the ruleset in use.
func (c *Classifier) Rules() Rules {
	return c.rules
}

// Classify maps a task text to a tier. Empty input is Simple.
func (c *Classifier) Classify(text string) Tier {
	return c.tierFor(c.signals(strings.ToLower(text)).Total())
}

// Analyze classifies the task and derives request metadata from the same
// signals.
func (c *Classifier) Analyze(task Task) Analysis {
	text := strings.ToLower(task.Text)
	signals := c.signals(text)
	score := signals.Total()
	tier := c.tierFor(score)

	label, temperature := c.taskType(text)
	if task.Temperature != nil {
		temperature = *task.Temperature
	}

	budget := c.rules.TokenBudgets[tier]
	if task.MaxTokens > 0 && (budget == 0 || task.MaxTokens < budget) {
		budget = task.MaxTokens
	}

	return Analysis{
		Tier:         tier,
		Score:        score,
		Signals:      signals,
		TokenBudget:  budget,
		Temperature:  temperature,
		TaskType:     label,
		Language:     DetectLanguage(text),
		RulesVersion: c.rules.Version,
	}
}

func (c *Classifier) tierFor(score float64) Tier {
	t := c.rules.Thresholds
	switch {
	case score >= t.Extreme:
		return Extreme
	case score >= t.Complex:
		return Complex
	case score >= t.Medium:
		return Medium
	default:
		return Simple
	}
}

// signals expects lowercased text.
func (c *Classifier) signals(text string) Signals {
	var s Signals
	if strings.TrimSpace(text) == "" {
		return s
	}

	r := c.rules
	s.Length = math.Min(float64(len([]rune(text)))/r.LengthDivisor, r.LengthCap)

	for _, cat := range c.categories {
		hits := float64(countMatches(text, cat.Keywords)) * r.KeywordWeight
		for _, re := range cat.patterns {
			if re.MatchString(text) {
				hits += r.PatternWeight
			}
		}
		if hits > 0 {
			s.Keyword += cat.Base + hits
		}
	}

	s.Technical = float64(countMatches(text, r.TechnicalTerms)) * r.TechnicalWeight

	if countMatches(text, r.QuestionWords) > r.QuestionMinCount {
		s.Interrogative = r.QuestionBonus
	}

	s.MultiStep = float64(countMatches(text, r.StepMarkers)) * r.StepWeight
	return s
}

func (c *Classifier) taskType(text string) (string, float64) {
	for _, rule := range c.rules.TaskTypes {
		if countMatches(text, rule.Keywords) > 0 {
			return rule.Label, rule.Temperature
		}
	}
	if strings.Contains(text, "?") {
		for _, rule := range c.rules.TaskTypes {
			if rule.Label == "question" {
				return rule.Label, rule.Temperature
			}
		}
	}
	return "general", c.rules.DefaultTemperature
}

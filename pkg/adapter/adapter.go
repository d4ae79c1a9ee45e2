package adapter

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnsupported is returned by adapters that cannot stream.
var ErrUnsupported = errors.New("adapter: streaming not supported")

// Adapter defines the interface for one backend model family.
type Adapter interface {
	// Name returns the adapter's identifier.
	Name() string

	// Family reports which kind of backend the adapter wraps.
	Family() Family

	// ListModels returns the models this adapter can serve. It never fails;
	// a backend that cannot be reached yields an empty list.
	ListModels(ctx context.Context) []ModelDescriptor

	// Activate establishes readiness for a model. It is idempotent.
	Activate(ctx context.Context, model ModelDescriptor) error

	// Generate performs a single synchronous completion.
	Generate(ctx context.Context, model ModelDescriptor, req Request) (*Response, error)

	// Stream delivers incremental text to sink. Adapters that cannot
	// stream return ErrUnsupported.
	Stream(ctx context.Context, model ModelDescriptor, req Request, sink Sink) error
}

// Family groups adapters by the kind of backend they talk to.
type Family string

const (
	FamilyHosted Family = "hosted"
	FamilyLocal  Family = "local"
	FamilyCustom Family = "custom"
)

// Status is the readiness of a model as last reported by its adapter.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusLoading     Status = "loading"
	StatusReady       Status = "ready"
	StatusDegraded    Status = "degraded"
	StatusUnreachable Status = "unreachable"
)

// Eligible reports whether a model in this status may be selected.
func (s Status) Eligible() bool {
	switch s {
	case StatusReady, StatusAvailable, StatusLoading:
		return true
	default:
		return false
	}
}

// SizeClass is a coarse bucket of model parameter count.
type SizeClass int

const (
	SizeUnknown SizeClass = iota
	SizeSmall             // up to 5B parameters
	SizeMedium            // up to 15B
	SizeLarge             // up to 50B
	SizeXLarge            // above 50B, and hosted frontier models
)

var sizeNames = map[SizeClass]string{
	SizeUnknown: "unknown",
	SizeSmall:   "small",
	SizeMedium:  "medium",
	SizeLarge:   "large",
	SizeXLarge:  "xlarge",
}

func (s SizeClass) String() string {
	if name, ok := sizeNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the class by name.
func (s SizeClass) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts anything ParseSize understands.
func (s *SizeClass) UnmarshalText(text []byte) error {
	*s = ParseSize(string(text))
	return nil
}

var paramCountPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*b\b`)

// ParseSize accepts either a class name ("small", "xlarge") or a parameter
// count such as "7B", "8.0B" or "llama3.1:70b".
func ParseSize(s string) SizeClass {
	s = strings.TrimSpace(strings.ToLower(s))
	for class, name := range sizeNames {
		if s == name {
			return class
		}
	}
	m := paramCountPattern.FindStringSubmatch(s)
	if m == nil {
		return SizeUnknown
	}
	billions, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return SizeUnknown
	}
	return SizeForParams(billions)
}

// SizeForParams buckets a parameter count given in billions.
func SizeForParams(billions float64) SizeClass {
	switch {
	case billions <= 0:
		return SizeUnknown
	case billions <= 5:
		return SizeSmall
	case billions <= 15:
		return SizeMedium
	case billions <= 50:
		return SizeLarge
	default:
		return SizeXLarge
	}
}

// ModelDescriptor identifies a model and what it is good at.
type ModelDescriptor struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Provider     string    `json:"provider" yaml:"provider"`
	Family       Family    `json:"family" yaml:"family"`
	Capabilities []string  `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Size         SizeClass `json:"size" yaml:"size"`
	Status       Status    `json:"status" yaml:"status"`
}

// HasCapability reports whether the model declares capability c.
func (m ModelDescriptor) HasCapability(c string) bool {
	for _, have := range m.Capabilities {
		if strings.EqualFold(have, c) {
			return true
		}
	}
	return false
}

// ModelID builds the registry identifier for a model served by provider.
func ModelID(provider, name string) string {
	return provider + "/" + name
}

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-neutral completion request.
type Request struct {
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// UserRequest builds a single-turn request.
func UserRequest(text string) Request {
	return Request{Messages: []Message{{Role: "user", Content: text}}}
}

// Prompt returns the concatenated user content, used by backends that take
// a single prompt string.
func (r Request) Prompt() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == "user" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// System returns the concatenated system content.
func (r Request) System() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == "system" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Response is the provider-neutral completion result.
type Response struct {
	Text         string `json:"text"`
	TokenCount   *int   `json:"token_count,omitempty"`
	PromptTokens *int   `json:"prompt_tokens,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	ModelID      string `json:"model_id"`
	ProviderID   string `json:"provider_id"`
}

// Sink receives streamed text chunks. Returning an error aborts the stream.
type Sink func(chunk string) error

func intPtr(v int) *int {
	return &v
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

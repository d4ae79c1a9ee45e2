package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	groqBaseURL     = "https://api.groq.com/openai/v1"
	deepseekBaseURL = "https://api.deepseek.com/v1"
)

// CompatConfig describes a user-registered OpenAI-compatible endpoint.
type CompatConfig struct {
	// Name is the provider identifier used in model IDs.
	Name    string
	BaseURL string
	APIKey  string
	Models  []ModelDescriptor

	// RequestsPerMinute enables a client-side limiter when positive.
	RequestsPerMinute float64
	Burst             int

	Timeout time.Duration
}

// GroqPreset returns the configuration for Groq's hosted endpoint.
func GroqPreset(apiKey string) CompatConfig {
	return CompatConfig{
		Name:              "groq",
		BaseURL:           groqBaseURL,
		APIKey:            apiKey,
		RequestsPerMinute: 30,
		Models: []ModelDescriptor{
			{Name: "llama-3.3-70b-versatile", Size: SizeXLarge, Capabilities: []string{"general", "reasoning", "multilingual", "code"}},
			{Name: "llama-3.1-8b-instant", Size: SizeMedium, Capabilities: []string{"general", "fast", "efficient"}},
		},
	}
}

// DeepSeekPreset returns the configuration for DeepSeek's endpoint.
func DeepSeekPreset(apiKey string) CompatConfig {
	return CompatConfig{
		Name:    "deepseek",
		BaseURL: deepseekBaseURL,
		APIKey:  apiKey,
		Models: []ModelDescriptor{
			{Name: "deepseek-chat", Size: SizeXLarge, Capabilities: []string{"general", "reasoning", "multilingual"}},
			{Name: "deepseek-coder", Size: SizeXLarge, Capabilities: []string{"code", "programming", "debugging"}},
			{Name: "deepseek-reasoner", Size: SizeXLarge, Capabilities: []string{"reasoning", "math", "analysis", "research"}},
		},
	}
}

// CompatAdapter implements the Adapter interface for any endpoint that
// speaks the OpenAI chat completions format.
type CompatAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	models     []ModelDescriptor
	limiter    *rate.Limiter
	httpClient *http.Client
}

type compatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type compatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type compatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *compatError `json:"error,omitempty"`
}

// NewCompatAdapter creates an adapter for a custom endpoint.
func NewCompatAdapter(cfg CompatConfig) (*CompatAdapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("custom endpoint name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("custom endpoint %q: base URL is required", cfg.Name)
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("custom endpoint %q: at least one model is required", cfg.Name)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	a := &CompatAdapter{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		models:     describe(cfg.Name, FamilyCustom, cfg.Models),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), burst)
	}
	return a, nil
}

// Name returns the adapter identifier.
func (a *CompatAdapter) Name() string {
	return a.name
}

// Family reports a custom endpoint.
func (a *CompatAdapter) Family() Family {
	return FamilyCustom
}

// ListModels returns the models registered for this endpoint.
func (a *CompatAdapter) ListModels(_ context.Context) []ModelDescriptor {
	return append([]ModelDescriptor(nil), a.models...)
}

// Activate probes GET /models. Endpoints without a model listing are
// treated as ready.
func (a *CompatAdapter) Activate(ctx context.Context, model ModelDescriptor) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	a.authorize(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Classify(a.name, model.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	default:
		return StatusError(a.name, model.Name, resp.StatusCode, fmt.Errorf("model probe returned %s", resp.Status))
	}
}

// Generate sends a chat completion request.
func (a *CompatAdapter) Generate(ctx context.Context, model ModelDescriptor, req Request) (*Response, error) {
	resp, err := a.post(ctx, model, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out compatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, NewError(KindMalformed, a.name, model.Name, fmt.Errorf("failed to parse response: %w", err))
	}
	if out.Error != nil {
		return nil, a.apiError(model, out.Error)
	}
	if len(out.Choices) == 0 {
		return nil, NewError(KindMalformed, a.name, model.Name, fmt.Errorf("%s returned no choices", a.name))
	}

	result := &Response{
		Text:         out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		ModelID:      model.ID,
		ProviderID:   a.name,
	}
	if out.Usage != nil {
		result.TokenCount = intPtr(out.Usage.CompletionTokens)
		result.PromptTokens = intPtr(out.Usage.PromptTokens)
	}
	return result, nil
}

// apiError converts an error object returned in a 200 response.
func (a *CompatAdapter) apiError(model ModelDescriptor, e *compatError) error {
	kind := KindMalformed
	if strings.Contains(e.Type, "rate_limit") {
		kind = KindRateLimited
	}
	return NewError(kind, a.name, model.Name, fmt.Errorf("%s API error: %s (type: %s)", a.name, e.Message, e.Type))
}

// Stream reads server-sent events until the [DONE] marker. A stream that
// ends without the marker is truncated and fails.
func (a *CompatAdapter) Stream(ctx context.Context, model ModelDescriptor, req Request, sink Sink) error {
	resp, err := a.post(ctx, model, req, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return nil
		}

		var chunk compatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return NewError(KindMalformed, a.name, model.Name, fmt.Errorf("failed to decode stream event: %w", err))
		}
		if chunk.Error != nil {
			return a.apiError(model, chunk.Error)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := sink(chunk.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return Classify(a.name, model.Name, err)
	}
	return NewError(KindMalformed, a.name, model.Name, fmt.Errorf("%s stream ended without [DONE]", a.name))
}

func (a *CompatAdapter) post(ctx context.Context, model ModelDescriptor, req Request, stream bool) (*http.Response, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, NewError(KindRateLimited, a.name, model.Name, err)
		}
	}

	body, err := json.Marshal(compatRequest{
		Model:       model.Name,
		Messages:    req.Messages,
		MaxTokens:   positiveOr(req.MaxTokens, 4096),
		Temperature: req.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	a.authorize(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, Classify(a.name, model.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, StatusError(a.name, model.Name, resp.StatusCode,
			fmt.Errorf("%s API returned status %d: %s", a.name, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return resp, nil
}

func (a *CompatAdapter) authorize(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

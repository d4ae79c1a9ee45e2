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

	"go.uber.org/zap"
)

const ollamaBaseURL = "http://127.0.0.1:11434"

// OllamaConfig configures the local Ollama adapter.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434).
	BaseURL string

	// Timeout bounds non-streaming requests (default: 120s). Per-attempt
	// deadlines from the caller's context still apply.
	Timeout time.Duration

	// KeepAlive is forwarded on warm-load so the model stays resident.
	KeepAlive string

	// Capabilities overrides the inferred capability set per model name.
	Capabilities map[string][]string

	Logger *zap.Logger
}

// OllamaAdapter implements the Adapter interface for a local Ollama server.
type OllamaAdapter struct {
	baseURL      string
	keepAlive    string
	capabilities map[string][]string
	httpClient   *http.Client
	logger       *zap.Logger
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
	Error           string  `json:"error,omitempty"`
}

type ollamaModel struct {
	Name    string `json:"name"`
	Details struct {
		Family        string `json:"family"`
		ParameterSize string `json:"parameter_size"`
	} `json:"details"`
}

type ollamaTagsResponse struct {
	Models []ollamaModel `json:"models"`
}

// NewOllamaAdapter creates an adapter for the Ollama server described by cfg.
func NewOllamaAdapter(cfg OllamaConfig) *OllamaAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ollamaBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.KeepAlive == "" {
		cfg.KeepAlive = "5m"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &OllamaAdapter{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		keepAlive:    cfg.KeepAlive,
		capabilities: cfg.Capabilities,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		logger:       cfg.Logger.Named("ollama"),
	}
}

// Name returns the adapter identifier.
func (a *OllamaAdapter) Name() string {
	return "ollama"
}

// Family reports a locally resident engine.
func (a *OllamaAdapter) Family() Family {
	return FamilyLocal
}

// ListModels returns the installed models. Models currently loaded in
// memory are reported ready. An unreachable server yields no models.
func (a *OllamaAdapter) ListModels(ctx context.Context) []ModelDescriptor {
	var tags ollamaTagsResponse
	if err := a.getJSON(ctx, "/api/tags", &tags); err != nil {
		a.logger.Warn("listing local models failed", zap.Error(err))
		return nil
	}

	loaded := make(map[string]bool)
	var running ollamaTagsResponse
	if err := a.getJSON(ctx, "/api/ps", &running); err == nil {
		for _, m := range running.Models {
			loaded[m.Name] = true
		}
	}

	models := make([]ModelDescriptor, 0, len(tags.Models))
	for _, m := range tags.Models {
		size := ParseSize(m.Details.ParameterSize)
		if size == SizeUnknown {
			size = ParseSize(m.Name)
		}
		status := StatusAvailable
		if loaded[m.Name] {
			status = StatusReady
		}
		caps, ok := a.capabilities[m.Name]
		if !ok {
			caps = inferCapabilities(m.Name, size)
		}
		models = append(models, ModelDescriptor{
			Name:         m.Name,
			Size:         size,
			Status:       status,
			Capabilities: caps,
		})
	}
	return describe(a.Name(), FamilyLocal, models)
}

// Activate confirms the model is installed and loads it into memory.
func (a *OllamaAdapter) Activate(ctx context.Context, model ModelDescriptor) error {
	if err := a.postJSON(ctx, model, "/api/show", map[string]string{"name": model.Name}, nil); err != nil {
		return err
	}
	// An empty prompt loads the model without generating.
	warm := map[string]any{"model": model.Name, "prompt": "", "stream": false, "keep_alive": a.keepAlive}
	return a.postJSON(ctx, model, "/api/generate", warm, nil)
}

// Generate runs a non-streaming chat completion.
func (a *OllamaAdapter) Generate(ctx context.Context, model ModelDescriptor, req Request) (*Response, error) {
	var out ollamaChatResponse
	if err := a.postJSON(ctx, model, "/api/chat", a.chatRequest(model, req, false), &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, NewError(KindMalformed, a.Name(), model.Name, fmt.Errorf("ollama: %s", out.Error))
	}

	return &Response{
		Text:         out.Message.Content,
		TokenCount:   intPtr(out.EvalCount),
		PromptTokens: intPtr(out.PromptEvalCount),
		FinishReason: out.DoneReason,
		ModelID:      model.ID,
		ProviderID:   a.Name(),
	}, nil
}

// Stream reads the NDJSON chat stream and forwards message content.
func (a *OllamaAdapter) Stream(ctx context.Context, model ModelDescriptor, req Request, sink Sink) error {
	resp, err := a.do(ctx, model, "/api/chat", a.chatRequest(model, req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				return NewError(KindMalformed, a.Name(), model.Name, fmt.Errorf("failed to decode stream chunk: %w", err))
			}
			if chunk.Error != "" {
				return NewError(KindMalformed, a.Name(), model.Name, fmt.Errorf("ollama: %s", chunk.Error))
			}
			if chunk.Message.Content != "" {
				if err := sink(chunk.Message.Content); err != nil {
					return err
				}
			}
			if chunk.Done {
				return nil
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return Classify(a.Name(), model.Name, readErr)
		}
	}
}

func (a *OllamaAdapter) chatRequest(model ModelDescriptor, req Request, stream bool) ollamaChatRequest {
	out := ollamaChatRequest{
		Model:    model.Name,
		Messages: req.Messages,
		Stream:   stream,
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		out.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	return out
}

func (a *OllamaAdapter) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Classify(a.Name(), "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusError(a.Name(), "", resp.StatusCode, fmt.Errorf("GET %s returned %s", path, resp.Status))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(KindMalformed, a.Name(), "", fmt.Errorf("failed to decode %s: %w", path, err))
	}
	return nil
}

func (a *OllamaAdapter) postJSON(ctx context.Context, model ModelDescriptor, path string, body, out any) error {
	resp, err := a.do(ctx, model, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(KindMalformed, a.Name(), model.Name, fmt.Errorf("failed to decode %s: %w", path, err))
	}
	return nil
}

// do posts body and returns the response when the status is 200.
func (a *OllamaAdapter) do(ctx context.Context, model ModelDescriptor, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, Classify(a.Name(), model.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, StatusError(a.Name(), model.Name, resp.StatusCode,
			fmt.Errorf("POST %s returned %s: %s", path, resp.Status, strings.TrimSpace(string(msg))))
	}
	return resp, nil
}

// inferCapabilities guesses a capability set from a local model's name.
func inferCapabilities(name string, size SizeClass) []string {
	lower := strings.ToLower(name)
	caps := []string{"general"}
	switch {
	case strings.Contains(lower, "coder"), strings.Contains(lower, "code"), strings.Contains(lower, "starcoder"):
		caps = append(caps, "code", "programming", "debugging")
	case strings.Contains(lower, "math"):
		caps = append(caps, "math", "reasoning")
	case strings.Contains(lower, "r1"), strings.Contains(lower, "reason"):
		caps = append(caps, "reasoning", "analysis")
	}
	if strings.Contains(lower, "qwen") || strings.Contains(lower, "aya") || strings.Contains(lower, "gemma") {
		caps = append(caps, "multilingual")
	}
	switch size {
	case SizeSmall:
		caps = append(caps, "fast", "efficient", "lightweight")
	case SizeLarge, SizeXLarge:
		caps = append(caps, "reasoning")
	}
	return dedupe(caps)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

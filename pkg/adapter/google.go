package adapter

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GoogleAdapter implements the Adapter interface for Gemini models.
type GoogleAdapter struct {
	client *genai.Client
	models []ModelDescriptor
}

// NewGoogleAdapter creates a new Google Gemini adapter. A nil catalog uses
// DefaultGoogleModels.
func NewGoogleAdapter(ctx context.Context, apiKey string, models []ModelDescriptor) (*GoogleAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}
	if models == nil {
		models = DefaultGoogleModels()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleAdapter{
		client: client,
		models: describe("google", FamilyHosted, models),
	}, nil
}

// Name returns the adapter identifier.
func (a *GoogleAdapter) Name() string {
	return "google"
}

// Family reports a hosted API backend.
func (a *GoogleAdapter) Family() Family {
	return FamilyHosted
}

// ListModels returns the configured Gemini models.
func (a *GoogleAdapter) ListModels(_ context.Context) []ModelDescriptor {
	return append([]ModelDescriptor(nil), a.models...)
}

// Activate fetches model metadata to confirm the key and model name.
func (a *GoogleAdapter) Activate(ctx context.Context, model ModelDescriptor) error {
	if _, err := a.client.Models.Get(ctx, model.Name, nil); err != nil {
		return a.wrap(model, err)
	}
	return nil
}

// Generate sends the request to Gemini.
func (a *GoogleAdapter) Generate(ctx context.Context, model ModelDescriptor, req Request) (*Response, error) {
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		}
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(positiveOr(req.MaxTokens, 4096)),
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if system := req.System(); system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := a.client.Models.GenerateContent(ctx, model.Name, contents, config)
	if err != nil {
		return nil, a.wrap(model, err)
	}

	return a.response(model, resp)
}

// response converts a Gemini reply. A reply without text is malformed.
func (a *GoogleAdapter) response(model ModelDescriptor, resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewError(KindMalformed, a.Name(), model.Name, fmt.Errorf("google returned no candidates"))
	}

	candidate := resp.Candidates[0]
	var content string
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				content += part.Text
			}
		}
	}
	if content == "" {
		return nil, NewError(KindMalformed, a.Name(), model.Name,
			fmt.Errorf("google returned no text content (finish reason %q)", candidate.FinishReason))
	}

	out := &Response{
		Text:         content,
		FinishReason: string(candidate.FinishReason),
		ModelID:      model.ID,
		ProviderID:   a.Name(),
	}
	if resp.UsageMetadata != nil {
		out.TokenCount = intPtr(int(resp.UsageMetadata.CandidatesTokenCount))
		out.PromptTokens = intPtr(int(resp.UsageMetadata.PromptTokenCount))
	}
	return out, nil
}

// Stream is not offered for Gemini; callers fall back to Generate.
func (a *GoogleAdapter) Stream(context.Context, ModelDescriptor, Request, Sink) error {
	return ErrUnsupported
}

func (a *GoogleAdapter) wrap(model ModelDescriptor, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return StatusError(a.Name(), model.Name, apiErr.Code, err)
	}
	return Classify(a.Name(), model.Name, err)
}

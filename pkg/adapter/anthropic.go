package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter implements the Adapter interface for Claude models.
type AnthropicAdapter struct {
	client anthropic.Client
	models []ModelDescriptor
}

// NewAnthropicAdapter creates a new Anthropic adapter. A nil catalog uses
// DefaultAnthropicModels.
func NewAnthropicAdapter(apiKey string, models []ModelDescriptor, opts ...option.RequestOption) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if models == nil {
		models = DefaultAnthropicModels()
	}

	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &AnthropicAdapter{
		client: client,
		models: describe("anthropic", FamilyHosted, models),
	}, nil
}

// Name returns the adapter identifier.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Family reports a hosted API backend.
func (a *AnthropicAdapter) Family() Family {
	return FamilyHosted
}

// ListModels returns the configured Claude models.
func (a *AnthropicAdapter) ListModels(_ context.Context) []ModelDescriptor {
	return append([]ModelDescriptor(nil), a.models...)
}

// Activate checks the credential by looking the model up.
func (a *AnthropicAdapter) Activate(ctx context.Context, model ModelDescriptor) error {
	if _, err := a.client.Models.Get(ctx, model.Name, anthropic.ModelGetParams{}); err != nil {
		return a.wrap(model, err)
	}
	return nil
}

// Generate sends the request to Claude.
func (a *AnthropicAdapter) Generate(ctx context.Context, model ModelDescriptor, req Request) (*Response, error) {
	resp, err := a.client.Messages.New(ctx, a.params(model, req))
	if err != nil {
		return nil, a.wrap(model, err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, NewError(KindMalformed, a.Name(), model.Name, fmt.Errorf("anthropic returned no text content"))
	}

	return &Response{
		Text:         content,
		TokenCount:   intPtr(int(resp.Usage.OutputTokens)),
		PromptTokens: intPtr(int(resp.Usage.InputTokens)),
		FinishReason: string(resp.StopReason),
		ModelID:      model.ID,
		ProviderID:   a.Name(),
	}, nil
}

// Stream delivers text deltas as they arrive.
func (a *AnthropicAdapter) Stream(ctx context.Context, model ModelDescriptor, req Request, sink Sink) error {
	stream := a.client.Messages.NewStreaming(ctx, a.params(model, req))
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if err := sink(delta.Text); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return a.wrap(model, err)
	}
	return nil
}

func (a *AnthropicAdapter) params(model ModelDescriptor, req Request) anthropic.MessageNewParams {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model.Name),
		MaxTokens: int64(positiveOr(req.MaxTokens, 4096)),
		Messages:  messages,
	}
	if system := req.System(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

func (a *AnthropicAdapter) wrap(model ModelDescriptor, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return StatusError(a.Name(), model.Name, apiErr.StatusCode, err)
	}
	return Classify(a.Name(), model.Name, err)
}

package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter implements the Adapter interface for OpenAI models.
type OpenAIAdapter struct {
	client openai.Client
	models []ModelDescriptor
}

// NewOpenAIAdapter creates a new OpenAI adapter. A nil catalog uses
// DefaultOpenAIModels.
func NewOpenAIAdapter(apiKey string, models []ModelDescriptor, opts ...option.RequestOption) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if models == nil {
		models = DefaultOpenAIModels()
	}

	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &OpenAIAdapter{
		client: client,
		models: describe("openai", FamilyHosted, models),
	}, nil
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Family reports a hosted API backend.
func (a *OpenAIAdapter) Family() Family {
	return FamilyHosted
}

// ListModels returns the configured OpenAI models.
func (a *OpenAIAdapter) ListModels(_ context.Context) []ModelDescriptor {
	return append([]ModelDescriptor(nil), a.models...)
}

// Activate retrieves the model, which fails on a bad key or unknown model.
func (a *OpenAIAdapter) Activate(ctx context.Context, model ModelDescriptor) error {
	if _, err := a.client.Models.Get(ctx, model.Name); err != nil {
		return a.wrap(model, err)
	}
	return nil
}

// Generate sends the request to OpenAI.
func (a *OpenAIAdapter) Generate(ctx context.Context, model ModelDescriptor, req Request) (*Response, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.params(model, req))
	if err != nil {
		return nil, a.wrap(model, err)
	}

	if len(resp.Choices) == 0 {
		return nil, NewError(KindMalformed, a.Name(), model.Name, fmt.Errorf("openai returned no choices"))
	}

	return &Response{
		Text:         resp.Choices[0].Message.Content,
		TokenCount:   intPtr(int(resp.Usage.CompletionTokens)),
		PromptTokens: intPtr(int(resp.Usage.PromptTokens)),
		FinishReason: string(resp.Choices[0].FinishReason),
		ModelID:      model.ID,
		ProviderID:   a.Name(),
	}, nil
}

// Stream delivers content deltas from the streaming chat endpoint.
func (a *OpenAIAdapter) Stream(ctx context.Context, model ModelDescriptor, req Request, sink Sink) error {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.params(model, req))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := sink(chunk.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return a.wrap(model, err)
	}
	return nil
}

func (a *OpenAIAdapter) params(model ModelDescriptor, req Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model.Name),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(positiveOr(req.MaxTokens, 4096))),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	return params
}

func (a *OpenAIAdapter) wrap(model ModelDescriptor, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return StatusError(a.Name(), model.Name, apiErr.StatusCode, err)
	}
	return Classify(a.Name(), model.Name, err)
}

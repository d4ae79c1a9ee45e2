package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockStep is one scripted outcome for a mock model.
type MockStep struct {
	Text  string
	Err   error
	Delay time.Duration
}

// MockAdapter returns deterministic responses for local runs and tests.
// Each model consumes its script in order and repeats the last step once
// the script is exhausted.
type MockAdapter struct {
	name      string
	family    Family
	streaming bool

	mu          sync.Mutex
	models      []ModelDescriptor
	scripts     map[string][]MockStep
	activateErr map[string]error
	activations map[string]int
	calls       map[string]int
}

// NewMockAdapter creates a mock adapter serving models. Models without a
// script echo the prompt.
func NewMockAdapter(name string, models ...ModelDescriptor) *MockAdapter {
	if name == "" {
		name = "mock"
	}
	if len(models) == 0 {
		models = []ModelDescriptor{{Name: "mock-1", Size: SizeSmall, Capabilities: []string{"general", "fast"}}}
	}
	return &MockAdapter{
		name:        name,
		family:      FamilyLocal,
		models:      describe(name, FamilyLocal, models),
		scripts:     make(map[string][]MockStep),
		activateErr: make(map[string]error),
		activations: make(map[string]int),
		calls:       make(map[string]int),
	}
}

// Script sets the outcomes for model name.
func (a *MockAdapter) Script(model string, steps ...MockStep) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[model] = steps
	return a
}

// FailActivation makes Activate return err for model name.
func (a *MockAdapter) FailActivation(model string, err error) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activateErr[model] = err
	return a
}

// WithStreaming enables Stream; otherwise it returns ErrUnsupported.
func (a *MockAdapter) WithStreaming() *MockAdapter {
	a.streaming = true
	return a
}

// Activations reports how many times Activate ran for model name.
func (a *MockAdapter) Activations(model string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activations[model]
}

// Calls reports how many Generate or Stream calls reached model name.
func (a *MockAdapter) Calls(model string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[model]
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return a.name
}

// Family reports the configured family.
func (a *MockAdapter) Family() Family {
	return a.family
}

// ListModels returns the mock catalog.
func (a *MockAdapter) ListModels(_ context.Context) []ModelDescriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ModelDescriptor(nil), a.models...)
}

// Activate records the activation and returns any scripted failure.
func (a *MockAdapter) Activate(ctx context.Context, model ModelDescriptor) error {
	a.mu.Lock()
	a.activations[model.Name]++
	err := a.activateErr[model.Name]
	a.mu.Unlock()

	// Give concurrent activations a window to overlap.
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return Classify(a.name, model.Name, ctx.Err())
	}
	return err
}

// Generate plays the next scripted step.
func (a *MockAdapter) Generate(ctx context.Context, model ModelDescriptor, req Request) (*Response, error) {
	step := a.next(model.Name)
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, Classify(a.name, model.Name, ctx.Err())
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	text := step.Text
	if text == "" {
		text = fmt.Sprintf("mock response:\n%s", req.Prompt())
	}
	completion := len(strings.Fields(text))
	prompt := len(strings.Fields(req.Prompt()))
	return &Response{
		Text:         text,
		TokenCount:   &completion,
		PromptTokens: &prompt,
		FinishReason: "stop",
		ModelID:      model.ID,
		ProviderID:   a.name,
	}, nil
}

// Stream emits the scripted text word by word when streaming is enabled.
func (a *MockAdapter) Stream(ctx context.Context, model ModelDescriptor, req Request, sink Sink) error {
	if !a.streaming {
		return ErrUnsupported
	}
	resp, err := a.Generate(ctx, model, req)
	if err != nil {
		return err
	}
	words := strings.SplitAfter(resp.Text, " ")
	for _, w := range words {
		if err := sink(w); err != nil {
			return err
		}
	}
	return nil
}

func (a *MockAdapter) next(model string) MockStep {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.calls[model]
	a.calls[model]++
	steps := a.scripts[model]
	switch {
	case len(steps) == 0:
		return MockStep{}
	case n < len(steps):
		return steps[n]
	default:
		return steps[len(steps)-1]
	}
}

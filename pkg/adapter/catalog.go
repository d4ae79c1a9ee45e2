package adapter

// describe stamps provider identity onto a static model catalog.
func describe(provider string, family Family, models []ModelDescriptor) []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(models))
	for _, m := range models {
		if m.Name == "" {
			continue
		}
		m.Provider = provider
		m.Family = family
		m.ID = ModelID(provider, m.Name)
		if m.Status == "" {
			m.Status = StatusAvailable
		}
		m.Capabilities = append([]string(nil), m.Capabilities...)
		out = append(out, m)
	}
	return out
}

// DefaultAnthropicModels is used when no catalog is configured.
func DefaultAnthropicModels() []ModelDescriptor {
	return []ModelDescriptor{
		{Name: "claude-sonnet-4-20250514", Size: SizeXLarge, Capabilities: []string{"general", "reasoning", "code", "analysis", "multilingual", "research"}},
		{Name: "claude-3-5-haiku-latest", Size: SizeLarge, Capabilities: []string{"general", "fast", "code", "multilingual"}},
	}
}

// DefaultOpenAIModels is used when no catalog is configured.
func DefaultOpenAIModels() []ModelDescriptor {
	return []ModelDescriptor{
		{Name: "gpt-4o", Size: SizeXLarge, Capabilities: []string{"general", "reasoning", "code", "analysis", "math", "multilingual"}},
		{Name: "gpt-4o-mini", Size: SizeMedium, Capabilities: []string{"general", "fast", "efficient", "multilingual"}},
	}
}

// DefaultGoogleModels is used when no catalog is configured.
func DefaultGoogleModels() []ModelDescriptor {
	return []ModelDescriptor{
		{Name: "gemini-2.0-pro", Size: SizeXLarge, Capabilities: []string{"reasoning", "research", "analysis", "math", "multilingual"}},
		{Name: "gemini-2.0-flash", Size: SizeMedium, Capabilities: []string{"general", "fast", "efficient", "multilingual"}},
	}
}

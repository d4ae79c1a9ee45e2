package config

import (
	"fmt"
	"sort"
)

// Aliases maps short names to model IDs so callers can type "sonnet"
// instead of "anthropic/claude-sonnet-4-20250514".
type Aliases map[string]string

// DefaultAliases covers the built-in hosted catalogs.
func DefaultAliases() Aliases {
	return Aliases{
		"sonnet":   "anthropic/claude-sonnet-4-20250514",
		"haiku":    "anthropic/claude-3-5-haiku-latest",
		"gpt4o":    "openai/gpt-4o",
		"mini":     "openai/gpt-4o-mini",
		"gemini":   "google/gemini-2.0-pro",
		"flash":    "google/gemini-2.0-flash",
		"cheap":    "deepseek/deepseek-chat",
		"reason":   "deepseek/deepseek-reasoner",
		"instant":  "groq/llama-3.1-8b-instant",
		"llama70b": "groq/llama-3.3-70b-versatile",
	}
}

// Resolve returns the model ID for an alias. Anything else is returned
// unchanged.
func (a Aliases) Resolve(nameOrID string) string {
	if id, ok := a[nameOrID]; ok {
		return id
	}
	return nameOrID
}

// IsAlias returns true if the given string is a known alias.
func (a Aliases) IsAlias(name string) bool {
	_, ok := a[name]
	return ok
}

// Dangling reports aliases that point at none of the known model IDs,
// sorted by alias.
func (a Aliases) Dangling(known []string) []error {
	set := make(map[string]bool, len(known))
	for _, id := range known {
		set[id] = true
	}
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if !set[a[name]] {
			errs = append(errs, fmt.Errorf("alias %q: unknown model %q", name, a[name]))
		}
	}
	return errs
}

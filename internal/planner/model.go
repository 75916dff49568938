package planner

import (
	"context"
	"fmt"
	"os"
)

// Model is a text completion backend
type Model interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// NewModel creates a completion backend by provider name
func NewModel(provider, model string) (Model, error) {
	switch provider {
	case "claude", "anthropic":
		return NewClaudeModel(model)
	case "openai", "gpt":
		return NewOpenAIModel(model)
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: claude, openai)", provider)
	}
}

// apiKey reads the first non-empty variable
func apiKey(names ...string) (string, error) {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s or %s environment variable required", names[0], names[len(names)-1])
}

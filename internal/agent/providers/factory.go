package providers

import (
	"fmt"

	"github.com/haasonsaas/concierge/internal/agent"
)

// Supported provider names.
const (
	Anthropic = "anthropic"
	OpenAI    = "openai"
)

// New builds the adapter registered under name.
func New(name string, cfg Config) (agent.Provider, error) {
	switch name {
	case Anthropic:
		return NewAnthropicProvider(cfg)
	case OpenAI:
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// NewAll builds every configured provider, keyed by name.
func NewAll(configs map[string]Config) (map[string]agent.Provider, error) {
	out := make(map[string]agent.Provider, len(configs))
	for name, cfg := range configs {
		p, err := New(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

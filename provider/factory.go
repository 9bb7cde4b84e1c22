package provider

import (
	"fmt"
	"strings"
	"sync"

	"github.com/arbor-labs/arborflow/core"
)

// Factory resolves model identifiers to provider clients, creating each
// provider once and reusing it across nodes and runs. Safe for
// concurrent use.
type Factory struct {
	providers ProviderMap
	models    map[string]string

	mu      sync.Mutex
	clients map[string]core.LLMClient
}

// NewFactory creates a factory over the resolved provider credentials.
// models holds explicit model-to-provider routes; ids without a route go
// through InferProvider.
func NewFactory(providers ProviderMap, models map[string]string) *Factory {
	return &Factory{
		providers: providers,
		models:    models,
		clients:   make(map[string]core.LLMClient),
	}
}

// ClientFor returns a client for the model. Its method value satisfies
// llmagent.ClientFactory.
func (f *Factory) ClientFor(model string) (core.LLMClient, error) {
	name := f.models[model]
	if name == "" {
		name = InferProvider(model)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[name]; ok {
		return c, nil
	}

	cfg, ok := f.providers[name]
	if !ok && name != "ollama" {
		// Ollama runs keyless against a local daemon; everything else
		// needs credentials.
		return nil, fmt.Errorf("provider %q not configured (needed for model %q)", name, model)
	}

	client, err := NewClient(name, cfg)
	if err != nil {
		return nil, err
	}
	f.clients[name] = client
	return client, nil
}

// InferProvider guesses the provider for a model identifier from
// well-known id prefixes. Explicit routes in the config file win over
// this guess.
func InferProvider(model string) string {
	id := strings.ToLower(model)
	switch {
	case strings.HasPrefix(id, "claude"):
		return "anthropic"
	case strings.HasPrefix(id, "gpt"),
		strings.HasPrefix(id, "chatgpt"),
		strings.HasPrefix(id, "o1"),
		strings.HasPrefix(id, "o3"),
		strings.HasPrefix(id, "o4"):
		return "openai"
	case strings.HasPrefix(id, "llama"),
		strings.HasPrefix(id, "mistral"),
		strings.HasPrefix(id, "mixtral"),
		strings.HasPrefix(id, "qwen"),
		strings.HasPrefix(id, "gemma"),
		strings.HasPrefix(id, "phi"),
		strings.HasPrefix(id, "deepseek"):
		return "ollama"
	default:
		return "openai"
	}
}

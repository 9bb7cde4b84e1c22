// Package provider resolves model identifiers to live LLM clients. It
// bridges iris providers to core.LLMClient, carries the credential
// configuration the bridge needs, and caches one client per provider.
package provider

import (
	"fmt"

	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/arbor-labs/arborflow/core"
)

// NewClient creates a core.LLMClient for the named provider using the
// given config. It delegates to the iris provider registry to
// instantiate the underlying provider.
func NewClient(name string, cfg ProviderConfig) (core.LLMClient, error) {
	p, err := providers.Create(name, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return &irisAdapter{provider: p}, nil
}

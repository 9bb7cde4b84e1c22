package provider

import (
	"strings"
	"testing"
)

func TestInferProvider(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5", "anthropic"},
		{"claude-3-opus", "anthropic"},
		{"gpt-4o", "openai"},
		{"GPT-4o-mini", "openai"},
		{"o3-mini", "openai"},
		{"chatgpt-4o-latest", "openai"},
		{"llama3.1", "ollama"},
		{"mixtral-8x7b", "ollama"},
		{"qwen2.5-coder", "ollama"},
		{"deepseek-r1", "ollama"},
		{"some-custom-model", "openai"},
	}
	for _, tt := range tests {
		if got := InferProvider(tt.model); got != tt.want {
			t.Errorf("InferProvider(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestClientForCachesPerProvider(t *testing.T) {
	f := NewFactory(ProviderMap{"openai": {APIKey: "test-key"}}, nil)

	first, err := f.ClientFor("gpt-4o")
	if err != nil {
		t.Fatalf("ClientFor(gpt-4o) error = %v", err)
	}
	second, err := f.ClientFor("gpt-4o-mini")
	if err != nil {
		t.Fatalf("ClientFor(gpt-4o-mini) error = %v", err)
	}
	if first != second {
		t.Error("models on one provider should share a client")
	}
}

func TestClientForExplicitRoute(t *testing.T) {
	f := NewFactory(
		ProviderMap{"openai": {APIKey: "test-key"}},
		map[string]string{"house-model": "openai"},
	)

	if _, err := f.ClientFor("house-model"); err != nil {
		t.Fatalf("ClientFor(house-model) error = %v", err)
	}
}

func TestClientForUnconfiguredProvider(t *testing.T) {
	f := NewFactory(ProviderMap{}, nil)

	_, err := f.ClientFor("claude-sonnet-4-5")
	if err == nil {
		t.Fatal("unconfigured provider resolved")
	}
	if !strings.Contains(err.Error(), "anthropic") || !strings.Contains(err.Error(), "claude-sonnet-4-5") {
		t.Errorf("error = %q, want it to name provider and model", err)
	}
}

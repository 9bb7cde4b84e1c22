package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds configuration for a single LLM provider. Values
// may reference environment variables as ${VAR}; references are expanded
// when the config file loads.
type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// ProviderMap maps provider names to their configurations.
type ProviderMap map[string]ProviderConfig

// Config is the on-disk ~/.arborflow/config.{json,yaml} structure:
// provider credentials plus explicit model-to-provider routes for model
// ids the prefix rules misclassify.
type Config struct {
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Models    map[string]string         `json:"models,omitempty" yaml:"models,omitempty"`
}

// conventionalKeys are the provider env vars everything else in the
// ecosystem already sets; they fill gaps the config file leaves.
var conventionalKeys = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// ResolveProviders builds a ProviderMap from CLI flags, environment
// variables, and the config file. Priority: flags > ARBORFLOW_PROVIDER_*
// env vars > conventional provider env vars > config file.
func ResolveProviders(flags map[string]string) (ProviderMap, error) {
	result := make(ProviderMap)

	cfg, err := LoadConfig()
	if err != nil {
		// Config file is optional; only malformed files error.
		return nil, err
	}
	if cfg != nil {
		for name, pc := range cfg.Providers {
			result[name] = pc
		}
	}

	for name, envKey := range conventionalKeys {
		if result[name].APIKey != "" {
			continue
		}
		if v := os.Getenv(envKey); v != "" {
			pc := result[name]
			pc.APIKey = v
			result[name] = pc
		}
	}

	// Pattern: ARBORFLOW_PROVIDER_{NAME}_API_KEY, ARBORFLOW_PROVIDER_{NAME}_BASE_URL
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], parts[1]
		if !strings.HasPrefix(key, "ARBORFLOW_PROVIDER_") {
			continue
		}
		rest := strings.TrimPrefix(key, "ARBORFLOW_PROVIDER_")
		if strings.HasSuffix(rest, "_API_KEY") {
			name := strings.ToLower(strings.TrimSuffix(rest, "_API_KEY"))
			pc := result[name]
			pc.APIKey = val
			result[name] = pc
		} else if strings.HasSuffix(rest, "_BASE_URL") {
			name := strings.ToLower(strings.TrimSuffix(rest, "_BASE_URL"))
			pc := result[name]
			pc.BaseURL = val
			result[name] = pc
		}
	}

	// Flags are name=key pairs, highest priority.
	for name, apiKey := range flags {
		pc := result[name]
		pc.APIKey = apiKey
		result[name] = pc
	}

	return result, nil
}

// LoadConfig reads the config file named by ARBORFLOW_CONFIG, falling
// back to ~/.arborflow/config.json then ~/.arborflow/config.yaml.
// Returns nil, nil when no file exists.
func LoadConfig() (*Config, error) {
	path := os.Getenv("ARBORFLOW_CONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		for _, candidate := range []string{
			filepath.Join(home, ".arborflow", "config.json"),
			filepath.Join(home, ".arborflow", "config.yaml"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return nil, nil
		}
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path from well-known config location
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	for name, pc := range cfg.Providers {
		pc.APIKey = os.ExpandEnv(pc.APIKey)
		pc.BaseURL = os.ExpandEnv(pc.BaseURL)
		cfg.Providers[name] = pc
	}

	return &cfg, nil
}

// ParseProviderFlags parses --provider-key flag values ("name=key") into
// a map.
func ParseProviderFlags(flags []string) (map[string]string, error) {
	result := make(map[string]string, len(flags))
	for _, flag := range flags {
		parts := strings.SplitN(flag, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid provider-key format %q: expected name=key", flag)
		}
		result[parts[0]] = parts[1]
	}
	return result, nil
}

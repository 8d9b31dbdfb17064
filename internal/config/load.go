package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with the runtime's suggested defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8090},
		Gateway: GatewayConfig{
			Bind:                  ":8080",
			MaxConnections:        1000,
			HeartbeatIntervalSecs: 30,
		},
		Agent: AgentConfig{
			MaxRounds:      10,
			TimeoutSeconds: 120,
			SystemPrompt:   "You are a helpful assistant with access to tools.",
		},
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			Providers: map[string]ProviderConfig{
				"anthropic": {
					Enabled: true,
					BaseURL: "https://api.anthropic.com/v1",
					Model:   "claude-sonnet-4-5-20250929",
					Auth:    ProviderAuthConfig{Type: AuthAPIKey, EnvVar: "ANTHROPIC_API_KEY"},
				},
				"openai": {
					Enabled: false,
					BaseURL: "https://api.openai.com/v1",
					Model:   "gpt-4o",
					Auth:    ProviderAuthConfig{Type: AuthBearer, EnvVar: "OPENAI_API_KEY"},
				},
			},
		},
		Skills: SkillsConfig{
			Enabled:     true,
			AutoReload:  true,
			Directories: []string{ExpandHome("~/.bamboo/skills")},
		},
		Storage: StorageConfig{
			Path: ExpandHome("~/.bamboo/sessions"),
			Type: "jsonl",
		},
	}
}

// Load reads config from a JSON5 file at path, falling back to Default()
// if the file does not exist, then overlays environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays secrets and host overrides from the
// environment; these always win over file values (§6: credentials are
// never read from the config file itself).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENTCORE_GATEWAY_AUTH_TOKEN"); v != "" {
		c.Gateway.AuthToken = v
	}
	if v := os.Getenv("AGENTCORE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("AGENTCORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("AGENTCORE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	for name, p := range c.LLM.Providers {
		if p.Auth.EnvVar == "" {
			continue
		}
		if v := os.Getenv(p.Auth.EnvVar); v != "" {
			p.ResolvedSecret = v
			c.LLM.Providers[name] = p
		}
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

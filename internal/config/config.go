// Package config loads the agent runtime core's configuration: the
// recognized server/gateway/agent/llm/skills/storage keys (§6), as a
// JSON5 document overlaid with environment variables for secrets.
package config

// Config is the root configuration.
type Config struct {
	Server  ServerConfig             `json:"server"`
	Gateway GatewayConfig            `json:"gateway"`
	Agent   AgentConfig              `json:"agent"`
	LLM     LLMConfig                `json:"llm"`
	Skills  SkillsConfig             `json:"skills"`
	Storage StorageConfig            `json:"storage"`
}

// ServerConfig binds the HTTP listener (§6 server.port / server.host).
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// GatewayConfig configures the WebSocket Gateway (§6 gateway.*).
type GatewayConfig struct {
	Bind                string `json:"bind"`
	AuthToken           string `json:"-"` // from env only, never persisted
	MaxConnections      int    `json:"max_connections"`
	HeartbeatIntervalSecs int  `json:"heartbeat_interval_secs"`
}

// AgentConfig configures the Agent Loop (§6 agent.*).
type AgentConfig struct {
	MaxRounds      int    `json:"max_rounds"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	SystemPrompt   string `json:"system_prompt"`
}

// AuthType enumerates the provider credential strategies (§6).
type AuthType string

const (
	AuthAPIKey     AuthType = "api_key"
	AuthBearer     AuthType = "bearer"
	AuthDeviceCode AuthType = "device_code"
	AuthNone       AuthType = "none"
)

// ProviderAuthConfig is the `auth:{type,...}` object for one provider.
type ProviderAuthConfig struct {
	Type          AuthType `json:"type"`
	EnvVar        string   `json:"env_var,omitempty"`
	ClientID      string   `json:"client_id,omitempty"`
	DeviceCodeURL string   `json:"device_code_url,omitempty"`
	TokenURL      string   `json:"token_url,omitempty"`
	CachePath     string   `json:"cache_path,omitempty"`
}

// ProviderConfig is one entry of `llm.<name>` (§6).
type ProviderConfig struct {
	Enabled        bool                `json:"enabled"`
	BaseURL        string              `json:"base_url"`
	Model          string              `json:"model"`
	Auth           ProviderAuthConfig  `json:"auth"`
	Headers        map[string]string   `json:"headers,omitempty"`
	TimeoutSeconds int                 `json:"timeout_seconds"`

	// ResolvedSecret holds the credential read from Auth.EnvVar at load
	// time; never persisted (§6: credentials live in the environment,
	// not the config file).
	ResolvedSecret string `json:"-"`
}

// LLMConfig holds the default provider selection and per-provider config.
type LLMConfig struct {
	DefaultProvider string                    `json:"default_provider"`
	Providers       map[string]ProviderConfig `json:"providers"`
}

// SkillsConfig configures the Tool Executor's skill loading (§6 skills.*).
type SkillsConfig struct {
	Enabled     bool     `json:"enabled"`
	AutoReload  bool     `json:"auto_reload"`
	Directories []string `json:"directories"`
}

// StorageConfig configures the Session Store (§6 storage.*). Only JSONL
// storage is in scope of this spec.
type StorageConfig struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

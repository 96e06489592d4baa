// Package config loads the agent roster and daemon settings from agents.yaml
// and resolves provider credentials from an environment snapshot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ProviderKind is the closed set of backend adapter variants.
type ProviderKind string

const (
	ProviderOpenAICompatible ProviderKind = "openai-compatible"
	ProviderAnthropic        ProviderKind = "anthropic"
	ProviderGemini           ProviderKind = "gemini"
	ProviderCursorBridge     ProviderKind = "cursor-bridge"
	ProviderCopilotBridge    ProviderKind = "copilot-bridge"
)

// IsBridge reports whether the provider is executed by the host IDE rather
// than the core.
func (p ProviderKind) IsBridge() bool {
	return p == ProviderCursorBridge || p == ProviderCopilotBridge
}

// Valid reports whether the kind is one of the known variants.
func (p ProviderKind) Valid() bool {
	switch p {
	case ProviderOpenAICompatible, ProviderAnthropic, ProviderGemini,
		ProviderCursorBridge, ProviderCopilotBridge:
		return true
	}
	return false
}

// AgentConfig describes one registered backend.
type AgentConfig struct {
	ID                 string       `mapstructure:"id" json:"id" yaml:"id"`
	DisplayName        string       `mapstructure:"displayName" json:"displayName" yaml:"displayName"`
	Provider           ProviderKind `mapstructure:"provider" json:"provider" yaml:"provider"`
	Endpoint           string       `mapstructure:"endpoint" json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	CredentialEnv      string       `mapstructure:"credentialEnv" json:"credentialEnv,omitempty" yaml:"credentialEnv,omitempty"`
	Model              string       `mapstructure:"model" json:"model" yaml:"model"`
	Avatar             string       `mapstructure:"avatar" json:"avatar,omitempty" yaml:"avatar,omitempty"`
	Role               string       `mapstructure:"role" json:"role,omitempty" yaml:"role,omitempty"`
	MaxTokens          int          `mapstructure:"maxTokens" json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	EnergyRechargeRate int          `mapstructure:"energyRechargeRate" json:"energyRechargeRate,omitempty" yaml:"energyRechargeRate,omitempty"`
}

// Validate checks the fields every adapter relies on.
func (c AgentConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("agent config: id is required")
	}
	if !c.Provider.Valid() {
		return fmt.Errorf("agent %s: unknown provider %q", c.ID, c.Provider)
	}
	if !c.Provider.IsBridge() && strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("agent %s: model is required for provider %s", c.ID, c.Provider)
	}
	return nil
}

// File is the full agents.yaml document.
type File struct {
	Listen      string        `mapstructure:"listen" yaml:"listen"`
	Workspace   string        `mapstructure:"workspace" yaml:"workspace"`
	AutoApprove bool          `mapstructure:"autoApprove" yaml:"autoApprove"`
	Agents      []AgentConfig `mapstructure:"agents" yaml:"agents"`
}

// Defaults applied when agents.yaml omits daemon settings.
const (
	DefaultListen    = "127.0.0.1:7700"
	DefaultWorkspace = "workspace"
)

// Load reads agents.yaml. When path is empty the usual search path applies:
// the working directory, then ~/.conductor/.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agents")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".conductor"))
		}
	}
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("workspace", DefaultWorkspace)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var file File
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	for _, agent := range file.Agents {
		if err := agent.Validate(); err != nil {
			return nil, err
		}
	}
	return &file, nil
}

// EnvSnapshot captures the process environment as a map. The snapshot is
// taken once at startup; adapters never read the environment themselves.
func EnvSnapshot() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

// ResolveCredential returns the secret for an agent from the environment
// snapshot. Agents without a declared credential env var resolve to an empty
// secret and are considered resolvable (local or keyless endpoints).
func ResolveCredential(cfg AgentConfig, env map[string]string) (string, bool) {
	name := strings.TrimSpace(cfg.CredentialEnv)
	if name == "" {
		return "", true
	}
	secret, ok := env[name]
	if !ok || strings.TrimSpace(secret) == "" {
		return "", false
	}
	return secret, true
}

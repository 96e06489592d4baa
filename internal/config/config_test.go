package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleConfig = `
listen: "0.0.0.0:9900"
workspace: sandbox
autoApprove: true
agents:
  - id: codex
    displayName: Codex
    provider: openai-compatible
    endpoint: https://api.openai.com/v1
    credentialEnv: OPENAI_API_KEY
    model: gpt-4.1-mini
    role: backend
    maxTokens: 4096
    energyRechargeRate: 10
  - id: scout
    displayName: Scout
    provider: gemini
    credentialEnv: GEMINI_API_KEY
    model: gemini-2.0-flash
  - id: cursor
    displayName: Cursor
    provider: cursor-bridge
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesAgents(t *testing.T) {
	t.Parallel()

	file, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9900", file.Listen)
	assert.Equal(t, "sandbox", file.Workspace)
	assert.True(t, file.AutoApprove)
	require.Len(t, file.Agents, 3)

	codex := file.Agents[0]
	assert.Equal(t, ProviderOpenAICompatible, codex.Provider)
	assert.Equal(t, "OPENAI_API_KEY", codex.CredentialEnv)
	assert.Equal(t, 4096, codex.MaxTokens)
	assert.False(t, codex.Provider.IsBridge())

	assert.True(t, file.Agents[2].Provider.IsBridge())
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	file, err := Load(writeConfig(t, "agents: []\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, file.Listen)
	assert.Equal(t, DefaultWorkspace, file.Workspace)
	assert.False(t, file.AutoApprove)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
agents:
  - id: mystery
    provider: carrier-pigeon
    model: m
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestLoadRejectsMissingModel(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
agents:
  - id: nomodel
    provider: anthropic
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
}

func TestLoadRoundTripsMarshalledFile(t *testing.T) {
	t.Parallel()

	original := File{
		Listen:    "127.0.0.1:8123",
		Workspace: "scratch",
		Agents: []AgentConfig{{
			ID:          "claude",
			DisplayName: "Claude",
			Provider:    ProviderAnthropic,
			Model:       "claude-sonnet-4",
			Role:        "backend",
		}},
	}
	data, err := yaml.Marshal(original)
	require.NoError(t, err)

	loaded, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, original.Listen, loaded.Listen)
	assert.Equal(t, original.Workspace, loaded.Workspace)
	require.Len(t, loaded.Agents, 1)
	assert.Equal(t, original.Agents[0], loaded.Agents[0])
}

func TestResolveCredential(t *testing.T) {
	t.Parallel()

	env := map[string]string{"OPENAI_API_KEY": "sk-test", "EMPTY": "  "}

	secret, ok := ResolveCredential(AgentConfig{CredentialEnv: "OPENAI_API_KEY"}, env)
	assert.True(t, ok)
	assert.Equal(t, "sk-test", secret)

	_, ok = ResolveCredential(AgentConfig{CredentialEnv: "MISSING"}, env)
	assert.False(t, ok)

	_, ok = ResolveCredential(AgentConfig{CredentialEnv: "EMPTY"}, env)
	assert.False(t, ok)

	secret, ok = ResolveCredential(AgentConfig{}, env)
	assert.True(t, ok)
	assert.Empty(t, secret)
}

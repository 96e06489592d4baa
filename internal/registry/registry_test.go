package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/logging"
)

func testEnv() map[string]string {
	return map[string]string{"OPENAI_API_KEY": "sk-test"}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(bus.New(logging.Nop()), testEnv(), logging.Nop())
	require.NoError(t, r.Load([]config.AgentConfig{
		{ID: "codex", DisplayName: "Codex", Provider: config.ProviderOpenAICompatible, Model: "gpt-4.1-mini", CredentialEnv: "OPENAI_API_KEY"},
		{ID: "ghost", DisplayName: "Ghost", Provider: config.ProviderAnthropic, Model: "claude", CredentialEnv: "MISSING_KEY"},
		{ID: "bridge", DisplayName: "Bridge", Provider: config.ProviderCursorBridge},
		{ID: "local", DisplayName: "Local", Provider: config.ProviderOpenAICompatible, Model: "qwen", Endpoint: "http://localhost:8000/v1"},
	}))
	return r
}

func TestLoadResolvesCredentials(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	codex, ok := r.Get("codex")
	require.True(t, ok)
	assert.Equal(t, StatusIdle, codex.Status)
	assert.Equal(t, MaxEnergy, codex.Energy)
	assert.Equal(t, 1, codex.Level)

	ghost, ok := r.Get("ghost")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, ghost.Status)
	_, hasSecret := r.Secret("ghost")
	assert.False(t, hasSecret)

	secret, hasSecret := r.Secret("codex")
	assert.True(t, hasSecret)
	assert.Equal(t, "sk-test", secret)
}

func TestCallableExcludesBridgeOfflineAndBusy(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	ids := func() []string {
		var out []string
		for _, a := range r.Callable() {
			out = append(out, a.Config.ID)
		}
		return out
	}
	assert.Equal(t, []string{"codex", "local"}, ids())

	require.NoError(t, r.AssignTask("codex", "TASK-001"))
	assert.Equal(t, []string{"local"}, ids())
	assert.Equal(t, 1, r.WorkingCount())
}

func TestAssignTaskEnforcesSingleBooking(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	require.NoError(t, r.AssignTask("codex", "TASK-001"))

	err := r.AssignTask("codex", "TASK-002")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not idle")

	state, _ := r.Get("codex")
	assert.Equal(t, StatusWorking, state.Status)
	assert.Equal(t, "TASK-001", state.CurrentTaskID)

	r.ReleaseTask("codex")
	state, _ = r.Get("codex")
	assert.Equal(t, StatusIdle, state.Status)
	assert.Empty(t, state.CurrentTaskID)
}

func TestCreditCompletion(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	xp, level := r.CreditCompletion("codex", 2500)
	assert.Equal(t, 20+25, xp)
	assert.Equal(t, 1, level)

	state, _ := r.Get("codex")
	assert.Equal(t, MaxEnergy-3, state.Energy) // ceil(2500/1000)=3
	assert.Equal(t, 2500, state.TotalTokensUsed)
	assert.Equal(t, 1, state.TasksCompleted)

	// Huge responses clamp both energy cost and xp gain.
	xp, level = r.CreditCompletion("codex", 50000)
	assert.Equal(t, 45+50, xp)
	assert.Equal(t, 1, level)
	state, _ = r.Get("codex")
	assert.Equal(t, MaxEnergy-3-5, state.Energy)
}

func TestEnergyCost(t *testing.T) {
	t.Parallel()

	assert.Zero(t, EnergyCost(0))
	assert.Equal(t, 1, EnergyCost(1))
	assert.Equal(t, 1, EnergyCost(1000))
	assert.Equal(t, 2, EnergyCost(1001))
	assert.Equal(t, 5, EnergyCost(99999))
}

func TestCooldownAndRecharge(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.SetCooldown("codex", time.Minute)
	state, _ := r.Get("codex")
	assert.Equal(t, StatusCooldown, state.Status)
	assert.Equal(t, now.Add(time.Minute), state.CooldownUntil)

	// Recharge before the cooldown elapses: still benched.
	r.RechargeAll()
	state, _ = r.Get("codex")
	assert.Equal(t, StatusCooldown, state.Status)

	// After the window the recharge tick clears it.
	now = now.Add(2 * time.Minute)
	r.RechargeAll()
	state, _ = r.Get("codex")
	assert.Equal(t, StatusIdle, state.Status)
	assert.True(t, state.CooldownUntil.IsZero())
}

func TestRechargeRespectsCeilingAndFloor(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	r.CreditCompletion("codex", 4000) // drain 4
	r.RechargeAll()
	state, _ := r.Get("codex")
	assert.Equal(t, MaxEnergy, state.Energy) // min recharge of 5 covers the drain

	ghost, _ := r.Get("ghost")
	assert.Equal(t, MaxEnergy, ghost.Energy) // offline agents skip recharge but start full
}

func TestRecordErrorEscalates(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	require.NoError(t, r.AssignTask("codex", "TASK-001"))

	r.RecordError("codex", "transport fault")
	state, _ := r.Get("codex")
	assert.Equal(t, StatusIdle, state.Status)
	assert.Equal(t, 1, state.ErrorCount)

	r.RecordError("codex", "transport fault")
	r.RecordError("codex", "transport fault")
	state, _ = r.Get("codex")
	assert.Equal(t, StatusError, state.Status)
	assert.Equal(t, 3, state.ErrorCount)
}

func TestAddRemove(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	err := r.Add(config.AgentConfig{ID: "codex", Provider: config.ProviderOpenAICompatible, Model: "m"})
	require.Error(t, err)

	require.NoError(t, r.Add(config.AgentConfig{ID: "new", DisplayName: "New", Provider: config.ProviderOpenAICompatible, Model: "m"}))
	_, ok := r.Get("new")
	assert.True(t, ok)

	require.NoError(t, r.AssignTask("new", "TASK-009"))
	require.Error(t, r.Remove("new")) // cannot remove a working agent
	r.ReleaseTask("new")
	require.NoError(t, r.Remove("new"))
	_, ok = r.Get("new")
	assert.False(t, ok)
}

func TestReloadDiffsRoster(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	r.Reload([]config.AgentConfig{
		{ID: "codex", DisplayName: "Codex", Provider: config.ProviderOpenAICompatible, Model: "gpt-5-mini", CredentialEnv: "OPENAI_API_KEY"},
		{ID: "fresh", DisplayName: "Fresh", Provider: config.ProviderOpenAICompatible, Model: "m"},
	})

	codex, _ := r.Get("codex")
	assert.Equal(t, "gpt-5-mini", codex.Config.Model)

	_, ok := r.Get("fresh")
	assert.True(t, ok)

	local, _ := r.Get("local")
	assert.Equal(t, StatusOffline, local.Status)
}

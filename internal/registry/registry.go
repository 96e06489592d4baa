// Package registry is the single owner of agent runtime state. Every
// mutation goes through a registry verb, publishes an agent:* event, and
// reads come back as by-value snapshots.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/logging"
)

// Status is an agent's runtime availability state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusWorking  Status = "working"
	StatusCooldown Status = "cooldown"
	StatusOffline  Status = "offline"
	StatusError    Status = "error"
)

const (
	// MaxEnergy is the energy ceiling for every agent.
	MaxEnergy = 100
	// MinRecharge floors the per-tick recharge regardless of config.
	MinRecharge = 5
	// xpPerLevel is the fixed threshold ladder: level = xp/xpPerLevel + 1.
	xpPerLevel = 300
	// errorThreshold flips an agent from idle to error on repeated faults.
	errorThreshold = 3
)

// AgentState couples an agent's configuration with its runtime counters.
// CooldownUntil is the zero time when no cooldown is active.
type AgentState struct {
	Config          config.AgentConfig `json:"config"`
	Status          Status             `json:"status"`
	Energy          int                `json:"energy"`
	XP              int                `json:"xp"`
	Level           int                `json:"level"`
	CurrentTaskID   string             `json:"currentTaskId,omitempty"`
	CooldownUntil   time.Time          `json:"cooldownUntil,omitempty"`
	TotalTokensUsed int                `json:"totalTokensUsed"`
	ErrorCount      int                `json:"errorCount"`
	TasksCompleted  int                `json:"tasksCompleted"`
}

// Registry holds the canonical agent map. Secrets are kept out of the state
// structs so snapshots can be broadcast verbatim.
type Registry struct {
	mu      sync.Mutex
	agents  map[string]*AgentState
	secrets map[string]string
	env     map[string]string
	bus     *bus.Bus
	logger  logging.Logger
	now     func() time.Time
}

// New creates a registry bound to an environment snapshot for credential
// resolution.
func New(b *bus.Bus, env map[string]string, logger logging.Logger) *Registry {
	return &Registry{
		agents:  make(map[string]*AgentState),
		secrets: make(map[string]string),
		env:     env,
		bus:     b,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// Load installs the initial roster. An agent whose credential env var is
// declared but unresolved starts offline; everyone else starts idle.
func (r *Registry) Load(cfgs []config.AgentConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return err
		}
		r.installLocked(cfg)
	}
	return nil
}

// Add registers one new agent at runtime.
func (r *Registry) Add(cfg config.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.agents[cfg.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("agent %s already registered", cfg.ID)
	}
	state := r.installLocked(cfg)
	status := state.Status
	r.mu.Unlock()

	r.bus.Publish(cfg.ID, bus.EventAgentAdded, fmt.Sprintf("%s joined (%s)", cfg.DisplayName, status))
	return nil
}

func (r *Registry) installLocked(cfg config.AgentConfig) *AgentState {
	secret, ok := config.ResolveCredential(cfg, r.env)
	status := StatusIdle
	if !ok {
		status = StatusOffline
		r.logger.Warn("agent %s offline: credential %s unresolved", cfg.ID, cfg.CredentialEnv)
	} else {
		r.secrets[cfg.ID] = secret
	}
	state := &AgentState{
		Config: cfg,
		Status: status,
		Energy: MaxEnergy,
		Level:  1,
	}
	r.agents[cfg.ID] = state
	return state
}

// Remove drops an agent from the roster.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	state, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s not found", id)
	}
	if state.Status == StatusWorking {
		r.mu.Unlock()
		return fmt.Errorf("agent %s is working on %s", id, state.CurrentTaskID)
	}
	delete(r.agents, id)
	delete(r.secrets, id)
	r.mu.Unlock()

	r.bus.Publish(id, bus.EventAgentRemoved, "agent removed")
	return nil
}

// Reload diffs a fresh roster against the live one: new agents are added,
// existing idle agents pick up endpoint/model/role changes, and agents
// missing from the new roster go offline.
func (r *Registry) Reload(cfgs []config.AgentConfig) {
	r.mu.Lock()
	seen := make(map[string]bool, len(cfgs))
	var added, updated, offlined []string
	for _, cfg := range cfgs {
		if cfg.Validate() != nil {
			continue
		}
		seen[cfg.ID] = true
		state, ok := r.agents[cfg.ID]
		if !ok {
			r.installLocked(cfg)
			added = append(added, cfg.ID)
			continue
		}
		if state.Status == StatusIdle || state.Status == StatusOffline {
			state.Config = cfg
			if secret, ok := config.ResolveCredential(cfg, r.env); ok {
				r.secrets[cfg.ID] = secret
				if state.Status == StatusOffline {
					state.Status = StatusIdle
				}
			} else {
				delete(r.secrets, cfg.ID)
				state.Status = StatusOffline
			}
			updated = append(updated, cfg.ID)
		}
	}
	for id, state := range r.agents {
		if !seen[id] && state.Status != StatusWorking {
			state.Status = StatusOffline
			delete(r.secrets, id)
			offlined = append(offlined, id)
		}
	}
	r.mu.Unlock()

	for _, id := range added {
		r.bus.Publish(id, bus.EventAgentAdded, "agent added by reload")
	}
	for _, id := range offlined {
		r.bus.Publish(id, bus.EventAgentOffline, "agent dropped from config")
	}
	if len(added)+len(updated)+len(offlined) > 0 {
		r.logger.Info("roster reload: %d added, %d updated, %d offlined", len(added), len(updated), len(offlined))
	}
}

// Get returns a by-value copy of one agent's state.
func (r *Registry) Get(id string) (AgentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.agents[id]
	if !ok {
		return AgentState{}, false
	}
	return *state, true
}

// Secret returns the resolved credential for an agent.
func (r *Registry) Secret(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	secret, ok := r.secrets[id]
	return secret, ok
}

// List returns by-value copies of every agent, ordered by id.
func (r *Registry) List() []AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AgentState, 0, len(r.agents))
	for _, state := range r.agents {
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// Callable returns the agents eligible for dispatch: idle, non-bridge, with
// a resolvable credential.
func (r *Registry) Callable() []AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AgentState
	for id, state := range r.agents {
		if state.Status != StatusIdle {
			continue
		}
		if state.Config.Provider.IsBridge() {
			continue
		}
		if _, ok := r.secrets[id]; !ok {
			continue
		}
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// WorkingCount reports how many agents are mid-task.
func (r *Registry) WorkingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, state := range r.agents {
		if state.Status == StatusWorking {
			n++
		}
	}
	return n
}

// AssignTask moves an idle agent to working on the given task. The
// status=working gate is what guarantees an agent runs one task at a time.
func (r *Registry) AssignTask(id, taskID string) error {
	r.mu.Lock()
	state, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s not found", id)
	}
	if state.Status != StatusIdle {
		r.mu.Unlock()
		return fmt.Errorf("agent %s is %s, not idle", id, state.Status)
	}
	state.Status = StatusWorking
	state.CurrentTaskID = taskID
	r.mu.Unlock()

	r.bus.Publish(id, bus.EventAgentWorking, fmt.Sprintf("working on %s", taskID))
	return nil
}

// ReleaseTask returns a working agent to idle and clears its task binding.
func (r *Registry) ReleaseTask(id string) {
	r.mu.Lock()
	state, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	state.CurrentTaskID = ""
	if state.Status == StatusWorking {
		state.Status = StatusIdle
	}
	r.mu.Unlock()

	r.bus.Publish(id, bus.EventAgentIdle, "idle")
}

// CreditCompletion applies the end-of-task accounting in one transition:
// energy drain, token and completion counters, and the xp/level ladder.
// Returns the agent's new xp and level.
func (r *Registry) CreditCompletion(id string, tokens int) (xp, level int) {
	cost := EnergyCost(tokens)
	gain := 20 + min(30, tokens/100)

	r.mu.Lock()
	state, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return 0, 0
	}
	state.Energy = max(0, state.Energy-cost)
	state.TotalTokensUsed += tokens
	state.TasksCompleted++
	state.XP += gain
	state.Level = state.XP/xpPerLevel + 1
	xp, level = state.XP, state.Level
	r.mu.Unlock()

	r.bus.Publish(id, bus.EventAgentXPGained, fmt.Sprintf("+%d xp (level %d)", gain, level))
	return xp, level
}

// EnergyCost converts a token count into energy drain: one point per
// thousand tokens, capped at five.
func EnergyCost(tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return min(5, (tokens+999)/1000)
}

// SetCooldown benches a rate-limited agent for the given duration.
func (r *Registry) SetCooldown(id string, d time.Duration) {
	until := r.now().Add(d)
	r.mu.Lock()
	state, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	state.Status = StatusCooldown
	state.CooldownUntil = until
	state.CurrentTaskID = ""
	r.mu.Unlock()

	r.bus.Publish(id, bus.EventAgentCooldown, fmt.Sprintf("cooling down until %s", until.Format(time.TimeOnly)))
}

// RecordError tracks a fault against an agent. Repeated faults move the
// agent to the error state; otherwise it returns to idle.
func (r *Registry) RecordError(id string, cause string) {
	r.mu.Lock()
	state, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	state.ErrorCount++
	state.CurrentTaskID = ""
	if state.Status == StatusCooldown {
		r.mu.Unlock()
		r.bus.Publish(id, bus.EventAgentError, cause)
		return
	}
	if state.ErrorCount >= errorThreshold {
		state.Status = StatusError
	} else {
		state.Status = StatusIdle
	}
	r.mu.Unlock()

	r.bus.Publish(id, bus.EventAgentError, cause)
}

// RechargeAll tops up energy for every non-offline agent and clears expired
// cooldowns. Runs on the orchestrator's recharge tick.
func (r *Registry) RechargeAll() {
	now := r.now()
	var recovered []string

	r.mu.Lock()
	for id, state := range r.agents {
		if state.Status == StatusOffline {
			continue
		}
		rate := max(MinRecharge, state.Config.EnergyRechargeRate)
		state.Energy = min(MaxEnergy, state.Energy+rate)
		if state.Status == StatusCooldown && !state.CooldownUntil.After(now) {
			state.Status = StatusIdle
			state.CooldownUntil = time.Time{}
			recovered = append(recovered, id)
		}
	}
	r.mu.Unlock()

	for _, id := range recovered {
		r.bus.Publish(id, bus.EventAgentIdle, "cooldown cleared")
	}
}

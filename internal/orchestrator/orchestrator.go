// Package orchestrator drives the dispatch loop: it matches pending tasks to
// agents, runs the execution pipeline, applies the risk gate and feeds every
// outcome back into the performance log.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/metrics"
	"conductor/internal/parser"
	"conductor/internal/prompt"
	"conductor/internal/registry"
	"conductor/internal/rl"
	"conductor/internal/task"
	"conductor/internal/workspace"
)

const (
	dispatchInterval = 500 * time.Millisecond
	rechargeInterval = 30 * time.Second

	// defaultConcurrency caps simultaneously working agents.
	defaultConcurrency = 5

	// rateLimitCooldown benches an agent after a 429.
	rateLimitCooldown = 60 * time.Second

	// Selection policy knobs.
	explorationBonus = 15
	explorationBelow = 3
	failurePenalty   = 10
	topCandidates    = 3
)

// Deps are the collaborating owners the orchestrator coordinates.
type Deps struct {
	Registry *registry.Registry
	Tasks    *task.Manager
	Scorer   *rl.Scorer
	Memory   *memory.Store
	Executor *workspace.Executor
	Composer *prompt.Composer
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Logger   logging.Logger
}

// Options tune the dispatch loop.
type Options struct {
	// Concurrency overrides the working-agent cap when positive.
	Concurrency int
}

// Orchestrator owns the dispatch and recharge tickers.
type Orchestrator struct {
	deps        Deps
	logger      logging.Logger
	concurrency int

	// newClient is swapped out in tests.
	newClient func(config.AgentConfig, string, logging.Logger) (llm.Client, error)

	randMu sync.Mutex
	rand   *rand.Rand

	// reviewMu serializes approval and rejection decisions so held side
	// effects apply at most once per task.
	reviewMu sync.Mutex

	dispatchEvery time.Duration
	rechargeEvery time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires an orchestrator. Call Start to begin dispatching.
func New(deps Deps, opts Options) *Orchestrator {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Orchestrator{
		deps:          deps,
		logger:        logging.OrNop(deps.Logger),
		concurrency:   concurrency,
		newClient:     llm.New,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
		dispatchEvery: dispatchInterval,
		rechargeEvery: rechargeInterval,
	}
}

// Start launches the dispatch and recharge tickers. The two are independent
// and each tick is idempotent.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.dispatchEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.dispatchOnce(ctx)
			}
		}
	}()
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.rechargeEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.deps.Registry.RechargeAll()
			}
		}
	}()
}

// Stop halts the tickers and waits for in-flight task executions.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// dispatchOnce assigns pending tasks to agents until the concurrency cap is
// reached. Execution runs concurrently; the tick never blocks on it.
func (o *Orchestrator) dispatchOnce(ctx context.Context) {
	pending := o.deps.Tasks.Pending()
	for _, t := range pending {
		if o.deps.Registry.WorkingCount() >= o.concurrency {
			break
		}
		agent, ok := o.selectAgent(t)
		if !ok {
			// No callable agent serves anyone; tasks stay pending.
			break
		}
		if err := o.deps.Registry.AssignTask(agent.Config.ID, t.ID); err != nil {
			o.logger.Debug("assign %s to %s: %v", t.ID, agent.Config.ID, err)
			continue
		}
		if err := o.deps.Tasks.Activate(t.ID, agent.Config.ID); err != nil {
			o.deps.Registry.ReleaseTask(agent.Config.ID)
			o.logger.Warn("activate %s: %v", t.ID, err)
			continue
		}
		o.wg.Add(1)
		go func(t task.Task, agent registry.AgentState) {
			defer o.wg.Done()
			o.execute(ctx, t, agent)
		}(t, agent)
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.PendingTasks.Set(float64(len(o.deps.Tasks.Pending())))
		o.deps.Metrics.WorkingAgents.Set(float64(o.deps.Registry.WorkingCount()))
	}
}

// selectAgent implements the weighted selection policy: honor a concrete
// callable preference, otherwise score callable agents by category history,
// reward the unexplored, penalize the recently failing, and draw one of the
// top three weighted by score.
func (o *Orchestrator) selectAgent(t task.Task) (registry.AgentState, bool) {
	callable := o.deps.Registry.Callable()
	if len(callable) == 0 {
		return registry.AgentState{}, false
	}

	if t.PreferredAgentID != "" && t.PreferredAgentID != task.PreferAuto {
		for _, agent := range callable {
			if agent.Config.ID == t.PreferredAgentID {
				return agent, true
			}
		}
	}

	tags := rl.Classify(t.Title, t.Description)
	type candidate struct {
		agent registry.AgentState
		score int
	}
	candidates := make([]candidate, 0, len(callable))
	for _, agent := range callable {
		id := agent.Config.ID
		total := 0
		for _, tag := range tags {
			total += o.deps.Scorer.AgentScore(id, tag)
		}
		score := total / len(tags)
		if o.deps.Scorer.Observations(id, tags) < explorationBelow {
			score += explorationBonus
		}
		score -= o.deps.Scorer.RecentFailures(id) * failurePenalty
		candidates = append(candidates, candidate{agent: agent, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > topCandidates {
		candidates = candidates[:topCandidates]
	}

	weights := make([]int, len(candidates))
	total := 0
	for i, c := range candidates {
		weights[i] = max(1, c.score)
		total += weights[i]
	}

	o.randMu.Lock()
	draw := o.rand.Intn(total)
	o.randMu.Unlock()
	for i, w := range weights {
		if draw < w {
			return candidates[i].agent, true
		}
		draw -= w
	}
	return candidates[len(candidates)-1].agent, true
}

// execute runs the pipeline for one assigned task.
func (o *Orchestrator) execute(ctx context.Context, t task.Task, agent registry.AgentState) {
	agentID := agent.Config.ID
	tags := rl.Classify(t.Title, t.Description)
	o.deps.Tasks.SetTags(t.ID, tags)

	secret, _ := o.deps.Registry.Secret(agentID)
	client, err := o.newClient(agent.Config, secret, o.logger)
	if err != nil {
		o.failTask(t, agent, tags, err)
		return
	}

	system := o.deps.Composer.Compose(prompt.Input{
		AgentID:     agentID,
		AgentName:   agent.Config.DisplayName,
		Role:        agent.Config.Role,
		Description: t.Description,
	})
	userPrompt := fmt.Sprintf("Task %s: %s\n\n%s", t.ID, t.Title, t.Description)

	resp, err := client.Execute(ctx, llm.Request{System: system, Prompt: userPrompt})
	if err != nil {
		o.failTask(t, agent, tags, err)
		return
	}

	parsed := parser.Parse(resp.Text)
	o.deps.Registry.CreditCompletion(agentID, resp.Tokens)

	result := &task.Result{
		Success:     true,
		Explanation: parsed.Explanation,
		RawOutput:   resp.Text,
		TokensUsed:  resp.Tokens,
		AgentName:   agent.Config.DisplayName,
		Model:       resp.Model,
		Files:       parsed.Files,
		Commands:    parsed.Commands,
		TaskTypes:   tags,
	}

	outcome := rl.Outcome{
		FilesParsed:     len(parsed.Files),
		FileMarkersSeen: parser.HasFileMarkers(resp.Text),
		CommandsParsed:  len(parsed.Commands),
		TokensUsed:      resp.Tokens,
	}

	review := false
	switch {
	case len(parsed.Files) > 0 && t.Risk == task.RiskLow:
		written, werr := o.deps.Executor.WriteFiles(agentID, parsed.Files)
		if werr != nil {
			o.failTask(t, agent, tags, werr)
			return
		}
		if len(parsed.Commands) > 0 {
			for _, oc := range o.deps.Executor.RunCommands(ctx, agentID, parsed.Commands) {
				result.Outcomes = append(result.Outcomes, task.CommandOutcome{
					Cwd: oc.Cwd, Command: oc.Command, Success: oc.Success, Output: oc.Output,
				})
				outcome.CommandsRun++
				if oc.Success {
					outcome.CommandsOK++
				}
			}
		}
		o.logger.Info("%s applied %d files, %d commands for %s", agentID, len(written), len(parsed.Commands), t.ID)
	case len(parsed.Files) > 0:
		// High risk: hold every side effect until a client approves.
		review = true
	}

	score := rl.Score(outcome)
	result.PerfScore = score
	o.deps.Scorer.RecordPerformance(agentID, tags, score, t.ID)
	o.deps.Bus.Publish(agentID, bus.EventRLScored, fmt.Sprintf("%s scored %d", t.ID, score))

	if review {
		if err := o.deps.Tasks.MarkReview(t.ID, result); err != nil {
			o.logger.Warn("mark review %s: %v", t.ID, err)
		}
	} else {
		if err := o.deps.Tasks.Complete(t.ID, result); err != nil {
			o.logger.Warn("complete %s: %v", t.ID, err)
		}
		o.countCompleted()
	}
	o.persist(t, agent, result)

	if t.Depth < task.MaxDepth {
		o.spawnSubtasks(t, agentID, parsed.Subtasks)
	} else if len(parsed.Subtasks) > 0 {
		o.logger.Info("dropping %d subtasks from %s at max depth", len(parsed.Subtasks), t.ID)
	}

	o.deps.Bus.Publish(agentID, bus.EventAgentCompleted, fmt.Sprintf("finished %s", t.ID))
	o.deps.Registry.ReleaseTask(agentID)
	if o.deps.Metrics != nil {
		o.deps.Metrics.TokensUsed.WithLabelValues(agentID).Add(float64(resp.Tokens))
	}
}

// failTask handles any pipeline fault: score, task state, agent state.
func (o *Orchestrator) failTask(t task.Task, agent registry.AgentState, tags []string, err error) {
	agentID := agent.Config.ID
	o.logger.Warn("task %s failed on %s: %v", t.ID, agentID, err)

	score := rl.FailureScore(llm.IsAPIFault(err))
	o.deps.Scorer.RecordPerformance(agentID, tags, score, t.ID)
	o.deps.Bus.Publish(agentID, bus.EventRLScored, fmt.Sprintf("%s scored %d", t.ID, score))

	result := &task.Result{
		AgentName: agent.Config.DisplayName,
		Model:     agent.Config.Model,
		PerfScore: score,
		TaskTypes: tags,
		Error:     err.Error(),
	}
	if ferr := o.deps.Tasks.Fail(t.ID, result); ferr != nil {
		o.logger.Warn("fail %s: %v", t.ID, ferr)
	}

	if llm.IsRateLimited(err) {
		d := rateLimitCooldown
		if ra := llm.RetryAfter(err); ra > d {
			d = ra
		}
		o.deps.Registry.SetCooldown(agentID, d)
	} else {
		o.deps.Registry.RecordError(agentID, err.Error())
	}

	o.persist(t, agent, result)
	if o.deps.Metrics != nil {
		o.deps.Metrics.TasksFailed.Inc()
	}
}

// persist records the finished task and the current performance log.
func (o *Orchestrator) persist(t task.Task, agent registry.AgentState, result *task.Result) {
	if o.deps.Memory == nil {
		return
	}
	paths := make([]string, 0, len(result.Files))
	for _, f := range result.Files {
		paths = append(paths, f.Path)
	}
	entry := memory.HistoryEntry{
		TaskID:      t.ID,
		Title:       t.Title,
		AgentID:     agent.Config.ID,
		AgentName:   agent.Config.DisplayName,
		Model:       result.Model,
		Explanation: result.Explanation,
		Files:       paths,
		Tokens:      result.TokensUsed,
		Success:     result.Success,
	}
	if err := o.deps.Memory.RecordTask(entry); err != nil {
		o.logger.Warn("persist %s: %v", t.ID, err)
	}
	if err := o.deps.Memory.SavePerformanceLog(o.deps.Scorer.Snapshot()); err != nil {
		o.logger.Warn("persist performance log: %v", err)
	}
}

// spawnSubtasks creates child tasks from the model's SUBTASK blocks.
func (o *Orchestrator) spawnSubtasks(parent task.Task, agentID string, subtasks []parser.SubtaskIntent) {
	for _, st := range subtasks {
		req := task.CreateRequest{
			Title:            st.Title,
			Description:      st.Description,
			Priority:         parent.Priority,
			PreferredAgentID: st.Agent,
			CreatedBy:        "agent:" + agentID,
			ParentTaskID:     parent.ID,
			Depth:            parent.Depth + 1,
		}
		child, err := o.deps.Tasks.Create(req)
		if err != nil {
			o.logger.Warn("spawn subtask of %s: %v", parent.ID, err)
			continue
		}
		o.countCreated()
		o.logger.Info("%s spawned %s: %s", parent.ID, child.ID, child.Title)
	}
}

// Approve applies the held side effects of a review task and completes it.
func (o *Orchestrator) Approve(ctx context.Context, taskID string) error {
	o.reviewMu.Lock()
	defer o.reviewMu.Unlock()

	t, ok := o.deps.Tasks.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if t.Status != task.StatusReview {
		return fmt.Errorf("task %s is %s, not review", taskID, t.Status)
	}
	if t.Result == nil {
		return fmt.Errorf("task %s has no held result", taskID)
	}

	agentID := t.AssignedAgentID
	result := *t.Result
	if _, err := o.deps.Executor.WriteFiles(agentID, result.Files); err != nil {
		return fmt.Errorf("apply files for %s: %w", taskID, err)
	}
	result.Outcomes = nil
	for _, oc := range o.deps.Executor.RunCommands(ctx, agentID, result.Commands) {
		result.Outcomes = append(result.Outcomes, task.CommandOutcome{
			Cwd: oc.Cwd, Command: oc.Command, Success: oc.Success, Output: oc.Output,
		})
	}

	if err := o.deps.Tasks.Complete(taskID, &result); err != nil {
		return err
	}
	o.countCompleted()
	o.deps.Bus.Publish(agentID, bus.EventTaskApproved, fmt.Sprintf("%s approved", taskID))
	return nil
}

// Reject discards a review task. No side effect occurs; the transition is
// pure state.
func (o *Orchestrator) Reject(taskID string) error {
	o.reviewMu.Lock()
	defer o.reviewMu.Unlock()

	t, ok := o.deps.Tasks.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if t.Status != task.StatusReview {
		return fmt.Errorf("task %s is %s, not review", taskID, t.Status)
	}
	if err := o.deps.Tasks.Cancel(taskID); err != nil {
		return err
	}
	o.deps.Bus.Publish(t.AssignedAgentID, bus.EventTaskRejected, fmt.Sprintf("%s rejected", taskID))
	return nil
}

func (o *Orchestrator) countCompleted() {
	if o.deps.Metrics != nil {
		o.deps.Metrics.TasksCompleted.Inc()
	}
}

func (o *Orchestrator) countCreated() {
	if o.deps.Metrics != nil {
		o.deps.Metrics.TasksCreated.Inc()
	}
}

// Package broadcast composes full state snapshots and fans them out to
// subscribers with a trailing-edge throttle. Every bus event requests a
// snapshot; at most two leave per throttle window.
package broadcast

import (
	"sync"
	"time"
	"unicode/utf8"

	"conductor/internal/bus"
	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/registry"
	"conductor/internal/rl"
	"conductor/internal/task"
)

const (
	// throttleWindow is the minimum spacing between snapshot deliveries.
	throttleWindow = 300 * time.Millisecond

	// explanationCap truncates light-task explanations.
	explanationCap = 500

	// Tail sizes carried in each snapshot.
	memoryEntries  = 5
	activityEvents = 20

	subscriberBuffer = 4
)

// LightResult is a task result stripped for the wire: no raw output, no file
// contents, bounded explanation.
type LightResult struct {
	Success     bool                  `json:"success"`
	Explanation string                `json:"explanation"`
	TokensUsed  int                   `json:"tokensUsed"`
	AgentName   string                `json:"agentName"`
	Model       string                `json:"model"`
	FilePaths   []string              `json:"filePaths,omitempty"`
	Outcomes    []task.CommandOutcome `json:"outcomes,omitempty"`
	PerfScore   int                   `json:"perfScore"`
	TaskTypes   []string              `json:"taskTypes,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// LightTask is the wire projection of a task.
type LightTask struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	Status           task.Status   `json:"status"`
	Risk             task.Risk     `json:"risk"`
	Priority         task.Priority `json:"priority"`
	AssignedAgentID  string        `json:"assignedAgentId,omitempty"`
	CreatedBy        string        `json:"createdBy"`
	ParentTaskID     string        `json:"parentTaskId,omitempty"`
	Depth            int           `json:"depth"`
	PreferredAgentID string        `json:"preferredAgentId"`
	Tags             []string      `json:"tags,omitempty"`
	Created          time.Time     `json:"created"`
	Started          time.Time     `json:"started,omitempty"`
	Completed        time.Time     `json:"completed,omitempty"`
	Result           *LightResult  `json:"result,omitempty"`
}

// PerfSummary aggregates one agent's rolling scores.
type PerfSummary struct {
	Overall    int            `json:"overall"`
	Categories map[string]int `json:"categories,omitempty"`
}

// Snapshot is the full state delivered to clients.
type Snapshot struct {
	Time          time.Time              `json:"time"`
	Agents        []registry.AgentState  `json:"agents"`
	Tasks         []LightTask            `json:"tasks"`
	ArchivedTasks int                    `json:"archivedTasks"`
	AutoApprove   bool                   `json:"autoApprove"`
	Performance   map[string]PerfSummary `json:"performance"`
	Memory        []memory.HistoryEntry  `json:"memory"`
	Activity      []bus.Event            `json:"activity"`
}

// Sources are the snapshot owners the broadcaster reads from.
type Sources struct {
	Registry *registry.Registry
	Tasks    *task.Manager
	Scorer   *rl.Scorer
	Memory   *memory.Store
	Bus      *bus.Bus
}

// Broadcaster owns the throttle state and the subscriber set.
type Broadcaster struct {
	src    Sources
	logger logging.Logger
	window time.Duration

	mu          sync.Mutex
	subs        map[int]chan Snapshot
	nextSub     int
	lastSent    time.Time
	timer       *time.Timer
	unsubscribe func()
}

// New builds a broadcaster over the given owners. Call Start to begin
// reacting to bus events.
func New(src Sources, logger logging.Logger) *Broadcaster {
	return &Broadcaster{
		src:    src,
		logger: logging.OrNop(logger),
		window: throttleWindow,
		subs:   make(map[int]chan Snapshot),
	}
}

// Start hooks the broadcaster to the bus; every event requests a snapshot.
func (b *Broadcaster) Start() {
	b.unsubscribe = b.src.Bus.Subscribe(func(bus.Event) { b.Trigger() })
}

// Stop detaches from the bus and halts any pending trailing delivery.
func (b *Broadcaster) Stop() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
}

// Subscribe registers a snapshot consumer. Slow consumers drop snapshots;
// the newest state always supersedes anything missed.
func (b *Broadcaster) Subscribe() (<-chan Snapshot, func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan Snapshot, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Trigger requests a snapshot delivery. Outside the quiet window it sends
// immediately; inside, one trailing delivery is scheduled for the boundary.
func (b *Broadcaster) Trigger() {
	b.mu.Lock()
	elapsed := time.Since(b.lastSent)
	if elapsed >= b.window {
		b.lastSent = time.Now()
		b.mu.Unlock()
		b.deliver()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window-elapsed, func() {
			b.mu.Lock()
			b.timer = nil
			b.lastSent = time.Now()
			b.mu.Unlock()
			b.deliver()
		})
	}
	b.mu.Unlock()
}

func (b *Broadcaster) deliver() {
	snap := b.Compose()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
			b.logger.Debug("dropping snapshot for slow subscriber")
		}
	}
}

// Compose assembles a snapshot from the owners. Each owner copies its state
// under its own mutex; nothing here blocks on I/O.
func (b *Broadcaster) Compose() Snapshot {
	snap := Snapshot{
		Time:        time.Now(),
		Agents:      b.src.Registry.List(),
		Performance: make(map[string]PerfSummary),
	}

	tasks := b.src.Tasks.List()
	snap.Tasks = make([]LightTask, 0, len(tasks))
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, lightenTask(t))
	}
	snap.ArchivedTasks = b.src.Tasks.ArchivedCount()
	snap.AutoApprove = b.src.Tasks.AutoApprove()

	for agentID, byCategory := range b.src.Scorer.Snapshot() {
		summary := PerfSummary{
			Overall:    b.src.Scorer.OverallScore(agentID),
			Categories: make(map[string]int, len(byCategory)),
		}
		for tag, log := range byCategory {
			summary.Categories[tag] = log.Avg
		}
		snap.Performance[agentID] = summary
	}

	if b.src.Memory != nil {
		snap.Memory = b.src.Memory.RecentHistory(memoryEntries)
	}
	snap.Activity = b.src.Bus.Recent(activityEvents)
	return snap
}

// truncate caps s at limit bytes without splitting a multibyte rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func lightenTask(t task.Task) LightTask {
	lt := LightTask{
		ID:               t.ID,
		Title:            t.Title,
		Description:      t.Description,
		Status:           t.Status,
		Risk:             t.Risk,
		Priority:         t.Priority,
		AssignedAgentID:  t.AssignedAgentID,
		CreatedBy:        t.CreatedBy,
		ParentTaskID:     t.ParentTaskID,
		Depth:            t.Depth,
		PreferredAgentID: t.PreferredAgentID,
		Tags:             t.Tags,
		Created:          t.Created,
		Started:          t.Started,
		Completed:        t.Completed,
	}
	if t.Result == nil {
		return lt
	}
	explanation := truncate(t.Result.Explanation, explanationCap)
	paths := make([]string, 0, len(t.Result.Files))
	for _, f := range t.Result.Files {
		paths = append(paths, f.Path)
	}
	lt.Result = &LightResult{
		Success:     t.Result.Success,
		Explanation: explanation,
		TokensUsed:  t.Result.TokensUsed,
		AgentName:   t.Result.AgentName,
		Model:       t.Result.Model,
		FilePaths:   paths,
		Outcomes:    t.Result.Outcomes,
		PerfScore:   t.Result.PerfScore,
		TaskTypes:   t.Result.TaskTypes,
		Error:       t.Result.Error,
	}
	return lt
}

// Package task owns the task lifecycle state machine and the priority-ordered
// pending queue. The manager is the only component that mutates tasks; every
// transition publishes a task:* event.
package task

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"conductor/internal/bus"
	"conductor/internal/logging"
)

// liveTerminalCap bounds how many terminal tasks stay in the live view.
const liveTerminalCap = 30

var lowRiskPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|/)docs?(/|$)`),
	regexp.MustCompile(`(?i)(^|/)tests?(/|$)`),
	regexp.MustCompile(`(?i)readme`),
	regexp.MustCompile(`(?i)\.md$`),
	regexp.MustCompile(`(?i)\.txt$`),
	regexp.MustCompile(`(?i)\.d\.ts$`),
	regexp.MustCompile(`_test\.go$`),
	regexp.MustCompile(`(?i)(^|/)test_[^/]*\.py$`),
}

var lowRiskTitleKeywords = []string{"doc", "test", "readme"}

// CreateRequest carries everything needed to enqueue a new task.
type CreateRequest struct {
	Title            string
	Description      string
	Priority         Priority
	PreferredAgentID string
	CreatedBy        string
	ParentTaskID     string
	Depth            int
	FilePaths        []string
	Tags             []string
}

// Manager is the canonical task store.
type Manager struct {
	mu            sync.Mutex
	tasks         map[string]*Task
	order         map[string]int // insertion order for queue tie-breaks
	counter       int
	insertSeq     int
	archived      int
	autoApprove   bool
	bus           *bus.Bus
	logger        logging.Logger
	now           func() time.Time
}

// NewManager creates an empty task manager.
func NewManager(b *bus.Bus, logger logging.Logger) *Manager {
	return &Manager{
		tasks:  make(map[string]*Task),
		order:  make(map[string]int),
		bus:    b,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// SetAutoApprove flips the session-wide flag that forces new tasks to low
// risk. It is not persisted across restarts.
func (m *Manager) SetAutoApprove(enabled bool) {
	m.mu.Lock()
	m.autoApprove = enabled
	m.mu.Unlock()
	m.logger.Info("auto-approve-all set to %v", enabled)
}

// AutoApprove returns the current flag value.
func (m *Manager) AutoApprove() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoApprove
}

// Create enqueues a new pending task with a monotone zero-padded id and
// auto-detected risk.
func (m *Manager) Create(req CreateRequest) (Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return Task{}, fmt.Errorf("task title is required")
	}
	if req.Depth > MaxDepth {
		return Task{}, fmt.Errorf("depth %d exceeds the maximum of %d", req.Depth, MaxDepth)
	}

	m.mu.Lock()
	m.counter++
	m.insertSeq++
	t := &Task{
		ID:               fmt.Sprintf("TASK-%03d", m.counter),
		Title:            strings.TrimSpace(req.Title),
		Description:      req.Description,
		Status:           StatusPending,
		Risk:             m.detectRiskLocked(req),
		Priority:         req.Priority,
		CreatedBy:        req.CreatedBy,
		ParentTaskID:     req.ParentTaskID,
		Depth:            req.Depth,
		PreferredAgentID: req.PreferredAgentID,
		FilePaths:        append([]string(nil), req.FilePaths...),
		Tags:             append([]string(nil), req.Tags...),
		Created:          m.now(),
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.PreferredAgentID == "" {
		t.PreferredAgentID = PreferAuto
	}
	if t.CreatedBy == "" {
		t.CreatedBy = "user"
	}
	m.tasks[t.ID] = t
	m.order[t.ID] = m.insertSeq
	snapshot := *t
	m.mu.Unlock()

	m.bus.Publish(bus.SystemAgentID, bus.EventTaskCreated, fmt.Sprintf("%s created: %s", snapshot.ID, snapshot.Title))
	return snapshot, nil
}

// detectRiskLocked applies the auto-approve override, then the low-risk file
// path patterns and title keywords. Anything else is high risk.
func (m *Manager) detectRiskLocked(req CreateRequest) Risk {
	if m.autoApprove {
		return RiskLow
	}
	for _, path := range req.FilePaths {
		for _, pattern := range lowRiskPathPatterns {
			if pattern.MatchString(path) {
				return RiskLow
			}
		}
	}
	title := strings.ToLower(req.Title)
	for _, keyword := range lowRiskTitleKeywords {
		if strings.Contains(title, keyword) {
			return RiskLow
		}
	}
	return RiskHigh
}

// Get returns a copy of one task.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns copies of all live tasks ordered by id.
func (m *Manager) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending returns the dispatch queue: pending tasks ordered by priority,
// then by insertion order within a priority.
func (m *Manager) Pending() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.Status == StatusPending {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		return m.order[out[i].ID] < m.order[out[j].ID]
	})
	return out
}

// ArchivedCount reports how many terminal tasks have been evicted from the
// live view.
func (m *Manager) ArchivedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.archived
}

// Activate assigns a pending task to an agent and starts it.
func (m *Manager) Activate(id, agentID string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("task %s is %s, not pending", id, t.Status)
	}
	t.Status = StatusActive
	t.AssignedAgentID = agentID
	t.Started = m.now()
	m.mu.Unlock()

	m.bus.Publish(agentID, bus.EventTaskActive, fmt.Sprintf("%s assigned to %s", id, agentID))
	return nil
}

// SetTags records the scorer's classification on an active task.
func (m *Manager) SetTags(id string, tags []string) {
	m.mu.Lock()
	if t, ok := m.tasks[id]; ok {
		t.Tags = append([]string(nil), tags...)
	}
	m.mu.Unlock()
}

// Complete finishes an active task on the auto-apply path, or a review task
// after approval.
func (m *Manager) Complete(id string, result *Result) error {
	return m.finish(id, StatusCompleted, bus.EventTaskCompleted, result, StatusActive, StatusReview)
}

// MarkReview parks a high-risk active task until a client approves it. The
// result holds the unapplied file and command intents.
func (m *Manager) MarkReview(id string, result *Result) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status != StatusActive {
		m.mu.Unlock()
		return fmt.Errorf("task %s is %s, not active", id, t.Status)
	}
	t.Status = StatusReview
	t.Result = result
	t.Completed = m.now()
	m.mu.Unlock()

	m.bus.Publish(t.AssignedAgentID, bus.EventTaskReview, fmt.Sprintf("%s awaiting review", id))
	return nil
}

// Fail marks an active task failed with the given result.
func (m *Manager) Fail(id string, result *Result) error {
	return m.finish(id, StatusFailed, bus.EventTaskFailed, result, StatusActive)
}

// Cancel rejects a pending task before pickup or a review task whose side
// effects are being discarded.
func (m *Manager) Cancel(id string) error {
	return m.finish(id, StatusCancelled, bus.EventTaskCancelled, nil, StatusPending, StatusReview)
}

func (m *Manager) finish(id string, to Status, event bus.EventType, result *Result, from ...Status) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	allowed := false
	for _, s := range from {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("task %s is %s, cannot move to %s", id, t.Status, to)
	}
	t.Status = to
	if result != nil {
		t.Result = result
	}
	t.Completed = m.now()
	agentID := t.AssignedAgentID
	m.evictTerminalLocked()
	m.mu.Unlock()

	m.bus.Publish(agentID, event, fmt.Sprintf("%s %s", id, to))
	return nil
}

// evictTerminalLocked keeps only the most recent 30 terminal tasks in the
// live view; older ones are dropped and counted in the archive total.
func (m *Manager) evictTerminalLocked() {
	var terminal []*Task
	for _, t := range m.tasks {
		if t.Status.Terminal() {
			terminal = append(terminal, t)
		}
	}
	if len(terminal) <= liveTerminalCap {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		if !terminal[i].Completed.Equal(terminal[j].Completed) {
			return terminal[i].Completed.After(terminal[j].Completed)
		}
		return m.order[terminal[i].ID] > m.order[terminal[j].ID]
	})
	for _, t := range terminal[liveTerminalCap:] {
		delete(m.tasks, t.ID)
		delete(m.order, t.ID)
		m.archived++
	}
}

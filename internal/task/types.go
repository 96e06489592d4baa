package task

import (
	"time"

	"conductor/internal/parser"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusReview    Status = "review"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a task in this status will never run again.
// Review tasks await an approval decision and are not terminal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Risk gates side effects: low-risk tasks auto-apply file writes and command
// runs, high-risk tasks park in review until approved.
type Risk string

const (
	RiskLow  Risk = "low"
	RiskHigh Risk = "high"
)

// Priority orders the pending queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the sort key for queue ordering; unknown priorities sort last.
func (p Priority) Rank() int {
	if rank, ok := priorityRank[p]; ok {
		return rank
	}
	return len(priorityRank)
}

// MaxDepth bounds subtask recursion: a task at depth 3 may not spawn children.
const MaxDepth = 3

// PreferAuto requests agent selection by the orchestrator's scorer-weighted
// policy instead of a concrete agent id.
const PreferAuto = "auto"

// CommandOutcome records one executed command.
type CommandOutcome struct {
	Cwd     string `json:"cwd"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// Result is the structured outcome attached to a task after execution.
type Result struct {
	Success     bool                   `json:"success"`
	Explanation string                 `json:"explanation"`
	RawOutput   string                 `json:"rawOutput,omitempty"`
	TokensUsed  int                    `json:"tokensUsed"`
	AgentName   string                 `json:"agentName"`
	Model       string                 `json:"model"`
	Files       []parser.FileIntent    `json:"files,omitempty"`
	Commands    []parser.CommandIntent `json:"commands,omitempty"`
	Outcomes    []CommandOutcome       `json:"outcomes,omitempty"`
	PerfScore   int                    `json:"perfScore"`
	TaskTypes   []string               `json:"taskTypes,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Task is one unit of work. All fields are plain data; copies returned from
// the manager are safe to hold.
type Task struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Status           Status    `json:"status"`
	Risk             Risk      `json:"risk"`
	Priority         Priority  `json:"priority"`
	AssignedAgentID  string    `json:"assignedAgentId,omitempty"`
	CreatedBy        string    `json:"createdBy"`
	ParentTaskID     string    `json:"parentTaskId,omitempty"`
	Depth            int       `json:"depth"`
	PreferredAgentID string    `json:"preferredAgentId"`
	FilePaths        []string  `json:"filePaths,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	Created          time.Time `json:"created"`
	Started          time.Time `json:"started,omitempty"`
	Completed        time.Time `json:"completed,omitempty"`
	Result           *Result   `json:"result,omitempty"`
}

// Package memory persists the long-lived orchestration record: task history,
// per-agent stats, performance log snapshots and an append-only audit trail.
// Writes are eventually durable, not transactional. A crash may lose the most
// recent entry.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"conductor/internal/logging"
	"conductor/internal/rl"
)

const (
	// historyCap bounds the retained task history; oldest by timestamp go
	// first on overflow.
	historyCap = 50

	// explanationCap truncates stored explanations.
	explanationCap = 500

	jsonFile  = "memory.json"
	auditFile = "audit.md"
)

// HistoryEntry is one completed or failed task as remembered across restarts.
type HistoryEntry struct {
	TaskID      string    `json:"taskId"`
	Title       string    `json:"title"`
	AgentID     string    `json:"agentId"`
	AgentName   string    `json:"agentName"`
	Model       string    `json:"model"`
	Explanation string    `json:"explanation"`
	Files       []string  `json:"files,omitempty"`
	Tokens      int       `json:"tokens"`
	Success     bool      `json:"success"`
	Timestamp   time.Time `json:"timestamp"`
}

// AgentStats aggregates lifetime counters per agent.
type AgentStats struct {
	TasksCompleted int `json:"tasksCompleted"`
	TasksFailed    int `json:"tasksFailed"`
	TokensUsed     int `json:"tokensUsed"`
}

// Document is the on-disk shape of memory.json.
type Document struct {
	Facts          []string                `json:"facts"`
	Decisions      []string                `json:"decisions"`
	TaskHistory    map[string]HistoryEntry `json:"taskHistory"`
	AgentStats     map[string]AgentStats   `json:"agentStats"`
	PerformanceLog rl.PerformanceLog       `json:"performanceLog"`
}

func emptyDocument() Document {
	return Document{
		TaskHistory:    make(map[string]HistoryEntry),
		AgentStats:     make(map[string]AgentStats),
		PerformanceLog: make(rl.PerformanceLog),
	}
}

// Store owns the memory document and the audit log under one directory.
type Store struct {
	mu     sync.Mutex
	dir    string
	doc    Document
	logger logging.Logger
	now    func() time.Time
}

// Open loads (or initializes) the store under dir, conventionally
// <workspace>/.conductor. Missing or partially empty files yield defaults.
func Open(dir string, logger logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		doc:    emptyDocument(),
		logger: logging.OrNop(logger),
		now:    time.Now,
	}

	data, err := os.ReadFile(filepath.Join(dir, jsonFile))
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", jsonFile, err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		s.logger.Warn("memory document unreadable, starting fresh: %v", err)
		s.doc = emptyDocument()
		return s, nil
	}
	if s.doc.TaskHistory == nil {
		s.doc.TaskHistory = make(map[string]HistoryEntry)
	}
	if s.doc.AgentStats == nil {
		s.doc.AgentStats = make(map[string]AgentStats)
	}
	if s.doc.PerformanceLog == nil {
		s.doc.PerformanceLog = make(rl.PerformanceLog)
	}
	return s, nil
}

// RecordTask stores one finished task, updates the agent's counters, appends
// an audit line and saves.
func (s *Store) RecordTask(entry HistoryEntry) error {
	entry.Explanation = truncate(entry.Explanation, explanationCap)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	s.mu.Lock()
	s.doc.TaskHistory[entry.TaskID] = entry
	stats := s.doc.AgentStats[entry.AgentID]
	if entry.Success {
		stats.TasksCompleted++
	} else {
		stats.TasksFailed++
	}
	stats.TokensUsed += entry.Tokens
	s.doc.AgentStats[entry.AgentID] = stats
	s.evictHistoryLocked()
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	line := fmt.Sprintf("- [%s] %s agent=%s ok=%v files=%d\n",
		entry.Timestamp.Format(time.RFC3339), entry.TaskID, entry.AgentID, entry.Success, len(entry.Files))
	return s.appendAudit(line)
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

// evictHistoryLocked drops oldest-by-timestamp entries beyond the cap.
func (s *Store) evictHistoryLocked() {
	for len(s.doc.TaskHistory) > historyCap {
		oldestID := ""
		var oldest time.Time
		for id, entry := range s.doc.TaskHistory {
			if oldestID == "" || entry.Timestamp.Before(oldest) {
				oldestID = id
				oldest = entry.Timestamp
			}
		}
		delete(s.doc.TaskHistory, oldestID)
	}
}

// AddFact appends a durable fact and saves.
func (s *Store) AddFact(fact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Facts = append(s.doc.Facts, fact)
	return s.saveLocked()
}

// AddDecision appends a durable decision and saves.
func (s *Store) AddDecision(decision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Decisions = append(s.doc.Decisions, decision)
	return s.saveLocked()
}

// SavePerformanceLog snapshots the scorer state into the document.
func (s *Store) SavePerformanceLog(log rl.PerformanceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.PerformanceLog = log
	return s.saveLocked()
}

// PerformanceLog returns the persisted scorer snapshot, for seeding a fresh
// scorer at startup.
func (s *Store) PerformanceLog() rl.PerformanceLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.PerformanceLog
}

// RecentHistory returns up to n entries, newest first.
func (s *Store) RecentHistory(n int) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, 0, len(s.doc.TaskHistory))
	for _, entry := range s.doc.TaskHistory {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].TaskID > out[j].TaskID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Stats returns a copy of the per-agent counters.
func (s *Store) Stats() map[string]AgentStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AgentStats, len(s.doc.AgentStats))
	for id, stats := range s.doc.AgentStats {
		out[id] = stats
	}
	return out
}

// HistoryLen reports how many history entries are retained.
func (s *Store) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.TaskHistory)
}

// saveLocked writes the document through a temp file and rename.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal memory document: %w", err)
	}
	target := filepath.Join(s.dir, jsonFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace %s: %w", target, err)
	}
	return nil
}

func (s *Store) appendAudit(line string) error {
	f, err := os.OpenFile(filepath.Join(s.dir, auditFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

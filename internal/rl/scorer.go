// Package rl classifies tasks into categories, scores completed outputs and
// maintains per-agent per-category rolling performance averages. The averages
// feed the orchestrator's weighted agent selection.
package rl

import (
	"math"
	"regexp"
	"sort"
	"sync"
	"time"
)

// CategoryGeneral is attached when no category pattern matches.
const CategoryGeneral = "general"

// maxRecords bounds each per-agent per-category rolling list.
const maxRecords = 20

// defaultScore stands in for agents with no history in a category.
const defaultScore = 50

type category struct {
	label   string
	pattern *regexp.Regexp
}

// Classification order is fixed; all matching labels become tags.
var categories = []category{
	{"python", regexp.MustCompile(`(?i)python|\.py\b|pip\b|django|flask|pytest`)},
	{"javascript", regexp.MustCompile(`(?i)javascript|typescript|\bnode\b|\bnpm\b|\.jsx?\b|\.tsx?\b`)},
	{"web", regexp.MustCompile(`(?i)\bweb\b|html|\bcss\b|frontend|\breact\b|\bvue\b|\bui\b`)},
	{"api", regexp.MustCompile(`(?i)\bapi\b|endpoint|\brest\b|graphql|webhook`)},
	{"test", regexp.MustCompile(`(?i)\btests?\b|testing|coverage|\bspec\b`)},
	{"refactor", regexp.MustCompile(`(?i)refactor|restructure|clean\s?up|simplif`)},
	{"docs", regexp.MustCompile(`(?i)\bdocs?\b|documentation|readme|changelog`)},
	{"devops", regexp.MustCompile(`(?i)docker|deploy|\bci\b|\bcd\b|pipeline|kubernetes|k8s`)},
	{"data", regexp.MustCompile(`(?i)\bdata\b|database|\bsql\b|\bcsv\b|migration|\betl\b`)},
	{"tool", regexp.MustCompile(`(?i)\btool\b|\bscript\b|\bcli\b|automation`)},
}

// Classify returns every category whose pattern matches the task title or
// description, or [general] when none do.
func Classify(title, description string) []string {
	text := title + " " + description
	var tags []string
	for _, cat := range categories {
		if cat.pattern.MatchString(text) {
			tags = append(tags, cat.label)
		}
	}
	if len(tags) == 0 {
		tags = []string{CategoryGeneral}
	}
	return tags
}

// Outcome feeds the scoring formula for one completed task.
type Outcome struct {
	FilesParsed     int
	FileMarkersSeen bool
	CommandsParsed  int
	CommandsRun     int
	CommandsOK      int
	TokensUsed      int
	Failed          bool
}

// Score computes the 0-100 quality score for a completed task.
func Score(o Outcome) int {
	base := 0
	if o.FilesParsed > 0 {
		base += 20 + min(20, 5*o.FilesParsed)
	}
	if o.FileMarkersSeen {
		base += 15
	}
	if o.CommandsParsed > 0 && o.CommandsRun > 0 {
		base += int(math.Round(15 * float64(o.CommandsOK) / float64(o.CommandsParsed)))
	} else if o.CommandsParsed == 0 {
		base += 10
	}
	switch t := o.TokensUsed; {
	case t <= 0:
	case t < 500:
		base += 15
	case t < 2000:
		base += 12
	case t < 5000:
		base += 8
	case t < 10000:
		base += 4
	}
	if !o.Failed {
		base += 15
	}
	if base < 0 {
		return 0
	}
	if base > 100 {
		return 100
	}
	return base
}

// FailureScore is assigned when the pipeline threw before producing a result.
// Transport and API faults score 25 because the model never had a chance;
// everything else scores 0.
func FailureScore(apiFault bool) int {
	if apiFault {
		return 25
	}
	return 0
}

// Record is one scored task in a rolling category list.
type Record struct {
	Score     int       `json:"score"`
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
}

// CategoryLog is the bounded rolling window plus derived aggregates.
type CategoryLog struct {
	Records []Record `json:"records"`
	Avg     int      `json:"avg"`
	Count   int      `json:"count"`
}

// PerformanceLog maps agent id to category tag to rolling records.
type PerformanceLog map[string]map[string]CategoryLog

// Scorer owns the live performance log. All access is serialized; snapshots
// are deep copies safe to persist or broadcast.
type Scorer struct {
	mu  sync.Mutex
	log PerformanceLog
	now func() time.Time
}

// NewScorer creates an empty scorer.
func NewScorer() *Scorer {
	return &Scorer{log: make(PerformanceLog), now: time.Now}
}

// Load replaces the live log with a previously persisted snapshot.
func (s *Scorer) Load(log PerformanceLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = clonePerformanceLog(log)
	if s.log == nil {
		s.log = make(PerformanceLog)
	}
}

// RecordPerformance appends one scored task to every tag's rolling list,
// trims each list to the newest 20 records and recomputes the average.
func (s *Scorer) RecordPerformance(agentID string, tags []string, score int, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCategory, ok := s.log[agentID]
	if !ok {
		byCategory = make(map[string]CategoryLog)
		s.log[agentID] = byCategory
	}

	ts := s.now()
	for _, tag := range tags {
		cl := byCategory[tag]
		cl.Records = append(cl.Records, Record{Score: score, TaskID: taskID, Timestamp: ts})
		if len(cl.Records) > maxRecords {
			cl.Records = cl.Records[len(cl.Records)-maxRecords:]
		}
		cl.Count = len(cl.Records)
		cl.Avg = meanScore(cl.Records)
		byCategory[tag] = cl
	}
}

// AgentScore returns the rolling average for one category, or 50 for an
// agent with no history there.
func (s *Scorer) AgentScore(agentID, tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cl, ok := s.log[agentID][tag]; ok && cl.Count > 0 {
		return cl.Avg
	}
	return defaultScore
}

// OverallScore is the mean of the agent's per-category averages, or 50 when
// the agent has no records at all.
func (s *Scorer) OverallScore(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCategory := s.log[agentID]
	sum, n := 0, 0
	for _, cl := range byCategory {
		if cl.Count == 0 {
			continue
		}
		sum += cl.Avg
		n++
	}
	if n == 0 {
		return defaultScore
	}
	return int(math.Round(float64(sum) / float64(n)))
}

// RecentFailures counts scores below 30 among the agent's 5 most recent
// records across all categories.
func (s *Scorer) RecentFailures(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []Record
	for _, cl := range s.log[agentID] {
		all = append(all, cl.Records...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if len(all) > 5 {
		all = all[:5]
	}
	failures := 0
	for _, rec := range all {
		if rec.Score < 30 {
			failures++
		}
	}
	return failures
}

// Observations returns the total record count across the given tags, used by
// the selector's exploration bonus.
func (s *Scorer) Observations(agentID string, tags []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, tag := range tags {
		total += s.log[agentID][tag].Count
	}
	return total
}

// Snapshot returns a deep copy of the performance log.
func (s *Scorer) Snapshot() PerformanceLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePerformanceLog(s.log)
}

func meanScore(records []Record) int {
	if len(records) == 0 {
		return 0
	}
	sum := 0
	for _, rec := range records {
		sum += rec.Score
	}
	return int(math.Round(float64(sum) / float64(len(records))))
}

func clonePerformanceLog(log PerformanceLog) PerformanceLog {
	if log == nil {
		return nil
	}
	out := make(PerformanceLog, len(log))
	for agentID, byCategory := range log {
		inner := make(map[string]CategoryLog, len(byCategory))
		for tag, cl := range byCategory {
			records := make([]Record, len(cl.Records))
			copy(records, cl.Records)
			inner[tag] = CategoryLog{Records: records, Avg: cl.Avg, Count: cl.Count}
		}
		out[agentID] = inner
	}
	return out
}

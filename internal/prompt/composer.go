// Package prompt builds the adaptive system prompt for one task dispatch:
// role preamble, triggered skills, a performance-driven hint, recent task
// memory and the structured-output contract.
package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"conductor/internal/memory"
	"conductor/internal/rl"
)

const (
	// recentMemoryEntries is how many history entries ride along as context.
	recentMemoryEntries = 5

	// outputPreview truncates each remembered explanation.
	outputPreview = 120

	// Adaptive hint thresholds over the agent's rolling performance.
	strictFormatFailures = 3
	formatNudgeBelow     = 40
	initiativeAtOrAbove  = 75
)

// Skill is a reusable prompt fragment activated by trigger words in the task
// description. The built-in set covers the common cases; callers may append
// their own (discovered skill files stay outside the core).
type Skill struct {
	Name     string
	Triggers []string
	Template string
}

var builtinSkills = []Skill{
	{
		Name:     "python",
		Triggers: []string{"python", ".py", "pip", "pytest"},
		Template: "Target Python 3.11+. Prefer the standard library; when a third-party package is unavoidable, pin it in requirements.txt.",
	},
	{
		Name:     "javascript",
		Triggers: []string{"javascript", "typescript", "node", ".js", ".ts", "npm"},
		Template: "Use modern ES modules. Keep package.json scripts runnable with plain npm; no global installs.",
	},
	{
		Name:     "testing",
		Triggers: []string{"test", "coverage", "regression"},
		Template: "Write focused tests that fail before the fix and pass after. Name tests after the behavior they pin down.",
	},
	{
		Name:     "git",
		Triggers: []string{"git", "commit", "branch", "merge"},
		Template: "Never force-push or rewrite shared history. Keep each commit buildable.",
	},
	{
		Name:     "docker",
		Triggers: []string{"docker", "container", "dockerfile", "compose"},
		Template: "Use slim base images and multi-stage builds. Never bake secrets into layers.",
	},
	{
		Name:     "api",
		Triggers: []string{"api", "endpoint", "rest", "http"},
		Template: "Validate inputs at the boundary and return structured error bodies with appropriate status codes.",
	},
}

var rolePreambles = map[string]string{
	"frontend": "You are a frontend engineer. You care about accessible markup, responsive layout and small bundles.",
	"backend":  "You are a backend engineer. You care about correctness, explicit error handling and predictable performance.",
	"devops":   "You are a devops engineer. You automate infrastructure, keep deployments reproducible and scripts idempotent.",
	"tester":   "You are a test engineer. You hunt edge cases, write regression tests and distrust happy paths.",
	"docs":     "You are a technical writer. You produce clear, accurate documentation with working examples.",
	"general":  "You are a capable software engineer. You write complete, working solutions.",
}

// HistoryProvider supplies recent task memory. *memory.Store satisfies it.
type HistoryProvider interface {
	RecentHistory(n int) []memory.HistoryEntry
}

// Composer assembles system prompts. Safe for concurrent use once built.
type Composer struct {
	scorer  *rl.Scorer
	history HistoryProvider
	skills  []Skill
}

// NewComposer builds a composer over the live scorer and task memory. Extra
// skills are consulted after the built-in set.
func NewComposer(scorer *rl.Scorer, history HistoryProvider, extra ...Skill) *Composer {
	skills := make([]Skill, 0, len(builtinSkills)+len(extra))
	skills = append(skills, builtinSkills...)
	skills = append(skills, extra...)
	return &Composer{scorer: scorer, history: history, skills: skills}
}

// Input identifies the agent and task a prompt is composed for.
type Input struct {
	AgentID     string
	AgentName   string
	Role        string
	Description string
}

// Compose builds the full system prompt for one dispatch.
func (c *Composer) Compose(in Input) string {
	var b strings.Builder

	preamble, ok := rolePreambles[strings.ToLower(in.Role)]
	if !ok {
		preamble = rolePreambles["general"]
	}
	fmt.Fprintf(&b, "You are %s. %s\n", in.AgentName, preamble)

	if triggered := c.matchSkills(in.Description); len(triggered) > 0 {
		b.WriteString("\nApplicable guidance:\n")
		for _, skill := range triggered {
			fmt.Fprintf(&b, "- %s\n", skill.Template)
		}
	}

	if hint := c.adaptiveHint(in.AgentID); hint != "" {
		b.WriteString("\n")
		b.WriteString(hint)
		b.WriteString("\n")
	}

	if recent := c.recentMemory(); recent != "" {
		b.WriteString("\nRecent work in this workspace:\n")
		b.WriteString(recent)
	}

	b.WriteString("\n")
	b.WriteString(outputContract)
	return b.String()
}

// matchSkills returns every skill whose trigger occurs in the description,
// case-insensitive.
func (c *Composer) matchSkills(description string) []Skill {
	lower := strings.ToLower(description)
	var out []Skill
	for _, skill := range c.skills {
		for _, trigger := range skill.Triggers {
			if strings.Contains(lower, strings.ToLower(trigger)) {
				out = append(out, skill)
				break
			}
		}
	}
	return out
}

// adaptiveHint picks at most one hint from the agent's rolling performance.
// Repeated format failures dominate; otherwise a low overall score earns a
// nudge and a high one earns latitude.
func (c *Composer) adaptiveHint(agentID string) string {
	if c.scorer == nil {
		return ""
	}
	if c.scorer.RecentFailures(agentID) >= strictFormatFailures {
		return "IMPORTANT: your recent outputs failed. Follow the output format below exactly. Emit at least one FILE block; do not answer in prose alone."
	}
	overall := c.scorer.OverallScore(agentID)
	if overall < formatNudgeBelow {
		return "Reminder: wrap every file in FILE blocks and every command in EXEC blocks. Unstructured output cannot be applied."
	}
	if overall >= initiativeAtOrAbove {
		return "You have been performing well. Use your judgment: add tests, split work into SUBTASK blocks, or improve adjacent code when it clearly helps."
	}
	return ""
}

// recentMemory renders the latest history entries as compact context lines.
func (c *Composer) recentMemory() string {
	if c.history == nil {
		return ""
	}
	entries := c.history.RecentHistory(recentMemoryEntries)
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		preview := truncate(e.Explanation, outputPreview)
		preview = strings.ReplaceAll(preview, "\n", " ")
		fmt.Fprintf(&b, "- %s %s: %s - %s", e.AgentName, e.TaskID, e.Title, preview)
		if len(e.Files) > 0 {
			fmt.Fprintf(&b, " (files: %s)", strings.Join(e.Files, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
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

// outputContract is appended to every prompt. The markers must match the
// parser exactly.
const outputContract = `Output format. Emit file writes, commands and subtasks as literal blocks:

FILE
path: <relative/path>
CONTENT
<complete file content>
END_FILE

EXEC
cwd: <relative dir, default .>
cmd: <shell command>
END_EXEC

SUBTASK
title: <short title>
agent: <agent id or auto>
description: <what to do>
END_SUBTASK

Rules: paths are relative to the workspace root and must not escape it.
File content must be the complete file, ready to run, never a fragment or
diff. Text outside blocks is treated as your explanation.`

package rl

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		title, description string
		want               []string
	}{
		{"write hello.py", "a small python program", []string{"python"}},
		{"build REST API", "expose an endpoint", []string{"api"}},
		{"add tests for parser", "pytest coverage", []string{"python", "test"}},
		{"tune the frobnicator", "no known keywords here", []string{"general"}},
		{"dockerize the service", "write a Dockerfile and CI pipeline", []string{"devops"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.title, tc.description), "%s", tc.title)
	}
}

func TestScoreFormula(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		o    Outcome
		want int
	}{
		{
			name: "single file with markers, small response",
			// files: 20+5, markers: 15, no commands: 10, tokens<500: 15, success: 15
			o:    Outcome{FilesParsed: 1, FileMarkersSeen: true, TokensUsed: 300},
			want: 80,
		},
		{
			name: "pure text response",
			o:    Outcome{TokensUsed: 1200},
			want: 37, // no commands 10 + tokens 12 + success 15
		},
		{
			name: "commands all succeed",
			// files 0, markers 0, commands: round(15*2/2)=15, tokens bucket 8, success 15
			o:    Outcome{CommandsParsed: 2, CommandsRun: 2, CommandsOK: 2, TokensUsed: 3000},
			want: 38,
		},
		{
			name: "commands half succeed",
			o:    Outcome{CommandsParsed: 2, CommandsRun: 2, CommandsOK: 1, TokensUsed: 3000},
			want: 31, // round(7.5)=8 + 8 + 15
		},
		{
			name: "zero tokens counts nothing",
			o:    Outcome{TokensUsed: 0},
			want: 25, // no commands 10 + success 15
		},
		{
			name: "many files clamps file bonus",
			// 20+min(20,5*8)=40, markers 15, no cmds 10, tokens 4, success 15
			o:    Outcome{FilesParsed: 8, FileMarkersSeen: true, TokensUsed: 7000},
			want: 84,
		},
		{
			name: "failed status forfeits the success bonus",
			o:    Outcome{FilesParsed: 1, TokensUsed: 100, Failed: true},
			want: 50, // 25 + 15 + 10(no cmds) ... file 25, markers 0, no cmds 10, tokens 15
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Score(tc.o))
		})
	}
}

func TestFailureScore(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 25, FailureScore(true))
	assert.Equal(t, 0, FailureScore(false))
}

func TestRecordPerformanceRollingWindow(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	// 17 fifties then 3 nineties: the window holds all 20, avg = 56.
	for i := 0; i < 17; i++ {
		s.RecordPerformance("a1", []string{"javascript"}, 50, fmt.Sprintf("TASK-%03d", i))
	}
	for i := 17; i < 20; i++ {
		s.RecordPerformance("a1", []string{"javascript"}, 90, fmt.Sprintf("TASK-%03d", i))
	}

	snap := s.Snapshot()
	cl := snap["a1"]["javascript"]
	require.Equal(t, 20, cl.Count)
	assert.Equal(t, 56, cl.Avg)
	assert.Equal(t, 56, s.AgentScore("a1", "javascript"))

	// One more evicts the oldest 50.
	s.RecordPerformance("a1", []string{"javascript"}, 90, "TASK-020")
	snap = s.Snapshot()
	cl = snap["a1"]["javascript"]
	assert.Equal(t, 20, cl.Count)
	assert.Equal(t, "TASK-001", cl.Records[0].TaskID)
	assert.Equal(t, 58, cl.Avg) // (16*50 + 4*90)/20 = 58
}

func TestAgentScoreDefaultsWithoutHistory(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	assert.Equal(t, 50, s.AgentScore("ghost", "python"))
	assert.Equal(t, 50, s.OverallScore("ghost"))
	assert.Zero(t, s.RecentFailures("ghost"))
	assert.Zero(t, s.Observations("ghost", []string{"python", "docs"}))
}

func TestOverallScoreAveragesCategories(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	s.RecordPerformance("a1", []string{"python"}, 80, "TASK-001")
	s.RecordPerformance("a1", []string{"docs"}, 40, "TASK-002")
	assert.Equal(t, 60, s.OverallScore("a1"))
}

func TestRecentFailures(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	s.RecordPerformance("a1", []string{"python"}, 10, "TASK-001")
	s.RecordPerformance("a1", []string{"docs"}, 20, "TASK-002")
	s.RecordPerformance("a1", []string{"python"}, 80, "TASK-003")
	s.RecordPerformance("a1", []string{"python"}, 25, "TASK-004")
	s.RecordPerformance("a1", []string{"python"}, 90, "TASK-005")
	s.RecordPerformance("a1", []string{"python"}, 95, "TASK-006")

	// Most recent five: 95, 90, 25, 80, 20 -> two below 30.
	assert.Equal(t, 2, s.RecentFailures("a1"))
}

func TestObservationsSumsTags(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	s.RecordPerformance("a1", []string{"python", "test"}, 70, "TASK-001")
	s.RecordPerformance("a1", []string{"python"}, 70, "TASK-002")
	assert.Equal(t, 3, s.Observations("a1", []string{"python", "test"}))
	assert.Equal(t, 2, s.Observations("a1", []string{"python"}))
}

func TestLoadAndSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewScorer()
	s.RecordPerformance("a1", []string{"api"}, 65, "TASK-001")
	snap := s.Snapshot()

	restored := NewScorer()
	restored.Load(snap)
	assert.Equal(t, 65, restored.AgentScore("a1", "api"))

	// Mutating the snapshot must not reach the live log.
	cl := snap["a1"]["api"]
	cl.Records[0].Score = 0
	assert.Equal(t, 65, restored.AgentScore("a1", "api"))
}

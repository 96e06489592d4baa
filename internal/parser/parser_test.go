package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileBlock(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"Here is the file you asked for.",
		"FILE",
		"path: hello.js",
		"CONTENT",
		"console.log('hi');",
		"END_FILE",
		"Done.",
	}, "\n")

	result := Parse(raw)
	require.Len(t, result.Files, 1)
	assert.Equal(t, "hello.js", result.Files[0].Path)
	assert.Equal(t, "console.log('hi');", result.Files[0].Content)
	assert.Equal(t, "Here is the file you asked for.\nDone.", result.Explanation)
}

func TestParsePreservesContentBytes(t *testing.T) {
	t.Parallel()

	content := "line one\n\n  indented\n\ttabbed\nFILE is not a marker mid-content? no:"
	// Content lines that equal a marker terminate the block, so keep the
	// marker words off their own lines here.
	raw := RenderFile(FileIntent{Path: "a/b.txt", Content: content})
	result := Parse(raw)
	require.Len(t, result.Files, 1)
	assert.Equal(t, content, result.Files[0].Content)
	assert.Empty(t, result.Explanation)
}

func TestParseExecBlock(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"EXEC",
		"cwd: calculator",
		"cmd: python -m pytest -q",
		"END_EXEC",
	}, "\n")

	result := Parse(raw)
	require.Len(t, result.Commands, 1)
	assert.Equal(t, "calculator", result.Commands[0].Cwd)
	assert.Equal(t, "python -m pytest -q", result.Commands[0].Command)
}

func TestParseExecDefaultsCwd(t *testing.T) {
	t.Parallel()

	raw := "EXEC\ncwd:\ncmd: ls\nEND_EXEC"
	result := Parse(raw)
	require.Len(t, result.Commands, 1)
	assert.Equal(t, ".", result.Commands[0].Cwd)
}

func TestParseSubtaskBlock(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"SUBTASK",
		"title: add unit tests",
		"agent: auto",
		"description: cover the edge cases",
		"of the divide function",
		"END_SUBTASK",
	}, "\n")

	result := Parse(raw)
	require.Len(t, result.Subtasks, 1)
	st := result.Subtasks[0]
	assert.Equal(t, "add unit tests", st.Title)
	assert.Equal(t, "auto", st.Agent)
	assert.Equal(t, "cover the edge cases\nof the divide function", st.Description)
}

func TestParseSubtaskEmptyAgentDefaultsToAuto(t *testing.T) {
	t.Parallel()

	raw := "SUBTASK\ntitle: t\nagent:\ndescription: d\nEND_SUBTASK"
	result := Parse(raw)
	require.Len(t, result.Subtasks, 1)
	assert.Equal(t, "auto", result.Subtasks[0].Agent)
}

func TestParseMixedBlocksAnyOrder(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"I'll write the file and run the tests.",
		RenderExec(CommandIntent{Cwd: ".", Command: "npm test"}),
		"Some commentary in between.",
		RenderFile(FileIntent{Path: "src/index.js", Content: "export {}"}),
		RenderSubtask(SubtaskIntent{Title: "docs", Agent: "auto", Description: "write a README"}),
		"All done.",
	}, "\n")

	result := Parse(raw)
	assert.Len(t, result.Files, 1)
	assert.Len(t, result.Commands, 1)
	assert.Len(t, result.Subtasks, 1)
	assert.Equal(t, "I'll write the file and run the tests.\nSome commentary in between.\nAll done.", result.Explanation)
}

func TestParseMalformedBlockStaysInResidual(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"FILE",
		"path: broken.txt",
		"CONTENT",
		"never terminated",
	}, "\n")

	result := Parse(raw)
	assert.Empty(t, result.Files)
	assert.Contains(t, result.Explanation, "never terminated")
	assert.True(t, HasFileMarkers(raw))
}

func TestParseMalformedExecMissingCmd(t *testing.T) {
	t.Parallel()

	raw := "EXEC\ncwd: .\nEND_EXEC"
	result := Parse(raw)
	assert.Empty(t, result.Commands)
}

func TestParseNoBlocks(t *testing.T) {
	t.Parallel()

	raw := "  just prose\n\n\n\nwith extra blanks  "
	result := Parse(raw)
	assert.Empty(t, result.Files)
	assert.Empty(t, result.Commands)
	assert.Empty(t, result.Subtasks)
	assert.Equal(t, "just prose\n\nwith extra blanks", result.Explanation)
	assert.False(t, HasFileMarkers(raw))
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	file := FileIntent{Path: "pkg/util.go", Content: "package util\n\nfunc A() {}"}
	cmd := CommandIntent{Cwd: "pkg", Command: "go vet ./..."}
	sub := SubtaskIntent{Title: "refactor", Agent: "codex", Description: "split the helper"}

	result := Parse(RenderFile(file))
	require.Len(t, result.Files, 1)
	assert.Equal(t, file, result.Files[0])

	result = Parse(RenderExec(cmd))
	require.Len(t, result.Commands, 1)
	assert.Equal(t, cmd, result.Commands[0])

	result = Parse(RenderSubtask(sub))
	require.Len(t, result.Subtasks, 1)
	assert.Equal(t, sub, result.Subtasks[0])
}

func TestParseRepeatedBlocks(t *testing.T) {
	t.Parallel()

	var parts []string
	for i := 0; i < 4; i++ {
		parts = append(parts, RenderFile(FileIntent{Path: "f.txt", Content: "x"}))
	}
	result := Parse(strings.Join(parts, "\n"))
	assert.Len(t, result.Files, 4)
}
